package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/zedaapi/gateway/internal/webhooks"
)

// WebhookStore implements webhooks.Repository on Postgres. Execution stats
// are written as atomic column increments so concurrent deliveries never
// lose counts.
type WebhookStore struct {
	db *sql.DB
}

func NewWebhookStore(db *sql.DB) *WebhookStore {
	return &WebhookStore{db: db}
}

const webhookColumns = `id, name, url, enabled, description, events, headers,
	authentication, retry_config, filter_config, security_config, timeout,
	last_execution_at, last_execution_status, last_execution_error,
	total_executions, successful_executions, failed_executions,
	created_at, updated_at`

func (s *WebhookStore) Create(ctx context.Context, sub *webhooks.Subscriber) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	sub.CreatedAt = now
	sub.UpdatedAt = now

	enc, err := encodeSubscriber(sub)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO external_webhooks
			(id, name, url, enabled, description, events, headers,
			 authentication, retry_config, filter_config, security_config,
			 timeout, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		sub.ID, sub.Name, sub.URL, sub.Enabled, sub.Description,
		enc.events, enc.headers, enc.auth, enc.retry, enc.filter, enc.security,
		sub.TimeoutMs, sub.CreatedAt, sub.UpdatedAt)
	return translateWebhookErr(err)
}

func (s *WebhookStore) GetByID(ctx context.Context, id string) (*webhooks.Subscriber, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+webhookColumns+" FROM external_webhooks WHERE id = $1", id)
	sub, err := scanWebhook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, webhooks.ErrNotFound
	}
	return sub, err
}

func (s *WebhookStore) List(ctx context.Context) ([]*webhooks.Subscriber, error) {
	return s.list(ctx, "")
}

func (s *WebhookStore) ListEnabled(ctx context.Context) ([]*webhooks.Subscriber, error) {
	return s.list(ctx, "WHERE enabled")
}

func (s *WebhookStore) list(ctx context.Context, where string) ([]*webhooks.Subscriber, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+webhookColumns+" FROM external_webhooks "+where+" ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*webhooks.Subscriber
	for rows.Next() {
		sub, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *WebhookStore) Update(ctx context.Context, sub *webhooks.Subscriber) error {
	sub.UpdatedAt = time.Now().UTC()
	enc, err := encodeSubscriber(sub)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE external_webhooks
		SET name = $2, url = $3, enabled = $4, description = $5, events = $6,
		    headers = $7, authentication = $8, retry_config = $9,
		    filter_config = $10, security_config = $11, timeout = $12,
		    updated_at = $13
		WHERE id = $1`,
		sub.ID, sub.Name, sub.URL, sub.Enabled, sub.Description,
		enc.events, enc.headers, enc.auth, enc.retry, enc.filter, enc.security,
		sub.TimeoutMs, sub.UpdatedAt)
	if err != nil {
		return translateWebhookErr(err)
	}
	return requireWebhookRow(res)
}

func (s *WebhookStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM external_webhooks WHERE id = $1", id)
	if err != nil {
		return err
	}
	return requireWebhookRow(res)
}

func (s *WebhookStore) SetEnabled(ctx context.Context, id string, enabled bool) (*webhooks.Subscriber, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE external_webhooks SET enabled = $2, updated_at = $3 WHERE id = $1`,
		id, enabled, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if err := requireWebhookRow(res); err != nil {
		return nil, err
	}
	return s.GetByID(ctx, id)
}

// RecordExecution applies one settled delivery outcome as a single UPDATE;
// counters only ever move forward.
func (s *WebhookStore) RecordExecution(ctx context.Context, id string, outcome webhooks.ExecutionOutcome) error {
	status := "failed"
	if outcome.Success {
		status = "success"
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE external_webhooks
		SET total_executions      = total_executions + 1,
		    successful_executions = successful_executions + CASE WHEN $2 THEN 1 ELSE 0 END,
		    failed_executions     = failed_executions + CASE WHEN $2 THEN 0 ELSE 1 END,
		    last_execution_at     = $3,
		    last_execution_status = $4,
		    last_execution_error  = $5
		WHERE id = $1`,
		id, outcome.Success, outcome.At.UTC(), status, outcome.Error)
	if err != nil {
		return err
	}
	return requireWebhookRow(res)
}

type encodedSubscriber struct {
	events, headers, auth, retry, filter, security []byte
}

func encodeSubscriber(sub *webhooks.Subscriber) (*encodedSubscriber, error) {
	var enc encodedSubscriber
	var err error
	if enc.events, err = json.Marshal(sub.Events); err != nil {
		return nil, fmt.Errorf("encode events: %w", err)
	}
	if enc.headers, err = json.Marshal(sub.Headers); err != nil {
		return nil, fmt.Errorf("encode headers: %w", err)
	}
	if enc.auth, err = json.Marshal(sub.Authentication); err != nil {
		return nil, fmt.Errorf("encode authentication: %w", err)
	}
	if enc.retry, err = json.Marshal(sub.RetryConfig); err != nil {
		return nil, fmt.Errorf("encode retryConfig: %w", err)
	}
	if enc.filter, err = json.Marshal(sub.FilterConfig); err != nil {
		return nil, fmt.Errorf("encode filterConfig: %w", err)
	}
	if enc.security, err = json.Marshal(sub.SecurityConfig); err != nil {
		return nil, fmt.Errorf("encode securityConfig: %w", err)
	}
	return &enc, nil
}

func scanWebhook(row scanner) (*webhooks.Subscriber, error) {
	var sub webhooks.Subscriber
	var events, headers, auth, retry, filter, security []byte
	var lastAt sql.NullTime

	if err := row.Scan(&sub.ID, &sub.Name, &sub.URL, &sub.Enabled, &sub.Description,
		&events, &headers, &auth, &retry, &filter, &security, &sub.TimeoutMs,
		&lastAt, &sub.Stats.LastExecutionStatus, &sub.Stats.LastExecutionError,
		&sub.Stats.TotalExecutions, &sub.Stats.SuccessfulExecutions,
		&sub.Stats.FailedExecutions, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return nil, err
	}
	if lastAt.Valid {
		t := lastAt.Time
		sub.Stats.LastExecutionAt = &t
	}

	for name, pair := range map[string]struct {
		raw []byte
		dst interface{}
	}{
		"events":         {events, &sub.Events},
		"headers":        {headers, &sub.Headers},
		"authentication": {auth, &sub.Authentication},
		"retryConfig":    {retry, &sub.RetryConfig},
		"filterConfig":   {filter, &sub.FilterConfig},
		"securityConfig": {security, &sub.SecurityConfig},
	} {
		if len(pair.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(pair.raw, pair.dst); err != nil {
			return nil, fmt.Errorf("decode %s for webhook %s: %w", name, sub.ID, err)
		}
	}
	return &sub, nil
}

func requireWebhookRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return webhooks.ErrNotFound
	}
	return nil
}

func translateWebhookErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return webhooks.ErrDuplicateName
	}
	return err
}
