package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/zedaapi/gateway/internal/groups"
)

// GroupStore implements groups.Repository on Postgres. Name and alias
// uniqueness rides on the table constraints so concurrent creates cannot
// race past the application-level checks.
type GroupStore struct {
	db *sql.DB
}

func NewGroupStore(db *sql.DB) *GroupStore {
	return &GroupStore{db: db}
}

const groupColumns = "id, name, alias, description, enabled, instances, created_at, updated_at"

func (s *GroupStore) Create(ctx context.Context, g *groups.InstanceGroup) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	g.CreatedAt = now
	g.UpdatedAt = now

	members, err := json.Marshal(g.Instances)
	if err != nil {
		return fmt.Errorf("encode instances: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO instance_groups (`+groupColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		g.ID, g.Name, g.Alias, g.Description, g.Enabled, members, g.CreatedAt, g.UpdatedAt)
	return translateGroupErr(err)
}

func (s *GroupStore) GetByID(ctx context.Context, id string) (*groups.InstanceGroup, error) {
	return s.getOne(ctx, "id = $1", id)
}

func (s *GroupStore) GetByName(ctx context.Context, name string) (*groups.InstanceGroup, error) {
	return s.getOne(ctx, "name = $1", name)
}

func (s *GroupStore) GetByAlias(ctx context.Context, alias string) (*groups.InstanceGroup, error) {
	return s.getOne(ctx, "alias = $1", alias)
}

func (s *GroupStore) getOne(ctx context.Context, where string, arg interface{}) (*groups.InstanceGroup, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+groupColumns+" FROM instance_groups WHERE "+where, arg)
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, groups.ErrNotFound
	}
	return g, err
}

func (s *GroupStore) List(ctx context.Context) ([]*groups.InstanceGroup, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+groupColumns+" FROM instance_groups ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*groups.InstanceGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *GroupStore) Update(ctx context.Context, g *groups.InstanceGroup) error {
	g.UpdatedAt = time.Now().UTC()
	members, err := json.Marshal(g.Instances)
	if err != nil {
		return fmt.Errorf("encode instances: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE instance_groups
		SET name = $2, alias = $3, description = $4, enabled = $5,
		    instances = $6, updated_at = $7
		WHERE id = $1`,
		g.ID, g.Name, g.Alias, g.Description, g.Enabled, members, g.UpdatedAt)
	if err != nil {
		return translateGroupErr(err)
	}
	return requireRow(res)
}

func (s *GroupStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM instance_groups WHERE id = $1", id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanGroup(row scanner) (*groups.InstanceGroup, error) {
	var g groups.InstanceGroup
	var members []byte
	if err := row.Scan(&g.ID, &g.Name, &g.Alias, &g.Description, &g.Enabled,
		&members, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(members, &g.Instances); err != nil {
		return nil, fmt.Errorf("decode instances for group %s: %w", g.ID, err)
	}
	return &g, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return groups.ErrNotFound
	}
	return nil
}

// translateGroupErr maps unique-constraint violations back to the
// repository's validation errors.
func translateGroupErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		switch {
		case strings.Contains(pqErr.Constraint, "alias"):
			return groups.ErrDuplicateAlias
		default:
			return groups.ErrDuplicateName
		}
	}
	return err
}
