package webhooks

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/zedaapi/gateway/internal/circuitbreaker"
	"github.com/zedaapi/gateway/internal/events"
	"github.com/zedaapi/gateway/internal/monitoring"
)

// jwtTTL bounds the lifetime of per-delivery minted tokens.
const jwtTTL = 10 * time.Minute

// Envelope is the JSON body POSTed to every subscriber.
type Envelope struct {
	Event     events.Kind `json:"event"`
	Instance  *string     `json:"instance"`
	Data      interface{} `json:"data"`
	Timestamp string      `json:"timestamp"`
	Webhook   struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"webhook"`
}

// Dispatcher fans domain events out to matching subscribers. Deliveries are
// concurrent per subscriber; Dispatch blocks until every delivery settles
// and never surfaces delivery errors to the event producer.
type Dispatcher struct {
	repo     Repository
	breakers *circuitbreaker.Set
	client   *http.Client
	metrics  *monitoring.Metrics
	logger   *log.Logger
	now      func() time.Time

	mu   sync.Mutex
	rand *rand.Rand
}

// NewDispatcher creates a dispatcher over the given subscriber repository.
// metrics may be nil.
func NewDispatcher(repo Repository, breakers *circuitbreaker.Set, metrics *monitoring.Metrics) *Dispatcher {
	return &Dispatcher{
		repo:     repo,
		breakers: breakers,
		client:   &http.Client{},
		metrics:  metrics,
		logger:   log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
		now:      time.Now,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Dispatch delivers one event to every enabled subscriber whose filters
// match. instance may be empty for events without an originating instance.
func (d *Dispatcher) Dispatch(ctx context.Context, kind events.Kind, instance string, data interface{}) {
	subs, err := d.repo.ListEnabled(ctx)
	if err != nil {
		d.logger.Printf("❌ cannot list subscribers for %s: %v", kind, err)
		return
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		if !sub.WantsEvent(kind) {
			continue
		}
		if instance != "" && !sub.FilterConfig.Matches(instance) {
			continue
		}
		wg.Add(1)
		go func(sub *Subscriber) {
			defer wg.Done()
			d.deliver(ctx, sub, kind, instance, data)
		}(sub)
	}
	wg.Wait()
}

// deliver runs the full gated, retried delivery for one subscriber.
func (d *Dispatcher) deliver(ctx context.Context, sub *Subscriber, kind events.Kind, instance string, data interface{}) {
	breaker := d.breakers.Get(sub.ID)
	if err := breaker.Allow(); err != nil {
		d.logger.Printf("⚠️ circuit open, skipping %s (%s) for %s", sub.Name, sub.ID, kind)
		if d.metrics != nil {
			d.metrics.WebhookSkipped.WithLabelValues(sub.Name).Inc()
		}
		return
	}

	body, err := d.buildBody(sub, kind, instance, data)
	if err != nil {
		d.logger.Printf("❌ cannot encode payload for %s: %v", sub.Name, err)
		return
	}

	start := d.now()
	status, err := d.attemptWithRetry(ctx, sub, body)
	elapsed := d.now().Sub(start)

	outcome := ExecutionOutcome{Success: err == nil, At: d.now()}
	if err == nil {
		breaker.Success()
		d.logger.Printf("✅ delivered %s → %s (%d, %dms)", kind, sub.URL, status, elapsed.Milliseconds())
	} else {
		outcome.Error = err.Error()
		breaker.Failure()
		d.logger.Printf("❌ delivery failed %s → %s: %v", kind, sub.URL, err)
	}
	if d.metrics != nil {
		d.metrics.ObserveWebhookDelivery(sub.Name, err == nil, elapsed)
	}
	if recErr := d.repo.RecordExecution(ctx, sub.ID, outcome); recErr != nil {
		d.logger.Printf("⚠️ cannot record execution for %s: %v", sub.ID, recErr)
	}
}

// DeliverTest performs a single synchronous probe delivery, bypassing the
// retry loop and circuit breaker. Used by the webhook test endpoint.
func (d *Dispatcher) DeliverTest(ctx context.Context, sub *Subscriber, data interface{}) (int, time.Duration, error) {
	body, err := d.buildBody(sub, "TEST", "", data)
	if err != nil {
		return 0, 0, err
	}
	start := d.now()
	status, err := d.attempt(ctx, sub, body)
	return status, d.now().Sub(start), err
}

func (d *Dispatcher) buildBody(sub *Subscriber, kind events.Kind, instance string, data interface{}) ([]byte, error) {
	env := Envelope{
		Event:     kind,
		Data:      data,
		Timestamp: d.now().UTC().Format(time.RFC3339),
	}
	if instance != "" {
		env.Instance = &instance
	}
	env.Webhook.ID = sub.ID
	env.Webhook.Name = sub.Name
	return json.Marshal(env)
}

// deliveryError carries the HTTP status so the retry policy can distinguish
// non-retryable responses.
type deliveryError struct {
	status       int
	msg          string
	nonRetryable bool
}

func (e *deliveryError) Error() string { return e.msg }

// attemptWithRetry runs the retry loop from sub.RetryConfig around attempt.
// Inter-attempt sleeps honor ctx cancellation.
func (d *Dispatcher) attemptWithRetry(ctx context.Context, sub *Subscriber, body []byte) (int, error) {
	rc := sub.RetryConfig
	var lastStatus int

	err := retry.Do(
		func() error {
			status, err := d.attempt(ctx, sub, body)
			lastStatus = status
			return err
		},
		retry.Context(ctx),
		retry.Attempts(uint(rc.MaxAttempts)),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			de, ok := err.(*deliveryError)
			return !ok || !de.nonRetryable
		}),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return d.backoff(rc, int(n)+1)
		}),
	)
	return lastStatus, err
}

// backoff computes the sleep before retrying attempt k+1, where k is the
// 1-indexed attempt that just failed.
func (d *Dispatcher) backoff(rc RetryConfig, k int) time.Duration {
	initial := time.Duration(rc.InitialDelaySeconds) * time.Second
	if !rc.UseExponentialBackoff {
		return initial
	}
	base := initial << (k - 1)
	if max := time.Duration(rc.MaxDelaySeconds) * time.Second; base > max || base <= 0 {
		base = max
	}
	d.mu.Lock()
	jitter := time.Duration(float64(base) * rc.JitterFactor * (d.rand.Float64()*2 - 1))
	d.mu.Unlock()
	actual := base + jitter
	if actual < initial {
		actual = initial
	}
	return actual
}

// attempt performs exactly one HTTP POST, bounded by the subscriber timeout.
// 2xx/3xx settle successfully; statuses in NonRetryableStatusCodes settle
// as permanent failures; anything else is retryable.
func (d *Dispatcher) attempt(ctx context.Context, sub *Subscriber, body []byte) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, sub.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return 0, &deliveryError{msg: fmt.Sprintf("build request: %v", err), nonRetryable: true}
	}
	for name, value := range sub.Headers {
		req.Header.Set(name, value)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := d.applyAuth(req, sub.Authentication); err != nil {
		return 0, &deliveryError{msg: err.Error(), nonRetryable: true}
	}
	if sc := sub.SecurityConfig; sc.EnableSignatureValidation {
		sig, err := SignPayload(body, sc.SignatureSecret, sc.SignatureAlgorithm)
		if err != nil {
			return 0, &deliveryError{msg: err.Error(), nonRetryable: true}
		}
		header := sc.SignatureHeader
		if header == "" {
			header = "X-Webhook-Signature"
		}
		req.Header.Set(header, sig)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, &deliveryError{msg: fmt.Sprintf("request failed: %v", err)}
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 400 {
		return resp.StatusCode, nil
	}
	de := &deliveryError{
		status: resp.StatusCode,
		msg:    fmt.Sprintf("endpoint returned status %d", resp.StatusCode),
	}
	if sub.RetryConfig.NonRetryable(resp.StatusCode) {
		de.nonRetryable = true
	}
	return resp.StatusCode, de
}

// applyAuth sets the authentication header(s) for one outbound request.
func (d *Dispatcher) applyAuth(req *http.Request, auth AuthConfig) error {
	switch auth.Type {
	case "", AuthNone:
		return nil
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case AuthBasic:
		creds := base64.StdEncoding.EncodeToString([]byte(auth.Username + ":" + auth.Password))
		req.Header.Set("Authorization", "Basic "+creds)
	case AuthAPIKey:
		req.Header.Set(auth.Header, auth.Token)
	case AuthJWT:
		now := d.now()
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"iat":    now.Unix(),
			"exp":    now.Add(jwtTTL).Unix(),
			"app":    "gateway",
			"action": "webhook",
		})
		signed, err := token.SignedString([]byte(auth.Secret))
		if err != nil {
			return fmt.Errorf("sign jwt: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+signed)
	default:
		return fmt.Errorf("unknown authentication type %q", auth.Type)
	}
	return nil
}
