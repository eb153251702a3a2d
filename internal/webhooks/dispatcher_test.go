package webhooks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zedaapi/gateway/internal/circuitbreaker"
	"github.com/zedaapi/gateway/internal/events"
)

func fastRetry(maxAttempts int, nonRetryable ...int) RetryConfig {
	return RetryConfig{
		MaxAttempts:             maxAttempts,
		InitialDelaySeconds:     1,
		UseExponentialBackoff:   true,
		MaxDelaySeconds:         4,
		JitterFactor:            0,
		NonRetryableStatusCodes: nonRetryable,
	}
}

func testSubscriber(url string, retry RetryConfig) *Subscriber {
	return &Subscriber{
		Name:        "sub",
		URL:         url,
		Enabled:     true,
		RetryConfig: retry,
		TimeoutMs:   5000,
	}
}

func newTestDispatcher(t *testing.T, sub *Subscriber) (*Dispatcher, *MemoryRepository) {
	t.Helper()
	repo := NewMemoryRepository()
	require.NoError(t, repo.Create(context.Background(), sub))
	return NewDispatcher(repo, circuitbreaker.NewSet(), nil), repo
}

func TestRetryUntilSuccess(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub := testSubscriber(srv.URL, fastRetry(3))
	d, repo := newTestDispatcher(t, sub)

	start := time.Now()
	d.Dispatch(context.Background(), events.MessagesUpsert, "inst-1", map[string]interface{}{"k": "v"})
	elapsed := time.Since(start)

	assert.EqualValues(t, 3, atomic.LoadInt32(&hits), "two retries then success")
	assert.GreaterOrEqual(t, elapsed, 2500*time.Millisecond, "slept ~1s then ~2s between attempts")

	got, err := repo.GetByID(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.Stats.TotalExecutions)
	assert.EqualValues(t, 1, got.Stats.SuccessfulExecutions)
	assert.EqualValues(t, 0, got.Stats.FailedExecutions)
	assert.Equal(t, "success", got.Stats.LastExecutionStatus)
	assert.Empty(t, got.Stats.LastExecutionError)
}

func TestNonRetryableStatus(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	sub := testSubscriber(srv.URL, fastRetry(5, 404))
	d, repo := newTestDispatcher(t, sub)

	d.Dispatch(context.Background(), events.MessagesUpsert, "inst-1", nil)

	assert.EqualValues(t, 1, atomic.LoadInt32(&hits), "non-retryable status settles on the first attempt")

	got, err := repo.GetByID(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.Stats.TotalExecutions)
	assert.EqualValues(t, 1, got.Stats.FailedExecutions)
	assert.Equal(t, "failed", got.Stats.LastExecutionStatus)
	assert.Contains(t, got.Stats.LastExecutionError, "404")
}

func TestRetryBound(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sub := testSubscriber(srv.URL, fastRetry(2))
	d, repo := newTestDispatcher(t, sub)

	d.Dispatch(context.Background(), events.Call, "inst-1", nil)

	assert.EqualValues(t, 2, atomic.LoadInt32(&hits))
	got, _ := repo.GetByID(context.Background(), sub.ID)
	assert.EqualValues(t, 1, got.Stats.FailedExecutions)
}

func TestEnvelopeShape(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw json.RawMessage
		json.NewDecoder(r.Body).Decode(&raw)
		body = raw
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub := testSubscriber(srv.URL, fastRetry(1))
	d, _ := newTestDispatcher(t, sub)

	d.Dispatch(context.Background(), events.SendMessage, "inst-7", map[string]interface{}{"number": "5511"})

	var env Envelope
	require.NoError(t, json.Unmarshal(body, &env))
	assert.Equal(t, events.SendMessage, env.Event)
	require.NotNil(t, env.Instance)
	assert.Equal(t, "inst-7", *env.Instance)
	assert.Equal(t, sub.ID, env.Webhook.ID)
	assert.Equal(t, "sub", env.Webhook.Name)
	_, err := time.Parse(time.RFC3339, env.Timestamp)
	assert.NoError(t, err)
}

func TestEventFilter(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	sub := testSubscriber(srv.URL, fastRetry(1))
	sub.Events = []events.Kind{events.Call}
	d, repo := newTestDispatcher(t, sub)

	d.Dispatch(context.Background(), events.MessagesUpsert, "inst-1", nil)
	assert.Zero(t, atomic.LoadInt32(&hits), "filtered event must not be delivered")

	got, _ := repo.GetByID(context.Background(), sub.ID)
	assert.Zero(t, got.Stats.TotalExecutions, "filtered deliveries record nothing")

	d.Dispatch(context.Background(), events.Call, "inst-1", nil)
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func TestInstanceFilters(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	sub := testSubscriber(srv.URL, fastRetry(1))
	sub.FilterConfig = FilterConfig{
		Instances:        []string{"allowed"},
		ExcludeInstances: []string{"blocked"},
	}
	d, _ := newTestDispatcher(t, sub)

	d.Dispatch(context.Background(), events.Call, "other", nil)
	assert.Zero(t, atomic.LoadInt32(&hits))

	d.Dispatch(context.Background(), events.Call, "allowed", nil)
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func TestExcludeFilterWins(t *testing.T) {
	f := FilterConfig{Instances: []string{"x"}, ExcludeInstances: []string{"x"}}
	assert.False(t, f.Matches("x"))
}

func TestDisabledSubscriberSkipped(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	sub := testSubscriber(srv.URL, fastRetry(1))
	sub.Enabled = false
	d, _ := newTestDispatcher(t, sub)

	d.Dispatch(context.Background(), events.Call, "inst-1", nil)
	assert.Zero(t, atomic.LoadInt32(&hits))
}

func TestCircuitBreakerBlocksDelivery(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sub := testSubscriber(srv.URL, RetryConfig{
		MaxAttempts: 1, InitialDelaySeconds: 1, MaxDelaySeconds: 1,
	})
	repo := NewMemoryRepository()
	require.NoError(t, repo.Create(context.Background(), sub))
	breakers := circuitbreaker.NewSet()
	d := NewDispatcher(repo, breakers, nil)

	// Five consecutive failed deliveries trip the breaker.
	for i := 0; i < circuitbreaker.DefaultThreshold; i++ {
		d.Dispatch(context.Background(), events.Call, "inst-1", nil)
	}
	require.EqualValues(t, 5, atomic.LoadInt32(&hits))
	require.Equal(t, circuitbreaker.StateOpen, breakers.Get(sub.ID).State())

	// Gated dispatches issue zero HTTP requests and record nothing.
	d.Dispatch(context.Background(), events.Call, "inst-1", nil)
	assert.EqualValues(t, 5, atomic.LoadInt32(&hits))

	got, _ := repo.GetByID(context.Background(), sub.ID)
	assert.EqualValues(t, 5, got.Stats.TotalExecutions)
}

func TestSignatureHeader(t *testing.T) {
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Hub-Signature")
		var raw json.RawMessage
		json.NewDecoder(r.Body).Decode(&raw)
		gotBody = raw
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub := testSubscriber(srv.URL, fastRetry(1))
	sub.SecurityConfig = SecurityConfig{
		EnableSignatureValidation: true,
		SignatureSecret:           "0123456789abcdef",
		SignatureHeader:           "X-Hub-Signature",
		SignatureAlgorithm:        "sha256",
	}
	d, _ := newTestDispatcher(t, sub)

	d.Dispatch(context.Background(), events.Call, "inst-1", map[string]interface{}{"ping": 1})

	want, err := SignPayload(gotBody, "0123456789abcdef", "sha256")
	require.NoError(t, err)
	assert.Equal(t, want, gotSig)
	assert.Regexp(t, `^sha256=[0-9a-f]{64}$`, gotSig)
}

func TestCustomAndAuthHeaders(t *testing.T) {
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	t.Run("bearer", func(t *testing.T) {
		sub := testSubscriber(srv.URL, fastRetry(1))
		sub.Headers = map[string]string{"X-Custom": "yes"}
		sub.Authentication = AuthConfig{Type: AuthBearer, Token: "tok123"}
		d, _ := newTestDispatcher(t, sub)
		_, _, err := d.DeliverTest(context.Background(), sub, nil)
		require.NoError(t, err)
		assert.Equal(t, "Bearer tok123", headers.Get("Authorization"))
		assert.Equal(t, "yes", headers.Get("X-Custom"))
	})

	t.Run("basic", func(t *testing.T) {
		sub := testSubscriber(srv.URL, fastRetry(1))
		sub.Authentication = AuthConfig{Type: AuthBasic, Username: "u", Password: "p"}
		d, _ := newTestDispatcher(t, sub)
		_, _, err := d.DeliverTest(context.Background(), sub, nil)
		require.NoError(t, err)
		// base64("u:p")
		assert.Equal(t, "Basic dTpw", headers.Get("Authorization"))
	})

	t.Run("apiKey", func(t *testing.T) {
		sub := testSubscriber(srv.URL, fastRetry(1))
		sub.Authentication = AuthConfig{Type: AuthAPIKey, Token: "k-1", Header: "X-Api-Key"}
		d, _ := newTestDispatcher(t, sub)
		_, _, err := d.DeliverTest(context.Background(), sub, nil)
		require.NoError(t, err)
		assert.Equal(t, "k-1", headers.Get("X-Api-Key"))
	})

	t.Run("jwt", func(t *testing.T) {
		sub := testSubscriber(srv.URL, fastRetry(1))
		sub.Authentication = AuthConfig{Type: AuthJWT, Secret: "jwt-secret"}
		d, _ := newTestDispatcher(t, sub)
		fixed := time.Unix(1700000000, 0)
		d.now = func() time.Time { return fixed }

		_, _, err := d.DeliverTest(context.Background(), sub, nil)
		require.NoError(t, err)

		auth := headers.Get("Authorization")
		require.True(t, len(auth) > 7 && auth[:7] == "Bearer ")

		token, err := jwt.Parse(auth[7:], func(*jwt.Token) (interface{}, error) {
			return []byte("jwt-secret"), nil
		}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(func() time.Time { return fixed }))
		require.NoError(t, err)
		claims := token.Claims.(jwt.MapClaims)
		assert.EqualValues(t, fixed.Unix(), claims["iat"])
		assert.EqualValues(t, fixed.Add(10*time.Minute).Unix(), claims["exp"])
		assert.Equal(t, "gateway", claims["app"])
		assert.Equal(t, "webhook", claims["action"])
	})
}

func TestDispatchSettlesAllSubscribers(t *testing.T) {
	var okHits, failHits int32
	okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&okHits, 1)
	}))
	defer okSrv.Close()
	failSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&failHits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failSrv.Close()

	repo := NewMemoryRepository()
	good := testSubscriber(okSrv.URL, fastRetry(1))
	good.Name = "good"
	bad := testSubscriber(failSrv.URL, RetryConfig{MaxAttempts: 1, InitialDelaySeconds: 1, MaxDelaySeconds: 1})
	bad.Name = "bad"
	require.NoError(t, repo.Create(context.Background(), good))
	require.NoError(t, repo.Create(context.Background(), bad))

	d := NewDispatcher(repo, circuitbreaker.NewSet(), nil)
	d.Dispatch(context.Background(), events.Call, "inst-1", nil)

	// One failing subscriber never blocks or fails the other; both settle
	// before Dispatch returns.
	assert.EqualValues(t, 1, atomic.LoadInt32(&okHits))
	assert.EqualValues(t, 1, atomic.LoadInt32(&failHits))

	g, _ := repo.GetByID(context.Background(), good.ID)
	b, _ := repo.GetByID(context.Background(), bad.ID)
	assert.EqualValues(t, 1, g.Stats.SuccessfulExecutions)
	assert.EqualValues(t, 1, b.Stats.FailedExecutions)
}

func TestBackoffSchedule(t *testing.T) {
	d := NewDispatcher(NewMemoryRepository(), circuitbreaker.NewSet(), nil)

	exp := RetryConfig{
		MaxAttempts: 5, InitialDelaySeconds: 1, UseExponentialBackoff: true,
		MaxDelaySeconds: 4, JitterFactor: 0,
	}
	assert.Equal(t, 1*time.Second, d.backoff(exp, 1))
	assert.Equal(t, 2*time.Second, d.backoff(exp, 2))
	assert.Equal(t, 4*time.Second, d.backoff(exp, 3))
	assert.Equal(t, 4*time.Second, d.backoff(exp, 4), "capped at maxDelay")

	flat := RetryConfig{MaxAttempts: 5, InitialDelaySeconds: 3, MaxDelaySeconds: 10}
	assert.Equal(t, 3*time.Second, d.backoff(flat, 1))
	assert.Equal(t, 3*time.Second, d.backoff(flat, 4))

	jittered := RetryConfig{
		MaxAttempts: 5, InitialDelaySeconds: 2, UseExponentialBackoff: true,
		MaxDelaySeconds: 60, JitterFactor: 0.5,
	}
	for i := 0; i < 50; i++ {
		got := d.backoff(jittered, 2) // base 4s, jitter ±2s, floor 2s
		assert.GreaterOrEqual(t, got, 2*time.Second)
		assert.LessOrEqual(t, got, 6*time.Second)
	}
}

func TestRetrySleepsAreCancellable(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sub := testSubscriber(srv.URL, RetryConfig{
		MaxAttempts: 10, InitialDelaySeconds: 5,
		UseExponentialBackoff: true, MaxDelaySeconds: 60,
	})
	d, _ := newTestDispatcher(t, sub)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	start := time.Now()
	d.Dispatch(ctx, events.Call, "inst-1", nil)

	assert.Less(t, time.Since(start), 3*time.Second, "cancellation must abort the retry sleep")
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))
}
