package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests march time forward deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestSet(clock *fakeClock) *Set {
	return NewSetWithClock(DefaultThreshold, DefaultCooldown, clock.now)
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	b := newTestSet(clock).Get("wh-1")

	for i := 0; i < DefaultThreshold-1; i++ {
		require.NoError(t, b.Allow())
		b.Failure()
		assert.Equal(t, StateClosed, b.State(), "failure %d must not trip", i+1)
	}

	b.Failure()
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreakerDeniesUntilCooldown(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	b := newTestSet(clock).Get("wh-1")

	for i := 0; i < DefaultThreshold; i++ {
		b.Failure()
	}
	require.Equal(t, StateOpen, b.State())

	clock.advance(DefaultCooldown - time.Second)
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen, "still inside cooldown")

	clock.advance(2 * time.Second)
	assert.NoError(t, b.Allow(), "cooldown elapsed, one probe allowed")
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestHalfOpenProbeSuccessCloses(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	b := newTestSet(clock).Get("wh-1")

	for i := 0; i < DefaultThreshold; i++ {
		b.Failure()
	}
	clock.advance(DefaultCooldown + time.Second)
	require.NoError(t, b.Allow())

	b.Success()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Failures())
	assert.NoError(t, b.Allow())
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	b := newTestSet(clock).Get("wh-1")

	for i := 0; i < DefaultThreshold; i++ {
		b.Failure()
	}
	clock.advance(DefaultCooldown + time.Second)
	require.NoError(t, b.Allow())

	b.Failure()
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	// The cooldown restarts from the probe failure.
	clock.advance(DefaultCooldown + time.Second)
	assert.NoError(t, b.Allow())
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	b := newTestSet(clock).Get("wh-1")

	b.Failure()
	b.Failure()
	b.Success()
	assert.Equal(t, 0, b.Failures())

	// A fresh streak needs the full threshold again.
	for i := 0; i < DefaultThreshold-1; i++ {
		b.Failure()
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestSetIsolatesSubscribers(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	set := newTestSet(clock)

	a := set.Get("wh-a")
	for i := 0; i < DefaultThreshold; i++ {
		a.Failure()
	}
	assert.Equal(t, StateOpen, set.Get("wh-a").State())
	assert.Equal(t, StateClosed, set.Get("wh-b").State())

	states := set.States()
	assert.Equal(t, StateOpen, states["wh-a"])

	set.Remove("wh-a")
	assert.Equal(t, StateClosed, set.Get("wh-a").State(), "recreated breaker starts closed")
}
