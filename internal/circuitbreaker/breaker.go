// Package circuitbreaker isolates failing webhook endpoints so repeated
// delivery failures stop consuming outbound HTTP capacity.
package circuitbreaker

import (
	"errors"
	"log"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation, requests pass through
	StateOpen                  // Failure threshold exceeded, requests blocked
	StateHalfOpen              // Testing if the endpoint recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is returned by Allow while the cooldown has not elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

const (
	// DefaultThreshold is the consecutive-failure count that trips the breaker.
	DefaultThreshold = 5
	// DefaultCooldown is how long the breaker stays open before one probe
	// is allowed through.
	DefaultCooldown = 60 * time.Second
)

// Breaker is the per-subscriber failure FSM. State lives in process memory
// only; an open breaker is a delivery optimization, not a guarantee.
type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time

	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// Allow gates one delivery attempt. While OPEN it denies until the cooldown
// has elapsed, then transitions to HALF_OPEN and admits a single probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}
	if b.now().Sub(b.lastFailure) > b.cooldown {
		b.state = StateHalfOpen
		return nil
	}
	return ErrCircuitOpen
}

// Success records a delivered attempt. A HALF_OPEN probe that succeeds
// closes the breaker and clears the failure count.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.state = StateClosed
	}
	b.failures = 0
}

// Failure records a failed attempt, tripping the breaker at the threshold
// or re-opening it from HALF_OPEN.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.lastFailure = b.now()
	default:
		b.failures++
		if b.failures >= b.threshold {
			b.state = StateOpen
			b.lastFailure = b.now()
		}
	}
}

// State returns the current state without advancing it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Set manages one breaker per subscriber ID, creating lazily.
type Set struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker

	threshold int
	cooldown  time.Duration
	now       func() time.Time
	logger    *log.Logger
}

// NewSet creates a breaker set with the default threshold and cooldown.
func NewSet() *Set {
	return &Set{
		breakers:  make(map[string]*Breaker),
		threshold: DefaultThreshold,
		cooldown:  DefaultCooldown,
		now:       time.Now,
		logger:    log.New(log.Writer(), "[BREAKER] ", log.LstdFlags),
	}
}

// NewSetWithClock is NewSet with an injectable clock for tests.
func NewSetWithClock(threshold int, cooldown time.Duration, now func() time.Time) *Set {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Set{
		breakers:  make(map[string]*Breaker),
		threshold: threshold,
		cooldown:  cooldown,
		now:       now,
		logger:    log.New(log.Writer(), "[BREAKER] ", log.LstdFlags),
	}
}

// Get returns the breaker for id, creating it if necessary.
func (s *Set) Get(id string) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[id]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring write lock
	if b, ok = s.breakers[id]; ok {
		return b
	}
	b = &Breaker{
		state:     StateClosed,
		threshold: s.threshold,
		cooldown:  s.cooldown,
		now:       s.now,
	}
	s.breakers[id] = b
	return b
}

// Remove drops the breaker for a deleted subscriber.
func (s *Set) Remove(id string) {
	s.mu.Lock()
	delete(s.breakers, id)
	s.mu.Unlock()
}

// States returns a snapshot of every breaker's state, keyed by subscriber ID.
func (s *Set) States() map[string]State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]State, len(s.breakers))
	for id, b := range s.breakers {
		out[id] = b.State()
	}
	return out
}
