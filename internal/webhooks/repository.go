package webhooks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zedaapi/gateway/internal/events"
)

// ExecutionOutcome is what the dispatcher records after a delivery settles.
type ExecutionOutcome struct {
	Success bool
	Error   string
	At      time.Time
}

// Repository is the persistence contract for webhook subscribers.
// RecordExecution must be implemented as an atomic increment, not a
// read-modify-write of the full record, so concurrent deliveries never
// lose counts.
type Repository interface {
	Create(ctx context.Context, s *Subscriber) error
	GetByID(ctx context.Context, id string) (*Subscriber, error)
	List(ctx context.Context) ([]*Subscriber, error)
	ListEnabled(ctx context.Context) ([]*Subscriber, error)
	Update(ctx context.Context, s *Subscriber) error
	Delete(ctx context.Context, id string) error
	SetEnabled(ctx context.Context, id string, enabled bool) (*Subscriber, error)
	RecordExecution(ctx context.Context, id string, outcome ExecutionOutcome) error
}

// MemoryRepository is a mutex-guarded in-memory Repository for tests and
// database-less runs.
type MemoryRepository struct {
	mu   sync.RWMutex
	byID map[string]*Subscriber
	now  func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID: make(map[string]*Subscriber),
		now:  time.Now,
	}
}

func (r *MemoryRepository) Create(ctx context.Context, s *Subscriber) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.byID {
		if existing.Name == s.Name {
			return ErrDuplicateName
		}
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	now := r.now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now
	r.byID[s.ID] = cloneSubscriber(s)
	return nil
}

func (r *MemoryRepository) GetByID(ctx context.Context, id string) (*Subscriber, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSubscriber(s), nil
}

func (r *MemoryRepository) List(ctx context.Context) ([]*Subscriber, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Subscriber, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, cloneSubscriber(s))
	}
	return out, nil
}

func (r *MemoryRepository) ListEnabled(ctx context.Context) ([]*Subscriber, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Subscriber, 0, len(r.byID))
	for _, s := range r.byID {
		if s.Enabled {
			out = append(out, cloneSubscriber(s))
		}
	}
	return out, nil
}

func (r *MemoryRepository) Update(ctx context.Context, s *Subscriber) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.byID[s.ID]
	if !ok {
		return ErrNotFound
	}
	for id, existing := range r.byID {
		if id != s.ID && existing.Name == s.Name {
			return ErrDuplicateName
		}
	}
	s.CreatedAt = current.CreatedAt
	s.Stats = current.Stats
	s.UpdatedAt = r.now().UTC()
	r.byID[s.ID] = cloneSubscriber(s)
	return nil
}

func (r *MemoryRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return ErrNotFound
	}
	delete(r.byID, id)
	return nil
}

func (r *MemoryRepository) SetEnabled(ctx context.Context, id string, enabled bool) (*Subscriber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	s.Enabled = enabled
	s.UpdatedAt = r.now().UTC()
	return cloneSubscriber(s), nil
}

func (r *MemoryRepository) RecordExecution(ctx context.Context, id string, outcome ExecutionOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	at := outcome.At.UTC()
	s.Stats.TotalExecutions++
	s.Stats.LastExecutionAt = &at
	if outcome.Success {
		s.Stats.SuccessfulExecutions++
		s.Stats.LastExecutionStatus = "success"
		s.Stats.LastExecutionError = ""
	} else {
		s.Stats.FailedExecutions++
		s.Stats.LastExecutionStatus = "failed"
		s.Stats.LastExecutionError = outcome.Error
	}
	return nil
}

func cloneSubscriber(s *Subscriber) *Subscriber {
	c := *s
	c.Events = append([]events.Kind(nil), s.Events...)
	if s.Headers != nil {
		c.Headers = make(map[string]string, len(s.Headers))
		for k, v := range s.Headers {
			c.Headers[k] = v
		}
	}
	c.RetryConfig.NonRetryableStatusCodes = append([]int(nil), s.RetryConfig.NonRetryableStatusCodes...)
	c.FilterConfig.Instances = append([]string(nil), s.FilterConfig.Instances...)
	c.FilterConfig.ExcludeInstances = append([]string(nil), s.FilterConfig.ExcludeInstances...)
	return &c
}
