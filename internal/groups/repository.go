package groups

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for instance groups. The postgres
// implementation lives in internal/database; MemoryRepository backs tests
// and cache-less deployments.
type Repository interface {
	Create(ctx context.Context, g *InstanceGroup) error
	GetByID(ctx context.Context, id string) (*InstanceGroup, error)
	GetByName(ctx context.Context, name string) (*InstanceGroup, error)
	GetByAlias(ctx context.Context, alias string) (*InstanceGroup, error)
	List(ctx context.Context) ([]*InstanceGroup, error)
	Update(ctx context.Context, g *InstanceGroup) error
	Delete(ctx context.Context, id string) error
}

// MemoryRepository is a mutex-guarded in-memory Repository.
type MemoryRepository struct {
	mu   sync.RWMutex
	byID map[string]*InstanceGroup
	now  func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID: make(map[string]*InstanceGroup),
		now:  time.Now,
	}
}

func (r *MemoryRepository) Create(ctx context.Context, g *InstanceGroup) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.byID {
		if existing.Name == g.Name {
			return ErrDuplicateName
		}
		if existing.Alias == g.Alias {
			return ErrDuplicateAlias
		}
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	now := r.now().UTC()
	g.CreatedAt = now
	g.UpdatedAt = now
	r.byID[g.ID] = clone(g)
	return nil
}

func (r *MemoryRepository) GetByID(ctx context.Context, id string) (*InstanceGroup, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(g), nil
}

func (r *MemoryRepository) GetByName(ctx context.Context, name string) (*InstanceGroup, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, g := range r.byID {
		if g.Name == name {
			return clone(g), nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) GetByAlias(ctx context.Context, alias string) (*InstanceGroup, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, g := range r.byID {
		if g.Alias == alias {
			return clone(g), nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) List(ctx context.Context) ([]*InstanceGroup, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*InstanceGroup, 0, len(r.byID))
	for _, g := range r.byID {
		out = append(out, clone(g))
	}
	return out, nil
}

func (r *MemoryRepository) Update(ctx context.Context, g *InstanceGroup) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.byID[g.ID]
	if !ok {
		return ErrNotFound
	}
	for id, existing := range r.byID {
		if id == g.ID {
			continue
		}
		if existing.Name == g.Name {
			return ErrDuplicateName
		}
		if existing.Alias == g.Alias {
			return ErrDuplicateAlias
		}
	}
	g.CreatedAt = current.CreatedAt
	g.UpdatedAt = r.now().UTC()
	r.byID[g.ID] = clone(g)
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

func clone(g *InstanceGroup) *InstanceGroup {
	c := *g
	c.Instances = append([]string(nil), g.Instances...)
	return &c
}
