// Package balancer selects which backend instance handles a send, holding
// two invariants at once: a contact never lands on the same instance twice
// in a row, and load rotates fairly across instances over distinct contacts.
package balancer

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"

	"github.com/zedaapi/gateway/internal/groups"
	"github.com/zedaapi/gateway/internal/instances"
	"github.com/zedaapi/gateway/internal/monitoring"
	"github.com/zedaapi/gateway/internal/rotation"
)

// Selection failures, mapped to Conflict/NotFound by the API layer.
var (
	ErrGroupNotFound    = errors.New("instance group not found")
	ErrGroupDisabled    = errors.New("instance group is disabled")
	ErrNoActiveInstance = errors.New("no active instances available")
)

// Selection reports one pick together with the rotation snapshot after the
// pick was recorded, echoed back in balancingInfo.
type Selection struct {
	Instance               string   `json:"instance"`
	Contact                string   `json:"contact"`
	GroupID                string   `json:"groupId,omitempty"`
	GroupAlias             string   `json:"groupAlias,omitempty"`
	LastUsedInstance       string   `json:"lastUsedInstance"`
	UsedInstancesInCycle   []string `json:"usedInstancesInCycle"`
	RotationCount          int      `json:"rotationCount"`
	GlobalLastUsedInstance string   `json:"globalLastUsedInstance"`
	GlobalRotationCount    int      `json:"globalRotationCount"`
}

// Balancer implements contact-affinity-aware round-robin over a group's
// currently connected instances.
type Balancer struct {
	groups   groups.Repository
	registry instances.StateReader
	store    *rotation.Store
	metrics  *monitoring.Metrics
	logger   *log.Logger

	// Per-contact-key locks serialize concurrent picks for the same
	// contact; without them two simultaneous sends could both observe
	// the stale descriptor and repeat an instance.
	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// New creates a balancer. metrics may be nil.
func New(repo groups.Repository, registry instances.StateReader, store *rotation.Store, metrics *monitoring.Metrics) *Balancer {
	return &Balancer{
		groups:   repo,
		registry: registry,
		store:    store,
		metrics:  metrics,
		logger:   log.New(log.Writer(), "[BALANCER] ", log.LstdFlags),
		locks:    make(map[string]*sync.Mutex),
	}
}

// SelectForContactInGroup resolves the group by alias and picks an instance
// for the contact, updating group-scoped rotation state.
func (b *Balancer) SelectForContactInGroup(ctx context.Context, alias, contact string) (*Selection, error) {
	g, err := b.groups.GetByAlias(ctx, alias)
	if err != nil {
		if errors.Is(err, groups.ErrNotFound) {
			b.countError(alias, "not_found")
			return nil, ErrGroupNotFound
		}
		return nil, err
	}
	if !g.Enabled {
		b.countError(alias, "disabled")
		return nil, ErrGroupDisabled
	}

	candidates := b.openMembers(g.Instances)
	if len(candidates) == 0 {
		b.countError(alias, "no_active_instance")
		return nil, ErrNoActiveInstance
	}

	sel, err := b.pick(ctx,
		rotation.ContactKey(g.ID, contact),
		rotation.GroupGlobalKey(g.ID),
		candidates, contact)
	if err != nil {
		return nil, err
	}
	sel.GroupID = g.ID
	sel.GroupAlias = g.Alias
	if b.metrics != nil {
		b.metrics.BalancerPicks.WithLabelValues(g.Alias, sel.Instance).Inc()
	}
	return sel, nil
}

// SelectForContact is the ungrouped path: the caller supplies the available
// instance pool and rotation state lives under the top-level keys. The
// grouped and ungrouped paths never share state.
func (b *Balancer) SelectForContact(ctx context.Context, contact string, available []string) (*Selection, error) {
	candidates := b.openMembers(available)
	if len(candidates) == 0 {
		b.countError("", "no_active_instance")
		return nil, ErrNoActiveInstance
	}
	sel, err := b.pick(ctx,
		rotation.UngroupedContactKey(contact),
		rotation.UngroupedGlobalKey,
		candidates, contact)
	if err != nil {
		return nil, err
	}
	if b.metrics != nil {
		b.metrics.BalancerPicks.WithLabelValues("", sel.Instance).Inc()
	}
	return sel, nil
}

// openMembers intersects names with the instances currently reporting open,
// sorted lexicographically so ordering never depends on map iteration.
func (b *Balancer) openMembers(names []string) []string {
	open := make([]string, 0, len(names))
	for _, n := range names {
		if b.registry.State(n) == instances.StateOpen {
			open = append(open, n)
		}
	}
	sort.Strings(open)
	return open
}

// pick runs the two-pass selection and persists both descriptors. Callers
// guarantee candidates is non-empty and sorted.
func (b *Balancer) pick(ctx context.Context, contactKey, globalKey string, candidates []string, contact string) (*Selection, error) {
	unlock := b.lock(contactKey)
	defer unlock()

	desc, _, err := b.store.GetDescriptor(ctx, contactKey)
	if err != nil {
		return nil, err
	}
	global, _, err := b.store.GetGlobal(ctx, globalKey)
	if err != nil {
		return nil, err
	}

	// Position of the global cursor; an instance that left the candidate
	// set since the last pick resolves to -1 and rotation restarts at 0.
	last := -1
	for i, c := range candidates {
		if c == global.LastUsedInstance {
			last = i
			break
		}
	}
	next := (last + 1) % len(candidates)

	pick := ""
	// First pass: avoid both the contact's previous instance and anything
	// already used in this cycle.
	for i := 0; i < len(candidates); i++ {
		c := candidates[(next+i)%len(candidates)]
		if c != desc.LastUsedInstance && !desc.Used(c) {
			pick = c
			break
		}
	}
	// Second pass: relax the cycle constraint, still avoid repeats.
	if pick == "" {
		for i := 0; i < len(candidates); i++ {
			c := candidates[(next+i)%len(candidates)]
			if c != desc.LastUsedInstance {
				pick = c
				break
			}
		}
	}
	// Last resort: single candidate, or everything equals the last pick.
	if pick == "" {
		pick = candidates[next]
	}

	desc.Record(pick, len(candidates))
	if err := b.store.SetDescriptor(ctx, contactKey, desc); err != nil {
		return nil, err
	}

	global.LastUsedInstance = pick
	global.RotationCount++
	if err := b.store.SetGlobal(ctx, globalKey, global); err != nil {
		return nil, err
	}

	return &Selection{
		Instance:               pick,
		Contact:                rotation.NormalizeContact(contact),
		LastUsedInstance:       desc.LastUsedInstance,
		UsedInstancesInCycle:   append([]string(nil), desc.UsedInstances...),
		RotationCount:          desc.RotationCount,
		GlobalLastUsedInstance: global.LastUsedInstance,
		GlobalRotationCount:    global.RotationCount,
	}, nil
}

func (b *Balancer) lock(key string) func() {
	b.lockMu.Lock()
	mu, ok := b.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		b.locks[key] = mu
	}
	b.lockMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func (b *Balancer) countError(group, reason string) {
	if b.metrics != nil {
		b.metrics.BalancerErrors.WithLabelValues(group, reason).Inc()
	}
}
