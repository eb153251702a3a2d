// Package rotation persists the small per-contact and global rotation
// descriptors the balancer reads and writes on every pick.
//
// Descriptors live in a shared cache (Redis in production) under a TTL, with
// a process-local fallback map shadowing every write. A cache outage degrades
// to per-process rotation state instead of failing sends.
package rotation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// DefaultTTL bounds how long rotation state outlives its last pick.
const DefaultTTL = 24 * time.Hour

// ErrNotFound is returned by caches when a key has no entry.
var ErrNotFound = errors.New("rotation: key not found")

// Cache is the shared-cache collaborator. Implementations may fail; the
// Store absorbs those failures.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Descriptor tracks one contact's position within the current rotation cycle.
type Descriptor struct {
	UsedInstances    []string `json:"usedInstances"`
	LastUsedInstance string   `json:"lastUsedInstance,omitempty"`
	RotationCount    int      `json:"rotationCount"`
}

// Used reports whether name was already picked in the current cycle.
func (d *Descriptor) Used(name string) bool {
	for _, u := range d.UsedInstances {
		if u == name {
			return true
		}
	}
	return false
}

// Record adds a pick to the descriptor, resetting the cycle once every
// candidate has been used. cycleSize is the current candidate count.
func (d *Descriptor) Record(pick string, cycleSize int) {
	if !d.Used(pick) {
		d.UsedInstances = append(d.UsedInstances, pick)
	}
	d.LastUsedInstance = pick
	if len(d.UsedInstances) >= cycleSize {
		d.UsedInstances = []string{pick}
		d.RotationCount++
	}
}

// Global tracks the group-wide (or process-wide) round-robin cursor.
type Global struct {
	LastUsedInstance string `json:"lastUsedInstance,omitempty"`
	RotationCount    int    `json:"rotationCount"`
}

// Key constructors. Group-scoped and top-level paths never share state.

func ContactKey(groupID, contact string) string {
	return fmt.Sprintf("group_rotation:%s:%s", groupID, NormalizeContact(contact))
}

func GroupGlobalKey(groupID string) string {
	return fmt.Sprintf("group_rotation:%s:global", groupID)
}

func UngroupedContactKey(contact string) string {
	return "instance_rotation:" + NormalizeContact(contact)
}

// UngroupedGlobalKey is the cursor for balanced sends outside any group.
const UngroupedGlobalKey = "global_rotation"

// NormalizeContact strips everything but digits so that the same phone
// number in different notations maps to one rotation key.
func NormalizeContact(contact string) string {
	var b strings.Builder
	b.Grow(len(contact))
	for _, r := range contact {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Store is the two-tier descriptor store: cache first, in-memory fallback
// second. Cache errors are logged and absorbed; the fallback always holds
// the latest value written by this process.
type Store struct {
	cache  Cache
	ttl    time.Duration
	logger *log.Logger

	mu       sync.RWMutex
	fallback map[string][]byte
}

// NewStore wraps cache with the in-memory fallback tier. A nil cache is
// allowed and leaves the store purely in-memory.
func NewStore(cache Cache, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		cache:    cache,
		ttl:      ttl,
		logger:   log.New(log.Writer(), "[ROTATION] ", log.LstdFlags),
		fallback: make(map[string][]byte),
	}
}

// GetDescriptor loads a contact descriptor. Absence (fresh cycle) is
// reported with ok=false and no error.
func (s *Store) GetDescriptor(ctx context.Context, key string) (Descriptor, bool, error) {
	var d Descriptor
	raw, ok := s.get(ctx, key)
	if !ok {
		return d, false, nil
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return Descriptor{}, false, fmt.Errorf("decode descriptor %s: %w", key, err)
	}
	return d, true, nil
}

// SetDescriptor persists a contact descriptor under the store TTL.
func (s *Store) SetDescriptor(ctx context.Context, key string, d Descriptor) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode descriptor %s: %w", key, err)
	}
	s.set(ctx, key, raw)
	return nil
}

// GetGlobal loads a round-robin cursor. Absence is ok=false, no error.
func (s *Store) GetGlobal(ctx context.Context, key string) (Global, bool, error) {
	var g Global
	raw, ok := s.get(ctx, key)
	if !ok {
		return g, false, nil
	}
	if err := json.Unmarshal(raw, &g); err != nil {
		return Global{}, false, fmt.Errorf("decode global %s: %w", key, err)
	}
	return g, true, nil
}

// SetGlobal persists a round-robin cursor under the store TTL.
func (s *Store) SetGlobal(ctx context.Context, key string, g Global) error {
	raw, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("encode global %s: %w", key, err)
	}
	s.set(ctx, key, raw)
	return nil
}

// Delete removes a key from both tiers.
func (s *Store) Delete(ctx context.Context, key string) {
	if s.cache != nil {
		if err := s.cache.Delete(ctx, key); err != nil {
			s.logger.Printf("⚠️ cache delete failed for %s: %v", key, err)
		}
	}
	s.mu.Lock()
	delete(s.fallback, key)
	s.mu.Unlock()
}

func (s *Store) get(ctx context.Context, key string) ([]byte, bool) {
	if s.cache != nil {
		raw, err := s.cache.Get(ctx, key)
		if err == nil {
			return raw, true
		}
		if !errors.Is(err, ErrNotFound) {
			s.logger.Printf("⚠️ cache read failed for %s, using fallback: %v", key, err)
			s.mu.RLock()
			raw, ok := s.fallback[key]
			s.mu.RUnlock()
			return raw, ok
		}
		// Cache miss is authoritative only when the cache is healthy;
		// still consult the fallback so a flushed cache does not reset
		// in-flight cycles on this process.
		s.mu.RLock()
		raw, ok := s.fallback[key]
		s.mu.RUnlock()
		return raw, ok
	}
	s.mu.RLock()
	raw, ok := s.fallback[key]
	s.mu.RUnlock()
	return raw, ok
}

func (s *Store) set(ctx context.Context, key string, raw []byte) {
	if s.cache != nil {
		if err := s.cache.Set(ctx, key, raw, s.ttl); err != nil {
			s.logger.Printf("⚠️ cache write failed for %s, fallback only: %v", key, err)
		}
	}
	s.mu.Lock()
	s.fallback[key] = raw
	s.mu.Unlock()
}
