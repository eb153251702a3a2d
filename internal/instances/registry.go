// Package instances tracks the connection state of backend session workers.
package instances

import (
	"sync"
)

// StateOpen is the only state in which an instance accepts sends.
const StateOpen = "open"

// StateReader is the read view consumed by the balancer: O(1) lookup of an
// instance's connection state.
type StateReader interface {
	// State returns the instance's connection state, or "" if unknown.
	State(name string) string
	// Exists reports whether the instance name is registered at all,
	// connected or not.
	Exists(name string) bool
}

// Registry is the in-process implementation of StateReader, fed by
// CONNECTION_UPDATE events from the session workers.
type Registry struct {
	mu     sync.RWMutex
	states map[string]string
}

func NewRegistry() *Registry {
	return &Registry{states: make(map[string]string)}
}

// SetState records the latest connection state for an instance, registering
// it if unseen.
func (r *Registry) SetState(name, state string) {
	r.mu.Lock()
	r.states[name] = state
	r.mu.Unlock()
}

// Remove forgets an instance entirely (INSTANCE_DELETE).
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	delete(r.states, name)
	r.mu.Unlock()
}

func (r *Registry) State(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.states[name]
}

func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.states[name]
	return ok
}

// Open filters names down to those currently connected.
func (r *Registry) Open(names []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	open := make([]string, 0, len(names))
	for _, n := range names {
		if r.states[n] == StateOpen {
			open = append(open, n)
		}
	}
	return open
}

// Names returns every registered instance name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.states))
	for n := range r.states {
		names = append(names, n)
	}
	return names
}
