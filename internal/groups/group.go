// Package groups defines instance groups: named, aliased pools of backend
// instances used by the balancer.
package groups

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Errors surfaced by group validation and repositories.
var (
	ErrNotFound       = errors.New("instance group not found")
	ErrDuplicateName  = errors.New("instance group name already in use")
	ErrDuplicateAlias = errors.New("instance group alias already in use")
)

var aliasPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// InstanceGroup is a balancing pool. Instances is an ordered, duplicate-free
// set of backend instance names; the balancer intersects it with the
// currently connected instances on every pick.
type InstanceGroup struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Alias       string    `json:"alias"`
	Description string    `json:"description,omitempty"`
	Enabled     bool      `json:"enabled"`
	Instances   []string  `json:"instances"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Validate enforces the structural invariants of a group record.
func (g *InstanceGroup) Validate() error {
	if l := len(g.Name); l < 1 || l > 100 {
		return fmt.Errorf("name must be 1-100 characters, got %d", l)
	}
	if l := len(g.Alias); l < 1 || l > 100 {
		return fmt.Errorf("alias must be 1-100 characters, got %d", l)
	}
	if !aliasPattern.MatchString(g.Alias) {
		return fmt.Errorf("alias %q must match %s", g.Alias, aliasPattern)
	}
	if len(g.Description) > 500 {
		return fmt.Errorf("description must be at most 500 characters")
	}
	if len(g.Instances) == 0 {
		return errors.New("group must contain at least one instance")
	}
	seen := make(map[string]struct{}, len(g.Instances))
	for _, name := range g.Instances {
		if name == "" {
			return errors.New("instance name must not be empty")
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate instance %q in group", name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// HasInstance reports membership of name in the group.
func (g *InstanceGroup) HasInstance(name string) bool {
	for _, n := range g.Instances {
		if n == name {
			return true
		}
	}
	return false
}

// AddInstance appends a member, rejecting duplicates.
func (g *InstanceGroup) AddInstance(name string) error {
	if name == "" {
		return errors.New("instance name must not be empty")
	}
	if g.HasInstance(name) {
		return fmt.Errorf("instance %q is already a member", name)
	}
	g.Instances = append(g.Instances, name)
	return nil
}

// RemoveInstance drops a member. It fails when the name is absent or when
// removal would leave the group empty.
func (g *InstanceGroup) RemoveInstance(name string) error {
	if !g.HasInstance(name) {
		return fmt.Errorf("instance %q is not a member", name)
	}
	if len(g.Instances) == 1 {
		return errors.New("cannot remove the last instance of a group")
	}
	kept := make([]string, 0, len(g.Instances)-1)
	for _, n := range g.Instances {
		if n != name {
			kept = append(kept, n)
		}
	}
	g.Instances = kept
	return nil
}

var dashRuns = regexp.MustCompile(`-+`)

// TransformToAlias derives a URL-safe alias from a free-form name. The
// transform is idempotent: applying it to its own output is a no-op.
func TransformToAlias(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '_', r == '-', r == '.':
			b.WriteRune('-')
		}
	}
	return strings.Trim(dashRuns.ReplaceAllString(b.String(), "-"), "-")
}
