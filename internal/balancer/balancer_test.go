package balancer

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zedaapi/gateway/internal/groups"
	"github.com/zedaapi/gateway/internal/instances"
	"github.com/zedaapi/gateway/internal/rotation"
)

func newTestBalancer(t *testing.T, members []string, open []string, enabled bool) (*Balancer, *groups.MemoryRepository, *instances.Registry) {
	t.Helper()

	registry := instances.NewRegistry()
	for _, n := range members {
		registry.SetState(n, "close")
	}
	for _, n := range open {
		registry.SetState(n, instances.StateOpen)
	}

	repo := groups.NewMemoryRepository()
	g := &groups.InstanceGroup{
		Name:      "test group",
		Alias:     "g",
		Enabled:   enabled,
		Instances: members,
	}
	require.NoError(t, repo.Create(context.Background(), g))

	store := rotation.NewStore(nil, 0)
	return New(repo, registry, store, nil), repo, registry
}

func TestBasicRoundRobinAcrossContacts(t *testing.T) {
	b, _, _ := newTestBalancer(t, []string{"a", "b", "c"}, []string{"a", "b", "c"}, true)
	ctx := context.Background()

	var picks []string
	for i := 1; i <= 6; i++ {
		sel, err := b.SelectForContactInGroup(ctx, "g", fmt.Sprintf("551199999999%d", i))
		require.NoError(t, err)
		picks = append(picks, sel.Instance)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, picks)
}

func TestContactAffinityWithinCycle(t *testing.T) {
	b, _, _ := newTestBalancer(t, []string{"a", "b", "c"}, []string{"a", "b", "c"}, true)
	ctx := context.Background()
	const contact = "5511111111111"

	var picks []string
	for i := 0; i < 3; i++ {
		sel, err := b.SelectForContactInGroup(ctx, "g", contact)
		require.NoError(t, err)
		picks = append(picks, sel.Instance)
	}

	// Three picks in one cycle are three distinct instances.
	seen := map[string]bool{}
	for _, p := range picks {
		seen[p] = true
	}
	assert.Len(t, seen, 3)

	// Fourth pick starts a new cycle but never repeats the third.
	sel, err := b.SelectForContactInGroup(ctx, "g", contact)
	require.NoError(t, err)
	assert.NotEqual(t, picks[2], sel.Instance)
	assert.Equal(t, 1, sel.RotationCount, "cycle reset happened on the third pick")
}

func TestNoImmediateRepeatOverLongSequence(t *testing.T) {
	b, _, _ := newTestBalancer(t, []string{"a", "b", "c"}, []string{"a", "b", "c"}, true)
	ctx := context.Background()

	prev := ""
	for i := 0; i < 20; i++ {
		sel, err := b.SelectForContactInGroup(ctx, "g", "5511222222222")
		require.NoError(t, err)
		assert.NotEqual(t, prev, sel.Instance, "pick %d repeated", i)
		prev = sel.Instance
	}
}

func TestCycleCompleteness(t *testing.T) {
	b, _, _ := newTestBalancer(t, []string{"a", "b", "c", "d"}, []string{"a", "b", "c", "d"}, true)
	ctx := context.Background()

	// Any 4 consecutive picks for one contact cover all 4 instances.
	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		sel, err := b.SelectForContactInGroup(ctx, "g", "5511333333333")
		require.NoError(t, err)
		seen[sel.Instance] = true
	}
	assert.Len(t, seen, 4)
}

func TestMembershipShrinkMidRotation(t *testing.T) {
	b, repo, registry := newTestBalancer(t, []string{"a", "b", "c"}, []string{"a", "b", "c"}, true)
	ctx := context.Background()

	for i := 1; i <= 6; i++ {
		_, err := b.SelectForContactInGroup(ctx, "g", fmt.Sprintf("551199999999%d", i))
		require.NoError(t, err)
	}

	g, err := repo.GetByAlias(ctx, "g")
	require.NoError(t, err)
	require.NoError(t, g.RemoveInstance("b"))
	require.NoError(t, repo.Update(ctx, g))
	registry.Remove("b")

	for i := 0; i < 3; i++ {
		sel, err := b.SelectForContactInGroup(ctx, "g", fmt.Sprintf("55114444444%02d", i))
		require.NoError(t, err)
		assert.Contains(t, []string{"a", "c"}, sel.Instance)
	}
}

func TestMembershipGrowth(t *testing.T) {
	b, repo, registry := newTestBalancer(t, []string{"a", "b"}, []string{"a", "b"}, true)
	ctx := context.Background()
	const contact = "5511555555555"

	_, err := b.SelectForContactInGroup(ctx, "g", contact)
	require.NoError(t, err)

	g, err := repo.GetByAlias(ctx, "g")
	require.NoError(t, err)
	require.NoError(t, g.AddInstance("c"))
	require.NoError(t, repo.Update(ctx, g))
	registry.SetState("c", instances.StateOpen)

	// The new instance becomes eligible without invalidating state.
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		sel, err := b.SelectForContactInGroup(ctx, "g", contact)
		require.NoError(t, err)
		seen[sel.Instance] = true
	}
	assert.True(t, seen["c"], "grown member never picked")
}

func TestDisabledGroup(t *testing.T) {
	b, _, _ := newTestBalancer(t, []string{"a"}, []string{"a"}, false)
	_, err := b.SelectForContactInGroup(context.Background(), "g", "5511999999999")
	assert.ErrorIs(t, err, ErrGroupDisabled)
}

func TestUnknownAlias(t *testing.T) {
	b, _, _ := newTestBalancer(t, []string{"a"}, []string{"a"}, true)
	_, err := b.SelectForContactInGroup(context.Background(), "nope", "5511999999999")
	assert.ErrorIs(t, err, ErrGroupNotFound)
}

func TestNoActiveInstance(t *testing.T) {
	b, _, _ := newTestBalancer(t, []string{"a", "b"}, nil, true)
	_, err := b.SelectForContactInGroup(context.Background(), "g", "5511999999999")
	assert.ErrorIs(t, err, ErrNoActiveInstance)
}

func TestSingleInstanceGroup(t *testing.T) {
	b, _, _ := newTestBalancer(t, []string{"solo"}, []string{"solo"}, true)
	ctx := context.Background()

	// With k=1 the no-repeat invariant is waived.
	for i := 0; i < 3; i++ {
		sel, err := b.SelectForContactInGroup(ctx, "g", "5511666666666")
		require.NoError(t, err)
		assert.Equal(t, "solo", sel.Instance)
	}
}

func TestUngroupedSelection(t *testing.T) {
	registry := instances.NewRegistry()
	registry.SetState("x", instances.StateOpen)
	registry.SetState("y", instances.StateOpen)
	registry.SetState("z", "close")

	b := New(groups.NewMemoryRepository(), registry, rotation.NewStore(nil, 0), nil)
	ctx := context.Background()

	first, err := b.SelectForContact(ctx, "5511777777777", []string{"x", "y", "z"})
	require.NoError(t, err)
	second, err := b.SelectForContact(ctx, "5511777777777", []string{"x", "y", "z"})
	require.NoError(t, err)

	assert.NotEqual(t, first.Instance, second.Instance)
	assert.NotEqual(t, "z", first.Instance, "closed instance is never a candidate")
	assert.NotEqual(t, "z", second.Instance)
}

func TestBalancingInfoSnapshot(t *testing.T) {
	b, _, _ := newTestBalancer(t, []string{"a", "b", "c"}, []string{"a", "b", "c"}, true)
	ctx := context.Background()

	sel, err := b.SelectForContactInGroup(ctx, "g", "+55 (11) 98888-8888")
	require.NoError(t, err)
	assert.Equal(t, "5511988888888", sel.Contact)
	assert.Equal(t, sel.Instance, sel.LastUsedInstance)
	assert.Equal(t, []string{sel.Instance}, sel.UsedInstancesInCycle)
	assert.Equal(t, sel.Instance, sel.GlobalLastUsedInstance)
	assert.Equal(t, 1, sel.GlobalRotationCount)
	assert.Equal(t, "g", sel.GroupAlias)
}

func TestConcurrentPicksSameContact(t *testing.T) {
	b, _, _ := newTestBalancer(t, []string{"a", "b", "c"}, []string{"a", "b", "c"}, true)
	ctx := context.Background()

	var wg sync.WaitGroup
	picks := make([]string, 30)
	for i := 0; i < len(picks); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sel, err := b.SelectForContactInGroup(ctx, "g", "5511888888888")
			if assert.NoError(t, err) {
				picks[i] = sel.Instance
			}
		}(i)
	}
	wg.Wait()

	counts := map[string]int{}
	for _, p := range picks {
		assert.Contains(t, []string{"a", "b", "c"}, p)
		counts[p]++
	}
	// Per-contact serialization keeps the distribution balanced.
	for name, n := range counts {
		assert.Equal(t, 10, n, "instance %s", name)
	}
}
