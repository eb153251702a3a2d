package rotation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCache is an in-memory Cache whose failure mode can be toggled.
type fakeCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	failing bool
	sets    int
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string][]byte)}
}

func (c *fakeCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing {
		return nil, errors.New("cache down")
	}
	raw, ok := c.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return raw, nil
}

func (c *fakeCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	if c.failing {
		return errors.New("cache down")
	}
	c.entries[key] = append([]byte(nil), value...)
	return nil
}

func (c *fakeCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing {
		return errors.New("cache down")
	}
	delete(c.entries, key)
	return nil
}

func TestNormalizeContact(t *testing.T) {
	assert.Equal(t, "5511999999999", NormalizeContact("+55 (11) 99999-9999"))
	assert.Equal(t, "5511999999999", NormalizeContact("5511999999999@s.whatsapp.net"))
	assert.Equal(t, "", NormalizeContact("no-digits"))
}

func TestRotationKeys(t *testing.T) {
	assert.Equal(t, "group_rotation:g1:5511", ContactKey("g1", "+55-11"))
	assert.Equal(t, "group_rotation:g1:global", GroupGlobalKey("g1"))
	assert.Equal(t, "instance_rotation:5511", UngroupedContactKey("55 11"))
}

func TestDescriptorCycleReset(t *testing.T) {
	var d Descriptor

	d.Record("a", 3)
	d.Record("b", 3)
	assert.Equal(t, []string{"a", "b"}, d.UsedInstances)
	assert.Equal(t, 0, d.RotationCount)

	// Third pick covers the cycle: set resets to the pick alone.
	d.Record("c", 3)
	assert.Equal(t, []string{"c"}, d.UsedInstances)
	assert.Equal(t, "c", d.LastUsedInstance)
	assert.Equal(t, 1, d.RotationCount)
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewStore(newFakeCache(), time.Hour)

	_, ok, err := store.GetDescriptor(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "absent key means fresh cycle")

	want := Descriptor{UsedInstances: []string{"a"}, LastUsedInstance: "a", RotationCount: 2}
	require.NoError(t, store.SetDescriptor(ctx, "k", want))

	got, ok, err := store.GetDescriptor(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)

	store.Delete(ctx, "k")
	_, ok, _ = store.GetDescriptor(ctx, "k")
	assert.False(t, ok)
}

func TestStoreSurvivesCacheOutage(t *testing.T) {
	ctx := context.Background()
	cache := newFakeCache()
	store := NewStore(cache, time.Hour)

	require.NoError(t, store.SetGlobal(ctx, "g", Global{LastUsedInstance: "a", RotationCount: 1}))

	// Cache goes down: reads must come from the fallback, writes must
	// still land there.
	cache.failing = true

	got, ok, err := store.GetGlobal(ctx, "g")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", got.LastUsedInstance)

	require.NoError(t, store.SetGlobal(ctx, "g", Global{LastUsedInstance: "b", RotationCount: 2}))
	got, ok, err = store.GetGlobal(ctx, "g")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", got.LastUsedInstance)
	assert.Equal(t, 2, got.RotationCount)
}

func TestStoreWithoutCache(t *testing.T) {
	ctx := context.Background()
	store := NewStore(nil, 0)

	require.NoError(t, store.SetDescriptor(ctx, "k", Descriptor{LastUsedInstance: "x"}))
	got, ok, err := store.GetDescriptor(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "x", got.LastUsedInstance)
}
