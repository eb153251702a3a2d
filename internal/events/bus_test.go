package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindSet(t *testing.T) {
	assert.Len(t, All, 29)
	assert.True(t, Valid(MessagesUpsert))
	assert.True(t, Valid(ApplicationStartup))
	assert.False(t, Valid("MADE_UP"))
	assert.False(t, Valid("TEST"), "TEST is a probe marker, not a subscribable kind")
}

func TestBusFanOut(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	var got []Kind
	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		bus.Subscribe(func(_ context.Context, kind Kind, instance string, _ interface{}) {
			mu.Lock()
			got = append(got, kind)
			mu.Unlock()
			assert.Equal(t, "inst-1", instance)
			done <- struct{}{}
		})
	}

	bus.Emit(Call, "inst-1", nil)
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("handler did not run")
		}
	}
	require.Len(t, got, 2)
	assert.Equal(t, Call, got[0])
}

func TestBusDropsUnknownKind(t *testing.T) {
	bus := NewBus()
	called := make(chan struct{}, 1)
	bus.Subscribe(func(context.Context, Kind, string, interface{}) {
		called <- struct{}{}
	})

	bus.Emit("NOT_A_KIND", "inst-1", nil)
	select {
	case <-called:
		t.Fatal("unknown kind must be dropped")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBusPanickingHandlerIsolated(t *testing.T) {
	bus := NewBus()
	bus.Subscribe(func(context.Context, Kind, string, interface{}) {
		panic("boom")
	})
	healthy := make(chan struct{}, 1)
	bus.Subscribe(func(context.Context, Kind, string, interface{}) {
		healthy <- struct{}{}
	})

	bus.Emit(Call, "", nil)
	select {
	case <-healthy:
	case <-time.After(time.Second):
		t.Fatal("panicking handler starved the healthy one")
	}
}
