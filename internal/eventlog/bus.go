package eventlog

import (
	"sync"

	"go.uber.org/zap"

	"tascade/internal/logging"
	"tascade/internal/types"
)

// Handler consumes committed events. Handlers run synchronously in commit
// order; a slow handler delays publication, not the commit itself.
type Handler func(types.Event)

// Bus fans committed events out to in-process subscribers. It carries no
// durable state; replays come from the event_log table.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: map[int]Handler{}}
}

// Subscribe registers a handler and returns its cancel function.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}
}

// Publish delivers events to every subscriber. Panics in handlers are
// contained so one bad subscriber cannot poison publication.
func (b *Bus) Publish(events ...types.Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, ev := range events {
		for _, h := range handlers {
			func() {
				defer func() {
					if rec := recover(); rec != nil {
						logging.Get(logging.CategoryEvents).Error("event handler panicked",
							zap.Any("panic", rec),
							zap.String("event_type", ev.EventType))
					}
				}()
				h(ev)
			}()
		}
	}
}
