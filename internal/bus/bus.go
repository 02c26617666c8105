// Package bus provides the cooperative per-session event bus.
//
// One producer (the spawner's process pump) emits named events; handlers
// run sequentially in registration order on the emitting goroutine.
// Handlers must return quickly. Handler panics are logged and do not stop
// the chain — the bus is resilient.
package bus

import (
	"sync"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/log"
)

// Handler receives an event payload.
type Handler func(payload any)

type subscription struct {
	id      string
	event   string
	handler Handler
}

// Bus dispatches named events to registered handlers.
type Bus struct {
	mu   sync.Mutex
	subs []subscription
	// emitMu serialises emission separately from registration so a
	// handler may subscribe/unsubscribe without deadlocking.
	emitMu sync.Mutex
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{}
}

// On registers a handler for the named event and returns a subscription
// id usable with Off.
func (b *Bus) On(event string, h Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := uuid.NewString()
	b.subs = append(b.subs, subscription{id: id, event: event, handler: h})
	return id
}

// Once registers a handler that removes itself after its first delivery.
func (b *Bus) Once(event string, h Handler) string {
	var id string
	id = b.On(event, func(payload any) {
		b.Off(id)
		h(payload)
	})
	return id
}

// Off removes a subscription by id.
func (b *Bus) Off(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// RemoveAll detaches every handler. Used when a session terminates.
func (b *Bus) RemoveAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = nil
}

// Emit delivers payload to every handler registered for event, in
// registration order. Emission is serialised: concurrent Emit calls run
// one at a time, preserving per-session event ordering.
func (b *Bus) Emit(event string, payload any) {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	b.mu.Lock()
	matched := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if s.event == event {
			matched = append(matched, s.handler)
		}
	}
	b.mu.Unlock()

	for _, h := range matched {
		callSafely(event, h, payload)
	}
}

// HandlerCount reports the number of handlers for an event (all events
// when event is empty).
func (b *Bus) HandlerCount(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if event == "" {
		return len(b.subs)
	}
	n := 0
	for _, s := range b.subs {
		if s.event == event {
			n++
		}
	}
	return n
}

func callSafely(event string, h Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			logger := log.WithComponent("bus")
			logger.Error().
				Str("event", event).
				Interface("panic", r).
				Msg("event handler panicked")
		}
	}()
	h(payload)
}
