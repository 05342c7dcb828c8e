// ABOUTME: In-memory event emitter keyed by event name
// ABOUTME: Backs messenger listeners and worker client subscriptions

package events

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Listener receives the payload of an emitted event.
type Listener func(data any)

// Handle identifies one registered listener so it can be removed later.
type Handle struct {
	Event string
	ID    string
}

type entry struct {
	id   string
	fn   Listener
	once bool
}

// Emitter is a thread-safe publish/subscribe registry. Listeners are invoked
// synchronously by Emit, in registration order, on a snapshot taken under
// the lock so a listener may add or remove listeners while running.
type Emitter struct {
	mu        sync.RWMutex
	listeners map[string][]*entry
	logger    *slog.Logger
}

// NewEmitter creates an emitter. Pass nil logger for default.
func NewEmitter(logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		listeners: make(map[string][]*entry),
		logger:    logger,
	}
}

// On registers fn for every emission of event.
func (e *Emitter) On(event string, fn Listener) Handle {
	return e.add(event, fn, false)
}

// Once registers fn for the next emission of event only.
func (e *Emitter) Once(event string, fn Listener) Handle {
	return e.add(event, fn, true)
}

// Prepend registers fn ahead of every existing listener for event.
func (e *Emitter) Prepend(event string, fn Listener, once bool) Handle {
	id := uuid.New().String()

	e.mu.Lock()
	e.listeners[event] = append([]*entry{{id: id, fn: fn, once: once}}, e.listeners[event]...)
	e.mu.Unlock()

	return Handle{Event: event, ID: id}
}

func (e *Emitter) add(event string, fn Listener, once bool) Handle {
	id := uuid.New().String()

	e.mu.Lock()
	e.listeners[event] = append(e.listeners[event], &entry{id: id, fn: fn, once: once})
	e.mu.Unlock()

	return Handle{Event: event, ID: id}
}

// Off removes a single listener. Unknown handles are ignored.
func (e *Emitter) Off(h Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removeLocked(h.Event, h.ID)
}

func (e *Emitter) removeLocked(event, id string) {
	list := e.listeners[event]
	for i, en := range list {
		if en.id != id {
			continue
		}
		next := make([]*entry, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(e.listeners, event)
		} else {
			e.listeners[event] = next
		}
		return
	}
}

// RemoveAll removes every listener for event.
func (e *Emitter) RemoveAll(event string) {
	e.mu.Lock()
	delete(e.listeners, event)
	e.mu.Unlock()
}

// RemoveAllListeners removes every listener for every event.
func (e *Emitter) RemoveAllListeners() {
	e.mu.Lock()
	e.listeners = make(map[string][]*entry)
	e.mu.Unlock()
}

// ListenerCount returns the number of listeners registered for event.
func (e *Emitter) ListenerCount(event string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners[event])
}

// Emit calls every listener registered for event and reports whether there
// was at least one.
func (e *Emitter) Emit(event string, data any) bool {
	e.mu.Lock()
	list := e.listeners[event]
	if len(list) == 0 {
		e.mu.Unlock()
		return false
	}
	targets := make([]*entry, len(list))
	copy(targets, list)
	for _, en := range targets {
		if en.once {
			e.removeLocked(event, en.id)
		}
	}
	e.mu.Unlock()

	for _, en := range targets {
		e.call(event, en, data)
	}
	return true
}

// call runs one listener, containing panics so a faulty listener cannot
// take down the intake loop that delivered the event.
func (e *Emitter) call(event string, en *entry, data any) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event listener panicked", "event", event, "panic", r)
		}
	}()
	en.fn(data)
}
