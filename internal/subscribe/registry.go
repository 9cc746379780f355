package subscribe

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Handler consumes one event payload.
type Handler func(data json.RawMessage)

type entry struct {
	id uuid.UUID
	fn Handler
}

// Registry maps event types to sets of local handlers. Registrations
// are local bookkeeping only and persist across reconnects; the façade
// owns the wire-level subscription handshake.
type Registry struct {
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[string][]entry
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger,
		handlers: make(map[string][]entry),
	}
}

// Subscribe registers h for eventType and returns its unsubscribe
// function. Every call creates a distinct registration: Go funcs have
// no usable identity, so suppressing duplicates is the caller's job
// (keep the handle, don't re-subscribe). Unsubscribe is safe to call
// more than once.
func (r *Registry) Subscribe(eventType string, h Handler) func() {
	id := uuid.New()

	r.mu.Lock()
	r.handlers[eventType] = append(r.handlers[eventType], entry{id: id, fn: h})
	r.mu.Unlock()

	return func() { r.remove(eventType, id) }
}

// Dispatch invokes every handler registered for eventType,
// synchronously and in registration order. A panicking handler is
// logged and skipped; the rest still run. Handlers unsubscribed while
// the dispatch is in progress are not invoked.
func (r *Registry) Dispatch(eventType string, data json.RawMessage) {
	r.mu.Lock()
	snapshot := make([]entry, len(r.handlers[eventType]))
	copy(snapshot, r.handlers[eventType])
	r.mu.Unlock()

	for _, e := range snapshot {
		if !r.registered(eventType, e.id) {
			continue
		}
		r.invoke(eventType, e, data)
	}
}

// HandlerCount returns the number of handlers for eventType.
func (r *Registry) HandlerCount(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers[eventType])
}

func (r *Registry) invoke(eventType string, e entry, data json.RawMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("event handler panicked",
				"event_type", eventType,
				"handler", e.id,
				"panic", rec,
			)
		}
	}()
	e.fn(data)
}

func (r *Registry) registered(eventType string, id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.handlers[eventType] {
		if e.id == id {
			return true
		}
	}
	return false
}

func (r *Registry) remove(eventType string, id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.handlers[eventType]
	for i, e := range entries {
		if e.id == id {
			r.handlers[eventType] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(r.handlers[eventType]) == 0 {
		delete(r.handlers, eventType)
	}
}
