package socket

import (
	"context"
	"fmt"
	"sync"

	"github.com/sockbus/sockbus/pkg/types"
)

// EventHandler handles one dispatched message on a socket
type EventHandler interface {
	HandleEvent(ctx context.Context, s *Socket, msg types.Message) error
}

// EventHandlerFunc is an adapter to allow ordinary functions as handlers
type EventHandlerFunc func(ctx context.Context, s *Socket, msg types.Message) error

// HandleEvent calls the function
func (f EventHandlerFunc) HandleEvent(ctx context.Context, s *Socket, msg types.Message) error {
	return f(ctx, s, msg)
}

// Emitter maps event names to ordered handler lists. It is the handler
// registry a socket dispatches into; a client shares one emitter across
// reconnects so registered handlers survive the underlying connection.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
}

// NewEmitter creates an empty handler registry
func NewEmitter() *Emitter {
	return &Emitter{
		handlers: make(map[string][]EventHandler),
	}
}

// On registers a handler for an event name. Handlers run in registration
// order.
func (e *Emitter) On(event string, handler EventHandler) {
	if handler == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[event] = append(e.handlers[event], handler)
}

// OnFunc registers a function handler for an event name
func (e *Emitter) OnFunc(event string, fn func(ctx context.Context, s *Socket, msg types.Message) error) {
	e.On(event, EventHandlerFunc(fn))
}

// Off removes all handlers for an event name
func (e *Emitter) Off(event string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, event)
}

// HandlerCount returns the number of handlers registered for an event
func (e *Emitter) HandlerCount(event string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers[event])
}

// Events returns the event names with at least one handler
func (e *Emitter) Events() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	events := make([]string, 0, len(e.handlers))
	for event := range e.handlers {
		events = append(events, event)
	}
	return events
}

// Dispatch runs every handler registered for the message's event,
// sequentially and in registration order. Handler errors and panics are
// reported through the socket's error surface; they never stop the
// remaining handlers or the read loop.
func (e *Emitter) Dispatch(ctx context.Context, s *Socket, msg types.Message) {
	e.mu.RLock()
	registered := e.handlers[msg.Event]
	handlers := make([]EventHandler, len(registered))
	copy(handlers, registered)
	e.mu.RUnlock()

	for _, handler := range handlers {
		e.dispatchOne(ctx, s, msg, handler)
	}
}

// dispatchOne runs a single handler with panic recovery
func (e *Emitter) dispatchOne(ctx context.Context, s *Socket, msg types.Message, handler EventHandler) {
	defer func() {
		if r := recover(); r != nil {
			s.reportError(types.NewErrorf(types.ErrCodeInternal,
				"handler panic on event %q: %v", msg.Event, r))
		}
	}()

	if err := handler.HandleEvent(ctx, s, msg); err != nil {
		s.reportError(types.WrapError(types.ErrCodeHandlerFailed,
			fmt.Sprintf("handler failed on event %q", msg.Event), err))
	}
}
