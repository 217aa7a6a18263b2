package bgpool

import (
	"context"
	"fmt"
	"sync"

	"github.com/jirevwe/bgpool/queue"
)

var (
	_ queue.Handler  = (*Mux)(nil)
	_ queue.Resolver = (*Mux)(nil)
)

// Mux routes messages to handlers by message type.
type Mux struct {
	entries map[string]muxEntry
	mu      *sync.RWMutex
}

type muxEntry struct {
	h    queue.Handler
	name string
}

func NewMux() *Mux {
	return &Mux{
		entries: make(map[string]muxEntry),
		mu:      &sync.RWMutex{},
	}
}

// Handle is used to register a handler given a message type
func (m *Mux) Handle(name string, h queue.Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[name] = muxEntry{
		h:    h,
		name: name,
	}
}

// HandleFunc registers fn for the given message type.
func (m *Mux) HandleFunc(name string, fn func(context.Context, *queue.Message) error) {
	m.Handle(name, queue.HandlerFunc(fn))
}

// match finds a handler in entries given a message type.
func (m *Mux) match(typeName string) queue.Handler {
	// only exact matches
	if v, ok := m.entries[typeName]; ok {
		return v.h
	}
	return nil
}

// ProcessMessage dispatches the message to the handler registered for its type.
func (m *Mux) ProcessMessage(ctx context.Context, msg *queue.Message) error {
	return m.Handler(msg).ProcessMessage(ctx, msg)
}

// Handler returns the handler to use for the given message.
// It always returns a non-nil handler.
//
// If there is no registered handler that applies to the message,
// handler returns a 'not found' handler which returns an error.
func (m *Mux) Handler(msg *queue.Message) (h queue.Handler) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h = m.match(msg.Type)
	if h == nil {
		h = NotFoundHandler()
	}

	return h
}

// Resolve binds dequeued messages to the mux itself, so a handler
// registered after a message was written is still found.
func (m *Mux) Resolve(*queue.Message) queue.Handler { return m }

// NotFound returns an error indicating that the handler was not found for the given message.
func NotFound(_ context.Context, msg *queue.Message) error {
	return fmt.Errorf("%w for message %q", ErrHandlerNotFound, msg.Type)
}

// NotFoundHandler returns a simple message handler that returns a “not found“ error.
func NotFoundHandler() queue.Handler { return queue.HandlerFunc(NotFound) }
