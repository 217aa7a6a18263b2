package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/jirevwe/bgpool/pool"
)

var _ pool.Task = (*Message)(nil)

// Message is a unit of work that can cross a process boundary. Durable
// queues store its encoded form; once decoded it is bound to the handler
// registered for its Type and runs like any other task.
type Message struct {
	ID        string    `msgpack:"id"`
	Type      string    `msgpack:"type"`
	Payload   []byte    `msgpack:"payload"`
	CreatedAt time.Time `msgpack:"created_at"`

	handler Handler
}

func NewMessage(typeName string, payload []byte) *Message {
	return &Message{
		ID:        ulid.Make().String(),
		Type:      typeName,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// Bind sets the handler the message runs with.
func (m *Message) Bind(h Handler) *Message {
	m.handler = h
	return m
}

func (m *Message) Run(ctx context.Context) error {
	if m.handler == nil {
		return fmt.Errorf("%w: %q", ErrNoHandler, m.Type)
	}
	return m.handler.ProcessMessage(ctx, m)
}

func (m *Message) Marshal() ([]byte, error) {
	return msgpack.Marshal(m)
}

func Unmarshal(raw []byte) (*Message, error) {
	m := &Message{}
	if err := msgpack.Unmarshal(raw, m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	return m, nil
}

// Encode returns the wire form of t, which must be a *Message.
func Encode(t pool.Task) (*Message, []byte, error) {
	m, ok := t.(*Message)
	if !ok || m == nil {
		return nil, nil, fmt.Errorf("%w: %T", ErrUnsupportedTask, t)
	}

	if m.ID == "" {
		m.ID = ulid.Make().String()
	}

	raw, err := m.Marshal()
	if err != nil {
		return nil, nil, err
	}
	return m, raw, nil
}

// Decode is the inverse of Encode. The message is bound to whatever r
// resolves for it; a nil r leaves it unbound.
func Decode(raw []byte, r Resolver) (*Message, error) {
	m, err := Unmarshal(raw)
	if err != nil {
		return nil, err
	}

	if r != nil {
		m.Bind(r.Resolve(m))
	}
	return m, nil
}
