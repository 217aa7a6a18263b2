package queue

import "context"

// A Handler processes messages.
//
// ProcessMessage should return nil if the processing of a message is
// successful. An error or a panic is reported to the pool's failure handler;
// the message is not redelivered.
type Handler interface {
	ProcessMessage(context.Context, *Message) error
}

// The HandlerFunc type is an adapter to allow the use of
// ordinary functions as a Handler.
type HandlerFunc func(context.Context, *Message) error

// ProcessMessage calls fn(ctx, msg)
func (fn HandlerFunc) ProcessMessage(ctx context.Context, msg *Message) error {
	return fn(ctx, msg)
}

// Resolver picks the handler for a decoded message.
type Resolver interface {
	Resolve(*Message) Handler
}
