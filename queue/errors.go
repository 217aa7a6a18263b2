package queue

import "errors"

var (
	ErrNoHandler        = errors.New("queue: message has no handler")
	ErrUnsupportedTask  = errors.New("queue: only *queue.Message can be stored")
	ErrMalformedMessage = errors.New("queue: malformed message")
	ErrClosed           = errors.New("queue: closed")
)
