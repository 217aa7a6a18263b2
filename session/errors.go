package session

import "errors"

var (
	ErrUnsupportedDriver = errors.New("session: unsupported driver")
	ErrNotBound          = errors.New("session: no session bound to context")
	ErrReleased          = errors.New("session: session already released")
)
