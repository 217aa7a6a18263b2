package bgpool

import "errors"

var (
	ErrHandlerNotFound  = errors.New("handler not found")
	ErrRetriesExhausted = errors.New("retries exhausted")
)
