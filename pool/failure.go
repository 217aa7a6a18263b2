package pool

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// FailureHandler receives every failure a worker couldn't handle locally:
// task errors, recovered panics, unit of work flush and release errors, and
// the error that ended a worker loop.
//
// Implementations must not panic; they are the last stop for a failure.
type FailureHandler interface {
	HandleFailure(worker string, err error)
}

// FailureHandlerFunc is an adapter to allow the use of ordinary functions as
// a FailureHandler.
type FailureHandlerFunc func(worker string, err error)

// HandleFailure calls fn(worker, err)
func (fn FailureHandlerFunc) HandleFailure(worker string, err error) {
	fn(worker, err)
}

// LogFailureHandler logs failures on a slog.Logger. If logging itself fails
// both errors are written to the fallback writer instead.
type LogFailureHandler struct {
	log      *slog.Logger
	fallback io.Writer
}

func NewLogFailureHandler(log *slog.Logger) *LogFailureHandler {
	if log == nil {
		log = slog.Default()
	}

	return &LogFailureHandler{
		log:      log,
		fallback: os.Stderr,
	}
}

// WithFallback replaces the stderr fallback.
func (h *LogFailureHandler) WithFallback(w io.Writer) *LogFailureHandler {
	h.fallback = w
	return h
}

func (h *LogFailureHandler) HandleFailure(worker string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			// well, punt
			_, _ = fmt.Fprintln(h.fallback, err)
			_, _ = fmt.Fprintln(h.fallback, rec)
		}
	}()

	sanitized := Sanitize(err)
	attrs := []any{"worker", worker, "error", sanitized.Error()}
	if pe, ok := sanitized.(*PanicError); ok {
		attrs = append(attrs, "stack", string(pe.Stack))
	}

	h.log.Error("unhandled failure while processing "+worker, attrs...)
}
