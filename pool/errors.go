package pool

import (
	"bytes"
	"errors"
	"fmt"
	"runtime/debug"
)

var (
	ErrStopped              = errors.New("pool: cannot start an already stopped pool")
	ErrNoQueue              = errors.New("pool: no queue provided")
	ErrNoFactory            = errors.New("pool: no worker factory provided")
	ErrNoFailureHandler     = errors.New("pool: no failure handler provided")
	ErrNilWorkerFunc        = errors.New("pool: cannot create a worker for a nil func")
	ErrInvalidThreadCount   = errors.New("pool: thread count must be positive")
	ErrInvalidTasksPerDrain = errors.New("pool: tasks per drain must be positive")

	// ErrFetch wraps any failure of the shared queue while a worker waits for
	// its next task. It always ends the worker.
	ErrFetch = errors.New("pool: error while retrieving next task")
)

// PanicError is a panic recovered from a task or a worker loop.
type PanicError struct {
	Value any
	Stack []byte
}

func newPanicError(v any) *PanicError {
	return &PanicError{Value: v, Stack: debug.Stack()}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Sanitize strips the runtime frames off the stack of a recovered panic so
// that logs start at the frame that panicked. Other errors are returned as is.
func Sanitize(err error) error {
	var pe *PanicError
	if !errors.As(err, &pe) || len(pe.Stack) == 0 {
		return err
	}
	return &PanicError{Value: pe.Value, Stack: trimRuntimeFrames(pe.Stack)}
}

// trimRuntimeFrames drops every function/location line pair that belongs to
// the runtime package. The goroutine header line is kept.
func trimRuntimeFrames(stack []byte) []byte {
	lines := bytes.Split(bytes.TrimRight(stack, "\n"), []byte("\n"))
	if len(lines) == 0 {
		return stack
	}

	out := [][]byte{lines[0]}
	for i := 1; i < len(lines); i += 2 {
		fn := lines[i]
		if bytes.HasPrefix(fn, []byte("runtime.")) || bytes.HasPrefix(fn, []byte("runtime/debug.")) || bytes.HasPrefix(fn, []byte("panic(")) {
			continue
		}
		out = append(out, fn)
		if i+1 < len(lines) {
			out = append(out, lines[i+1])
		}
	}

	return append(bytes.Join(out, []byte("\n")), '\n')
}
