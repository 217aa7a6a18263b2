package pool

import "context"

type Task interface {
	// Run performs the work. The context carries the unit of work bound
	// for this execution, if any.
	Run(ctx context.Context) error
}

// TaskFunc is an adapter to allow the use of ordinary functions as a Task.
type TaskFunc func(ctx context.Context) error

// Run calls fn(ctx)
func (fn TaskFunc) Run(ctx context.Context) error {
	return fn(ctx)
}
