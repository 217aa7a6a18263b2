package pool

import "context"

type Pool interface {
	// Start spawns the configured number of workers. It fails once the pool
	// has been stopped, a stopped pool can't be restarted.
	Start(ctx context.Context) error

	// Stop signals every worker to exit at its next cycle boundary. Workers
	// blocked on an empty queue only notice it once they wake up.
	Stop()

	// Shutdown stops the pool, interrupts blocked workers and waits for all
	// of them to exit or for ctx to be done.
	Shutdown(ctx context.Context) error

	// Enqueue puts a task on the shared queue, blocking while the queue is full.
	// A task that can't be queued is logged and dropped.
	Enqueue(ctx context.Context, t Task)
}

// Queue is the shared queue the workers drain. Implementations must be safe
// for concurrent producers and consumers.
type Queue interface {
	// Put adds a task, blocking until there is room or ctx is done.
	Put(ctx context.Context, t Task) error

	// Take removes the oldest task, blocking until one is available or ctx is done.
	Take(ctx context.Context) (Task, error)

	// DrainTo moves up to max immediately available tasks onto dst without
	// blocking and returns the extended slice.
	DrainTo(ctx context.Context, dst []Task, max int) ([]Task, error)
}

// FlushMode governs whether a bound unit of work is flushed by the pool
// after a successful task.
type FlushMode int

const (
	FlushAuto FlushMode = iota
	FlushManual
)

func (m FlushMode) String() string {
	switch m {
	case FlushAuto:
		return "auto"
	case FlushManual:
		return "manual"
	default:
		return "unknown"
	}
}

// UnitOfWork manages the session bound to a task's context.
//
// Acquire returns a derived context carrying a new session. The session is
// owned by whoever acquired it: a caller that finds one already bound must
// neither flush nor release it.
type UnitOfWork interface {
	Bound(ctx context.Context) bool
	Acquire(ctx context.Context) (context.Context, error)
	FlushMode(ctx context.Context) FlushMode
	Flush(ctx context.Context) error
	Release(ctx context.Context) error
}
