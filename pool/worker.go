package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const workerNamePrefix = "Pool Thread"

type workerKey struct{}

// WorkerName returns the name of the worker running the task that received
// ctx, or "" outside of a worker.
func WorkerName(ctx context.Context) string {
	name, _ := ctx.Value(workerKey{}).(string)
	return name
}

// WorkerFunc is the body of a worker. It returns when the worker should exit.
type WorkerFunc func(ctx context.Context, w *Worker) error

// Worker is a named background goroutine bound to a failure handler.
// Workers are created by a Factory and started once.
type Worker struct {
	// the worker id, unique per factory
	id   uint64
	name string

	fn      WorkerFunc
	handler FailureHandler

	mu      sync.Mutex
	cancel  context.CancelFunc
	started time.Time

	// closed once the worker goroutine has returned
	done chan struct{}
	err  error

	// quick deaths in a row of this worker's predecessors, set by the pool
	rapid int
}

func (w *Worker) ID() uint64     { return w.id }
func (w *Worker) Name() string   { return w.name }
func (w *Worker) String() string { return w.name }

// Done is closed once the worker has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Err returns the error that ended the worker. Only valid after Done is closed.
func (w *Worker) Err() error { return w.err }

// Uptime reports how long the worker has been running.
func (w *Worker) Uptime() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started.IsZero() {
		return 0
	}
	return time.Since(w.started)
}

// Start runs the worker on its own goroutine. exited, if not nil, is called
// on that goroutine once the worker func has returned and any failure has
// been reported.
func (w *Worker) Start(ctx context.Context, exited func(*Worker)) {
	w.mu.Lock()
	ctx, w.cancel = context.WithCancel(ctx)
	w.started = time.Now()
	w.mu.Unlock()

	go w.run(ctx, exited)
}

// Interrupt cancels the worker's context. A worker blocked on the queue
// wakes up with an error and exits.
func (w *Worker) Interrupt() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		w.cancel()
	}
}

func (w *Worker) run(ctx context.Context, exited func(*Worker)) {
	defer close(w.done)

	defer func() {
		if rec := recover(); rec != nil {
			w.err = newPanicError(rec)
			w.fireFailure(w.err)
		}

		w.Interrupt()

		if exited != nil {
			exited(w)
		}
	}()

	if err := w.fn(ctx, w); err != nil {
		w.err = err
		w.fireFailure(err)
	}
}

// fireFailure hands err to the worker's failure handler. A worker that
// somehow has none only gets a log line.
func (w *Worker) fireFailure(err error) {
	if w.handler == nil {
		slog.Error(fmt.Sprintf("no failure handler provided for worker %s when trying to handle an error", w.name), "error", err)
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("failure handler panicked", "worker", w.name, "error", err, "panic", rec)
		}
	}()

	w.handler.HandleFailure(w.name, err)
}

// Factory creates workers. Every worker it creates is bound to the factory's
// failure handler and gets a unique name.
type Factory struct {
	handler FailureHandler
	ids     atomic.Uint64
}

func NewFactory(handler FailureHandler) (*Factory, error) {
	if handler == nil {
		return nil, ErrNoFailureHandler
	}

	return &Factory{handler: handler}, nil
}

func (f *Factory) Handler() FailureHandler { return f.handler }

func (f *Factory) NewWorker(fn WorkerFunc) (*Worker, error) {
	if fn == nil {
		return nil, ErrNilWorkerFunc
	}

	if f.handler == nil {
		return nil, ErrNoFailureHandler
	}

	id := f.ids.Add(1)
	return &Worker{
		id:      id,
		name:    fmt.Sprintf("%s (BG#%d)", workerNamePrefix, id),
		fn:      fn,
		handler: f.handler,
		done:    make(chan struct{}),
	}, nil
}
