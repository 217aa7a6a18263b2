package pool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

var slogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// chanQueue is a bounded queue whose Take can be told to fail.
type chanQueue struct {
	tasks chan Task

	mu       sync.Mutex
	takeErrs []error
	drainErr error

	drains atomic.Int32
	takes  atomic.Int32
}

func newChanQueue(size int) *chanQueue {
	return &chanQueue{tasks: make(chan Task, size)}
}

func (q *chanQueue) failNextTake(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.takeErrs = append(q.takeErrs, err)
}

func (q *chanQueue) Put(ctx context.Context, t Task) error {
	select {
	case q.tasks <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *chanQueue) Take(ctx context.Context) (Task, error) {
	q.takes.Add(1)

	q.mu.Lock()
	if len(q.takeErrs) > 0 {
		err := q.takeErrs[0]
		q.takeErrs = q.takeErrs[1:]
		q.mu.Unlock()
		return nil, err
	}
	q.mu.Unlock()

	select {
	case t := <-q.tasks:
		return t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *chanQueue) DrainTo(_ context.Context, dst []Task, max int) ([]Task, error) {
	q.drains.Add(1)

	q.mu.Lock()
	err := q.drainErr
	q.mu.Unlock()
	if err != nil {
		return dst, err
	}

	for i := 0; i < max; i++ {
		select {
		case t := <-q.tasks:
			dst = append(dst, t)
		default:
			return dst, nil
		}
	}
	return dst, nil
}

type failure struct {
	worker string
	err    error
}

// recordingHandler remembers every failure it is handed.
type recordingHandler struct {
	mu       sync.Mutex
	failures []failure
}

func (h *recordingHandler) HandleFailure(worker string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, failure{worker: worker, err: err})
}

func (h *recordingHandler) calls() []failure {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]failure(nil), h.failures...)
}

type sessionKey struct{}

type fakeSession struct {
	mode FlushMode
}

// fakeUnitOfWork binds a fakeSession into the context and counts calls.
type fakeUnitOfWork struct {
	mode FlushMode

	acquireErr error
	flushErr   error
	releaseErr error

	// values to panic with, if non-nil
	flushPanic   any
	releasePanic any

	acquired atomic.Int32
	flushed  atomic.Int32
	released atomic.Int32
}

func (u *fakeUnitOfWork) Bound(ctx context.Context) bool {
	return ctx.Value(sessionKey{}) != nil
}

func (u *fakeUnitOfWork) Acquire(ctx context.Context) (context.Context, error) {
	if u.acquireErr != nil {
		return nil, u.acquireErr
	}
	u.acquired.Add(1)
	return context.WithValue(ctx, sessionKey{}, &fakeSession{mode: u.mode}), nil
}

func (u *fakeUnitOfWork) FlushMode(ctx context.Context) FlushMode {
	s, ok := ctx.Value(sessionKey{}).(*fakeSession)
	if !ok {
		return FlushManual
	}
	return s.mode
}

func (u *fakeUnitOfWork) Flush(ctx context.Context) error {
	if !u.Bound(ctx) {
		return errors.New("flush without a session")
	}
	u.flushed.Add(1)
	if u.flushPanic != nil {
		panic(u.flushPanic)
	}
	return u.flushErr
}

func (u *fakeUnitOfWork) Release(ctx context.Context) error {
	if !u.Bound(ctx) {
		return errors.New("release without a session")
	}
	u.released.Add(1)
	if u.releasePanic != nil {
		panic(u.releasePanic)
	}
	return u.releaseErr
}

func newTestManager(q Queue, h FailureHandler, threads, perDrain int) *Manager {
	f, err := NewFactory(h)
	if err != nil {
		panic(err)
	}

	return NewManager(Config{
		Queue:         q,
		Factory:       f,
		ThreadCount:   threads,
		TasksPerDrain: perDrain,
		Logger:        slogger,
	})
}
