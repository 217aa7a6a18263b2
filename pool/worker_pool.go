package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultThreadCount   = 1
	DefaultTasksPerDrain = 1

	// a replacement for a worker that lived less than this is delayed
	// progressively, so a broken queue can't turn into a respawn spin
	healthyUptime    = time.Second
	baseRespawnDelay = 10 * time.Millisecond
	maxRespawnDelay  = 5 * time.Second

	tracerName = "github.com/jirevwe/bgpool/pool"
)

var _ Pool = (*Manager)(nil)

type Config struct {
	Queue      Queue
	Factory    *Factory
	UnitOfWork UnitOfWork

	// ThreadCount is the number of workers Start spawns (default: 1)
	ThreadCount int

	// TasksPerDrain is the most tasks a worker takes off the queue at once (default: 1)
	TasksPerDrain int

	Logger  *slog.Logger
	Metrics *Metrics
	Tracer  trace.Tracer
}

// Manager is a fixed-size, self-healing worker pool. Every worker drains
// the shared queue and runs each task inside its own unit of work. A worker
// that exits while the pool hasn't been stopped is replaced.
type Manager struct {
	// guards queue, factory, uow, workers, ctx and every spawn
	mu      sync.Mutex
	queue   Queue
	factory *Factory
	uow     UnitOfWork
	workers map[uint64]*Worker

	threadCount   atomic.Int32
	tasksPerDrain atomic.Int32

	// set once, never reset
	stop     atomic.Bool
	stopOnce sync.Once
	stopped  chan struct{}

	// parent of every worker's context, cancelled by Shutdown
	ctx    context.Context
	cancel context.CancelFunc

	// workers that exited while the pool was running
	exits     chan *Worker
	supervise sync.Once

	// tracks live worker goroutines
	wg sync.WaitGroup

	log     *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer
}

func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	m := &Manager{
		queue:   cfg.Queue,
		factory: cfg.Factory,
		uow:     cfg.UnitOfWork,
		workers: make(map[uint64]*Worker),
		stopped: make(chan struct{}),
		exits:   make(chan *Worker),
		log:     logger,
		metrics: cfg.Metrics,
		tracer:  tracer,
	}

	m.threadCount.Store(DefaultThreadCount)
	if cfg.ThreadCount > 0 {
		m.threadCount.Store(int32(cfg.ThreadCount))
	}

	m.tasksPerDrain.Store(DefaultTasksPerDrain)
	if cfg.TasksPerDrain > 0 {
		m.tasksPerDrain.Store(int32(cfg.TasksPerDrain))
	}

	return m
}

func (m *Manager) Queue() Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue
}

// SetQueue replaces the shared queue. Running workers keep the queue they
// started with.
func (m *Manager) SetQueue(q Queue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = q
}

func (m *Manager) Factory() *Factory {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.factory
}

func (m *Manager) SetFactory(f *Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factory = f
}

func (m *Manager) UnitOfWork() UnitOfWork {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uow
}

func (m *Manager) SetUnitOfWork(uow UnitOfWork) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uow = uow
}

func (m *Manager) ThreadCount() int { return int(m.threadCount.Load()) }

// SetThreadCount changes how many workers the next Start spawns. It doesn't
// resize a running pool.
func (m *Manager) SetThreadCount(n int) error {
	if n <= 0 {
		return ErrInvalidThreadCount
	}
	m.threadCount.Store(int32(n))
	return nil
}

func (m *Manager) TasksPerDrain() int { return int(m.tasksPerDrain.Load()) }

// SetTasksPerDrain changes the batch size; workers pick it up on their next drain.
func (m *Manager) SetTasksPerDrain(n int) error {
	if n <= 0 {
		return ErrInvalidTasksPerDrain
	}
	m.tasksPerDrain.Store(int32(n))
	return nil
}

// Stopped reports whether Stop has been called.
func (m *Manager) Stopped() bool { return m.stop.Load() }

// Start spawns ThreadCount workers. Calling it again on a running pool
// spawns another ThreadCount workers. When ctx is done the pool stops.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stop.Load() {
		return ErrStopped
	}

	if m.queue == nil {
		return ErrNoQueue
	}

	if m.factory == nil {
		return ErrNoFactory
	}

	if m.ctx == nil {
		m.ctx, m.cancel = context.WithCancel(ctx)
		context.AfterFunc(m.ctx, m.Stop)
	}

	m.supervise.Do(func() {
		go m.superviseWorkers()
	})

	n := m.ThreadCount()
	m.log.Info("starting worker pool", "threads", n, "tasks_per_drain", m.TasksPerDrain())

	for i := 0; i < n; i++ {
		if _, err := m.spawnLocked(0); err != nil {
			return err
		}
	}

	return nil
}

// Stop sets the stop flag. Workers finish the task they are running and exit
// at their next cycle boundary; a worker blocked on an empty queue exits once
// it wakes up. Use Shutdown to also interrupt blocked workers.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stop.Store(true)
		m.mu.Unlock()

		close(m.stopped)
		m.log.Info("stopping worker pool")
	})
}

// Shutdown stops the pool, interrupts every worker and waits until all of
// them have exited or ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.Stop()

	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.wg.Wait()
	}()

	select {
	case <-done:
		m.log.Info("worker pool has been stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Interrupt wakes every live worker by cancelling its context, without
// stopping the pool. Interrupted workers exit and are replaced.
func (m *Manager) Interrupt() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range m.workers {
		w.Interrupt()
	}
}

// Enqueue puts t on the shared queue. If the put fails, for example because
// ctx is done while the queue is full, the task is logged and dropped.
func (m *Manager) Enqueue(ctx context.Context, t Task) {
	if t == nil {
		m.log.Error("aborting putting nil task")
		m.metrics.dropped(1)
		return
	}

	q := m.Queue()
	if q == nil {
		m.log.Error(fmt.Sprintf("aborting putting %T", t), "error", ErrNoQueue)
		m.metrics.dropped(1)
		return
	}

	if err := q.Put(ctx, t); err != nil {
		m.log.Error(fmt.Sprintf("aborting putting %T", t), "error", err)
		m.metrics.dropped(1)
	}
}

// Live returns the number of running workers.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

// Workers returns the names of the running workers.
func (m *Manager) Workers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.workers))
	for _, w := range m.workers {
		names = append(names, w.Name())
	}
	sort.Strings(names)

	return names
}

// spawnLocked creates and starts one worker. m.mu must be held, which
// orders every wg.Add before the stop flag is set. rapid is the number of
// quick deaths in a row of the worker this one replaces.
func (m *Manager) spawnLocked(rapid int) (*Worker, error) {
	if m.stop.Load() {
		return nil, ErrStopped
	}

	if m.queue == nil {
		return nil, ErrNoQueue
	}

	if m.factory == nil {
		return nil, ErrNoFactory
	}

	w, err := m.factory.NewWorker(m.loop)
	if err != nil {
		return nil, err
	}

	w.rapid = rapid
	m.workers[w.ID()] = w
	m.wg.Add(1)
	m.metrics.workerStarted()

	w.Start(m.ctx, m.exited)

	return w, nil
}

// loop is the body of every worker: fetch, run in scope, repeat until the
// stop flag is seen. Returning an error ends the worker; the supervisor
// decides whether it gets replaced.
func (m *Manager) loop(ctx context.Context, w *Worker) error {
	m.mu.Lock()
	q, uow, parent := m.queue, m.uow, m.ctx
	m.mu.Unlock()

	m.log.Info("starting worker", "worker", w.Name())

	// the AfterFunc that sets the stop flag may run after the worker
	// contexts are already cancelled
	stopping := func() bool {
		return m.stop.Load() || parent.Err() != nil
	}

	var batch []Task
	for !stopping() {
		t, rest, err := nextTask(ctx, q, batch, m.TasksPerDrain())
		batch = rest
		if err != nil {
			m.drop(w, len(batch))
			if stopping() {
				// interrupted by Shutdown or a cancelled Start context
				return nil
			}
			return err
		}

		if stopping() {
			m.drop(w, 1+len(batch))
			return nil
		}

		m.execute(ctx, w, uow, t)
	}

	m.drop(w, len(batch))
	return nil
}

func (m *Manager) execute(ctx context.Context, w *Worker, uow UnitOfWork, t Task) {
	ctx, span := m.tracer.Start(ctx, "pool.task", trace.WithAttributes(
		attribute.String("pool.worker", w.Name()),
		attribute.String("pool.task.type", fmt.Sprintf("%T", t)),
	))
	defer span.End()

	ctx = context.WithValue(ctx, workerKey{}, w.Name())

	start := time.Now()
	err := RunScoped(ctx, uow, t)
	m.metrics.observe(start, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.fireFailure(err)
	}
}

// drop accounts for tasks a worker had dequeued but will never run.
func (m *Manager) drop(w *Worker, n int) {
	if n <= 0 {
		return
	}

	m.log.Warn("dropping dequeued tasks", "worker", w.Name(), "count", n)
	m.metrics.dropped(n)
}

// exited runs on the goroutine of a worker that has just returned.
func (m *Manager) exited(w *Worker) {
	defer m.wg.Done()

	m.mu.Lock()
	delete(m.workers, w.ID())
	m.mu.Unlock()

	m.metrics.workerExited()
	m.log.Info("shutting down worker", "worker", w.Name())

	if m.stop.Load() || m.ctx.Err() != nil {
		return
	}

	select {
	case m.exits <- w:
	case <-m.stopped:
	}
}

// superviseWorkers replaces workers that exited while the pool is running.
// A replacement inherits the count of quick deaths of the worker it
// replaces; delayed respawns never block the receive loop.
func (m *Manager) superviseWorkers() {
	for {
		select {
		case <-m.stopped:
			return
		case w := <-m.exits:
			rapid := 0
			if w.Uptime() < healthyUptime {
				rapid = w.rapid + 1
			}

			delay := respawnDelay(rapid)
			if delay == 0 {
				m.respawn(w, rapid)
				continue
			}

			go m.respawnAfter(w, rapid, delay)
		}
	}
}

func (m *Manager) respawnAfter(dead *Worker, rapid int, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		m.respawn(dead, rapid)
	case <-m.stopped:
	}
}

func (m *Manager) respawn(dead *Worker, rapid int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stop.Load() || m.ctx.Err() != nil {
		return
	}

	m.log.Warn("starting new worker because stop is not signaled", "replaces", dead.Name())

	w, err := m.spawnLocked(rapid)
	if err != nil {
		m.log.Error("failed to start replacement worker", "replaces", dead.Name(), "error", err)
		return
	}

	m.metrics.respawned()
	m.log.Debug("replacement worker started", "worker", w.Name(), "replaces", dead.Name(), "rapid", rapid)
}

// respawnDelay is zero for the first quick death in a row, then doubles from
// baseRespawnDelay up to maxRespawnDelay.
func respawnDelay(rapid int) time.Duration {
	if rapid <= 1 {
		return 0
	}

	delay := baseRespawnDelay
	for i := 2; i < rapid && delay < maxRespawnDelay; i++ {
		delay *= 2
	}

	return min(delay, maxRespawnDelay)
}
