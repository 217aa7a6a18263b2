package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

func shutdown(t *testing.T, m *Manager) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
}

func TestManager_StartSpawnsThreadCountWorkers(t *testing.T) {
	m := newTestManager(newChanQueue(1), &recordingHandler{}, 3, 1)
	require.NoError(t, m.Start(context.Background()))
	defer shutdown(t, m)

	require.Equal(t, 3, m.Live())
	require.Equal(t, []string{
		"Pool Thread (BG#1)",
		"Pool Thread (BG#2)",
		"Pool Thread (BG#3)",
	}, m.Workers())
}

func TestManager_ThreadCountChangeDoesNotResizeRunningPool(t *testing.T) {
	m := newTestManager(newChanQueue(1), &recordingHandler{}, 2, 1)
	require.NoError(t, m.Start(context.Background()))
	defer shutdown(t, m)

	require.NoError(t, m.SetThreadCount(5))
	require.Equal(t, 2, m.Live())

	// only an explicit start picks it up
	require.NoError(t, m.Start(context.Background()))
	require.Equal(t, 7, m.Live())
}

func TestManager_InvalidTunables(t *testing.T) {
	m := newTestManager(newChanQueue(1), &recordingHandler{}, 1, 1)

	require.ErrorIs(t, m.SetThreadCount(0), ErrInvalidThreadCount)
	require.ErrorIs(t, m.SetTasksPerDrain(-1), ErrInvalidTasksPerDrain)
	require.Equal(t, 1, m.ThreadCount())
	require.Equal(t, 1, m.TasksPerDrain())

	require.NoError(t, m.SetTasksPerDrain(8))
	require.Equal(t, 8, m.TasksPerDrain())
}

func TestManager_StartRequiresQueueAndFactory(t *testing.T) {
	m := NewManager(Config{Logger: slogger})
	require.ErrorIs(t, m.Start(context.Background()), ErrNoQueue)

	m.SetQueue(newChanQueue(1))
	require.ErrorIs(t, m.Start(context.Background()), ErrNoFactory)

	f, err := NewFactory(&recordingHandler{})
	require.NoError(t, err)
	m.SetFactory(f)
	require.NoError(t, m.Start(context.Background()))
	shutdown(t, m)
}

func TestManager_StartAfterStopFails(t *testing.T) {
	m := newTestManager(newChanQueue(1), &recordingHandler{}, 2, 1)

	require.NoError(t, m.Start(context.Background()))
	m.Stop()
	require.ErrorIs(t, m.Start(context.Background()), ErrStopped)

	shutdown(t, m)

	fresh := newTestManager(newChanQueue(1), &recordingHandler{}, 2, 1)
	fresh.Stop()
	require.ErrorIs(t, fresh.Start(context.Background()), ErrStopped)
	require.Equal(t, 0, fresh.Live())
}

func TestManager_TwoWorkersSplitTenTasks(t *testing.T) {
	ctx := context.Background()
	q := newChanQueue(10)
	h := &recordingHandler{}
	m := newTestManager(q, h, 2, 5)

	release := make(chan struct{})
	mu := &sync.Mutex{}
	ran := map[string][]int{}
	wg := &sync.WaitGroup{}

	for i := 0; i < 10; i++ {
		wg.Add(1)
		m.Enqueue(ctx, TaskFunc(func(ctx context.Context) error {
			defer wg.Done()
			<-release

			mu.Lock()
			defer mu.Unlock()
			name := WorkerName(ctx)
			ran[name] = append(ran[name], i)
			return nil
		}))
	}

	require.NoError(t, m.Start(ctx))
	defer shutdown(t, m)

	// no task can finish before release, so each worker holds a batch of five
	require.Eventually(t, func() bool { return len(q.tasks) == 0 }, waitFor, tick)
	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()

	require.Len(t, ran, 2)
	var all []int
	for name, order := range ran {
		require.Len(t, order, 5, name)
		require.True(t, sort.IntsAreSorted(order), "worker %s ran %v out of order", name, order)
		all = append(all, order...)
	}

	sort.Ints(all)
	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, all)
	require.Empty(t, h.calls())
}

func TestManager_EveryTaskRunsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	q := newChanQueue(50)
	m := newTestManager(q, &recordingHandler{}, 4, 3)
	require.NoError(t, m.Start(ctx))
	defer shutdown(t, m)

	const n = 200
	counts := make([]atomic.Int32, n)
	wg := &sync.WaitGroup{}
	wg.Add(n)

	for i := 0; i < n; i++ {
		m.Enqueue(ctx, TaskFunc(func(context.Context) error {
			defer wg.Done()
			counts[i].Add(1)
			return nil
		}))
	}

	wg.Wait()
	for i := range counts {
		require.Equal(t, int32(1), counts[i].Load(), "task %d", i)
	}
}

func TestManager_FailingTaskGoesToFailureHandler(t *testing.T) {
	ctx := context.Background()
	h := &recordingHandler{}
	m := newTestManager(newChanQueue(4), h, 1, 1)
	m.metrics = NewMetrics(prometheus.NewRegistry(), "test")
	require.NoError(t, m.Start(ctx))
	defer shutdown(t, m)

	boom := errors.New("boom")
	m.Enqueue(ctx, TaskFunc(func(context.Context) error { return boom }))

	done := make(chan struct{})
	m.Enqueue(ctx, TaskFunc(func(context.Context) error {
		close(done)
		return nil
	}))

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("task after the failing one never ran")
	}

	calls := h.calls()
	require.Len(t, calls, 1)
	require.Equal(t, "Pool Thread (BG#1)", calls[0].worker)
	require.ErrorIs(t, calls[0].err, boom)

	// absorbed, no replacement needed
	require.Equal(t, []string{"Pool Thread (BG#1)"}, m.Workers())
	require.Equal(t, float64(1), testutil.ToFloat64(m.metrics.Failed))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.metrics.Executed) == 1
	}, waitFor, tick)
	require.Equal(t, float64(0), testutil.ToFloat64(m.metrics.Respawns))
}

func TestManager_PanickingTaskIsRecovered(t *testing.T) {
	ctx := context.Background()
	h := &recordingHandler{}
	m := newTestManager(newChanQueue(4), h, 2, 1)
	require.NoError(t, m.Start(ctx))
	defer shutdown(t, m)

	m.Enqueue(ctx, TaskFunc(func(context.Context) error { panic("kaboom") }))

	require.Eventually(t, func() bool { return len(h.calls()) == 1 }, waitFor, tick)

	var pe *PanicError
	require.ErrorAs(t, h.calls()[0].err, &pe)
	require.Equal(t, "kaboom", pe.Value)
	require.Equal(t, 2, m.Live())
}

func TestManager_PanickingReleaseKeepsWorker(t *testing.T) {
	ctx := context.Background()
	uow := &fakeUnitOfWork{releasePanic: "close blew up"}
	h := &recordingHandler{}
	m := newTestManager(newChanQueue(4), h, 1, 1)
	m.SetUnitOfWork(uow)
	require.NoError(t, m.Start(ctx))
	defer shutdown(t, m)

	m.Enqueue(ctx, TaskFunc(func(context.Context) error { return nil }))
	m.Enqueue(ctx, TaskFunc(func(context.Context) error { return nil }))

	require.Eventually(t, func() bool { return len(h.calls()) == 2 }, waitFor, tick)

	for _, c := range h.calls() {
		var pe *PanicError
		require.ErrorAs(t, c.err, &pe)
		require.Equal(t, "close blew up", pe.Value)
		require.Equal(t, "Pool Thread (BG#1)", c.worker)
	}
	require.Equal(t, []string{"Pool Thread (BG#1)"}, m.Workers())
}

func TestManager_RespawnsWorkerAfterFetchFailure(t *testing.T) {
	ctx := context.Background()
	q := newChanQueue(4)
	h := &recordingHandler{}
	m := newTestManager(q, h, 1, 1)
	m.metrics = NewMetrics(prometheus.NewRegistry(), "test")

	broken := errors.New("queue is broken")
	q.failNextTake(broken)

	require.NoError(t, m.Start(ctx))
	defer shutdown(t, m)

	require.Eventually(t, func() bool {
		names := m.Workers()
		return len(names) == 1 && names[0] == "Pool Thread (BG#2)"
	}, waitFor, tick)

	calls := h.calls()
	require.Len(t, calls, 1)
	require.Equal(t, "Pool Thread (BG#1)", calls[0].worker)
	require.ErrorIs(t, calls[0].err, ErrFetch)
	require.ErrorIs(t, calls[0].err, broken)
	require.Equal(t, float64(1), testutil.ToFloat64(m.metrics.Respawns))

	// the replacement serves the queue
	done := make(chan struct{})
	m.Enqueue(ctx, TaskFunc(func(context.Context) error {
		close(done)
		return nil
	}))

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("replacement worker never ran the task")
	}
}

func TestManager_InterruptedWorkersAreReplaced(t *testing.T) {
	q := newChanQueue(1)
	h := &recordingHandler{}
	m := newTestManager(q, h, 3, 1)
	require.NoError(t, m.Start(context.Background()))
	defer shutdown(t, m)

	require.Eventually(t, func() bool { return q.takes.Load() == 3 }, waitFor, tick)
	m.Interrupt()

	require.Eventually(t, func() bool {
		return fmt.Sprint(m.Workers()) == "[Pool Thread (BG#4) Pool Thread (BG#5) Pool Thread (BG#6)]"
	}, waitFor, tick)

	calls := h.calls()
	require.Len(t, calls, 3)
	for _, c := range calls {
		require.ErrorIs(t, c.err, context.Canceled)
	}
}

func TestManager_StopDropsTaskDequeuedAfterStop(t *testing.T) {
	ctx := context.Background()
	q := newChanQueue(4)
	h := &recordingHandler{}
	m := newTestManager(q, h, 1, 1)
	m.metrics = NewMetrics(prometheus.NewRegistry(), "test")
	require.NoError(t, m.Start(ctx))

	// the worker is blocked on the empty queue
	require.Eventually(t, func() bool { return q.takes.Load() == 1 }, waitFor, tick)
	m.Stop()

	ran := &atomic.Bool{}
	m.Enqueue(ctx, TaskFunc(func(context.Context) error {
		ran.Store(true)
		return nil
	}))

	require.Eventually(t, func() bool { return m.Live() == 0 }, waitFor, tick)
	require.False(t, ran.Load())
	require.Equal(t, float64(1), testutil.ToFloat64(m.metrics.Dropped))
	require.Equal(t, float64(0), testutil.ToFloat64(m.metrics.Respawns))
	require.Empty(t, h.calls())
}

func TestManager_ShutdownInterruptsBlockedWorkers(t *testing.T) {
	q := newChanQueue(1)
	h := &recordingHandler{}
	m := newTestManager(q, h, 4, 2)
	require.NoError(t, m.Start(context.Background()))

	require.Eventually(t, func() bool { return q.takes.Load() == 4 }, waitFor, tick)
	shutdown(t, m)

	require.Equal(t, 0, m.Live())
	require.True(t, m.Stopped())
	require.Empty(t, h.calls())
}

func TestManager_CancelledStartContextStopsPool(t *testing.T) {
	const threads = 32

	for round := 0; round < 5; round++ {
		ctx, cancel := context.WithCancel(context.Background())
		q := newChanQueue(1)
		h := &recordingHandler{}
		m := newTestManager(q, h, threads, 1)
		require.NoError(t, m.Start(ctx))

		// every worker is blocked on the empty queue
		require.Eventually(t, func() bool { return q.takes.Load() == threads }, waitFor, tick)
		cancel()

		require.Eventually(t, func() bool { return m.Stopped() && m.Live() == 0 }, waitFor, tick)
		require.Empty(t, h.calls(), "round %d", round)
		require.ErrorIs(t, m.Start(context.Background()), ErrStopped)
	}
}

func TestManager_BurstOfDeathsIsReplacedQuickly(t *testing.T) {
	const threads = 12

	q := newChanQueue(1)
	m := newTestManager(q, &recordingHandler{}, threads, 1)
	require.NoError(t, m.Start(context.Background()))
	defer shutdown(t, m)

	generation := func(n int) []string {
		names := make([]string, 0, threads)
		for i := 1; i <= threads; i++ {
			names = append(names, fmt.Sprintf("Pool Thread (BG#%d)", n*threads+i))
		}
		sort.Strings(names)
		return names
	}

	// two rounds of young deaths: the first respawns at once, the second
	// waits baseRespawnDelay per worker, all in parallel
	for n := 1; n <= 2; n++ {
		require.Eventually(t, func() bool { return q.takes.Load() == int32(n*threads) }, waitFor, tick)
		m.Interrupt()

		want := generation(n)
		require.Eventually(t, func() bool {
			return fmt.Sprint(m.Workers()) == fmt.Sprint(want)
		}, time.Second, tick)
	}
}

func TestManager_RunsTasksInUnitOfWork(t *testing.T) {
	ctx := context.Background()
	uow := &fakeUnitOfWork{}
	h := &recordingHandler{}
	m := newTestManager(newChanQueue(4), h, 1, 2)
	m.SetUnitOfWork(uow)
	require.NoError(t, m.Start(ctx))
	defer shutdown(t, m)

	boom := errors.New("boom")
	wg := &sync.WaitGroup{}
	wg.Add(3)
	for i := 0; i < 3; i++ {
		m.Enqueue(ctx, TaskFunc(func(ctx context.Context) error {
			defer wg.Done()
			if !uow.Bound(ctx) {
				return errors.New("no session bound")
			}
			if i == 1 {
				return boom
			}
			return nil
		}))
	}
	wg.Wait()

	require.Eventually(t, func() bool { return uow.released.Load() == 3 }, waitFor, tick)
	require.Equal(t, int32(3), uow.acquired.Load())
	require.Equal(t, int32(2), uow.flushed.Load())

	calls := h.calls()
	require.Len(t, calls, 1)
	require.ErrorIs(t, calls[0].err, boom)
}

func TestManager_EnqueueDropsWhenPutFails(t *testing.T) {
	q := newChanQueue(1)
	m := newTestManager(q, &recordingHandler{}, 1, 1)
	m.metrics = NewMetrics(prometheus.NewRegistry(), "test")

	noop := TaskFunc(func(context.Context) error { return nil })
	m.Enqueue(context.Background(), noop)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.Enqueue(ctx, noop)
	m.Enqueue(context.Background(), nil)

	require.Len(t, q.tasks, 1)
	require.Equal(t, float64(2), testutil.ToFloat64(m.metrics.Dropped))
}

func TestRespawnDelay(t *testing.T) {
	require.Equal(t, time.Duration(0), respawnDelay(0))
	require.Equal(t, time.Duration(0), respawnDelay(1))
	require.Equal(t, baseRespawnDelay, respawnDelay(2))
	require.Equal(t, 2*baseRespawnDelay, respawnDelay(3))
	require.Equal(t, maxRespawnDelay, respawnDelay(100))
}
