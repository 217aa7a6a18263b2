package pool

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pool's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	LiveWorkers prometheus.Gauge
	Respawns    prometheus.Counter
	Executed    prometheus.Counter
	Failed      prometheus.Counter
	Dropped     prometheus.Counter
	Duration    prometheus.Histogram
}

// NewMetrics creates the pool collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	m := &Metrics{
		LiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "live_workers",
			Help:      "Current number of running workers",
		}),
		Respawns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "worker_respawns_total",
			Help:      "Total number of workers started to replace one that exited unexpectedly",
		}),
		Executed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "tasks_executed_total",
			Help:      "Total number of tasks that completed successfully",
		}),
		Failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "tasks_failed_total",
			Help:      "Total number of tasks that returned an error or panicked",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "tasks_dropped_total",
			Help:      "Total number of tasks dropped on enqueue failure or after stop",
		}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "task_duration_seconds",
			Help:      "Histogram of task execution time, unit of work included",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	if reg != nil {
		reg.MustRegister(m.LiveWorkers, m.Respawns, m.Executed, m.Failed, m.Dropped, m.Duration)
	}

	return m
}

func (m *Metrics) workerStarted() {
	if m != nil {
		m.LiveWorkers.Inc()
	}
}

func (m *Metrics) workerExited() {
	if m != nil {
		m.LiveWorkers.Dec()
	}
}

func (m *Metrics) respawned() {
	if m != nil {
		m.Respawns.Inc()
	}
}

func (m *Metrics) dropped(n int) {
	if m != nil && n > 0 {
		m.Dropped.Add(float64(n))
	}
}

func (m *Metrics) observe(start time.Time, err error) {
	if m == nil {
		return
	}

	m.Duration.Observe(time.Since(start).Seconds())
	if err != nil {
		m.Failed.Inc()
		return
	}
	m.Executed.Inc()
}
