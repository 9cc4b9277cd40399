// Package monitoring exposes the scheduler's runtime behavior: prometheus
// metrics, a transition event bus, an HTTP debug server with a websocket
// event stream, and OpenTelemetry spans per task attempt.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/taskgrid/taskgrid/pkg/parallel"
	"github.com/taskgrid/taskgrid/pkg/scheduler"
)

// Metrics collects scheduler and executor metrics on a private registry so
// tests and embedders never fight over the default registry. It implements
// scheduler.Observer for the event-driven series; sampled series (queue
// depths, executor counters) are registered as Func collectors that read
// the live objects at scrape time.
type Metrics struct {
	registry *prometheus.Registry

	submitted prometheus.Counter
	completed prometheus.Counter
	failed    prometheus.Counter
	cancelled prometheus.Counter
	retried   prometheus.Counter

	execSeconds  prometheus.Histogram
	queueSeconds prometheus.Histogram
}

// NewMetrics creates the metric set on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		submitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskgrid_tasks_submitted_total",
			Help: "Tasks accepted by the scheduler.",
		}),
		completed: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskgrid_tasks_completed_total",
			Help: "Tasks that reached the Completed state.",
		}),
		failed: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskgrid_tasks_failed_total",
			Help: "Tasks that reached the Failed state.",
		}),
		cancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskgrid_tasks_cancelled_total",
			Help: "Tasks that reached the Cancelled state.",
		}),
		retried: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskgrid_tasks_retried_total",
			Help: "Retry re-arms after failed attempts.",
		}),
		execSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskgrid_task_execution_seconds",
			Help:    "Execution time of finished tasks.",
			Buckets: prometheus.DefBuckets,
		}),
		queueSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskgrid_task_queue_seconds",
			Help:    "Time finished tasks spent queued.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Registry returns the private registry for promhttp handlers.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveScheduler registers scrape-time collectors reading s: per-priority
// queue depths and the worker pool size.
func (m *Metrics) ObserveScheduler(s *scheduler.Scheduler) {
	factory := promauto.With(m.registry)

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "taskgrid_workers",
		Help: "Size of the worker pool, specialized workers included.",
	}, func() float64 { return float64(s.WorkerCount()) })

	priorities := []scheduler.TaskPriority{
		scheduler.PriorityCritical,
		scheduler.PriorityHigh,
		scheduler.PriorityNormal,
		scheduler.PriorityLow,
		scheduler.PriorityBackground,
	}
	depth := factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskgrid_queue_depth",
		Help: "Queued tasks per priority bucket.",
	}, []string{"priority"})
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "taskgrid_queue_depth_total",
		Help: "Queued tasks across all priority buckets.",
	}, func() float64 {
		depths := s.QueueDepths()
		for _, p := range priorities {
			depth.WithLabelValues(p.String()).Set(float64(depths[p]))
		}
		return float64(s.QueuedCount())
	})
}

// ObserveExecutor registers scrape-time collectors reading e.
func (m *Metrics) ObserveExecutor(e *parallel.Executor) {
	factory := promauto.With(m.registry)

	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "taskgrid_parallel_invocations_total",
		Help: "Parallel-for invocations started.",
	}, func() float64 { return float64(e.Invocations()) })

	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "taskgrid_parallel_sequential_total",
		Help: "Invocations that ran sequentially below the item threshold.",
	}, func() float64 { return float64(e.SequentialRuns()) })

	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "taskgrid_chunks_stolen_total",
		Help: "Chunks executed by a worker other than their owner.",
	}, func() float64 { return float64(e.ChunksStolen()) })
}

// TaskTransition implements scheduler.Observer, feeding the event-driven
// series.
func (m *Metrics) TaskTransition(ev scheduler.TransitionEvent) {
	switch {
	// First departure from Queued: the first attempt's claim, or a
	// cancellation before any attempt ran. Retry re-arms re-enter Queued
	// with a higher attempt count and are not counted again.
	case ev.From == scheduler.StatusQueued && ev.Attempt <= 1:
		m.submitted.Inc()
	case ev.From == scheduler.StatusExecuting && ev.To == scheduler.StatusQueued:
		m.retried.Inc()
	}

	if !ev.To.IsTerminal() {
		return
	}

	switch ev.To {
	case scheduler.StatusCompleted:
		m.completed.Inc()
	case scheduler.StatusFailed:
		m.failed.Inc()
	case scheduler.StatusCancelled:
		m.cancelled.Inc()
	}
	m.execSeconds.Observe(ev.ExecTime.Seconds())
	m.queueSeconds.Observe(ev.QueueTime.Seconds())
}
