package monitoring

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskgrid/taskgrid/pkg/parallel"
	"github.com/taskgrid/taskgrid/pkg/scheduler"
)

func newObservedScheduler(t *testing.T, m *Metrics) *scheduler.Scheduler {
	t.Helper()
	s := scheduler.New(scheduler.Config{
		Workers:   2,
		IdleSleep: 500 * time.Microsecond,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	s.AddObserver(m)
	return s
}

func TestMetricsCountTransitions(t *testing.T) {
	m := NewMetrics()
	s := newObservedScheduler(t, m)

	ok := s.Schedule(func(*scheduler.TaskContext) error { return nil },
		scheduler.DefaultTaskConfig(), "succeeds")
	bad := s.Schedule(func(*scheduler.TaskContext) error { return errors.New("bad") },
		scheduler.DefaultTaskConfig(), "fails")

	var calls atomic.Int32
	flaky := s.Schedule(func(*scheduler.TaskContext) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	}, scheduler.TaskConfig{
		Priority:   scheduler.PriorityNormal,
		AutoRetry:  true,
		MaxRetries: 1,
	}, "retries once")

	require.True(t, s.WaitForMany([]scheduler.TaskID{ok, bad, flaky}, true, 5*time.Second))

	// A task blocked behind the failed dependency is cancelled while
	// still Queued.
	blocked := s.Schedule(func(*scheduler.TaskContext) error { return nil },
		scheduler.TaskConfig{
			Priority:     scheduler.PriorityNormal,
			Cancellable:  true,
			Dependencies: []scheduler.TaskDependency{{TaskID: bad, Required: true}},
		}, "cancelled")
	require.True(t, s.Cancel(blocked))

	// Observers are notified on the transitioning goroutine; give the
	// last events a moment to land.
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.cancelled) == 1 && testutil.ToFloat64(m.completed) == 2
	}, 5*time.Second, time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.failed))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.retried))
	assert.Equal(t, float64(4), testutil.ToFloat64(m.submitted))
}

func TestMetricsSampledCollectors(t *testing.T) {
	m := NewMetrics()
	s := newObservedScheduler(t, m)
	e := parallel.New(parallel.Config{Threads: 2})

	m.ObserveScheduler(s)
	m.ObserveExecutor(e)

	require.True(t, e.For(1024, func(int) {}, parallel.ForceParallel, 0))

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"taskgrid_workers",
		"taskgrid_queue_depth_total",
		"taskgrid_parallel_invocations_total",
		"taskgrid_parallel_sequential_total",
		"taskgrid_chunks_stolen_total",
	} {
		assert.True(t, names[want], "missing metric family %s", want)
	}
}
