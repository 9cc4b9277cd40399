package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestScheduler builds a scheduler with a tight idle sleep so tests do
// not spend their time in worker parking, and shuts it down on cleanup.
func newTestScheduler(t *testing.T, workers int, specialized ...WorkerSpec) *Scheduler {
	t.Helper()
	s := New(Config{
		Workers:       workers,
		Specialized:   specialized,
		IdleSleep:     500 * time.Microsecond,
		Retention:     time.Hour,
		SweepSchedule: "@every 1h",
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

// occupyWorkers parks n workers on blocker tasks until the returned release
// function is called, guaranteeing subsequently scheduled tasks stay queued.
func occupyWorkers(t *testing.T, s *Scheduler, n int) (release func()) {
	t.Helper()
	gate := make(chan struct{})
	ids := make([]TaskID, 0, n)
	for i := 0; i < n; i++ {
		id := s.Schedule(func(*TaskContext) error {
			<-gate
			return nil
		}, TaskConfig{Priority: PriorityCritical, Cancellable: false}, "blocker")
		require.NotZero(t, id)
		ids = append(ids, id)
	}

	require.Eventually(t, func() bool {
		for _, id := range ids {
			st, ok := s.Status(id)
			if !ok || st != StatusExecuting {
				return false
			}
		}
		return true
	}, 5*time.Second, time.Millisecond, "blockers never claimed all workers")

	var once sync.Once
	return func() {
		once.Do(func() { close(gate) })
	}
}

func taskByID(t *testing.T, s *Scheduler, id TaskID) *Task {
	t.Helper()
	for _, task := range s.Tasks() {
		if task.ID() == id {
			return task
		}
	}
	t.Fatalf("task %d not in registry", id)
	return nil
}

func TestScheduleRejectsNilBody(t *testing.T) {
	s := newTestScheduler(t, 1)
	assert.Zero(t, s.Schedule(nil, DefaultTaskConfig(), "nil body"))
}

func TestScheduleAfterShutdown(t *testing.T) {
	s := New(Config{Workers: 1, IdleSleep: 500 * time.Microsecond})
	require.NoError(t, s.Shutdown(context.Background()))

	id := s.Schedule(func(*TaskContext) error { return nil }, DefaultTaskConfig(), "late")
	assert.Zero(t, id)
}

func TestExecutesTaskAndCallback(t *testing.T) {
	s := newTestScheduler(t, 2)

	var ran atomic.Bool
	result := make(chan bool, 1)
	id := s.ScheduleWithCallback(func(tc *TaskContext) error {
		ran.Store(true)
		return nil
	}, DefaultTaskConfig(), "unit of work", func(_ TaskID, success bool) {
		result <- success
	})
	require.NotZero(t, id)

	require.True(t, s.WaitFor(id, 5*time.Second))
	assert.True(t, ran.Load())

	select {
	case success := <-result:
		assert.True(t, success)
	case <-time.After(5 * time.Second):
		t.Fatal("completion callback never invoked")
	}

	st, ok := s.Status(id)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, st)

	stats, ok := s.Stats(id)
	require.True(t, ok)
	assert.GreaterOrEqual(t, stats.WorkerID, int32(0))
	assert.Equal(t, int32(1), stats.RetryCount)
}

func TestFailureCallbackReportsFalse(t *testing.T) {
	s := newTestScheduler(t, 1)

	result := make(chan bool, 1)
	id := s.ScheduleWithCallback(func(*TaskContext) error {
		return errors.New("boom")
	}, DefaultTaskConfig(), "doomed", func(_ TaskID, success bool) {
		result <- success
	})
	require.NotZero(t, id)
	require.True(t, s.WaitFor(id, 5*time.Second))

	select {
	case success := <-result:
		assert.False(t, success)
	case <-time.After(5 * time.Second):
		t.Fatal("completion callback never invoked")
	}

	task := taskByID(t, s, id)
	assert.Equal(t, StatusFailed, task.Status())
	assert.EqualError(t, task.Err(), "boom")
}

func TestPriorityOrderingSingleWorker(t *testing.T) {
	s := newTestScheduler(t, 1)
	release := occupyWorkers(t, s, 1)

	// Submit low-priority work first so ordering can only come from the
	// buckets, not submission order.
	var background, critical []TaskID
	for i := 0; i < 20; i++ {
		background = append(background, s.Schedule(func(*TaskContext) error { return nil },
			TaskConfig{Priority: PriorityBackground}, "bg"))
		critical = append(critical, s.Schedule(func(*TaskContext) error { return nil },
			TaskConfig{Priority: PriorityCritical}, "crit"))
	}

	release()
	require.True(t, s.WaitForMany(append(append([]TaskID{}, background...), critical...), true, 10*time.Second))

	var lastCritical, firstBackground time.Time
	for _, id := range critical {
		if started := taskByID(t, s, id).StartedAt(); started.After(lastCritical) {
			lastCritical = started
		}
	}
	firstBackground = taskByID(t, s, background[0]).StartedAt()
	for _, id := range background[1:] {
		if started := taskByID(t, s, id).StartedAt(); started.Before(firstBackground) {
			firstBackground = started
		}
	}

	assert.False(t, lastCritical.After(firstBackground),
		"critical bucket must drain before background: last critical %v, first background %v",
		lastCritical, firstBackground)
}

func TestPriorityOrderingMultiWorker(t *testing.T) {
	const workers = 4
	s := newTestScheduler(t, workers)
	release := occupyWorkers(t, s, workers)

	var background, critical []TaskID
	for i := 0; i < 25; i++ {
		background = append(background, s.Schedule(func(*TaskContext) error { return nil },
			TaskConfig{Priority: PriorityBackground}, "bg"))
		critical = append(critical, s.Schedule(func(*TaskContext) error { return nil },
			TaskConfig{Priority: PriorityCritical}, "crit"))
	}

	release()
	require.True(t, s.WaitForMany(append(append([]TaskID{}, background...), critical...), true, 10*time.Second))

	// Claims are serialized under the queue mutex and the critical bucket
	// is scanned first, so every critical start precedes every background
	// start even with four workers racing.
	var lastCritical time.Time
	for _, id := range critical {
		if started := taskByID(t, s, id).StartedAt(); started.After(lastCritical) {
			lastCritical = started
		}
	}
	for _, id := range background {
		started := taskByID(t, s, id).StartedAt()
		assert.False(t, started.Before(lastCritical),
			"background task started %v before last critical %v", started, lastCritical)
	}
}

func TestDependencyGating(t *testing.T) {
	s := newTestScheduler(t, 2)

	depStarted := make(chan struct{})
	depGate := make(chan struct{})
	dep := s.Schedule(func(*TaskContext) error {
		close(depStarted)
		<-depGate
		return nil
	}, TaskConfig{Priority: PriorityNormal}, "dependency")
	require.NotZero(t, dep)

	dependent := s.Schedule(func(*TaskContext) error { return nil }, TaskConfig{
		Priority:     PriorityHigh,
		Dependencies: []TaskDependency{{TaskID: dep, Required: true}},
	}, "dependent")
	require.NotZero(t, dependent)

	<-depStarted

	// Higher priority does not beat gating: the dependent sits Queued for
	// as long as the dependency runs.
	time.Sleep(20 * time.Millisecond)
	st, ok := s.Status(dependent)
	require.True(t, ok)
	assert.Equal(t, StatusQueued, st)

	close(depGate)
	require.True(t, s.WaitFor(dependent, 5*time.Second))

	depTask := taskByID(t, s, dep)
	depdTask := taskByID(t, s, dependent)
	assert.Equal(t, StatusCompleted, depdTask.Status())
	assert.False(t, depdTask.StartedAt().Before(depTask.CompletedAt()),
		"dependent started %v before dependency completed %v",
		depdTask.StartedAt(), depTask.CompletedAt())
}

func TestOptionalDependencyDoesNotBlock(t *testing.T) {
	s := newTestScheduler(t, 2)

	gate := make(chan struct{})
	defer close(gate)
	slow := s.Schedule(func(*TaskContext) error {
		<-gate
		return nil
	}, TaskConfig{Priority: PriorityNormal}, "slow")

	fast := s.Schedule(func(*TaskContext) error { return nil }, TaskConfig{
		Priority:     PriorityNormal,
		Dependencies: []TaskDependency{{TaskID: slow, Required: false}},
	}, "advisory dep")

	assert.True(t, s.WaitFor(fast, 5*time.Second))
}

func TestDependencyTimeoutRunsAnyway(t *testing.T) {
	s := newTestScheduler(t, 2)

	gate := make(chan struct{})
	defer close(gate)
	stuck := s.Schedule(func(*TaskContext) error {
		<-gate
		return nil
	}, TaskConfig{Priority: PriorityNormal, Cancellable: false}, "stuck dependency")

	dependent := s.Schedule(func(*TaskContext) error { return nil }, TaskConfig{
		Priority: PriorityNormal,
		Dependencies: []TaskDependency{
			{TaskID: stuck, Required: true, Timeout: 30 * time.Millisecond},
		},
	}, "impatient dependent")

	// The dependency never completes, but its timeout elapses and the
	// dependent runs anyway.
	require.True(t, s.WaitFor(dependent, 5*time.Second))
	st, ok := s.Status(dependent)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, st)

	st, ok = s.Status(stuck)
	require.True(t, ok)
	assert.Equal(t, StatusExecuting, st)
}

func TestDependencyOnFailedTaskBlocks(t *testing.T) {
	s := newTestScheduler(t, 1)

	failed := s.Schedule(func(*TaskContext) error {
		return errors.New("dependency failed")
	}, DefaultTaskConfig(), "failing dependency")
	require.True(t, s.WaitFor(failed, 5*time.Second))

	dependent := s.Schedule(func(*TaskContext) error { return nil }, TaskConfig{
		Priority:     PriorityNormal,
		Cancellable:  true,
		Dependencies: []TaskDependency{{TaskID: failed, Required: true}},
	}, "blocked dependent")

	// Failed is not Completed: with no timeout the dependent stays Queued.
	time.Sleep(30 * time.Millisecond)
	st, ok := s.Status(dependent)
	require.True(t, ok)
	assert.Equal(t, StatusQueued, st)

	require.True(t, s.Cancel(dependent))
	st, _ = s.Status(dependent)
	assert.Equal(t, StatusCancelled, st)
	assert.Zero(t, s.QueuedCount())
}

func TestCancelQueuedTask(t *testing.T) {
	s := newTestScheduler(t, 1)
	release := occupyWorkers(t, s, 1)

	var ran atomic.Bool
	id := s.Schedule(func(*TaskContext) error {
		ran.Store(true)
		return nil
	}, DefaultTaskConfig(), "never runs")

	require.True(t, s.Cancel(id))
	st, ok := s.Status(id)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, st)
	assert.True(t, s.WaitFor(id, time.Second), "cancelled task must settle its done channel")

	release()
	time.Sleep(20 * time.Millisecond)
	assert.False(t, ran.Load(), "cancelled queued task must never execute")

	// Terminal tasks reject further cancellation.
	assert.False(t, s.Cancel(id))
}

func TestCancelNonCancellable(t *testing.T) {
	s := newTestScheduler(t, 1)
	release := occupyWorkers(t, s, 1)

	id := s.Schedule(func(*TaskContext) error { return nil },
		TaskConfig{Priority: PriorityNormal, Cancellable: false}, "protected")
	assert.False(t, s.Cancel(id))

	release()
	require.True(t, s.WaitFor(id, 5*time.Second))
	st, _ := s.Status(id)
	assert.Equal(t, StatusCompleted, st)
}

func TestCancelUnknownTask(t *testing.T) {
	s := newTestScheduler(t, 1)
	assert.False(t, s.Cancel(TaskID(0xdeadbeef)))
}

func TestCancelExecutingTask(t *testing.T) {
	s := newTestScheduler(t, 1)

	started := make(chan struct{})
	id := s.Schedule(func(tc *TaskContext) error {
		close(started)
		for !tc.Cancelled() {
			time.Sleep(time.Millisecond)
		}
		return nil
	}, DefaultTaskConfig(), "cooperative loop")

	<-started
	require.True(t, s.Cancel(id))
	require.True(t, s.WaitFor(id, 5*time.Second))

	st, ok := s.Status(id)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, st)
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	s := newTestScheduler(t, 4)

	var calls atomic.Int32
	var concurrent atomic.Int32
	id := s.Schedule(func(*TaskContext) error {
		if concurrent.Add(1) != 1 {
			t.Error("overlapping attempts of the same task")
		}
		defer concurrent.Add(-1)

		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, TaskConfig{
		Priority:   PriorityNormal,
		AutoRetry:  true,
		MaxRetries: 2,
	}, "flaky")

	require.True(t, s.WaitFor(id, 5*time.Second))

	task := taskByID(t, s, id)
	assert.Equal(t, StatusCompleted, task.Status())
	assert.Equal(t, int32(3), task.Attempts())
}

func TestRetryExhaustedFails(t *testing.T) {
	s := newTestScheduler(t, 1)

	id := s.Schedule(func(*TaskContext) error {
		return errors.New("permanent")
	}, TaskConfig{
		Priority:   PriorityNormal,
		AutoRetry:  true,
		MaxRetries: 2,
	}, "always fails")

	require.True(t, s.WaitFor(id, 5*time.Second))

	task := taskByID(t, s, id)
	assert.Equal(t, StatusFailed, task.Status())
	assert.Equal(t, int32(3), task.Attempts())
	assert.EqualError(t, task.Err(), "permanent")
}

func TestRetryBoostsPriority(t *testing.T) {
	s := newTestScheduler(t, 1)

	var calls atomic.Int32
	id := s.Schedule(func(*TaskContext) error {
		if calls.Add(1) == 1 {
			return errors.New("first attempt fails")
		}
		return nil
	}, TaskConfig{
		Priority:           PriorityLow,
		AutoRetry:          true,
		MaxRetries:         1,
		RetryPriorityBoost: 2,
	}, "boosted retry")

	require.True(t, s.WaitFor(id, 5*time.Second))

	task := taskByID(t, s, id)
	assert.Equal(t, StatusCompleted, task.Status())
	assert.Equal(t, PriorityHigh, task.EffectivePriority())
	assert.Equal(t, PriorityLow, task.Config().Priority)
}

func TestPanicInBodyFailsTask(t *testing.T) {
	s := newTestScheduler(t, 1)

	id := s.Schedule(func(*TaskContext) error {
		panic("worker must survive this")
	}, DefaultTaskConfig(), "panicking")

	require.True(t, s.WaitFor(id, 5*time.Second))

	task := taskByID(t, s, id)
	assert.Equal(t, StatusFailed, task.Status())
	require.Error(t, task.Err())
	assert.Contains(t, task.Err().Error(), "panicked")

	// The worker survived and keeps executing.
	next := s.Schedule(func(*TaskContext) error { return nil }, DefaultTaskConfig(), "after panic")
	assert.True(t, s.WaitFor(next, 5*time.Second))
}

func TestSpecializedWorkerClaimsCapabilityTasks(t *testing.T) {
	const gpuCap = uint64(1 << 0)
	s := newTestScheduler(t, 1, WorkerSpec{Capabilities: gpuCap})
	require.Equal(t, 2, s.WorkerCount())

	id := s.Schedule(func(*TaskContext) error { return nil },
		TaskConfig{Priority: PriorityNormal, RequiredCaps: gpuCap}, "needs gpu")
	require.True(t, s.WaitFor(id, 5*time.Second))

	stats, ok := s.Stats(id)
	require.True(t, ok)
	assert.Equal(t, int32(1), stats.WorkerID, "only the specialized worker covers the capability")

	// A capability nobody advertises leaves the task queued.
	orphan := s.Schedule(func(*TaskContext) error { return nil },
		TaskConfig{Priority: PriorityNormal, Cancellable: true, RequiredCaps: 1 << 5}, "unservable")
	time.Sleep(30 * time.Millisecond)
	st, ok := s.Status(orphan)
	require.True(t, ok)
	assert.Equal(t, StatusQueued, st)
	require.True(t, s.Cancel(orphan))
}

func TestProgressReporting(t *testing.T) {
	s := newTestScheduler(t, 1)

	gate := make(chan struct{})
	id := s.Schedule(func(tc *TaskContext) error {
		tc.ReportProgress(42)
		<-gate
		tc.ReportProgress(100)
		return nil
	}, TaskConfig{Priority: PriorityNormal, ReportsProgress: true}, "reporter")

	require.Eventually(t, func() bool {
		p, ok := s.Progress(id)
		return ok && p == 42
	}, 5*time.Second, time.Millisecond)

	close(gate)
	require.True(t, s.WaitFor(id, 5*time.Second))
	p, _ := s.Progress(id)
	assert.Equal(t, int32(100), p)
}

func TestAdvisoryExecutionTimeout(t *testing.T) {
	s := newTestScheduler(t, 1)

	var sawTimeout atomic.Bool
	id := s.Schedule(func(tc *TaskContext) error {
		time.Sleep(30 * time.Millisecond)
		sawTimeout.Store(tc.HasTimedOut())
		return nil
	}, TaskConfig{Priority: PriorityNormal, MaxExecutionTime: 5 * time.Millisecond}, "overstays")

	require.True(t, s.WaitFor(id, 5*time.Second))

	// The limit is advisory: the body observes it but the outcome stands.
	assert.True(t, sawTimeout.Load())
	st, _ := s.Status(id)
	assert.Equal(t, StatusCompleted, st)
}

func TestWaitForTimeout(t *testing.T) {
	s := newTestScheduler(t, 1)

	gate := make(chan struct{})
	id := s.Schedule(func(*TaskContext) error {
		<-gate
		return nil
	}, TaskConfig{Priority: PriorityNormal, Cancellable: false}, "slow")

	assert.False(t, s.WaitFor(id, 20*time.Millisecond))
	assert.False(t, s.WaitFor(TaskID(12345), time.Second), "unknown id fails the wait")

	close(gate)
	assert.True(t, s.WaitFor(id, 5*time.Second))
}

func TestWaitForMany(t *testing.T) {
	s := newTestScheduler(t, 2)

	gate := make(chan struct{})
	slow := s.Schedule(func(*TaskContext) error {
		<-gate
		return nil
	}, TaskConfig{Priority: PriorityNormal, Cancellable: false}, "slow")
	fast := s.Schedule(func(*TaskContext) error { return nil },
		TaskConfig{Priority: PriorityNormal}, "fast")

	// Any-mode settles on the fast task alone.
	assert.True(t, s.WaitForMany([]TaskID{slow, fast}, false, 5*time.Second))

	// All-mode times out while the slow task holds out.
	assert.False(t, s.WaitForMany([]TaskID{slow, fast}, true, 20*time.Millisecond))

	// Unknown ids fail regardless of mode.
	assert.False(t, s.WaitForMany([]TaskID{fast, TaskID(999)}, false, time.Second))

	// Empty input is trivially satisfied.
	assert.True(t, s.WaitForMany(nil, true, time.Second))

	close(gate)
	assert.True(t, s.WaitForMany([]TaskID{slow, fast}, true, 5*time.Second))
}

func TestQueuedCounterMatchesBucketDepths(t *testing.T) {
	s := newTestScheduler(t, 1)
	release := occupyWorkers(t, s, 1)

	priorities := []TaskPriority{
		PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow, PriorityBackground,
	}
	var ids []TaskID
	for i := 0; i < 10; i++ {
		ids = append(ids, s.Schedule(func(*TaskContext) error { return nil },
			TaskConfig{Priority: priorities[i%len(priorities)], Cancellable: true}, "queued"))
	}

	sumDepths := func() int64 {
		var sum int64
		for _, d := range s.QueueDepths() {
			sum += int64(d)
		}
		return sum
	}

	assert.Equal(t, int64(10), s.QueuedCount())
	assert.Equal(t, s.QueuedCount(), sumDepths())

	// Cancelling queued tasks keeps the counter and the buckets in step.
	require.True(t, s.Cancel(ids[0]))
	require.True(t, s.Cancel(ids[5]))
	assert.Equal(t, int64(8), s.QueuedCount())
	assert.Equal(t, s.QueuedCount(), sumDepths())

	release()
	require.True(t, s.WaitForMany(append(ids[1:5:5], ids[6:]...), true, 10*time.Second))
	assert.Zero(t, s.QueuedCount())
	assert.Equal(t, int64(0), sumDepths())
}

func TestTaskCounts(t *testing.T) {
	s := newTestScheduler(t, 2)

	ok := s.Schedule(func(*TaskContext) error { return nil }, DefaultTaskConfig(), "ok")
	bad := s.Schedule(func(*TaskContext) error { return errors.New("bad") }, DefaultTaskConfig(), "bad")
	require.True(t, s.WaitForMany([]TaskID{ok, bad}, true, 5*time.Second))

	counts := s.TaskCounts()
	assert.Equal(t, int64(1), counts[StatusCompleted])
	assert.Equal(t, int64(1), counts[StatusFailed])
	assert.Zero(t, counts[StatusQueued])
	assert.Zero(t, counts[StatusExecuting])
}

func TestRegistrySweep(t *testing.T) {
	s := newTestScheduler(t, 1)

	id := s.Schedule(func(*TaskContext) error { return nil }, DefaultTaskConfig(), "ephemeral")
	require.True(t, s.WaitFor(id, 5*time.Second))
	require.Equal(t, 1, s.RegistrySize())

	// Zero retention: every terminal task is past the cutoff.
	assert.Equal(t, 1, s.reg.sweep(0))
	assert.Zero(t, s.RegistrySize())

	_, known := s.Status(id)
	assert.False(t, known, "swept ids are forgotten")
}

type recordingObserver struct {
	mu     sync.Mutex
	events []TransitionEvent
}

func (r *recordingObserver) TaskTransition(ev TransitionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingObserver) snapshot() []TransitionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TransitionEvent(nil), r.events...)
}

type panickyObserver struct{}

func (panickyObserver) TaskTransition(TransitionEvent) { panic("bad observer") }

func TestObserverReceivesTransitions(t *testing.T) {
	s := newTestScheduler(t, 1)

	rec := &recordingObserver{}
	s.AddObserver(panickyObserver{}) // must not disturb delivery to others
	s.AddObserver(rec)

	id := s.Schedule(func(*TaskContext) error { return nil },
		TaskConfig{Priority: PriorityHigh, Type: "compute"}, "observed")
	require.True(t, s.WaitFor(id, 5*time.Second))

	var events []TransitionEvent
	require.Eventually(t, func() bool {
		events = nil
		for _, ev := range rec.snapshot() {
			if ev.TaskID == id {
				events = append(events, ev)
			}
		}
		return len(events) == 2
	}, 5*time.Second, time.Millisecond)

	assert.Equal(t, StatusQueued, events[0].From)
	assert.Equal(t, StatusExecuting, events[0].To)
	assert.Equal(t, StatusExecuting, events[1].From)
	assert.Equal(t, StatusCompleted, events[1].To)
	assert.Equal(t, "compute", events[1].Type)
	assert.Equal(t, PriorityHigh, events[1].Priority)
	assert.GreaterOrEqual(t, events[1].WorkerID, int32(0))
}

func TestShutdownTimesOutOnStuckWorker(t *testing.T) {
	s := New(Config{Workers: 1, IdleSleep: 500 * time.Microsecond})

	gate := make(chan struct{})
	started := make(chan struct{})
	s.Schedule(func(*TaskContext) error {
		close(started)
		<-gate
		return nil
	}, TaskConfig{Priority: PriorityNormal, Cancellable: false}, "holds the worker")
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Shutdown(ctx), context.DeadlineExceeded)

	close(gate)
}

func TestShutdownIsIdempotent(t *testing.T) {
	s := New(Config{Workers: 1, IdleSleep: 500 * time.Microsecond})
	require.NoError(t, s.Shutdown(context.Background()))
	require.NoError(t, s.Shutdown(context.Background()))
}
