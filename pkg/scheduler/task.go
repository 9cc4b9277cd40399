// Package scheduler implements the taskgrid cooperative task scheduler: a
// fixed pool of workers pulling priority-ordered, dependency-gated tasks
// from in-memory queues, with cooperative cancellation, automatic retry,
// and per-task statistics.
package scheduler

import (
	"sync"
	"sync/atomic"
	"time"
)

// TaskID is a process-unique 64-bit task identifier. The zero value is the
// sentinel returned by failed submissions.
type TaskID uint64

// TaskPriority orders tasks across the scheduler's priority buckets.
// Lower values drain first.
type TaskPriority int

const (
	PriorityCritical TaskPriority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground

	numPriorities = int(PriorityBackground) + 1
)

// String returns the human-readable priority name.
func (p TaskPriority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return "unknown"
	}
}

// IsValid reports whether p names a real priority bucket.
func (p TaskPriority) IsValid() bool {
	return p >= PriorityCritical && p <= PriorityBackground
}

// Boost raises the priority by n levels, saturating at Critical.
func (p TaskPriority) Boost(n int) TaskPriority {
	b := p - TaskPriority(n)
	if b < PriorityCritical {
		return PriorityCritical
	}
	return b
}

// TaskStatus is the task lifecycle state machine.
type TaskStatus int32

const (
	// StatusQueued means the task is registered and waiting for a worker.
	// Dependency-blocked tasks also stay Queued and are skipped on poll.
	StatusQueued TaskStatus = iota
	// StatusWaiting is reserved for dependency-driven parking and is not
	// entered by the current algorithm.
	StatusWaiting
	// StatusSuspended is reserved and not entered by the current algorithm.
	StatusSuspended
	// StatusExecuting means a worker has claimed the task and is running it.
	StatusExecuting
	// StatusCompleted is the successful terminal state.
	StatusCompleted
	// StatusFailed is the terminal state after an error or exhausted retries.
	StatusFailed
	// StatusCancelled is the terminal state for cancelled tasks.
	StatusCancelled
)

// String returns the human-readable status name.
func (s TaskStatus) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusWaiting:
		return "waiting"
	case StatusSuspended:
		return "suspended"
	case StatusExecuting:
		return "executing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether s is a terminal state.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo checks whether a transition from s to target is legal.
// Executing -> Queued is the retry re-arm and the only path back into the
// queue; terminal states admit no transitions.
func (s TaskStatus) CanTransitionTo(target TaskStatus) bool {
	switch s {
	case StatusQueued:
		return target == StatusExecuting || target == StatusCancelled
	case StatusExecuting:
		return target == StatusCompleted || target == StatusFailed ||
			target == StatusCancelled || target == StatusQueued
	default:
		return false
	}
}

// TaskDependency links a task to another task it must wait for. Required
// dependencies block eligibility until the dependency completes or the
// dependency's timeout elapses, in which case it is treated as satisfied.
// Optional dependencies never block.
type TaskDependency struct {
	TaskID   TaskID
	Required bool
	// Timeout bounds how long the dependent waits, measured from the
	// dependent task's creation. Zero means wait indefinitely.
	Timeout time.Duration
}

// TaskConfig carries the submission-time options of a task.
type TaskConfig struct {
	Priority     TaskPriority
	Type         string
	Dependencies []TaskDependency

	// RequiredCaps is a capability bitmask matched against worker
	// capability masks for specialized routing. Zero means any worker.
	RequiredCaps uint64

	Cancellable     bool
	ReportsProgress bool

	// MaxExecutionTime is advisory: it is surfaced through HasTimedOut
	// and never preempts a running body.
	MaxExecutionTime time.Duration

	AutoRetry          bool
	MaxRetries         int32
	RetryPriorityBoost int
}

// DefaultTaskConfig returns a Normal-priority, cancellable configuration
// with no dependencies and no retry.
func DefaultTaskConfig() TaskConfig {
	return TaskConfig{
		Priority:    PriorityNormal,
		Cancellable: true,
	}
}

// TaskFunc is the body of a task. Long-running bodies are expected to poll
// tc.Cancelled between units of work.
type TaskFunc func(tc *TaskContext) error

// CompletionCallback is invoked with the task's final success flag from the
// worker goroutine that finished it, never from the submitter's goroutine.
type CompletionCallback func(id TaskID, success bool)

// TaskStats is a snapshot of a task's accumulated statistics.
type TaskStats struct {
	QueueTime     time.Duration
	ExecutionTime time.Duration
	RetryCount    int32
	WorkerID      int32
}

// Task is the unit of schedulable work. It is exclusively owned by the
// scheduler's registry; callers retain only the TaskID. Status, progress,
// attempts and timestamps live in atomics so readers never need the
// registry lock.
type Task struct {
	id   TaskID
	fn   TaskFunc
	desc string
	cfg  TaskConfig

	status   atomic.Int32
	progress atomic.Int32
	attempts atomic.Int32

	// prio is the effective priority: the configured priority, boosted on
	// retry re-arms.
	prio atomic.Int32

	cancelRequested atomic.Bool

	createdAt   time.Time
	startedNs   atomic.Int64
	completedNs atomic.Int64

	workerID  atomic.Int32
	queueNs   atomic.Int64 // accumulated queue time
	execNs    atomic.Int64 // accumulated execution time
	enqueueNs atomic.Int64 // when the current queue residency began

	callback CompletionCallback

	done     chan struct{}
	doneOnce sync.Once

	lastErr atomic.Value // error
}

var taskSeq atomic.Uint64

// newTaskID folds a monotonic sequence number with the creation timestamp so
// ids never collide across restarts within a run.
func newTaskID(now time.Time) TaskID {
	seq := taskSeq.Add(1)
	return TaskID(seq<<24 | uint64(now.UnixNano())&0xFFFFFF)
}

func newTask(fn TaskFunc, cfg TaskConfig, desc string, cb CompletionCallback) *Task {
	now := time.Now()
	t := &Task{
		id:        newTaskID(now),
		fn:        fn,
		desc:      desc,
		cfg:       cfg,
		createdAt: now,
		callback:  cb,
		done:      make(chan struct{}),
	}
	t.workerID.Store(-1)
	t.enqueueNs.Store(now.UnixNano())
	return t
}

// ID returns the task's identifier.
func (t *Task) ID() TaskID { return t.id }

// Description returns the human-readable description.
func (t *Task) Description() string { return t.desc }

// Config returns a copy of the submission configuration.
func (t *Task) Config() TaskConfig { return t.cfg }

// Status returns the current lifecycle state (lock-free).
func (t *Task) Status() TaskStatus {
	return TaskStatus(t.status.Load())
}

// Progress returns the reported progress in percent (lock-free).
func (t *Task) Progress() int32 {
	return t.progress.Load()
}

// Attempts returns how many times the body has been started.
func (t *Task) Attempts() int32 {
	return t.attempts.Load()
}

// EffectivePriority returns the current scheduling priority, which may sit
// above the configured priority after retry boosts.
func (t *Task) EffectivePriority() TaskPriority {
	return TaskPriority(t.prio.Load())
}

// CreatedAt returns the submission time.
func (t *Task) CreatedAt() time.Time { return t.createdAt }

// StartedAt returns the time the latest attempt started, or the zero time.
func (t *Task) StartedAt() time.Time {
	ns := t.startedNs.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// CompletedAt returns the terminal transition time, or the zero time.
func (t *Task) CompletedAt() time.Time {
	ns := t.completedNs.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Err returns the error from the most recent failed attempt, if any.
func (t *Task) Err() error {
	if v := t.lastErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// Stats returns a snapshot of accumulated statistics (lock-free).
func (t *Task) Stats() TaskStats {
	return TaskStats{
		QueueTime:     time.Duration(t.queueNs.Load()),
		ExecutionTime: time.Duration(t.execNs.Load()),
		RetryCount:    t.attempts.Load() - 1,
		WorkerID:      t.workerID.Load(),
	}
}

// HasTimedOut reports whether the task has been executing longer than its
// advisory MaxExecutionTime. Always false for tasks without a limit or not
// currently executing.
func (t *Task) HasTimedOut() bool {
	if t.cfg.MaxExecutionTime <= 0 || t.Status() != StatusExecuting {
		return false
	}
	started := t.startedNs.Load()
	if started == 0 {
		return false
	}
	return time.Since(time.Unix(0, started)) > t.cfg.MaxExecutionTime
}

// transition moves the task to target if legal from the current state,
// retrying the CAS when a concurrent transition interleaves. It reports
// whether the transition was applied. The completion timestamp is stored
// before a terminal status becomes visible so dependents claimed against a
// Completed status always observe a non-zero CompletedAt.
func (t *Task) transition(target TaskStatus) bool {
	for {
		cur := TaskStatus(t.status.Load())
		if !cur.CanTransitionTo(target) {
			return false
		}
		if target.IsTerminal() {
			t.completedNs.Store(time.Now().UnixNano())
		}
		if t.status.CompareAndSwap(int32(cur), int32(target)) {
			return true
		}
	}
}

// markDone closes the completion channel exactly once.
func (t *Task) markDone() {
	t.doneOnce.Do(func() { close(t.done) })
}

// Done returns a channel closed when the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

// TaskContext is passed to the task body. It exposes cooperative
// cancellation and progress reporting.
type TaskContext struct {
	task     *Task
	workerID int32
}

// TaskID returns the id of the executing task.
func (tc *TaskContext) TaskID() TaskID { return tc.task.id }

// WorkerID returns the id of the worker running this attempt.
func (tc *TaskContext) WorkerID() int32 { return tc.workerID }

// Attempt returns the 1-based attempt number of this execution.
func (tc *TaskContext) Attempt() int32 { return tc.task.attempts.Load() }

// Cancelled reports whether cancellation was requested. Long-running bodies
// should poll this between units of work and return early when it is set.
func (tc *TaskContext) Cancelled() bool {
	return tc.task.cancelRequested.Load()
}

// ReportProgress records progress in percent, clamped to [0, 100]. It is a
// no-op for tasks not configured with ReportsProgress.
func (tc *TaskContext) ReportProgress(percent int32) {
	if !tc.task.cfg.ReportsProgress {
		return
	}
	if percent < 0 {
		percent = 0
	} else if percent > 100 {
		percent = 100
	}
	tc.task.progress.Store(percent)
}

// HasTimedOut reports whether this attempt exceeded the advisory execution
// time limit. Bodies may use it to bail out voluntarily.
func (tc *TaskContext) HasTimedOut() bool {
	return tc.task.HasTimedOut()
}
