package scheduler

import (
	"context"
	"math"
	"runtime"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/taskgrid/taskgrid/pkg/syncprim"
)

// Config controls scheduler construction.
type Config struct {
	// Workers is the fixed worker pool size. <= 0 selects
	// DefaultWorkerCount().
	Workers int

	// Specialized lists additional capability-masked workers appended to
	// the generic pool.
	Specialized []WorkerSpec

	// IdleSleep is how long a worker parks when no eligible task is found.
	IdleSleep time.Duration

	// Retention is how long terminal tasks stay in the registry before the
	// sweep removes them.
	Retention time.Duration

	// SweepSchedule is a cron spec for the retention sweep.
	SweepSchedule string

	// PinWorkers locks each worker goroutine to an OS thread.
	PinWorkers bool
}

// DefaultConfig returns the production defaults: 300s retention, a sweep
// every 30 seconds, and the heuristic worker count.
func DefaultConfig() Config {
	return Config{
		Workers:       DefaultWorkerCount(),
		IdleSleep:     2 * time.Millisecond,
		Retention:     300 * time.Second,
		SweepSchedule: "@every 30s",
	}
}

// DefaultWorkerCount returns clamp(2, 16, ceil(0.75 x logical cores)),
// further reduced to half the cores on machines with more than 16 cores to
// limit queue contention. Never fewer than 2.
func DefaultWorkerCount() int {
	cores := runtime.NumCPU()
	n := int(math.Ceil(0.75 * float64(cores)))
	if cores > 16 {
		n = cores / 2
	}
	if n < 2 {
		n = 2
	}
	if n > 16 {
		n = 16
	}
	return n
}

// Scheduler owns the priority queues and the task registry, assigns tasks
// to its worker pool, and exposes observe/wait/cancel operations. Construct
// one with New and pass it explicitly to consumers; there is no package
// singleton.
type Scheduler struct {
	cfg Config

	reg    *registry
	queues *priorityQueues

	workers []*worker

	// queued mirrors the total number of tasks resident in the priority
	// buckets; the sum of bucket depths always equals this counter.
	queued syncprim.AtomicCounter

	statusCounts [7]syncprim.AtomicCounter

	observers observerSet

	sweeper *cron.Cron

	stop    chan struct{}
	stopped syncprim.AtomicCounter // 0 running, 1 stopped
}

// New creates a Scheduler, starts its worker pool and retention sweep, and
// returns it ready to accept submissions.
func New(cfg Config) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkerCount()
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = 2 * time.Millisecond
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 300 * time.Second
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = "@every 30s"
	}

	s := &Scheduler{
		cfg:    cfg,
		reg:    newRegistry(),
		queues: newPriorityQueues(),
		stop:   make(chan struct{}),
	}

	for i := 0; i < cfg.Workers; i++ {
		s.workers = append(s.workers, newWorker(int32(i), 0, s))
	}
	for i, spec := range cfg.Specialized {
		s.workers = append(s.workers, newWorker(int32(cfg.Workers+i), spec.Capabilities, s))
	}
	for _, w := range s.workers {
		go w.run()
	}

	s.sweeper = cron.New()
	if _, err := s.sweeper.AddFunc(cfg.SweepSchedule, func() {
		s.reg.sweep(s.cfg.Retention)
	}); err != nil {
		log.Error().Err(err).Str("schedule", cfg.SweepSchedule).Msg("Invalid sweep schedule, retention sweep disabled")
	}
	s.sweeper.Start()

	log.Info().
		Int("workers", len(s.workers)).
		Int("specialized", len(cfg.Specialized)).
		Dur("retention", cfg.Retention).
		Str("sweep", cfg.SweepSchedule).
		Msg("Task scheduler started")

	return s
}

// AddObserver registers an observer for task transition events.
func (s *Scheduler) AddObserver(o Observer) {
	s.observers.add(o)
}

// Schedule submits a task and returns its id, or 0 when fn is nil or the
// scheduler has been shut down.
func (s *Scheduler) Schedule(fn TaskFunc, cfg TaskConfig, description string) TaskID {
	return s.ScheduleWithCallback(fn, cfg, description, nil)
}

// ScheduleWithCallback is Schedule plus a completion callback invoked with
// the task's success flag from the worker goroutine that finished it.
// Callers must not assume same-goroutine execution of the callback.
func (s *Scheduler) ScheduleWithCallback(fn TaskFunc, cfg TaskConfig, description string, cb CompletionCallback) TaskID {
	if fn == nil {
		log.Warn().Str("description", description).Msg("Rejected task with nil body")
		return 0
	}
	if s.stopped.Get() != 0 {
		log.Warn().Str("description", description).Msg("Rejected task, scheduler is stopped")
		return 0
	}
	if !cfg.Priority.IsValid() {
		cfg.Priority = PriorityNormal
	}

	t := newTask(fn, cfg, description, cb)
	t.prio.Store(int32(cfg.Priority))

	s.reg.add(t)
	s.enqueue(t)
	s.statusCounts[StatusQueued].Increment()

	log.Debug().
		Uint64("task_id", uint64(t.id)).
		Str("priority", cfg.Priority.String()).
		Str("type", cfg.Type).
		Int("dependencies", len(cfg.Dependencies)).
		Str("description", description).
		Msg("Task scheduled")

	return t.id
}

// enqueue places t in the bucket for its current effective priority.
func (s *Scheduler) enqueue(t *Task) {
	s.queues.push(TaskPriority(t.prio.Load()), t)
	t.enqueueNs.Store(time.Now().UnixNano())
	s.queued.Increment()
}

// Cancel requests cancellation of a task. Queued cancellable tasks are
// removed immediately and never execute; Executing tasks are flagged and
// run until their body observes the flag. Returns false for unknown,
// terminal or non-cancellable tasks.
func (s *Scheduler) Cancel(id TaskID) bool {
	t, ok := s.reg.get(id)
	if !ok {
		return false
	}
	if !t.cfg.Cancellable {
		return false
	}
	cur := t.Status()
	if cur.IsTerminal() {
		return false
	}

	t.cancelRequested.Store(true)

	if t.transition(StatusCancelled) {
		// Won the race against worker claim while still Queued.
		if s.queues.remove(t) {
			s.queued.Decrement()
		}
		s.finishTransition(t, StatusQueued, StatusCancelled, "cancelled before execution")
		return true
	}

	// Already Executing; the body keeps running until it polls the flag.
	log.Debug().Uint64("task_id", uint64(id)).Msg("Cancellation requested for executing task")
	return true
}

// Status returns the task's current state. ok is false for ids the registry
// no longer knows (never submitted, or swept after retention).
func (s *Scheduler) Status(id TaskID) (TaskStatus, bool) {
	t, ok := s.reg.get(id)
	if !ok {
		return StatusQueued, false
	}
	return t.Status(), true
}

// Progress returns the task's reported progress in percent.
func (s *Scheduler) Progress(id TaskID) (int32, bool) {
	t, ok := s.reg.get(id)
	if !ok {
		return 0, false
	}
	return t.Progress(), true
}

// Stats returns a snapshot of the task's statistics.
func (s *Scheduler) Stats(id TaskID) (TaskStats, bool) {
	t, ok := s.reg.get(id)
	if !ok {
		return TaskStats{}, false
	}
	return t.Stats(), true
}

// WaitFor blocks until the task reaches a terminal state or the timeout
// elapses. A timeout <= 0 waits indefinitely. Returns false on timeout or
// unknown id.
func (s *Scheduler) WaitFor(id TaskID, timeout time.Duration) bool {
	t, ok := s.reg.get(id)
	if !ok {
		return false
	}
	if timeout <= 0 {
		<-t.done
		return true
	}
	select {
	case <-t.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// WaitForMany blocks until all (waitForAll) or any one of the tasks reach a
// terminal state, or the timeout elapses. Unknown ids fail the wait.
func (s *Scheduler) WaitForMany(ids []TaskID, waitForAll bool, timeout time.Duration) bool {
	if len(ids) == 0 {
		return true
	}

	tasks := make([]*Task, 0, len(ids))
	for _, id := range ids {
		t, ok := s.reg.get(id)
		if !ok {
			return false
		}
		tasks = append(tasks, t)
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	settled := make(chan struct{}, len(tasks))
	release := make(chan struct{})
	defer close(release)

	for _, t := range tasks {
		go func(t *Task) {
			select {
			case <-t.done:
				settled <- struct{}{}
			case <-release:
			}
		}(t)
	}

	needed := 1
	if waitForAll {
		needed = len(tasks)
	}
	for done := 0; done < needed; {
		select {
		case <-settled:
			done++
		case <-deadline:
			return false
		}
	}
	return true
}

// TaskCounts returns the number of tasks per status, counting everything
// still resident in the registry plus already-swept terminal totals.
func (s *Scheduler) TaskCounts() map[TaskStatus]int64 {
	counts := make(map[TaskStatus]int64, 7)
	for st := StatusQueued; st <= StatusCancelled; st++ {
		counts[st] = s.statusCounts[st].Get()
	}
	return counts
}

// QueueDepths returns the per-priority bucket depths.
func (s *Scheduler) QueueDepths() [5]int {
	return s.queues.depths()
}

// QueuedCount returns the scheduler-wide queued counter. It always equals
// the sum of the priority bucket depths.
func (s *Scheduler) QueuedCount() int64 {
	return s.queued.Get()
}

// WorkerCount returns the size of the worker pool, specialized workers
// included.
func (s *Scheduler) WorkerCount() int {
	return len(s.workers)
}

// RegistrySize returns the number of tasks currently resident in the
// registry.
func (s *Scheduler) RegistrySize() int {
	return s.reg.size()
}

// Tasks returns a point-in-time snapshot of resident tasks for
// introspection surfaces.
func (s *Scheduler) Tasks() []*Task {
	return s.reg.snapshot()
}

// Shutdown stops accepting submissions, halts the retention sweep, and
// waits for workers to park, up to the context deadline. Executing tasks
// are not interrupted; they finish their current body.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	if !s.stopped.CompareExchange(0, 1) {
		return nil
	}
	log.Info().Msg("Shutting down task scheduler")

	sweepCtx := s.sweeper.Stop()
	close(s.stop)

	workersDone := make(chan struct{})
	go func() {
		for _, w := range s.workers {
			<-w.parked
		}
		close(workersDone)
	}()

	select {
	case <-workersDone:
	case <-ctx.Done():
		log.Warn().Msg("Scheduler shutdown timed out waiting for workers")
		return ctx.Err()
	}

	select {
	case <-sweepCtx.Done():
	case <-ctx.Done():
	}

	log.Info().Msg("Task scheduler shutdown complete")
	return nil
}

// finishTransition updates counters and publishes the transition event.
func (s *Scheduler) finishTransition(t *Task, from, to TaskStatus, reason string) {
	s.statusCounts[from].Decrement()
	s.statusCounts[to].Increment()

	if to.IsTerminal() {
		t.markDone()
	}

	ev := TransitionEvent{
		TaskID:      t.id,
		Description: t.desc,
		Type:        t.cfg.Type,
		Priority:    t.cfg.Priority,
		From:        from,
		To:          to,
		Attempt:     t.attempts.Load(),
		WorkerID:    t.workerID.Load(),
		Reason:      reason,
		QueueTime:   time.Duration(t.queueNs.Load()),
		ExecTime:    time.Duration(t.execNs.Load()),
		Timestamp:   time.Now(),
	}
	if err := t.Err(); err != nil && to == StatusFailed {
		ev.Error = err.Error()
	}
	s.observers.publish(ev)

	if to.IsTerminal() && t.callback != nil {
		success := to == StatusCompleted
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Interface("panic", r).
						Uint64("task_id", uint64(t.id)).
						Msg("Completion callback panicked")
				}
			}()
			t.callback(t.id, success)
		}()
	}
}

// dependenciesSatisfied reports whether every required dependency of t is
// Completed or past its per-dependency timeout. Dependencies the registry
// no longer knows are treated as satisfied: they completed and were swept.
func (s *Scheduler) dependenciesSatisfied(t *Task) bool {
	for _, dep := range t.cfg.Dependencies {
		if !dep.Required {
			continue
		}
		dt, ok := s.reg.get(dep.TaskID)
		if !ok {
			continue
		}
		if dt.Status() == StatusCompleted {
			continue
		}
		if dep.Timeout > 0 && time.Since(t.createdAt) > dep.Timeout {
			// Timed-out dependencies count as satisfied; the dependent
			// may run against an incomplete dependency. Preserved
			// policy, surfaced in the log.
			log.Warn().
				Uint64("task_id", uint64(t.id)).
				Uint64("dependency", uint64(dep.TaskID)).
				Dur("timeout", dep.Timeout).
				Msg("Dependency timed out, treating as satisfied")
			continue
		}
		return false
	}
	return true
}
