package scheduler

import (
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
)

// WorkerSpec configures a specialized worker appended to the generic pool.
type WorkerSpec struct {
	// Capabilities is the worker's capability bitmask. The worker prefers
	// tasks whose required capabilities are a subset of this mask and
	// falls back to generic selection when none match.
	Capabilities uint64
}

// worker pulls eligible tasks off the scheduler's queues and executes them.
// Workers never die on task errors: panics inside a body are recovered and
// converted to a Failed status.
type worker struct {
	id    int32
	caps  uint64
	sched *Scheduler

	parked chan struct{}
}

func newWorker(id int32, caps uint64, s *Scheduler) *worker {
	return &worker{
		id:     id,
		caps:   caps,
		sched:  s,
		parked: make(chan struct{}),
	}
}

func (w *worker) specialized() bool { return w.caps != 0 }

// canRun reports whether the worker's capability mask covers the task's
// required capabilities. Generic workers run anything without requirements.
func (w *worker) canRun(t *Task) bool {
	return t.cfg.RequiredCaps & ^w.caps == 0
}

func (w *worker) run() {
	defer close(w.parked)

	if w.sched.cfg.PinWorkers {
		// Round-robin core pinning is approximated by tying the goroutine
		// to an OS thread; the kernel scheduler keeps thread affinity
		// sticky enough for cache locality.
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}

	log.Debug().
		Int32("worker_id", w.id).
		Uint64("capabilities", w.caps).
		Msg("Worker started")

	for {
		select {
		case <-w.sched.stop:
			log.Debug().Int32("worker_id", w.id).Msg("Worker stopped")
			return
		default:
		}

		t := w.nextTask()
		if t == nil {
			time.Sleep(w.sched.cfg.IdleSleep)
			continue
		}
		w.execute(t)
	}
}

// nextTask returns the highest-priority eligible task for this worker, or
// nil. Specialized workers first scan for tasks that declare capabilities
// matching their mask, then fall back to the generic scan.
func (w *worker) nextTask() *Task {
	s := w.sched

	if w.specialized() {
		t, stale := s.queues.claim(func(t *Task) bool {
			return t.cfg.RequiredCaps != 0 && w.canRun(t) && s.dependenciesSatisfied(t)
		})
		s.queued.Add(-int64(stale))
		if t != nil {
			s.queued.Decrement()
			return t
		}
	}

	t, stale := s.queues.claim(func(t *Task) bool {
		return w.canRun(t) && s.dependenciesSatisfied(t)
	})
	s.queued.Add(-int64(stale))
	if t != nil {
		s.queued.Decrement()
	}
	return t
}

// execute runs one attempt of a claimed task and settles its outcome:
// completion, failure, cancellation, or a retry re-arm.
func (w *worker) execute(t *Task) {
	start := time.Unix(0, t.startedNs.Load())
	t.workerID.Store(w.id)
	t.queueNs.Add(start.UnixNano() - t.enqueueNs.Load())
	attempt := t.attempts.Add(1)

	w.sched.finishTransition(t, StatusQueued, StatusExecuting, "claimed by worker")

	err := w.runBody(t)

	t.execNs.Add(time.Since(start).Nanoseconds())

	switch {
	case t.cancelRequested.Load() && t.cfg.Cancellable:
		if t.transition(StatusCancelled) {
			w.sched.finishTransition(t, StatusExecuting, StatusCancelled, "cancelled during execution")
		}

	case err == nil:
		if t.transition(StatusCompleted) {
			w.sched.finishTransition(t, StatusExecuting, StatusCompleted, "")
		}

	default:
		t.lastErr.Store(err)
		if t.cfg.AutoRetry && attempt <= t.cfg.MaxRetries {
			boosted := TaskPriority(t.prio.Load()).Boost(t.cfg.RetryPriorityBoost)
			t.prio.Store(int32(boosted))
			if t.transition(StatusQueued) {
				w.sched.finishTransition(t, StatusExecuting, StatusQueued, "retry re-arm")
				w.sched.enqueue(t)
				log.Debug().
					Uint64("task_id", uint64(t.id)).
					Int32("attempt", attempt).
					Str("priority", boosted.String()).
					Err(err).
					Msg("Task re-armed for retry")
				return
			}
		}
		if t.transition(StatusFailed) {
			log.Debug().
				Uint64("task_id", uint64(t.id)).
				Int32("attempt", attempt).
				Err(err).
				Msg("Task failed")
			w.sched.finishTransition(t, StatusExecuting, StatusFailed, "")
		}
	}
}

// runBody invokes the task body, converting panics into errors so they can
// never unwind a worker goroutine.
func (w *worker) runBody(t *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task body panicked: %v", r)
			log.Error().
				Interface("panic", r).
				Uint64("task_id", uint64(t.id)).
				Int32("worker_id", w.id).
				Msg("Recovered panic in task body")
		}
	}()
	return t.fn(&TaskContext{task: t, workerID: w.id})
}
