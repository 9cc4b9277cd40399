package scheduler

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// TransitionEvent describes one task lifecycle transition. Events are
// published to registered observers from the goroutine that performed the
// transition (usually a worker).
type TransitionEvent struct {
	TaskID      TaskID        `json:"task_id"`
	Description string        `json:"description"`
	Type        string        `json:"type"`
	Priority    TaskPriority  `json:"priority"`
	From        TaskStatus    `json:"from"`
	To          TaskStatus    `json:"to"`
	Attempt     int32         `json:"attempt"`
	WorkerID    int32         `json:"worker_id"`
	Reason      string        `json:"reason,omitempty"`
	Error       string        `json:"error,omitempty"`
	QueueTime   time.Duration `json:"queue_time"`
	ExecTime    time.Duration `json:"exec_time"`
	Timestamp   time.Time     `json:"timestamp"`
}

// Observer receives task transition events. Implementations must be safe
// for concurrent use; panics are recovered and logged so a misbehaving
// observer can never take down a worker.
type Observer interface {
	TaskTransition(ev TransitionEvent)
}

// observerSet is the scheduler's fan-out list of observers.
type observerSet struct {
	mu        sync.RWMutex
	observers []Observer
}

func (os *observerSet) add(o Observer) {
	os.mu.Lock()
	defer os.mu.Unlock()
	os.observers = append(os.observers, o)
}

func (os *observerSet) publish(ev TransitionEvent) {
	os.mu.RLock()
	observers := make([]Observer, len(os.observers))
	copy(observers, os.observers)
	os.mu.RUnlock()

	for _, o := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Interface("panic", r).
						Uint64("task_id", uint64(ev.TaskID)).
						Msg("Task transition observer panicked")
				}
			}()
			o.TaskTransition(ev)
		}()
	}
}
