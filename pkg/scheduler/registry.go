package scheduler

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// registry is the single source of truth for task storage. It exclusively
// owns every Task from creation until the retention sweep removes it;
// callers only ever hold TaskIDs. Status, progress and statistics are
// atomics on the Task itself, so the registry mutex guards nothing but the
// map and is held only for short insert/lookup/sweep sections.
type registry struct {
	mu    sync.Mutex
	tasks map[TaskID]*Task
}

func newRegistry() *registry {
	return &registry{tasks: make(map[TaskID]*Task)}
}

func (r *registry) add(t *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.id] = t
}

func (r *registry) get(id TaskID) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	return t, ok
}

func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// snapshot returns the current tasks. The slice is fresh; the Tasks are the
// live objects, safe to inspect through their atomic accessors.
func (r *registry) snapshot() []*Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	return out
}

// sweep removes terminal tasks whose completion is older than retention and
// returns how many were removed.
func (r *registry) sweep(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, t := range r.tasks {
		if !t.Status().IsTerminal() {
			continue
		}
		completed := t.CompletedAt()
		if !completed.IsZero() && completed.Before(cutoff) {
			delete(r.tasks, id)
			removed++
		}
	}
	if removed > 0 {
		log.Debug().
			Int("removed", removed).
			Int("remaining", len(r.tasks)).
			Msg("Swept terminal tasks from registry")
	}
	return removed
}
