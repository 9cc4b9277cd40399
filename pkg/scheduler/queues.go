package scheduler

import (
	"sync"
	"time"
)

// priorityQueues holds the five priority buckets. A single mutex guards all
// buckets; critical sections are short scans and splices. Within a bucket
// tasks keep insertion order, but eligibility scanning may return a later
// task when earlier ones are dependency-blocked — blocked tasks are skipped
// in place, never removed.
type priorityQueues struct {
	mu      sync.Mutex
	buckets [numPriorities][]*Task
}

func newPriorityQueues() *priorityQueues {
	return &priorityQueues{}
}

func (q *priorityQueues) push(p TaskPriority, t *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buckets[p] = append(q.buckets[p], t)
}

// remove splices t out of whichever bucket holds it and reports whether it
// was found.
func (q *priorityQueues) remove(t *Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for p := range q.buckets {
		for i, qt := range q.buckets[p] {
			if qt == t {
				q.buckets[p] = append(q.buckets[p][:i], q.buckets[p][i+1:]...)
				return true
			}
		}
	}
	return false
}

func (q *priorityQueues) depths() [numPriorities]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	var d [numPriorities]int
	for p := range q.buckets {
		d[p] = len(q.buckets[p])
	}
	return d
}

// claim scans Critical through Background for the first task accepted by
// eligible and successfully moved to Executing, removing it from its
// bucket. Entries whose status is no longer Queued are stale and dropped
// during the scan; the returned stale count lets the caller fix up the
// queued counter.
func (q *priorityQueues) claim(eligible func(*Task) bool) (claimed *Task, stale int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for p := range q.buckets {
		bucket := q.buckets[p]
		i := 0
		for i < len(bucket) {
			t := bucket[i]
			if t.Status() != StatusQueued {
				bucket = append(bucket[:i], bucket[i+1:]...)
				stale++
				continue
			}
			if !eligible(t) {
				i++
				continue
			}
			if !t.transition(StatusExecuting) {
				// Lost a race (e.g. concurrent cancel); drop the entry.
				bucket = append(bucket[:i], bucket[i+1:]...)
				stale++
				continue
			}
			// Stamping the start time under the queue mutex makes claim
			// order and start timestamps agree, so priority ordering is
			// observable through StartedAt.
			t.startedNs.Store(time.Now().UnixNano())
			bucket = append(bucket[:i], bucket[i+1:]...)
			q.buckets[p] = bucket
			return t, stale
		}
		q.buckets[p] = bucket
	}
	return nil, stale
}
