package syncprim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrHierarchyViolation is returned when acquiring a HierarchicalLock would
// break the ascending level order on the calling goroutine.
var ErrHierarchyViolation = errors.New("lock hierarchy violation")

// HierarchyContext carries the per-goroutine lock-ordering state: the highest
// level currently held and the stack of held hierarchical locks. Go offers no
// thread-local storage, so each goroutine that acquires hierarchical locks
// owns exactly one HierarchyContext and passes it to Acquire/Release.
// A HierarchyContext must never be shared between goroutines.
type HierarchyContext struct {
	name string
	held []heldLock
}

type heldLock struct {
	lock      *HierarchicalLock
	recursion int
}

// NewHierarchyContext returns an empty per-goroutine ordering context.
// The name shows up in violation diagnostics.
func NewHierarchyContext(name string) *HierarchyContext {
	return &HierarchyContext{name: name}
}

// Watermark returns the highest lock level currently held, or -1 when no
// hierarchical lock is held.
func (hc *HierarchyContext) Watermark() int {
	if len(hc.held) == 0 {
		return -1
	}
	return hc.held[len(hc.held)-1].lock.level
}

func (hc *HierarchyContext) top() *heldLock {
	if len(hc.held) == 0 {
		return nil
	}
	return &hc.held[len(hc.held)-1]
}

// HierarchicalLock is a mutex tagged with an immutable numeric level. A
// goroutine may only acquire locks in strictly ascending level order;
// acquisitions that would violate the order are refused synchronously
// instead of blocking, which makes lock-order deadlocks structurally
// impossible. The lock is re-entrant for its current owner.
type HierarchicalLock struct {
	level      int
	name       string
	mu         sync.Mutex
	violations AtomicCounter
}

// NewHierarchicalLock creates a lock at the given level. The name is used
// only for diagnostics.
func NewHierarchicalLock(level int, name string) *HierarchicalLock {
	return &HierarchicalLock{level: level, name: name}
}

// Level returns the immutable hierarchy level.
func (l *HierarchicalLock) Level() int {
	return l.level
}

// Acquire locks l on behalf of the goroutine that owns hc. Re-entrant
// acquisition by the current owner succeeds without touching the mutex.
// Acquiring a level at or below hc's watermark returns
// ErrHierarchyViolation and leaves the lock untouched.
func (l *HierarchicalLock) Acquire(hc *HierarchyContext) error {
	if top := hc.top(); top != nil {
		if top.lock == l {
			top.recursion++
			return nil
		}
		if l.level <= top.lock.level {
			l.violations.Increment()
			log.Warn().
				Str("context", hc.name).
				Str("lock", l.name).
				Int("level", l.level).
				Int("held_level", top.lock.level).
				Msg("Lock hierarchy violation refused")
			return fmt.Errorf("%w: level %d requested while holding level %d",
				ErrHierarchyViolation, l.level, top.lock.level)
		}
	}

	l.mu.Lock()
	hc.held = append(hc.held, heldLock{lock: l, recursion: 1})
	return nil
}

// Release unlocks l for the goroutine that owns hc. Releases must be
// strictly nested: only the most recently acquired lock may be released.
func (l *HierarchicalLock) Release(hc *HierarchyContext) error {
	top := hc.top()
	if top == nil || top.lock != l {
		return fmt.Errorf("release of %s does not match acquisition order", l.name)
	}
	top.recursion--
	if top.recursion > 0 {
		return nil
	}
	hc.held = hc.held[:len(hc.held)-1]
	l.mu.Unlock()
	return nil
}

// Violations returns how many acquisitions were refused for breaking the
// hierarchy.
func (l *HierarchicalLock) Violations() int64 {
	return l.violations.Get()
}
