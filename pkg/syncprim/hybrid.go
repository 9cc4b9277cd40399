package syncprim

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// DefaultContentionThreshold is the number of failed immediate spin
// acquisitions after which a HybridLock routes through its blocking mutex.
const DefaultContentionThreshold = 1000

// HybridLock starts life as a spin lock and permanently switches to a
// blocking mutex once observed contention crosses a threshold. Spinning is
// cheap while critical sections are short and uncontended; under sustained
// contention it burns CPU, so the lock trades spin overhead for wait
// efficiency instead.
//
// The switch is one-way until ResetContention is called.
type HybridLock struct {
	threshold int64

	spinHeld   atomic.Bool
	blocking   atomic.Bool
	contention atomic.Int64

	mu sync.Mutex

	// viaMutex records which path the current holder took; it is written
	// and read only while the lock is held.
	viaMutex atomic.Bool
}

// NewHybridLock creates a HybridLock that switches to blocking mode after
// threshold failed immediate acquisitions. A threshold <= 0 uses
// DefaultContentionThreshold.
func NewHybridLock(threshold int64) *HybridLock {
	if threshold <= 0 {
		threshold = DefaultContentionThreshold
	}
	return &HybridLock{threshold: threshold}
}

// Lock acquires the lock, spinning or blocking according to the current mode.
func (h *HybridLock) Lock() {
	for spins := 0; ; spins++ {
		if h.blocking.Load() {
			h.mu.Lock()
			// A holder that entered through the spin path before the
			// switch may still be inside its critical section; wait
			// for it to drain so exclusivity spans both modes.
			for s := 0; h.spinHeld.Load(); s++ {
				backoff(s)
			}
			h.viaMutex.Store(true)
			return
		}
		if h.spinHeld.CompareAndSwap(false, true) {
			if h.blocking.Load() {
				// The mode switched beneath us and a mutex waiter may
				// already hold the lock; yield to the mutex path.
				h.spinHeld.Store(false)
				continue
			}
			h.viaMutex.Store(false)
			return
		}
		if n := h.contention.Add(1); n >= h.threshold {
			if h.blocking.CompareAndSwap(false, true) {
				log.Debug().
					Int64("threshold", h.threshold).
					Msg("Hybrid lock switched to blocking mode")
			}
		}
		backoff(spins)
	}
}

// TryLock attempts a single immediate acquisition and reports success.
// Failed attempts count toward the contention threshold.
func (h *HybridLock) TryLock() bool {
	if h.blocking.Load() {
		if !h.mu.TryLock() {
			h.contention.Add(1)
			return false
		}
		if h.spinHeld.Load() {
			// A holder from before the mode switch is still inside its
			// critical section; a try-acquire must not wait it out.
			h.mu.Unlock()
			h.contention.Add(1)
			return false
		}
		h.viaMutex.Store(true)
		return true
	}
	if h.spinHeld.CompareAndSwap(false, true) {
		if h.blocking.Load() {
			h.spinHeld.Store(false)
			h.contention.Add(1)
			return false
		}
		h.viaMutex.Store(false)
		return true
	}
	if n := h.contention.Add(1); n >= h.threshold {
		h.blocking.Store(true)
	}
	return false
}

// Unlock releases the lock through whichever path the holder acquired it.
func (h *HybridLock) Unlock() {
	if h.viaMutex.Load() {
		h.mu.Unlock()
		return
	}
	h.spinHeld.Store(false)
	if h.blocking.Load() {
		// Mode flipped while we held the spin flag; give waiters parked
		// on the mutex a chance to observe the drained flag promptly.
		runtime.Gosched()
	}
}

// InBlockingMode reports whether the lock has switched to its mutex path.
func (h *HybridLock) InBlockingMode() bool {
	return h.blocking.Load()
}

// ContentionCount returns the number of failed immediate acquisitions
// observed since creation or the last reset.
func (h *HybridLock) ContentionCount() int64 {
	return h.contention.Load()
}

// ResetContention clears the contention counter and returns the lock to
// spin mode. It must only be called while the lock is not held.
func (h *HybridLock) ResetContention() {
	h.contention.Store(0)
	h.blocking.Store(false)
}
