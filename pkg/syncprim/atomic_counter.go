// Package syncprim provides the synchronization primitives used across the
// taskgrid scheduler and parallel executor: a wait-free atomic counter, a
// reader-writer lock with upgrade/downgrade and timeout support, a
// level-ordered hierarchical lock, and a contention-adaptive hybrid lock.
package syncprim

import "sync/atomic"

// AtomicCounter is a minimal wait-free integer counter. It is the building
// block for the higher-level primitives and for scheduler statistics; none
// of its operations block.
//
// The zero value is ready to use with an initial value of 0.
type AtomicCounter struct {
	v atomic.Int64
}

// NewAtomicCounter returns a counter initialized to the given value.
func NewAtomicCounter(initial int64) *AtomicCounter {
	c := &AtomicCounter{}
	c.v.Store(initial)
	return c
}

// Get returns the current value.
func (c *AtomicCounter) Get() int64 {
	return c.v.Load()
}

// Set stores a new value.
func (c *AtomicCounter) Set(value int64) {
	c.v.Store(value)
}

// Increment adds one and returns the new value.
func (c *AtomicCounter) Increment() int64 {
	return c.v.Add(1)
}

// Decrement subtracts one and returns the new value.
func (c *AtomicCounter) Decrement() int64 {
	return c.v.Add(-1)
}

// Add adds delta and returns the new value.
func (c *AtomicCounter) Add(delta int64) int64 {
	return c.v.Add(delta)
}

// Exchange stores a new value and returns the previous one.
func (c *AtomicCounter) Exchange(value int64) int64 {
	return c.v.Swap(value)
}

// CompareExchange stores new only if the current value equals expected.
// It reports whether the exchange happened.
func (c *AtomicCounter) CompareExchange(expected, new int64) bool {
	return c.v.CompareAndSwap(expected, new)
}
