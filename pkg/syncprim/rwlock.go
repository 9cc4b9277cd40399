package syncprim

import (
	"runtime"
	"sync/atomic"
	"time"
)

// ReaderWriterLock is a multiple-reader/single-writer lock with writer
// starvation avoidance, upgrade/downgrade between read and write mode, and
// timeout support on both acquisition paths.
//
// Readers use a double-check pattern: they increment the reader count and
// then verify no writer became active in the meantime, rolling back and
// retrying otherwise. Writers claim a single-writer flag via compare-and-swap
// and then wait for the reader count to drain; if draining times out the
// writer releases the flag before retrying so it never blocks readers while
// parked.
//
// Like sync.RWMutex, the lock never owns the data it protects.
type ReaderWriterLock struct {
	readers      atomic.Int32
	writerActive atomic.Bool

	// Contention statistics, readable without holding the lock.
	readContentions  AtomicCounter
	writeContentions AtomicCounter
}

// NewReaderWriterLock returns an unlocked ReaderWriterLock.
func NewReaderWriterLock() *ReaderWriterLock {
	return &ReaderWriterLock{}
}

// RLock acquires the lock in read mode, blocking until no writer is active.
func (l *ReaderWriterLock) RLock() {
	l.rlock(time.Time{})
}

// RLockTimeout acquires the lock in read mode, giving up after timeout.
// It reports whether the lock was acquired; on false no lock is held.
func (l *ReaderWriterLock) RLockTimeout(timeout time.Duration) bool {
	return l.rlock(time.Now().Add(timeout))
}

func (l *ReaderWriterLock) rlock(deadline time.Time) bool {
	for spins := 0; ; spins++ {
		if !l.writerActive.Load() {
			l.readers.Add(1)
			if !l.writerActive.Load() {
				return true
			}
			// A writer claimed the flag between the check and the
			// increment; roll back and retry.
			l.readers.Add(-1)
		}
		l.readContentions.Increment()
		if !deadline.IsZero() && time.Now().After(deadline) {
			return false
		}
		backoff(spins)
	}
}

// RUnlock releases a read-mode acquisition.
func (l *ReaderWriterLock) RUnlock() {
	l.readers.Add(-1)
}

// Lock acquires the lock in write mode, blocking until it is the sole holder.
func (l *ReaderWriterLock) Lock() {
	l.lock(time.Time{})
}

// LockTimeout acquires the lock in write mode, giving up after timeout.
// It reports whether the lock was acquired; on false no lock is held.
func (l *ReaderWriterLock) LockTimeout(timeout time.Duration) bool {
	return l.lock(time.Now().Add(timeout))
}

func (l *ReaderWriterLock) lock(deadline time.Time) bool {
	for spins := 0; ; spins++ {
		if l.writerActive.CompareAndSwap(false, true) {
			if l.drainReaders(deadline) {
				return true
			}
			// Could not drain in time. Release the writer flag so
			// readers make progress, then report failure.
			l.writerActive.Store(false)
			return false
		}
		l.writeContentions.Increment()
		if !deadline.IsZero() && time.Now().After(deadline) {
			return false
		}
		backoff(spins)
	}
}

// drainReaders waits for the reader count to reach zero while the caller
// holds the writer flag.
func (l *ReaderWriterLock) drainReaders(deadline time.Time) bool {
	for spins := 0; l.readers.Load() > 0; spins++ {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return false
		}
		backoff(spins)
	}
	return true
}

// Unlock releases a write-mode acquisition.
func (l *ReaderWriterLock) Unlock() {
	l.writerActive.Store(false)
}

// TryUpgrade attempts to convert a read-mode acquisition into write mode.
// The upgrade only succeeds when the caller is the sole reader. On failure
// the read lock is retained (re-acquired if a competing writer forced the
// caller out momentarily) and false is returned.
func (l *ReaderWriterLock) TryUpgrade() bool {
	if !l.readers.CompareAndSwap(1, 0) {
		return false
	}
	if l.writerActive.CompareAndSwap(false, true) {
		return true
	}
	// Another writer won the race; fall back to reader status.
	l.rlock(time.Time{})
	return false
}

// Downgrade converts a write-mode acquisition into read mode without letting
// another writer slip in between.
func (l *ReaderWriterLock) Downgrade() {
	// Register as a reader before dropping the writer flag: while the flag
	// is still held no competing writer can claim the lock, and incoming
	// readers retry on their double-check until the flag clears.
	l.readers.Add(1)
	l.writerActive.Store(false)
}

// ReaderCount returns the current number of read-mode holders.
func (l *ReaderWriterLock) ReaderCount() int32 {
	return l.readers.Load()
}

// WriterActive reports whether a writer currently holds (or is draining
// readers to hold) the lock.
func (l *ReaderWriterLock) WriterActive() bool {
	return l.writerActive.Load()
}

// Contentions returns the number of contended read and write acquisition
// attempts observed so far.
func (l *ReaderWriterLock) Contentions() (reads, writes int64) {
	return l.readContentions.Get(), l.writeContentions.Get()
}

// backoff yields progressively harder: pure scheduling yields first, then
// short sleeps once the spin count suggests sustained contention.
func backoff(spins int) {
	if spins < 16 {
		runtime.Gosched()
		return
	}
	time.Sleep(20 * time.Microsecond)
}
