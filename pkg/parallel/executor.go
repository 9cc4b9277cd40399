// Package parallel provides a chunked parallel-for executor with
// mode-selected granularity, bounded work stealing, and a channel-based
// completion barrier. One Executor runs one loop at a time; concurrent
// invocations are rejected rather than queued.
package parallel

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/taskgrid/taskgrid/pkg/syncprim"
)

// Mode selects how an invocation is split across workers.
type Mode int

const (
	// Automatic parallelizes above the item threshold with a granularity
	// derived from the worker count.
	Automatic Mode = iota
	// ForceSequential runs the whole loop on the calling goroutine.
	ForceSequential
	// ForceParallel parallelizes regardless of the item threshold.
	ForceParallel
	// SIMDOptimized aligns chunk sizes to the architecture's vector lane
	// width so bodies compiled to vector instructions see full lanes.
	SIMDOptimized
	// CacheOptimized sizes chunks to roughly half an L2 cache using the
	// configured per-item size estimate.
	CacheOptimized
)

// String returns the human-readable mode name.
func (m Mode) String() string {
	switch m {
	case Automatic:
		return "automatic"
	case ForceSequential:
		return "sequential"
	case ForceParallel:
		return "parallel"
	case SIMDOptimized:
		return "simd"
	case CacheOptimized:
		return "cache"
	default:
		return "unknown"
	}
}

const (
	// minItemsPerThread is the per-worker floor below which parallel
	// dispatch costs more than it saves.
	minItemsPerThread = 64

	// minGranularity is the smallest automatic chunk size.
	minGranularity = 64

	// cacheChunkBytes approximates the working-set budget per chunk for
	// CacheOptimized, about half a typical L2.
	cacheChunkBytes = 256 * 1024

	// defaultItemSize is the per-item byte estimate when none is
	// configured.
	defaultItemSize = 64
)

// laneWidth returns the vector lane width assumed for SIMDOptimized
// chunk alignment on this architecture.
func laneWidth() int {
	switch runtime.GOARCH {
	case "amd64":
		return 8
	case "arm64":
		return 4
	default:
		return 1
	}
}

// IndexFunc is the per-index body of For.
type IndexFunc func(i int)

// RangeFunc is the per-chunk body of ForRange, covering [start, end).
type RangeFunc func(start, end int)

// Config controls Executor construction.
type Config struct {
	// Threads is the number of worker goroutines per invocation. <= 0
	// selects runtime.NumCPU().
	Threads int

	// ItemSize is the estimated bytes per item, used by CacheOptimized
	// granularity. <= 0 selects a 64-byte estimate.
	ItemSize int

	// StealAttempts bounds how many foreign chunks a worker tries to
	// steal after draining its own. <= 0 selects 2 x Threads.
	StealAttempts int
}

// chunk is one contiguous index span of an invocation. The owner field
// names the worker expected to run it; stealing CASes ownership before the
// claimed gate decides who actually executes it.
type chunk struct {
	start, end int

	owner   atomic.Int32
	claimed atomic.Bool
}

// Executor runs parallel-for loops. It is safe for concurrent use in the
// sense that overlapping invocations are detected and rejected; callers
// that need queued loops serialize externally.
type Executor struct {
	threads       int
	itemSize      int
	stealAttempts int

	// mu serializes the invocation body; inFlight provides the
	// non-blocking reject for overlapping calls.
	mu       sync.Mutex
	inFlight atomic.Bool

	cancelled atomic.Bool

	doneMu sync.Mutex
	done   chan struct{}

	invocations syncprim.AtomicCounter
	sequential  syncprim.AtomicCounter
	stolen      syncprim.AtomicCounter

	// completedChunks counts finished chunks of the in-flight invocation;
	// it is reset when a parallel run starts and is readable mid-flight.
	completedChunks syncprim.AtomicCounter
}

// New creates an Executor from cfg, applying defaults for zero fields.
func New(cfg Config) *Executor {
	if cfg.Threads <= 0 {
		cfg.Threads = runtime.NumCPU()
	}
	if cfg.ItemSize <= 0 {
		cfg.ItemSize = defaultItemSize
	}
	if cfg.StealAttempts <= 0 {
		cfg.StealAttempts = 2 * cfg.Threads
	}
	return &Executor{
		threads:       cfg.Threads,
		itemSize:      cfg.ItemSize,
		stealAttempts: cfg.StealAttempts,
	}
}

// Threads returns the worker count used for parallel invocations.
func (e *Executor) Threads() int { return e.threads }

// For runs fn for every index in [0, count) and reports whether the loop
// ran to completion. It returns false without running anything when count
// <= 0, fn is nil, or another invocation is in flight, and false when
// Cancel interrupted the loop or a body panicked.
func (e *Executor) For(count int, fn IndexFunc, mode Mode, granularity int) bool {
	if fn == nil {
		return false
	}
	return e.ForRange(count, func(start, end int) {
		for i := start; i < end; i++ {
			fn(i)
		}
	}, mode, granularity)
}

// ForRange is For with a chunk-level body invoked as fn(start, end) per
// chunk, for callers that amortize per-call overhead across a span.
func (e *Executor) ForRange(count int, fn RangeFunc, mode Mode, granularity int) bool {
	if count <= 0 || fn == nil {
		return false
	}
	if !e.inFlight.CompareAndSwap(false, true) {
		log.Debug().Int("count", count).Msg("Parallel invocation rejected, executor busy")
		return false
	}
	e.mu.Lock()
	defer func() {
		e.mu.Unlock()
		e.inFlight.Store(false)
	}()

	e.cancelled.Store(false)
	e.invocations.Increment()

	if mode == ForceSequential || (mode != ForceParallel && count < e.threshold()) {
		e.sequential.Increment()
		fn(0, count)
		return true
	}

	chunks := e.split(count, mode, granularity)
	return e.run(chunks, fn)
}

// Cancel requests cooperative cancellation of the in-flight invocation.
// Workers observe the flag between chunks; indices of already-started
// chunks still run.
func (e *Executor) Cancel() {
	e.cancelled.Store(true)
}

// Wait blocks until the in-flight invocation (if any) finishes or the
// timeout elapses. A timeout <= 0 waits indefinitely. Returns false only
// on timeout.
func (e *Executor) Wait(timeout time.Duration) bool {
	e.doneMu.Lock()
	done := e.done
	e.doneMu.Unlock()
	if done == nil || !e.inFlight.Load() {
		return true
	}
	if timeout <= 0 {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Invocations returns how many loops this executor has started.
func (e *Executor) Invocations() int64 { return e.invocations.Get() }

// SequentialRuns returns how many invocations fell below the parallel
// threshold or forced sequential execution.
func (e *Executor) SequentialRuns() int64 { return e.sequential.Get() }

// ChunksStolen returns how many chunks were executed by a worker other
// than their original owner.
func (e *Executor) ChunksStolen() int64 { return e.stolen.Get() }

// CompletedChunks returns how many chunks of the in-flight (or most
// recent) parallel invocation have finished.
func (e *Executor) CompletedChunks() int64 { return e.completedChunks.Get() }

// threshold is the minimum item count worth parallel dispatch.
func (e *Executor) threshold() int {
	t := e.threads * minItemsPerThread
	if t < minItemsPerThread {
		t = minItemsPerThread
	}
	return t
}

// granularityFor derives the chunk size for mode. An explicit granularity
// > 0 wins, except that SIMDOptimized still aligns it down to the lane
// width.
func (e *Executor) granularityFor(count int, mode Mode, granularity int) int {
	g := granularity
	if g <= 0 {
		switch mode {
		case CacheOptimized:
			g = cacheChunkBytes / e.itemSize
		default:
			g = count / (e.threads * 4)
		}
		if g < minGranularity {
			g = minGranularity
		}
	}
	if mode == SIMDOptimized {
		lane := laneWidth()
		if aligned := g - g%lane; aligned >= lane {
			g = aligned
		} else {
			g = lane
		}
	}
	if g < 1 {
		g = 1
	}
	return g
}

// split carves [0, count) into chunks of roughly the mode's granularity,
// capping the chunk count at 8 x threads and spreading the remainder so
// chunk sizes differ by at most one. Owners are assigned round-robin.
func (e *Executor) split(count int, mode Mode, granularity int) []*chunk {
	g := e.granularityFor(count, mode, granularity)

	n := (count + g - 1) / g
	if maxChunks := 8 * e.threads; n > maxChunks {
		n = maxChunks
	}
	if n < 1 {
		n = 1
	}

	base := count / n
	rem := count % n

	chunks := make([]*chunk, n)
	next := 0
	for i := 0; i < n; i++ {
		size := base
		if i < rem {
			size++
		}
		c := &chunk{start: next, end: next + size}
		c.owner.Store(int32(i % e.threads))
		chunks[i] = c
		next += size
	}
	return chunks
}

// run executes chunks on e.threads workers with bounded stealing and
// reports whether every chunk ran (false on cancellation or a panicking
// body). The claimed gate makes each chunk execute exactly once no matter
// how ownership moves.
func (e *Executor) run(chunks []*chunk, fn RangeFunc) bool {
	done := make(chan struct{})
	e.doneMu.Lock()
	e.done = done
	e.doneMu.Unlock()
	defer close(done)

	e.completedChunks.Set(0)

	var skipped atomic.Int64
	var panicked atomic.Bool
	var wg sync.WaitGroup

	runChunk := func(c *chunk, stolen bool) {
		if !c.claimed.CompareAndSwap(false, true) {
			return
		}
		defer e.completedChunks.Increment()
		if e.cancelled.Load() || panicked.Load() {
			skipped.Add(1)
			return
		}
		defer func() {
			if r := recover(); r != nil {
				panicked.Store(true)
				e.cancelled.Store(true)
				log.Error().
					Interface("panic", r).
					Int("start", c.start).
					Int("end", c.end).
					Msg("Recovered panic in parallel body, cancelling invocation")
			}
		}()
		if stolen {
			e.stolen.Increment()
		}
		fn(c.start, c.end)
	}

	for w := 0; w < e.threads; w++ {
		wg.Add(1)
		go func(worker int32) {
			defer wg.Done()

			// Own chunks first. The owner pass guarantees completeness:
			// every chunk has exactly one owner that will reach it.
			for _, c := range chunks {
				if c.owner.Load() == worker {
					runChunk(c, false)
				}
			}

			// Bounded stealing pass: take over chunks still owned by
			// slower workers.
			steals := 0
			for _, c := range chunks {
				if steals >= e.stealAttempts || e.cancelled.Load() {
					break
				}
				owner := c.owner.Load()
				if owner == worker || c.claimed.Load() {
					continue
				}
				if c.owner.CompareAndSwap(owner, worker) {
					steals++
					runChunk(c, true)
				}
			}
		}(int32(w))
	}

	wg.Wait()

	return !panicked.Load() && skipped.Load() == 0
}
