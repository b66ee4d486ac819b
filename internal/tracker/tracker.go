// Package tracker implements the Tracker of spec.md §4.E, the behavioral
// heart of the system: an index from live pointer to metadata, a
// delayed-free queue, leak/corruption reporting, and the counters of
// spec.md §3.
package tracker

import (
	"bytes"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sync/singleflight"

	"github.com/heaptrace/heaptrace/internal/blockpool"
	"github.com/heaptrace/heaptrace/internal/logging"
	"github.com/heaptrace/heaptrace/internal/stackwalk"
	"github.com/heaptrace/heaptrace/internal/symresolve"
)

// Counters is a point-in-time snapshot of spec.md §3's Counters.
type Counters struct {
	CurrentBlocks  uint64
	CurrentBytes   uint64
	MaxBlocks      uint64
	MaxBytes       uint64
	DelayedBlocks  uint64
	DelayedBytes   uint64
	UntrackedFrees uint64
}

// Tracker is the hash index + delayed-free FIFO + counters described by
// spec.md §4.E. All exported methods are safe for concurrent use; every
// one of them except the atomic Enabled/SetEnabled flag accessors takes the
// same mutex, matching spec.md §5's single process-wide critical section.
type Tracker struct {
	cfg      Config
	resolver *symresolve.Resolver
	sink     *logging.Sink
	realFree func(uintptr)
	fatal    func(string)

	mu       sync.Mutex
	pool     *blockpool.Pool
	index    []int32
	fifoHead int32
	fifoTail int32
	counters Counters
	leakSeq  int

	enabled      atomic.Bool
	start        time.Time
	lastStatsMS  int64
	shutdownOnce singleflight.Group
	shutdownDone bool
}

// New builds a Tracker. realFree is the only way the Tracker touches the
// real allocator — it is the "underlying real allocator, accessed only via
// the captured original function pointers" collaborator spec.md §1 places
// out of scope; the Hook Shim supplies it. fatal is invoked (with a fully
// formatted report) on tail-guard corruption or double-free; production
// code wires it to sink.Fatal, tests wire it to a recorder.
func New(cfg Config, resolver *symresolve.Resolver, sink *logging.Sink, realFree func(uintptr), fatal func(string)) *Tracker {
	t := &Tracker{
		cfg:      cfg,
		resolver: resolver,
		sink:     sink,
		realFree: realFree,
		fatal:    fatal,
		pool:     blockpool.New(cfg.PoolCapacity),
		index:    make([]int32, cfg.SlotCount),
		fifoHead: blockpool.NoSlot,
		fifoTail: blockpool.NoSlot,
		start:    time.Now(),
	}
	for i := range t.index {
		t.index[i] = blockpool.NoSlot
	}
	t.enabled.Store(true)
	return t
}

// Enabled reports whether the Tracker should be consulted. The Hook Shim
// checks this before calling into the Tracker at all; the Tracker itself
// clears it while emitting a report so that any allocation performed by
// printing or symbolication is not recursively tracked (spec.md §5's
// reentrancy handling).
func (t *Tracker) Enabled() bool {
	return t.enabled.Load()
}

// SetEnabled is called by the Hook Shim at install/uninstall time.
func (t *Tracker) SetEnabled(v bool) {
	t.enabled.Store(v)
}

func (t *Tracker) nowMillis() int64 {
	return time.Since(t.start).Milliseconds()
}

func (t *Tracker) hash(ptr uintptr) int {
	return int((uint64(ptr) >> 12) % uint64(len(t.index)))
}

// OnAlloc records a new allocation. capturedFP is the frame pointer
// captured at hook entry (used only when cfg.Walker is KindFast); skip is
// the number of stackwalk-internal frames to exclude when cfg.Walker is
// KindSafe. Pool exhaustion and a null stack capture are both silent: the
// allocation proceeds, untracked.
func (t *Tracker) OnAlloc(ptr uintptr, length uint64, capturedFP uintptr, skip int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onAllocLocked(ptr, length, capturedFP, skip+1)
}

func (t *Tracker) onAllocLocked(ptr uintptr, length uint64, capturedFP uintptr, skip int) {
	t.drainLocked(false)

	slot, ok := t.pool.Acquire()
	if !ok {
		t.drainLocked(true)
		slot, ok = t.pool.Acquire()
		if !ok {
			return // pool exhausted twice over: allocation remains untracked.
		}
	}

	b := t.pool.Block(slot)
	b.Start = ptr
	b.Length = length
	frames := stackwalk.Walk(t.cfg.Walker, 16, capturedFP, skip+1)
	b.Stack.Fill(frames)

	h := t.hash(ptr)
	b.Next = t.index[h]
	t.index[h] = slot

	t.counters.CurrentBlocks++
	t.counters.CurrentBytes += length
	if t.counters.CurrentBlocks > t.counters.MaxBlocks {
		t.counters.MaxBlocks = t.counters.CurrentBlocks
	}
	if t.counters.CurrentBytes > t.counters.MaxBytes {
		t.counters.MaxBytes = t.counters.CurrentBytes
	}

	t.maybeEmitStatsLocked(false)
}

// OnRealloc records a realloc. See spec.md §4.E for the in-place/moved/
// untracked-old cases.
func (t *Tracker) OnRealloc(oldPtr, newPtr uintptr, newLength uint64, capturedFP uintptr, skip int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.drainLocked(false)

	slot, found := t.findInIndex(oldPtr)

	if found && oldPtr == newPtr {
		b := t.pool.Block(slot)
		delta := int64(newLength) - int64(b.Length)
		b.Length = newLength
		t.counters.CurrentBytes = uint64(int64(t.counters.CurrentBytes) + delta)
		if t.counters.CurrentBytes > t.counters.MaxBytes {
			t.counters.MaxBytes = t.counters.CurrentBytes
		}
		t.maybeEmitStatsLocked(false)
		return
	}

	if found {
		t.detachIndex(oldPtr)
		b := t.pool.Block(slot)
		t.counters.CurrentBlocks--
		t.counters.CurrentBytes -= b.Length
		t.pool.Release(slot)
	}

	// Moved (or old was a foreign pointer): treat as a fresh allocation.
	t.onAllocLocked(newPtr, newLength, capturedFP, skip+1)
}

// OnFree records a free. See spec.md §4.E for the found/pending/foreign
// cases. A double-free (ptr found in the Pending FIFO) and a tail-guard
// corruption discovered by drain are both fatal: they report and then call
// fatal, which production code wires to abort the process.
func (t *Tracker) OnFree(ptr uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.drainLocked(false)

	if slot, ok := t.detachIndex(ptr); ok {
		b := t.pool.Block(slot)
		b.FreedAt = t.nowMillis()
		t.enqueueFIFO(slot)
		t.counters.CurrentBlocks--
		t.counters.CurrentBytes -= b.Length
		t.counters.DelayedBlocks++
		t.counters.DelayedBytes += b.Length
		return
	}

	if slot, ok := t.findInFIFO(ptr); ok {
		t.reportCorruptionLocked(t.pool.Block(slot), "double free")
		return
	}

	t.counters.UntrackedFrees++
	t.realFree(ptr)
}

func (t *Tracker) findInIndex(ptr uintptr) (int32, bool) {
	cur := t.index[t.hash(ptr)]
	for cur != blockpool.NoSlot {
		b := t.pool.Block(cur)
		if b.Start == ptr {
			return cur, true
		}
		cur = b.Next
	}
	return blockpool.NoSlot, false
}

// detachIndex removes the chain entry for ptr, if any, and returns its
// slot.
func (t *Tracker) detachIndex(ptr uintptr) (int32, bool) {
	h := t.hash(ptr)
	prev := blockpool.NoSlot
	cur := t.index[h]
	for cur != blockpool.NoSlot {
		b := t.pool.Block(cur)
		if b.Start == ptr {
			if prev == blockpool.NoSlot {
				t.index[h] = b.Next
			} else {
				t.pool.Block(prev).Next = b.Next
			}
			return cur, true
		}
		prev = cur
		cur = b.Next
	}
	return blockpool.NoSlot, false
}

func (t *Tracker) enqueueFIFO(slot int32) {
	b := t.pool.Block(slot)
	b.Next = blockpool.NoSlot
	if t.fifoTail == blockpool.NoSlot {
		t.fifoHead, t.fifoTail = slot, slot
		return
	}
	t.pool.Block(t.fifoTail).Next = slot
	t.fifoTail = slot
}

func (t *Tracker) findInFIFO(ptr uintptr) (int32, bool) {
	cur := t.fifoHead
	for cur != blockpool.NoSlot {
		b := t.pool.Block(cur)
		if b.Start == ptr {
			return cur, true
		}
		cur = b.Next
	}
	return blockpool.NoSlot, false
}

// drainLocked drains delayed-free entries whose dwell has elapsed. When
// force is true, the head entry is drained unconditionally even if its
// dwell has not elapsed — used on pool exhaustion (one entry) and,
// repeatedly, at shutdown (until the FIFO is empty). Must be called with
// mu held.
func (t *Tracker) drainLocked(force bool) {
	first := true
	for t.fifoHead != blockpool.NoSlot {
		slot := t.fifoHead
		b := t.pool.Block(slot)
		due := t.nowMillis()-b.FreedAt >= t.cfg.DelayMS
		if !due && !(force && first) {
			return
		}
		first = false

		t.fifoHead = b.Next
		if t.fifoHead == blockpool.NoSlot {
			t.fifoTail = blockpool.NoSlot
		}

		if !t.validateGuard(b) {
			t.reportCorruptionLocked(b, "tail guard corruption")
			return
		}

		t.realFree(b.Start)
		t.counters.DelayedBlocks--
		t.counters.DelayedBytes -= b.Length
		t.pool.Release(slot)
	}
}

// validateGuard reads GuardLen bytes at start+length and checks every byte
// equals GuardByte. A recover guards against a block whose memory was
// already released out from under the tracker (should not happen, but a
// wild read here must not crash the host any more than a wild frame
// pointer should in internal/frameptr). SetPanicOnFault turns a fault at
// an unmapped address into that recoverable panic instead of a fatal
// runtime error.
func (t *Tracker) validateGuard(b *blockpool.Block) (ok bool) {
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	base := b.Start + uintptr(b.Length)
	guard := unsafe.Slice((*byte)(unsafe.Pointer(base)), t.cfg.GuardLen)
	for _, c := range guard {
		if c != t.cfg.GuardByte {
			return false
		}
	}
	return true
}

func (t *Tracker) reportCorruptionLocked(b *blockpool.Block, kind string) {
	was := t.enabled.Swap(false)
	defer t.enabled.Store(was)

	var buf bytes.Buffer
	b.Stack.Dump(&buf, t.resolver, t.cfg.ShowInternalFrames, t.cfg.InternalFileFilters)
	t.fatal(fmt.Sprintf("report_heap_corruption (%s) at 0x%x\n%s", kind, b.Start, buf.String()))
}

// OnShutdown force-drains the FIFO until empty, emits every surviving Live
// record as a leak, and emits a final stats snapshot. A singleflight.Group
// collapses a racing pair of shutdown triggers into one execution, and every
// call after the first completed one is a no-op.
func (t *Tracker) OnShutdown() {
	_, _, _ = t.shutdownOnce.Do("shutdown", func() (interface{}, error) {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.shutdownDone {
			return nil, nil
		}
		t.shutdownDone = true

		for t.fifoHead != blockpool.NoSlot {
			t.drainLocked(true)
		}

		was := t.enabled.Swap(false)
		defer t.enabled.Store(was)

		t.leakSeq = 0
		for _, head := range t.index {
			for cur := head; cur != blockpool.NoSlot; {
				b := t.pool.Block(cur)
				t.leakSeq++
				var buf bytes.Buffer
				b.Stack.Dump(&buf, t.resolver, t.cfg.ShowInternalFrames, t.cfg.InternalFileFilters)
				t.sink.Line("%s\n%s", logging.LeakHeader(t.leakSeq, b.Start, b.Length), buf.String())
				cur = b.Next
			}
		}

		t.maybeEmitStatsLocked(true)
		return nil, nil
	})
}

// maybeEmitStatsLocked emits a counters snapshot at most every StatsMS, or
// unconditionally when force is true. Must be called with mu held.
func (t *Tracker) maybeEmitStatsLocked(force bool) {
	now := t.nowMillis()
	if !force && now-t.lastStatsMS < t.cfg.StatsMS {
		return
	}
	t.lastStatsMS = now

	was := t.enabled.Swap(false)
	defer t.enabled.Store(was)

	c := t.counters
	toKiB := func(n uint64) uint64 { return n / 1024 }
	for _, line := range logging.StatsLines(
		c.UntrackedFrees, c.DelayedBlocks, toKiB(c.DelayedBytes),
		c.CurrentBlocks, toKiB(c.CurrentBytes), c.MaxBlocks, toKiB(c.MaxBytes),
	) {
		t.sink.Line("%s", line)
	}
}

// Stats returns a snapshot of the Tracker's counters.
func (t *Tracker) Stats() Counters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters
}

// Drain proactively drains delayed-free entries whose dwell has elapsed,
// without waiting for the next hook call to do it as a side effect. The
// Guard's background ticker goroutine calls this periodically.
func (t *Tracker) Drain() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.drainLocked(false)
}
