package tracker

import (
	"bytes"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/heaptrace/heaptrace/internal/logging"
	"github.com/heaptrace/heaptrace/internal/stackwalk"
	"github.com/heaptrace/heaptrace/internal/symresolve"
)

// harness wires a Tracker to an in-process byte-slice "heap" so that OnFree
// / tail-guard tests can operate on real, addressable memory instead of
// synthetic pointers, and records fatal() calls instead of aborting.
type harness struct {
	t        *Tracker
	sink     bytes.Buffer
	mu       sync.Mutex
	fatals   []string
	freed    []uintptr
	arenas   [][]byte // kept alive so GC doesn't reclaim while pointers are live
}

func newHarness(cfg Config) *harness {
	h := &harness{}
	resolver := symresolve.New()
	sink := logging.NewSink(&h.sink)
	h.t = New(cfg, resolver, sink, h.realFree, h.fatal)
	return h
}

func (h *harness) realFree(ptr uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.freed = append(h.freed, ptr)
}

func (h *harness) fatal(msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fatals = append(h.fatals, msg)
}

// alloc returns a byte slice of size+guardLen, with the guard region
// prefilled, and the uintptr of its start — standing in for a real malloc
// return value with room for the tail guard the spec places just past the
// payload.
func (h *harness) alloc(size int, guardLen int, guardByte byte) (uintptr, []byte) {
	buf := make([]byte, size+guardLen)
	for i := size; i < len(buf); i++ {
		buf[i] = guardByte
	}
	h.arenas = append(h.arenas, buf)
	return uintptr(unsafe.Pointer(&buf[0])), buf
}

func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.SlotCount = 64
	cfg.PoolCapacity = 4
	cfg.DelayMS = 0
	cfg.StatsMS = 0
	cfg.Walker = stackwalk.KindSafe
	return cfg
}

func TestOnAlloc_ThenOnFree_RoundTrip(t *testing.T) {
	h := newHarness(smallConfig())
	ptr, _ := h.alloc(32, h.t.cfg.GuardLen, h.t.cfg.GuardByte)

	h.t.OnAlloc(ptr, 32, 0, 0)
	stats := h.t.Stats()
	require.Equal(t, uint64(1), stats.CurrentBlocks)
	require.Equal(t, uint64(32), stats.CurrentBytes)

	h.t.OnFree(ptr)
	stats = h.t.Stats()
	require.Equal(t, uint64(0), stats.CurrentBlocks)
	require.Equal(t, uint64(1), stats.DelayedBlocks)

	// DelayMS is 0, so the next operation drains it immediately.
	other, _ := h.alloc(8, h.t.cfg.GuardLen, h.t.cfg.GuardByte)
	h.t.OnAlloc(other, 8, 0, 0)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Contains(t, h.freed, ptr)
	require.Empty(t, h.fatals)
}

func TestOnRealloc_InPlace(t *testing.T) {
	h := newHarness(smallConfig())
	ptr, _ := h.alloc(64, 0, 0)
	h.t.OnAlloc(ptr, 16, 0, 0)

	h.t.OnRealloc(ptr, ptr, 48, 0, 0)

	stats := h.t.Stats()
	require.Equal(t, uint64(1), stats.CurrentBlocks)
	require.Equal(t, uint64(48), stats.CurrentBytes)
}

func TestOnRealloc_Moved(t *testing.T) {
	h := newHarness(smallConfig())
	oldPtr, _ := h.alloc(16, 0, 0)
	newPtr, _ := h.alloc(64, 0, 0)

	h.t.OnAlloc(oldPtr, 16, 0, 0)
	h.t.OnRealloc(oldPtr, newPtr, 64, 0, 0)

	stats := h.t.Stats()
	require.Equal(t, uint64(1), stats.CurrentBlocks)
	require.Equal(t, uint64(64), stats.CurrentBytes)

	// oldPtr must no longer be tracked as live: freeing it again should be
	// reported as an untracked free, not found in the index.
	h.t.OnFree(oldPtr)
	stats = h.t.Stats()
	require.Equal(t, uint64(1), stats.UntrackedFrees)
}

func TestOnFree_DoubleFree_IsFatal(t *testing.T) {
	cfg := smallConfig()
	cfg.DelayMS = 60_000 // keep the freed entry pending, not drained.
	h := newHarness(cfg)
	ptr, _ := h.alloc(16, cfg.GuardLen, cfg.GuardByte)

	h.t.OnAlloc(ptr, 16, 0, 0)
	h.t.OnFree(ptr)
	h.t.OnFree(ptr)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.fatals, 1)
	require.Contains(t, h.fatals[0], "double free")
}

func TestOnFree_UntrackedPointer_IncrementsCounter(t *testing.T) {
	h := newHarness(smallConfig())
	foreign := uintptr(0xdeadbeef)

	h.t.OnFree(foreign)

	stats := h.t.Stats()
	require.Equal(t, uint64(1), stats.UntrackedFrees)
	h.mu.Lock()
	defer h.mu.Unlock()
	require.Contains(t, h.freed, foreign)
}

func TestDrain_GuardCorruption_IsFatal(t *testing.T) {
	cfg := smallConfig()
	h := newHarness(cfg)
	ptr, buf := h.alloc(16, cfg.GuardLen, cfg.GuardByte)
	// Corrupt the guard region: an overrun of the 16-byte payload.
	buf[16] = 0x00

	h.t.OnAlloc(ptr, 16, 0, 0)
	h.t.OnFree(ptr)

	// DelayMS is 0: the next tracker call drains the pending entry and
	// discovers the corrupted guard.
	other, _ := h.alloc(8, cfg.GuardLen, cfg.GuardByte)
	h.t.OnAlloc(other, 8, 0, 0)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.fatals, 1)
	require.Contains(t, h.fatals[0], "tail guard corruption")
}

func TestPoolExhaustion_AllocationsBecomeUntracked(t *testing.T) {
	cfg := smallConfig()
	cfg.PoolCapacity = 2
	cfg.DelayMS = 60_000 // force drain must not find a due entry to drain normally.
	h := newHarness(cfg)

	p1, _ := h.alloc(8, 0, 0)
	p2, _ := h.alloc(8, 0, 0)
	p3, _ := h.alloc(8, cfg.GuardLen, cfg.GuardByte)

	h.t.OnAlloc(p1, 8, 0, 0)
	h.t.OnAlloc(p2, 8, 0, 0)
	stats := h.t.Stats()
	require.Equal(t, uint64(2), stats.CurrentBlocks)

	// Third allocation: pool is full, force-drain finds nothing evictable
	// (nothing freed yet), so it proceeds untracked — a later free of p3
	// must show up as untracked, not found.
	h.t.OnAlloc(p3, 8, 0, 0)
	h.t.OnFree(p3)

	stats = h.t.Stats()
	require.Equal(t, uint64(1), stats.UntrackedFrees)
}

func TestOnShutdown_ReportsLeaksAndDrainsPending(t *testing.T) {
	cfg := smallConfig()
	cfg.DelayMS = 60_000
	h := newHarness(cfg)

	leaked, _ := h.alloc(24, 0, 0)
	freedLate, _ := h.alloc(8, cfg.GuardLen, cfg.GuardByte)

	h.t.OnAlloc(leaked, 24, 0, 0)
	h.t.OnAlloc(freedLate, 8, 0, 0)
	h.t.OnFree(freedLate)

	h.t.OnShutdown()

	require.Contains(t, h.sink.String(), "heap_leak(00001)")
	h.mu.Lock()
	defer h.mu.Unlock()
	require.Contains(t, h.freed, freedLate)
}

func TestOnShutdown_IsIdempotent(t *testing.T) {
	h := newHarness(smallConfig())
	ptr, _ := h.alloc(8, 0, 0)
	h.t.OnAlloc(ptr, 8, 0, 0)

	h.t.OnShutdown()
	firstLen := h.sink.Len()
	h.t.OnShutdown()

	require.Equal(t, firstLen, h.sink.Len())
}

func TestHash_StaysWithinBounds(t *testing.T) {
	h := newHarness(smallConfig())
	for _, ptr := range []uintptr{0, 1, 0xffffffff, 0xffffffffffffffff} {
		idx := h.t.hash(ptr)
		require.GreaterOrEqual(t, idx, 0)
		require.Less(t, idx, len(h.t.index))
	}
}
