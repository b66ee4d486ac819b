package hookshim

import (
	"bytes"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/heaptrace/heaptrace/internal/logging"
	"github.com/heaptrace/heaptrace/internal/symresolve"
	"github.com/heaptrace/heaptrace/internal/tracker"
	"github.com/heaptrace/heaptrace/internal/trampoline/faketrampoline"
)

// recordingAllocator backs Malloc/Realloc with real Go heap memory (via
// byte slices kept alive in arenas) so the guard-writing and zeroing logic
// operates on addressable memory, and records every Free call.
type recordingAllocator struct {
	arenas [][]byte
	freed  []uintptr
}

func (r *recordingAllocator) Malloc(size uintptr) uintptr {
	buf := make([]byte, int(size))
	r.arenas = append(r.arenas, buf)
	if len(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&buf[0]))
}

func (r *recordingAllocator) Realloc(ptr uintptr, size uintptr) uintptr {
	// Always relocates, to exercise the Shim's "moved" path.
	return r.Malloc(size)
}

func (r *recordingAllocator) Free(ptr uintptr) {
	r.freed = append(r.freed, ptr)
}

func readByte(ptr uintptr, offset uintptr) byte {
	return *(*byte)(unsafe.Pointer(ptr + offset))
}

func newTestShim(t *testing.T, cfg tracker.Config) (*Shim, *recordingAllocator, *faketrampoline.Installer) {
	t.Helper()
	installer := faketrampoline.New(map[string]uintptr{
		"malloc": 0x1, "calloc": 0x2, "realloc": 0x3, "free": 0x4,
	})
	alloc := &recordingAllocator{}
	var sink bytes.Buffer
	tr := tracker.New(cfg, symresolve.New(), logging.NewSink(&sink), alloc.Free, func(string) {})
	shim := New(installer, tr, RealAllocator{Malloc: alloc.Malloc, Realloc: alloc.Realloc, Free: alloc.Free}, cfg.GuardLen, cfg.GuardByte)
	require.NoError(t, shim.Install())
	return shim, alloc, installer
}

func testConfig() tracker.Config {
	cfg := tracker.DefaultConfig()
	cfg.SlotCount = 64
	cfg.PoolCapacity = 8
	cfg.DelayMS = 60_000
	cfg.StatsMS = 60_000
	return cfg
}

func TestInstall_PatchesAllFourSymbols(t *testing.T) {
	shim, _, installer := newTestShim(t, testConfig())
	require.ElementsMatch(t, []string{"malloc", "calloc", "realloc", "free"}, installer.Patched)
	require.True(t, shim.active())
}

func TestOnMalloc_WritesGuardAndNormalizesZero(t *testing.T) {
	shim, _, _ := newTestShim(t, testConfig())

	ptr := shim.OnMalloc(0, 0)
	require.NotZero(t, ptr)
	for i := 0; i < shim.guardLen; i++ {
		require.Equal(t, shim.guardByte, readByte(ptr, uintptr(minMallocSize)+uintptr(i)))
	}
}

func TestOnCalloc_ZeroesThenWritesGuard(t *testing.T) {
	shim, alloc, _ := newTestShim(t, testConfig())
	_ = alloc

	ptr := shim.OnCalloc(4, 8, 0)
	require.NotZero(t, ptr)
	for i := uintptr(0); i < 32; i++ {
		require.Equal(t, byte(0), readByte(ptr, i))
	}
	for i := 0; i < shim.guardLen; i++ {
		require.Equal(t, shim.guardByte, readByte(ptr, 32+uintptr(i)))
	}
}

func TestOnRealloc_MovedUpdatesTrackerAndGuard(t *testing.T) {
	shim, _, _ := newTestShim(t, testConfig())

	first := shim.OnMalloc(8, 0)
	second := shim.OnRealloc(first, 64, 0)

	require.NotEqual(t, first, second)
	for i := 0; i < shim.guardLen; i++ {
		require.Equal(t, shim.guardByte, readByte(second, 64+uintptr(i)))
	}
}

func TestOnRealloc_NilPtrBehavesAsMalloc(t *testing.T) {
	shim, _, _ := newTestShim(t, testConfig())
	ptr := shim.OnRealloc(0, 16, 0)
	require.NotZero(t, ptr)
}

func TestOnRealloc_ZeroSizeBehavesAsFree(t *testing.T) {
	shim, alloc, _ := newTestShim(t, testConfig())
	ptr := shim.OnMalloc(16, 0)

	result := shim.OnRealloc(ptr, 0, 0)

	require.Zero(t, result)
	require.Empty(t, alloc.freed) // delayed-free: not freed immediately.
}

func TestOnFree_NilIsNoop(t *testing.T) {
	shim, alloc, _ := newTestShim(t, testConfig())
	shim.OnFree(0)
	require.Empty(t, alloc.freed)
}

func TestUninstall_DisablesAndUnpatches(t *testing.T) {
	shim, _, installer := newTestShim(t, testConfig())

	require.NoError(t, shim.Uninstall())

	require.False(t, shim.active())
	require.ElementsMatch(t, []string{"malloc", "calloc", "realloc", "free"}, installer.Unpatched)
}

func TestOnFree_AfterUninstall_ForwardsDirectlyToRealAllocator(t *testing.T) {
	shim, alloc, _ := newTestShim(t, testConfig())
	ptr := shim.OnMalloc(16, 0)
	require.NoError(t, shim.Uninstall())

	shim.OnFree(ptr)

	require.Contains(t, alloc.freed, ptr)
}
