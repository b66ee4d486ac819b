// Package hookshim implements the Hook Shim of spec.md §4.F: the
// interposition layer that sits between the host process's allocation
// call sites and the real allocator, writing the tail guard, capturing the
// caller's frame pointer, and delegating bookkeeping to internal/tracker.
//
// Per SPEC_FULL.md §0, literal libc prologue patching is out of scope
// (internal/trampoline names that boundary); this package calls the real
// allocator through an injected RealAllocator instead of a raw saved
// function pointer, since invoking a bare uintptr as code requires cgo
// machinery this module does not provide.
package hookshim

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/heaptrace/heaptrace/internal/frameptr"
	"github.com/heaptrace/heaptrace/internal/trampoline"
	"github.com/heaptrace/heaptrace/internal/tracker"
)

// minMallocSize is the normalized size for a malloc(0) request (spec.md
// §4.E): every live pointer stays distinct, and the tail guard has
// somewhere to live.
const minMallocSize = 4

// RealAllocator is the real allocator the Shim calls through, standing in
// for the four saved original function pointers of spec.md §4.F. Malloc
// and Realloc must return 0 on failure; Free must tolerate a 0 pointer.
type RealAllocator struct {
	Malloc  func(size uintptr) uintptr
	Realloc func(ptr uintptr, size uintptr) uintptr
	Free    func(ptr uintptr)
}

// Shim is the interposition layer. The zero value is not usable; build
// with New.
type Shim struct {
	installer trampoline.Installer
	tracker   *tracker.Tracker
	alloc     RealAllocator
	guardLen  int
	guardByte byte

	enabled      atomic.Bool
	initializing atomic.Bool

	originalMalloc  uintptr
	originalCalloc  uintptr
	originalRealloc uintptr
	originalFree    uintptr
}

// New builds a Shim. t is wired so that its delayed-free drain eventually
// calls alloc.Free on the saved real pointer; callers must construct t
// with a realFree callback equal to alloc.Free (or an equivalent
// offset-free wrapper), since the tail guard here is appended after the
// payload rather than requiring any pointer adjustment.
func New(installer trampoline.Installer, t *tracker.Tracker, alloc RealAllocator, guardLen int, guardByte byte) *Shim {
	return &Shim{installer: installer, tracker: t, alloc: alloc, guardLen: guardLen, guardByte: guardByte}
}

// Install patches the four allocator entry points and enables tracking.
// It follows the "scoped acquisition with guaranteed release" idiom: if
// any Patch call fails partway through, every symbol patched so far is
// unpatched again before Install returns its error.
func (s *Shim) Install() error {
	if !s.initializing.CompareAndSwap(false, true) {
		return fmt.Errorf("hookshim: install already in progress")
	}
	defer s.initializing.Store(false)

	type target struct {
		symbol string
		orig   *uintptr
	}
	targets := []target{
		{"malloc", &s.originalMalloc},
		{"calloc", &s.originalCalloc},
		{"realloc", &s.originalRealloc},
		{"free", &s.originalFree},
	}

	patched := make([]string, 0, len(targets))
	for _, tg := range targets {
		orig, err := s.installer.Patch(tg.symbol, uintptr(0))
		if err != nil {
			for _, sym := range patched {
				_ = s.installer.Unpatch(sym)
			}
			return fmt.Errorf("hookshim: patch %s: %w", tg.symbol, err)
		}
		*tg.orig = orig
		patched = append(patched, tg.symbol)
	}

	s.tracker.SetEnabled(true)
	s.enabled.Store(true)
	return nil
}

// Uninstall removes every patched entry point (best-effort: it keeps going
// past individual Unpatch errors so a single stuck symbol does not block
// tearing down the rest), disables tracking, and flushes leaks and
// counters via the tracker's shutdown path.
func (s *Shim) Uninstall() error {
	s.enabled.Store(false)
	s.tracker.SetEnabled(false)

	var firstErr error
	for _, sym := range []string{"malloc", "calloc", "realloc", "free"} {
		if err := s.installer.Unpatch(sym); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("hookshim: unpatch %s: %w", sym, err)
		}
	}

	s.tracker.OnShutdown()
	return firstErr
}

func (s *Shim) active() bool {
	return s.enabled.Load() && s.tracker.Enabled()
}

// OnMalloc implements the malloc hook. fp is the caller's frame pointer,
// captured by the caller of this method via frameptr.Capture (threaded as
// an explicit parameter instead of a TLS slot, per SPEC_FULL.md §3.F).
func (s *Shim) OnMalloc(size uintptr, fp uintptr) uintptr {
	if size == 0 {
		size = minMallocSize
	}
	real := s.alloc.Malloc(size + uintptr(s.guardLen))
	if real == 0 {
		return 0
	}
	s.writeGuard(real + size)
	if s.active() {
		s.tracker.OnAlloc(real, uint64(size), fp, 1)
	}
	return real
}

// OnCalloc implements the calloc hook. Per spec.md §9's swapped-argument
// fix, n*size bytes are zeroed before the tail guard is written — not
// after, and not with the arguments transposed.
func (s *Shim) OnCalloc(n, size uintptr, fp uintptr) uintptr {
	total := n * size
	if total == 0 {
		total = minMallocSize
	}
	real := s.alloc.Malloc(total + uintptr(s.guardLen))
	if real == 0 {
		return 0
	}
	zero(real, total)
	s.writeGuard(real + total)
	if s.active() {
		s.tracker.OnAlloc(real, uint64(total), fp, 1)
	}
	return real
}

// OnRealloc implements the realloc hook, covering the ptr==nil (behaves as
// malloc) and size==0 (behaves as free) edge cases alongside the ordinary
// resize.
func (s *Shim) OnRealloc(ptr uintptr, size uintptr, fp uintptr) uintptr {
	if ptr == 0 {
		return s.OnMalloc(size, fp)
	}
	if size == 0 {
		s.OnFree(ptr)
		return 0
	}
	real := s.alloc.Realloc(ptr, size+uintptr(s.guardLen))
	if real == 0 {
		return 0
	}
	s.writeGuard(real + size)
	if s.active() {
		s.tracker.OnRealloc(ptr, real, uint64(size), fp, 1)
	}
	return real
}

// OnFree implements the free hook. The tracker owns the decision of
// whether to move the pointer to the delayed-free queue, report a double
// free, or forward straight to the real allocator for an untracked
// pointer; this method only guards against a nil pointer and reentrancy.
func (s *Shim) OnFree(ptr uintptr) {
	if ptr == 0 {
		return
	}
	if !s.active() {
		s.alloc.Free(ptr)
		return
	}
	s.tracker.OnFree(ptr)
}

func (s *Shim) writeGuard(base uintptr) {
	guard := unsafe.Slice((*byte)(unsafe.Pointer(base)), s.guardLen)
	for i := range guard {
		guard[i] = s.guardByte
	}
}

func zero(base, n uintptr) {
	if n == 0 {
		return
	}
	mem := unsafe.Slice((*byte)(unsafe.Pointer(base)), n)
	for i := range mem {
		mem[i] = 0
	}
}

// CaptureFP is a thin alias over frameptr.Capture so callers of the hook
// methods above do not need to import internal/frameptr directly.
func CaptureFP() uintptr {
	return frameptr.Capture()
}
