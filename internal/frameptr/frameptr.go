// Package frameptr captures the base-pointer register at hook entry and
// provides a fault-tolerant reader for walking the frame-pointer chain it
// anchors. This is the per-architecture backend spec.md's design notes (§9)
// call for: "a single 'capture caller frame pointer' primitive with
// per-architecture backends."
package frameptr

import (
	"runtime/debug"
	"unsafe"
)

// Capture returns the caller's frame pointer: the value of the
// architectural base-pointer register (BP on amd64, FP/x29 on arm64) as it
// stood on entry to the function that called Capture. Go has maintained
// frame pointers in that register since Go 1.7 (amd64) / Go 1.12 (arm64),
// which is what makes the Fast walker in internal/stackwalk possible at
// all. On architectures without an assembly backend (frameptr_other.go),
// Capture returns 0 and callers must fall back to the Safe walker.
func Capture() uintptr {
	return captureFP()
}

// PointerSize is the width, in bytes, of a frame-chain slot on this
// architecture. Both supported backends use the conventional layout
// [fp+0]=saved fp, [fp+PointerSize]=return address.
const PointerSize = unsafe.Sizeof(uintptr(0))

// Supported reports whether Capture has a real architecture backend. When
// false, the Fast walker must not be used — Capture always returns 0.
func Supported() bool {
	return supported
}

// SafeDeref reads the uintptr at addr, recovering from a fault instead of
// crashing the host process. It is how the Fast walker implements the
// spec's "*fp unreadable: corrupt chain — empty and stop" rule: a wild
// frame pointer produces an in-Go SIGSEGV, which debug.SetPanicOnFault
// (enabled for the duration of the read) makes the runtime deliver as a
// recoverable panic (runtime.Error) instead of a fatal fault.
func SafeDeref(addr uintptr) (value uintptr, ok bool) {
	if addr == 0 || addr%PointerSize != 0 {
		return 0, false
	}
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer func() {
		if recover() != nil {
			value, ok = 0, false
		}
	}()
	return *(*uintptr)(unsafe.Pointer(addr)), true
}
