// Package stackwalk implements the two alternative strategies of spec.md
// §4.B: a fast frame-pointer chain walk, and a slow but robust
// runtime-assisted walk. Both return a sequence of addresses of length
// ≤ max_depth; Fast starts from a frame pointer, Safe from a skip count.
package stackwalk

import (
	"runtime"

	"github.com/heaptrace/heaptrace/internal/addr"
	"github.com/heaptrace/heaptrace/internal/frameptr"
)

// Kind selects a walking strategy.
type Kind int

const (
	// KindSafe uses the runtime-assisted unwinder (Safe). This is the
	// variant spec.md's Tracker always uses, since allocations happen in
	// arbitrary caller code that may lack frame pointers.
	KindSafe Kind = iota
	// KindFast uses the frame-pointer chain walk (Fast).
	KindFast
)

// Walk dispatches to Fast or Safe depending on kind. startFP is used only
// by KindFast; skip is used only by KindSafe.
func Walk(kind Kind, maxDepth int, startFP uintptr, skip int) []addr.Instruction {
	if kind == KindFast {
		return Fast(maxDepth, startFP)
	}
	return Safe(maxDepth, skip+1) // +1 excludes Walk's own frame.
}

// Fast follows the frame-pointer chain starting at startFP, emitting each
// return address. It stops and returns the frames collected so far when the
// chain reaches its root (clean end of stack), and returns nil — discarding
// everything collected — the moment the chain looks corrupt: unwinding
// through code built without frame pointers yields garbage, and the spec's
// policy is "better no trace than a misleading one."
func Fast(maxDepth int, startFP uintptr) []addr.Instruction {
	if !frameptr.Supported() || startFP == 0 {
		return nil
	}
	out := make([]addr.Instruction, 0, maxDepth)
	fp := startFP
	for depth := 0; depth < maxDepth; depth++ {
		retAddr, ok := frameptr.SafeDeref(fp + frameptr.PointerSize)
		if !ok {
			return nil
		}
		out = append(out, addr.Instruction(retAddr))

		nextFP, ok := frameptr.SafeDeref(fp)
		if !ok {
			return nil
		}
		if nextFP == 0 {
			break
		}
		if nextFP <= fp {
			return nil
		}
		if nextFP%frameptr.PointerSize != 0 {
			return nil
		}
		fp = nextFP
	}
	return out
}

// Safe uses the Go runtime's own documented unwinder (runtime.Callers),
// which works regardless of whether the walked frames were compiled with
// frame pointers — the Go-idiomatic equivalent of the spec's
// platform-assisted unwinder. skip is the number of stackwalk-internal
// frames to exclude, so the first returned frame is the allocation site's
// immediate caller.
//
// This is materially slower than Fast (it consults pclntab for every
// frame), which is why the Tracker uses it only at allocation time rather
// than on every hook invocation.
func Safe(maxDepth int, skip int) []addr.Instruction {
	pcs := make([]uintptr, maxDepth)
	n := runtime.Callers(skip+2, pcs) // +2 excludes runtime.Callers and Safe itself.
	out := make([]addr.Instruction, n)
	for i := 0; i < n; i++ {
		out[i] = addr.Instruction(pcs[i])
	}
	return out
}
