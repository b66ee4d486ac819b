// Package stackrecord implements the Call-Stack Record of spec.md §4.C: a
// fixed-capacity ordered sequence of instruction addresses that renders
// itself using the Symbol Resolver.
package stackrecord

import (
	"fmt"
	"io"
	"strings"

	"github.com/heaptrace/heaptrace/internal/addr"
	"github.com/heaptrace/heaptrace/internal/logging"
	"github.com/heaptrace/heaptrace/internal/symresolve"
)

// Capacity is STACK_CAP: frames per captured stack.
const Capacity = 16

// DefaultInternalFileFilters is the default value of Dump's filter list:
// well-known heap/runtime implementation files whose frames are suppressed
// when showInternal is false.
var DefaultInternalFileFilters = []string{
	"malloc.c", "new.cpp", "dbgheap.c", "afxmem.cpp", "newaop.cpp",
}

// Record is a fixed-capacity, ordered sequence of up to Capacity
// Instruction addresses. The zero value is ready to use: an empty record.
type Record struct {
	frames [Capacity]addr.Instruction
	n      int
}

// Clear resets the record to empty, logically recycling it without
// touching the backing array — used when a Block Record returns to the
// pool.
func (r *Record) Clear() {
	r.n = 0
}

// Push appends an address. Once the record is at capacity, Push is a
// no-op: traces are truncated rather than grown, a deliberate
// space/latency trade-off.
func (r *Record) Push(a addr.Instruction) {
	if r.n >= Capacity {
		return
	}
	r.frames[r.n] = a
	r.n++
}

// Len returns the number of valid frames, 0 <= Len() <= Capacity.
func (r *Record) Len() int {
	return r.n
}

// At returns the frame at index i, which must be in [0, Len()).
func (r *Record) At(i int) addr.Instruction {
	return r.frames[i]
}

// Fill replaces the record's contents with frames, truncating to Capacity.
func (r *Record) Fill(frames []addr.Instruction) {
	r.n = 0
	for _, f := range frames {
		r.Push(f)
	}
}

// Dump resolves each frame via resolver and writes one line per frame to w,
// in the two formats from spec §6. When showInternal is false, frames whose
// resolved file matches (case-insensitive substring) any entry of filters
// are suppressed; a nil filters defaults to DefaultInternalFileFilters.
func (r *Record) Dump(w io.Writer, resolver *symresolve.Resolver, showInternal bool, filters []string) {
	if filters == nil {
		filters = DefaultInternalFileFilters
	}
	for i := 0; i < r.n; i++ {
		pc := r.frames[i]
		sym, ok := resolver.Resolve(uintptr(pc))
		function := logging.UnavailableFunction
		if ok && sym.HasFunction() {
			function = sym.Function
		}
		if ok && sym.HasSource() {
			if !showInternal && matchesAnyFilter(sym.File, filters) {
				continue
			}
			fmt.Fprintln(w, logging.FrameWithSource(sym.File, sym.Line, function))
			continue
		}
		fmt.Fprintln(w, logging.FrameWithoutSource(uint64(pc), function))
	}
}

func matchesAnyFilter(file string, filters []string) bool {
	lower := strings.ToLower(file)
	for _, f := range filters {
		if strings.Contains(lower, strings.ToLower(f)) {
			return true
		}
	}
	return false
}
