// Package realalloc supplies the default RealAllocator backend: the
// actual C-runtime allocator, reached via cgo. This is the "real
// allocator, accessed only via the captured original function pointers"
// collaborator that internal/hookshim treats as injected and out of
// scope — here it is a concrete, minimal implementation rather than a
// fake, since a heap-instrumentation tool needs a genuine allocator
// underneath it to be useful outside tests.
package realalloc

/*
#include <stdlib.h>
*/
import "C"

import (
	"unsafe"

	"github.com/heaptrace/heaptrace/internal/hookshim"
)

// New returns a RealAllocator backed by the C library's malloc/realloc/
// free, the same allocator the host process would otherwise be calling
// directly.
func New() hookshim.RealAllocator {
	return hookshim.RealAllocator{
		Malloc:  cMalloc,
		Realloc: cRealloc,
		Free:    cFree,
	}
}

func cMalloc(size uintptr) uintptr {
	p := C.malloc(C.size_t(size))
	return uintptr(p)
}

func cRealloc(ptr uintptr, size uintptr) uintptr {
	p := C.realloc(unsafe.Pointer(ptr), C.size_t(size)) //nolint:govet // ptr is a C-heap address, not a Go pointer.
	return uintptr(p)
}

func cFree(ptr uintptr) {
	C.free(unsafe.Pointer(ptr)) //nolint:govet // ptr is a C-heap address, not a Go pointer.
}
