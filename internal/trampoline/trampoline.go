// Package trampoline names the boundary to the low-level trampoline
// installer that spec.md §1 explicitly places out of scope: "the
// low-level trampoline installer that patches function prologues." The
// Hook Shim (internal/hookshim) depends only on the Installer interface
// here, so it can be built and tested without any real binary-patching
// machinery.
package trampoline

import "errors"

// ErrUnsupportedPlatform is returned by Stub for every call.
var ErrUnsupportedPlatform = errors.New("trampoline: no installer available on this platform")

// Installer patches a target function's prologue to redirect control to a
// replacement entry point, returning a pointer to the original so the
// caller can still forward to it. A real implementation is platform- and
// toolchain-specific (e.g. the mhook-style approach the original tool
// uses, or cgo symbol interposition); this module does not provide one.
type Installer interface {
	// Patch installs a trampoline over symbol, redirecting it to
	// replacement, and returns the original entry point.
	Patch(symbol string, replacement uintptr) (original uintptr, err error)
	// Unpatch removes a previously-installed trampoline for symbol.
	Unpatch(symbol string) error
}

// Stub is an Installer that always fails. It exists so callers that have
// not wired a real platform installer get a clear, typed error instead of
// a nil-interface panic.
type Stub struct{}

func (Stub) Patch(string, uintptr) (uintptr, error) { return 0, ErrUnsupportedPlatform }
func (Stub) Unpatch(string) error                   { return ErrUnsupportedPlatform }
