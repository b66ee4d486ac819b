// Command heaptrace-demo drives the six scenarios spec.md §8 walks through
// by hand: a clean alloc/free, a tail overwrite, a double free, a
// relocating realloc, a leak, and pool exhaustion.
//
// The trampoline installer and the underlying allocator are both named,
// out-of-scope external collaborators (see internal/trampoline), so this
// harness wires a fake installer and a Go-backed allocator and drives the
// Tracker and Hook Shim directly instead of the public Guard, which only
// exposes Install/Uninstall/Stats — not the low-level per-call hooks these
// scenarios need to trigger by hand.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"unsafe"

	_ "github.com/KimMachineGun/automemlimit/memlimit"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/heaptrace/heaptrace/internal/hookshim"
	"github.com/heaptrace/heaptrace/internal/logging"
	"github.com/heaptrace/heaptrace/internal/symresolve"
	"github.com/heaptrace/heaptrace/internal/tracker"
	"github.com/heaptrace/heaptrace/internal/trampoline/faketrampoline"
)

func init() {
	// Tune GOMAXPROCS/GOMEMLIMIT before doing anything else: a
	// memory-instrumentation tool should not itself distort the host
	// process's own memory budget.
	if _, err := maxprocs.Set(); err != nil {
		fmt.Fprintf(os.Stderr, "heaptrace-demo: maxprocs: %v\n", err)
	}
}

// demoHeap backs the shim's allocator with real Go memory so the guard
// bytes and zero-fill logic run against addressable memory, without
// requiring a cgo toolchain to build this demo.
type demoHeap struct{ arenas [][]byte }

func (h *demoHeap) malloc(size uintptr) uintptr {
	buf := make([]byte, int(size))
	h.arenas = append(h.arenas, buf)
	if len(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&buf[0]))
}

func (h *demoHeap) realloc(uintptr, size uintptr) uintptr { return h.malloc(size) }
func (h *demoHeap) free(uintptr)                          {}

// session wires a Tracker and Shim the way the root heaptrace package
// would, but keeps the sink visible for printing scenario output and the
// fatal callback visible for reporting instead of aborting the demo.
type session struct {
	shim    *hookshim.Shim
	tracker *tracker.Tracker
	sink    bytes.Buffer
	fatals  []string
}

func newSession(cfg tracker.Config) *session {
	s := &session{}
	heap := &demoHeap{}
	installer := faketrampoline.New(map[string]uintptr{
		"malloc": 1, "calloc": 2, "realloc": 3, "free": 4,
	})
	resolver := symresolve.New()
	resolver.EnsureInitialized()
	log := logging.NewSink(&s.sink)
	s.tracker = tracker.New(cfg, resolver, log, heap.free, func(msg string) { s.fatals = append(s.fatals, msg) })
	s.shim = hookshim.New(installer, s.tracker, hookshim.RealAllocator{
		Malloc: heap.malloc, Realloc: heap.realloc, Free: heap.free,
	}, cfg.GuardLen, cfg.GuardByte)
	if err := s.shim.Install(); err != nil {
		fmt.Fprintf(os.Stderr, "heaptrace-demo: %v\n", err)
		os.Exit(1)
	}
	return s
}

func (s *session) report(scenario string) {
	stats := s.tracker.Stats()
	fmt.Printf("%s: blocks=%d bytes=%d delayed_blocks=%d untracked_frees=%d\n",
		scenario, stats.CurrentBlocks, stats.CurrentBytes, stats.DelayedBlocks, stats.UntrackedFrees)
	if s.sink.Len() > 0 {
		fmt.Print(s.sink.String())
	}
	for _, f := range s.fatals {
		fmt.Println(f)
	}
}

func main() {
	scenario := flag.String("scenario", "clean", "one of: clean, overflow, doublefree, realloc, leak, exhaustion")
	flag.Parse()

	switch *scenario {
	case "clean":
		runClean()
	case "overflow":
		runOverflow()
	case "doublefree":
		runDoubleFree()
	case "realloc":
		runRealloc()
	case "leak":
		runLeak()
	case "exhaustion":
		runExhaustion()
	default:
		fmt.Fprintf(os.Stderr, "heaptrace-demo: unknown scenario %q\n", *scenario)
		os.Exit(1)
	}
}

func demoConfig() tracker.Config {
	cfg := tracker.DefaultConfig()
	cfg.SlotCount = 64
	cfg.PoolCapacity = 16
	return cfg
}

// runClean allocates and frees a block with no errors.
func runClean() {
	s := newSession(demoConfig())
	ptr := s.shim.OnMalloc(64, 0)
	s.shim.OnFree(ptr)
	s.report("clean")
}

// runOverflow writes one byte past the tracked payload, corrupting the
// tail guard; the corruption is discovered when the delayed-free entry
// drains on the next tracked call.
func runOverflow() {
	cfg := demoConfig()
	cfg.DelayMS = 0
	s := newSession(cfg)

	ptr := s.shim.OnMalloc(16, 0)
	*(*byte)(unsafe.Pointer(ptr + 16)) = 0x00 // overruns the 16-byte payload.
	s.shim.OnFree(ptr)
	s.shim.OnMalloc(8, 0) // triggers the drain that discovers the corruption.

	s.report("overflow")
}

// runDoubleFree frees the same pointer twice; the second free finds it
// still in the delayed-free FIFO and reports it.
func runDoubleFree() {
	cfg := demoConfig()
	cfg.DelayMS = 60_000
	s := newSession(cfg)

	ptr := s.shim.OnMalloc(32, 0)
	s.shim.OnFree(ptr)
	s.shim.OnFree(ptr)

	s.report("doublefree")
}

// runRealloc grows an allocation past its original home, exercising the
// moved-block bookkeeping path.
func runRealloc() {
	s := newSession(demoConfig())
	ptr := s.shim.OnMalloc(16, 0)
	ptr = s.shim.OnRealloc(ptr, 4096, 0)
	s.shim.OnFree(ptr)
	s.report("realloc")
}

// runLeak allocates and never frees; Uninstall's shutdown path reports it
// as a leak with its original allocation-site stack.
func runLeak() {
	s := newSession(demoConfig())
	s.shim.OnMalloc(128, 0)
	s.shim.Uninstall()
	s.report("leak")
}

// runExhaustion allocates past the Block Pool's capacity; the last
// allocation proceeds untracked rather than erroring.
func runExhaustion() {
	cfg := demoConfig()
	cfg.PoolCapacity = 2
	cfg.DelayMS = 60_000
	s := newSession(cfg)

	s.shim.OnMalloc(8, 0)
	s.shim.OnMalloc(8, 0)
	ptr := s.shim.OnMalloc(8, 0) // pool exhausted: proceeds untracked.
	s.shim.OnFree(ptr)           // shows up as an untracked free.

	s.report("exhaustion")
}
