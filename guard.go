package heaptrace

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/heaptrace/heaptrace/internal/hookshim"
	"github.com/heaptrace/heaptrace/internal/logging"
	"github.com/heaptrace/heaptrace/internal/realalloc"
	"github.com/heaptrace/heaptrace/internal/symresolve"
	"github.com/heaptrace/heaptrace/internal/trampoline"
	"github.com/heaptrace/heaptrace/internal/tracker"
)

// Option configures collaborators New does not take directly in Config,
// mirroring the teacher's pattern of a primary config struct plus a small
// number of escape-hatch constructor options.
type Option func(*Guard)

// WithInstaller overrides the trampoline.Installer used to patch the
// allocator entry points. Defaults to trampoline.Stub{}, which always
// fails — real interposition is a named, out-of-scope collaborator
// (spec.md §1); production callers running on a supported platform supply
// their own, tests supply a fake.
func WithInstaller(installer trampoline.Installer) Option {
	return func(g *Guard) { g.installer = installer }
}

// WithRealAllocator overrides the RealAllocator the Hook Shim forwards to.
// Defaults to internal/realalloc's cgo-backed malloc/realloc/free.
func WithRealAllocator(alloc hookshim.RealAllocator) Option {
	return func(g *Guard) { g.alloc = alloc }
}

// WithOutput overrides where the debug-string sink writes. Defaults to
// os.Stderr.
func WithOutput(sink *logging.Sink) Option {
	return func(g *Guard) { g.sink = sink }
}

// Guard is the public handle on an installed heap-instrumentation
// session: Install patches the allocator entry points, Uninstall removes
// them and flushes leak/stats reporting, and Stats gives programmatic
// access to the same counters the debug-string sink renders as text.
type Guard struct {
	cfg       Config
	installer trampoline.Installer
	alloc     hookshim.RealAllocator
	resolver  *symresolve.Resolver
	sink      *logging.Sink
	tracker   *tracker.Tracker
	shim      *hookshim.Shim

	installed atomic.Bool
	cancel    context.CancelFunc
	group     *errgroup.Group
}

// New builds a Guard from cfg. It does not install any hooks; call
// Install to do that.
func New(cfg Config, opts ...Option) (*Guard, error) {
	g := &Guard{
		cfg:       cfg,
		installer: trampoline.Stub{},
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.sink == nil {
		g.sink = logging.NewSink(defaultSinkWriter())
	}
	if g.alloc.Malloc == nil {
		g.alloc = realalloc.New()
	}
	g.resolver = symresolve.New(cfg.symbolSearchPaths...)
	g.tracker = tracker.New(cfg.trackerConfig(), g.resolver, g.sink, g.realFreeFallback, func(msg string) { g.sink.Fatal("%s", msg) })
	g.shim = hookshim.New(g.installer, g.tracker, g.alloc, cfg.guardLen, cfg.guardByte)
	return g, nil
}

func (g *Guard) realFreeFallback(ptr uintptr) {
	if g.alloc.Free != nil {
		g.alloc.Free(ptr)
	}
}

// Install patches the allocator entry points and, if WithBackgroundDrain
// is enabled (the default), starts a ticker-driven goroutine that
// proactively drains delayed-free entries instead of relying solely on
// the next hook call to do it as a side effect.
func (g *Guard) Install(ctx context.Context) error {
	if !g.installed.CompareAndSwap(false, true) {
		return ErrAlreadyInstalled
	}
	g.resolver.EnsureInitialized()
	if err := g.shim.Install(); err != nil {
		g.installed.Store(false)
		return err
	}

	if g.cfg.backgroundDrain {
		runCtx, cancel := context.WithCancel(ctx)
		g.cancel = cancel
		group, runCtx := errgroup.WithContext(runCtx)
		g.group = group
		group.Go(func() error {
			return g.runDrainLoop(runCtx)
		})
	}
	return nil
}

func (g *Guard) runDrainLoop(ctx context.Context) error {
	interval := time.Duration(g.cfg.statsMS) * time.Millisecond / 4
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.tracker.Drain()
		}
	}
}

// Uninstall removes the patched entry points, stops the background drain
// goroutine, and flushes leak and stats reporting. It is safe to call at
// most once per successful Install.
func (g *Guard) Uninstall(ctx context.Context) error {
	if !g.installed.CompareAndSwap(true, false) {
		return ErrNotInstalled
	}
	if g.cancel != nil {
		g.cancel()
		_ = g.group.Wait()
	}
	return g.shim.Uninstall()
}

// Stats returns a snapshot of the tracker's counters, supplementing the
// debug-string sink with a machine-readable view for programmatic
// inspection.
func (g *Guard) Stats() Stats {
	c := g.tracker.Stats()
	return Stats{
		CurrentBlocks:  c.CurrentBlocks,
		CurrentBytes:   c.CurrentBytes,
		MaxBlocks:      c.MaxBlocks,
		MaxBytes:       c.MaxBytes,
		DelayedBlocks:  c.DelayedBlocks,
		DelayedBytes:   c.DelayedBytes,
		UntrackedFrees: c.UntrackedFrees,
	}
}

// Stats is a point-in-time snapshot of the Guard's counters.
type Stats struct {
	CurrentBlocks  uint64
	CurrentBytes   uint64
	MaxBlocks      uint64
	MaxBytes       uint64
	DelayedBlocks  uint64
	DelayedBytes   uint64
	UntrackedFrees uint64
}
