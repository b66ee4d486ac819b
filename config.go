package heaptrace

import (
	"github.com/heaptrace/heaptrace/internal/stackwalk"
	"github.com/heaptrace/heaptrace/internal/tracker"
)

// Config controls Guard behavior, with the default implementation as
// NewConfig. Each With* method returns a modified copy, leaving the
// receiver untouched.
type Config struct {
	slotCount           int
	poolCapacity        int
	delayMS             int64
	statsMS             int64
	guardLen            int
	guardByte           byte
	showInternalFrames  bool
	internalFileFilters []string
	walker              stackwalk.Kind
	symbolSearchPaths   []string
	backgroundDrain     bool
}

// NewConfig returns the default tuning constants.
func NewConfig() Config {
	d := tracker.DefaultConfig()
	return Config{
		slotCount:       d.SlotCount,
		poolCapacity:    d.PoolCapacity,
		delayMS:         d.DelayMS,
		statsMS:         d.StatsMS,
		guardLen:        d.GuardLen,
		guardByte:       d.GuardByte,
		walker:          d.Walker,
		backgroundDrain: true,
	}
}

func (c Config) clone() Config {
	clone := c
	clone.internalFileFilters = append([]string(nil), c.internalFileFilters...)
	clone.symbolSearchPaths = append([]string(nil), c.symbolSearchPaths...)
	return clone
}

// WithSlotCount overrides the Index's fixed chain-head array length.
func (c Config) WithSlotCount(n int) Config {
	ret := c.clone()
	ret.slotCount = n
	return ret
}

// WithPoolCapacity overrides the Block Pool's fixed capacity.
func (c Config) WithPoolCapacity(n int) Config {
	ret := c.clone()
	ret.poolCapacity = n
	return ret
}

// WithDelayMS overrides the minimum delayed-free dwell, in milliseconds.
func (c Config) WithDelayMS(ms int64) Config {
	ret := c.clone()
	ret.delayMS = ms
	return ret
}

// WithStatsMS overrides the minimum interval between unforced stats
// emissions, in milliseconds.
func (c Config) WithStatsMS(ms int64) Config {
	ret := c.clone()
	ret.statsMS = ms
	return ret
}

// WithGuard overrides the tail guard's width and fill byte.
func (c Config) WithGuard(length int, b byte) Config {
	ret := c.clone()
	ret.guardLen = length
	ret.guardByte = b
	return ret
}

// WithShowInternalFrames, when show is true, disables the stack-dump
// internal-file filter, surfacing frames in the heap/runtime implementation
// files the filter list would otherwise suppress.
func (c Config) WithShowInternalFrames(show bool) Config {
	ret := c.clone()
	ret.showInternalFrames = show
	return ret
}

// WithInternalFileFilters overrides the substrings used to suppress
// implementation-internal frames when ShowInternalFrames is false.
func (c Config) WithInternalFileFilters(filters ...string) Config {
	ret := c.clone()
	ret.internalFileFilters = append([]string(nil), filters...)
	return ret
}

// WithFastWalker selects the frame-pointer chain walker instead of the
// default runtime-assisted Safe walker, for callers who can guarantee
// frame-pointer-preserving builds.
func (c Config) WithFastWalker() Config {
	ret := c.clone()
	ret.walker = stackwalk.KindFast
	return ret
}

// WithSymbolSearchPaths adds directories the Symbol Resolver consults
// beyond the host binary's own directory when resolving module frames.
func (c Config) WithSymbolSearchPaths(paths ...string) Config {
	ret := c.clone()
	ret.symbolSearchPaths = append([]string(nil), paths...)
	return ret
}

// WithBackgroundDrain enables or disables the ticker-driven background
// drain goroutine. Defaults to enabled; disabling it means delayed-free
// entries are only drained as a side effect of subsequent hook calls.
func (c Config) WithBackgroundDrain(enabled bool) Config {
	ret := c.clone()
	ret.backgroundDrain = enabled
	return ret
}

func (c Config) trackerConfig() tracker.Config {
	return tracker.Config{
		SlotCount:           c.slotCount,
		PoolCapacity:        c.poolCapacity,
		DelayMS:             c.delayMS,
		StatsMS:             c.statsMS,
		GuardLen:            c.guardLen,
		GuardByte:           c.guardByte,
		ShowInternalFrames:  c.showInternalFrames,
		InternalFileFilters: c.internalFileFilters,
		Walker:              c.walker,
	}
}
