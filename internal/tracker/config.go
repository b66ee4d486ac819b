package tracker

import "github.com/heaptrace/heaptrace/internal/stackwalk"

// Config holds the tuning constants of spec.md §6.
type Config struct {
	// SlotCount is SLOT_COUNT: the Index's fixed chain-head array length.
	SlotCount int
	// PoolCapacity is POOL_CAP: the Block Pool's fixed capacity.
	PoolCapacity int
	// DelayMS is DELAY_MS: minimum dwell, in milliseconds, before a
	// delayed-free entry is eligible for draining.
	DelayMS int64
	// StatsMS is STATS_MS: minimum interval, in milliseconds, between
	// unforced stats emissions.
	StatsMS int64
	// GuardLen is GUARD_LEN: width, in bytes, of the tail guard.
	GuardLen int
	// GuardByte is GUARD_BYTE: the tail guard's fill byte.
	GuardByte byte
	// ShowInternalFrames disables the stack-dump internal-file filter.
	ShowInternalFrames bool
	// InternalFileFilters overrides stackrecord.DefaultInternalFileFilters
	// when non-nil.
	InternalFileFilters []string
	// Walker selects which stackwalk strategy captures allocation-site
	// stacks. The spec's own Tracker always uses the Safe variant because
	// allocations occur in arbitrary caller code that may lack frame
	// pointers; KindFast is offered for callers who can guarantee
	// frame-pointer-preserving builds and want the lower-overhead walk.
	Walker stackwalk.Kind
}

// DefaultConfig returns the constants named in spec.md §6.
func DefaultConfig() Config {
	return Config{
		SlotCount:    1 << 20,
		PoolCapacity: 100_000,
		DelayMS:      1000,
		StatsMS:      10_000,
		GuardLen:     16,
		GuardByte:    0xCC,
		Walker:       stackwalk.KindSafe,
	}
}
