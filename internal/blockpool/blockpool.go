// Package blockpool implements the Block Pool of spec.md §4.D: a
// fixed-size, preallocated arena of Block Records with a free-list, so the
// Tracker never allocates while tracking an allocation.
//
// Per spec.md §9's guidance on back-pointer/cyclic structures, the arena
// owns every Block; the Index, the delayed-free FIFO, and the free-list
// itself are all expressed as non-owning int32 slot indices into this
// arena rather than as a graph of pointers.
package blockpool

import (
	"github.com/heaptrace/heaptrace/internal/stackrecord"
)

// NoSlot is the free-list/FIFO/chain terminator, analogous to a nil link.
const NoSlot int32 = -1

// Block is one live or recently-freed allocation record (spec.md §3's
// "Block Record"). Next is reused for three mutually-exclusive purposes
// depending on the block's lifecycle state: the Index collision chain
// while Live, the delayed-free FIFO link while Pending, or the pool
// free-list link while Pooled.
type Block struct {
	Start   uintptr
	Length  uint64
	Stack   stackrecord.Record
	FreedAt int64 // monotonic ms; valid only while Pending
	Next    int32
}

// Pool is the fixed-capacity arena. It is not safe for concurrent use on
// its own — callers (internal/tracker) serialize access under their own
// mutex, exactly as spec.md §5 requires for every structure it protects.
type Pool struct {
	blocks   []Block
	freeHead int32
}

// New preallocates a Pool with the given capacity (POOL_CAP by default)
// and threads every slot onto the free-list, matching spec's "init threads
// all records onto the free-list once at construction."
func New(capacity int) *Pool {
	p := &Pool{blocks: make([]Block, capacity), freeHead: NoSlot}
	for i := capacity - 1; i >= 0; i-- {
		p.blocks[i].Next = p.freeHead
		p.freeHead = int32(i)
	}
	return p
}

// Cap returns the pool's fixed capacity.
func (p *Pool) Cap() int {
	return len(p.blocks)
}

// Acquire pops a slot off the free-list. ok is false when the pool is
// exhausted; callers must not treat this as an error — per spec §4.D, the
// current allocation simply proceeds untracked.
func (p *Pool) Acquire() (slot int32, ok bool) {
	if p.freeHead == NoSlot {
		return NoSlot, false
	}
	slot = p.freeHead
	p.freeHead = p.blocks[slot].Next
	return slot, true
}

// Release returns a slot to the free-list head, clearing its stack so the
// next Acquire sees an empty Call-Stack Record.
func (p *Pool) Release(slot int32) {
	b := &p.blocks[slot]
	b.Stack.Clear()
	b.Start, b.Length, b.FreedAt = 0, 0, 0
	b.Next = p.freeHead
	p.freeHead = slot
}

// Block returns a pointer to the block at slot for in-place mutation. The
// caller is responsible for only dereferencing slots it currently owns
// (i.e. returned by Acquire and not yet Released).
func (p *Pool) Block(slot int32) *Block {
	return &p.blocks[slot]
}
