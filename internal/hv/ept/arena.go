package ept

import (
	"fmt"

	"github.com/tinyrange/mzhv/internal/hv/hostmem"
	"github.com/tinyrange/mzhv/internal/hv/hv"
)

// SplitArena is the per-core, fixed-capacity buffer of page-sized
// slots a 2 MiB->4 KiB split carves its replacement page table from
// (spec.md §3 "Split Arena"). Slots are handed out monotonically and
// never reclaimed until the arena itself is torn down with the rest
// of the per-core state.
type SplitArena struct {
	pool  *hostmem.Pool
	used  []hostmem.Region
	limit int
}

// NewSplitArena returns an arena backed by pool, bounded at
// hv.MaxSplitArenaSlots.
func NewSplitArena(pool *hostmem.Pool) *SplitArena {
	return &SplitArena{pool: pool, limit: hv.MaxSplitArenaSlots}
}

// Used reports how many slots have been consumed. Per spec.md
// Invariant 2, this never decreases during normal operation.
func (a *SplitArena) Used() int { return len(a.used) }

// Alloc consumes the next slot as a fresh, zeroed page table. It
// fails with hv.ErrCapacity once Used() reaches the arena's limit;
// per spec.md §4.1, no state changes on failure.
func (a *SplitArena) Alloc() (hostmem.Region, error) {
	if len(a.used) >= a.limit {
		return hostmem.Region{}, fmt.Errorf("ept: split arena: %w (%d/%d slots used)", hv.ErrCapacity, len(a.used), a.limit)
	}
	r, err := a.pool.AllocPage()
	if err != nil {
		return hostmem.Region{}, fmt.Errorf("ept: split arena: %w", err)
	}
	a.used = append(a.used, r)
	return r, nil
}
