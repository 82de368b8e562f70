package ept

import "github.com/tinyrange/mzhv/internal/hv/hv"

// Entry is a single 64-bit EPT paging-structure word. It is
// deliberately a single tagged value rather than a struct with a
// discriminant field: spec.md §9 calls out the "same word, different
// layout" pattern (a PD entry is either a directory entry or a 2 MiB
// leaf) and asks for it to be modeled as one value plus accessor
// functions that assert the expected variant, the same shape
// gopheros's kernel/mm/vmm page-table-entry type uses.
type Entry uint64

const (
	entryRead      Entry = 1 << 0
	entryWrite     Entry = 1 << 1
	entryExecute   Entry = 1 << 2
	entryMemTypeShift   = 3
	entryMemTypeMask Entry = 0x7 << entryMemTypeShift
	entryLargePage Entry = 1 << 7
	entryAccessed  Entry = 1 << 8
	entryDirty     Entry = 1 << 9
	entryFrameMask Entry = 0x000F_FFFF_FFFF_F000 // bits 12-51
)

// rwx returns the three permission bits as bools.
func (e Entry) rwx() (read, write, execute bool) {
	return e&entryRead != 0, e&entryWrite != 0, e&entryExecute != 0
}

// Present reports whether any of read/write/execute is set. An all-
// zero entry (the "dormant" mapping state, or a never-initialized
// slot) is not present.
func (e Entry) Present() bool {
	r, w, x := e.rwx()
	return r || w || x
}

// IsLarge reports whether the entry is a 2 MiB leaf (only meaningful
// at the PD level).
func (e Entry) IsLarge() bool {
	return e&entryLargePage != 0
}

// Frame returns the host-physical address this entry points at: the
// next table for a directory entry, or the mapped frame for a leaf.
func (e Entry) Frame() hv.HPA {
	return hv.HPA(e & entryFrameMask)
}

// MemType returns the entry's memory type. Only meaningful for leaves;
// directory entries carry zero here and it is never consulted.
func (e Entry) MemType() hv.MemType {
	return hv.MemType((e & entryMemTypeMask) >> entryMemTypeShift)
}

// Permissions returns the read, write and fetch (execute) bits.
func (e Entry) Permissions() (read, write, fetch bool) {
	return e.rwx()
}

// NewDirectoryEntry builds a non-leaf entry unconditionally granting
// read+write+fetch and pointing at the next table's host-physical
// address (spec.md §4.1 "Directory entries grant read+write+fetch
// unconditionally").
func NewDirectoryEntry(nextTable hv.HPA) Entry {
	return entryRead | entryWrite | entryExecute | Entry(nextTable)&entryFrameMask
}

// NewLargeLeaf builds a 2 MiB PD-level leaf, always present with full
// permissions (the initial identity mapping), tagged with its
// MTRR-resolved memory type.
func NewLargeLeaf(frame hv.HPA, memType hv.MemType) Entry {
	return entryRead | entryWrite | entryExecute | entryLargePage |
		Entry(memType)<<entryMemTypeShift | Entry(frame)&entryFrameMask
}

// NewSmallLeaf builds a 4 KiB PT-level leaf with the given permissions
// and memory type (inherited from the 2 MiB leaf it split from, per
// spec.md §4.1, and preserved across later permission-only changes).
func NewSmallLeaf(frame hv.HPA, memType hv.MemType, read, write, fetch bool) Entry {
	e := Entry(memType)<<entryMemTypeShift | Entry(frame)&entryFrameMask
	if read {
		e |= entryRead
	}
	if write {
		e |= entryWrite
	}
	if fetch {
		e |= entryExecute
	}
	return e
}

// WithFrameAndPermissions returns a copy of e with a new frame and
// permission bits but the same memory type — the operation spec.md
// §4.1 "Change mapping" and §4.3's install/remove/flip all perform.
func (e Entry) WithFrameAndPermissions(frame hv.HPA, read, write, fetch bool) Entry {
	return NewSmallLeaf(frame, e.MemType(), read, write, fetch)
}
