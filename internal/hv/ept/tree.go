// Package ept builds, traverses and mutates the four-level Extended
// Page Table structures that back a virtualized core's second-level
// address translation (spec.md §4.1). A Tree owns every
// paging-structure frame for one logical core: one PML4 page, one
// PDPT page per populated PML4 entry, and — contiguous per PML4 entry,
// so the whole 512-PD block can be freed as one allocation — a
// 512-table PD array. 4 KiB page tables are carved on demand from the
// core's SplitArena.
package ept

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/mzhv/internal/hv/hostmem"
	"github.com/tinyrange/mzhv/internal/hv/hv"
	"github.com/tinyrange/mzhv/internal/hv/mtrr"
	"github.com/tinyrange/mzhv/internal/hv/vmx"
)

// pdArraySize is one PML4 entry's worth of PD storage: 512 page
// tables of 512 entries each, allocated as a single contiguous region
// so it can be destroyed as one unit (spec.md §4.1 "Destroy").
const pdArraySize = hv.EntriesPerTable * hv.PageSize

func readEntry(b []byte, idx int) Entry {
	return Entry(binary.LittleEndian.Uint64(b[idx*8:]))
}

func writeEntry(b []byte, idx int, e Entry) {
	binary.LittleEndian.PutUint64(b[idx*8:], uint64(e))
}

// Tree is one core's EPT paging structure.
type Tree struct {
	pool      *hostmem.Pool
	arena     *SplitArena
	pml4Count int

	pml4     hostmem.Region
	pdpts    []hostmem.Region
	pdArrays []hostmem.Region
}

// PML4Count returns min(2^max(physAddrBits-39,0), hv.MaxPML4Entries),
// the number of top-level entries spec.md §3 "EPT Root" populates.
func PML4Count(physAddrBits int) int {
	shift := physAddrBits - 39
	if shift < 0 {
		shift = 0
	}
	count := 1 << shift
	if count > hv.MaxPML4Entries {
		count = hv.MaxPML4Entries
	}
	return count
}

// Build allocates a fresh identity-mapped EPT tree: every 2 MiB-aligned
// region within the first PML4Count*512 GiB of physical address space
// maps guest-physical X to host-physical X, with memory types resolved
// from cfg (spec.md §3 "Initial Mapping", §4.1 "Build").
func Build(pool *hostmem.Pool, arena *SplitArena, cfg *mtrr.Config, physAddrBits int) (*Tree, error) {
	count := PML4Count(physAddrBits)

	pml4, err := pool.AllocPage()
	if err != nil {
		return nil, fmt.Errorf("ept: allocate PML4: %w", err)
	}

	t := &Tree{pool: pool, arena: arena, pml4Count: count, pml4: pml4}

	for i := 0; i < count; i++ {
		pdpt, err := pool.AllocPage()
		if err != nil {
			return nil, fmt.Errorf("ept: allocate PDPT[%d]: %w", i, err)
		}
		pdArray, err := pool.Alloc(pdArraySize)
		if err != nil {
			return nil, fmt.Errorf("ept: allocate PD array[%d]: %w", i, err)
		}
		writeEntry(pml4.Bytes(), i, NewDirectoryEntry(pdpt.HostPhysical()))

		for j := 0; j < hv.EntriesPerTable; j++ {
			pdHPA := pdArray.HostPhysical() + hv.HPA(j*hv.PageSize)
			writeEntry(pdpt.Bytes(), j, NewDirectoryEntry(pdHPA))

			pdBytes := pdArray.Bytes()[j*hv.PageSize : (j+1)*hv.PageSize]
			for k := 0; k < hv.EntriesPerTable; k++ {
				frame2M := uint64(i)*hv.EntriesPerTable*hv.EntriesPerTable + uint64(j)*hv.EntriesPerTable + uint64(k)
				addr := hv.GPA(frame2M * hv.LargePageSize)
				memType, err := cfg.LeafType(addr)
				if err != nil {
					return nil, fmt.Errorf("ept: resolve memory type for 0x%x: %w", addr, err)
				}
				writeEntry(pdBytes, k, NewLargeLeaf(hv.HPA(addr), memType))
			}
		}

		t.pdpts = append(t.pdpts, pdpt)
		t.pdArrays = append(t.pdArrays, pdArray)
	}

	if cfg.FixedRangeEnabled() {
		if err := t.applyFixedRangeOverlay(cfg); err != nil {
			return nil, err
		}
	}

	return t, nil
}

// applyFixedRangeOverlay splits PML4[0].PDPT[0].PD[0] and overwrites
// the first 256 of its 512 4 KiB leaves (the first megabyte) with the
// fixed-range MTRR types, leaving the remaining 256 leaves at the
// memory type the 2 MiB leaf carried before the split (spec.md §4.2
// "Fixed-range overlay").
func (t *Tree) applyFixedRangeOverlay(cfg *mtrr.Config) error {
	const fixedLeaves = (1 << 20) / hv.PageSize // 256

	ptBytes, err := t.split(0, 0, 0)
	if err != nil {
		return fmt.Errorf("ept: fixed-range overlay split: %w", err)
	}
	for i := 0; i < fixedLeaves; i++ {
		addr := hv.GPA(i * hv.PageSize)
		memType, err := cfg.FixedRangeType(addr)
		if err != nil {
			return fmt.Errorf("ept: fixed-range overlay type: %w", err)
		}
		existing := readEntry(ptBytes, i)
		read, write, fetch := existing.Permissions()
		newEntry := NewSmallLeaf(existing.Frame(), memType, read, write, fetch)
		writeEntry(ptBytes, i, newEntry)
	}
	return nil
}

// pdBytes returns the host-virtual bytes of the PD table selected by
// (pml4Index, pdptIndex).
func (t *Tree) pdBytes(pml4Index, pdptIndex int) []byte {
	pdArray := t.pdArrays[pml4Index]
	return pdArray.Bytes()[pdptIndex*hv.PageSize : (pdptIndex+1)*hv.PageSize]
}

func (t *Tree) invert(addr hv.HPA) ([]byte, error) {
	b, ok := t.pool.Invert(addr)
	if !ok {
		return nil, hv.Fatalf("ept: %v: host-physical to host-virtual inversion failed for 0x%x", hv.ErrFatal, addr)
	}
	return b, nil
}

// split replaces the 2 MiB leaf at (pml4Index, pdptIndex, pdIndex)
// with a directory entry pointing at a new 4 KiB page table, whose 512
// entries identity-map the parent leaf's sub-frames with full
// permissions and the parent's memory type (spec.md §4.1 "Split 2
// MiB -> 4 KiB"). It returns the new page table's bytes. Consuming the
// arena slot happens before any tree mutation, so a capacity failure
// leaves the tree unchanged.
func (t *Tree) split(pml4Index, pdptIndex, pdIndex int) ([]byte, error) {
	pd := t.pdBytes(pml4Index, pdptIndex)
	parent := readEntry(pd, pdIndex)
	if !parent.IsLarge() {
		return nil, fmt.Errorf("ept: split: entry is not a 2 MiB leaf")
	}

	newPT, err := t.arena.Alloc()
	if err != nil {
		return nil, err
	}

	parentFrame2M := uint64(parent.Frame()) >> 21
	for i := 0; i < hv.EntriesPerTable; i++ {
		childFrame := hv.HPA((hv.EntriesPerTable*parentFrame2M + uint64(i)) << 12)
		writeEntry(newPT.Bytes(), i, NewSmallLeaf(childFrame, parent.MemType(), true, true, true))
	}

	writeEntry(pd, pdIndex, NewDirectoryEntry(newPT.HostPhysical()))
	return newPT.Bytes(), nil
}

// traverseToLeaf walks pml4->pdpt->pd for gpa, splitting the PD entry
// if it is still a 2 MiB leaf, and returns the 4 KiB page table's bytes
// plus the PT index selecting gpa's leaf.
func (t *Tree) traverseToLeaf(gpa hv.GPA) ([]byte, int, error) {
	pml4Index := gpa.PML4Index()
	if pml4Index >= t.pml4Count {
		return nil, 0, fmt.Errorf("ept: %w: guest-physical address 0x%x exceeds PML4 count", hv.ErrInvalidParameter, gpa)
	}

	pml4Entry := readEntry(t.pml4.Bytes(), pml4Index)
	pdptBytes, err := t.invert(pml4Entry.Frame())
	if err != nil {
		return nil, 0, err
	}

	pdptIndex := gpa.PDPTIndex()
	pdptEntry := readEntry(pdptBytes, pdptIndex)
	pdBytes, err := t.invert(pdptEntry.Frame())
	if err != nil {
		return nil, 0, err
	}

	pdIndex := gpa.PDIndex()
	pdEntry := readEntry(pdBytes, pdIndex)

	var ptBytes []byte
	if pdEntry.IsLarge() {
		ptBytes, err = t.split(pml4Index, pdptIndex, pdIndex)
		if err != nil {
			return nil, 0, err
		}
	} else {
		ptBytes, err = t.invert(pdEntry.Frame())
		if err != nil {
			return nil, 0, err
		}
	}

	return ptBytes, gpa.PTIndex(), nil
}

// ChangeMapping traverses to guestPhys's 4 KiB leaf (splitting if
// necessary) and overwrites its frame and permissions, preserving the
// memory type set at split time (spec.md §4.1 "Change mapping").
func (t *Tree) ChangeMapping(guestPhys hv.GPA, targetHostPhys hv.HPA, rwEnable, fetchEnable bool) error {
	if !guestPhys.Aligned() {
		return fmt.Errorf("ept: %w: guestPhys 0x%x is not page-aligned", hv.ErrInvalidParameter, guestPhys)
	}

	ptBytes, ptIndex, err := t.traverseToLeaf(guestPhys)
	if err != nil {
		return err
	}

	existing := readEntry(ptBytes, ptIndex)
	writeEntry(ptBytes, ptIndex, existing.WithFrameAndPermissions(targetHostPhys, rwEnable, rwEnable, fetchEnable))
	return nil
}

// LeafMemType resolves the memory type the four-level walk of addr
// currently terminates at, without splitting — used by tests asserting
// spec.md §8 invariant 2 (walk memory-type matches MTRR resolution).
func (t *Tree) LeafMemType(addr hv.GPA) (hv.MemType, error) {
	pml4Index := addr.PML4Index()
	if pml4Index >= t.pml4Count {
		return 0, fmt.Errorf("ept: %w: guest-physical address 0x%x exceeds PML4 count", hv.ErrInvalidParameter, addr)
	}
	pml4Entry := readEntry(t.pml4.Bytes(), pml4Index)
	pdptBytes, err := t.invert(pml4Entry.Frame())
	if err != nil {
		return 0, err
	}
	pdptEntry := readEntry(pdptBytes, addr.PDPTIndex())
	pdBytes, err := t.invert(pdptEntry.Frame())
	if err != nil {
		return 0, err
	}
	pdEntry := readEntry(pdBytes, addr.PDIndex())
	if pdEntry.IsLarge() {
		return pdEntry.MemType(), nil
	}
	ptBytes, err := t.invert(pdEntry.Frame())
	if err != nil {
		return 0, err
	}
	return readEntry(ptBytes, addr.PTIndex()).MemType(), nil
}

// EntryAt reads back the raw 4 KiB leaf entry for guestPhys without
// triggering a split, returning ok=false if the PD entry is still a
// 2 MiB leaf. Exercised by tests asserting exact permission/frame
// state (spec.md §8's round-trip and capacity properties).
func (t *Tree) EntryAt(guestPhys hv.GPA) (Entry, bool, error) {
	pml4Index := guestPhys.PML4Index()
	if pml4Index >= t.pml4Count {
		return 0, false, fmt.Errorf("ept: %w: guest-physical address 0x%x exceeds PML4 count", hv.ErrInvalidParameter, guestPhys)
	}
	pml4Entry := readEntry(t.pml4.Bytes(), pml4Index)
	pdptBytes, err := t.invert(pml4Entry.Frame())
	if err != nil {
		return 0, false, err
	}
	pdptEntry := readEntry(pdptBytes, guestPhys.PDPTIndex())
	pdBytes, err := t.invert(pdptEntry.Frame())
	if err != nil {
		return 0, false, err
	}
	pdEntry := readEntry(pdBytes, guestPhys.PDIndex())
	if pdEntry.IsLarge() {
		return 0, false, nil
	}
	ptBytes, err := t.invert(pdEntry.Frame())
	if err != nil {
		return 0, false, err
	}
	return readEntry(ptBytes, guestPhys.PTIndex()), true, nil
}

// EPTPointer encodes the VMCS EPT-pointer field for this tree: memory
// type write-back, page-walk length 4, PML4 frame address (spec.md §3
// "EPT Root").
func (t *Tree) EPTPointer() uint64 {
	const (
		memTypeWB       = uint64(hv.MemTypeWB)
		pageWalkLength4 = 3 << 3 // encoded as length-1
	)
	return memTypeWB | pageWalkLength4 | uint64(t.pml4.HostPhysical())
}

// SplitArenaUsed reports how many split-arena slots this tree's
// splits have consumed.
func (t *Tree) SplitArenaUsed() int {
	return t.arena.Used()
}

// Invalidate issues a single-context INVEPT against this tree's EPT
// pointer. Every mapping mutation (install, remove, flip) invalidates
// EPT caches on the current core afterward (spec.md §4.3).
func (t *Tree) Invalidate(cpu vmx.CPU) error {
	return cpu.InvEPT(vmx.InvEPTSingleContext, [2]uint64{t.EPTPointer(), 0})
}

// Destroy releases the tree's Go-level references to its
// paging-structure regions. The backing pages themselves are reclaimed
// only when the owning per-core hostmem.Pool is closed during full
// teardown (spec.md §3 "Lifecycles": "EPT roots are... freed on
// teardown", in the same pass as the rest of per-core state) — the
// pool is a bump allocator with no independent per-region free, so
// there is nothing to do here beyond dropping references for GC.
func (t *Tree) Destroy() {
	t.pml4 = hostmem.Region{}
	t.pdpts = nil
	t.pdArrays = nil
}
