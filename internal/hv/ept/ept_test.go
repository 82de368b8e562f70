package ept

import (
	"errors"
	"testing"

	"github.com/tinyrange/mzhv/internal/hv/hostmem"
	"github.com/tinyrange/mzhv/internal/hv/hv"
	"github.com/tinyrange/mzhv/internal/hv/mtrr"
	"github.com/tinyrange/mzhv/internal/hv/vmx"
)

const testPoolCapacity = 4 * 1024 * 1024

func newTestTree(t *testing.T, cpu *vmx.Fake) (*Tree, *hostmem.Pool) {
	t.Helper()
	pool, err := hostmem.NewPool(testPoolCapacity)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	cfg, err := mtrr.Resolve(cpu)
	if err != nil {
		t.Fatalf("mtrr.Resolve: %v", err)
	}

	arena := NewSplitArena(pool)
	tree, err := Build(pool, arena, cfg, 39)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return tree, pool
}

func defaultWBCpu() *vmx.Fake {
	cpu := vmx.NewFake()
	cpu.MSRs[vmx.MsrIA32MTRRCap] = 0
	cpu.MSRs[vmx.MsrIA32MTRRDefType] = uint64(hv.MemTypeWB)
	return cpu
}

func TestBuildIdentityMappingUnsplit(t *testing.T) {
	tree, _ := newTestTree(t, defaultWBCpu())

	addr := hv.GPA(10 * hv.LargePageSize)
	_, ok, err := tree.EntryAt(addr)
	if err != nil {
		t.Fatalf("EntryAt: %v", err)
	}
	if ok {
		t.Fatalf("EntryAt: expected unsplit 2 MiB leaf")
	}

	memType, err := tree.LeafMemType(addr)
	if err != nil {
		t.Fatalf("LeafMemType: %v", err)
	}
	if memType != hv.MemTypeWB {
		t.Fatalf("LeafMemType = %v, want WB", memType)
	}
}

func TestChangeMappingSplitsAndSetsLeaf(t *testing.T) {
	tree, _ := newTestTree(t, defaultWBCpu())

	guest := hv.GPA(5 * hv.LargePageSize)
	target := hv.HPA(0x9000_0000)

	if err := tree.ChangeMapping(guest, target, false, false); err != nil {
		t.Fatalf("ChangeMapping: %v", err)
	}

	entry, ok, err := tree.EntryAt(guest)
	if err != nil {
		t.Fatalf("EntryAt: %v", err)
	}
	if !ok {
		t.Fatalf("EntryAt: expected split 4 KiB leaf")
	}
	if entry.Frame() != target {
		t.Fatalf("Frame() = 0x%x, want 0x%x", entry.Frame(), target)
	}
	read, write, fetch := entry.Permissions()
	if read || write || fetch {
		t.Fatalf("Permissions = (%v,%v,%v), want all false (dormant)", read, write, fetch)
	}
	if tree.SplitArenaUsed() != 1 {
		t.Fatalf("SplitArenaUsed() = %d, want 1", tree.SplitArenaUsed())
	}
}

func TestChangeMappingPreservesMemTypeAcrossFlips(t *testing.T) {
	cpu := defaultWBCpu()
	cpu.MSRs[vmx.MsrIA32MTRRCap] = 1
	// One variable MTRR marking a 64 MiB region WT, covering our test
	// address, so the split inherits WT rather than the default WB.
	base := uint64(0)
	length := uint64(64 * 1024 * 1024)
	maskFrame := (^(length - 1)) & ((1 << 52) - 1)
	cpu.MSRs[vmx.MsrIA32MTRRPhysBase0] = base | uint64(hv.MemTypeWT)
	cpu.MSRs[vmx.MsrIA32MTRRPhysMask0] = maskFrame | (1 << 11)

	tree, _ := newTestTree(t, cpu)

	guest := hv.GPA(1 * hv.LargePageSize)
	if err := tree.ChangeMapping(guest, hv.HPA(0x1234_5000), true, false); err != nil {
		t.Fatalf("ChangeMapping: %v", err)
	}
	if err := tree.ChangeMapping(guest, hv.HPA(0x5678_9000), false, true); err != nil {
		t.Fatalf("second ChangeMapping: %v", err)
	}

	entry, ok, err := tree.EntryAt(guest)
	if err != nil {
		t.Fatalf("EntryAt: %v", err)
	}
	if !ok {
		t.Fatalf("expected split leaf")
	}
	if entry.MemType() != hv.MemTypeWT {
		t.Fatalf("MemType() = %v, want WT preserved across flips", entry.MemType())
	}
}

func TestSplitCapacityExhausted(t *testing.T) {
	tree, _ := newTestTree(t, defaultWBCpu())

	for i := 0; i < hv.MaxSplitArenaSlots; i++ {
		addr := hv.GPA(uint64(i) * hv.LargePageSize)
		if err := tree.ChangeMapping(addr, hv.HPA(uint64(i)*hv.PageSize), true, true); err != nil {
			t.Fatalf("ChangeMapping[%d]: %v", i, err)
		}
	}

	overflow := hv.GPA(uint64(hv.MaxSplitArenaSlots) * hv.LargePageSize)
	err := tree.ChangeMapping(overflow, hv.HPA(0), true, true)
	if !errors.Is(err, hv.ErrCapacity) {
		t.Fatalf("33rd split error = %v, want ErrCapacity", err)
	}
	if tree.SplitArenaUsed() != hv.MaxSplitArenaSlots {
		t.Fatalf("SplitArenaUsed() = %d, want %d after failed split", tree.SplitArenaUsed(), hv.MaxSplitArenaSlots)
	}
}

func TestChangeMappingRejectsUnaligned(t *testing.T) {
	tree, _ := newTestTree(t, defaultWBCpu())

	if err := tree.ChangeMapping(hv.GPA(1), hv.HPA(0x1000), true, true); !errors.Is(err, hv.ErrInvalidParameter) {
		t.Fatalf("ChangeMapping(unaligned) err = %v, want ErrInvalidParameter", err)
	}
}

func TestFixedRangeOverlayAppliesBelow1MiBOnly(t *testing.T) {
	cpu := defaultWBCpu()
	cpu.MSRs[vmx.MsrIA32MTRRDefType] = uint64(hv.MemTypeWB) | (1 << 10) | (1 << 11)

	var allUC uint64
	for i := 0; i < 8; i++ {
		allUC |= uint64(hv.MemTypeUC) << (8 * i)
	}
	cpu.MSRs[vmx.MsrIA32MTRRFix64K00000] = allUC
	cpu.MSRs[vmx.MsrIA32MTRRFix16K80000] = allUC
	cpu.MSRs[vmx.MsrIA32MTRRFix16KA0000] = allUC
	for _, msr := range []uint32{
		vmx.MsrIA32MTRRFix4KC0000, vmx.MsrIA32MTRRFix4KC8000,
		vmx.MsrIA32MTRRFix4KD0000, vmx.MsrIA32MTRRFix4KD8000,
		vmx.MsrIA32MTRRFix4KE0000, vmx.MsrIA32MTRRFix4KE8000,
		vmx.MsrIA32MTRRFix4KF0000, vmx.MsrIA32MTRRFix4KF8000,
	} {
		cpu.MSRs[msr] = allUC
	}

	tree, _ := newTestTree(t, cpu)

	entry, ok, err := tree.EntryAt(hv.GPA(0))
	if err != nil {
		t.Fatalf("EntryAt: %v", err)
	}
	if !ok {
		t.Fatalf("EntryAt: expected fixed-range overlay to have split PD[0]")
	}
	if entry.MemType() != hv.MemTypeUC {
		t.Fatalf("MemType() = %v, want UC in fixed-range overlay", entry.MemType())
	}

	entryHigh, ok, err := tree.EntryAt(hv.GPA(1536 * 1024)) // 1.5 MiB, above the overlay
	if err != nil {
		t.Fatalf("EntryAt high: %v", err)
	}
	if !ok {
		t.Fatalf("EntryAt high: expected split (same PD entry as 0)")
	}
	if entryHigh.MemType() != hv.MemTypeWB {
		t.Fatalf("MemType() above 1 MiB = %v, want WB (unaffected by overlay)", entryHigh.MemType())
	}
}

func TestEPTPointerEncoding(t *testing.T) {
	tree, _ := newTestTree(t, defaultWBCpu())
	eptp := tree.EPTPointer()
	if eptp&0x7 != uint64(hv.MemTypeWB) {
		t.Fatalf("EPTPointer memtype bits = %d, want WB", eptp&0x7)
	}
	if (eptp>>3)&0x7 != 3 {
		t.Fatalf("EPTPointer page-walk-length bits = %d, want 3", (eptp>>3)&0x7)
	}
}
