package mtrr

import (
	"errors"
	"testing"

	"github.com/tinyrange/mzhv/internal/hv/hv"
	"github.com/tinyrange/mzhv/internal/hv/vmx"
)

func newFakeWithDefault(typ hv.MemType) *vmx.Fake {
	cpu := vmx.NewFake()
	cpu.MSRs[vmx.MsrIA32MTRRCap] = 2 // two variable MTRRs, fixed-range support signaled elsewhere
	cpu.MSRs[vmx.MsrIA32MTRRDefType] = uint64(typ)
	return cpu
}

func setVariableRange(cpu *vmx.Fake, idx int, base, length uint64, typ hv.MemType) {
	maskFrame := (^(length - 1)) & ((1 << 52) - 1)
	cpu.MSRs[vmx.MsrIA32MTRRPhysBase0+uint32(2*idx)] = base | uint64(typ)
	cpu.MSRs[vmx.MsrIA32MTRRPhysMask0+uint32(2*idx)] = maskFrame | (1 << 11)
}

func TestLeafTypeNoHitsUsesDefault(t *testing.T) {
	cpu := newFakeWithDefault(hv.MemTypeWB)
	cfg, err := Resolve(cpu)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	typ, err := cfg.LeafType(hv.GPA(100 * hv.LargePageSize))
	if err != nil {
		t.Fatalf("LeafType: %v", err)
	}
	if typ != hv.MemTypeWB {
		t.Fatalf("LeafType = %v, want WB", typ)
	}
}

func TestLeafTypeSingleHit(t *testing.T) {
	cpu := newFakeWithDefault(hv.MemTypeWB)
	setVariableRange(cpu, 0, 0x1000_0000, 16*hv.LargePageSize, hv.MemTypeWT)
	cfg, err := Resolve(cpu)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	typ, err := cfg.LeafType(hv.GPA(0x1000_0000))
	if err != nil {
		t.Fatalf("LeafType: %v", err)
	}
	if typ != hv.MemTypeWT {
		t.Fatalf("LeafType = %v, want WT", typ)
	}
}

func TestLeafTypeHitAwayFromRangeBase(t *testing.T) {
	cpu := newFakeWithDefault(hv.MemTypeWB)
	setVariableRange(cpu, 0, 0x4000_0000, 16*hv.LargePageSize, hv.MemTypeWT)
	cfg, err := Resolve(cpu)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	// Query well inside the range but not at its base: a mask that leaks
	// the valid bit into the computed length collapses every range to a
	// fixed 2 KiB span, which would miss this address entirely.
	typ, err := cfg.LeafType(hv.GPA(0x4000_0000 + 10*hv.LargePageSize))
	if err != nil {
		t.Fatalf("LeafType: %v", err)
	}
	if typ != hv.MemTypeWT {
		t.Fatalf("LeafType = %v, want WT", typ)
	}
}

func TestLeafTypePrecedenceUCWins(t *testing.T) {
	cpu := newFakeWithDefault(hv.MemTypeWB)
	setVariableRange(cpu, 0, 0, 64*hv.LargePageSize, hv.MemTypeUC)
	setVariableRange(cpu, 1, 0, 32*hv.LargePageSize, hv.MemTypeWB)
	cfg, err := Resolve(cpu)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	typ, err := cfg.LeafType(hv.GPA(0))
	if err != nil {
		t.Fatalf("LeafType: %v", err)
	}
	if typ != hv.MemTypeUC {
		t.Fatalf("LeafType = %v, want UC", typ)
	}
}

func TestLeafTypePrecedenceWTWB(t *testing.T) {
	cpu := newFakeWithDefault(hv.MemTypeWB)
	setVariableRange(cpu, 0, 0, 64*hv.LargePageSize, hv.MemTypeWT)
	setVariableRange(cpu, 1, 0, 32*hv.LargePageSize, hv.MemTypeWB)
	cfg, err := Resolve(cpu)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	typ, err := cfg.LeafType(hv.GPA(0))
	if err != nil {
		t.Fatalf("LeafType: %v", err)
	}
	if typ != hv.MemTypeWT {
		t.Fatalf("LeafType = %v, want WT", typ)
	}
}

func TestLeafTypePrecedenceWCWBFails(t *testing.T) {
	cpu := newFakeWithDefault(hv.MemTypeWB)
	setVariableRange(cpu, 0, 0, 64*hv.LargePageSize, hv.MemTypeWC)
	setVariableRange(cpu, 1, 0, 32*hv.LargePageSize, hv.MemTypeWB)
	cfg, err := Resolve(cpu)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := cfg.LeafType(hv.GPA(0)); !errors.Is(err, hv.ErrFatal) {
		t.Fatalf("LeafType err = %v, want ErrFatal", err)
	}
}

func TestResolveIsRepeatable(t *testing.T) {
	cpu := newFakeWithDefault(hv.MemTypeWB)
	setVariableRange(cpu, 0, 0x2000_0000, 2*hv.LargePageSize, hv.MemTypeWT)
	cfg, err := Resolve(cpu)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	first, err := cfg.LeafType(hv.GPA(0x2000_0000))
	if err != nil {
		t.Fatalf("LeafType: %v", err)
	}
	second, err := cfg.LeafType(hv.GPA(0x2000_0000))
	if err != nil {
		t.Fatalf("LeafType: %v", err)
	}
	if first != second {
		t.Fatalf("repeated resolution differs: %v != %v", first, second)
	}
}

func TestFixedRangeOverlay(t *testing.T) {
	cpu := newFakeWithDefault(hv.MemTypeWB)
	cpu.MSRs[vmx.MsrIA32MTRRDefType] = uint64(hv.MemTypeWB) | (1 << 10) | (1 << 11)

	var fix64k uint64
	for i := 0; i < 8; i++ {
		fix64k |= uint64(hv.MemTypeUC) << (8 * i)
	}
	cpu.MSRs[vmx.MsrIA32MTRRFix64K00000] = fix64k

	cfg, err := Resolve(cpu)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !cfg.FixedRangeEnabled() {
		t.Fatalf("FixedRangeEnabled() = false, want true")
	}
	typ, err := cfg.FixedRangeType(hv.GPA(0))
	if err != nil {
		t.Fatalf("FixedRangeType: %v", err)
	}
	if typ != hv.MemTypeUC {
		t.Fatalf("FixedRangeType = %v, want UC", typ)
	}
}

func TestFixedRangeDisabledWithoutBothBits(t *testing.T) {
	cpu := newFakeWithDefault(hv.MemTypeWB)
	cfg, err := Resolve(cpu)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.FixedRangeEnabled() {
		t.Fatalf("FixedRangeEnabled() = true, want false")
	}
}
