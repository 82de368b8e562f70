// Package mtrr resolves the host's Memory-Type Range Register
// configuration into a per-2 MiB-leaf memory-type byte (spec.md §4.2).
// It is read once, at EPT build time, and never again: MTRR changes
// after enable are deliberately not tracked (spec.md §9).
package mtrr

import (
	"fmt"
	"math/bits"

	"github.com/tinyrange/mzhv/internal/hv/hv"
	"github.com/tinyrange/mzhv/internal/hv/vmx"
)

// variableRange is one decoded IA32_MTRR_PHYSBASEn/PHYSMASKn pair.
type variableRange struct {
	base   uint64
	length uint64
	typ    hv.MemType
	valid  bool
}

// fixedRange is one resolved 4 KiB run from the eleven fixed-range
// MTRR MSRs covering the first 1 MiB of physical address space.
type fixedRange struct {
	base uint64
	typ  hv.MemType
}

// Config is the resolved MTRR snapshot an EPT build consults for every
// 2 MiB leaf's memory-type and, separately, the first megabyte's
// fixed-range overlay.
type Config struct {
	variable     []variableRange
	fixedEnabled bool
	fixed        []fixedRange
	defaultType  hv.MemType
}

// physMaskValidBit is IA32_MTRR_PHYSMASKn bit 11.
const physMaskValidBit = 1 << 11

// fixedRangeEnableBit and mtrrEnableBit are IA32_MTRR_DEF_TYPE bits 10
// and 11 respectively.
const (
	fixedRangeEnableBit uint64 = 1 << 10
	mtrrEnableBit       uint64 = 1 << 11
	defTypeMask         uint64 = 0xFF
)

// physAddrMask keeps only the frame-number bits a PHYSBASE/PHYSMASK MSR
// carries; spec.md caps addressable physical memory at 2 TiB, well
// inside the 52-bit frame field, so a conservative 52-bit mask is
// always safe here.
const physAddrMask uint64 = (1 << 52) - 1

// fixedRangeMSRs lists the eleven fixed-range MTRR MSRs in address
// order, each paired with the byte-size of the block one MSR byte
// describes (spec.md §4.2 "sizes 64, 16, 16, 8x4 KiB blocks").
var fixedRangeMSRs = []struct {
	msr       uint32
	blockSize uint64
}{
	{vmx.MsrIA32MTRRFix64K00000, 64 * 1024},
	{vmx.MsrIA32MTRRFix16K80000, 16 * 1024},
	{vmx.MsrIA32MTRRFix16KA0000, 16 * 1024},
	{vmx.MsrIA32MTRRFix4KC0000, 4 * 1024},
	{vmx.MsrIA32MTRRFix4KC8000, 4 * 1024},
	{vmx.MsrIA32MTRRFix4KD0000, 4 * 1024},
	{vmx.MsrIA32MTRRFix4KD8000, 4 * 1024},
	{vmx.MsrIA32MTRRFix4KE0000, 4 * 1024},
	{vmx.MsrIA32MTRRFix4KE8000, 4 * 1024},
	{vmx.MsrIA32MTRRFix4KF0000, 4 * 1024},
	{vmx.MsrIA32MTRRFix4KF8000, 4 * 1024},
}

// Resolve reads every MTRR MSR once and builds a Config. It never
// touches EPT state; the caller applies the result to 2 MiB leaves and
// the first-megabyte overlay.
func Resolve(cpu vmx.CPU) (*Config, error) {
	capMSR, err := cpu.ReadMSR(vmx.MsrIA32MTRRCap)
	if err != nil {
		return nil, fmt.Errorf("mtrr: read MTRRCAP: %w", err)
	}
	count := int(capMSR & 0xFF)
	if count > 255 {
		count = 255
	}

	cfg := &Config{}

	for i := 0; i < count; i++ {
		baseMSR, err := cpu.ReadMSR(vmx.MsrIA32MTRRPhysBase0 + uint32(2*i))
		if err != nil {
			return nil, fmt.Errorf("mtrr: read PHYSBASE%d: %w", i, err)
		}
		maskMSR, err := cpu.ReadMSR(vmx.MsrIA32MTRRPhysMask0 + uint32(2*i))
		if err != nil {
			return nil, fmt.Errorf("mtrr: read PHYSMASK%d: %w", i, err)
		}
		if maskMSR&physMaskValidBit == 0 {
			continue
		}

		maskFrame := maskMSR & physAddrMask &^ (hv.PageSize - 1)
		if maskFrame == 0 {
			return nil, fmt.Errorf("mtrr: %w: variable MTRR %d has zero mask", hv.ErrInvalidParameter, i)
		}
		length := uint64(1) << bits.TrailingZeros64(maskFrame)

		typ := hv.MemType(baseMSR & defTypeMask)
		if !typ.Valid() {
			return nil, fmt.Errorf("mtrr: variable MTRR %d: %w: type 0x%x", i, hv.ErrInvalidParameter, typ)
		}

		cfg.variable = append(cfg.variable, variableRange{
			base:   baseMSR & physAddrMask &^ 0xFFF,
			length: length,
			typ:    typ,
			valid:  true,
		})
	}

	defType, err := cpu.ReadMSR(vmx.MsrIA32MTRRDefType)
	if err != nil {
		return nil, fmt.Errorf("mtrr: read MTRR_DEF_TYPE: %w", err)
	}
	cfg.defaultType = hv.MemType(defType & defTypeMask)
	if !cfg.defaultType.Valid() {
		return nil, fmt.Errorf("mtrr: %w: default type 0x%x", hv.ErrInvalidParameter, cfg.defaultType)
	}

	cfg.fixedEnabled = defType&fixedRangeEnableBit != 0 && defType&mtrrEnableBit != 0
	if cfg.fixedEnabled {
		if err := cfg.resolveFixedRanges(cpu); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// VariableRangeOverride is one deterministic variable-range entry
// FromOverrides installs in place of a hardware MTRR read (spec.md §9
// "environment facts", wired through internal/hvconfig for tests and
// simulation runs that should not depend on the host's real MTRRs).
type VariableRangeOverride struct {
	Base   uint64
	Length uint64
	Type   hv.MemType
}

// FromOverrides builds a Config directly from a fixed table instead of
// reading MSRs, with no fixed-range overlay. Used when hvconfig
// supplies an MTRR override table.
func FromOverrides(overrides []VariableRangeOverride, defaultType hv.MemType) (*Config, error) {
	if !defaultType.Valid() {
		return nil, fmt.Errorf("mtrr: %w: default type 0x%x", hv.ErrInvalidParameter, defaultType)
	}

	cfg := &Config{defaultType: defaultType}
	for i, o := range overrides {
		if !o.Type.Valid() {
			return nil, fmt.Errorf("mtrr: override %d: %w: type 0x%x", i, hv.ErrInvalidParameter, o.Type)
		}
		if o.Length == 0 || o.Length&(o.Length-1) != 0 {
			return nil, fmt.Errorf("mtrr: override %d: %w: length 0x%x is not a power of two", i, hv.ErrInvalidParameter, o.Length)
		}
		cfg.variable = append(cfg.variable, variableRange{
			base:   o.Base,
			length: o.Length,
			typ:    o.Type,
			valid:  true,
		})
	}
	return cfg, nil
}

func (cfg *Config) resolveFixedRanges(cpu vmx.CPU) error {
	var offset uint64
	for _, reg := range fixedRangeMSRs {
		value, err := cpu.ReadMSR(reg.msr)
		if err != nil {
			return fmt.Errorf("mtrr: read fixed MSR 0x%x: %w", reg.msr, err)
		}
		for byteIdx := 0; byteIdx < 8; byteIdx++ {
			typ := hv.MemType(byte(value >> (8 * byteIdx)))
			if !typ.Valid() {
				return fmt.Errorf("mtrr: %w: fixed-range byte has type 0x%x", hv.ErrInvalidParameter, typ)
			}
			cfg.fixed = append(cfg.fixed, fixedRange{base: offset, typ: typ})
			offset += reg.blockSize
		}
	}
	return nil
}

// fixedRangeLimit is the span covered by the fixed-range MSRs: the
// first 1 MiB of physical address space.
const fixedRangeLimit = 1 << 20

// LeafType resolves the memory-type for the 2 MiB-aligned leaf address
// at addr, applying spec.md §4.2's precedence rules over every
// variable MTRR whose range contains it. The fixed-range overlay is
// resolved separately by FixedRangeType for addresses below 1 MiB.
func (cfg *Config) LeafType(addr hv.GPA) (hv.MemType, error) {
	base := uint64(addr) &^ (hv.LargePageSize - 1)

	var hits []hv.MemType
	for _, r := range cfg.variable {
		if base >= r.base && base < r.base+r.length {
			hits = append(hits, r.typ)
		}
	}

	return resolvePrecedence(hits, cfg.defaultType)
}

// FixedRangeType resolves the memory-type for the 4 KiB-aligned
// address addr, which must lie below 1 MiB, using the fixed-range
// overlay. Callers must first check FixedRangeEnabled.
func (cfg *Config) FixedRangeType(addr hv.GPA) (hv.MemType, error) {
	if uint64(addr) >= fixedRangeLimit {
		return 0, fmt.Errorf("mtrr: %w: fixed-range address 0x%x out of range", hv.ErrInvalidParameter, addr)
	}
	idx := int(uint64(addr) / hv.PageSize)
	if idx >= len(cfg.fixed) {
		return 0, fmt.Errorf("mtrr: %w: fixed-range index %d out of range", hv.ErrInvalidParameter, idx)
	}
	return cfg.fixed[idx].typ, nil
}

// FixedRangeEnabled reports whether the fixed-range MTRR overlay
// applies (both the fixed-range-enable and MTRR-enable bits were set
// in IA32_MTRR_DEF_TYPE at resolve time).
func (cfg *Config) FixedRangeEnabled() bool {
	return cfg.fixedEnabled
}

func resolvePrecedence(hits []hv.MemType, defaultType hv.MemType) (hv.MemType, error) {
	if len(hits) == 0 {
		return defaultType, nil
	}

	distinct := map[hv.MemType]bool{}
	for _, h := range hits {
		distinct[h] = true
	}
	if len(distinct) == 1 {
		return hits[0], nil
	}
	if distinct[hv.MemTypeUC] {
		return hv.MemTypeUC, nil
	}
	if len(distinct) == 2 && distinct[hv.MemTypeWT] && distinct[hv.MemTypeWB] {
		return hv.MemTypeWT, nil
	}
	return 0, fmt.Errorf("mtrr: %w: inconsistent memory types %v", hv.ErrFatal, distinctList(distinct))
}

func distinctList(m map[hv.MemType]bool) []hv.MemType {
	var out []hv.MemType
	for t := range m {
		out = append(out, t)
	}
	return out
}
