// Package vmx isolates every place this repository issues a raw,
// privileged x86 instruction (CPUID, RDMSR/WRMSR, CRn access, and the
// VMX instruction set) behind a small interface. Real VM-exit handling
// always runs in VMX root mode on a dedicated per-core stack (spec.md
// §4.4, §9 "Control-flow re-entry via hardware"); everything above this
// package only ever talks to the CPU interface, never the raw
// instructions, so the EPT/MTRR/mapping/dispatcher logic can be
// exercised with Fake on any host.
package vmx

import "fmt"

// MSR addresses referenced by the lifecycle and MTRR resolver.
const (
	MsrIA32FeatureControl  = 0x3A
	MsrIA32VMXBasic        = 0x480
	MsrIA32VMXCR0Fixed0    = 0x486
	MsrIA32VMXCR0Fixed1    = 0x487
	MsrIA32VMXCR4Fixed0    = 0x488
	MsrIA32VMXCR4Fixed1    = 0x489
	MsrIA32VMXTrueEntry    = 0x490
	MsrIA32VMXTrueExit     = 0x48F
	MsrIA32VMXTruePinbased = 0x48D
	MsrIA32VMXTrueProcbased = 0x48E
	MsrIA32VMXProcbased2   = 0x48B

	MsrIA32MTRRCap      = 0xFE
	MsrIA32MTRRDefType  = 0x2FF
	MsrIA32MTRRPhysBase0 = 0x200
	MsrIA32MTRRPhysMask0 = 0x201

	// Fixed-range MTRR MSRs, in the order spec.md §4.2 walks them:
	// one 64 KiB range, two 16 KiB ranges, eight 4 KiB ranges.
	MsrIA32MTRRFix64K00000 = 0x250
	MsrIA32MTRRFix16K80000 = 0x258
	MsrIA32MTRRFix16KA0000 = 0x259
	MsrIA32MTRRFix4KC0000  = 0x268
	MsrIA32MTRRFix4KC8000  = 0x269
	MsrIA32MTRRFix4KD0000  = 0x26A
	MsrIA32MTRRFix4KD8000  = 0x26B
	MsrIA32MTRRFix4KE0000  = 0x26C
	MsrIA32MTRRFix4KE8000  = 0x26D
	MsrIA32MTRRFix4KF0000  = 0x26E
	MsrIA32MTRRFix4KF8000  = 0x26F
)

// CR4 bits touched by lifecycle enable/disable.
const (
	CR4VMXEnable uint64 = 1 << 13
)

// IA32_FEATURE_CONTROL bits.
const (
	FeatureControlLock            uint64 = 1 << 0
	FeatureControlVMXOutsideSMX   uint64 = 1 << 2
)

// VMCS encodings used by the VM-exit dispatcher and lifecycle (the
// subset spec.md §4.4/§4.6 names: guest RIP/RSP, exit reason,
// qualification, guest-physical address, instruction length, and the
// processor-based/entry/exit controls touched during VMCS setup).
const (
	VMCSGuestRIP                 = 0x681E
	VMCSGuestRSP                 = 0x681C
	VMCSExitReason               = 0x4402
	VMCSExitQualification        = 0x6400
	VMCSGuestPhysicalAddress     = 0x2400
	VMCSVMExitInstructionLen     = 0x440C
	VMCSSecondaryProcBasedCtls   = 0x401E
	VMCSPinBasedCtls             = 0x4000
	VMCSPrimaryProcBasedCtls     = 0x4002
	VMCSExitCtls                 = 0x400C
	VMCSEntryCtls                = 0x4012
	VMCSEPTPointer               = 0x201A
	VMCSMSRBitmapAddr            = 0x2004
	VMCSGuestCR3                 = 0x6802
	VMCSHostCR3                  = 0x6C02
	VMCSHostRIP                  = 0x6C16
	VMCSHostRSP                  = 0x6C14
)

// Secondary processor-based control bits.
const (
	SecondaryCtlEnableEPT uint64 = 1 << 1
)

// Primary processor-based control bits.
const (
	PrimaryCtlUseMSRBitmaps   uint64 = 1 << 28
	PrimaryCtlSecondaryCtls   uint64 = 1 << 31
)

// VM-exit / VM-entry control bits used by lifecycle.
const (
	ExitCtlHostAddressSpaceSize uint64 = 1 << 9
	EntryCtlIA32eModeGuest      uint64 = 1 << 9
)

// INVEPT types: single-context invalidates one EPTP's derived
// mappings, all-context invalidates every EPTP (unused here — every
// mapping mutation names the current core's own EPTP).
const (
	InvEPTSingleContext uint64 = 1
	InvEPTAllContexts   uint64 = 2
)

// CPU is every privileged instruction the hypervisor core issues. An
// amd64 build wires this to real hardware instructions (cpu_amd64.go);
// tests use Fake.
type CPU interface {
	// Cpuid executes CPUID with EAX=leaf, ECX=subleaf.
	Cpuid(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

	ReadMSR(addr uint32) (uint64, error)
	WriteMSR(addr uint32, value uint64) error

	ReadCR0() uint64
	WriteCR0(value uint64)
	ReadCR3() uint64
	ReadCR4() uint64
	WriteCR4(value uint64)

	// VMXOn enters VMX operation with the VMXON region at the given
	// host-physical address.
	VMXOn(regionHPA uint64) error
	VMXOff() error

	VMClear(vmcsHPA uint64) error
	VMPtrld(vmcsHPA uint64) error
	VMLaunch() error
	VMResume() error

	VMRead(field uint64) (uint64, error)
	VMWrite(field, value uint64) error

	// InvEPT invalidates EPT-derived TLB/paging-structure caches for
	// the EPT pointer in descriptor[0] (type 1, single-context) or
	// globally (type 2).
	InvEPT(invEPTType uint64, descriptor [2]uint64) error
}

// ErrVMInstruction is returned when a VMX instruction sets CF or ZF,
// i.e. VMfailInvalid or VMfailValid per the Intel SDM.
var ErrVMInstruction = fmt.Errorf("vmx: VM instruction failed")

func statusError(op string, status uint8) error {
	if status == 0 {
		return nil
	}
	return fmt.Errorf("vmx: %s failed (status=%d): %w", op, status, ErrVMInstruction)
}
