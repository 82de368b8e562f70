package vmx

import "fmt"

// Fake is an in-memory CPU used by tests for every package above vmx.
// It models just enough of the architecture for the MTRR resolver,
// lifecycle and VM-exit dispatcher tests to drive real code paths
// without hardware: MSRs are a plain map, CR0/CR4 are plain fields, and
// the VMX instruction set tracks a single "current VMCS" plus a scratch
// field store so VMRead/VMWrite round-trip.
type Fake struct {
	MSRs map[uint32]uint64

	CR0 uint64
	CR3 uint64
	CR4 uint64

	VMXOnRegion uint64
	InVMXOp     bool

	CurrentVMCS uint64
	VMCSFields  map[uint64]map[uint64]uint64 // vmcs HPA -> field -> value

	CpuidFn func(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

	LaunchedCalls  int
	ResumedCalls   int
	InvEPTCalls    int
	FailNextLaunch bool
}

var _ CPU = (*Fake)(nil)

// NewFake returns a Fake with a GenuineIntel CPUID.0 response and an
// empty MSR set.
func NewFake() *Fake {
	return &Fake{
		MSRs:       map[uint32]uint64{},
		VMCSFields: map[uint64]map[uint64]uint64{},
		CpuidFn:    genuineIntelCpuid,
	}
}

func genuineIntelCpuid(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	switch leaf {
	case 0:
		// "GenuineIntel", standard EBX,EDX,ECX order.
		return 1, 0x756e6547, 0x6c65746e, 0x49656e69
	case 1:
		return 0x000306A9, 0, 0, 0
	default:
		return 0, 0, 0, 0
	}
}

func (f *Fake) Cpuid(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	return f.CpuidFn(leaf, subleaf)
}

func (f *Fake) ReadMSR(addr uint32) (uint64, error) {
	return f.MSRs[addr], nil
}

func (f *Fake) WriteMSR(addr uint32, value uint64) error {
	f.MSRs[addr] = value
	return nil
}

func (f *Fake) ReadCR0() uint64          { return f.CR0 }
func (f *Fake) WriteCR0(value uint64)    { f.CR0 = value }
func (f *Fake) ReadCR3() uint64          { return f.CR3 }
func (f *Fake) ReadCR4() uint64          { return f.CR4 }
func (f *Fake) WriteCR4(value uint64)    { f.CR4 = value }

func (f *Fake) VMXOn(regionHPA uint64) error {
	if f.InVMXOp {
		return fmt.Errorf("vmx: fake: already in VMX operation")
	}
	f.VMXOnRegion = regionHPA
	f.InVMXOp = true
	return nil
}

func (f *Fake) VMXOff() error {
	if !f.InVMXOp {
		return statusError("vmxoff", 1)
	}
	f.InVMXOp = false
	f.CurrentVMCS = 0
	return nil
}

func (f *Fake) VMClear(vmcsHPA uint64) error {
	delete(f.VMCSFields, vmcsHPA)
	if f.CurrentVMCS == vmcsHPA {
		f.CurrentVMCS = 0
	}
	return nil
}

func (f *Fake) VMPtrld(vmcsHPA uint64) error {
	if _, ok := f.VMCSFields[vmcsHPA]; !ok {
		f.VMCSFields[vmcsHPA] = map[uint64]uint64{}
	}
	f.CurrentVMCS = vmcsHPA
	return nil
}

func (f *Fake) VMLaunch() error {
	f.LaunchedCalls++
	if f.FailNextLaunch {
		f.FailNextLaunch = false
		return statusError("vmlaunch", 1)
	}
	return nil
}

func (f *Fake) VMResume() error {
	f.ResumedCalls++
	return nil
}

func (f *Fake) VMRead(field uint64) (uint64, error) {
	if f.CurrentVMCS == 0 {
		return 0, fmt.Errorf("vmx: fake: vmread without current VMCS")
	}
	return f.VMCSFields[f.CurrentVMCS][field], nil
}

func (f *Fake) VMWrite(field, value uint64) error {
	if f.CurrentVMCS == 0 {
		return fmt.Errorf("vmx: fake: vmwrite without current VMCS")
	}
	f.VMCSFields[f.CurrentVMCS][field] = value
	return nil
}

func (f *Fake) InvEPT(invEPTType uint64, descriptor [2]uint64) error {
	f.InvEPTCalls++
	return nil
}
