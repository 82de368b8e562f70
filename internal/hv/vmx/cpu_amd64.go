//go:build amd64

package vmx

import "fmt"

// Native is the amd64 CPU implementation. Every method is a thin
// wrapper around a Plan9 assembly stub declared below; the wrapper's
// only job is translating the raw CF/ZF status byte VMX instructions
// leave behind into a Go error, the way gopheros's kernel/cpu package
// wraps its own extern-declared primitives (IsIntel on top of ID()).
type Native struct{}

var _ CPU = Native{}

// The following functions have no Go body; they are implemented in
// cpu_amd64.s. This mirrors the convention gopheros's kernel/cpu package
// uses for EnableInterrupts/Halt/SwitchPDT/ActivePDT/ID: declare the
// signature here, define the instruction sequence in assembly.

//go:noescape
func cpuidRaw(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

//go:noescape
func rdmsrRaw(addr uint32) uint64

//go:noescape
func wrmsrRaw(addr uint32, value uint64)

//go:noescape
func readCR0Raw() uint64

//go:noescape
func writeCR0Raw(value uint64)

//go:noescape
func readCR3Raw() uint64

//go:noescape
func readCR4Raw() uint64

//go:noescape
func writeCR4Raw(value uint64)

//go:noescape
func vmxonRaw(phys uint64) uint8

//go:noescape
func vmxoffRaw() uint8

//go:noescape
func vmclearRaw(phys uint64) uint8

//go:noescape
func vmptrldRaw(phys uint64) uint8

//go:noescape
func vmlaunchRaw() uint8

//go:noescape
func vmresumeRaw() uint8

//go:noescape
func vmreadRaw(field uint64) (value uint64, status uint8)

//go:noescape
func vmwriteRaw(field, value uint64) uint8

//go:noescape
func inveptRaw(typ uint64, descriptor *[2]uint64) uint8

func (Native) Cpuid(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	return cpuidRaw(leaf, subleaf)
}

func (Native) ReadMSR(addr uint32) (uint64, error) {
	return rdmsrRaw(addr), nil
}

func (Native) WriteMSR(addr uint32, value uint64) error {
	wrmsrRaw(addr, value)
	return nil
}

func (Native) ReadCR0() uint64 { return readCR0Raw() }

func (Native) WriteCR0(value uint64) { writeCR0Raw(value) }

func (Native) ReadCR3() uint64 { return readCR3Raw() }

func (Native) ReadCR4() uint64 { return readCR4Raw() }

func (Native) WriteCR4(value uint64) { writeCR4Raw(value) }

func (Native) VMXOn(regionHPA uint64) error {
	return statusError("vmxon", vmxonRaw(regionHPA))
}

func (Native) VMXOff() error {
	return statusError("vmxoff", vmxoffRaw())
}

func (Native) VMClear(vmcsHPA uint64) error {
	return statusError("vmclear", vmclearRaw(vmcsHPA))
}

func (Native) VMPtrld(vmcsHPA uint64) error {
	return statusError("vmptrld", vmptrldRaw(vmcsHPA))
}

func (Native) VMLaunch() error {
	return statusError("vmlaunch", vmlaunchRaw())
}

func (Native) VMResume() error {
	return statusError("vmresume", vmresumeRaw())
}

func (Native) VMRead(field uint64) (uint64, error) {
	value, status := vmreadRaw(field)
	if status != 0 {
		return 0, fmt.Errorf("vmx: vmread(0x%x): %w", field, statusError("vmread", status))
	}
	return value, nil
}

func (Native) VMWrite(field, value uint64) error {
	return statusError(fmt.Sprintf("vmwrite(0x%x)", field), vmwriteRaw(field, value))
}

func (Native) InvEPT(invEPTType uint64, descriptor [2]uint64) error {
	return statusError("invept", inveptRaw(invEPTType, &descriptor))
}
