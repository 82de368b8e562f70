// Package vmexit is the VM-exit state machine that runs in VMX root
// mode after a hardware VM-exit (spec.md §4.4). It classifies the exit
// reason, routes CPUID/VMCALL/EPT-violation exits to their handlers,
// and advances the guest's instruction pointer for every exit except
// an EPT violation (spec.md §9 "Control-flow re-entry via hardware":
// this package models the root-mode entry function itself, not a
// guest-visible call).
package vmexit

import (
	"fmt"

	"github.com/tinyrange/mzhv/internal/debug"
	"github.com/tinyrange/mzhv/internal/hv/hv"
	"github.com/tinyrange/mzhv/internal/hv/mapping"
	"github.com/tinyrange/mzhv/internal/hv/percore"
	"github.com/tinyrange/mzhv/internal/hv/vmx"
)

// State is the dispatcher's lifecycle state.
type State int

const (
	NotEntered State = iota
	Running
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case NotEntered:
		return "NotEntered"
	case Running:
		return "Running"
	case ShuttingDown:
		return "ShuttingDown"
	default:
		return "Unknown"
	}
}

// GuestRegisters is the general-purpose register frame HandleExit
// reads and writes. HandleExit's caller supplies it; no VM-exit
// trampoline in this module fills it from hardware. Guest
// RIP and RSP are not here: both live in VMCS fields and the
// dispatcher reads/writes them there directly (spec.md §4.4 "Reads
// guest RSP... RIP advancement... write back RSP").
type GuestRegisters struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP      uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
}

// Dispatcher is one core's VM-exit handler.
type Dispatcher struct {
	Core  *percore.Core
	State State
}

// New returns a NotEntered dispatcher for core.
func New(core *percore.Core) *Dispatcher {
	return &Dispatcher{Core: core, State: NotEntered}
}

// HandleExit services one hardware VM-exit: it reads the exit reason
// from VMCS, dispatches to the matching handler, and — for every exit
// except an EPT violation — advances guest RIP by the VM-exit
// instruction length.
func (d *Dispatcher) HandleExit(regs *GuestRegisters) error {
	d.State = Running

	reasonRaw, err := d.Core.CPU.VMRead(vmx.VMCSExitReason)
	if err != nil {
		return fmt.Errorf("vmexit: core %d: read exit reason: %w", d.Core.ID, err)
	}
	reason := hv.ExitReason(uint32(reasonRaw))

	switch reason {
	case hv.ExitReasonCPUID:
		if err := d.handleCPUID(regs); err != nil {
			return err
		}
	case hv.ExitReasonVMCALL:
		if err := d.handleVMCALL(regs); err != nil {
			return err
		}
	case hv.ExitReasonEPTViolation:
		// Does not advance RIP: the guest retries the faulting
		// instruction once the dispatcher has flipped the leaf.
		err := d.handleEPTViolation()
		debug.VMExit.Writef("core %d: EPT violation handled, err=%v", d.Core.ID, err)
		return err
	default:
		return hv.Fatalf("vmexit: core %d: unknown VM-exit reason %s", d.Core.ID, reason)
	}

	return d.advanceRIP()
}

func (d *Dispatcher) handleCPUID(regs *GuestRegisters) error {
	leaf, subleaf := regs.RAX, regs.RCX
	eax, ebx, ecx, edx := d.Core.CPU.Cpuid(uint32(leaf), uint32(subleaf))

	switch leaf {
	case 0:
		ebx, edx, ecx = hv.VendorEBX, hv.VendorEDX, hv.VendorECX
	case 1:
		ecx |= hv.HypervisorPresentBit
	}

	regs.RAX, regs.RBX, regs.RCX, regs.RDX = uint64(eax), uint64(ebx), uint64(ecx), uint64(edx)
	debug.VMExit.Writef("core %d: CPUID leaf=0x%x subleaf=0x%x", d.Core.ID, leaf, subleaf)
	return nil
}

func (d *Dispatcher) handleVMCALL(regs *GuestRegisters) error {
	debug.VMExit.Writef("core %d: VMCALL op=0x%x", d.Core.ID, regs.RCX)

	switch hv.HyperclientOp(regs.RCX) {
	case hv.HyperclientShutdown:
		d.Shutdown()
		regs.RAX = uint64(hv.StatusSuccess)

	case hv.HyperclientInstall:
		guest := hv.GPA(regs.RDX)
		rw := hv.HPA(regs.R8)
		fetch := hv.HPA(regs.R9)
		if err := d.Install(guest, rw, fetch); err != nil {
			regs.RAX = uint64(hv.StatusFailure)
		} else {
			regs.RAX = uint64(hv.StatusSuccess)
		}

	case hv.HyperclientRemove:
		guest := hv.GPA(regs.RDX)
		if err := d.Remove(guest); err != nil {
			regs.RAX = uint64(hv.StatusFailure)
		} else {
			regs.RAX = uint64(hv.StatusSuccess)
		}

	default:
		// Unknown operation code: spec.md §4.4 says ignore, RAX unchanged.
	}
	return nil
}

// Install services a mapping-install request on this core. It is the
// single place that call reaches the mapping engine from: a guest
// issuing a hyperclient vmcall reaches it through handleVMCALL above,
// and the host-side cross-core broadcaster (internal/hv/cross) calls
// it directly on every core's dispatcher since this simulation has no
// guest execution context to originate a real vmcall trap from (see
// DESIGN.md).
func (d *Dispatcher) Install(guest hv.GPA, rw, fetch hv.HPA) error {
	return mapping.Install(d.Core, guest, rw, fetch)
}

// Remove services a mapping-remove request on this core, mirroring
// Install's dual call paths.
func (d *Dispatcher) Remove(guest hv.GPA) error {
	return mapping.Remove(d.Core, guest)
}

// Shutdown moves this core's dispatcher into ShuttingDown, mirroring
// Install/Remove's dual call paths.
func (d *Dispatcher) Shutdown() {
	d.State = ShuttingDown
}

// eptViolationQualBit* are the low bits of the VM-exit qualification
// for an EPT-violation exit (Intel SDM Table 28-7).
const (
	eptViolationQualRead  = 1 << 0
	eptViolationQualWrite = 1 << 1
	eptViolationQualFetch = 1 << 2
)

func classifyAccessKind(qualification uint64) hv.AccessKind {
	switch {
	case qualification&eptViolationQualFetch != 0:
		return hv.AccessKindInstructionFetch
	case qualification&eptViolationQualWrite != 0:
		return hv.AccessKindDataWrite
	case qualification&eptViolationQualRead != 0:
		return hv.AccessKindDataRead
	default:
		return hv.AccessKindInvalid
	}
}

func (d *Dispatcher) handleEPTViolation() error {
	gpaRaw, err := d.Core.CPU.VMRead(vmx.VMCSGuestPhysicalAddress)
	if err != nil {
		return fmt.Errorf("vmexit: core %d: read guest-physical address: %w", d.Core.ID, err)
	}
	qualification, err := d.Core.CPU.VMRead(vmx.VMCSExitQualification)
	if err != nil {
		return fmt.Errorf("vmexit: core %d: read exit qualification: %w", d.Core.ID, err)
	}

	accessKind := classifyAccessKind(qualification)
	pageBase := hv.GPA(gpaRaw).PageBase()

	return mapping.Flip(d.Core, pageBase, accessKind)
}

func (d *Dispatcher) advanceRIP() error {
	length, err := d.Core.CPU.VMRead(vmx.VMCSVMExitInstructionLen)
	if err != nil {
		return fmt.Errorf("vmexit: core %d: read instruction length: %w", d.Core.ID, err)
	}
	rip, err := d.Core.CPU.VMRead(vmx.VMCSGuestRIP)
	if err != nil {
		return fmt.Errorf("vmexit: core %d: read guest RIP: %w", d.Core.ID, err)
	}
	if err := d.Core.CPU.VMWrite(vmx.VMCSGuestRIP, rip+length); err != nil {
		return fmt.Errorf("vmexit: core %d: write guest RIP: %w", d.Core.ID, err)
	}

	rsp, err := d.Core.CPU.VMRead(vmx.VMCSGuestRSP)
	if err != nil {
		return fmt.Errorf("vmexit: core %d: read guest RSP: %w", d.Core.ID, err)
	}
	if err := d.Core.CPU.VMWrite(vmx.VMCSGuestRSP, rsp); err != nil {
		return fmt.Errorf("vmexit: core %d: write guest RSP: %w", d.Core.ID, err)
	}
	return nil
}
