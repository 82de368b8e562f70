// Package lifecycle implements Enable and Disable (spec.md §4.6): per
// core, verify VMX prerequisites, enter VMX root operation, build the
// VMCS and EPT tree, and launch; on disable, broadcast shutdown and
// tear every core down in reverse order. Grounded on the teacher's
// kvm.go hypervisor-wide setup/close ordering, generalized from a
// single ioctl-backed VM handle to this repository's own root-mode
// VMX instructions.
package lifecycle

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/tinyrange/mzhv/internal/debug"
	"github.com/tinyrange/mzhv/internal/hv/cross"
	"github.com/tinyrange/mzhv/internal/hv/hv"
	"github.com/tinyrange/mzhv/internal/hv/mtrr"
	"github.com/tinyrange/mzhv/internal/hv/percore"
	"github.com/tinyrange/mzhv/internal/hv/vmexit"
	"github.com/tinyrange/mzhv/internal/hv/vmx"
)

// cpuidVMXFeatureBit is CPUID.1:ECX bit 5.
const cpuidVMXFeatureBit = 1 << 5

// vmxBasicTrueControlsBit is IA32_VMX_BASIC bit 55.
const vmxBasicTrueControlsBit = 1 << 55

// Hypervisor is the full set of enabled per-core state and the
// broadcaster used to mutate it.
type Hypervisor struct {
	Cores       []*percore.Core
	Dispatchers []*vmexit.Dispatcher
	Broadcaster *cross.Broadcaster
}

// Options lets a caller pin values spec.md normally derives by
// probing hardware, the way internal/hvconfig loads them from an
// operator-supplied file instead of CPUID/MSR reads.
type Options struct {
	// MTRRConfig, if non-nil, replaces per-core hardware MTRR
	// resolution with this fixed table (see mtrr.FromOverrides).
	MTRRConfig *mtrr.Config

	// PhysAddrBits, if non-zero, replaces the CPUID.80000008H:EAX[7:0]
	// probe used to size each core's EPT tree.
	PhysAddrBits int
}

// Enable allocates and virtualizes one Core per CPU in cpus. If any
// core fails its prerequisite checks, MTRR resolution, or VMX entry,
// every core enabled so far is torn down and the caller sees a single
// opaque failure — no partial virtualization (spec.md §7 error kind 1).
func Enable(cpus []vmx.CPU, poolCapacityPerCore int) (*Hypervisor, error) {
	return EnableWithOptions(cpus, poolCapacityPerCore, Options{})
}

// EnableWithOptions is Enable with hvconfig-sourced overrides applied
// to every core.
func EnableWithOptions(cpus []vmx.CPU, poolCapacityPerCore int, opts Options) (*Hypervisor, error) {
	var cores []*percore.Core
	var dispatchers []*vmexit.Dispatcher

	for i, cpu := range cpus {
		core, err := enableCore(i, cpu, poolCapacityPerCore, opts)
		if err != nil {
			for _, c := range cores {
				c.CPU.VMXOff()
				c.Close()
			}
			return nil, fmt.Errorf("lifecycle: enable core %d: %w", i, err)
		}
		cores = append(cores, core)
		dispatchers = append(dispatchers, vmexit.New(core))
		slog.Info("hv: core entered VMX operation", "core", i)
		debug.Lifecycle.Writef("core %d: entered VMX operation", i)
	}

	return &Hypervisor{
		Cores:       cores,
		Dispatchers: dispatchers,
		Broadcaster: cross.New(cores, dispatchers),
	}, nil
}

// Disable broadcasts shutdown to every core and tears down per-core
// state in reverse order (spec.md §4.6 "Disable").
func (h *Hypervisor) Disable() error {
	if err := h.Broadcaster.Shutdown(); err != nil {
		return fmt.Errorf("lifecycle: disable: %w", err)
	}

	var firstErr error
	for i := len(h.Cores) - 1; i >= 0; i-- {
		core := h.Cores[i]
		if err := core.CPU.VMXOff(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("lifecycle: core %d: vmxoff: %w", core.ID, err)
		}
		if err := core.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("lifecycle: core %d: %w", core.ID, err)
		}
		slog.Info("hv: core left VMX operation", "core", core.ID)
		debug.Lifecycle.Writef("core %d: left VMX operation", core.ID)
	}
	return firstErr
}

func enableCore(id int, cpu vmx.CPU, poolCapacity int, opts Options) (*percore.Core, error) {
	if err := checkGenuineIntel(cpu); err != nil {
		return nil, err
	}

	_, _, ecx, _ := cpu.Cpuid(1, 0)
	if ecx&cpuidVMXFeatureBit == 0 {
		return nil, fmt.Errorf("lifecycle: %w: CPUID.1.ECX reports no VMX support", hv.ErrFatal)
	}

	vmxBasic, err := cpu.ReadMSR(vmx.MsrIA32VMXBasic)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: read IA32_VMX_BASIC: %w", err)
	}
	if vmxBasic&vmxBasicTrueControlsBit == 0 {
		return nil, fmt.Errorf("lifecycle: %w: IA32_VMX_BASIC reports no true controls", hv.ErrFatal)
	}

	if err := lockFeatureControl(cpu); err != nil {
		return nil, err
	}
	if err := adjustControlRegisters(cpu); err != nil {
		return nil, err
	}

	mtrrCfg := opts.MTRRConfig
	if mtrrCfg == nil {
		mtrrCfg, err = mtrr.Resolve(cpu)
		if err != nil {
			return nil, fmt.Errorf("lifecycle: %w: MTRR resolution: %v", hv.ErrFatal, err)
		}
	}

	physAddrBits := opts.PhysAddrBits
	if physAddrBits == 0 {
		physAddrBits = physAddrBitsOf(cpu)
	}
	core, err := percore.New(id, cpu, mtrrCfg, physAddrBits, poolCapacity)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: allocate per-core state: %w", err)
	}

	revision := uint32(vmxBasic & 0x7FFF_FFFF)
	binary.LittleEndian.PutUint32(core.VMXOnRegion.Bytes(), revision)
	binary.LittleEndian.PutUint32(core.VMCSRegion.Bytes(), revision)

	if err := cpu.VMXOn(uint64(core.VMXOnRegion.HostPhysical())); err != nil {
		core.Close()
		return nil, fmt.Errorf("lifecycle: vmxon: %w", err)
	}
	if err := cpu.VMClear(uint64(core.VMCSRegion.HostPhysical())); err != nil {
		cpu.VMXOff()
		core.Close()
		return nil, fmt.Errorf("lifecycle: vmclear: %w", err)
	}
	if err := cpu.VMPtrld(uint64(core.VMCSRegion.HostPhysical())); err != nil {
		cpu.VMXOff()
		core.Close()
		return nil, fmt.Errorf("lifecycle: vmptrld: %w", err)
	}
	if err := setupVMCS(cpu, core); err != nil {
		cpu.VMXOff()
		core.Close()
		return nil, err
	}
	if err := cpu.VMLaunch(); err != nil {
		cpu.VMXOff()
		core.Close()
		return nil, fmt.Errorf("lifecycle: vmlaunch: %w", err)
	}

	core.Virtualized = true
	return core, nil
}

func checkGenuineIntel(cpu vmx.CPU) error {
	_, ebx, ecx, edx := cpu.Cpuid(0, 0)
	if ebx != 0x756e6547 || edx != 0x49656e69 || ecx != 0x6c65746e {
		return fmt.Errorf("lifecycle: %w: host is not GenuineIntel", hv.ErrFatal)
	}
	return nil
}

func lockFeatureControl(cpu vmx.CPU) error {
	featureControl, err := cpu.ReadMSR(vmx.MsrIA32FeatureControl)
	if err != nil {
		return fmt.Errorf("lifecycle: read IA32_FEATURE_CONTROL: %w", err)
	}
	if featureControl&vmx.FeatureControlLock != 0 {
		if featureControl&vmx.FeatureControlVMXOutsideSMX == 0 {
			return fmt.Errorf("lifecycle: %w: IA32_FEATURE_CONTROL locked without VMX-outside-SMX", hv.ErrFatal)
		}
		return nil
	}
	newValue := featureControl | vmx.FeatureControlVMXOutsideSMX | vmx.FeatureControlLock
	if err := cpu.WriteMSR(vmx.MsrIA32FeatureControl, newValue); err != nil {
		return fmt.Errorf("lifecycle: write IA32_FEATURE_CONTROL: %w", err)
	}
	return nil
}

func adjustControlRegisters(cpu vmx.CPU) error {
	cr0Fixed0, err := cpu.ReadMSR(vmx.MsrIA32VMXCR0Fixed0)
	if err != nil {
		return fmt.Errorf("lifecycle: read CR0_FIXED0: %w", err)
	}
	cr0Fixed1, err := cpu.ReadMSR(vmx.MsrIA32VMXCR0Fixed1)
	if err != nil {
		return fmt.Errorf("lifecycle: read CR0_FIXED1: %w", err)
	}
	cr0 := (cpu.ReadCR0() | cr0Fixed0) & cr0Fixed1
	cpu.WriteCR0(cr0)

	cr4Fixed0, err := cpu.ReadMSR(vmx.MsrIA32VMXCR4Fixed0)
	if err != nil {
		return fmt.Errorf("lifecycle: read CR4_FIXED0: %w", err)
	}
	cr4Fixed1, err := cpu.ReadMSR(vmx.MsrIA32VMXCR4Fixed1)
	if err != nil {
		return fmt.Errorf("lifecycle: read CR4_FIXED1: %w", err)
	}
	cr4 := (cpu.ReadCR4() | cr4Fixed0) & cr4Fixed1
	cr4 |= vmx.CR4VMXEnable
	cpu.WriteCR4(cr4)

	return nil
}

// physAddrBitsOf reads CPUID.80000008H:EAX[7:0], the host's physical
// address width, used to size the EPT PML4 count (spec.md §3).
func physAddrBitsOf(cpu vmx.CPU) int {
	eax, _, _, _ := cpu.Cpuid(0x80000008, 0)
	return int(eax & 0xFF)
}

// adjustControl derives a VMCS control field value from a "true"
// control MSR: the low 32 bits are the bits the processor requires to
// be 1 (Intel SDM Appendix A.3.1). This baseline is then OR'd with the
// feature bits each control field needs (EPT, MSR bitmaps, host
// address-space size, IA-32e guest mode); it does not attempt to
// negotiate every optional bit the high 32 bits allow.
func adjustControl(trueMSR uint64) uint64 {
	return trueMSR & 0xFFFF_FFFF
}

func setupVMCS(cpu vmx.CPU, core *percore.Core) error {
	truePin, err := cpu.ReadMSR(vmx.MsrIA32VMXTruePinbased)
	if err != nil {
		return fmt.Errorf("lifecycle: read TRUE_PINBASED: %w", err)
	}
	if err := cpu.VMWrite(vmx.VMCSPinBasedCtls, adjustControl(truePin)); err != nil {
		return fmt.Errorf("lifecycle: write pin-based controls: %w", err)
	}

	trueProcbased, err := cpu.ReadMSR(vmx.MsrIA32VMXTrueProcbased)
	if err != nil {
		return fmt.Errorf("lifecycle: read TRUE_PROCBASED: %w", err)
	}
	procbased := adjustControl(trueProcbased) | vmx.PrimaryCtlUseMSRBitmaps | vmx.PrimaryCtlSecondaryCtls
	if err := cpu.VMWrite(vmx.VMCSPrimaryProcBasedCtls, procbased); err != nil {
		return fmt.Errorf("lifecycle: write primary processor-based controls: %w", err)
	}

	secondary, err := cpu.ReadMSR(vmx.MsrIA32VMXProcbased2)
	if err != nil {
		return fmt.Errorf("lifecycle: read PROCBASED2: %w", err)
	}
	secondaryCtls := adjustControl(secondary) | vmx.SecondaryCtlEnableEPT
	if err := cpu.VMWrite(vmx.VMCSSecondaryProcBasedCtls, secondaryCtls); err != nil {
		return fmt.Errorf("lifecycle: write secondary processor-based controls: %w", err)
	}

	trueExit, err := cpu.ReadMSR(vmx.MsrIA32VMXTrueExit)
	if err != nil {
		return fmt.Errorf("lifecycle: read TRUE_EXIT: %w", err)
	}
	exitCtls := adjustControl(trueExit) | vmx.ExitCtlHostAddressSpaceSize
	if err := cpu.VMWrite(vmx.VMCSExitCtls, exitCtls); err != nil {
		return fmt.Errorf("lifecycle: write exit controls: %w", err)
	}

	trueEntry, err := cpu.ReadMSR(vmx.MsrIA32VMXTrueEntry)
	if err != nil {
		return fmt.Errorf("lifecycle: read TRUE_ENTRY: %w", err)
	}
	entryCtls := adjustControl(trueEntry) | vmx.EntryCtlIA32eModeGuest
	if err := cpu.VMWrite(vmx.VMCSEntryCtls, entryCtls); err != nil {
		return fmt.Errorf("lifecycle: write entry controls: %w", err)
	}

	if err := cpu.VMWrite(vmx.VMCSEPTPointer, core.EPT.EPTPointer()); err != nil {
		return fmt.Errorf("lifecycle: write EPT pointer: %w", err)
	}
	if err := cpu.VMWrite(vmx.VMCSMSRBitmapAddr, uint64(core.MSRBitmap.HostPhysical())); err != nil {
		return fmt.Errorf("lifecycle: write MSR bitmap address: %w", err)
	}

	// There is no separate guest address space in this simulation: the
	// guest shares the host's own page tables, so guest and host CR3
	// are both the host's current CR3.
	cr3 := cpu.ReadCR3()
	if err := cpu.VMWrite(vmx.VMCSGuestCR3, cr3); err != nil {
		return fmt.Errorf("lifecycle: write guest CR3: %w", err)
	}
	if err := cpu.VMWrite(vmx.VMCSHostCR3, cr3); err != nil {
		return fmt.Errorf("lifecycle: write host CR3: %w", err)
	}

	// Host RSP points at the top of this core's dedicated root-mode
	// stack (percore.Core.Stack), so a VM-exit has a valid stack to run
	// the dispatcher on before it ever reads a guest register. Host RIP
	// has no real trampoline symbol to target here: wiring it to an
	// actual VM-exit re-entry point needs a hand-assembled landing pad
	// that saves GP registers and calls into Dispatcher.HandleExit,
	// which this tree intentionally does not implement (see DESIGN.md).
	if err := cpu.VMWrite(vmx.VMCSHostRSP, uint64(core.StackTop())); err != nil {
		return fmt.Errorf("lifecycle: write host RSP: %w", err)
	}

	return nil
}
