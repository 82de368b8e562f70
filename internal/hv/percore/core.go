// Package percore owns the per-logical-core state a virtualized
// system keeps entirely disjoint from every other core (spec.md §3
// "Per-Core State", §5 "each owning disjoint per-core state"): the
// VMXON region, VMCS region, MSR bitmap, root-mode stack, EPT tree and
// the fixed-capacity mapping table installed mappings live in. It is
// the process-wide array's element type spec.md §9 "Global mutable
// state" asks to be modeled as an explicit handle rather than a
// language-level global — callers create one Core per logical core at
// enable and pass it explicitly to every component that needs it.
package percore

import (
	"fmt"

	"github.com/tinyrange/mzhv/internal/hv/ept"
	"github.com/tinyrange/mzhv/internal/hv/hostmem"
	"github.com/tinyrange/mzhv/internal/hv/hv"
	"github.com/tinyrange/mzhv/internal/hv/mtrr"
	"github.com/tinyrange/mzhv/internal/hv/vmx"
)

// stackSize is the root-mode stack every VM-exit runs on (spec.md §3).
const stackSize = 32 * 1024

// Core is one logical core's complete virtualization state.
type Core struct {
	ID  int
	CPU vmx.CPU

	pool *hostmem.Pool

	VMXOnRegion hostmem.Region
	VMCSRegion  hostmem.Region
	MSRBitmap   hostmem.Region
	Stack       hostmem.Region

	EPT      *ept.Tree
	Mappings MappingTable

	Virtualized bool
}

// New allocates a fresh, non-virtualized Core: its own non-paged pool,
// VMX regions, and an identity-mapped EPT tree built from cfg. Lifecycle
// (package lifecycle) is responsible for actually entering VMX
// operation and launching the VMCS.
func New(id int, cpu vmx.CPU, cfg *mtrr.Config, physAddrBits int, poolCapacity int) (*Core, error) {
	pool, err := hostmem.NewPool(poolCapacity)
	if err != nil {
		return nil, fmt.Errorf("percore: core %d: %w", id, err)
	}

	vmxonRegion, err := pool.AllocPage()
	if err != nil {
		return nil, fmt.Errorf("percore: core %d: allocate VMXON region: %w", id, err)
	}
	vmcsRegion, err := pool.AllocPage()
	if err != nil {
		return nil, fmt.Errorf("percore: core %d: allocate VMCS region: %w", id, err)
	}
	msrBitmap, err := pool.AllocPage()
	if err != nil {
		return nil, fmt.Errorf("percore: core %d: allocate MSR bitmap: %w", id, err)
	}
	stack, err := pool.Alloc(stackSize)
	if err != nil {
		return nil, fmt.Errorf("percore: core %d: allocate root-mode stack: %w", id, err)
	}

	arena := ept.NewSplitArena(pool)
	tree, err := ept.Build(pool, arena, cfg, physAddrBits)
	if err != nil {
		return nil, fmt.Errorf("percore: core %d: build EPT: %w", id, err)
	}

	return &Core{
		ID:          id,
		CPU:         cpu,
		pool:        pool,
		VMXOnRegion: vmxonRegion,
		VMCSRegion:  vmcsRegion,
		MSRBitmap:   msrBitmap,
		Stack:       stack,
		EPT:         tree,
	}, nil
}

// Close tears down the core's EPT tree and releases its pool, in
// reverse creation order (spec.md §3 "Lifecycles").
func (c *Core) Close() error {
	if c.EPT != nil {
		c.EPT.Destroy()
	}
	if err := c.pool.Close(); err != nil {
		return fmt.Errorf("percore: core %d: %w", c.ID, err)
	}
	return nil
}

// StackTop returns the host-virtual address one past the end of this
// core's root-mode stack, the value VMCS Host RSP must hold: on an x86
// stack, the initial stack pointer points just past the highest
// address in the allocated region, since pushes decrement first.
func (c *Core) StackTop() uintptr {
	return c.Stack.HostVirtual() + uintptr(c.Stack.Size())
}

// Invert exposes the core's pool inversion primitive: it returns the
// host-virtual view of a host-physical region this core allocated, or
// false if the address lies outside the core's pool.
func (c *Core) Invert(addr hv.HPA) ([]byte, bool) {
	return c.pool.Invert(addr)
}
