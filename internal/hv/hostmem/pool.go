// Package hostmem provides the non-paged executable-pool memory the EPT
// core allocates its paging-structure frames, split-page copies, VMXON
// region, VMCS and per-core stacks from (spec.md §3 "All EPT
// paging-structure frames are non-pageable, executable-pool memory").
//
// A real root-mode hypervisor gets this from the host kernel's
// non-paged pool, where a virtual allocation is also physically
// contiguous and the kernel hands back a physical address via a call
// like MmGetPhysicalAddress. This module runs in user space and cannot
// do that, so it models the same contract the teacher's own JIT
// trampoline allocator relies on (internal/asm/amd64/exec.go): a
// single large anonymous, page-aligned mmap arena, never paged out or
// moved, with PROT_READ|PROT_WRITE by default and PROT_EXEC granted
// only to regions that need it. Host-physical addresses are modeled as
// the byte offset of a region within the arena, which is physically
// contiguous by construction and stable for the arena's lifetime — the
// same congruence (HPA == page-aligned HVA mod page) spec.md requires.
package hostmem

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/mzhv/internal/hv/hv"
)

// Region is one allocation out of a Pool: a page-aligned, physically
// contiguous (within the arena) span of non-paged memory.
type Region struct {
	pool *Pool
	off  int
	size int
}

// HostVirtual returns the region's base host-virtual address.
func (r Region) HostVirtual() uintptr {
	return r.pool.base + uintptr(r.off)
}

// HostPhysical returns the region's base host-physical address, as
// modeled by the arena offset.
func (r Region) HostPhysical() hv.HPA {
	return hv.HPA(r.off)
}

// Bytes returns the region's backing memory.
func (r Region) Bytes() []byte {
	return r.pool.mem[r.off : r.off+r.size]
}

// Size returns the region size in bytes.
func (r Region) Size() int { return r.size }

// Pool is a fixed-capacity, page-granular arena of non-paged memory.
// Allocation is a bump allocator: the pool exists to back a bounded
// number of fixed-size hypervisor structures (EPT tables, split
// copies, per-core VMX regions), never general-purpose guest memory,
// so there is no free list — regions live for the pool's lifetime.
type Pool struct {
	mu       sync.Mutex
	mem      []byte
	base     uintptr
	next     int
	capacity int
}

// NewPool reserves a capacity-byte arena, rounded up to a whole number
// of pages, mapped PROT_READ|PROT_WRITE and MAP_PRIVATE|MAP_ANON —
// the same flags internal/asm/amd64/exec.go uses before narrowing a
// sub-range to PROT_READ|PROT_EXEC.
func NewPool(capacity int) (*Pool, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("hostmem: %w: capacity must be positive", hv.ErrInvalidParameter)
	}
	pageSize := unix.Getpagesize()
	rounded := ((capacity + pageSize - 1) / pageSize) * pageSize

	mem, err := unix.Mmap(-1, 0, rounded, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("hostmem: mmap arena: %w", err)
	}

	return &Pool{
		mem:      mem,
		base:     uintptr(unsafe.Pointer(&mem[0])),
		capacity: rounded,
	}, nil
}

// Close unmaps the arena. Every Region obtained from the pool is
// invalid after Close returns.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mem == nil {
		return nil
	}
	err := unix.Munmap(p.mem)
	p.mem = nil
	if err != nil {
		return fmt.Errorf("hostmem: munmap arena: %w", err)
	}
	return nil
}

// Alloc reserves a page-aligned region of at least size bytes,
// zero-filled, writable but not executable.
func (p *Pool) Alloc(size int) (Region, error) {
	if size <= 0 {
		return Region{}, fmt.Errorf("hostmem: %w: size must be positive", hv.ErrInvalidParameter)
	}
	pageSize := unix.Getpagesize()
	rounded := ((size + pageSize - 1) / pageSize) * pageSize

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.mem == nil {
		return Region{}, fmt.Errorf("hostmem: pool closed")
	}
	if p.next+rounded > p.capacity {
		return Region{}, fmt.Errorf("hostmem: %w: arena exhausted (%d/%d bytes used)", hv.ErrCapacity, p.next, p.capacity)
	}

	off := p.next
	p.next += rounded
	for i := off; i < off+rounded; i++ {
		p.mem[i] = 0
	}

	return Region{pool: p, off: off, size: rounded}, nil
}

// AllocPage reserves exactly one hv.PageSize frame, the unit every EPT
// paging-structure level and split-page copy is allocated in.
func (p *Pool) AllocPage() (Region, error) {
	return p.Alloc(hv.PageSize)
}

// MakeExecutable narrows a region's protection to PROT_READ|PROT_EXEC.
// No allocation made by the EPT tree or the per-core state is narrowed
// this way; EPT flips change EPT entries, not pool protections.
func (p *Pool) MakeExecutable(r Region) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mem == nil {
		return fmt.Errorf("hostmem: pool closed")
	}
	if err := unix.Mprotect(p.mem[r.off:r.off+r.size], unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("hostmem: mprotect executable: %w", err)
	}
	return nil
}

// MakeWritable restores PROT_READ|PROT_WRITE on a region previously
// narrowed by MakeExecutable.
func (p *Pool) MakeWritable(r Region) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mem == nil {
		return fmt.Errorf("hostmem: pool closed")
	}
	if err := unix.Mprotect(p.mem[r.off:r.off+r.size], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("hostmem: mprotect writable: %w", err)
	}
	return nil
}

// Invert resolves a host-physical address previously handed out as a
// Region.HostPhysical() back to its backing bytes. Every EPT entry and
// per-core control field stores an HPA; the EPT tree and tests walk
// those structures by HPA and need the reverse mapping to read them.
func (p *Pool) Invert(addr hv.HPA) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	off := int(addr)
	if p.mem == nil || off < 0 || off >= p.capacity {
		return nil, false
	}
	return p.mem[off:], true
}
