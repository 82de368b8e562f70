package mapping

import (
	"errors"
	"testing"

	"github.com/tinyrange/mzhv/internal/hv/hv"
	"github.com/tinyrange/mzhv/internal/hv/mtrr"
	"github.com/tinyrange/mzhv/internal/hv/percore"
	"github.com/tinyrange/mzhv/internal/hv/vmx"
)

const testPoolCapacity = 4 * 1024 * 1024

func newTestCore(t *testing.T) *percore.Core {
	t.Helper()
	cpu := vmx.NewFake()
	cpu.MSRs[vmx.MsrIA32MTRRCap] = 0
	cpu.MSRs[vmx.MsrIA32MTRRDefType] = uint64(hv.MemTypeWB)

	cfg, err := mtrr.Resolve(cpu)
	if err != nil {
		t.Fatalf("mtrr.Resolve: %v", err)
	}

	core, err := percore.New(0, cpu, cfg, 39, testPoolCapacity)
	if err != nil {
		t.Fatalf("percore.New: %v", err)
	}
	t.Cleanup(func() { core.Close() })
	return core
}

func TestInstallThenRemoveRestoresIdentity(t *testing.T) {
	core := newTestCore(t)
	guest := hv.GPA(3 * hv.LargePageSize)
	rw := hv.HPA(7 * hv.LargePageSize)
	fetch := hv.HPA(11 * hv.LargePageSize)

	if err := Install(core, guest, rw, fetch); err != nil {
		t.Fatalf("Install: %v", err)
	}

	entry, ok, err := core.EPT.EntryAt(guest)
	if err != nil || !ok {
		t.Fatalf("EntryAt after install: ok=%v err=%v", ok, err)
	}
	read, write, fetchPerm := entry.Permissions()
	if read || write || fetchPerm {
		t.Fatalf("dormant permissions = (%v,%v,%v), want all false", read, write, fetchPerm)
	}

	if err := Remove(core, guest); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	entry, ok, err = core.EPT.EntryAt(guest)
	if err != nil || !ok {
		t.Fatalf("EntryAt after remove: ok=%v err=%v", ok, err)
	}
	read, write, fetchPerm = entry.Permissions()
	if !read || !write || !fetchPerm {
		t.Fatalf("post-remove permissions = (%v,%v,%v), want all true", read, write, fetchPerm)
	}
	if entry.Frame() != hv.HPA(guest) {
		t.Fatalf("post-remove frame = 0x%x, want identity 0x%x", entry.Frame(), guest)
	}
}

func TestRemoveUnmappedFails(t *testing.T) {
	core := newTestCore(t)
	if err := Remove(core, hv.GPA(hv.LargePageSize)); !errors.Is(err, hv.ErrNotFound) {
		t.Fatalf("Remove(unmapped) err = %v, want ErrNotFound", err)
	}
}

func TestFlipDataVsFetch(t *testing.T) {
	core := newTestCore(t)
	guest := hv.GPA(2 * hv.LargePageSize)
	rw := hv.HPA(5 * hv.LargePageSize)
	fetch := hv.HPA(6 * hv.LargePageSize)

	if err := Install(core, guest, rw, fetch); err != nil {
		t.Fatalf("Install: %v", err)
	}

	if err := Flip(core, guest, hv.AccessKindDataRead); err != nil {
		t.Fatalf("Flip(data-read): %v", err)
	}
	entry, _, err := core.EPT.EntryAt(guest)
	if err != nil {
		t.Fatalf("EntryAt: %v", err)
	}
	read, write, fetchPerm := entry.Permissions()
	if !read || !write || fetchPerm || entry.Frame() != rw {
		t.Fatalf("R/W-active state wrong: read=%v write=%v fetch=%v frame=0x%x", read, write, fetchPerm, entry.Frame())
	}

	if err := Flip(core, guest, hv.AccessKindInstructionFetch); err != nil {
		t.Fatalf("Flip(instruction-fetch): %v", err)
	}
	entry, _, err = core.EPT.EntryAt(guest)
	if err != nil {
		t.Fatalf("EntryAt: %v", err)
	}
	read, write, fetchPerm = entry.Permissions()
	if read || write || !fetchPerm || entry.Frame() != fetch {
		t.Fatalf("Fetch-active state wrong: read=%v write=%v fetch=%v frame=0x%x", read, write, fetchPerm, entry.Frame())
	}
}

func TestFlipWithoutMappingIsFatal(t *testing.T) {
	core := newTestCore(t)
	err := Flip(core, hv.GPA(hv.LargePageSize), hv.AccessKindDataRead)
	if !errors.Is(err, hv.ErrFatal) {
		t.Fatalf("Flip(unmapped) err = %v, want ErrFatal", err)
	}
}

func TestAliasRejection(t *testing.T) {
	core := newTestCore(t)
	a := hv.GPA(1 * hv.LargePageSize)
	b := hv.HPA(2 * hv.LargePageSize)
	c := hv.HPA(3 * hv.LargePageSize)

	if err := Install(core, a, b, hv.HPA(a)); err != nil {
		t.Fatalf("Install(A,B,A): %v", err)
	}

	err := Install(core, hv.GPA(b), c, c)
	if !errors.Is(err, hv.ErrAlias) {
		t.Fatalf("Install(B,C,C) err = %v, want ErrAlias (B is an existing rw-target)", err)
	}
}

func TestCapacityThirtyThreeMappingsFails(t *testing.T) {
	core := newTestCore(t)
	for i := 0; i < hv.MaxMappingSlots; i++ {
		guest := hv.GPA(uint64(i+1) * hv.LargePageSize)
		rw := hv.HPA(uint64(i+1+100) * hv.LargePageSize)
		fetch := hv.HPA(uint64(i+1+200) * hv.LargePageSize)
		if err := Install(core, guest, rw, fetch); err != nil {
			t.Fatalf("Install[%d]: %v", i, err)
		}
	}

	overflowGuest := hv.GPA(300 * hv.LargePageSize)
	overflowRW := hv.HPA(301 * hv.LargePageSize)
	overflowFetch := hv.HPA(302 * hv.LargePageSize)
	err := Install(core, overflowGuest, overflowRW, overflowFetch)
	if !errors.Is(err, hv.ErrCapacity) {
		t.Fatalf("33rd Install err = %v, want ErrCapacity", err)
	}

	// Free a mapping-table slot and reinstall on the same, already-split
	// guest frame: the mapping table has room again, and the EPT split
	// arena (separately, monotonically bounded) isn't touched because
	// this 2 MiB region was already split by the first Install above.
	freedGuest := hv.GPA(1 * hv.LargePageSize)
	if err := Remove(core, freedGuest); err != nil {
		t.Fatalf("Remove to free a slot: %v", err)
	}
	if err := Install(core, freedGuest, hv.HPA(400*hv.LargePageSize), hv.HPA(401*hv.LargePageSize)); err != nil {
		t.Fatalf("Install after freeing a slot: %v", err)
	}
}

func TestInstallRejectsUnaligned(t *testing.T) {
	core := newTestCore(t)
	err := Install(core, hv.GPA(1), hv.HPA(hv.PageSize), hv.HPA(2*hv.PageSize))
	if !errors.Is(err, hv.ErrInvalidParameter) {
		t.Fatalf("Install(unaligned guest) err = %v, want ErrInvalidParameter", err)
	}
}
