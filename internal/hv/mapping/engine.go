// Package mapping implements install, remove and access-kind flip over
// a percore.Core's mapping table and EPT tree (spec.md §4.3). It is
// the component enforcing the uniqueness invariants: a guest-physical
// frame never appears as more than one record's guest key, rw-target
// or fetch-target across a core's valid mappings.
package mapping

import (
	"fmt"

	"github.com/tinyrange/mzhv/internal/debug"
	"github.com/tinyrange/mzhv/internal/hv/hv"
	"github.com/tinyrange/mzhv/internal/hv/percore"
)

// Install adds a new split R/W-vs-Fetch mapping: guestPhys identity-
// maps to itself in the "dormant" state (no permissions) until the
// first access flips it toward rwTarget or fetchTarget.
func Install(core *percore.Core, guestPhys hv.GPA, rwTarget, fetchTarget hv.HPA) error {
	if !guestPhys.Aligned() {
		return fmt.Errorf("mapping: %w: guestPhys 0x%x is not page-aligned", hv.ErrInvalidParameter, guestPhys)
	}
	if !rwTarget.Aligned() {
		return fmt.Errorf("mapping: %w: rwTarget 0x%x is not page-aligned", hv.ErrInvalidParameter, rwTarget)
	}
	if !fetchTarget.Aligned() {
		return fmt.Errorf("mapping: %w: fetchTarget 0x%x is not page-aligned", hv.ErrInvalidParameter, fetchTarget)
	}

	if err := checkAliases(core, guestPhys, rwTarget, fetchTarget); err != nil {
		return err
	}

	slot, ok := core.Mappings.FirstFree()
	if !ok {
		return fmt.Errorf("mapping: %w: mapping table full (%d slots)", hv.ErrCapacity, hv.MaxMappingSlots)
	}

	if err := core.EPT.ChangeMapping(guestPhys, hv.HPA(guestPhys), false, false); err != nil {
		return fmt.Errorf("mapping: install: %w", err)
	}

	core.Mappings.Records[slot] = percore.MappingRecord{
		GuestPhys:   guestPhys,
		RWTarget:    rwTarget,
		FetchTarget: fetchTarget,
		Valid:       true,
	}

	if err := core.EPT.Invalidate(core.CPU); err != nil {
		return fmt.Errorf("mapping: install: invalidate: %w", err)
	}
	debug.Mapping.Writef("core %d: installed guest=0x%x rw=0x%x fetch=0x%x", core.ID, guestPhys, rwTarget, fetchTarget)
	return nil
}

// Remove restores guestPhys to its identity mapping with full
// permissions and invalidates the record.
func Remove(core *percore.Core, guestPhys hv.GPA) error {
	record, ok := core.Mappings.Find(guestPhys)
	if !ok {
		return fmt.Errorf("mapping: %w: no mapping for guest-physical 0x%x", hv.ErrNotFound, guestPhys)
	}

	if err := core.EPT.ChangeMapping(guestPhys, hv.HPA(guestPhys), true, true); err != nil {
		return fmt.Errorf("mapping: remove: %w", err)
	}
	record.Valid = false

	if err := core.EPT.Invalidate(core.CPU); err != nil {
		return fmt.Errorf("mapping: remove: invalidate: %w", err)
	}
	debug.Mapping.Writef("core %d: removed guest=0x%x", core.ID, guestPhys)
	return nil
}

// Flip resolves an EPT violation at guestPhys by setting the leaf to
// the host frame matching accessKind, leaving the other kind dormant
// again (spec.md §4.3 "Flip on violation"). A violation with no
// matching record, or an unclassifiable access kind, is a contract
// violation and therefore fatal rather than a returnable failure
// (spec.md §7 error kind 4).
func Flip(core *percore.Core, guestPhys hv.GPA, accessKind hv.AccessKind) error {
	record, ok := core.Mappings.Find(guestPhys)
	if !ok {
		return hv.Fatalf("mapping: EPT violation at 0x%x with no registered mapping", guestPhys)
	}

	var err error
	switch {
	case accessKind.IsDataAccess():
		err = core.EPT.ChangeMapping(guestPhys, record.RWTarget, true, false)
	case accessKind == hv.AccessKindInstructionFetch:
		err = core.EPT.ChangeMapping(guestPhys, record.FetchTarget, false, true)
	default:
		return hv.Fatalf("mapping: EPT violation at 0x%x with unclassifiable access kind", guestPhys)
	}
	if err != nil {
		return fmt.Errorf("mapping: flip: %w", err)
	}

	if err := core.EPT.Invalidate(core.CPU); err != nil {
		return fmt.Errorf("mapping: flip: invalidate: %w", err)
	}
	debug.Mapping.Writef("core %d: flipped guest=0x%x kind=%v", core.ID, guestPhys, accessKind)
	return nil
}

// checkAliases rejects an install whose guest key, rw-target or
// fetch-target collides with any existing valid record's guest key,
// rw-target or fetch-target (spec.md §4.3, invariant 1). A record's
// own fetch/rw target is allowed to equal its own guest key (the
// "swap-on-access" scenario installs with fetchTarget == guestPhys);
// only collisions against *other*, already-valid records are rejected.
func checkAliases(core *percore.Core, guestPhys hv.GPA, rwTarget, fetchTarget hv.HPA) error {
	candidates := [3]uint64{uint64(guestPhys), uint64(rwTarget), uint64(fetchTarget)}

	for _, existing := range core.Mappings.Valid() {
		used := [3]uint64{uint64(existing.GuestPhys), uint64(existing.RWTarget), uint64(existing.FetchTarget)}
		for _, c := range candidates {
			for _, u := range used {
				if c == u {
					return fmt.Errorf("mapping: %w: frame 0x%x aliases an existing mapping", hv.ErrAlias, c)
				}
			}
		}
	}
	return nil
}
