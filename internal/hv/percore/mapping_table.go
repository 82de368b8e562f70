package percore

import "github.com/tinyrange/mzhv/internal/hv/hv"

// MappingRecord is one installed split R/W-vs-Fetch mapping (spec.md
// §3 "Mapping Table").
type MappingRecord struct {
	GuestPhys   hv.GPA
	RWTarget    hv.HPA
	FetchTarget hv.HPA
	Valid       bool
}

// MappingTable is the per-core, fixed-capacity table of installed
// mappings (spec.md §3, capacity hv.MaxMappingSlots). It is pure
// storage; the uniqueness invariants and install/remove/flip
// operations live in package mapping, which is the only caller that
// should mutate a table's records directly.
type MappingTable struct {
	Records [hv.MaxMappingSlots]MappingRecord
}

// Find returns the unique valid record whose guest key equals guest.
func (t *MappingTable) Find(guest hv.GPA) (*MappingRecord, bool) {
	for i := range t.Records {
		if t.Records[i].Valid && t.Records[i].GuestPhys == guest {
			return &t.Records[i], true
		}
	}
	return nil, false
}

// FirstFree returns the index of the first invalid slot, or false if
// the table is full.
func (t *MappingTable) FirstFree() (int, bool) {
	for i := range t.Records {
		if !t.Records[i].Valid {
			return i, true
		}
	}
	return 0, false
}

// Valid returns every currently-valid record, for iteration by the
// uniqueness check and by diagnostics (spec.md §12 supplemented
// mapping-table snapshot).
func (t *MappingTable) Valid() []MappingRecord {
	var out []MappingRecord
	for _, r := range t.Records {
		if r.Valid {
			out = append(out, r)
		}
	}
	return out
}
