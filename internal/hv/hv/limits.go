package hv

// Fixed-capacity bounds spec.md §9 "Fixed-capacity arenas" ties to the
// "no allocation in root mode" property: every per-core structure that
// grows on demand (split arena, mapping table) is sized once at
// enablement and never reallocated.
const (
	// MaxSplitArenaSlots is the number of 2 MiB->4 KiB splits a core can
	// perform before Split fails with ErrCapacity.
	MaxSplitArenaSlots = 32

	// MaxMappingSlots is the number of simultaneously-installed R/W-vs-
	// Fetch mappings a core can hold.
	MaxMappingSlots = 32

	// MaxPML4Entries bounds the PML4 count derived from the host's
	// physical-address width: min(2^max(physAddrBits-39,0), 4).
	MaxPML4Entries = 4
)
