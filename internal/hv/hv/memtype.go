package hv

import "fmt"

// MemType is an MTRR/EPT memory-type byte (Intel SDM Table 11-7 / 28-3).
type MemType uint8

const (
	MemTypeUC MemType = 0 // uncacheable
	MemTypeWC MemType = 1 // write-combining
	MemTypeWT MemType = 4 // write-through
	MemTypeWP MemType = 5 // write-protected
	MemTypeWB MemType = 6 // write-back
)

func (t MemType) String() string {
	switch t {
	case MemTypeUC:
		return "UC"
	case MemTypeWC:
		return "WC"
	case MemTypeWT:
		return "WT"
	case MemTypeWP:
		return "WP"
	case MemTypeWB:
		return "WB"
	default:
		return "?"
	}
}

// ParseMemType parses the short name hvconfig uses in its MTRR override
// table ("UC", "WC", "WT", "WP", "WB", case-sensitive) into a MemType.
func ParseMemType(s string) (MemType, error) {
	switch s {
	case "UC":
		return MemTypeUC, nil
	case "WC":
		return MemTypeWC, nil
	case "WT":
		return MemTypeWT, nil
	case "WP":
		return MemTypeWP, nil
	case "WB":
		return MemTypeWB, nil
	default:
		return 0, fmt.Errorf("hv: unknown memory type %q", s)
	}
}

// Valid reports whether t is one of the five architectural memory types.
func (t MemType) Valid() bool {
	switch t {
	case MemTypeUC, MemTypeWC, MemTypeWT, MemTypeWP, MemTypeWB:
		return true
	default:
		return false
	}
}
