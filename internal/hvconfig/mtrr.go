package hvconfig

import (
	"fmt"

	"github.com/tinyrange/mzhv/internal/hv/hv"
	"github.com/tinyrange/mzhv/internal/hv/mtrr"
)

// BuildMTRRConfig translates MTRROverrides into an mtrr.Config,
// bypassing hardware MSR reads entirely. defaultType is the memory
// type used for any leaf no override covers.
func (c Config) BuildMTRRConfig(defaultType hv.MemType) (*mtrr.Config, error) {
	overrides := make([]mtrr.VariableRangeOverride, 0, len(c.MTRROverrides))
	for i, o := range c.MTRROverrides {
		typ, err := hv.ParseMemType(o.Type)
		if err != nil {
			return nil, fmt.Errorf("hvconfig: mtrr override %d: %w", i, err)
		}
		overrides = append(overrides, mtrr.VariableRangeOverride{
			Base:   o.Base,
			Length: o.Length,
			Type:   typ,
		})
	}
	return mtrr.FromOverrides(overrides, defaultType)
}
