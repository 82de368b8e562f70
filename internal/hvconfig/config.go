// Package hvconfig loads the host-level parameters spec.md treats as
// environment facts rather than hardware-probed values: physical
// address width, a deterministic MTRR override table, logical core
// count, the control-socket path, and log level. Grounded on the
// teacher's cmd/ccapp/site_config.go (YAML via gopkg.in/yaml.v3, safe
// defaults when the file is absent, size/permission guards before
// parsing an operator-supplied file).
package hvconfig

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"
)

// maxConfigSize bounds how large a config file this package will read,
// matching the teacher's site-config guard against oversized input.
const maxConfigSize = 1024 * 1024

// DefaultControlSocketPath is used when Config.ControlSocketPath is
// empty.
const DefaultControlSocketPath = "/tmp/mzhv.sock"

// MTRROverride fixes one variable-range MTRR entry for deterministic
// tests instead of reading it from hardware.
type MTRROverride struct {
	Base   uint64 `yaml:"base"`
	Length uint64 `yaml:"length"`
	Type   string `yaml:"type"`
}

// Config is the host-level configuration spec.md §4.6/§4.2 allows an
// operator to pin rather than probe.
type Config struct {
	// PhysAddrBits overrides the host's physical-address width
	// (normally read from CPUID.80000008H:EAX[7:0]). Zero means probe
	// hardware.
	PhysAddrBits int `yaml:"phys_addr_bits"`

	// CoreCount overrides the number of logical cores to virtualize.
	// Zero means use runtime.NumCPU.
	CoreCount int `yaml:"core_count"`

	// MTRROverrides replaces hardware MTRR resolution with a fixed
	// table, for deterministic tests.
	MTRROverrides []MTRROverride `yaml:"mtrr_overrides"`

	// ControlSocketPath is the Unix socket path the MZHV control
	// device (internal/driver) listens on.
	ControlSocketPath string `yaml:"control_socket_path"`

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level"`

	// PoolCapacityMB sizes each core's non-paged pool (VMX regions,
	// root-mode stack, EPT tree, split page tables). Zero uses
	// defaultPoolCapacityMB.
	PoolCapacityMB int `yaml:"pool_capacity_mb"`
}

// defaultPoolCapacityMB is generous enough to hold the VMX regions, the
// root-mode stack, an EPT tree of up to four PML4 entries, and the 32
// split page tables the split arena allows.
const defaultPoolCapacityMB = 64

// PoolCapacityBytes returns PoolCapacityMB in bytes, or the default if
// unset.
func (c Config) PoolCapacityBytes() int {
	if c.PoolCapacityMB > 0 {
		return c.PoolCapacityMB * 1024 * 1024
	}
	return defaultPoolCapacityMB * 1024 * 1024
}

// Default returns a Config with hardware-probed defaults: zero
// PhysAddrBits/CoreCount (probe), no MTRR overrides, the default
// control socket path, and info-level logging.
func Default() Config {
	return Config{
		ControlSocketPath: DefaultControlSocketPath,
		LogLevel:          "info",
	}
}

// Load reads and parses a YAML config file at path. A missing file is
// not an error: it returns Default().
func Load(path string) (Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("hvconfig: stat %s: %w", path, err)
	}

	if runtime.GOOS != "windows" && info.Mode().Perm()&0002 != 0 {
		return Config{}, fmt.Errorf("hvconfig: %s is world-writable, refusing to load", path)
	}
	if info.Size() > maxConfigSize {
		return Config{}, fmt.Errorf("hvconfig: %s exceeds %d bytes", path, maxConfigSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("hvconfig: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("hvconfig: parse %s: %w", path, err)
	}

	slog.Info("hvconfig: loaded configuration", "path", path, "size", info.Size())
	return cfg, nil
}

// SlogLevel parses LogLevel into a slog.Level, defaulting to Info on an
// unrecognized value.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// EffectiveCoreCount returns CoreCount if set, else runtime.NumCPU().
func (c Config) EffectiveCoreCount(numCPU int) int {
	if c.CoreCount > 0 {
		return c.CoreCount
	}
	return numCPU
}
