// Package config holds the node daemon's typed settings: the same
// "struct plus Default() constructor" idiom the teacher used inline for
// DeviceParams, lifted into its own package because this service has more
// cross-cutting tunables than a single device's parameters — node
// topology, the DMA ring, per-task resource limits, and the socket paths
// the pseudo-process protocol and core-dump helper bind to.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/veos-project/veos-core/internal/constants"
	"github.com/veos-project/veos-core/internal/uapi"
)

// Config is the node daemon's full runtime configuration.
type Config struct {
	// NodeCount is how many VE nodes this daemon instance manages.
	NodeCount int

	// DescRingDepth overrides constants.NDesc for nodes whose hardware
	// exposes a shallower or deeper descriptor ring.
	DescRingDepth int

	// DMATimeout is carried in Config, but nothing outside this package
	// reads it: Engine.Wait is bounded only by its caller's context.
	DMATimeout time.Duration

	// DefaultRLimitSigpending is carried in Config, but nothing outside
	// this package reads it: NewTask seeds Task.RLimitSigpending from
	// constants.DefaultRLimitSigpending.
	DefaultRLimitSigpending uint64

	// CorePatternPath names the core_pattern file. Nothing outside this
	// package reads it: the core-dump path reads constants.CorePatternPath.
	CorePatternPath string

	// ControlSocketPath is where the pseudo-process protocol's
	// Dispatcher listens.
	ControlSocketPath string

	// CoreDumpUID/GID are carried in Config, but nothing outside this
	// package reads them: CoreDumper.Dump takes the helper's uid/gid as
	// arguments from its caller.
	CoreDumpUID uint32
	CoreDumpGID uint32
}

// Default returns the daemon's built-in configuration, used as the base
// that environment variables and command-line flags are layered on top
// of.
func Default() *Config {
	return &Config{
		NodeCount:               1,
		DescRingDepth:           constants.NDesc,
		DMATimeout:              30 * time.Second,
		DefaultRLimitSigpending: constants.DefaultRLimitSigpending,
		CorePatternPath:         constants.CorePatternPath,
		ControlSocketPath:       uapi.ProtoControlSocketPath,
		CoreDumpUID:             65534, // nobody
		CoreDumpGID:             65534, // nogroup
	}
}

// applyEnv applies the table of environment variables this package
// recognizes, each over cfg's current value if set and
// well-formed. Malformed values are reported rather than silently
// ignored, since a typo'd env var silently falling back to the default
// is exactly the kind of surprise a deployed daemon shouldn't produce.
func applyEnv(cfg *Config, getenv func(string) string) error {
	type binding struct {
		name  string
		apply func(string) error
	}

	bindings := []binding{
		{"VEOS_NODE_COUNT", intSetter(&cfg.NodeCount)},
		{"VEOS_DESC_RING_DEPTH", intSetter(&cfg.DescRingDepth)},
		{"VEOS_DMA_TIMEOUT", durationSetter(&cfg.DMATimeout)},
		{"VEOS_RLIMIT_SIGPENDING", uint64Setter(&cfg.DefaultRLimitSigpending)},
		{"VEOS_CORE_PATTERN", stringSetter(&cfg.CorePatternPath)},
		{"VEOS_CONTROL_SOCKET", stringSetter(&cfg.ControlSocketPath)},
		{"VEOS_COREDUMP_UID", uint32Setter(&cfg.CoreDumpUID)},
		{"VEOS_COREDUMP_GID", uint32Setter(&cfg.CoreDumpGID)},
	}

	for _, b := range bindings {
		v := getenv(b.name)
		if v == "" {
			continue
		}
		if err := b.apply(v); err != nil {
			return fmt.Errorf("config: env %s=%q: %w", b.name, v, err)
		}
	}
	return nil
}

// FromEnv layers process environment variables over cfg in place.
func FromEnv(cfg *Config) error {
	return applyEnv(cfg, os.Getenv)
}

// RegisterFlags binds cfg's fields to fs, following the teacher's
// cmd/ublk-mem/main.go idiom of flag.String/flag.Int plus sensible
// defaults, except the defaults here are cfg's current values (already
// layered with env overrides) rather than hardcoded literals. Call
// fs.Parse after this to apply any command-line overrides.
func RegisterFlags(fs *flag.FlagSet, cfg *Config) {
	fs.IntVar(&cfg.NodeCount, "nodes", cfg.NodeCount, "number of VE nodes managed by this daemon")
	fs.IntVar(&cfg.DescRingDepth, "ring-depth", cfg.DescRingDepth, "DMA descriptor ring depth per node")
	fs.DurationVar(&cfg.DMATimeout, "dma-timeout", cfg.DMATimeout, "timeout for a single DMA request's completion")
	fs.Uint64Var(&cfg.DefaultRLimitSigpending, "rlimit-sigpending", cfg.DefaultRLimitSigpending, "default RLIMIT_SIGPENDING for new tasks")
	fs.StringVar(&cfg.CorePatternPath, "core-pattern", cfg.CorePatternPath, "path to the core_pattern file")
	fs.StringVar(&cfg.ControlSocketPath, "control-socket", cfg.ControlSocketPath, "pseudo-process protocol socket path")
}

// Validate reports the first configuration invariant violated, if any.
func (c *Config) Validate() error {
	if c.NodeCount < 1 {
		return fmt.Errorf("config: nodes must be >= 1, got %d", c.NodeCount)
	}
	if c.DescRingDepth < 1 || c.DescRingDepth&(c.DescRingDepth-1) != 0 {
		return fmt.Errorf("config: ring-depth must be a power of two, got %d", c.DescRingDepth)
	}
	if c.DMATimeout <= 0 {
		return fmt.Errorf("config: dma-timeout must be positive, got %v", c.DMATimeout)
	}
	if c.ControlSocketPath == "" {
		return fmt.Errorf("config: control-socket must not be empty")
	}
	return nil
}

func intSetter(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func uint64Setter(dst *uint64) func(string) error {
	return func(v string) error {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func uint32Setter(dst *uint32) func(string) error {
	return func(v string) error {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return err
		}
		*dst = uint32(n)
		return nil
	}
}

func stringSetter(dst *string) func(string) error {
	return func(v string) error {
		*dst = v
		return nil
	}
}

func durationSetter(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}
