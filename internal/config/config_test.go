package config

import (
	"flag"
	"testing"
	"time"
)

func TestDefaultPassesValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() config should validate, got: %v", err)
	}
}

func TestApplyEnvOverridesDefaults(t *testing.T) {
	cfg := Default()
	env := map[string]string{
		"VEOS_NODE_COUNT":        "4",
		"VEOS_DMA_TIMEOUT":       "5s",
		"VEOS_RLIMIT_SIGPENDING": "2048",
		"VEOS_CONTROL_SOCKET":    "/tmp/veos-test.sock",
	}
	getenv := func(k string) string { return env[k] }

	if err := applyEnv(cfg, getenv); err != nil {
		t.Fatal(err)
	}
	if cfg.NodeCount != 4 {
		t.Errorf("NodeCount = %d, want 4", cfg.NodeCount)
	}
	if cfg.DMATimeout != 5*time.Second {
		t.Errorf("DMATimeout = %v, want 5s", cfg.DMATimeout)
	}
	if cfg.DefaultRLimitSigpending != 2048 {
		t.Errorf("DefaultRLimitSigpending = %d, want 2048", cfg.DefaultRLimitSigpending)
	}
	if cfg.ControlSocketPath != "/tmp/veos-test.sock" {
		t.Errorf("ControlSocketPath = %q, want /tmp/veos-test.sock", cfg.ControlSocketPath)
	}
}

func TestApplyEnvLeavesUnsetVarsAlone(t *testing.T) {
	cfg := Default()
	want := cfg.NodeCount
	if err := applyEnv(cfg, func(string) string { return "" }); err != nil {
		t.Fatal(err)
	}
	if cfg.NodeCount != want {
		t.Errorf("NodeCount = %d, want unchanged %d", cfg.NodeCount, want)
	}
}

func TestApplyEnvRejectsMalformedValue(t *testing.T) {
	cfg := Default()
	env := map[string]string{"VEOS_NODE_COUNT": "not-a-number"}
	err := applyEnv(cfg, func(k string) string { return env[k] })
	if err == nil {
		t.Fatal("expected an error for a malformed VEOS_NODE_COUNT")
	}
}

func TestRegisterFlagsOverridesConfig(t *testing.T) {
	cfg := Default()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs, cfg)

	if err := fs.Parse([]string{"-nodes", "8", "-ring-depth", "64"}); err != nil {
		t.Fatal(err)
	}
	if cfg.NodeCount != 8 {
		t.Errorf("NodeCount = %d, want 8", cfg.NodeCount)
	}
	if cfg.DescRingDepth != 64 {
		t.Errorf("DescRingDepth = %d, want 64", cfg.DescRingDepth)
	}
}

func TestValidateRejectsNonPowerOfTwoRingDepth(t *testing.T) {
	cfg := Default()
	cfg.DescRingDepth = 33
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for a non-power-of-two ring depth")
	}
}

func TestValidateRejectsZeroNodes(t *testing.T) {
	cfg := Default()
	cfg.NodeCount = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for zero nodes")
	}
}

func TestValidateRejectsEmptySocketPath(t *testing.T) {
	cfg := Default()
	cfg.ControlSocketPath = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for an empty control socket path")
	}
}
