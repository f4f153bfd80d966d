package stepsim

import (
	"flag"
	"testing"
	"time"
)

func TestParseConfig_ParsesDefaultsAndFlags(t *testing.T) {
	fs := flag.NewFlagSet("stepsim", flag.ContinueOnError)
	t.Setenv("SAGAFLOW_STEPSIM_RULES", "credit_wallet=retryable:2")

	cfg, err := ParseConfig(fs, []string{"-latency", "50ms"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Port != 8100 {
		t.Fatalf("port = %d, want 8100", cfg.Port)
	}
	if cfg.Rules != "credit_wallet=retryable:2" {
		t.Fatalf("rules = %q, want %q", cfg.Rules, "credit_wallet=retryable:2")
	}
	if cfg.Latency != 50*time.Millisecond {
		t.Fatalf("latency = %v, want 50ms", cfg.Latency)
	}
}
