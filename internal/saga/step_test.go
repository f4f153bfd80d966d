package saga

import "testing"

func TestPhaseIsValid(t *testing.T) {
	tests := []struct {
		phase Phase
		want  bool
	}{
		{PhaseAction, true},
		{PhaseCompensation, true},
		{"", false},
		{"rollback", false},
	}
	for _, tt := range tests {
		if got := tt.phase.IsValid(); got != tt.want {
			t.Fatalf("Phase(%q).IsValid() = %v, want %v", tt.phase, got, tt.want)
		}
	}
}

func TestStepStatusIsValid(t *testing.T) {
	tests := []struct {
		status StepStatus
		want   bool
	}{
		{StepStatusPending, true},
		{StepStatusSucceeded, true},
		{StepStatusFailed, true},
		{StepStatusCompensated, true},
		{StepStatusSkipped, true},
		{"", false},
		{"RUNNING", false},
	}
	for _, tt := range tests {
		if got := tt.status.IsValid(); got != tt.want {
			t.Fatalf("StepStatus(%q).IsValid() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestIdempotencyKey(t *testing.T) {
	key := IdempotencyKey("txn-1", "credit_wallet", 1)
	if key != "txn-1:credit_wallet:1" {
		t.Fatalf("IdempotencyKey = %q, want %q", key, "txn-1:credit_wallet:1")
	}

	// Stable across automatic retries: same inputs, same key.
	if again := IdempotencyKey("txn-1", "credit_wallet", 1); again != key {
		t.Fatalf("IdempotencyKey not stable: %q then %q", key, again)
	}

	// A manual retry bumps the epoch and must produce a fresh key.
	if bumped := IdempotencyKey("txn-1", "credit_wallet", 2); bumped == key {
		t.Fatalf("IdempotencyKey epoch bump produced the same key %q", key)
	}
}
