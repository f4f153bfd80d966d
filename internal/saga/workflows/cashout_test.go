package workflows

import (
	"testing"
	"time"

	"github.com/louisbranch/sagaflow/internal/saga"
	"github.com/louisbranch/sagaflow/internal/saga/definition"
)

func TestCashOutValidates(t *testing.T) {
	if err := CashOut().Validate(); err != nil {
		t.Fatalf("CashOut().Validate() = %v, want nil", err)
	}
}

func TestCashOutShape(t *testing.T) {
	def := CashOut()

	wantSteps := []struct {
		name         string
		timeout      time.Duration
		compensation bool
	}{
		{"validate_eligibility", 10 * time.Second, false},
		{"fetch_live_odds", 15 * time.Second, false},
		{"compute_quote", 10 * time.Second, false},
		{"credit_wallet", 30 * time.Second, true},
		{"update_liability", 15 * time.Second, true},
		{"finalize_position", 20 * time.Second, true},
	}

	if len(def.Steps) != len(wantSteps) {
		t.Fatalf("len(Steps) = %d, want %d", len(def.Steps), len(wantSteps))
	}
	for i, want := range wantSteps {
		step := def.Steps[i]
		if step.Name != want.name {
			t.Fatalf("step[%d].Name = %q, want %q", i, step.Name, want.name)
		}
		if step.Timeout != want.timeout {
			t.Fatalf("step[%d].Timeout = %v, want %v", i, step.Timeout, want.timeout)
		}
		if got := step.Compensation != nil; got != want.compensation {
			t.Fatalf("step[%d] compensation presence = %v, want %v", i, got, want.compensation)
		}
		if !step.Required {
			t.Fatalf("step[%d] must be required", i)
		}
	}

	if def.Timeout != 300*time.Second {
		t.Fatalf("saga timeout = %v, want 300s", def.Timeout)
	}
	if def.DefaultMaxAttempts != 3 {
		t.Fatalf("DefaultMaxAttempts = %d, want 3", def.DefaultMaxAttempts)
	}
}

func TestRegisterAll(t *testing.T) {
	registry := definition.NewRegistry(definition.MapResolver{Default: "http://stepsim:8100"})

	if err := RegisterAll(registry); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}

	registered, err := registry.Get(CashOutName)
	if err != nil {
		t.Fatalf("Get(cashout): %v", err)
	}
	if registered.StepCount() != 6 {
		t.Fatalf("StepCount = %d, want 6", registered.StepCount())
	}

	url, ok := registered.Endpoint("credit_wallet", saga.PhaseCompensation)
	if !ok || url != "http://stepsim:8100/api/cashout/rollback" {
		t.Fatalf("Endpoint(credit_wallet, compensation) = %q, %v", url, ok)
	}

	// Registering twice must fail; packaged definitions are immutable.
	if err := RegisterAll(registry); err == nil {
		t.Fatal("second RegisterAll = nil, want duplicate error")
	}
}
