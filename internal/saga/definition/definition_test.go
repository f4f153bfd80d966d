package definition

import (
	"errors"
	"testing"
	"time"

	apperrors "github.com/louisbranch/sagaflow/internal/platform/errors"
)

func TestRetryPolicyDelay(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 6, BaseDelay: 5 * time.Second, MaxDelay: 60 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 5 * time.Second},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{5, 60 * time.Second},
		{6, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := policy.Delay(tt.attempt); got != tt.want {
			t.Fatalf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRetryPolicyDelayCapsMidDoubling(t *testing.T) {
	policy := RetryPolicy{BaseDelay: 50 * time.Second, MaxDelay: time.Minute}
	if got := policy.Delay(1); got != 50*time.Second {
		t.Fatalf("Delay(1) = %v, want 50s", got)
	}
	if got := policy.Delay(2); got != time.Minute {
		t.Fatalf("Delay(2) = %v, want 1m", got)
	}
}

// validDefinition builds a minimal two-step definition used as the mutation
// base for validation tests.
func validDefinition() Definition {
	return Definition{
		Name:          "test-flow",
		Version:       1,
		SubjectFields: []string{"order_id"},
		Timeout:       time.Minute,
		Steps: []Step{
			{
				Name:     "reserve",
				Required: true,
				Timeout:  10 * time.Second,
				Action: Contract{
					Service:      "inventory",
					Path:         "/reserve",
					InputFields:  []string{"order_id"},
					ResultFields: []string{"reservation_id"},
				},
				Compensation: &Contract{
					Service:     "inventory",
					Path:        "/release",
					InputFields: []string{"reservation_id", "reason"},
				},
			},
			{
				Name:     "charge",
				Required: true,
				Timeout:  10 * time.Second,
				Action: Contract{
					Service:      "payments",
					Path:         "/charge",
					InputFields:  []string{"order_id", "reservation_id"},
					ResultFields: []string{"charge_id"},
				},
			},
		},
	}
}

func TestDefinitionValidateAccepts(t *testing.T) {
	if err := validDefinition().Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestDefinitionValidateRejects(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Definition)
		wantCode apperrors.Code
	}{
		{
			name:     "empty name",
			mutate:   func(d *Definition) { d.Name = "  " },
			wantCode: apperrors.CodeDefinitionNameEmpty,
		},
		{
			name:     "no steps",
			mutate:   func(d *Definition) { d.Steps = nil },
			wantCode: apperrors.CodeDefinitionNoSteps,
		},
		{
			name:     "saga timeout not positive",
			mutate:   func(d *Definition) { d.Timeout = 0 },
			wantCode: apperrors.CodeDefinitionTimeoutInvalid,
		},
		{
			name:     "empty step name",
			mutate:   func(d *Definition) { d.Steps[0].Name = "" },
			wantCode: apperrors.CodeDefinitionStepNameEmpty,
		},
		{
			name:     "duplicate step name",
			mutate:   func(d *Definition) { d.Steps[1].Name = d.Steps[0].Name },
			wantCode: apperrors.CodeDefinitionDuplicateStep,
		},
		{
			name:     "missing action contract",
			mutate:   func(d *Definition) { d.Steps[1].Action = Contract{} },
			wantCode: apperrors.CodeDefinitionActionMissing,
		},
		{
			name:     "empty action service",
			mutate:   func(d *Definition) { d.Steps[0].Action.Service = " " },
			wantCode: apperrors.CodeDefinitionActionServiceEmpty,
		},
		{
			name:     "relative action path",
			mutate:   func(d *Definition) { d.Steps[0].Action.Path = "reserve" },
			wantCode: apperrors.CodeDefinitionActionPathEmpty,
		},
		{
			name:     "step timeout not positive",
			mutate:   func(d *Definition) { d.Steps[0].Timeout = 0 },
			wantCode: apperrors.CodeDefinitionTimeoutInvalid,
		},
		{
			name:     "negative retry policy",
			mutate:   func(d *Definition) { d.Steps[0].Retry.BaseDelay = -time.Second },
			wantCode: apperrors.CodeDefinitionRetryPolicyInvalid,
		},
		{
			name: "action input not derivable",
			mutate: func(d *Definition) {
				d.Steps[0].Action.InputFields = []string{"quote_id"}
			},
			wantCode: apperrors.CodeDefinitionActionInput,
		},
		{
			name: "action input from later step",
			mutate: func(d *Definition) {
				d.Steps[0].Action.InputFields = append(d.Steps[0].Action.InputFields, "charge_id")
			},
			wantCode: apperrors.CodeDefinitionActionInput,
		},
		{
			name: "compensation input not derivable",
			mutate: func(d *Definition) {
				d.Steps[0].Compensation.InputFields = []string{"charge_id"}
			},
			wantCode: apperrors.CodeDefinitionCompensationInput,
		},
		{
			name: "compensation service missing",
			mutate: func(d *Definition) {
				d.Steps[0].Compensation.Service = ""
			},
			wantCode: apperrors.CodeDefinitionActionServiceEmpty,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition()
			tt.mutate(&def)
			err := def.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !errors.Is(err, apperrors.New(tt.wantCode, "")) {
				t.Fatalf("Validate() = %v, want code %s", err, tt.wantCode)
			}
		})
	}
}

func TestDefinitionValidateAllowsReasonField(t *testing.T) {
	def := validDefinition()
	def.Steps[0].Compensation.InputFields = []string{"reason"}
	if err := def.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil for reason-only compensation input", err)
	}
}
