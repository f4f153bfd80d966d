// Package definition models saga workflow definitions: ordered steps with
// typed action and compensation contracts, retry policies, and timeouts.
// Definitions are validated and resolved against collaborator targets when
// registered, and are immutable afterwards.
package definition

import (
	"strings"
	"time"

	apperrors "github.com/louisbranch/sagaflow/internal/platform/errors"
)

// ReasonField is the well-known input field injected by the engine for
// compensation calls. It carries the failure reason that triggered the
// compensation walk.
const ReasonField = "reason"

// Contract binds a step phase to a collaborator operation. InputFields name
// the context keys sent as the call's input object; ResultFields declare the
// keys the operation's result contributes back to the context.
type Contract struct {
	Service      string
	Path         string
	InputFields  []string
	ResultFields []string
}

// RetryPolicy bounds delivery attempts for a step phase. Delays grow
// exponentially from BaseDelay up to MaxDelay.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Delay returns the wait before the attempt after the given one. The first
// failed attempt (attempt 1) waits BaseDelay, doubling per attempt, capped
// at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Step is one unit of work in a definition.
type Step struct {
	Name   string
	Action Contract
	// Compensation undoes a succeeded action. Nil means the step has no
	// side effect worth undoing.
	Compensation *Contract
	Retry        RetryPolicy
	// Timeout caps a single delivery attempt of this step.
	Timeout time.Duration
	// Required marks whether a terminal failure of this step aborts the saga.
	// Optional steps log, are marked skipped, and the saga moves on.
	Required bool
}

// Definition is an ordered saga workflow. Immutable once registered; a new
// version is a new registration.
type Definition struct {
	Name    string
	Version int
	// SubjectFields are the keys the start payload's subject context must
	// carry. They seed the context step inputs are drawn from.
	SubjectFields []string
	Steps         []Step
	// Timeout caps the whole saga from start.
	Timeout time.Duration
	// DefaultMaxAttempts applies to steps whose retry policy leaves
	// MaxAttempts unset. Defaults to 3.
	DefaultMaxAttempts int
}

// Defaults applied by normalize for unset retry policy fields.
const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 5 * time.Second
	defaultMaxDelay    = 60 * time.Second
)

// Validate checks structural soundness and input derivability. It does not
// resolve collaborator targets; Registry.Register does that.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return apperrors.New(apperrors.CodeDefinitionNameEmpty, "definition name is required")
	}
	if len(d.Steps) == 0 {
		return apperrors.WithMetadata(apperrors.CodeDefinitionNoSteps, "definition has no steps", map[string]string{"definition": d.Name})
	}
	if d.Timeout <= 0 {
		return apperrors.WithMetadata(apperrors.CodeDefinitionTimeoutInvalid, "definition timeout must be positive", map[string]string{"definition": d.Name})
	}

	seen := make(map[string]bool, len(d.Steps))
	available := make(map[string]bool, len(d.SubjectFields))
	for _, field := range d.SubjectFields {
		available[field] = true
	}

	for _, step := range d.Steps {
		meta := map[string]string{"definition": d.Name, "step": step.Name}
		if strings.TrimSpace(step.Name) == "" {
			return apperrors.WithMetadata(apperrors.CodeDefinitionStepNameEmpty, "step name is required", map[string]string{"definition": d.Name})
		}
		if seen[step.Name] {
			return apperrors.WithMetadata(apperrors.CodeDefinitionDuplicateStep, "step name is duplicated", meta)
		}
		seen[step.Name] = true

		if err := validateContract(step.Action, "action", meta); err != nil {
			return err
		}
		if step.Timeout <= 0 {
			return apperrors.WithMetadata(apperrors.CodeDefinitionTimeoutInvalid, "step timeout must be positive", meta)
		}
		if step.Retry.MaxAttempts < 0 || step.Retry.BaseDelay < 0 || step.Retry.MaxDelay < 0 {
			return apperrors.WithMetadata(apperrors.CodeDefinitionRetryPolicyInvalid, "retry policy fields must not be negative", meta)
		}

		for _, field := range step.Action.InputFields {
			if !available[field] {
				withField := map[string]string{"definition": d.Name, "step": step.Name, "field": field}
				return apperrors.WithMetadata(apperrors.CodeDefinitionActionInput, "action input field is not derivable from the subject context or prior results", withField)
			}
		}
		for _, field := range step.Action.ResultFields {
			available[field] = true
		}

		if step.Compensation != nil {
			if err := validateContract(*step.Compensation, "compensation", meta); err != nil {
				return err
			}
			for _, field := range step.Compensation.InputFields {
				if field == ReasonField {
					continue
				}
				if !available[field] {
					withField := map[string]string{"definition": d.Name, "step": step.Name, "field": field}
					return apperrors.WithMetadata(apperrors.CodeDefinitionCompensationInput, "compensation input field is not derivable from the subject context or results up to this step", withField)
				}
			}
		}
	}
	return nil
}

func validateContract(c Contract, phase string, meta map[string]string) error {
	withPhase := map[string]string{"phase": phase}
	for k, v := range meta {
		withPhase[k] = v
	}
	if c.Service == "" && c.Path == "" && len(c.InputFields) == 0 {
		return apperrors.WithMetadata(apperrors.CodeDefinitionActionMissing, "step contract is missing", withPhase)
	}
	if strings.TrimSpace(c.Service) == "" {
		return apperrors.WithMetadata(apperrors.CodeDefinitionActionServiceEmpty, "contract service is required", withPhase)
	}
	if !strings.HasPrefix(c.Path, "/") {
		return apperrors.WithMetadata(apperrors.CodeDefinitionActionPathEmpty, "contract path must start with /", withPhase)
	}
	return nil
}

// normalize fills retry-policy defaults. Called on the deep copy held by the
// registry so caller-owned values stay untouched.
func (d *Definition) normalize() {
	if d.DefaultMaxAttempts <= 0 {
		d.DefaultMaxAttempts = defaultMaxAttempts
	}
	for i := range d.Steps {
		retry := &d.Steps[i].Retry
		if retry.MaxAttempts <= 0 {
			retry.MaxAttempts = d.DefaultMaxAttempts
		}
		if retry.BaseDelay <= 0 {
			retry.BaseDelay = defaultBaseDelay
		}
		if retry.MaxDelay <= 0 {
			retry.MaxDelay = defaultMaxDelay
		}
	}
}

// clone deep-copies the definition so registered state cannot be mutated
// through the caller's slices.
func (d Definition) clone() Definition {
	out := d
	out.SubjectFields = append([]string(nil), d.SubjectFields...)
	out.Steps = make([]Step, len(d.Steps))
	for i, step := range d.Steps {
		copied := step
		copied.Action = step.Action.clone()
		if step.Compensation != nil {
			comp := step.Compensation.clone()
			copied.Compensation = &comp
		}
		out.Steps[i] = copied
	}
	return out
}

func (c Contract) clone() Contract {
	out := c
	out.InputFields = append([]string(nil), c.InputFields...)
	out.ResultFields = append([]string(nil), c.ResultFields...)
	return out
}
