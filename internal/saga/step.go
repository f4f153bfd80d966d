package saga

import (
	"encoding/json"
	"fmt"
	"time"
)

// Phase distinguishes forward actions from compensations.
type Phase string

const (
	// PhaseAction is the forward execution of a step.
	PhaseAction Phase = "action"
	// PhaseCompensation is the undo execution of a step.
	PhaseCompensation Phase = "compensation"
)

// IsValid reports whether the phase is one of the defined values.
func (p Phase) IsValid() bool {
	return p == PhaseAction || p == PhaseCompensation
}

// StepStatus describes the outcome of one step execution attempt.
type StepStatus string

const (
	// StepStatusPending indicates the attempt is dispatched but unresolved.
	StepStatusPending StepStatus = "PENDING"
	// StepStatusSucceeded indicates the action attempt succeeded.
	StepStatusSucceeded StepStatus = "SUCCEEDED"
	// StepStatusFailed indicates the attempt failed.
	StepStatusFailed StepStatus = "FAILED"
	// StepStatusCompensated indicates the compensation attempt succeeded.
	StepStatusCompensated StepStatus = "COMPENSATED"
	// StepStatusSkipped indicates an optional step exhausted its attempts and
	// the saga moved on without it.
	StepStatusSkipped StepStatus = "SKIPPED"
)

// validStepStatuses enumerates every storable step execution status.
var validStepStatuses = map[StepStatus]bool{
	StepStatusPending:     true,
	StepStatusSucceeded:   true,
	StepStatusFailed:      true,
	StepStatusCompensated: true,
	StepStatusSkipped:     true,
}

// IsValid reports whether the step status is one of the defined values.
func (s StepStatus) IsValid() bool {
	return validStepStatuses[s]
}

// StepExecution records one delivery attempt of a step's action or
// compensation. Rows are append-only apart from the PENDING -> resolved
// update of a single attempt.
type StepExecution struct {
	ID            string
	TransactionID string
	StepName      string
	StepIndex     int
	Phase         Phase
	// Attempt numbers deliveries within (transaction, step, phase), from 1.
	Attempt int
	// KeyEpoch is the idempotency key epoch this attempt was delivered under.
	KeyEpoch int
	Status   StepStatus
	// ResultPayload holds the collaborator's result object for succeeded
	// actions. Inputs for later steps and for compensations are drawn from it.
	ResultPayload json.RawMessage
	// ErrorCode classifies a failed attempt (collaborator error code or the
	// engine's timeout marker). Empty for succeeded attempts.
	ErrorCode   string
	ErrorDetail string
	StartedAt   time.Time
	FinishedAt  *time.Time
	// ExpiresAt is StartedAt plus the step timeout. The sweeper fails
	// attempts still PENDING past this instant.
	ExpiresAt time.Time
}

// IdempotencyKey derives the deterministic dedupe key a collaborator sees
// for a step delivery. Automatic retries reuse the epoch, so the key is
// stable across them; the manual retry operation bumps the epoch to mint a
// fresh key.
func IdempotencyKey(transactionID, stepName string, keyEpoch int) string {
	return fmt.Sprintf("%s:%s:%d", transactionID, stepName, keyEpoch)
}
