package saga

import (
	"encoding/json"
	"strings"
	"time"

	apperrors "github.com/louisbranch/sagaflow/internal/platform/errors"
)

// Status describes the lifecycle of a saga transaction.
type Status string

const (
	// StatusPending indicates the transaction is created but no step has run.
	StatusPending Status = "PENDING"
	// StatusRunning indicates forward step execution is in progress.
	StatusRunning Status = "RUNNING"
	// StatusCompensating indicates completed steps are being undone.
	StatusCompensating Status = "COMPENSATING"
	// StatusCompleted indicates every step succeeded. Terminal.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed indicates the saga is stuck and needs an operator. Terminal
	// for the automatic flow; only the manual retry operation leaves it.
	StatusFailed Status = "FAILED"
	// StatusRolledBack indicates all completed steps were compensated. Terminal.
	StatusRolledBack Status = "ROLLED_BACK"
)

var (
	// ErrTransactionIDInvalid indicates a malformed caller-supplied transaction id.
	ErrTransactionIDInvalid = apperrors.New(apperrors.CodeTransactionIDInvalid, "transaction id must be a non-empty opaque string")
	// ErrSubjectInvalid indicates the subject context is not a JSON object.
	ErrSubjectInvalid = apperrors.New(apperrors.CodeTransactionSubjectInvalid, "subject context must be a JSON object")
	// ErrTerminal indicates a mutation was attempted on a terminal transaction.
	ErrTerminal = apperrors.New(apperrors.CodeTransactionTerminal, "transaction is in a terminal status")
	// ErrStatusTransition indicates a disallowed status change.
	ErrStatusTransition = apperrors.New(apperrors.CodeTransactionStatusTransition, "transaction status transition is not allowed")
	// ErrRollbackDisallowed indicates a rollback request for a transaction
	// that is already compensating or terminal.
	ErrRollbackDisallowed = apperrors.New(apperrors.CodeRollbackDisallowed, "rollback is only allowed for pending or running transactions")
	// ErrRetryDisallowed indicates a manual retry for a transaction not in FAILED.
	ErrRetryDisallowed = apperrors.New(apperrors.CodeRetryDisallowed, "manual retry requires a failed transaction")
	// ErrStepMismatch indicates a manual retry naming a step other than the one
	// the transaction is stuck on.
	ErrStepMismatch = apperrors.New(apperrors.CodeTransactionStepMismatch, "step does not match the transaction's stuck step")
)

// validStatuses enumerates every storable transaction status.
var validStatuses = map[Status]bool{
	StatusPending:      true,
	StatusRunning:      true,
	StatusCompensating: true,
	StatusCompleted:    true,
	StatusFailed:       true,
	StatusRolledBack:   true,
}

// IsValid reports whether the status is one of the defined values.
func (s Status) IsValid() bool {
	return validStatuses[s]
}

// IsTerminal reports whether the status admits no further automatic work.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRolledBack
}

// transitions holds the automatic status-change edges. Edges that keep the
// status unchanged (retry scheduling, step advance) are not listed; they are
// not status changes.
var transitions = map[Status][]Status{
	StatusPending:      {StatusRunning, StatusCompensating},
	StatusRunning:      {StatusCompleted, StatusCompensating},
	StatusCompensating: {StatusRolledBack, StatusFailed},
}

// CanTransition reports whether the automatic flow may move from one status
// to another. The manual operator retry edge out of FAILED is checked
// separately via CanOperatorResume.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CanOperatorResume reports whether the manual retry operation may move the
// transaction out of its current status.
func CanOperatorResume(from Status) bool {
	return from == StatusFailed
}

// Transaction is the durable record of one saga instance. Rows are never
// deleted; terminal rows are immutable except for the operator retry path
// out of FAILED.
type Transaction struct {
	ID                string
	Definition        string
	DefinitionVersion int
	// SubjectContext is the opaque JSON object supplied at start. Step inputs
	// are drawn from it and from prior step results.
	SubjectContext json.RawMessage
	Status         Status
	// CurrentStep indexes the definition's step list. During COMPENSATING it
	// walks downward over previously-succeeded steps.
	CurrentStep int
	// Attempt counts delivery attempts for the current step and phase,
	// starting at 1. Reset when the step or phase changes.
	Attempt int
	// KeyEpoch feeds the idempotency key for the current step. Automatic
	// retries keep it; only the manual retry operation bumps it.
	KeyEpoch      int
	FailureReason string
	// CancelRequested marks a pending rollback request. The API only records
	// the request; the engine applies the transition under its lease.
	CancelRequested bool
	CancelReason    string
	// Version is the optimistic-concurrency counter. Every write is
	// conditional on the previously read value.
	Version uint64
	// LeaseOwner and LeaseExpiresAt guard step execution. A zero
	// LeaseExpiresAt means unleased.
	LeaseOwner     string
	LeaseExpiresAt time.Time
	// NextAttemptAt schedules the next engine visit (backoff between retries).
	NextAttemptAt time.Time
	// DeadlineAt caps the whole saga. Once passed, the sweeper routes the
	// transaction toward COMPENSATING or FAILED.
	DeadlineAt  time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// ValidateID checks a caller-supplied transaction id. IDs are opaque; only
// emptiness and whitespace padding are rejected.
func ValidateID(id string) error {
	if id == "" || strings.TrimSpace(id) != id {
		return ErrTransactionIDInvalid
	}
	return nil
}

// ValidateSubjectContext checks that raw is a JSON object and that every
// required field is present.
func ValidateSubjectContext(raw json.RawMessage, required []string) error {
	if len(raw) == 0 {
		return ErrSubjectInvalid
	}
	var subject map[string]json.RawMessage
	if err := json.Unmarshal(raw, &subject); err != nil {
		return apperrors.Wrap(apperrors.CodeTransactionSubjectInvalid, "subject context must be a JSON object", err)
	}
	for _, field := range required {
		if _, ok := subject[field]; !ok {
			return apperrors.WithMetadata(apperrors.CodeTransactionSubjectInvalid, "subject context is missing a required field", map[string]string{"field": field})
		}
	}
	return nil
}
