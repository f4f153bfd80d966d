package saga

import (
	"encoding/json"
	"time"
)

// EventType identifies the type of a saga event.
type EventType string

const (
	// EventStarted records the creation of a transaction.
	EventStarted EventType = "STARTED"
	// EventStepSucceeded records a successful action attempt.
	EventStepSucceeded EventType = "STEP_SUCCEEDED"
	// EventStepFailed records a failed action attempt with no retry left,
	// including optional steps that were skipped.
	EventStepFailed EventType = "STEP_FAILED"
	// EventStepRetried records a scheduled re-attempt after a retryable failure.
	EventStepRetried EventType = "STEP_RETRIED"
	// EventCompensationStarted records entry into the compensation walk.
	EventCompensationStarted EventType = "COMPENSATION_STARTED"
	// EventCompensationSucceeded records a compensated step.
	EventCompensationSucceeded EventType = "COMPENSATION_SUCCEEDED"
	// EventCompensationFailed records a compensation that exhausted retries.
	EventCompensationFailed EventType = "COMPENSATION_FAILED"
	// EventCompleted records the transaction reaching COMPLETED.
	EventCompleted EventType = "COMPLETED"
	// EventFailed records the transaction reaching FAILED.
	EventFailed EventType = "FAILED"
	// EventRolledBack records the transaction reaching ROLLED_BACK.
	EventRolledBack EventType = "ROLLED_BACK"
)

// validEventTypes enumerates every storable event type.
var validEventTypes = map[EventType]bool{
	EventStarted:               true,
	EventStepSucceeded:         true,
	EventStepFailed:            true,
	EventStepRetried:           true,
	EventCompensationStarted:   true,
	EventCompensationSucceeded: true,
	EventCompensationFailed:    true,
	EventCompleted:             true,
	EventFailed:                true,
	EventRolledBack:            true,
}

// IsValid reports whether the event type is one of the defined values.
func (t EventType) IsValid() bool {
	return validEventTypes[t]
}

// Event is one entry in a transaction's append-only journal. Events exist
// for audit and observability; recovery correctness derives from the
// transaction row and step executions, never from the journal.
type Event struct {
	TransactionID string
	// Seq is the event sequence number within the transaction (starts at 1).
	// Assigned by storage on append.
	Seq      uint64
	Type     EventType
	StepName string
	Message  string
	// Payload carries optional structured detail (attempt numbers, reasons).
	Payload   json.RawMessage
	CreatedAt time.Time
}
