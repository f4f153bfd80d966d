// Package storage defines persistence contracts for saga transactions,
// step executions, and the per-transaction event log.
package storage

import (
	"context"
	"encoding/json"
	"time"

	apperrors "github.com/louisbranch/sagaflow/internal/platform/errors"
	"github.com/louisbranch/sagaflow/internal/saga"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")
	// ErrAlreadyExists is returned when a create collides with an existing id.
	ErrAlreadyExists = apperrors.New(apperrors.CodeAlreadyExists, "record already exists")
	// ErrVersionConflict is returned when a conditional write loses the
	// version race against a concurrent writer.
	ErrVersionConflict = apperrors.New(apperrors.CodeVersionConflict, "transaction version conflict")
	// ErrLeaseLost is returned when a leased write finds the lease held by
	// another owner. The caller must stop working on the transaction.
	ErrLeaseLost = apperrors.New(apperrors.CodeLeaseLost, "transaction lease is no longer held")
	// ErrPageTokenInvalid is returned when a page token does not name a
	// stored transaction.
	ErrPageTokenInvalid = apperrors.New(apperrors.CodePageTokenInvalid, "page token is invalid")
)

// StepResolution carries the terminal outcome of a previously inserted
// PENDING step execution attempt.
type StepResolution struct {
	ExecutionID string
	Status      saga.StepStatus
	// ResultPayload holds the collaborator result for succeeded actions.
	ResultPayload json.RawMessage
	ErrorCode     string
	ErrorDetail   string
	FinishedAt    time.Time
}

// ListQuery narrows and pages a transaction listing. Where is a SQL
// fragment over transaction columns with positional params, usually
// produced by the filter package. An empty Where selects everything.
type ListQuery struct {
	Where     string
	Params    []any
	PageSize  int
	PageToken string
	// Ascending orders by created_at ascending instead of the default
	// newest-first order.
	Ascending bool
}

// Page is one page of transactions plus the token for the next page.
// NextPageToken is empty on the last page.
type Page struct {
	Transactions  []saga.Transaction
	NextPageToken string
}

// EventQuery narrows an event listing. Events are always returned in
// sequence order. AfterSeq skips events at or below the given sequence;
// Limit of zero means no limit.
type EventQuery struct {
	Where    string
	Params   []any
	AfterSeq uint64
	Limit    int
}

// Stats summarizes stored transactions for the stats endpoint.
type Stats struct {
	ByStatus     map[saga.Status]int
	ByDefinition map[string]int
}

// TransactionStore persists saga transactions and mediates the lease and
// version checks every write runs under.
type TransactionStore interface {
	// CreateTransaction inserts a new transaction and appends its first
	// event atomically, returning the event with its assigned sequence
	// number. Returns ErrAlreadyExists when the id is taken.
	CreateTransaction(ctx context.Context, txn saga.Transaction, event saga.Event) (saga.Transaction, saga.Event, error)

	// GetTransaction fetches a transaction by id.
	GetTransaction(ctx context.Context, id string) (saga.Transaction, error)

	// ListTransactions pages through transactions matching the query.
	ListTransactions(ctx context.Context, query ListQuery) (Page, error)

	// ClaimDueTransactions leases up to limit transactions that are in an
	// active status, due for work, and not leased by a live owner. Claimed
	// rows get the owner's lease and a bumped version.
	ClaimDueTransactions(ctx context.Context, owner string, ttl time.Duration, limit int, now time.Time) ([]saga.Transaction, error)

	// ClaimDeadlineExceeded leases up to limit active transactions whose
	// saga deadline has passed, regardless of their retry schedule.
	ClaimDeadlineExceeded(ctx context.Context, owner string, ttl time.Duration, limit int, now time.Time) ([]saga.Transaction, error)

	// ClaimStepTimedOut leases up to limit active transactions that have a
	// PENDING step execution past its expiry, regardless of their retry
	// schedule. Used by the sweeper to recover steps abandoned by a dead
	// worker.
	ClaimStepTimedOut(ctx context.Context, owner string, ttl time.Duration, limit int, now time.Time) ([]saga.Transaction, error)

	// UpdateLeasedTransaction writes the transaction conditioned on the
	// expected version and on owner holding the lease, bumps the version,
	// and appends the given events atomically, returning them with their
	// assigned sequence numbers. The lease fields on txn are the new lease
	// state; clearing them releases the lease in the same write. Returns
	// ErrVersionConflict or ErrLeaseLost when the condition fails.
	UpdateLeasedTransaction(ctx context.Context, owner string, txn saga.Transaction, expectedVersion uint64, events []saga.Event) (saga.Transaction, []saga.Event, error)

	// RequestCancel records a rollback request on a pending or running
	// transaction and makes it due immediately. The engine applies the
	// actual status transition under its lease.
	RequestCancel(ctx context.Context, id, reason string, now time.Time) (saga.Transaction, error)

	// ResumeFailedTransaction applies the operator retry: back to
	// COMPENSATING at the stuck step with a fresh attempt counter, a bumped
	// idempotency key epoch, and a new saga deadline, due immediately. The
	// event is returned with its assigned sequence number.
	ResumeFailedTransaction(ctx context.Context, id string, deadline, now time.Time, event saga.Event) (saga.Transaction, saga.Event, error)
}

// StepExecutionStore persists per-attempt step execution records.
type StepExecutionStore interface {
	// BeginStepAttempt writes the transaction like UpdateLeasedTransaction
	// and inserts the PENDING execution record in the same write.
	BeginStepAttempt(ctx context.Context, owner string, txn saga.Transaction, expectedVersion uint64, execution saga.StepExecution) (saga.Transaction, error)

	// CompleteStepAttempt writes the transaction like
	// UpdateLeasedTransaction, resolves the PENDING execution record, and
	// appends the given events, all in the same write. The events come back
	// with their assigned sequence numbers.
	CompleteStepAttempt(ctx context.Context, owner string, txn saga.Transaction, expectedVersion uint64, resolution StepResolution, events []saga.Event) (saga.Transaction, []saga.Event, error)

	// ListStepExecutions returns every execution record for a transaction
	// ordered by step index, phase, and attempt.
	ListStepExecutions(ctx context.Context, transactionID string) ([]saga.StepExecution, error)

	// PendingStepExecution returns the unresolved execution record for a
	// transaction, or ErrNotFound when every attempt is resolved.
	PendingStepExecution(ctx context.Context, transactionID string) (saga.StepExecution, error)
}

// EventStore reads the per-transaction event log. Events are appended
// through the transaction write methods so they share the writes'
// atomicity.
type EventStore interface {
	// ListEvents returns events for a transaction in sequence order.
	ListEvents(ctx context.Context, transactionID string, query EventQuery) ([]saga.Event, error)
}

// StatsStore aggregates stored transactions.
type StatsStore interface {
	Stats(ctx context.Context) (Stats, error)
}

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Store combines every saga persistence concern.
type Store interface {
	TransactionStore
	StepExecutionStore
	EventStore
	StatsStore
	Pinger
}
