// Package engine drives saga transactions through their state machine: it
// creates instances, executes step actions and compensations through the
// executor, persists every transition under a per-instance lease with
// optimistic concurrency, and emits the event journal.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/sagaflow/internal/platform/errors"
	"github.com/louisbranch/sagaflow/internal/platform/id"
	"github.com/louisbranch/sagaflow/internal/saga"
	"github.com/louisbranch/sagaflow/internal/saga/definition"
	"github.com/louisbranch/sagaflow/internal/saga/executor"
	"github.com/louisbranch/sagaflow/internal/saga/storage"
)

const defaultLeaseTTL = 30 * time.Second

// EventPublisher receives saga events after they are durably recorded.
// Publishing is best-effort observability; failures are logged, never
// propagated into the saga's control flow.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event saga.Event) error
}

// Config assembles an Engine. Store and Registry are required; Invoker is
// required for engines that execute steps (the sweeper runs without one).
type Config struct {
	Store    storage.Store
	Registry *definition.Registry
	Invoker  executor.Invoker
	// Publisher receives events after commit. Nil disables publishing.
	Publisher EventPublisher
	// Owner identifies this engine in lease columns. Defaults to a random
	// identity per process.
	Owner    string
	LeaseTTL time.Duration
	Clock    func() time.Time
	NewID    func() (string, error)
}

// Engine is the saga orchestrator core.
type Engine struct {
	store     storage.Store
	registry  *definition.Registry
	invoker   executor.Invoker
	publisher EventPublisher
	owner     string
	leaseTTL  time.Duration
	clock     func() time.Time
	newID     func() (string, error)
	tracer    trace.Tracer
}

// New builds an engine, defaulting the owner identity, lease TTL, clock,
// and id generator.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	owner := strings.TrimSpace(cfg.Owner)
	if owner == "" {
		suffix, err := id.NewID()
		if err != nil {
			return nil, fmt.Errorf("generate engine owner: %w", err)
		}
		owner = "engine-" + suffix
	}
	leaseTTL := cfg.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = defaultLeaseTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = nowUTC
	}
	newID := cfg.NewID
	if newID == nil {
		newID = id.NewID
	}
	return &Engine{
		store:     cfg.Store,
		registry:  cfg.Registry,
		invoker:   cfg.Invoker,
		publisher: cfg.Publisher,
		owner:     owner,
		leaseTTL:  leaseTTL,
		clock:     clock,
		newID:     newID,
		tracer:    otel.Tracer("sagaflow/engine"),
	}, nil
}

// Owner returns the lease identity this engine claims transactions under.
func (e *Engine) Owner() string {
	return e.owner
}

// Start creates a new saga transaction in PENDING, due immediately. When
// the caller supplies a transaction id the call is idempotent: a repeat
// start for the same definition returns the existing transaction.
func (e *Engine) Start(ctx context.Context, definitionName, transactionID string, subject []byte) (saga.Transaction, error) {
	if e == nil {
		return saga.Transaction{}, fmt.Errorf("engine is not configured")
	}
	reg, err := e.registry.Get(definitionName)
	if err != nil {
		return saga.Transaction{}, err
	}
	if err := saga.ValidateSubjectContext(subject, reg.SubjectFields()); err != nil {
		return saga.Transaction{}, err
	}

	callerSupplied := strings.TrimSpace(transactionID) != ""
	if callerSupplied {
		if err := saga.ValidateID(transactionID); err != nil {
			return saga.Transaction{}, err
		}
	} else {
		generated, err := e.newID()
		if err != nil {
			return saga.Transaction{}, fmt.Errorf("generate transaction id: %w", err)
		}
		transactionID = generated
	}

	now := e.clock()
	txn := saga.Transaction{
		ID:                transactionID,
		Definition:        reg.Name(),
		DefinitionVersion: reg.Version(),
		SubjectContext:    subject,
		Status:            saga.StatusPending,
		KeyEpoch:          1,
		Version:           1,
		NextAttemptAt:     now,
		DeadlineAt:        now.Add(reg.Timeout()),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	event := saga.Event{
		TransactionID: transactionID,
		Type:          saga.EventStarted,
		Message:       "saga started",
		CreatedAt:     now,
	}

	created, stored, err := e.store.CreateTransaction(ctx, txn, event)
	if err != nil {
		if callerSupplied && errors.Is(err, storage.ErrAlreadyExists) {
			existing, getErr := e.store.GetTransaction(ctx, transactionID)
			if getErr != nil {
				return saga.Transaction{}, getErr
			}
			if existing.Definition == reg.Name() {
				return existing, nil
			}
			return saga.Transaction{}, apperrors.WithMetadata(apperrors.CodeAlreadyExists,
				"transaction id is already used by another definition",
				map[string]string{"transaction_id": transactionID, "definition": existing.Definition})
		}
		return saga.Transaction{}, err
	}
	e.publish(ctx, stored)
	return created, nil
}

// RequestRollback records a cancellation request on a pending or running
// transaction. The engine applies the actual transition under its lease on
// the next visit; cancellation never bypasses compensation.
func (e *Engine) RequestRollback(ctx context.Context, transactionID, reason string) (saga.Transaction, error) {
	if err := saga.ValidateID(transactionID); err != nil {
		return saga.Transaction{}, err
	}
	return e.store.RequestCancel(ctx, transactionID, reason, e.clock())
}

// OperatorRetry resumes a FAILED transaction stuck at the named step: the
// transaction re-enters COMPENSATING with a fresh idempotency key epoch and
// a new saga deadline. This is the only edge out of FAILED.
func (e *Engine) OperatorRetry(ctx context.Context, transactionID, stepName string) (saga.Transaction, error) {
	if err := saga.ValidateID(transactionID); err != nil {
		return saga.Transaction{}, err
	}
	txn, err := e.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return saga.Transaction{}, err
	}
	if !saga.CanOperatorResume(txn.Status) {
		return saga.Transaction{}, saga.ErrRetryDisallowed
	}
	reg, err := e.registry.Get(txn.Definition)
	if err != nil {
		return saga.Transaction{}, err
	}
	step, ok := reg.Step(txn.CurrentStep)
	if !ok || step.Name != strings.TrimSpace(stepName) {
		return saga.Transaction{}, saga.ErrStepMismatch
	}

	now := e.clock()
	event := saga.Event{
		TransactionID: transactionID,
		Type:          saga.EventStepRetried,
		StepName:      step.Name,
		Message:       "operator retry with fresh idempotency key",
		CreatedAt:     now,
	}
	resumed, stored, err := e.store.ResumeFailedTransaction(ctx, transactionID, now.Add(reg.Timeout()), now, event)
	if err != nil {
		return saga.Transaction{}, err
	}
	e.publish(ctx, stored)
	return resumed, nil
}

// ClaimDue leases transactions that are due for forward or compensation
// work.
func (e *Engine) ClaimDue(ctx context.Context, limit int) ([]saga.Transaction, error) {
	return e.store.ClaimDueTransactions(ctx, e.owner, e.leaseTTL, limit, e.clock())
}

// ClaimPastDeadline leases transactions past their saga deadline.
func (e *Engine) ClaimPastDeadline(ctx context.Context, limit int) ([]saga.Transaction, error) {
	return e.store.ClaimDeadlineExceeded(ctx, e.owner, e.leaseTTL, limit, e.clock())
}

// ClaimStepTimedOut leases transactions with an expired pending step
// execution.
func (e *Engine) ClaimStepTimedOut(ctx context.Context, limit int) ([]saga.Transaction, error) {
	return e.store.ClaimStepTimedOut(ctx, e.owner, e.leaseTTL, limit, e.clock())
}

// publish forwards events to the publisher. Journal rows are already
// committed by the time this runs, so a publish failure only costs the
// live stream, not the audit trail.
func (e *Engine) publish(ctx context.Context, events ...saga.Event) {
	if e.publisher == nil {
		return
	}
	for _, event := range events {
		if err := e.publisher.PublishEvent(ctx, event); err != nil {
			log.Printf("publish saga event %s/%s: %v", event.TransactionID, event.Type, err)
		}
	}
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
