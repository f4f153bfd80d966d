package engine

import (
	"context"
	"errors"
	"fmt"

	apperrors "github.com/louisbranch/sagaflow/internal/platform/errors"
	"github.com/louisbranch/sagaflow/internal/saga"
	"github.com/louisbranch/sagaflow/internal/saga/definition"
	"github.com/louisbranch/sagaflow/internal/saga/executor"
	"github.com/louisbranch/sagaflow/internal/saga/storage"
)

// HandleStepTimeout resolves a claimed transaction whose in-flight delivery
// outlived its step timeout without a recorded outcome. The first timeout
// of a step is treated as retryable; a second timeout of the same step
// under the same key epoch is terminal, since a collaborator that never
// answers twice is not going to answer a third time.
func (e *Engine) HandleStepTimeout(ctx context.Context, txn saga.Transaction) (saga.Transaction, error) {
	if e == nil {
		return saga.Transaction{}, fmt.Errorf("engine is not configured")
	}
	reg, err := e.registry.Get(txn.Definition)
	if err != nil {
		return e.parkUnresolvable(ctx, txn, err)
	}
	now := e.clock()
	if !now.Before(txn.DeadlineAt) {
		return e.enforceDeadline(ctx, reg, txn)
	}

	pending, err := e.store.PendingStepExecution(ctx, txn.ID)
	if errors.Is(err, storage.ErrNotFound) {
		// A runner resolved the attempt between the claim and now.
		return e.releaseLease(ctx, txn)
	}
	if err != nil {
		return saga.Transaction{}, err
	}
	if now.Before(pending.ExpiresAt) {
		return e.releaseLease(ctx, txn)
	}

	step, ok := reg.Step(pending.StepIndex)
	if !ok || step.Name != pending.StepName {
		return saga.Transaction{}, fmt.Errorf("pending execution %s does not match definition %s", pending.ID, txn.Definition)
	}

	execs, err := e.store.ListStepExecutions(ctx, txn.ID)
	if err != nil {
		return saga.Transaction{}, err
	}
	class := executor.ClassRetryable
	if priorTimeouts(execs, pending) > 0 {
		class = executor.ClassTerminal
	}
	result := executor.Result{
		Class:     class,
		ErrorCode: string(apperrors.CodeStepTimeout),
		Reason:    fmt.Sprintf("no outcome recorded within %s", step.Timeout),
	}

	if pending.Phase == saga.PhaseAction {
		return e.resolveAction(ctx, reg, txn, step, pending.ID, pending.Attempt, result)
	}
	return e.resolveCompensation(ctx, txn, step, pending.ID, pending.Attempt, result)
}

// EnforceDeadline forces a claimed transaction past its overall deadline
// out of forward progress: into compensation when it was still running, or
// into FAILED when the compensation walk itself ran out of budget.
func (e *Engine) EnforceDeadline(ctx context.Context, txn saga.Transaction) (saga.Transaction, error) {
	if e == nil {
		return saga.Transaction{}, fmt.Errorf("engine is not configured")
	}
	reg, err := e.registry.Get(txn.Definition)
	if err != nil {
		return e.parkUnresolvable(ctx, txn, err)
	}
	return e.enforceDeadline(ctx, reg, txn)
}

func (e *Engine) enforceDeadline(ctx context.Context, reg *definition.Registered, txn saga.Transaction) (saga.Transaction, error) {
	now := e.clock()
	write := txn
	write.UpdatedAt = now
	var events []saga.Event

	switch txn.Status {
	case saga.StatusPending, saga.StatusRunning:
		write.Status = saga.StatusCompensating
		write.FailureReason = "saga deadline exceeded"
		write.Attempt = 0
		write.NextAttemptAt = now
		// A fresh budget so the compensation walk is not itself dead on
		// arrival.
		write.DeadlineAt = now.Add(reg.Timeout())
		events = append(events, saga.Event{
			TransactionID: txn.ID,
			Type:          saga.EventCompensationStarted,
			Message:       "saga deadline exceeded",
			CreatedAt:     now,
		})
	case saga.StatusCompensating:
		write.Status = saga.StatusFailed
		write.FailureReason = "saga deadline exceeded during compensation"
		events = append(events, saga.Event{
			TransactionID: txn.ID,
			Type:          saga.EventFailed,
			Message:       "saga deadline exceeded during compensation",
			CreatedAt:     now,
		})
	default:
		return e.releaseLease(ctx, txn)
	}
	releaseFields(&write)

	// Resolve any in-flight delivery in the same write so no pending
	// execution survives the state change.
	var (
		updated saga.Transaction
		stored  []saga.Event
		err     error
	)
	pending, pendErr := e.store.PendingStepExecution(ctx, txn.ID)
	switch {
	case pendErr == nil:
		resolution := storage.StepResolution{
			ExecutionID: pending.ID,
			Status:      saga.StepStatusFailed,
			ErrorCode:   string(apperrors.CodeSagaTimeout),
			ErrorDetail: "saga deadline exceeded",
			FinishedAt:  now,
		}
		updated, stored, err = e.store.CompleteStepAttempt(ctx, e.owner, write, txn.Version, resolution, events)
	case errors.Is(pendErr, storage.ErrNotFound):
		updated, stored, err = e.store.UpdateLeasedTransaction(ctx, e.owner, write, txn.Version, events)
	default:
		return saga.Transaction{}, pendErr
	}
	if err != nil {
		return saga.Transaction{}, err
	}
	e.publish(ctx, stored...)
	return updated, nil
}

// timedOutEarlier reports whether the step already spent its one retryable
// timeout in this phase under the transaction's current key epoch. In-call
// deadlines classified by the executor and expiries detected by the sweeper
// count against the same budget.
func (e *Engine) timedOutEarlier(ctx context.Context, txn saga.Transaction, stepName string, phase saga.Phase, execID string) (bool, error) {
	execs, err := e.store.ListStepExecutions(ctx, txn.ID)
	if err != nil {
		return false, err
	}
	current := saga.StepExecution{ID: execID, StepName: stepName, Phase: phase, KeyEpoch: txn.KeyEpoch}
	return priorTimeouts(execs, current) > 0, nil
}

func priorTimeouts(execs []saga.StepExecution, pending saga.StepExecution) int {
	n := 0
	for _, exec := range execs {
		if exec.ID == pending.ID {
			continue
		}
		if exec.StepName == pending.StepName &&
			exec.Phase == pending.Phase &&
			exec.KeyEpoch == pending.KeyEpoch &&
			exec.Status == saga.StepStatusFailed &&
			exec.ErrorCode == string(apperrors.CodeStepTimeout) {
			n++
		}
	}
	return n
}
