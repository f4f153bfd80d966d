package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/sagaflow/internal/platform/errors"
	"github.com/louisbranch/sagaflow/internal/platform/requestctx"
	"github.com/louisbranch/sagaflow/internal/saga"
	"github.com/louisbranch/sagaflow/internal/saga/definition"
	"github.com/louisbranch/sagaflow/internal/saga/executor"
	"github.com/louisbranch/sagaflow/internal/saga/storage"
)

// unresolvableRetryDelay parks transactions whose definition cannot be
// resolved (for example after a deploy that dropped a workflow) so they do
// not spin hot.
const unresolvableRetryDelay = time.Minute

// Advance performs one unit of work on a freshly claimed transaction and
// releases the lease when the write completes. Every call makes at most one
// collaborator delivery; schedule-driven revisits do the rest.
func (e *Engine) Advance(ctx context.Context, txn saga.Transaction) (saga.Transaction, error) {
	if e == nil {
		return saga.Transaction{}, fmt.Errorf("engine is not configured")
	}
	ctx = requestctx.WithCorrelationID(ctx, txn.ID)
	ctx, span := e.tracer.Start(ctx, "saga.advance", trace.WithAttributes(
		attribute.String("saga.transaction_id", txn.ID),
		attribute.String("saga.status", string(txn.Status)),
		attribute.Int("saga.current_step", txn.CurrentStep),
	))
	defer span.End()

	reg, err := e.registry.Get(txn.Definition)
	if err != nil {
		return e.parkUnresolvable(ctx, txn, err)
	}

	if !e.clock().Before(txn.DeadlineAt) {
		return e.enforceDeadline(ctx, reg, txn)
	}

	// A pending execution means a delivery began and was never resolved
	// (worker crash). Redeliver under the same idempotency key; the
	// collaborator dedupes.
	pending, err := e.store.PendingStepExecution(ctx, txn.ID)
	if err == nil {
		return e.redeliver(ctx, reg, txn, pending)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return saga.Transaction{}, err
	}

	if txn.CancelRequested && (txn.Status == saga.StatusPending || txn.Status == saga.StatusRunning) {
		return e.beginCancellation(ctx, reg, txn)
	}

	switch txn.Status {
	case saga.StatusPending, saga.StatusRunning:
		step, ok := reg.Step(txn.CurrentStep)
		if !ok {
			return saga.Transaction{}, fmt.Errorf("transaction %s step index %d is out of range for definition %s", txn.ID, txn.CurrentStep, txn.Definition)
		}
		return e.executeAttempt(ctx, reg, txn, step, saga.PhaseAction, "")
	case saga.StatusCompensating:
		return e.advanceCompensation(ctx, reg, txn)
	default:
		return e.releaseLease(ctx, txn)
	}
}

// executeAttempt runs one delivery of the step's action or compensation:
// it records the PENDING execution, invokes the collaborator, and resolves
// the attempt. txn.CurrentStep must already point at the step.
func (e *Engine) executeAttempt(ctx context.Context, reg *definition.Registered, txn saga.Transaction, step definition.Step, phase saga.Phase, reason string) (saga.Transaction, error) {
	if e.invoker == nil {
		return saga.Transaction{}, fmt.Errorf("engine has no step invoker")
	}
	now := e.clock()
	attempt := txn.Attempt + 1
	execID, err := e.newID()
	if err != nil {
		return saga.Transaction{}, fmt.Errorf("generate execution id: %w", err)
	}

	execs, err := e.store.ListStepExecutions(ctx, txn.ID)
	if err != nil {
		return saga.Transaction{}, err
	}
	contract := step.Action
	if phase == saga.PhaseCompensation {
		if step.Compensation == nil {
			return saga.Transaction{}, fmt.Errorf("step %s has no compensation contract", step.Name)
		}
		contract = *step.Compensation
	}
	input, inputErr := buildInput(txn, execs, contract.InputFields, reason)

	execution := saga.StepExecution{
		ID:            execID,
		TransactionID: txn.ID,
		StepName:      step.Name,
		StepIndex:     txn.CurrentStep,
		Phase:         phase,
		Attempt:       attempt,
		KeyEpoch:      txn.KeyEpoch,
		Status:        saga.StepStatusPending,
		StartedAt:     now,
		ExpiresAt:     now.Add(step.Timeout),
	}
	write := txn
	if phase == saga.PhaseAction {
		write.Status = saga.StatusRunning
	}
	write.Attempt = attempt
	write.UpdatedAt = now
	updated, err := e.store.BeginStepAttempt(ctx, e.owner, write, txn.Version, execution)
	if err != nil {
		return saga.Transaction{}, err
	}

	var result executor.Result
	switch {
	case inputErr != nil:
		// Declared fields were checked at registration; a missing one at
		// runtime means a collaborator broke its result contract.
		result = executor.Result{
			Class:     executor.ClassTerminal,
			ErrorCode: string(apperrors.CodeCollaboratorProtocol),
			Reason:    inputErr.Error(),
		}
	default:
		endpoint, ok := reg.Endpoint(step.Name, phase)
		if !ok {
			result = executor.Result{
				Class:     executor.ClassTerminal,
				ErrorCode: string(apperrors.CodeCollaboratorProtocol),
				Reason:    fmt.Sprintf("no %s endpoint resolved for step %s", phase, step.Name),
			}
			break
		}
		result, err = e.invoker.Invoke(ctx, endpoint, executor.Request{
			TransactionID:  txn.ID,
			StepName:       step.Name,
			IdempotencyKey: saga.IdempotencyKey(txn.ID, step.Name, txn.KeyEpoch),
			Input:          input,
		}, step.Timeout)
		if err != nil {
			// Shutdown mid-delivery: the attempt stays pending and is
			// recovered by redelivery under the same key.
			return saga.Transaction{}, err
		}
	}

	if phase == saga.PhaseAction {
		return e.resolveAction(ctx, reg, updated, step, execID, attempt, result)
	}
	return e.resolveCompensation(ctx, updated, step, execID, attempt, result)
}

// redeliver re-invokes the pending execution's delivery under its original
// idempotency key and resolves it.
func (e *Engine) redeliver(ctx context.Context, reg *definition.Registered, txn saga.Transaction, pending saga.StepExecution) (saga.Transaction, error) {
	if e.invoker == nil {
		return saga.Transaction{}, fmt.Errorf("engine has no step invoker")
	}
	step, ok := reg.Step(pending.StepIndex)
	if !ok || step.Name != pending.StepName {
		return saga.Transaction{}, fmt.Errorf("pending execution %s does not match definition %s", pending.ID, txn.Definition)
	}

	execs, err := e.store.ListStepExecutions(ctx, txn.ID)
	if err != nil {
		return saga.Transaction{}, err
	}
	contract := step.Action
	reason := ""
	if pending.Phase == saga.PhaseCompensation {
		if step.Compensation == nil {
			return saga.Transaction{}, fmt.Errorf("step %s has no compensation contract", step.Name)
		}
		contract = *step.Compensation
		reason = rollbackReason(txn)
	}

	var result executor.Result
	input, inputErr := buildInput(txn, execs, contract.InputFields, reason)
	switch {
	case inputErr != nil:
		result = executor.Result{
			Class:     executor.ClassTerminal,
			ErrorCode: string(apperrors.CodeCollaboratorProtocol),
			Reason:    inputErr.Error(),
		}
	default:
		endpoint, ok := reg.Endpoint(step.Name, pending.Phase)
		if !ok {
			result = executor.Result{
				Class:     executor.ClassTerminal,
				ErrorCode: string(apperrors.CodeCollaboratorProtocol),
				Reason:    fmt.Sprintf("no %s endpoint resolved for step %s", pending.Phase, step.Name),
			}
			break
		}
		result, err = e.invoker.Invoke(ctx, endpoint, executor.Request{
			TransactionID:  txn.ID,
			StepName:       step.Name,
			IdempotencyKey: saga.IdempotencyKey(txn.ID, step.Name, pending.KeyEpoch),
			Input:          input,
		}, step.Timeout)
		if err != nil {
			return saga.Transaction{}, err
		}
	}

	if pending.Phase == saga.PhaseAction {
		return e.resolveAction(ctx, reg, txn, step, pending.ID, pending.Attempt, result)
	}
	return e.resolveCompensation(ctx, txn, step, pending.ID, pending.Attempt, result)
}

// resolveAction applies the outcome of a forward attempt: advance, schedule
// a retry, skip an optional step, or enter compensation.
func (e *Engine) resolveAction(ctx context.Context, reg *definition.Registered, txn saga.Transaction, step definition.Step, execID string, attempt int, result executor.Result) (saga.Transaction, error) {
	now := e.clock()
	resolution := storage.StepResolution{
		ExecutionID: execID,
		ErrorCode:   result.ErrorCode,
		ErrorDetail: result.Reason,
		FinishedAt:  now,
	}
	write := txn
	write.UpdatedAt = now
	var events []saga.Event

	switch result.Class {
	case executor.ClassSuccess:
		resolution.Status = saga.StepStatusSucceeded
		resolution.ResultPayload = result.ResultPayload
		resolution.ErrorCode = ""
		resolution.ErrorDetail = ""
		events = append(events, saga.Event{
			TransactionID: txn.ID,
			Type:          saga.EventStepSucceeded,
			StepName:      step.Name,
			Message:       "step succeeded",
			Payload:       attemptPayload(attempt, saga.PhaseAction),
			CreatedAt:     now,
		})
		e.advanceForward(&write, reg, now, &events)
	case executor.ClassRetryable, executor.ClassTerminal:
		resolution.Status = saga.StepStatusFailed
		retryable := result.Class == executor.ClassRetryable
		if retryable && result.ErrorCode == string(apperrors.CodeStepTimeout) {
			repeat, timeoutErr := e.timedOutEarlier(ctx, txn, step.Name, saga.PhaseAction, execID)
			if timeoutErr != nil {
				return saga.Transaction{}, timeoutErr
			}
			// A step that timed out before does not get a second timeout
			// retry, whatever its attempt budget says.
			retryable = !repeat
		}
		switch {
		case retryable && attempt < step.Retry.MaxAttempts:
			write.NextAttemptAt = now.Add(step.Retry.Delay(attempt))
			releaseFields(&write)
			events = append(events, saga.Event{
				TransactionID: txn.ID,
				Type:          saga.EventStepRetried,
				StepName:      step.Name,
				Message:       "retry scheduled: " + failureDetail(result),
				Payload:       attemptPayload(attempt, saga.PhaseAction),
				CreatedAt:     now,
			})
		case !step.Required:
			resolution.Status = saga.StepStatusSkipped
			events = append(events, saga.Event{
				TransactionID: txn.ID,
				Type:          saga.EventStepFailed,
				StepName:      step.Name,
				Message:       "optional step skipped: " + failureDetail(result),
				Payload:       attemptPayload(attempt, saga.PhaseAction),
				CreatedAt:     now,
			})
			e.advanceForward(&write, reg, now, &events)
		default:
			write.Status = saga.StatusCompensating
			write.FailureReason = fmt.Sprintf("step %s failed: %s", step.Name, failureDetail(result))
			write.Attempt = 0
			write.NextAttemptAt = now
			releaseFields(&write)
			events = append(events,
				saga.Event{
					TransactionID: txn.ID,
					Type:          saga.EventStepFailed,
					StepName:      step.Name,
					Message:       failureDetail(result),
					Payload:       attemptPayload(attempt, saga.PhaseAction),
					CreatedAt:     now,
				},
				saga.Event{
					TransactionID: txn.ID,
					Type:          saga.EventCompensationStarted,
					StepName:      step.Name,
					Message:       "compensating completed steps in reverse order",
					CreatedAt:     now,
				},
			)
		}
	default:
		return saga.Transaction{}, fmt.Errorf("unknown outcome class %q", result.Class)
	}

	updated, stored, err := e.store.CompleteStepAttempt(ctx, e.owner, write, txn.Version, resolution, events)
	if err != nil {
		return saga.Transaction{}, err
	}
	e.publish(ctx, stored...)
	return updated, nil
}

// resolveCompensation applies the outcome of a compensation attempt.
// Terminal or exhausted failures end in FAILED: the saga is stuck and an
// operator must intervene.
func (e *Engine) resolveCompensation(ctx context.Context, txn saga.Transaction, step definition.Step, execID string, attempt int, result executor.Result) (saga.Transaction, error) {
	now := e.clock()
	resolution := storage.StepResolution{
		ExecutionID: execID,
		ErrorCode:   result.ErrorCode,
		ErrorDetail: result.Reason,
		FinishedAt:  now,
	}
	write := txn
	write.UpdatedAt = now
	var events []saga.Event

	switch result.Class {
	case executor.ClassSuccess:
		resolution.Status = saga.StepStatusCompensated
		resolution.ResultPayload = result.ResultPayload
		resolution.ErrorCode = ""
		resolution.ErrorDetail = ""
		write.Attempt = 0
		write.NextAttemptAt = now
		releaseFields(&write)
		events = append(events, saga.Event{
			TransactionID: txn.ID,
			Type:          saga.EventCompensationSucceeded,
			StepName:      step.Name,
			Message:       "step compensated",
			Payload:       attemptPayload(attempt, saga.PhaseCompensation),
			CreatedAt:     now,
		})
	case executor.ClassRetryable, executor.ClassTerminal:
		resolution.Status = saga.StepStatusFailed
		retryable := result.Class == executor.ClassRetryable
		if retryable && result.ErrorCode == string(apperrors.CodeStepTimeout) {
			repeat, timeoutErr := e.timedOutEarlier(ctx, txn, step.Name, saga.PhaseCompensation, execID)
			if timeoutErr != nil {
				return saga.Transaction{}, timeoutErr
			}
			retryable = !repeat
		}
		if retryable && attempt < step.Retry.MaxAttempts {
			write.NextAttemptAt = now.Add(step.Retry.Delay(attempt))
			releaseFields(&write)
			events = append(events, saga.Event{
				TransactionID: txn.ID,
				Type:          saga.EventStepRetried,
				StepName:      step.Name,
				Message:       "compensation retry scheduled: " + failureDetail(result),
				Payload:       attemptPayload(attempt, saga.PhaseCompensation),
				CreatedAt:     now,
			})
		} else {
			write.Status = saga.StatusFailed
			write.FailureReason = fmt.Sprintf("compensation of %s failed: %s", step.Name, failureDetail(result))
			releaseFields(&write)
			events = append(events,
				saga.Event{
					TransactionID: txn.ID,
					Type:          saga.EventCompensationFailed,
					StepName:      step.Name,
					Message:       failureDetail(result),
					Payload:       attemptPayload(attempt, saga.PhaseCompensation),
					CreatedAt:     now,
				},
				saga.Event{
					TransactionID: txn.ID,
					Type:          saga.EventFailed,
					StepName:      step.Name,
					Message:       "saga stuck: compensation could not complete",
					CreatedAt:     now,
				},
			)
		}
	default:
		return saga.Transaction{}, fmt.Errorf("unknown outcome class %q", result.Class)
	}

	updated, stored, err := e.store.CompleteStepAttempt(ctx, e.owner, write, txn.Version, resolution, events)
	if err != nil {
		return saga.Transaction{}, err
	}
	e.publish(ctx, stored...)
	return updated, nil
}

// advanceCompensation picks the next previously-succeeded compensable step,
// walking strictly downward, and compensates it. When none remain the saga
// is rolled back.
func (e *Engine) advanceCompensation(ctx context.Context, reg *definition.Registered, txn saga.Transaction) (saga.Transaction, error) {
	execs, err := e.store.ListStepExecutions(ctx, txn.ID)
	if err != nil {
		return saga.Transaction{}, err
	}
	target, found := nextCompensationTarget(reg, execs, txn.CurrentStep)
	now := e.clock()
	if !found {
		write := txn
		write.Status = saga.StatusRolledBack
		completed := now
		write.CompletedAt = &completed
		write.Attempt = 0
		write.UpdatedAt = now
		releaseFields(&write)
		events := []saga.Event{{
			TransactionID: txn.ID,
			Type:          saga.EventRolledBack,
			Message:       "every completed step compensated",
			CreatedAt:     now,
		}}
		updated, stored, err := e.store.UpdateLeasedTransaction(ctx, e.owner, write, txn.Version, events)
		if err != nil {
			return saga.Transaction{}, err
		}
		e.publish(ctx, stored...)
		return updated, nil
	}

	if target != txn.CurrentStep {
		txn.CurrentStep = target
		txn.Attempt = 0
	}
	step, _ := reg.Step(target)
	return e.executeAttempt(ctx, reg, txn, step, saga.PhaseCompensation, rollbackReason(txn))
}

// beginCancellation models a rollback request as an induced terminal
// failure of the current step, routing into the normal compensation walk.
func (e *Engine) beginCancellation(ctx context.Context, reg *definition.Registered, txn saga.Transaction) (saga.Transaction, error) {
	now := e.clock()
	stepName := ""
	if step, ok := reg.Step(txn.CurrentStep); ok {
		stepName = step.Name
	}
	reason := txn.CancelReason
	if reason == "" {
		reason = "rollback requested"
	}

	write := txn
	write.Status = saga.StatusCompensating
	write.FailureReason = "cancelled: " + reason
	write.Attempt = 0
	write.NextAttemptAt = now
	write.UpdatedAt = now
	releaseFields(&write)
	events := []saga.Event{
		{
			TransactionID: txn.ID,
			Type:          saga.EventStepFailed,
			StepName:      stepName,
			Message:       "cancellation induced terminal failure: " + reason,
			CreatedAt:     now,
		},
		{
			TransactionID: txn.ID,
			Type:          saga.EventCompensationStarted,
			StepName:      stepName,
			Message:       "compensating completed steps in reverse order",
			CreatedAt:     now,
		},
	}
	updated, stored, err := e.store.UpdateLeasedTransaction(ctx, e.owner, write, txn.Version, events)
	if err != nil {
		return saga.Transaction{}, err
	}
	e.publish(ctx, stored...)
	return updated, nil
}

// advanceForward moves write past a finished step: on to the next one, or
// into COMPLETED when it was the last.
func (e *Engine) advanceForward(write *saga.Transaction, reg *definition.Registered, now time.Time, events *[]saga.Event) {
	if write.CurrentStep >= reg.StepCount()-1 {
		write.Status = saga.StatusCompleted
		completed := now
		write.CompletedAt = &completed
		*events = append(*events, saga.Event{
			TransactionID: write.ID,
			Type:          saga.EventCompleted,
			Message:       "all steps succeeded",
			CreatedAt:     now,
		})
	} else {
		write.Status = saga.StatusRunning
		write.CurrentStep++
	}
	write.Attempt = 0
	write.NextAttemptAt = now
	releaseFields(write)
}

// releaseLease writes the transaction back unchanged except for dropping
// the lease.
func (e *Engine) releaseLease(ctx context.Context, txn saga.Transaction) (saga.Transaction, error) {
	write := txn
	write.UpdatedAt = e.clock()
	releaseFields(&write)
	updated, _, err := e.store.UpdateLeasedTransaction(ctx, e.owner, write, txn.Version, nil)
	return updated, err
}

// parkUnresolvable delays a transaction whose definition cannot be loaded.
func (e *Engine) parkUnresolvable(ctx context.Context, txn saga.Transaction, cause error) (saga.Transaction, error) {
	log.Printf("saga %s: definition %s unresolved, parking: %v", txn.ID, txn.Definition, cause)
	write := txn
	write.UpdatedAt = e.clock()
	write.NextAttemptAt = write.UpdatedAt.Add(unresolvableRetryDelay)
	releaseFields(&write)
	updated, _, err := e.store.UpdateLeasedTransaction(ctx, e.owner, write, txn.Version, nil)
	return updated, err
}

// nextCompensationTarget walks downward from the given index and returns
// the highest step that succeeded, has a compensation contract, and is not
// compensated yet. Steps without compensation contracts are pure reads and
// have nothing to undo.
func nextCompensationTarget(reg *definition.Registered, execs []saga.StepExecution, from int) (int, bool) {
	succeeded := make(map[int]bool)
	compensated := make(map[int]bool)
	for _, exec := range execs {
		switch {
		case exec.Phase == saga.PhaseAction && exec.Status == saga.StepStatusSucceeded:
			succeeded[exec.StepIndex] = true
		case exec.Phase == saga.PhaseCompensation && exec.Status == saga.StepStatusCompensated:
			compensated[exec.StepIndex] = true
		}
	}
	start := from
	if start > reg.StepCount()-1 {
		start = reg.StepCount() - 1
	}
	for i := start; i >= 0; i-- {
		step, ok := reg.Step(i)
		if !ok || step.Compensation == nil {
			continue
		}
		if succeeded[i] && !compensated[i] {
			return i, true
		}
	}
	return 0, false
}

// buildInput assembles the contract's input object from the subject context
// and the results of succeeded actions, in step order so later results win
// key collisions. The reason field is injected for compensations.
func buildInput(txn saga.Transaction, execs []saga.StepExecution, fields []string, reason string) (map[string]json.RawMessage, error) {
	available := make(map[string]json.RawMessage)
	if len(txn.SubjectContext) > 0 {
		if err := json.Unmarshal(txn.SubjectContext, &available); err != nil {
			return nil, fmt.Errorf("subject context is not an object: %w", err)
		}
	}
	for _, exec := range execs {
		if exec.Phase != saga.PhaseAction || exec.Status != saga.StepStatusSucceeded || len(exec.ResultPayload) == 0 {
			continue
		}
		var result map[string]json.RawMessage
		if err := json.Unmarshal(exec.ResultPayload, &result); err != nil {
			return nil, fmt.Errorf("result payload of step %s is not an object: %w", exec.StepName, err)
		}
		for key, value := range result {
			available[key] = value
		}
	}

	input := make(map[string]json.RawMessage, len(fields))
	for _, field := range fields {
		if field == definition.ReasonField && reason != "" {
			encoded, err := json.Marshal(reason)
			if err != nil {
				return nil, fmt.Errorf("encode reason: %w", err)
			}
			input[field] = encoded
			continue
		}
		value, ok := available[field]
		if !ok {
			return nil, fmt.Errorf("input field %q is not available from the subject context or prior results", field)
		}
		input[field] = value
	}
	return input, nil
}

func releaseFields(write *saga.Transaction) {
	write.LeaseOwner = ""
	write.LeaseExpiresAt = time.Time{}
}

func rollbackReason(txn saga.Transaction) string {
	if txn.FailureReason != "" {
		return txn.FailureReason
	}
	return "saga rolled back"
}

func failureDetail(result executor.Result) string {
	if result.Reason != "" {
		return result.Reason
	}
	if result.ErrorCode != "" {
		return result.ErrorCode
	}
	return "unclassified failure"
}

func attemptPayload(attempt int, phase saga.Phase) json.RawMessage {
	payload, err := json.Marshal(struct {
		Attempt int        `json:"attempt"`
		Phase   saga.Phase `json:"phase"`
	}{Attempt: attempt, Phase: phase})
	if err != nil {
		return nil
	}
	return payload
}
