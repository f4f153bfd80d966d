// Package errors provides structured error handling for the saga engine.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Definition errors
	CodeDefinitionNameEmpty          Code = "DEFINITION_NAME_EMPTY"
	CodeDefinitionNoSteps            Code = "DEFINITION_NO_STEPS"
	CodeDefinitionDuplicateStep      Code = "DEFINITION_DUPLICATE_STEP"
	CodeDefinitionDuplicate          Code = "DEFINITION_ALREADY_REGISTERED"
	CodeDefinitionStepNameEmpty      Code = "DEFINITION_STEP_NAME_EMPTY"
	CodeDefinitionActionMissing      Code = "DEFINITION_ACTION_MISSING"
	CodeDefinitionActionServiceEmpty Code = "DEFINITION_ACTION_SERVICE_EMPTY"
	CodeDefinitionActionPathEmpty    Code = "DEFINITION_ACTION_PATH_EMPTY"
	CodeDefinitionActionInput        Code = "DEFINITION_ACTION_INPUT_UNDERIVABLE"
	CodeDefinitionCompensationInput  Code = "DEFINITION_COMPENSATION_INPUT_UNDERIVABLE"
	CodeDefinitionServiceUnknown     Code = "DEFINITION_SERVICE_UNRESOLVABLE"
	CodeDefinitionRetryPolicyInvalid Code = "DEFINITION_RETRY_POLICY_INVALID"
	CodeDefinitionTimeoutInvalid     Code = "DEFINITION_TIMEOUT_INVALID"

	// Transaction errors
	CodeTransactionIDInvalid        Code = "TRANSACTION_ID_INVALID"
	CodeTransactionSubjectInvalid   Code = "TRANSACTION_SUBJECT_CONTEXT_INVALID"
	CodeTransactionTerminal         Code = "TRANSACTION_TERMINAL"
	CodeTransactionStatusTransition Code = "TRANSACTION_INVALID_STATUS_TRANSITION"
	CodeTransactionStepMismatch     Code = "TRANSACTION_STEP_MISMATCH"
	CodeRollbackDisallowed          Code = "ROLLBACK_DISALLOWED"
	CodeRetryDisallowed             Code = "RETRY_DISALLOWED"

	// Execution errors
	CodeCollaboratorRetryable   Code = "COLLABORATOR_RETRYABLE_ERROR"
	CodeCollaboratorTerminal    Code = "COLLABORATOR_TERMINAL_ERROR"
	CodeCollaboratorUnreachable Code = "COLLABORATOR_UNREACHABLE"
	CodeCollaboratorProtocol    Code = "COLLABORATOR_PROTOCOL_ERROR"
	CodeStepTimeout             Code = "STEP_TIMEOUT"
	CodeSagaTimeout             Code = "SAGA_TIMEOUT"
	CodeCompensationFailed      Code = "COMPENSATION_FAILED"

	// Storage errors
	CodeNotFound        Code = "NOT_FOUND"
	CodeAlreadyExists   Code = "ALREADY_EXISTS"
	CodeVersionConflict Code = "VERSION_CONFLICT"
	CodeLeaseHeld       Code = "LEASE_HELD"
	CodeLeaseLost       Code = "LEASE_LOST"

	// Query errors
	CodeFilterInvalid    Code = "FILTER_INVALID"
	CodePageTokenInvalid Code = "PAGE_TOKEN_INVALID"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeDefinitionNameEmpty,
		CodeDefinitionNoSteps,
		CodeDefinitionDuplicateStep,
		CodeDefinitionStepNameEmpty,
		CodeDefinitionActionMissing,
		CodeDefinitionActionServiceEmpty,
		CodeDefinitionActionPathEmpty,
		CodeDefinitionActionInput,
		CodeDefinitionCompensationInput,
		CodeDefinitionServiceUnknown,
		CodeDefinitionRetryPolicyInvalid,
		CodeDefinitionTimeoutInvalid,
		CodeTransactionIDInvalid,
		CodeTransactionSubjectInvalid,
		CodeFilterInvalid,
		CodePageTokenInvalid:
		return codes.InvalidArgument

	// FailedPrecondition - state doesn't allow operation
	case CodeTransactionTerminal,
		CodeTransactionStatusTransition,
		CodeTransactionStepMismatch,
		CodeRollbackDisallowed,
		CodeRetryDisallowed,
		CodeCollaboratorTerminal:
		return codes.FailedPrecondition

	// NotFound - resource doesn't exist
	case CodeNotFound:
		return codes.NotFound

	// AlreadyExists - unique resource constraint
	case CodeAlreadyExists,
		CodeDefinitionDuplicate:
		return codes.AlreadyExists

	// Aborted - concurrency conflicts, safe to retry the read-modify-write
	case CodeVersionConflict,
		CodeLeaseHeld,
		CodeLeaseLost:
		return codes.Aborted

	// Unavailable - transient collaborator trouble
	case CodeCollaboratorRetryable,
		CodeCollaboratorUnreachable:
		return codes.Unavailable

	// DeadlineExceeded - step or saga deadline passed
	case CodeStepTimeout,
		CodeSagaTimeout:
		return codes.DeadlineExceeded

	default:
		return codes.Internal
	}
}
