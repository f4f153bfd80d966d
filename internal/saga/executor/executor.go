// Package executor delivers step actions and compensations to collaborator
// endpoints over HTTP and classifies every outcome as success, retryable
// failure, or terminal failure. The engine never sees raw transport errors;
// it sees classifications it can act on.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/sagaflow/internal/platform/errors"
	"github.com/louisbranch/sagaflow/internal/platform/requestctx"
	"github.com/louisbranch/sagaflow/internal/platform/timeouts"
)

// Classification buckets a delivery outcome for the engine's decision table.
type Classification string

const (
	// ClassSuccess means the collaborator performed (or had already
	// performed) the operation and returned its result.
	ClassSuccess Classification = "SUCCESS"
	// ClassRetryable means the operation may succeed on a later delivery
	// with the same idempotency key.
	ClassRetryable Classification = "RETRYABLE_FAILURE"
	// ClassTerminal means the collaborator explicitly rejected the
	// operation. Redelivery is pointless.
	ClassTerminal Classification = "TERMINAL_FAILURE"
)

// maxResponseBytes bounds collaborator response bodies. Step results are a
// few kilobytes at most; anything larger is a protocol violation.
const maxResponseBytes = 64 * 1024

// Request is one step delivery. Input carries the field values named by the
// step's contract.
type Request struct {
	TransactionID  string
	StepName       string
	IdempotencyKey string
	Input          map[string]json.RawMessage
}

// Result is the classified outcome of one delivery.
type Result struct {
	Class Classification
	// ResultPayload is the collaborator's result object. Set only for
	// ClassSuccess.
	ResultPayload json.RawMessage
	// ErrorCode is the engine-side classification code for failures.
	ErrorCode string
	// Reason is the human-readable failure detail, collaborator-supplied
	// when available.
	Reason string
}

// Invoker delivers one request to a collaborator endpoint. Implementations
// return an error only when delivery could not be attempted or finished
// (context cancellation); collaborator failures come back classified in the
// Result.
type Invoker interface {
	Invoke(ctx context.Context, endpoint string, req Request, timeout time.Duration) (Result, error)
}

// wire shapes for the collaborator contract.
type wireRequest struct {
	TransactionID  string                     `json:"transaction_id"`
	StepName       string                     `json:"step_name"`
	IdempotencyKey string                     `json:"idempotency_key"`
	Input          map[string]json.RawMessage `json:"input"`
}

type wireResponse struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

// Collaborator status values.
const (
	wireStatusOK        = "ok"
	wireStatusRetryable = "retryable_error"
	wireStatusTerminal  = "terminal_error"
)

// HTTPExecutor invokes collaborator endpoints over HTTP.
type HTTPExecutor struct {
	client *http.Client
	tracer trace.Tracer
}

var _ Invoker = (*HTTPExecutor)(nil)

// New builds an HTTP executor. A nil client gets a default with a bounded
// connect timeout; per-call deadlines come from the step definitions.
func New(client *http.Client) *HTTPExecutor {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: timeouts.CollaboratorConnect,
				}).DialContext,
				MaxIdleConnsPerHost: 8,
			},
		}
	}
	return &HTTPExecutor{
		client: client,
		tracer: otel.Tracer("sagaflow/executor"),
	}
}

// Invoke posts the request to the endpoint and classifies the outcome.
// Transport trouble and 5xx responses are retryable; only an explicit
// terminal_error from the collaborator is terminal. A deadline hit inside
// the call classifies as a retryable step timeout.
func (e *HTTPExecutor) Invoke(ctx context.Context, endpoint string, req Request, timeout time.Duration) (Result, error) {
	if e == nil || e.client == nil {
		return Result{}, fmt.Errorf("executor is not configured")
	}
	if strings.TrimSpace(endpoint) == "" {
		return Result{}, fmt.Errorf("endpoint is required")
	}
	if timeout <= 0 {
		return Result{}, fmt.Errorf("timeout must be greater than zero")
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	callCtx, span := e.tracer.Start(callCtx, "saga.step.invoke", trace.WithAttributes(
		attribute.String("saga.transaction_id", req.TransactionID),
		attribute.String("saga.step", req.StepName),
		attribute.String("saga.idempotency_key", req.IdempotencyKey),
	))
	defer span.End()

	body, err := json.Marshal(wireRequest{
		TransactionID:  req.TransactionID,
		StepName:       req.StepName,
		IdempotencyKey: req.IdempotencyKey,
		Input:          req.Input,
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal step request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build step request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	correlationID := requestctx.CorrelationIDFromContext(ctx)
	if correlationID == "" {
		correlationID = req.TransactionID
	}
	httpReq.Header.Set(requestctx.CorrelationHeader, correlationID)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		// The parent context ending means the worker is shutting down; the
		// attempt stays pending for recovery instead of being misclassified.
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if callCtx.Err() == context.DeadlineExceeded {
			result := Result{
				Class:     ClassRetryable,
				ErrorCode: string(apperrors.CodeStepTimeout),
				Reason:    fmt.Sprintf("step timed out after %s", timeout),
			}
			span.SetAttributes(attribute.String("saga.outcome", string(result.Class)))
			return result, nil
		}
		result := Result{
			Class:     ClassRetryable,
			ErrorCode: string(apperrors.CodeCollaboratorUnreachable),
			Reason:    err.Error(),
		}
		span.SetAttributes(attribute.String("saga.outcome", string(result.Class)))
		return result, nil
	}
	defer resp.Body.Close()

	result := classifyResponse(resp)
	span.SetAttributes(
		attribute.String("saga.outcome", string(result.Class)),
		attribute.Int("http.status_code", resp.StatusCode),
	)
	return result, nil
}

func classifyResponse(resp *http.Response) Result {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return Result{
			Class:     ClassRetryable,
			ErrorCode: string(apperrors.CodeCollaboratorUnreachable),
			Reason:    fmt.Sprintf("read response body: %v", err),
		}
	}
	if len(raw) > maxResponseBytes {
		return Result{
			Class:     ClassRetryable,
			ErrorCode: string(apperrors.CodeCollaboratorProtocol),
			Reason:    fmt.Sprintf("response body exceeds %d bytes", maxResponseBytes),
		}
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return Result{
			Class:     ClassRetryable,
			ErrorCode: string(apperrors.CodeCollaboratorRetryable),
			Reason:    fmt.Sprintf("collaborator returned HTTP %d", resp.StatusCode),
		}
	}

	var decoded wireResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Result{
			Class:     ClassRetryable,
			ErrorCode: string(apperrors.CodeCollaboratorProtocol),
			Reason:    fmt.Sprintf("decode response: %v", err),
		}
	}

	switch decoded.Status {
	case wireStatusOK:
		payload := decoded.Result
		if len(payload) == 0 {
			payload = json.RawMessage(`{}`)
		}
		return Result{Class: ClassSuccess, ResultPayload: payload}
	case wireStatusRetryable:
		return Result{
			Class:     ClassRetryable,
			ErrorCode: string(apperrors.CodeCollaboratorRetryable),
			Reason:    decoded.Reason,
		}
	case wireStatusTerminal:
		return Result{
			Class:     ClassTerminal,
			ErrorCode: string(apperrors.CodeCollaboratorTerminal),
			Reason:    decoded.Reason,
		}
	default:
		return Result{
			Class:     ClassRetryable,
			ErrorCode: string(apperrors.CodeCollaboratorProtocol),
			Reason:    fmt.Sprintf("unknown response status %q (HTTP %d)", decoded.Status, resp.StatusCode),
		}
	}
}
