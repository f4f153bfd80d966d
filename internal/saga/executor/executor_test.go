package executor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	apperrors "github.com/louisbranch/sagaflow/internal/platform/errors"
	"github.com/louisbranch/sagaflow/internal/platform/requestctx"
)

func sampleRequest() Request {
	return Request{
		TransactionID:  "txn-1",
		StepName:       "credit_wallet",
		IdempotencyKey: "txn-1:credit_wallet:1",
		Input: map[string]json.RawMessage{
			"bet_slip_id":    json.RawMessage(`"slip-1"`),
			"cash_out_value": json.RawMessage(`117.8`),
		},
	}
}

func TestInvokeSuccess(t *testing.T) {
	t.Parallel()

	var gotBody wireRequest
	var gotCorrelation string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCorrelation = r.Header.Get(requestctx.CorrelationHeader)
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write([]byte(`{"status":"ok","result":{"wallet_transaction_id":"wtx-1"}}`)); err != nil {
			t.Errorf("write response: %v", err)
		}
	}))
	defer server.Close()

	result, err := New(nil).Invoke(context.Background(), server.URL+"/api/cashout/process", sampleRequest(), time.Second)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.Class != ClassSuccess {
		t.Fatalf("class = %s, want %s", result.Class, ClassSuccess)
	}
	if string(result.ResultPayload) != `{"wallet_transaction_id":"wtx-1"}` {
		t.Fatalf("result payload = %s", result.ResultPayload)
	}
	if gotBody.IdempotencyKey != "txn-1:credit_wallet:1" {
		t.Fatalf("idempotency key = %s", gotBody.IdempotencyKey)
	}
	if gotBody.StepName != "credit_wallet" {
		t.Fatalf("step name = %s", gotBody.StepName)
	}
	if gotCorrelation != "txn-1" {
		t.Fatalf("correlation header = %s, want txn-1", gotCorrelation)
	}
}

func TestInvokePropagatesContextCorrelationID(t *testing.T) {
	t.Parallel()

	var gotCorrelation string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCorrelation = r.Header.Get(requestctx.CorrelationHeader)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	ctx := requestctx.WithCorrelationID(context.Background(), "corr-42")
	if _, err := New(nil).Invoke(ctx, server.URL, sampleRequest(), time.Second); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if gotCorrelation != "corr-42" {
		t.Fatalf("correlation header = %s, want corr-42", gotCorrelation)
	}
}

func TestInvokeClassifiesCollaboratorStatuses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		body      string
		wantClass Classification
		wantCode  string
	}{
		{
			name:      "retryable error",
			body:      `{"status":"retryable_error","reason":"wallet busy"}`,
			wantClass: ClassRetryable,
			wantCode:  string(apperrors.CodeCollaboratorRetryable),
		},
		{
			name:      "terminal error",
			body:      `{"status":"terminal_error","reason":"bet already settled"}`,
			wantClass: ClassTerminal,
			wantCode:  string(apperrors.CodeCollaboratorTerminal),
		},
		{
			name:      "unknown status",
			body:      `{"status":"maybe"}`,
			wantClass: ClassRetryable,
			wantCode:  string(apperrors.CodeCollaboratorProtocol),
		},
		{
			name:      "not json",
			body:      `<html>oops</html>`,
			wantClass: ClassRetryable,
			wantCode:  string(apperrors.CodeCollaboratorProtocol),
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			result, err := New(nil).Invoke(context.Background(), server.URL, sampleRequest(), time.Second)
			if err != nil {
				t.Fatalf("invoke: %v", err)
			}
			if result.Class != tt.wantClass {
				t.Fatalf("class = %s, want %s", result.Class, tt.wantClass)
			}
			if result.ErrorCode != tt.wantCode {
				t.Fatalf("error code = %s, want %s", result.ErrorCode, tt.wantCode)
			}
		})
	}
}

func TestInvokeServerErrorIsRetryable(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	result, err := New(nil).Invoke(context.Background(), server.URL, sampleRequest(), time.Second)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.Class != ClassRetryable {
		t.Fatalf("class = %s, want %s", result.Class, ClassRetryable)
	}
	if result.ErrorCode != string(apperrors.CodeCollaboratorRetryable) {
		t.Fatalf("error code = %s", result.ErrorCode)
	}
}

func TestInvokeUnreachableIsRetryable(t *testing.T) {
	t.Parallel()

	// Reserve a port and close it so the connection is refused.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := server.URL
	server.Close()

	result, err := New(nil).Invoke(context.Background(), endpoint, sampleRequest(), time.Second)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.Class != ClassRetryable {
		t.Fatalf("class = %s, want %s", result.Class, ClassRetryable)
	}
	if result.ErrorCode != string(apperrors.CodeCollaboratorUnreachable) {
		t.Fatalf("error code = %s", result.ErrorCode)
	}
}

func TestInvokeTimeoutClassifiesAsStepTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer func() {
		close(release)
		server.Close()
	}()

	result, err := New(nil).Invoke(context.Background(), server.URL, sampleRequest(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.Class != ClassRetryable {
		t.Fatalf("class = %s, want %s", result.Class, ClassRetryable)
	}
	if result.ErrorCode != string(apperrors.CodeStepTimeout) {
		t.Fatalf("error code = %s, want %s", result.ErrorCode, apperrors.CodeStepTimeout)
	}
}

func TestInvokeCanceledContextReturnsError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := New(nil).Invoke(ctx, server.URL, sampleRequest(), time.Second); err == nil {
		t.Fatal("invoke with canceled context succeeded, want error")
	}
}

func TestInvokeOversizedResponseIsProtocolError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok","result":{"blob":"` + strings.Repeat("x", maxResponseBytes) + `"}}`))
	}))
	defer server.Close()

	result, err := New(nil).Invoke(context.Background(), server.URL, sampleRequest(), time.Second)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.ErrorCode != string(apperrors.CodeCollaboratorProtocol) {
		t.Fatalf("error code = %s, want %s", result.ErrorCode, apperrors.CodeCollaboratorProtocol)
	}
}
