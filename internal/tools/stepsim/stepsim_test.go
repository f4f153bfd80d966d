package stepsim

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func deliver(t *testing.T, server *httptest.Server, path, step, key string) envelope {
	t.Helper()
	payload, err := json.Marshal(delivery{
		TransactionID:  "txn-sim",
		StepName:       step,
		IdempotencyKey: key,
		Input:          map[string]json.RawMessage{"bet_slip_id": json.RawMessage(`"slip-1"`)},
	})
	if err != nil {
		t.Fatalf("marshal delivery: %v", err)
	}
	resp, err := http.Post(server.URL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func TestParseRules(t *testing.T) {
	t.Parallel()

	rules, err := ParseRules("credit_wallet=retryable:2, finalize_position=terminal")
	if err != nil {
		t.Fatalf("parse rules: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("rules = %d, want 2", len(rules))
	}
	if rules[0].Step != "credit_wallet" || rules[0].Mode != ModeRetryable || rules[0].Times != 2 {
		t.Fatalf("rule 0 = %+v", rules[0])
	}
	if rules[1].Step != "finalize_position" || rules[1].Mode != ModeTerminal || rules[1].Times != 0 {
		t.Fatalf("rule 1 = %+v", rules[1])
	}

	if _, err := ParseRules("credit_wallet=explode"); err == nil {
		t.Fatal("expected unknown mode error")
	}
	if _, err := ParseRules("nonsense"); err == nil {
		t.Fatal("expected malformed rule error")
	}
	if rules, err := ParseRules("  "); err != nil || rules != nil {
		t.Fatalf("blank script = (%v, %v), want (nil, nil)", rules, err)
	}
}

func TestDeliveryReturnsStepResult(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(New(nil, 0).Routes())
	defer server.Close()

	env := deliver(t, server, "/api/cashout/request-quote", "compute_quote", "txn-sim:compute_quote:1")
	if env.Status != "ok" {
		t.Fatalf("status = %q, want %q", env.Status, "ok")
	}
	var result struct {
		QuoteID      string  `json:"quote_id"`
		CashOutValue float64 `json:"cash_out_value"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.QuoteID == "" {
		t.Fatal("quote_id missing from result")
	}
	if result.CashOutValue != 118.70 {
		t.Fatalf("cash_out_value = %v, want 118.70", result.CashOutValue)
	}
}

func TestRedeliveryReplaysRecordedResponse(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(New(nil, 0).Routes())
	defer server.Close()

	first := deliver(t, server, "/api/cashout/process", "credit_wallet", "txn-sim:credit_wallet:1")
	second := deliver(t, server, "/api/cashout/process", "credit_wallet", "txn-sim:credit_wallet:1")
	if !bytes.Equal(first.Result, second.Result) {
		t.Fatalf("replay result = %s, want %s", second.Result, first.Result)
	}

	fresh := deliver(t, server, "/api/cashout/process", "credit_wallet", "txn-sim:credit_wallet:2")
	if bytes.Equal(first.Result, fresh.Result) {
		t.Fatal("new idempotency key replayed the old response")
	}
}

func TestScriptedRetryableFailureClearsAfterBudget(t *testing.T) {
	t.Parallel()
	rules, err := ParseRules("credit_wallet=retryable:2")
	if err != nil {
		t.Fatalf("parse rules: %v", err)
	}
	server := httptest.NewServer(New(rules, 0).Routes())
	defer server.Close()

	for i := 0; i < 2; i++ {
		env := deliver(t, server, "/api/cashout/process", "credit_wallet", "txn-sim:credit_wallet:1")
		if env.Status != "retryable_error" {
			t.Fatalf("delivery %d status = %q, want %q", i+1, env.Status, "retryable_error")
		}
	}
	env := deliver(t, server, "/api/cashout/process", "credit_wallet", "txn-sim:credit_wallet:1")
	if env.Status != "ok" {
		t.Fatalf("status after budget = %q, want %q", env.Status, "ok")
	}
}

func TestScriptedTerminalFailureSparesCompensation(t *testing.T) {
	t.Parallel()
	rules, err := ParseRules("credit_wallet=terminal")
	if err != nil {
		t.Fatalf("parse rules: %v", err)
	}
	server := httptest.NewServer(New(rules, 0).Routes())
	defer server.Close()

	env := deliver(t, server, "/api/cashout/process", "credit_wallet", "txn-sim:credit_wallet:1")
	if env.Status != "terminal_error" {
		t.Fatalf("action status = %q, want %q", env.Status, "terminal_error")
	}

	// The same step's compensation endpoint must still succeed.
	env = deliver(t, server, "/api/cashout/rollback", "credit_wallet", "txn-sim:credit_wallet:1")
	if env.Status != "ok" {
		t.Fatalf("compensation status = %q, want %q", env.Status, "ok")
	}
}

func TestDeliveryRequiresIdempotencyKey(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(New(nil, 0).Routes())
	defer server.Close()

	payload := []byte(`{"transaction_id":"txn-sim","step_name":"credit_wallet","input":{}}`)
	resp, err := http.Post(server.URL+"/api/cashout/process", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}
