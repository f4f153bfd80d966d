// Package stepsim is a scriptable collaborator simulator for the cash-out
// workflow. It answers every step endpoint with plausible payloads, honors
// idempotency keys by replaying recorded responses, and injects failures
// from an operator-supplied rule script.
package stepsim

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// FailureMode selects how a scripted rule fails a delivery.
type FailureMode string

const (
	// ModeRetryable answers with a retryable_error envelope.
	ModeRetryable FailureMode = "retryable"
	// ModeTerminal answers with a terminal_error envelope.
	ModeTerminal FailureMode = "terminal"
	// ModeCrash answers with HTTP 500 and no envelope.
	ModeCrash FailureMode = "crash"
	// ModeHang never answers within a step timeout; the request blocks
	// until the client gives up.
	ModeHang FailureMode = "hang"
)

// Rule fails deliveries for one step. Times bounds how many deliveries fail
// before the step starts succeeding; zero means every delivery fails.
type Rule struct {
	Step  string
	Mode  FailureMode
	Times int

	fired atomic.Int64
}

// applies reports whether the rule still fires, consuming one failure slot.
func (r *Rule) applies() bool {
	if r.Times <= 0 {
		return true
	}
	return r.fired.Add(1) <= int64(r.Times)
}

// ParseRules parses a failure script. The format is a comma-separated list
// of step=mode or step=mode:times entries, for example
// "credit_wallet=retryable:2,finalize_position=terminal".
func ParseRules(script string) ([]*Rule, error) {
	script = strings.TrimSpace(script)
	if script == "" {
		return nil, nil
	}
	var rules []*Rule
	for _, entry := range strings.Split(script, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		step, spec, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(step) == "" {
			return nil, fmt.Errorf("rule %q must be step=mode or step=mode:times", entry)
		}
		modePart, timesPart, hasTimes := strings.Cut(spec, ":")
		mode := FailureMode(strings.TrimSpace(modePart))
		switch mode {
		case ModeRetryable, ModeTerminal, ModeCrash, ModeHang:
		default:
			return nil, fmt.Errorf("rule %q has unknown mode %q", entry, modePart)
		}
		times := 0
		if hasTimes {
			parsed, err := strconv.Atoi(strings.TrimSpace(timesPart))
			if err != nil || parsed < 0 {
				return nil, fmt.Errorf("rule %q has invalid times %q", entry, timesPart)
			}
			times = parsed
		}
		rules = append(rules, &Rule{Step: strings.TrimSpace(step), Mode: mode, Times: times})
	}
	return rules, nil
}

// delivery is the step request shape the orchestrator posts.
type delivery struct {
	TransactionID  string                     `json:"transaction_id"`
	StepName       string                     `json:"step_name"`
	IdempotencyKey string                     `json:"idempotency_key"`
	Input          map[string]json.RawMessage `json:"input"`
}

type envelope struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

type recorded struct {
	status int
	body   []byte
}

// Simulator serves the cash-out collaborator endpoints.
type Simulator struct {
	rules   map[string]*Rule
	latency time.Duration
	// replies records the first response per (endpoint, idempotency key)
	// so redeliveries replay instead of re-executing.
	replies *xsync.MapOf[string, recorded]
	seq     atomic.Int64
}

// New builds a simulator. Latency, when positive, delays every first
// delivery; replays answer immediately.
func New(rules []*Rule, latency time.Duration) *Simulator {
	indexed := make(map[string]*Rule, len(rules))
	for _, rule := range rules {
		indexed[rule.Step] = rule
	}
	return &Simulator{
		rules:   indexed,
		latency: latency,
		replies: xsync.NewMapOf[string, recorded](),
	}
}

// Routes returns the collaborator mux covering every cash-out endpoint.
func (s *Simulator) Routes() http.Handler {
	mux := http.NewServeMux()
	paths := []string{
		"/api/cashout/check-eligibility",
		"/api/cashout/live-odds",
		"/api/cashout/request-quote",
		"/api/cashout/process",
		"/api/cashout/rollback",
		"/api/cashout/liability/update",
		"/api/cashout/liability/rollback",
		"/api/cashout/complete",
		"/api/cashout/cancel",
	}
	for _, path := range paths {
		mux.HandleFunc(path, s.handleStep)
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func (s *Simulator) handleStep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req delivery
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeEnvelope(w, http.StatusBadRequest, envelope{Status: "terminal_error", Reason: "request body must be a JSON delivery"})
		return
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		writeEnvelope(w, http.StatusBadRequest, envelope{Status: "terminal_error", Reason: "idempotency_key is required"})
		return
	}

	dedupeKey := r.URL.Path + "|" + req.IdempotencyKey
	if reply, ok := s.replies.Load(dedupeKey); ok {
		log.Printf("stepsim: replay %s step=%s key=%s", r.URL.Path, req.StepName, req.IdempotencyKey)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(reply.status)
		_, _ = w.Write(reply.body)
		return
	}

	if s.latency > 0 {
		select {
		case <-time.After(s.latency):
		case <-r.Context().Done():
			return
		}
	}

	if rule, ok := s.rules[req.StepName]; ok && !isCompensation(r.URL.Path) && rule.applies() {
		log.Printf("stepsim: inject %s on %s step=%s key=%s", rule.Mode, r.URL.Path, req.StepName, req.IdempotencyKey)
		switch rule.Mode {
		case ModeHang:
			<-r.Context().Done()
			return
		case ModeCrash:
			// Not recorded: the orchestrator redelivers and the step may
			// then succeed, which is the crash-recovery path under test.
			http.Error(w, "simulated crash", http.StatusInternalServerError)
			return
		case ModeTerminal:
			s.record(w, dedupeKey, http.StatusOK, envelope{Status: "terminal_error", Reason: fmt.Sprintf("scripted terminal failure for %s", req.StepName)})
			return
		default:
			// Retryable failures are not recorded either; the next delivery
			// under the same key re-evaluates the rule.
			writeEnvelope(w, http.StatusOK, envelope{Status: "retryable_error", Reason: fmt.Sprintf("scripted retryable failure for %s", req.StepName)})
			return
		}
	}

	log.Printf("stepsim: ok %s step=%s key=%s txn=%s", r.URL.Path, req.StepName, req.IdempotencyKey, req.TransactionID)
	s.record(w, dedupeKey, http.StatusOK, envelope{Status: "ok", Result: s.resultFor(r.URL.Path)})
}

// record stores the response for idempotent replay and writes it.
func (s *Simulator) record(w http.ResponseWriter, dedupeKey string, status int, env envelope) {
	body, err := json.Marshal(env)
	if err != nil {
		http.Error(w, "encode response", http.StatusInternalServerError)
		return
	}
	s.replies.Store(dedupeKey, recorded{status: status, body: body})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeEnvelope(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

// isCompensation reports whether the endpoint undoes a step. Scripted
// failures target actions; compensations always succeed so rollbacks can
// finish.
func isCompensation(path string) bool {
	switch path {
	case "/api/cashout/rollback", "/api/cashout/liability/rollback", "/api/cashout/cancel":
		return true
	}
	return false
}

func (s *Simulator) resultFor(path string) json.RawMessage {
	n := s.seq.Add(1)
	switch path {
	case "/api/cashout/check-eligibility":
		return json.RawMessage(`{"can_cash_out":true,"position_value":125.50}`)
	case "/api/cashout/live-odds":
		return json.RawMessage(`{"live_odds":2.35,"event_margin":0.05}`)
	case "/api/cashout/request-quote":
		return json.RawMessage(fmt.Sprintf(`{"quote_id":"quote-%d","cash_out_value":118.70}`, n))
	case "/api/cashout/process":
		return json.RawMessage(fmt.Sprintf(`{"wallet_transaction_id":"wtx-%d","balance_after":618.70}`, n))
	case "/api/cashout/rollback":
		return json.RawMessage(`{"reverted":true}`)
	case "/api/cashout/liability/update":
		return json.RawMessage(`{"liability_delta":-118.70}`)
	case "/api/cashout/liability/rollback":
		return json.RawMessage(`{"reverted":true}`)
	case "/api/cashout/complete":
		return json.RawMessage(`{"position_status":"cashed_out"}`)
	case "/api/cashout/cancel":
		return json.RawMessage(`{"position_status":"open"}`)
	}
	return json.RawMessage(`{}`)
}
