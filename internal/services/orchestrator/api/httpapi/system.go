package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/websocket"

	apperrors "github.com/louisbranch/sagaflow/internal/platform/errors"
	"github.com/louisbranch/sagaflow/internal/saga/definition"
)

type contractView struct {
	Service      string   `json:"service"`
	Path         string   `json:"path"`
	InputFields  []string `json:"input_fields,omitempty"`
	ResultFields []string `json:"result_fields,omitempty"`
}

type retryPolicyView struct {
	MaxAttempts int    `json:"max_attempts"`
	BaseDelay   string `json:"base_delay"`
	MaxDelay    string `json:"max_delay"`
}

type definitionStepView struct {
	Name         string          `json:"name"`
	Action       contractView    `json:"action"`
	Compensation *contractView   `json:"compensation,omitempty"`
	Retry        retryPolicyView `json:"retry"`
	Timeout      string          `json:"timeout"`
	Required     bool            `json:"required"`
}

type definitionView struct {
	Name          string               `json:"name"`
	Version       int                  `json:"version"`
	SubjectFields []string             `json:"subject_fields"`
	Steps         []definitionStepView `json:"steps"`
	Timeout       string               `json:"timeout"`
}

type listDefinitionsResponse struct {
	Definitions []definitionView `json:"definitions"`
}

type statsResponse struct {
	ByStatus     map[string]int `json:"by_status"`
	ByDefinition map[string]int `json:"by_definition"`
}

func (h *Handler) handleListDefinitions(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	registered := h.registry.All()
	views := make([]definitionView, 0, len(registered))
	for _, reg := range registered {
		views = append(views, newDefinitionView(reg.Definition()))
	}
	writeJSON(w, http.StatusOK, listDefinitionsResponse{Definitions: views})
}

func (h *Handler) handleGetDefinition(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/definitions/"), "/")
	if name == "" || strings.Contains(name, "/") {
		writeJSONError(w, http.StatusNotFound, string(apperrors.CodeNotFound), "no such resource")
		return
	}
	reg, err := h.registry.Get(name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newDefinitionView(reg.Definition()))
}

func newDefinitionView(def definition.Definition) definitionView {
	steps := make([]definitionStepView, 0, len(def.Steps))
	for _, step := range def.Steps {
		view := definitionStepView{
			Name:   step.Name,
			Action: newContractView(step.Action),
			Retry: retryPolicyView{
				MaxAttempts: step.Retry.MaxAttempts,
				BaseDelay:   step.Retry.BaseDelay.String(),
				MaxDelay:    step.Retry.MaxDelay.String(),
			},
			Timeout:  step.Timeout.String(),
			Required: step.Required,
		}
		if step.Compensation != nil {
			comp := newContractView(*step.Compensation)
			view.Compensation = &comp
		}
		steps = append(steps, view)
	}
	return definitionView{
		Name:          def.Name,
		Version:       def.Version,
		SubjectFields: def.SubjectFields,
		Steps:         steps,
		Timeout:       def.Timeout.String(),
	}
}

func newContractView(contract definition.Contract) contractView {
	return contractView{
		Service:      contract.Service,
		Path:         contract.Path,
		InputFields:  contract.InputFields,
		ResultFields: contract.ResultFields,
	}
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	byStatus := make(map[string]int, len(stats.ByStatus))
	for status, count := range stats.ByStatus {
		byStatus[string(status)] = count
	}
	writeJSON(w, http.StatusOK, statsResponse{
		ByStatus:     byStatus,
		ByDefinition: stats.ByDefinition,
	})
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, string(apperrors.CodeUnknown), "store is unreachable")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleWS streams saga events to the client as JSON frames. An optional
// transaction_id query parameter narrows the stream to one saga.
func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	if h.stream == nil {
		writeJSONError(w, http.StatusServiceUnavailable, string(apperrors.CodeUnknown), "event streaming is not enabled")
		return
	}
	websocket.Handler(h.serveEventStream).ServeHTTP(w, r)
}

func (h *Handler) serveEventStream(conn *websocket.Conn) {
	defer conn.Close()

	req := conn.Request()
	filterID := req.URL.Query().Get("transaction_id")

	envelopes, err := h.stream.Subscribe(req.Context())
	if err != nil {
		log.Printf("event stream subscribe: %v", err)
		return
	}

	encoder := json.NewEncoder(conn)
	for envelope := range envelopes {
		if filterID != "" && envelope.TransactionID != filterID {
			continue
		}
		if err := encoder.Encode(envelope); err != nil {
			return
		}
	}
}
