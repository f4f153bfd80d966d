// Package httpapi exposes the orchestrator's JSON API: starting and
// inspecting saga transactions, operator controls, the definition catalog,
// and the live event stream.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/grpc/codes"

	apperrors "github.com/louisbranch/sagaflow/internal/platform/errors"
	"github.com/louisbranch/sagaflow/internal/saga/definition"
	"github.com/louisbranch/sagaflow/internal/saga/engine"
	"github.com/louisbranch/sagaflow/internal/saga/eventbus"
	"github.com/louisbranch/sagaflow/internal/saga/storage"
)

// EventStream is the slice of the event bus the websocket endpoint needs.
type EventStream interface {
	Subscribe(ctx context.Context) (<-chan eventbus.Envelope, error)
}

// Config assembles a Handler. Engine, Store, and Registry are required;
// Stream is optional and disables /ws when nil.
type Config struct {
	Engine   *engine.Engine
	Store    storage.Store
	Registry *definition.Registry
	Stream   EventStream
}

// Handler serves the orchestrator HTTP API.
type Handler struct {
	engine   *engine.Engine
	store    storage.Store
	registry *definition.Registry
	stream   EventStream
}

func New(cfg Config) (*Handler, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	return &Handler{
		engine:   cfg.Engine,
		store:    cfg.Store,
		registry: cfg.Registry,
		stream:   cfg.Stream,
	}, nil
}

// Routes returns the API mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sagas", h.handleListSagas)
	mux.HandleFunc("/sagas/", h.handleSagaSubtree)
	mux.HandleFunc("/definitions", h.handleListDefinitions)
	mux.HandleFunc("/definitions/", h.handleGetDefinition)
	mux.HandleFunc("/stats", h.handleStats)
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/ws", h.handleWS)
	return mux
}

func (h *Handler) handleSagaSubtree(w http.ResponseWriter, r *http.Request) {
	parts := splitPathParts(strings.TrimPrefix(r.URL.Path, "/sagas/"))
	switch {
	case len(parts) == 1:
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		h.handleGetSaga(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "start":
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		h.handleStart(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "rollback":
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		h.handleRollback(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "events":
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		h.handleEvents(w, r, parts[0])
	case len(parts) == 4 && parts[1] == "steps" && parts[3] == "retry":
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		h.handleRetry(w, r, parts[0], parts[2])
	default:
		writeJSONError(w, http.StatusNotFound, string(apperrors.CodeNotFound), "no such resource")
	}
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		writeJSONError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return false
	}
	return true
}

// splitPathParts returns non-empty path segments.
func splitPathParts(path string) []string {
	raw := strings.Split(path, "/")
	parts := make([]string, 0, len(raw))
	for _, part := range raw {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: errorBody{Code: code, Message: message}})
}

// writeError maps a domain error onto an HTTP status through the same code
// table the gRPC surface uses.
func writeError(w http.ResponseWriter, err error) {
	var domainErr *apperrors.Error
	if !errors.As(err, &domainErr) {
		writeJSONError(w, http.StatusInternalServerError, string(apperrors.CodeUnknown), err.Error())
		return
	}
	status := http.StatusInternalServerError
	switch domainErr.Code.GRPCCode() {
	case codes.InvalidArgument:
		status = http.StatusBadRequest
	case codes.NotFound:
		status = http.StatusNotFound
	case codes.AlreadyExists, codes.FailedPrecondition, codes.Aborted:
		status = http.StatusConflict
	case codes.Unavailable:
		status = http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		status = http.StatusGatewayTimeout
	}
	writeJSONError(w, status, string(domainErr.Code), domainErr.Message)
}
