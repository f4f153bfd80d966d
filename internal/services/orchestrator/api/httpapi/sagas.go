package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/louisbranch/sagaflow/internal/platform/errors"
	"github.com/louisbranch/sagaflow/internal/platform/pagination"
	"github.com/louisbranch/sagaflow/internal/platform/requestctx"
	"github.com/louisbranch/sagaflow/internal/saga"
	"github.com/louisbranch/sagaflow/internal/saga/filter"
	"github.com/louisbranch/sagaflow/internal/saga/storage"
)

const (
	maxStartBodyBytes = 1 << 20

	defaultPageSize = 50
	maxPageSize     = 200

	defaultEventLimit = 500
)

type startRequest struct {
	TransactionID  string          `json:"transaction_id"`
	SubjectContext json.RawMessage `json:"subject_context"`
}

type startResponse struct {
	TransactionID string      `json:"transaction_id"`
	Status        saga.Status `json:"status"`
}

type rollbackRequest struct {
	Reason string `json:"reason"`
}

type transactionView struct {
	TransactionID     string          `json:"transaction_id"`
	Definition        string          `json:"definition"`
	DefinitionVersion int             `json:"definition_version"`
	Status            saga.Status     `json:"status"`
	CurrentStep       int             `json:"current_step"`
	CurrentStepName   string          `json:"current_step_name,omitempty"`
	Attempt           int             `json:"attempt"`
	KeyEpoch          int             `json:"key_epoch"`
	FailureReason     string          `json:"failure_reason,omitempty"`
	CancelRequested   bool            `json:"cancel_requested,omitempty"`
	CancelReason      string          `json:"cancel_reason,omitempty"`
	SubjectContext    json.RawMessage `json:"subject_context,omitempty"`
	DeadlineAt        time.Time       `json:"deadline_at"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
}

type stepView struct {
	StepName    string          `json:"step_name"`
	StepIndex   int             `json:"step_index"`
	Phase       saga.Phase      `json:"phase"`
	Attempt     int             `json:"attempt"`
	KeyEpoch    int             `json:"key_epoch"`
	Status      saga.StepStatus `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   string          `json:"error_code,omitempty"`
	ErrorDetail string          `json:"error_detail,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

type sagaDetailResponse struct {
	transactionView
	Steps []stepView `json:"steps"`
}

type listSagasResponse struct {
	Transactions  []transactionView `json:"transactions"`
	NextPageToken string            `json:"next_page_token,omitempty"`
}

type eventView struct {
	Seq       uint64          `json:"seq"`
	Type      saga.EventType  `json:"type"`
	StepName  string          `json:"step_name,omitempty"`
	Message   string          `json:"message,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type listEventsResponse struct {
	Events []eventView `json:"events"`
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request, definitionName string) {
	var req startRequest
	body := http.MaxBytesReader(w, r.Body, maxStartBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, string(apperrors.CodeTransactionSubjectInvalid), "request body must be a JSON object")
		return
	}

	ctx := r.Context()
	if correlationID := strings.TrimSpace(r.Header.Get(requestctx.CorrelationHeader)); correlationID != "" {
		ctx = requestctx.WithCorrelationID(ctx, correlationID)
	}

	txn, err := h.engine.Start(ctx, definitionName, req.TransactionID, req.SubjectContext)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, startResponse{TransactionID: txn.ID, Status: txn.Status})
}

func (h *Handler) handleGetSaga(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()
	txn, err := h.store.GetTransaction(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	execs, err := h.store.ListStepExecutions(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}

	steps := make([]stepView, 0, len(execs))
	for _, exec := range execs {
		steps = append(steps, stepView{
			StepName:    exec.StepName,
			StepIndex:   exec.StepIndex,
			Phase:       exec.Phase,
			Attempt:     exec.Attempt,
			KeyEpoch:    exec.KeyEpoch,
			Status:      exec.Status,
			Result:      exec.ResultPayload,
			ErrorCode:   exec.ErrorCode,
			ErrorDetail: exec.ErrorDetail,
			StartedAt:   exec.StartedAt,
			FinishedAt:  exec.FinishedAt,
		})
	}
	writeJSON(w, http.StatusOK, sagaDetailResponse{
		transactionView: h.newTransactionView(txn, true),
		Steps:           steps,
	})
}

func (h *Handler) handleListSagas(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	query := r.URL.Query()
	cond, err := filter.ParseTransactionFilter(query.Get("filter"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, string(apperrors.CodeFilterInvalid), err.Error())
		return
	}
	pageSize, _ := strconv.Atoi(query.Get("page_size"))
	pageSize = pagination.ClampPageSize(pageSize, pagination.PageSizeConfig{Default: defaultPageSize, Max: maxPageSize})

	page, err := h.store.ListTransactions(r.Context(), storage.ListQuery{
		Where:     cond.Clause,
		Params:    cond.Params,
		PageSize:  pageSize,
		PageToken: query.Get("page_token"),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]transactionView, 0, len(page.Transactions))
	for _, txn := range page.Transactions {
		views = append(views, h.newTransactionView(txn, false))
	}
	writeJSON(w, http.StatusOK, listSagasResponse{Transactions: views, NextPageToken: page.NextPageToken})
}

func (h *Handler) handleRollback(w http.ResponseWriter, r *http.Request, id string) {
	var req rollbackRequest
	if r.Body != nil {
		// The reason is optional; an empty body is fine.
		_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, maxStartBodyBytes)).Decode(&req)
	}
	txn, err := h.engine.RequestRollback(r.Context(), id, strings.TrimSpace(req.Reason))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, h.newTransactionView(txn, false))
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request, id, stepName string) {
	txn, err := h.engine.OperatorRetry(r.Context(), id, stepName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, h.newTransactionView(txn, false))
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request, id string) {
	query := r.URL.Query()
	cond, err := filter.ParseEventFilter(query.Get("filter"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, string(apperrors.CodeFilterInvalid), err.Error())
		return
	}
	afterSeq, _ := strconv.ParseUint(query.Get("after_seq"), 10, 64)
	limit, _ := strconv.Atoi(query.Get("limit"))
	if limit <= 0 || limit > defaultEventLimit {
		limit = defaultEventLimit
	}

	// 404 for unknown transactions rather than an empty log.
	if _, err := h.store.GetTransaction(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	events, err := h.store.ListEvents(r.Context(), id, storage.EventQuery{
		Where:    cond.Clause,
		Params:   cond.Params,
		AfterSeq: afterSeq,
		Limit:    limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]eventView, 0, len(events))
	for _, event := range events {
		views = append(views, eventView{
			Seq:       event.Seq,
			Type:      event.Type,
			StepName:  event.StepName,
			Message:   event.Message,
			Payload:   event.Payload,
			CreatedAt: event.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, listEventsResponse{Events: views})
}

func (h *Handler) newTransactionView(txn saga.Transaction, includeSubject bool) transactionView {
	view := transactionView{
		TransactionID:     txn.ID,
		Definition:        txn.Definition,
		DefinitionVersion: txn.DefinitionVersion,
		Status:            txn.Status,
		CurrentStep:       txn.CurrentStep,
		Attempt:           txn.Attempt,
		KeyEpoch:          txn.KeyEpoch,
		FailureReason:     txn.FailureReason,
		CancelRequested:   txn.CancelRequested,
		CancelReason:      txn.CancelReason,
		DeadlineAt:        txn.DeadlineAt,
		CreatedAt:         txn.CreatedAt,
		UpdatedAt:         txn.UpdatedAt,
		CompletedAt:       txn.CompletedAt,
	}
	if includeSubject {
		view.SubjectContext = txn.SubjectContext
	}
	if reg, err := h.registry.Get(txn.Definition); err == nil {
		if step, ok := reg.Step(txn.CurrentStep); ok {
			view.CurrentStepName = step.Name
		}
	}
	return view
}
