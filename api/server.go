// Package api exposes the orchestration HTTP surface: request
// admission, status queries and liveness.
package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/flowmesh/orchestrator/bus"
	"github.com/flowmesh/orchestrator/core"
	"github.com/flowmesh/orchestrator/model"
	"github.com/flowmesh/orchestrator/orchestration"
	"github.com/flowmesh/orchestrator/store"
)

// SchedulerControl is the slice of the scheduler the API depends on
type SchedulerControl interface {
	StartWorkflow(ctx context.Context, workflowID string)
	Saturated() bool
}

// ServerOptions wires the API's collaborators
type ServerOptions struct {
	Store     store.Store
	Router    *orchestration.Router
	Catalog   *orchestration.Catalog
	Scheduler SchedulerControl
	Bus       bus.Bus
	Logger    core.Logger
	Metrics   core.Metrics
}

// Server handles the orchestration endpoints
type Server struct {
	store     store.Store
	router    *orchestration.Router
	catalog   *orchestration.Catalog
	scheduler SchedulerControl
	bus       bus.Bus
	logger    core.Logger
	metrics   core.Metrics
}

// NewServer creates the API server
func NewServer(opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = &core.NoOpMetrics{}
	}
	return &Server{
		store:     opts.Store,
		router:    opts.Router,
		catalog:   opts.Catalog,
		scheduler: opts.Scheduler,
		bus:       opts.Bus,
		logger:    logger,
		metrics:   metrics,
	}
}

// Handler builds the chi route tree
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/orchestrate", s.handleAdmit)
	r.Get("/orchestrate/{id}", s.handleStatus)
	r.Get("/healthz", s.handleHealthz)
	return r
}

// admitRequest is the POST /orchestrate body
type admitRequest struct {
	Workflow       string                 `json:"workflow,omitempty"`
	Data           map[string]interface{} `json:"data"`
	CorrelationID  string                 `json:"correlationId,omitempty"`
	IdempotencyKey string                 `json:"idempotencyKey,omitempty"`
}

// admitResponse is the 202 body
type admitResponse struct {
	RequestID         string `json:"requestId"`
	Status            string `json:"status"`
	EstimatedDuration string `json:"estimatedDuration,omitempty"`
	StatusURL         string `json:"statusUrl"`
}

func (s *Server) handleAdmit(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing auth context")
		return
	}

	var body admitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if body.Data == nil {
		writeError(w, http.StatusBadRequest, "data is required")
		return
	}

	ctx := r.Context()

	// Idempotent admission: the same (user, key) returns the existing
	// request; the same key with a different payload is a conflict.
	if body.IdempotencyKey != "" {
		_, err := s.store.FindRequestByIdempotency(ctx, userID, body.IdempotencyKey)
		if err == nil {
			s.replayIdempotent(ctx, w, userID, body)
			return
		}
		if !core.IsNotFound(err) {
			s.logger.Error("Idempotency lookup failed", map[string]interface{}{
				"user_id": userID,
				"error":   err.Error(),
			})
			writeError(w, http.StatusInternalServerError, "store unavailable")
			return
		}
	}

	if s.scheduler.Saturated() {
		writeError(w, http.StatusServiceUnavailable, "dispatch queue saturated")
		return
	}

	template, err := s.router.Route(body.Workflow, body.Data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	requestID := uuid.NewString()
	workflowID := uuid.NewString()
	correlationID := body.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	wf, err := s.catalog.Instantiate(template, workflowID, requestID, body.Data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now()
	req := &model.Request{
		ID:             requestID,
		UserID:         userID,
		WorkflowName:   template.Name,
		Payload:        body.Data,
		CorrelationID:  correlationID,
		IdempotencyKey: body.IdempotencyKey,
		Status:         model.RequestPending,
		WorkflowID:     workflowID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.store.CreateRequest(ctx, req); err != nil {
		// A concurrent admission with the same (user, key) won the
		// index claim between the lookup above and this create; serve
		// the winner's request instead.
		if errors.Is(err, core.ErrIdempotencyConflict) {
			s.replayIdempotent(ctx, w, userID, body)
			return
		}
		s.logger.Error("Request create failed", map[string]interface{}{
			"request_id":     requestID,
			"correlation_id": correlationID,
			"user_id":        userID,
			"error":          err.Error(),
		})
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	if err := s.store.CreateWorkflow(ctx, wf); err != nil {
		s.logger.Error("Workflow create failed", map[string]interface{}{
			"request_id":  requestID,
			"workflow_id": workflowID,
			"error":       err.Error(),
		})
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}

	s.metrics.Count(ctx, "requests_admitted_total", 1, map[string]string{
		"workflow": template.Name,
	})
	s.logger.Info("Request admitted", map[string]interface{}{
		"request_id":     requestID,
		"correlation_id": correlationID,
		"user_id":        userID,
		"workflow":       template.Name,
		"payload":        core.Redact(body.Data),
	})

	go s.scheduler.StartWorkflow(context.Background(), workflowID)

	writeJSON(w, http.StatusAccepted, s.admitView(req))
}

// replayIdempotent serves an admission whose (user, key) is already
// claimed: the existing request when the payload matches, 409 when the
// key is being reused for a different payload
func (s *Server) replayIdempotent(ctx context.Context, w http.ResponseWriter, userID string, body admitRequest) {
	existing, err := s.store.FindRequestByIdempotency(ctx, userID, body.IdempotencyKey)
	if err != nil {
		s.logger.Error("Idempotency lookup failed", map[string]interface{}{
			"user_id": userID,
			"error":   err.Error(),
		})
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	if payloadHash(existing.Payload) != payloadHash(body.Data) {
		writeError(w, http.StatusConflict, "idempotency key reused with different payload")
		return
	}
	writeJSON(w, http.StatusAccepted, s.admitView(existing))
}

func (s *Server) admitView(req *model.Request) admitResponse {
	estimated := ""
	if t, ok := s.catalog.Get(req.WorkflowName); ok {
		estimated = t.EstimatedDuration
	}
	return admitResponse{
		RequestID:         req.ID,
		Status:            string(req.Status),
		EstimatedDuration: estimated,
		StatusURL:         "/orchestrate/" + req.ID,
	}
}

// stepView is one row of the per-step status list
type stepView struct {
	StepNumber int        `json:"stepNumber"`
	WorkerType string     `json:"workerType"`
	Status     string     `json:"status"`
	Attempts   int        `json:"attempts"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// statusResponse is the GET /orchestrate/{id} body
type statusResponse struct {
	RequestID     string                 `json:"requestId"`
	Status        string                 `json:"status"`
	Workflow      string                 `json:"workflow"`
	CorrelationID string                 `json:"correlationId"`
	Steps         []stepView             `json:"steps,omitempty"`
	Result        map[string]interface{} `json:"result,omitempty"`
	Error         *model.RequestError    `json:"error,omitempty"`
	CreatedAt     time.Time              `json:"createdAt"`
	UpdatedAt     time.Time              `json:"updatedAt"`
	CompletedAt   *time.Time             `json:"completedAt,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		if core.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "unknown request id")
			return
		}
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}

	view := statusResponse{
		RequestID:     req.ID,
		Status:        string(req.Status),
		Workflow:      req.WorkflowName,
		CorrelationID: req.CorrelationID,
		Result:        req.Result,
		Error:         req.Error,
		CreatedAt:     req.CreatedAt,
		UpdatedAt:     req.UpdatedAt,
		CompletedAt:   req.CompletedAt,
	}

	if wf, err := s.store.GetWorkflow(ctx, req.WorkflowID); err == nil {
		for _, step := range wf.Steps {
			sv := stepView{
				StepNumber: step.StepNumber,
				WorkerType: step.WorkerType,
				Status:     string(model.StepPending),
			}
			if state := wf.State[step.StepNumber]; state != nil {
				sv.Status = string(state.Status)
				sv.Attempts = state.Attempts
				sv.Error = state.Error
				sv.StartedAt = state.StartedAt
				sv.FinishedAt = state.FinishedAt
			}
			view.Steps = append(view.Steps, sv)
		}
	}

	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	busStatus := "connected"
	if s.bus == nil || !s.bus.Connected() {
		busStatus = "disconnected"
	}
	// The process stays alive through bus outages; admission still
	// works while the store is up, so this always reports 200.
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"bus":    busStatus,
	})
}

// payloadHash fingerprints a payload for idempotency conflict checks.
// encoding/json sorts map keys, so the fingerprint is stable.
func payloadHash(payload map[string]interface{}) string {
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
