package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/LBatsoft/e-websearch/internal/models"
)

const maxBodyBytes = 1 << 20

// Sessions is the part of the orchestrator the HTTP adapter needs.
type Sessions interface {
	Defaults() models.SearchRequest
	CreateSession(req models.SearchRequest) (string, error)
	GetStatus(sessionID string) (models.ExecutionState, error)
	Result(sessionID string) (models.AgentResponse, error)
	GetMetrics(sessionID string) (models.PerformanceMetrics, error)
	GetTrace(ctx context.Context, sessionID string) ([]models.TraceEvent, error)
	Cancel(sessionID string) error
	Wait(ctx context.Context, sessionID string) (models.ExecutionState, error)
	Subscribe(sessionID string, buffer int) ([]models.TraceEvent, chan models.TraceEvent, error)
	Unsubscribe(sessionID string, ch chan models.TraceEvent)
}

// Handler serves the agent REST API.
type Handler struct {
	sessions Sessions
	logger   *zap.Logger
}

func NewHandler(sessions Sessions, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{sessions: sessions, logger: logger}
}

// RegisterRoutes mounts the session, trace and stream endpoints.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /agent/sessions", h.handleCreate)
	mux.HandleFunc("POST /agent/search", h.handleSearch)
	mux.HandleFunc("GET /agent/sessions/{id}", h.handleStatus)
	mux.HandleFunc("DELETE /agent/sessions/{id}", h.handleCancel)
	mux.HandleFunc("POST /agent/sessions/{id}/cancel", h.handleCancel)
	mux.HandleFunc("GET /agent/sessions/{id}/result", h.handleResult)
	mux.HandleFunc("GET /agent/sessions/{id}/metrics", h.handleMetrics)
	mux.HandleFunc("GET /agent/trace/{id}", h.handleTrace)
	mux.HandleFunc("GET /agent/trace/{id}/stream", h.handleSSE)
	mux.HandleFunc("GET /agent/trace/{id}/ws", h.handleWS)
}

type createResponse struct {
	SessionID string        `json:"session_id"`
	Status    models.Status `json:"status"`
}

// statusResponse is the polling view of a session.
type statusResponse struct {
	SessionID      string            `json:"session_id"`
	Status         models.Status     `json:"status"`
	StopReason     models.StopReason `json:"stop_reason,omitempty"`
	Progress       models.Progress   `json:"progress"`
	CurrentStep    *models.Step      `json:"current_step,omitempty"`
	PlanID         string            `json:"plan_id,omitempty"`
	PlanVersion    int               `json:"plan_version,omitempty"`
	Strategy       models.Strategy   `json:"strategy,omitempty"`
	IterationCount int               `json:"iteration_count"`
	ResultCount    int               `json:"result_count"`
	CacheHits      int               `json:"cache_hits"`
	ElapsedMS      int64             `json:"elapsed_ms"`
	RemainingMS    int64             `json:"remaining_ms"`
	Errors         []string          `json:"errors"`
	Warnings       []string          `json:"warnings"`
}

type errorResponse struct {
	Error   string                    `json:"error"`
	Details []*models.ValidationError `json:"details,omitempty"`
}

func statusView(st models.ExecutionState, now time.Time) statusResponse {
	resp := statusResponse{
		SessionID:      st.SessionID,
		Status:         st.Status,
		StopReason:     st.StopReason,
		Progress:       st.Progress(),
		CurrentStep:    st.CurrentStep,
		IterationCount: st.IterationCount,
		ResultCount:    len(st.AccumulatedResults),
		CacheHits:      st.CacheHits,
		Errors:         st.Errors,
		Warnings:       st.Warnings,
	}
	if st.CurrentPlan != nil {
		resp.PlanID = st.CurrentPlan.ID
		resp.PlanVersion = st.CurrentPlan.Version
		resp.Strategy = st.CurrentPlan.Strategy
	}
	elapsed := st.ElapsedTime
	if !st.Status.Terminal() {
		elapsed = now.Sub(st.StartedAt)
		resp.RemainingMS = st.RemainingTime(now).Milliseconds()
	}
	resp.ElapsedMS = elapsed.Milliseconds()
	return resp
}

// decodeRequest overlays the body on the current defaults so absent fields
// keep their default values.
func (h *Handler) decodeRequest(r *http.Request) (models.SearchRequest, error) {
	req := h.sessions.Defaults()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		return req, &models.ValidationError{Field: "body", Message: "invalid JSON: " + err.Error()}
	}
	return req, nil
}

// POST /agent/sessions
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	req, err := h.decodeRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	id, err := h.sessions.CreateSession(req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Location", "/agent/sessions/"+id)
	h.writeJSON(w, http.StatusAccepted, createResponse{SessionID: id, Status: models.StatusCreated})
}

// POST /agent/search runs a session and blocks until it finishes. A client
// that goes away cancels the session.
func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	req, err := h.decodeRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	id, err := h.sessions.CreateSession(req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if _, err := h.sessions.Wait(r.Context(), id); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			h.logger.Info("Search client went away, cancelling session", zap.String("session_id", id))
			_ = h.sessions.Cancel(id)
			return
		}
		h.writeError(w, err)
		return
	}
	resp, err := h.sessions.Result(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GET /agent/sessions/{id}
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.sessions.GetStatus(r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, statusView(st, time.Now()))
}

// GET /agent/sessions/{id}/result
func (h *Handler) handleResult(w http.ResponseWriter, r *http.Request) {
	resp, err := h.sessions.Result(r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	code := http.StatusOK
	if !resp.Status.Terminal() {
		code = http.StatusPartialContent
	}
	h.writeJSON(w, code, resp)
}

// GET /agent/sessions/{id}/metrics
func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.sessions.GetMetrics(r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, m)
}

// POST /agent/sessions/{id}/cancel, DELETE /agent/sessions/{id}
func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.sessions.Cancel(id); err != nil {
		h.writeError(w, err)
		return
	}
	st, err := h.sessions.GetStatus(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, createResponse{SessionID: id, Status: st.Status})
}

// GET /agent/trace/{id}
func (h *Handler) handleTrace(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	events, err := h.sessions.GetTrace(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": id,
		"count":      len(events),
		"events":     events,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	body := errorResponse{Error: err.Error()}
	code := http.StatusInternalServerError

	var ves models.ValidationErrors
	var ve *models.ValidationError
	switch {
	case errors.As(err, &ves):
		code = http.StatusBadRequest
		body.Details = ves
	case errors.As(err, &ve):
		code = http.StatusBadRequest
		body.Details = []*models.ValidationError{ve}
	case errors.Is(err, models.ErrSessionNotFound):
		code = http.StatusNotFound
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrSessionTerminal):
		code = http.StatusConflict
	default:
		h.logger.Error("Agent API request failed", zap.Error(err))
	}
	h.writeJSON(w, code, body)
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("Failed to encode response", zap.Error(err))
	}
}
