package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wopr/fleet/internal/core"
)

// inference is the slice of the model client the status endpoint needs.
type inference interface {
	Reachable(ctx context.Context) bool
	Model() string
}

// Server exposes the engine's control API on the beacon.
type Server struct {
	engine    *Engine
	store     *Store
	scheduler *Scheduler
	model     inference
}

// NewServer wires the API handlers.
func NewServer(engine *Engine, store *Store, scheduler *Scheduler, model inference) *Server {
	return &Server{engine: engine, store: store, scheduler: scheduler, model: model}
}

// Routes builds the router.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1/ai").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/escalations", s.handleListEscalations).Methods(http.MethodGet)
	api.HandleFunc("/escalations/{id}/approve", s.handleApprove).Methods(http.MethodPost)
	api.HandleFunc("/escalations/{id}/reject", s.handleReject).Methods(http.MethodPost)
	api.HandleFunc("/analyze-now", s.handleAnalyzeNow).Methods(http.MethodPost)
	api.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/actions", s.handleActions).Methods(http.MethodGet)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

type statusResponse struct {
	Running            bool       `json:"running"`
	InferenceReachable bool       `json:"inference_reachable"`
	Model              string     `json:"model"`
	TotalRuns          int        `json:"total_runs"`
	TotalAutoFixed     int        `json:"total_auto_fixed"`
	TotalEscalated     int        `json:"total_escalated"`
	LastRunAt          *time.Time `json:"last_run_at,omitempty"`
	HourlyBudgetLeft   int        `json:"hourly_budget_remaining"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats, err := s.store.AggregateStats(ctx)
	if err != nil {
		slog.Error("aggregate stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}

	used, err := s.store.CountAutoActionsSince(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		slog.Error("rate limit count failed", "error", err)
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	remaining := s.engine.maxAutoPerHour - used
	if remaining < 0 {
		remaining = 0
	}

	resp := statusResponse{
		Running:          s.scheduler.IsRunning(),
		TotalRuns:        stats.TotalRuns,
		TotalAutoFixed:   stats.TotalAutoFixed,
		TotalEscalated:   stats.TotalEscalated,
		LastRunAt:        stats.LastRunAt,
		HourlyBudgetLeft: remaining,
	}
	if s.model != nil {
		resp.Model = s.model.Model()
		resp.InferenceReachable = s.model.Reachable(ctx)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListEscalations(w http.ResponseWriter, r *http.Request) {
	escs, err := s.store.ListEscalations(r.Context(), r.URL.Query().Get("status"), queryLimit(r))
	if err != nil {
		slog.Error("list escalations failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if escs == nil {
		escs = []core.Escalation{}
	}
	writeJSON(w, http.StatusOK, escs)
}

type resolveRequest struct {
	ResolvedBy string `json:"resolved_by"`
}

func resolvedBy(r *http.Request) string {
	var body resolveRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	if body.ResolvedBy == "" {
		return "operator"
	}
	return body.ResolvedBy
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	esc, res, err := s.engine.ApproveEscalation(r.Context(), id, resolvedBy(r))
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "escalation not found")
		return
	case errors.Is(err, ErrNotPending):
		writeError(w, http.StatusBadRequest, "escalation is not pending")
		return
	case err != nil:
		slog.Error("approve escalation failed", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "approval failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"escalation":     esc,
		"execution":      res,
		"action_success": res.Success,
	})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	esc, err := s.engine.RejectEscalation(r.Context(), id, resolvedBy(r))
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "escalation not found")
		return
	case errors.Is(err, ErrNotPending):
		writeError(w, http.StatusBadRequest, "escalation is not pending")
		return
	case err != nil:
		slog.Error("reject escalation failed", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "rejection failed")
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

func (s *Server) handleAnalyzeNow(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.RunAnalysisCycle(r.Context())
	if err != nil && run == nil {
		slog.Error("manual analysis cycle failed", "error", err)
		writeError(w, http.StatusInternalServerError, "analysis failed")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(r.Context(), queryLimit(r))
	if err != nil {
		slog.Error("list runs failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if runs == nil {
		runs = []core.AnalysisRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	logs, err := s.store.ListAutoActions(r.Context(), queryLimit(r))
	if err != nil {
		slog.Error("list auto actions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if logs == nil {
		logs = []core.AutoActionLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
