package sshca

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wopr/fleet/internal/identity"
	"github.com/wopr/fleet/internal/metrics"
)

// Server exposes the signing API.
type Server struct {
	ca *CA
}

// NewServer wires the handlers.
func NewServer(ca *CA) *Server {
	return &Server{ca: ca}
}

// Routes builds the router.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/ca-public-key", s.handlePublicKey).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/sign", s.handleSign).Methods(http.MethodPost)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(s.ca.PublicKey()))
}

type signRequestBody struct {
	BeaconID            string `json:"beacon_id"`
	Tier                string `json:"tier"`
	PublicKey           string `json:"public_key,omitempty"`
	BreakglassSessionID string `json:"breakglass_session_id,omitempty"`
	DurationMinutes     int    `json:"duration_minutes,omitempty"`
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	caller, err := identity.FromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var body signRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if body.BeaconID == "" {
		writeError(w, http.StatusBadRequest, "beacon_id is required")
		return
	}
	tier, ok := identity.ParseTier(body.Tier)
	if !ok {
		writeError(w, http.StatusBadRequest, "tier must be diag, remediate or breakglass")
		return
	}

	cert, err := s.ca.Sign(r.Context(), SignRequest{
		Caller:              caller,
		BeaconID:            body.BeaconID,
		Tier:                tier,
		PublicKey:           body.PublicKey,
		BreakglassSessionID: body.BreakglassSessionID,
		Duration:            time.Duration(body.DurationMinutes) * time.Minute,
	})
	switch {
	case errors.Is(err, ErrForbidden):
		metrics.CertDenied.WithLabelValues("forbidden").Inc()
		writeError(w, http.StatusForbidden, "tier group membership required")
		return
	case errors.Is(err, ErrSessionRequired), errors.Is(err, ErrSessionInactive):
		metrics.CertDenied.WithLabelValues("session").Inc()
		writeError(w, http.StatusForbidden, err.Error())
		return
	case errors.Is(err, ErrBadPublicKey):
		metrics.CertDenied.WithLabelValues("bad_key").Inc()
		writeError(w, http.StatusBadRequest, "public key is not parseable")
		return
	case err != nil:
		slog.Error("certificate signing failed", "user", caller.Username, "beacon", body.BeaconID, "error", err)
		writeError(w, http.StatusInternalServerError, "signing failed")
		return
	}

	metrics.CertsIssued.WithLabelValues(tier.String()).Inc()
	slog.Info("certificate issued",
		"user", caller.Username, "tier", tier.String(),
		"beacon", body.BeaconID, "serial", cert.Serial)
	writeJSON(w, http.StatusOK, cert)
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
