// Package gateway is the central tier-gated surface over the beacon fleet:
// registry, diagnostics, pre-approved remediation, breakglass sessions,
// escalation aggregation and the audit trail behind all of it.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wopr/fleet/internal/audit"
	"github.com/wopr/fleet/internal/core"
	"github.com/wopr/fleet/internal/identity"
	"github.com/wopr/fleet/internal/registry"
)

// beaconDirectory is the slice of the registry the gateway consumes.
type beaconDirectory interface {
	Register(ctx context.Context, b *core.Beacon, observedIP string) error
	Heartbeat(ctx context.Context, id string, engineRunning bool) error
	Get(ctx context.Context, id string) (*core.Beacon, error)
	List(ctx context.Context) ([]core.Beacon, error)
	ListOnline(ctx context.Context) ([]core.Beacon, error)
}

// Server carries the gateway's collaborators.
type Server struct {
	registry   beaconDirectory
	audit      auditor
	breakglass *BreakglassManager
	catalogue  *Catalogue
	ca         certIssuer
	fetcher    escalationFetcher
	sshExec    sshExecutor
	proxy      *http.Client
}

// NewServer wires the gateway.
func NewServer(reg beaconDirectory, aud auditor, bg *BreakglassManager, cat *Catalogue, ca certIssuer) *Server {
	return &Server{
		registry:   reg,
		audit:      aud,
		breakglass: bg,
		catalogue:  cat,
		ca:         ca,
		fetcher:    newEngineClient(),
		sshExec:    newSSHRunner(),
		proxy:      &http.Client{Timeout: 15 * time.Second},
	}
}

// Routes builds the router. Registration and heartbeat are deliberately
// unauthenticated: beacons sit behind no edge identity, only source-IP
// visibility.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()

	// Beacon-facing.
	api.HandleFunc("/beacons/register", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/beacons/{id}/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)

	// Aggregation. Registered before /beacons/{id} so "escalations" is not
	// swallowed as a beacon id.
	api.HandleFunc("/beacons/escalations", s.requireTier(identity.AccessDiag,
		s.audited("escalation.aggregate", s.handleAggregate))).Methods(http.MethodGet)

	// Registry reads.
	api.HandleFunc("/beacons", s.requireTier(identity.AccessRemediate,
		s.audited("beacon.list", s.handleListBeacons))).Methods(http.MethodGet)
	api.HandleFunc("/beacons/{id}", s.requireTier(identity.AccessRemediate,
		s.audited("beacon.get", s.handleGetBeacon))).Methods(http.MethodGet)

	// Diagnostics.
	api.HandleFunc("/beacons/{id}/health", s.requireTier(identity.AccessDiag,
		s.audited("beacon.health", s.handleBeaconHealth))).Methods(http.MethodGet)
	api.HandleFunc("/beacons/{id}/services", s.requireTier(identity.AccessDiag,
		s.audited("beacon.services", s.handleBeaconServices))).Methods(http.MethodGet)
	api.HandleFunc("/beacons/{id}/logs", s.requireTier(identity.AccessDiag,
		s.audited("beacon.logs", s.handleBeaconLogs))).Methods(http.MethodGet)

	// Engine proxy.
	api.PathPrefix("/beacons/{id}/ai/").Handler(s.requireTier(identity.AccessRemediate,
		s.audited("beacon.engine", s.handleEngineProxy)))

	// Remediation.
	api.HandleFunc("/actions", s.requireTier(identity.AccessRemediate,
		s.audited("action.list", s.handleListActions))).Methods(http.MethodGet)
	api.HandleFunc("/beacons/{id}/actions/{action}", s.requireTier(identity.AccessRemediate,
		s.audited("action.execute", s.handleExecuteAction))).Methods(http.MethodPost)

	// Breakglass.
	api.HandleFunc("/breakglass", s.requireTier(identity.AccessBreakglass,
		s.audited("breakglass.start", s.handleBreakglassStart))).Methods(http.MethodPost)
	api.HandleFunc("/breakglass", s.requireTier(identity.AccessBreakglass,
		s.audited("breakglass.list", s.handleBreakglassList))).Methods(http.MethodGet)
	api.HandleFunc("/breakglass/{id}/revoke", s.requireTier(identity.AccessBreakglass,
		s.audited("breakglass.revoke", s.handleBreakglassRevoke))).Methods(http.MethodPost)

	// Audit trail.
	api.HandleFunc("/audit/logs", s.requireTier(identity.AccessBreakglass,
		s.audited("audit.query", s.handleAuditQuery))).Methods(http.MethodGet)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// -- registry ---------------------------------------------------------------

type registerRequest struct {
	BeaconID  string `json:"beacon_id"`
	Domain    string `json:"domain"`
	EngineURL string `json:"engine_url"`
	Bundle    string `json:"bundle,omitempty"`
	Version   string `json:"version,omitempty"`
	SourceIP  string `json:"source_ip,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.BeaconID == "" || req.EngineURL == "" {
		writeError(w, http.StatusBadRequest, "beacon_id and engine_url are required")
		return
	}

	beacon := &core.Beacon{
		ID:        req.BeaconID,
		Domain:    req.Domain,
		EngineURL: req.EngineURL,
		Bundle:    req.Bundle,
		Version:   req.Version,
		SourceIP:  req.SourceIP,
	}
	if err := s.registry.Register(r.Context(), beacon, remoteIP(r)); err != nil {
		slog.Error("beacon registration failed", "beacon", req.BeaconID, "error", err)
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}
	writeJSON(w, http.StatusOK, beacon)
}

type heartbeatRequest struct {
	EngineRunning bool `json:"engine_running"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	err := s.registry.Heartbeat(r.Context(), mux.Vars(r)["id"], req.EngineRunning)
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "beacon not registered")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "heartbeat failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListBeacons(w http.ResponseWriter, r *http.Request) {
	beacons, err := s.registry.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if beacons == nil {
		beacons = []core.Beacon{}
	}
	writeJSON(w, http.StatusOK, beacons)
}

func (s *Server) handleGetBeacon(w http.ResponseWriter, r *http.Request) {
	beacon, err := s.registry.Get(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "beacon not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, beacon)
}

// -- aggregation ------------------------------------------------------------

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	beacons, err := s.registry.ListOnline(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "registry unavailable")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, aggregateEscalations(r.Context(), s.fetcher, beacons, limit))
}

// -- diagnostics ------------------------------------------------------------

func (s *Server) handleBeaconHealth(w http.ResponseWriter, r *http.Request) {
	beacon, ok := s.lookupBeacon(w, r)
	if !ok {
		return
	}
	s.proxyTo(w, r, beacon, "/api/health")
}

func (s *Server) handleBeaconServices(w http.ResponseWriter, r *http.Request) {
	s.runDiagnostic(w, r, "systemctl list-units --type=service --state=running,failed --no-pager --no-legend")
}

func (s *Server) handleBeaconLogs(w http.ResponseWriter, r *http.Request) {
	service := SanitizeParam(r.URL.Query().Get("service"))
	if service == "" {
		writeError(w, http.StatusBadRequest, "service is required")
		return
	}
	since := boundedSince(r.URL.Query().Get("since"))
	s.runDiagnostic(w, r, fmt.Sprintf("journalctl -u %s --since '%s' -n 200 --no-pager", service, since))
}

// runDiagnostic mints a diag cert and executes one read-only command on the
// beacon over SSH.
func (s *Server) runDiagnostic(w http.ResponseWriter, r *http.Request, command string) {
	beacon, ok := s.lookupBeacon(w, r)
	if !ok {
		return
	}
	caller := callerFrom(r.Context())

	cert, err := s.ca.Sign(r.Context(), caller, beacon.ID, identity.AccessDiag, "", 0)
	if err != nil {
		slog.Error("diag cert issuance failed", "beacon", beacon.ID, "error", err)
		writeError(w, http.StatusBadGateway, "certificate authority unavailable")
		return
	}

	output, err := s.sshExec.Run(r.Context(), beaconHost(beacon), "wopr-diag", cert, command)
	if err != nil {
		slog.Error("diagnostic failed", "beacon", beacon.ID, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error":  "diagnostic execution failed",
			"output": output,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"output": output})
}

// -- engine proxy -----------------------------------------------------------

// handleEngineProxy forwards /beacons/{id}/ai/... to the beacon engine's
// /api/v1/ai/... surface. Downstream failure is 502.
func (s *Server) handleEngineProxy(w http.ResponseWriter, r *http.Request) {
	beacon, ok := s.lookupBeacon(w, r)
	if !ok {
		return
	}
	marker := "/ai/"
	idx := strings.Index(r.URL.Path, marker)
	if idx < 0 {
		writeError(w, http.StatusNotFound, "unknown engine path")
		return
	}
	s.proxyTo(w, r, beacon, "/api/v1/ai/"+r.URL.Path[idx+len(marker):])
}

func (s *Server) proxyTo(w http.ResponseWriter, r *http.Request, beacon *core.Beacon, path string) {
	url := strings.TrimRight(beacon.EngineURL, "/") + path
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, url, r.Body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "proxy request failed")
		return
	}
	req.Header.Set("Content-Type", r.Header.Get("Content-Type"))

	resp, err := s.proxy.Do(req)
	if err != nil {
		slog.Error("beacon engine unreachable", "beacon", beacon.ID, "error", err)
		writeError(w, http.StatusBadGateway, "beacon engine unreachable")
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// -- remediation ------------------------------------------------------------

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.catalogue.List())
}

type executeActionRequest struct {
	Params map[string]string `json:"params,omitempty"`
}

func (s *Server) handleExecuteAction(w http.ResponseWriter, r *http.Request) {
	beacon, ok := s.lookupBeacon(w, r)
	if !ok {
		return
	}
	action, err := s.catalogue.Get(mux.Vars(r)["action"])
	if errors.Is(err, ErrUnknownAction) {
		writeError(w, http.StatusNotFound, "unknown action")
		return
	}

	caller := callerFrom(r.Context())
	// The action's own tier gates execution independently of the endpoint.
	if !caller.Allows(action.Tier()) {
		writeError(w, http.StatusForbidden, fmt.Sprintf("action requires %s tier", action.RequiredTier))
		return
	}

	var req executeActionRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	command := action.Render(req.Params)

	cert, err := s.ca.Sign(r.Context(), caller, beacon.ID, identity.AccessRemediate, "", 0)
	if err != nil {
		slog.Error("remediate cert issuance failed", "beacon", beacon.ID, "error", err)
		writeError(w, http.StatusBadGateway, "certificate authority unavailable")
		return
	}

	execCtx, cancel := context.WithTimeout(r.Context(), action.Timeout())
	defer cancel()
	output, err := s.sshExec.Run(execCtx, beaconHost(beacon), "wopr-remediate", cert, command)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"action":  action.ID,
			"success": false,
			"output":  output,
			"error":   "remote execution failed",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"action":  action.ID,
		"success": true,
		"output":  output,
	})
}

// -- breakglass -------------------------------------------------------------

type breakglassStartRequest struct {
	BeaconID        string `json:"beacon_id"`
	Reason          string `json:"reason"`
	DurationMinutes int    `json:"duration_minutes,omitempty"`
}

func (s *Server) handleBreakglassStart(w http.ResponseWriter, r *http.Request) {
	var req breakglassStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.BeaconID == "" {
		writeError(w, http.StatusBadRequest, "beacon_id is required")
		return
	}
	if _, err := s.registry.Get(r.Context(), req.BeaconID); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, "beacon not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "registry unavailable")
		return
	}

	caller := callerFrom(r.Context())
	session, cert, err := s.breakglass.Start(r.Context(), caller, req.BeaconID, req.Reason, req.DurationMinutes)
	switch {
	case errors.Is(err, ErrReasonTooShort):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, ErrActiveSession):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, ErrCAFailure):
		writeError(w, http.StatusBadGateway, "certificate authority unavailable")
		return
	case err != nil:
		slog.Error("breakglass start failed", "beacon", req.BeaconID, "error", err)
		writeError(w, http.StatusInternalServerError, "session creation failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session":     session,
		"certificate": cert,
	})
}

func (s *Server) handleBreakglassList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	sessions, err := s.breakglass.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if sessions == nil {
		sessions = []core.BreakglassSession{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleBreakglassRevoke(w http.ResponseWriter, r *http.Request) {
	session, err := s.breakglass.Revoke(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "revocation failed")
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// -- audit ------------------------------------------------------------------

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{
		ActorUID: q.Get("actor"),
		BeaconID: q.Get("beacon"),
		Action:   q.Get("action"),
	}
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.Since = t
		}
	}
	if v := q.Get("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.Until = t
		}
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))

	entries, err := s.audit.Query(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if entries == nil {
		entries = []core.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// -- helpers ----------------------------------------------------------------

func (s *Server) lookupBeacon(w http.ResponseWriter, r *http.Request) (*core.Beacon, bool) {
	beacon, err := s.registry.Get(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "beacon not found")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "registry unavailable")
		return nil, false
	}
	return beacon, true
}

// beaconHost picks the SSH target: domain when set, observed IP otherwise.
func beaconHost(b *core.Beacon) string {
	if b.Domain != "" {
		return b.Domain
	}
	return b.SourceIP
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
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
