package gateway

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/wopr/fleet/internal/audit"
	"github.com/wopr/fleet/internal/core"
	"github.com/wopr/fleet/internal/identity"
	"github.com/wopr/fleet/internal/metrics"
)

type contextKey string

const callerKey contextKey = "gateway.caller"

// callerFrom returns the authenticated identity placed by requireTier.
func callerFrom(ctx context.Context) *identity.Identity {
	id, _ := ctx.Value(callerKey).(*identity.Identity)
	return id
}

// requireTier authenticates the forwarded identity and enforces the tier
// gate. Missing headers are 401, insufficient groups 403.
func (s *Server) requireTier(required identity.AccessTier, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, err := identity.FromRequest(r)
		if err != nil {
			metrics.GatewayRequests.WithLabelValues(required.String(), "401").Inc()
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if !caller.Allows(required) {
			metrics.GatewayRequests.WithLabelValues(required.String(), "403").Inc()
			slog.Warn("tier gate rejected caller",
				"user", caller.Username, "required", required.String(), "has", caller.Tier().String())
			writeError(w, http.StatusForbidden, fmt.Sprintf("%s tier required", required))
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), callerKey, caller)))
	}
}

// bufferedResponse holds the handler's output until the audit row is
// committed. A client that sees a 2xx can rely on the audit row existing.
type bufferedResponse struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{header: make(http.Header), status: http.StatusOK}
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(status int) { b.status = status }

func (b *bufferedResponse) Write(p []byte) (int, error) { return b.body.Write(p) }

func (b *bufferedResponse) flush(w http.ResponseWriter) {
	for k, vs := range b.header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(b.status)
	w.Write(b.body.Bytes())
}

// audited wraps an authenticated handler so every request lands in the
// audit log before the response is released. Audit failure turns a
// success into a 500; privileged actions must not outrun their record.
func (s *Server) audited(action string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		var bodyHash string
		if r.Body != nil && r.ContentLength != 0 {
			raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
			if err == nil {
				sum := sha256.Sum256(raw)
				bodyHash = hex.EncodeToString(sum[:])
				r.Body = io.NopCloser(bytes.NewReader(raw))
			}
		}

		buf := newBufferedResponse()
		next(buf, r)

		caller := callerFrom(r.Context())
		entry := &core.AuditEntry{
			Action:     action,
			BeaconID:   mux.Vars(r)["id"],
			Method:     r.Method,
			Path:       r.URL.Path,
			BodyHash:   bodyHash,
			Status:     buf.status,
			DurationMs: float64(time.Since(start).Microseconds()) / 1000,
		}
		if caller != nil {
			entry.ActorUID = caller.UID
			entry.Username = caller.Username
			entry.Email = caller.Email
			entry.AccessTier = caller.Tier().String()
		}

		if err := s.audit.Append(r.Context(), entry); err != nil {
			slog.Error("audit append failed, withholding response", "action", action, "error", err)
			writeError(w, http.StatusInternalServerError, "audit unavailable")
			return
		}

		metrics.GatewayRequests.WithLabelValues(entry.AccessTier, fmt.Sprintf("%d", buf.status)).Inc()
		buf.flush(w)
	}
}

// auditor is the slice of the audit log the middleware needs.
type auditor interface {
	Append(ctx context.Context, e *core.AuditEntry) error
	Query(ctx context.Context, f audit.Filter) ([]core.AuditEntry, error)
}
