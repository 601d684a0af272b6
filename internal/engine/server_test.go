package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wopr/fleet/internal/core"
)

type fakeInference struct{ reachable bool }

func (f *fakeInference) Reachable(context.Context) bool { return f.reachable }
func (f *fakeInference) Model() string                  { return "llama3" }

func newTestServer(t *testing.T) (*Server, *Store) {
	t.Helper()
	st := newTestStore(t)
	eng := newTestEngine(st, staticCollector(errsFor("app", "no space left on device")), &fakeRunner{succeed: true}, &recordingNotifier{}, 10)
	sched := NewScheduler(eng, time.Hour)
	return NewServer(eng, st, sched, &fakeInference{reachable: true}), st
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rdr *strings.Reader
	if body == "" {
		rdr = strings.NewReader("{}")
	} else {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rec, body := doJSON(t, srv.Routes(), http.MethodGet, "/api/v1/ai/status", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["running"])
	assert.Equal(t, true, body["inference_reachable"])
	assert.Equal(t, "llama3", body["model"])
	assert.Equal(t, float64(10), body["hourly_budget_remaining"])
}

func TestAnalyzeNowReturnsRun(t *testing.T) {
	srv, _ := newTestServer(t)
	rec, body := doJSON(t, srv.Routes(), http.MethodPost, "/api/v1/ai/analyze-now", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, core.RunStatusCompleted, body["status"])
	assert.Equal(t, float64(1), body["errors_found"])
	assert.Equal(t, float64(1), body["auto_fixed"])
}

func TestApproveEndpointStatusCodes(t *testing.T) {
	srv, st := newTestServer(t)
	router := srv.Routes()

	rec, _ := doJSON(t, router, http.MethodPost, "/api/v1/ai/escalations/missing/approve", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	esc, _, err := st.CreateEscalation(context.Background(), "run-1", core.Decision{
		Tier: core.TierSuggest, Action: "check_memory", Service: "postgres",
	}, "oom")
	require.NoError(t, err)

	rec, body := doJSON(t, router, http.MethodPost, "/api/v1/ai/escalations/"+esc.ID+"/approve", `{"resolved_by":"alex"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["action_success"])

	// Already resolved.
	rec, _ = doJSON(t, router, http.MethodPost, "/api/v1/ai/escalations/"+esc.ID+"/approve", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListEscalationsFiltersByStatus(t *testing.T) {
	srv, st := newTestServer(t)
	router := srv.Routes()

	ctx := context.Background()
	esc, _, err := st.CreateEscalation(ctx, "run-1", core.Decision{
		Tier: core.TierSuggest, Action: "restart_service", Service: "caddy",
	}, "")
	require.NoError(t, err)
	_, _, err = st.CreateEscalation(ctx, "run-1", core.Decision{
		Tier: core.TierEscalate, Action: "investigate", Service: "sshd",
	}, "")
	require.NoError(t, err)
	_, err = st.ResolveEscalation(ctx, esc.ID, core.EscalationRejected, "alex")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/ai/escalations?status=pending", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var escs []core.Escalation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &escs))
	require.Len(t, escs, 1)
	assert.Equal(t, "sshd", escs[0].Service)
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rec, body := doJSON(t, srv.Routes(), http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}
