package llm

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

func serveGenerate(t *testing.T, inner string, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)

		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		assert.Equal(t, "json", req.Format)
		assert.LessOrEqual(t, req.Options.Temperature, 0.1)

		w.WriteHeader(status)
		json.NewEncoder(w).Encode(generateResponse{Response: inner})
	}))
}

func sampleErrors() []core.ErrorRecord {
	return []core.ErrorRecord{{
		Service:   "caddy",
		Severity:  "error",
		Timestamp: time.Now().UTC(),
		Message:   "upstream unreachable",
	}}
}

func TestClassifyParsesDecision(t *testing.T) {
	srv := serveGenerate(t, `{"tier":"tier1_auto","action":"restart_service","confidence":0.92,"reasoning":"upstream died","service":"caddy","error_pattern":"upstream_down"}`, http.StatusOK)
	defer srv.Close()

	d := NewClient(srv.URL, "llama3").Classify(context.Background(), "caddy", sampleErrors())
	require.NotNil(t, d)
	assert.Equal(t, core.TierAuto, d.Tier)
	assert.Equal(t, "restart_service", d.Action)
	assert.Equal(t, 0.92, d.Confidence)
	assert.Equal(t, "caddy", d.Service)
}

func TestClassifyFillsDefaults(t *testing.T) {
	srv := serveGenerate(t, `{"reasoning":"unclear"}`, http.StatusOK)
	defer srv.Close()

	d := NewClient(srv.URL, "llama3").Classify(context.Background(), "caddy", sampleErrors())
	require.NotNil(t, d)
	assert.Equal(t, core.TierEscalate, d.Tier)
	assert.Equal(t, "investigate", d.Action)
	assert.Equal(t, 0.5, d.Confidence)
	assert.Equal(t, "caddy", d.Service)
}

func TestClassifyMalformedReplyIsNil(t *testing.T) {
	srv := serveGenerate(t, `this is not json`, http.StatusOK)
	defer srv.Close()

	assert.Nil(t, NewClient(srv.URL, "llama3").Classify(context.Background(), "caddy", sampleErrors()))
}

func TestClassifyNon2xxIsNil(t *testing.T) {
	srv := serveGenerate(t, `{}`, http.StatusInternalServerError)
	defer srv.Close()

	assert.Nil(t, NewClient(srv.URL, "llama3").Classify(context.Background(), "caddy", sampleErrors()))
}

func TestClassifyUnreachableTripsBreaker(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "llama3")
	for i := 0; i < 4; i++ {
		assert.Nil(t, c.Classify(context.Background(), "caddy", sampleErrors()))
	}
	// Breaker is now open; calls are rejected without dialing.
	start := time.Now()
	assert.Nil(t, c.Classify(context.Background(), "caddy", sampleErrors()))
	assert.Less(t, time.Since(start), time.Second)
}

func TestDigestCapsRecords(t *testing.T) {
	var errs []core.ErrorRecord
	for i := 0; i < 20; i++ {
		errs = append(errs, core.ErrorRecord{Severity: "error", Message: "boom", Timestamp: time.Now()})
	}
	digest := Digest(errs, 10)
	assert.Len(t, strings.Split(strings.TrimRight(digest, "\n"), "\n"), 10)
}
