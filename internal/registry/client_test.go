package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRegisterAndHeartbeat(t *testing.T) {
	var registered, heartbeats int
	var lastHeartbeat map[string]bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/beacons/register":
			registered++
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "b1", body["beacon_id"])
			assert.Equal(t, "http://10.0.0.5:8044", body["engine_url"])
		case "/api/v1/beacons/b1/heartbeat":
			heartbeats++
			require.NoError(t, json.NewDecoder(r.Body).Decode(&lastHeartbeat))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "b1", "b1.example.com", "http://10.0.0.5:8044", "1.2.0",
		time.Minute, func() bool { return false })

	require.NoError(t, c.Register(context.Background()))
	require.NoError(t, c.Heartbeat(context.Background()))

	assert.Equal(t, 1, registered)
	assert.Equal(t, 1, heartbeats)
	assert.Equal(t, false, lastHeartbeat["engine_running"])
}

func TestClientSurfacesGatewayErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "b1", "", "http://10.0.0.5:8044", "", time.Minute, func() bool { return true })
	assert.Error(t, c.Register(context.Background()))
}

func TestClientStartStopIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "b1", "", "http://10.0.0.5:8044", "", time.Hour, func() bool { return true })
	c.Start()
	c.Start()
	c.Stop()
	c.Stop()
}
