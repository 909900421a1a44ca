package backend_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/agent_phone/pkg/backend"
)

func TestFetchAgentStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/agent-status/1001", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(backend.AgentStatus{
			Extension:   "1001",
			DeviceState: "NOT_INUSE",
			Registered:  true,
			ContactURI:  "sip:1001@10.0.0.5",
		})
	}))
	defer srv.Close()

	c, err := backend.NewClient(srv.URL+"/api", "tok")
	require.NoError(t, err)

	st, err := c.FetchAgentStatus(context.Background(), "1001")
	require.NoError(t, err)
	assert.Equal(t, "NOT_INUSE", st.DeviceState)
	assert.True(t, st.Registered)
}

func TestSetPresence(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/agent-presence", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, err := backend.NewClient(srv.URL+"/api", "")
	require.NoError(t, err)

	require.NoError(t, c.SetPresence(context.Background(), "1001", true))
	assert.Equal(t, "1001", got["extension"])
	assert.Equal(t, true, got["paused"])
}

func TestNotifyLogoutErrorSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "agent unknown", http.StatusNotFound)
	}))
	defer srv.Close()

	c, err := backend.NewClient(srv.URL, "")
	require.NoError(t, err)

	err = c.NotifyLogout(context.Background(), "9999")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent unknown")
}

func TestFetchRoster(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/agent-status", r.URL.Path)
		json.NewEncoder(w).Encode([]backend.AgentStatus{
			{Extension: "1001", DeviceState: "NOT_INUSE"},
			{Extension: "1002", DeviceState: "INUSE"},
		})
	}))
	defer srv.Close()

	c, err := backend.NewClient(srv.URL, "")
	require.NoError(t, err)

	roster, err := c.FetchRoster(context.Background())
	require.NoError(t, err)
	require.Len(t, roster, 2)
	assert.Equal(t, "INUSE", roster[1].DeviceState)
}

func TestDispatcher(t *testing.T) {
	d := backend.NewDispatcher()

	var seen []string
	d.Register("statusChange", func(m backend.Message) error {
		seen = append(seen, string(m.Body))
		return nil
	})

	d.Dispatch(backend.Message{Name: "statusChange", Body: json.RawMessage(`{"a":1}`)})
	d.Dispatch(backend.Message{Name: "unknown", Body: nil}) // молча отброшено

	require.Len(t, seen, 1)
	assert.JSONEq(t, `{"a":1}`, seen[0])
}
