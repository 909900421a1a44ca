package backend_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/agent_phone/pkg/backend"
	"github.com/arzzra/agent_phone/pkg/connection"
	"github.com/arzzra/agent_phone/pkg/guard"
)

var upgrader = websocket.Upgrader{}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSClientDispatchesPushMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		msg := backend.Message{Name: "extension:status", Body: json.RawMessage(`{"extension":"1002","device_state":"INUSE"}`)}
		require.NoError(t, conn.WriteJSON(msg))
		// Держим соединение, пока клиент не закроется.
		conn.ReadMessage()
	}))
	defer srv.Close()

	var mu sync.Mutex
	var got []backend.Message
	d := backend.NewDispatcher()
	d.Register("extension:status", func(m backend.Message) error {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
		return nil
	})

	sess := guard.NewSessionContext()
	c := backend.NewWSClient(backend.WSOptions{
		Session:    sess,
		URL:        wsURL(srv),
		Token:      "tok",
		Dispatcher: d,
	})
	c.Start()
	defer c.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.JSONEq(t, `{"extension":"1002","device_state":"INUSE"}`, string(got[0].Body))
}

func TestWSClientReconnects(t *testing.T) {
	var mu sync.Mutex
	conns := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		mu.Lock()
		conns++
		first := conns == 1
		mu.Unlock()
		if first {
			// Первое соединение рвем сразу, проверяя переподключение.
			conn.Close()
			return
		}
		defer conn.Close()
		conn.ReadMessage()
	}))
	defer srv.Close()

	sess := guard.NewSessionContext()
	down := make(chan struct{}, 4)
	c := backend.NewWSClient(backend.WSOptions{
		Session:    sess,
		URL:        wsURL(srv),
		Dispatcher: backend.NewDispatcher(),
		Backoff:    connection.Backoff{Base: 5 * time.Millisecond, Cap: 20 * time.Millisecond},
		OnDown:     func(error) { down <- struct{}{} },
	})
	c.Start()
	defer c.Close()

	select {
	case <-down:
	case <-time.After(2 * time.Second):
		t.Fatal("connection loss not reported")
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return conns >= 2
	}, 2*time.Second, 10*time.Millisecond, "client must reconnect after a drop")
}

func TestWSClientStopsOnLogout(t *testing.T) {
	var mu sync.Mutex
	conns := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		mu.Lock()
		conns++
		mu.Unlock()
		defer conn.Close()
		conn.ReadMessage()
	}))
	defer srv.Close()

	sess := guard.NewSessionContext()
	c := backend.NewWSClient(backend.WSOptions{
		Session:    sess,
		URL:        wsURL(srv),
		Dispatcher: backend.NewDispatcher(),
		Backoff:    connection.Backoff{Base: time.Millisecond, Cap: 2 * time.Millisecond},
	})
	c.Start()
	defer c.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return conns == 1
	}, 2*time.Second, 10*time.Millisecond)

	sess.BeginLogout()
	c.Close()

	mu.Lock()
	before := conns
	mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	after := conns
	mu.Unlock()
	assert.Equal(t, before, after, "no reconnects after logout")
}
