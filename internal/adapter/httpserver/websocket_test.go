package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backspacevenkat/x-orchestrator/internal/domain"
)

func TestHub_BroadcastJobUpdate_DeliversToConnectedClient(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.BroadcastJobUpdate("job-1", domain.JobCompleted, map[string]any{"ok": true})

	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev event
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, "job_update", ev.Type)
	assert.Equal(t, "job-1", ev.JobID)
	assert.Equal(t, string(domain.JobCompleted), ev.Status)
}

func TestHub_BroadcastQueueStatus_DeliversToConnectedClient(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.BroadcastQueueStatus("paused", "queue paused by operator")

	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev event
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, "queue_status", ev.Type)
	assert.Equal(t, "paused", ev.Status)
	assert.Equal(t, "queue paused by operator", ev.Message)
}

func TestHub_ClientDisconnect_Unregisters(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHub_SlowClientIsEvicted(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	c := &wsClient{hub: hub, send: make(chan []byte, 1)}
	hub.register <- c
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	// Never drain c.send: the first broadcast fills its 1-slot buffer, the second finds it
	// full and evicts the client per the slow-client path in Hub.Run.
	hub.BroadcastQueueStatus("s1", "m1")
	time.Sleep(20 * time.Millisecond)
	hub.BroadcastQueueStatus("s2", "m2")

	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}
