package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"command-relay/internal/logger"
	"command-relay/internal/models"
	"command-relay/internal/notify"
)

func startServer(t *testing.T, m *Manager) string {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		m.AddClient(ws)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSubscriberReceivesSnapshotAndEvents(t *testing.T) {
	m := New(logger.Discard(), func(context.Context) (any, error) {
		return map[string]any{"event": "snapshot", "pending": 2}, nil
	})
	url := startServer(t, m)

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))

	var snap map[string]any
	require.NoError(t, ws.ReadJSON(&snap))
	assert.Equal(t, "snapshot", snap["event"])

	require.Eventually(t, func() bool { return m.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Deliver(context.Background(), notify.Event{
		Type:    notify.EventCompleted,
		Command: &models.Command{ID: "c-1", Status: models.StatusCompleted},
	}))

	var evt notify.Event
	require.NoError(t, ws.ReadJSON(&evt))
	assert.Equal(t, notify.EventCompleted, evt.Type)
	assert.Equal(t, "c-1", evt.Command.ID)
}

func TestDisconnectRemovesSubscriber(t *testing.T) {
	m := New(logger.Discard(), nil)
	url := startServer(t, m)

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return m.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	ws.Close()
	assert.Eventually(t, func() bool { return m.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}
