package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"command-relay/internal/notify"
)

const writeWait = 10 * time.Second

// SnapshotFunc builds the message sent to a subscriber right after it connects
type SnapshotFunc func(ctx context.Context) (any, error)

type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

// Manager manages WebSocket subscribers and broadcasts lifecycle events.
// It is a notify.Sink.
type Manager struct {
	clients   map[*conn]bool
	clientsMu sync.Mutex
	snapshot  SnapshotFunc
	log       logrus.FieldLogger
}

var _ notify.Sink = (*Manager)(nil)

// New creates a new WebSocket manager
func New(log logrus.FieldLogger, snapshot SnapshotFunc) *Manager {
	return &Manager{
		clients:  make(map[*conn]bool),
		snapshot: snapshot,
		log:      log.WithField("component", "websocket"),
	}
}

// AddClient adds a new WebSocket subscriber
func (m *Manager) AddClient(ws *websocket.Conn) {
	c := &conn{ws: ws}

	m.clientsMu.Lock()
	m.clients[c] = true
	total := len(m.clients)
	m.clientsMu.Unlock()

	m.log.Infof("[WEBSOCKET] New subscriber connected. Total subscribers: %d", total)

	if m.snapshot != nil {
		if snap, err := m.snapshot(context.Background()); err != nil {
			m.log.WithError(err).Warn("[WEBSOCKET] Failed to build snapshot")
		} else if err := c.writeJSON(snap); err != nil {
			m.log.WithError(err).Warn("[WEBSOCKET] Failed to send snapshot")
		}
	}

	// Subscribers only listen; reading detects disconnects.
	go func() {
		defer m.remove(c)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (m *Manager) remove(c *conn) {
	m.clientsMu.Lock()
	if !m.clients[c] {
		m.clientsMu.Unlock()
		return
	}
	delete(m.clients, c)
	total := len(m.clients)
	m.clientsMu.Unlock()

	c.ws.Close()
	m.log.Infof("[WEBSOCKET] Subscriber disconnected. Total subscribers: %d", total)
}

func (m *Manager) Name() string { return "websocket" }

// Deliver sends evt to every connected subscriber
func (m *Manager) Deliver(_ context.Context, evt notify.Event) error {
	m.clientsMu.Lock()
	targets := make([]*conn, 0, len(m.clients))
	for c := range m.clients {
		targets = append(targets, c)
	}
	m.clientsMu.Unlock()

	for _, c := range targets {
		if err := c.writeJSON(evt); err != nil {
			m.log.WithError(err).Warn("[WEBSOCKET] Failed to send update")
			m.remove(c)
		}
	}
	return nil
}

// ClientCount returns the number of connected subscribers
func (m *Manager) ClientCount() int {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	return len(m.clients)
}
