package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"aeternum/internal/protocol"
)

const writeWait = 5 * time.Second

// encodeEvent is used for every outbound frame; tests may replace it to force
// encode errors. Access is protected by encodeMu for race-safe test swaps.
var (
	encodeMu    sync.RWMutex
	encodeEvent = protocol.Encode
)

// client is one attached dashboard. Writes are serialized so the handler and
// broadcasts can share the connection.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(ev protocol.Event) error {
	encodeMu.RLock()
	encode := encodeEvent
	encodeMu.RUnlock()
	data, err := encode(ev)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub tracks attached clients for broadcasts.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	logger  *slog.Logger
}

func newHub(logger *slog.Logger) *Hub {
	return &Hub{clients: make(map[*client]struct{}), logger: logger}
}

func (h *Hub) add(c *client) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	return len(h.clients)
}

func (h *Hub) remove(c *client) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
	return len(h.clients)
}

// Count returns the number of attached clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends ev to every client and returns how many accepted it.
// A client whose write fails is closed; its handler then removes it.
func (h *Hub) Broadcast(ev protocol.Event) int {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if err := c.send(ev); err != nil {
			h.logger.Debug("broadcast write failed", "kind", ev.Kind(), "error", err)
			_ = c.conn.Close()
			continue
		}
		sent++
	}
	return sent
}

// closeAll drops every client; hijacked connections survive http.Server.Shutdown otherwise.
func (h *Hub) closeAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = c.conn.Close()
	}
}
