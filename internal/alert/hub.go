package alert

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const hubWriteTimeout = 5 * time.Second

// subscriber serialises writes to one connection; gorilla connections
// support only one concurrent writer.
type subscriber struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// Hub manages dashboard WebSocket connections and broadcasts alerts to them.
type Hub struct {
	mu    sync.RWMutex
	conns map[*websocket.Conn]*subscriber
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[*websocket.Conn]*subscriber)}
}

// Subscribe registers a connection.
func (h *Hub) Subscribe(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = &subscriber{conn: conn}
}

// Unsubscribe removes a connection.
func (h *Hub) Unsubscribe(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, conn)
}

// Broadcast sends an alert to every subscriber. Failed writes are logged;
// the read loop owning the connection unsubscribes it.
func (h *Hub) Broadcast(rec Record) {
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.conns))
	for _, s := range h.conns {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	if len(subs) == 0 {
		return
	}

	// Serialize once
	data, err := json.Marshal(rec)
	if err != nil {
		slog.Error("failed to marshal alert", "error", err, "alert_id", rec.ID)
		return
	}

	for _, s := range subs {
		s.mu.Lock()
		_ = s.conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
		err := s.conn.WriteMessage(websocket.TextMessage, data)
		s.mu.Unlock()
		if err != nil {
			slog.Warn("failed to send alert to websocket",
				"error", err,
				"alert_id", rec.ID,
			)
		}
	}
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
