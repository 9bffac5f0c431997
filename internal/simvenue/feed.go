package simvenue

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/foundryfi/titan-core/internal/dispatcher"
)

// Hub fans out simulated fills both to in-process subscribers (used by
// SubscribeFills) and to external gorilla/websocket clients, grounded
// on the teacher's kraken_adapter.go websocket fan-out pattern.
type Hub struct {
	mu          sync.Mutex
	subscribers []func(dispatcher.Ack)
	conns       map[*websocket.Conn]struct{}

	upgrader websocket.Upgrader
}

func NewHub() *Hub {
	return &Hub{
		conns: make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 5 * time.Second,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}
}

// Subscribe registers an in-process handler, returning an unsubscribe func.
func (h *Hub) Subscribe(handler func(dispatcher.Ack)) func() {
	h.mu.Lock()
	idx := len(h.subscribers)
	h.subscribers = append(h.subscribers, handler)
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if idx < len(h.subscribers) {
			h.subscribers[idx] = nil
		}
	}
}

// Broadcast delivers ack to every in-process subscriber and every
// connected websocket client.
func (h *Hub) Broadcast(ack dispatcher.Ack) {
	h.mu.Lock()
	subs := append([]func(dispatcher.Ack){}, h.subscribers...)
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		if sub != nil {
			sub(ack)
		}
	}

	data, err := json.Marshal(ack)
	if err != nil {
		return
	}
	for _, c := range conns {
		if writeErr := c.WriteMessage(websocket.TextMessage, data); writeErr != nil {
			h.removeConn(c)
		}
	}
}

func (h *Hub) removeConn(c *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	c.Close()
}

// ServeHTTP upgrades a connection and registers it as a fill feed
// listener, for external test tooling that wants to watch simulated
// fills over a real websocket.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()

	// Drain and discard client frames so ping/pong and close handshakes
	// proceed correctly; this feed is broadcast-only.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.removeConn(conn)
				return
			}
		}
	}()
}
