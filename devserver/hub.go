package devserver

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const hubWriteWait = 5 * time.Second

// wsHub tracks the open WebSocket connections per canvas and fans messages
// out to them. Writes happen under the hub lock — fine at dev-server scale,
// where a canvas has a handful of subscribers.
type wsHub struct {
	mu    sync.Mutex
	conns map[string]map[*websocket.Conn]struct{}
}

func newWSHub() *wsHub {
	return &wsHub{conns: make(map[string]map[*websocket.Conn]struct{})}
}

func (h *wsHub) add(canvasID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[canvasID] == nil {
		h.conns[canvasID] = make(map[*websocket.Conn]struct{})
	}
	h.conns[canvasID][conn] = struct{}{}
}

func (h *wsHub) remove(canvasID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.conns[canvasID]; ok {
		delete(set, conn)
		if len(set) == 0 {
			delete(h.conns, canvasID)
		}
	}
	conn.Close()
}

// broadcast JSON-encodes v to every connection of the canvas. Connections
// that fail to accept the write are dropped.
func (h *wsHub) broadcast(canvasID string, v any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns[canvasID] {
		conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
		if err := conn.WriteJSON(v); err != nil {
			delete(h.conns[canvasID], conn)
			conn.Close()
		}
	}
}

// broadcastRaw sends a pre-encoded JSON frame to every connection.
func (h *wsHub) broadcastRaw(canvasID string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns[canvasID] {
		conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			delete(h.conns[canvasID], conn)
			conn.Close()
		}
	}
}
