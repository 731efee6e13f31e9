package web

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/inercia/relay/internal/background"
	"github.com/inercia/relay/internal/protocol"
	"github.com/inercia/relay/internal/stream"
)

// Hub fans outbound messages of every session out to every connected
// WebSocket. Clients pick the sessions they care about by session_id.
type Hub struct {
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[*WSConn]struct{}
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{logger: logger, conns: make(map[*WSConn]struct{})}
}

func (h *Hub) Register(c *WSConn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) Unregister(c *WSConn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

// Broadcast encodes out once and queues it on every connection.
func (h *Hub) Broadcast(out protocol.Outbound) {
	data, err := json.Marshal(out)
	if err != nil {
		h.logger.Error("failed to encode broadcast", "session_id", out.SessionID, "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.conns {
		c.SendRaw(data)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// PublishStream implements stream.Publisher.
func (h *Hub) PublishStream(sessionID string, ev stream.Event) {
	h.Broadcast(protocol.NewEvent(sessionID, ev))
}

// PublishBackground implements background.Publisher.
func (h *Hub) PublishBackground(sessionID string, records []background.Record) {
	h.Broadcast(protocol.NewBackgroundProcesses(sessionID, records))
}

var (
	_ stream.Publisher     = (*Hub)(nil).PublishStream
	_ background.Publisher = (*Hub)(nil).PublishBackground
)
