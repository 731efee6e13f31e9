package web

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/inercia/relay/internal/protocol"
)

// handleWebSocket handles GET /api/ws, the single socket every session's
// control messages and events travel over.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.IsShutdown() {
		writeErrorJSON(w, http.StatusServiceUnavailable, "unavailable", "server shutting down")
		return
	}

	ip := clientIP(r)
	if !s.connectionTracker.TryAdd(ip) {
		s.logger.Warn("WebSocket connection limit reached", "client_ip", ip)
		writeErrorJSON(w, http.StatusTooManyRequests, protocol.CodeRateLimited, "too many connections")
		return
	}

	upgrader := newUpgrader(s.wsSecurityConfig)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.connectionTracker.Remove(ip)
		s.logger.Warn("WebSocket upgrade failed", "client_ip", ip, "error", err)
		return
	}

	connID := uuid.NewString()
	wsConn := NewWSConn(WSConnConfig{
		ID:       connID,
		Conn:     conn,
		Config:   s.wsSecurityConfig,
		Logger:   s.logger.With("conn_id", connID, "client_ip", ip),
		Metrics:  s.metrics,
		ClientIP: ip,
		Tracker:  s.connectionTracker,
	})
	s.hub.Register(wsConn)
	s.metrics.ConnectionOpened()
	wsConn.logger.Debug("WebSocket connected")

	connCtx, cancel := context.WithCancel(s.ctx)
	writerDone := make(chan struct{})
	go wsConn.WritePump(connCtx, writerDone)

	defer func() {
		s.hub.Unregister(wsConn)
		cancel()
		<-writerDone
		wsConn.ReleaseConnectionSlot()
		s.metrics.ConnectionClosed()
		wsConn.logger.Debug("WebSocket disconnected")
	}()

	wsConn.Send(protocol.Outbound{Event: protocol.Connected{Type: protocol.EventConnected, ConnectionID: connID}})
	s.readLoop(wsConn)
}

// readLoop parses inbound messages and hands them to the dispatcher until the
// connection fails.
func (s *Server) readLoop(c *WSConn) {
	limiter := newMessageLimiter(s.wsSecurityConfig)
	for {
		data, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("WebSocket read error", "error", err)
			}
			return
		}

		msg, err := protocol.ParseInbound(data)
		if err != nil {
			c.Send(protocol.NewError(msg, err))
			continue
		}
		if !limiter.Allow() {
			c.logger.Warn("control message rate limit exceeded", "type", msg.Type, "session_id", msg.SessionID)
			s.metrics.ControlMessage(msg.Type, protocol.CodeRateLimited)
			c.Send(protocol.NewError(msg, protocol.ErrRateLimited))
			continue
		}
		s.dispatcher.Dispatch(msg, c.Send)
	}
}
