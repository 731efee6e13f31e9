package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inercia/relay/internal/logging"
	"github.com/inercia/relay/internal/metrics"
	"github.com/inercia/relay/internal/protocol"
)

// WSConn wraps a WebSocket connection with a buffered, non-blocking send
// queue and ping keepalive.
type WSConn struct {
	id       string
	conn     *websocket.Conn
	send     chan []byte
	config   WebSocketSecurityConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics
	clientIP string
	tracker  *ConnectionTracker

	overflow sync.Once
}

// WSConnConfig describes a new WSConn.
type WSConnConfig struct {
	ID       string
	Conn     *websocket.Conn
	Config   WebSocketSecurityConfig
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	ClientIP string
	Tracker  *ConnectionTracker
	// SendSize is the send buffer length (default 256).
	SendSize int
}

func NewWSConn(cfg WSConnConfig) *WSConn {
	sendSize := cfg.SendSize
	if sendSize <= 0 {
		sendSize = 256
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Web()
	}
	configureWebSocketConn(cfg.Conn, cfg.Config)
	return &WSConn{
		id:       cfg.ID,
		conn:     cfg.Conn,
		send:     make(chan []byte, sendSize),
		config:   cfg.Config,
		logger:   logger,
		metrics:  cfg.Metrics,
		clientIP: cfg.ClientIP,
		tracker:  cfg.Tracker,
	}
}

// Send queues an outbound message. It never blocks; when the buffer is full
// the message is dropped and the connection is closed, so the client
// reconnects and reloads its state instead of missing events silently.
func (w *WSConn) Send(out protocol.Outbound) {
	data, err := json.Marshal(out)
	if err != nil {
		w.logger.Error("failed to encode outbound message", "error", err)
		return
	}
	w.SendRaw(data)
}

// SendRaw queues already encoded bytes. It never blocks.
func (w *WSConn) SendRaw(data []byte) {
	select {
	case w.send <- data:
	default:
		w.metrics.MessageDropped()
		w.overflow.Do(func() {
			w.logger.Warn("WebSocket send buffer full, closing connection")
			if w.conn != nil {
				w.conn.Close()
			}
		})
	}
}

func (w *WSConn) Close() error {
	return w.conn.Close()
}

// ReleaseConnectionSlot returns the connection's slot to the tracker.
func (w *WSConn) ReleaseConnectionSlot() {
	if w.tracker != nil && w.clientIP != "" {
		w.tracker.Remove(w.clientIP)
	}
}

// WritePump writes queued messages and pings until ctx is done or a write
// fails. done is closed on exit.
func (w *WSConn) WritePump(ctx context.Context, done chan struct{}) {
	ticker := time.NewTicker(w.config.PingPeriod)
	defer func() {
		ticker.Stop()
		w.conn.Close()
		if done != nil {
			close(done)
		}
	}()

	for {
		select {
		case message := <-w.send:
			w.conn.SetWriteDeadline(time.Now().Add(w.config.WriteWait))
			if err := w.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			w.conn.SetWriteDeadline(time.Now().Add(w.config.WriteWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			w.conn.SetWriteDeadline(time.Now().Add(w.config.WriteWait))
			w.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}

// ReadMessage reads the next message.
func (w *WSConn) ReadMessage() ([]byte, error) {
	_, message, err := w.conn.ReadMessage()
	return message, err
}
