package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/inercia/relay/internal/logging"
)

var (
	// ErrNotConnected is returned by Send while the socket is reconnecting.
	ErrNotConnected = errors.New("socket not connected")
	// ErrDisconnected fails requests whose reply was lost with the connection.
	ErrDisconnected = errors.New("connection lost before reply")
)

// Request is a control message sent to the server.
type Request struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Mode      string `json:"mode,omitempty"`
	Value     string `json:"value,omitempty"`
	Approved  bool   `json:"approved,omitempty"`
	ToolID    string `json:"tool_id,omitempty"`
	Answer    string `json:"answer,omitempty"`
	BashID    string `json:"bash_id,omitempty"`
}

// Event is any event the server sends: stream events, acks, errors and
// background process lists share one flat shape.
type Event struct {
	Type         string              `json:"type"`
	Text         string              `json:"text,omitempty"`
	ToolID       string              `json:"tool_id,omitempty"`
	Status       string              `json:"status,omitempty"`
	Options      []string            `json:"options,omitempty"`
	StopReason   string              `json:"stop_reason,omitempty"`
	Code         string              `json:"code,omitempty"`
	Message      string              `json:"message,omitempty"`
	TimedOut     bool                `json:"timed_out,omitempty"`
	Stalled      bool                `json:"stalled,omitempty"`
	Resumed      bool                `json:"resumed,omitempty"`
	Kind         string              `json:"kind,omitempty"`
	Value        string              `json:"value,omitempty"`
	Reason       string              `json:"reason,omitempty"`
	Seq          int64               `json:"seq,omitempty"`
	RequestID    string              `json:"request_id,omitempty"`
	Result       json.RawMessage     `json:"result,omitempty"`
	ConnectionID string              `json:"connection_id,omitempty"`
	Processes    []BackgroundProcess `json:"processes,omitempty"`
}

// Envelope is one server message.
type Envelope struct {
	SessionID string `json:"session_id"`
	Event     Event  `json:"event"`
}

// ServerError is an error event answering a request.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return e.Code + ": " + e.Message
}

// SocketCallbacks receive socket activity. They are invoked from the socket's
// read goroutine and must not block.
type SocketCallbacks struct {
	// OnEvent receives every message that is not the reply to a Request.
	OnEvent func(Envelope)
	// OnConnected is called after every successful (re)connection.
	OnConnected func(connectionID string)
	// OnDisconnected is called when an established connection drops.
	OnDisconnected func(err error)
}

// Socket is the single multiplexed WebSocket connection. Run keeps it
// connected, reconnecting with exponential backoff.
type Socket struct {
	url        string
	callbacks  SocketCallbacks
	logger     *slog.Logger
	dialer     *websocket.Dialer
	newBackOff func() backoff.BackOff

	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	ready   chan struct{}
	pending map[string]chan Envelope
}

// SocketOption configures a Socket.
type SocketOption func(*Socket)

// WithBackOff replaces the reconnect policy.
func WithBackOff(f func() backoff.BackOff) SocketOption {
	return func(s *Socket) { s.newBackOff = f }
}

// Socket creates the multiplexed socket of c. Call Run to connect.
func (c *Client) Socket(callbacks SocketCallbacks, opts ...SocketOption) (*Socket, error) {
	u, err := c.socketURL()
	if err != nil {
		return nil, err
	}
	s := &Socket{
		url:        u,
		callbacks:  callbacks,
		logger:     logging.Client(),
		dialer:     websocket.DefaultDialer,
		newBackOff: defaultBackOff,
		ready:      make(chan struct{}),
		pending:    make(map[string]chan Envelope),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0.5
	b.Reset()
	return b
}

// Run connects and serves the socket until ctx is cancelled. Dropped
// connections are re-established; Run returns early only when reconnecting
// gives up under the configured backoff policy.
func (s *Socket) Run(ctx context.Context) error {
	for {
		conn, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("connect %s: %w", s.url, err)
		}

		err = s.serve(ctx, conn)
		s.disconnected()
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Warn("socket disconnected, reconnecting", "error", err)
		if s.callbacks.OnDisconnected != nil {
			s.callbacks.OnDisconnected(err)
		}
	}
}

func (s *Socket) connect(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	op := func() error {
		c, _, err := s.dialer.DialContext(ctx, s.url, nil)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Debug("socket dial failed", "error", err, "retry_in", wait)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(s.newBackOff(), ctx), notify); err != nil {
		return nil, err
	}
	return conn, nil
}

// serve reads messages until the connection fails or ctx is done.
func (s *Socket) serve(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() {
		s.writeMu.Lock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		conn.Close()
	})
	defer stop()
	defer conn.Close()

	first := true
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		if first {
			first = false
			s.connected(conn)
			if s.callbacks.OnConnected != nil {
				s.callbacks.OnConnected(env.Event.ConnectionID)
			}
			if env.Event.Type == "connected" {
				continue
			}
		}
		if s.deliver(env) {
			continue
		}
		if s.callbacks.OnEvent != nil {
			s.callbacks.OnEvent(env)
		}
	}
}

func (s *Socket) connected(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	close(s.ready)
}

// disconnected fails every pending request and re-arms the ready signal.
func (s *Socket) disconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return
	}
	s.conn = nil
	s.ready = make(chan struct{})
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
}

// deliver routes a reply to its waiting Request.
func (s *Socket) deliver(env Envelope) bool {
	switch env.Event.Type {
	case "ack", "error", "pong":
	default:
		return false
	}
	if env.Event.RequestID == "" {
		return false
	}
	s.mu.Lock()
	ch, ok := s.pending[env.Event.RequestID]
	delete(s.pending, env.Event.RequestID)
	s.mu.Unlock()
	if !ok {
		return false
	}
	ch <- env
	return true
}

// WaitConnected blocks until the socket is connected or ctx is done.
func (s *Socket) WaitConnected(ctx context.Context) error {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send writes req without waiting for a reply.
func (s *Socket) Send(req Request) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(req)
}

// Request sends req with a fresh request id and waits for its ack. An error
// event is returned as a *ServerError.
func (s *Socket) Request(ctx context.Context, req Request) (Event, error) {
	req.RequestID = uuid.NewString()
	ch := make(chan Envelope, 1)

	s.mu.Lock()
	s.pending[req.RequestID] = ch
	s.mu.Unlock()
	forget := func() {
		s.mu.Lock()
		delete(s.pending, req.RequestID)
		s.mu.Unlock()
	}

	if err := s.Send(req); err != nil {
		forget()
		return Event{}, err
	}

	select {
	case env, ok := <-ch:
		if !ok {
			return Event{}, ErrDisconnected
		}
		if env.Event.Type == "error" {
			return env.Event, &ServerError{Code: env.Event.Code, Message: env.Event.Message}
		}
		return env.Event, nil
	case <-ctx.Done():
		forget()
		return Event{}, ctx.Err()
	}
}
