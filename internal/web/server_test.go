package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inercia/relay/internal/agent"
	"github.com/inercia/relay/internal/config"
	"github.com/inercia/relay/internal/metrics"
	"github.com/inercia/relay/internal/session"
)

const testTimeout = 3 * time.Second

// scriptedProcess replies according to its prompt:
// "wait" streams until aborted, "bg" starts a background shell and waits,
// anything else answers once and finishes.
type scriptedProcess struct {
	mu     sync.Mutex
	events chan agent.Event
	closed bool
}

func (p *scriptedProcess) Events() <-chan agent.Event { return p.events }

func (p *scriptedProcess) emit(evs ...agent.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ev := range evs {
		if p.closed {
			return
		}
		p.events <- ev
		if ev.Kind.Terminal() {
			p.closed = true
			close(p.events)
		}
	}
}

func (p *scriptedProcess) Abort(ctx context.Context) error {
	p.emit(agent.Event{Kind: agent.EventDone, StopReason: "cancelled"})
	return nil
}

func (p *scriptedProcess) Inject(ctx context.Context, c agent.Control) error { return nil }

func (p *scriptedProcess) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.events)
	}
	return nil
}

type scriptedSpawner struct {
	mu     sync.Mutex
	spawns []agent.SpawnOptions
	killed []string
}

func (s *scriptedSpawner) Spawn(ctx context.Context, opts agent.SpawnOptions) (agent.Process, error) {
	s.mu.Lock()
	s.spawns = append(s.spawns, opts)
	s.mu.Unlock()

	p := &scriptedProcess{events: make(chan agent.Event, 16)}
	switch opts.Prompt {
	case "wait":
		p.emit(agent.Event{Kind: agent.EventText, Text: "thinking"})
	case "bg":
		opts.Background.BackgroundStarted(opts.SessionID, "bash-1", "sleep 100")
		p.emit(agent.Event{Kind: agent.EventText, Text: "started shell"})
	default:
		p.emit(
			agent.Event{Kind: agent.EventText, Text: "hi there"},
			agent.Event{Kind: agent.EventContinuation, ContinuationID: "cont-1"},
			agent.Event{Kind: agent.EventDone, StopReason: "end_turn"},
		)
	}
	return p, nil
}

func (s *scriptedSpawner) KillBackground(ctx context.Context, bashID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killed = append(s.killed, bashID)
	return nil
}

type testServer struct {
	server  *Server
	http    *httptest.Server
	store   *session.Store
	spawner *scriptedSpawner
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	store, err := session.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.Stream.StopGrace = 500 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}
	spawner := &scriptedSpawner{}
	srv, err := NewServer(Config{Settings: cfg, Store: store, Spawner: spawner, Metrics: metrics.New()})
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		srv.Shutdown(ctx)
		ts.Close()
		store.Close()
	})
	return &testServer{server: srv, http: ts, store: store, spawner: spawner}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	} else {
		r = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.http.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func (ts *testServer) createSession(t *testing.T, dir string) SessionView {
	t.Helper()
	resp := ts.do(t, "POST", "/api/sessions", map[string]string{"working_dir": dir})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session: status %d", resp.StatusCode)
	}
	return decodeBody[SessionView](t, resp)
}

func TestSessionAPI_CRUD(t *testing.T) {
	ts := newTestServer(t, nil)
	dir := t.TempDir()

	created := ts.createSession(t, dir)
	if created.ID == "" || created.WorkingDir != dir {
		t.Fatalf("created = %+v", created)
	}
	if created.Mode != config.DefaultMode {
		t.Errorf("Mode = %q, want default %q", created.Mode, config.DefaultMode)
	}

	resp := ts.do(t, "GET", "/api/sessions", nil)
	list := decodeBody[[]SessionView](t, resp)
	if len(list) != 1 || list[0].ID != created.ID {
		t.Fatalf("list = %+v", list)
	}

	resp = ts.do(t, "GET", "/api/sessions/"+created.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}

	resp = ts.do(t, "PUT", "/api/sessions/"+created.ID+"/name", map[string]string{"name": "renamed"})
	if got := decodeBody[SessionView](t, resp); got.Name != "renamed" {
		t.Errorf("Name = %q", got.Name)
	}

	resp = ts.do(t, "DELETE", "/api/sessions/"+created.ID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp = ts.do(t, "GET", "/api/sessions/"+created.ID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete status = %d", resp.StatusCode)
	}
}

func TestSessionAPI_Validation(t *testing.T) {
	ts := newTestServer(t, nil)
	sess := ts.createSession(t, t.TempDir())

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"missing dir", "POST", "/api/sessions", map[string]string{}, http.StatusBadRequest},
		{"relative dir", "POST", "/api/sessions", map[string]string{"working_dir": "rel/path"}, http.StatusBadRequest},
		{"missing dir on disk", "POST", "/api/sessions", map[string]string{"working_dir": "/does/not/exist/anywhere"}, http.StatusBadRequest},
		{"bad permission mode", "POST", "/api/sessions", map[string]string{"working_dir": t.TempDir(), "permission_mode": "yolo"}, http.StatusBadRequest},
		{"unknown agent", "POST", "/api/sessions", map[string]string{"working_dir": t.TempDir(), "agent": "nope"}, http.StatusBadRequest},
		{"empty name", "PUT", "/api/sessions/" + sess.ID + "/name", map[string]string{"name": "  "}, http.StatusBadRequest},
		{"unknown session", "GET", "/api/sessions/missing", nil, http.StatusNotFound},
		{"rename unknown", "PUT", "/api/sessions/missing/name", map[string]string{"name": "x"}, http.StatusNotFound},
		{"bad after", "GET", "/api/sessions/" + sess.ID + "/messages?after=-1", nil, http.StatusBadRequest},
		{"background unknown", "GET", "/api/sessions/missing/background", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.do(t, tt.method, tt.path, tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestSessionAPI_ChangeDirectoryClearsContinuation(t *testing.T) {
	ts := newTestServer(t, nil)
	dir := t.TempDir()
	sess := ts.createSession(t, dir)

	if _, err := ts.store.Update(sess.ID, session.Update{ContinuationID: session.Ptr("cont-9")}); err != nil {
		t.Fatal(err)
	}

	newDir := t.TempDir()
	resp := ts.do(t, "PUT", "/api/sessions/"+sess.ID+"/directory", map[string]string{"working_dir": newDir})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	got := decodeBody[SessionView](t, resp)
	if got.WorkingDir != newDir {
		t.Errorf("WorkingDir = %q, want %q", got.WorkingDir, newDir)
	}

	stored, err := ts.store.Get(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.ContinuationID != "" {
		t.Errorf("continuation survived directory change: %q", stored.ContinuationID)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, "GET", "/api/health", nil)
	body := decodeBody[map[string]any](t, resp)
	if body["status"] != "healthy" {
		t.Errorf("health = %v", body)
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing")
	}

	resp = ts.do(t, "GET", "/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	if !strings.Contains(buf.String(), "relay_ws_connections") {
		t.Error("metrics output lacks relay collectors")
	}
}

// wsClient reads outbound messages from the multiplexed socket.
type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

type outboundMsg struct {
	SessionID string         `json:"session_id"`
	Event     map[string]any `json:"event"`
}

func (ts *testServer) dial(t *testing.T) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	c := &wsClient{t: t, conn: conn}
	if ev := c.read(); ev.Event["type"] != "connected" {
		t.Fatalf("first message = %v", ev.Event)
	}
	return c
}

func (c *wsClient) send(msg map[string]any) {
	c.t.Helper()
	if err := c.conn.WriteJSON(msg); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *wsClient) read() outboundMsg {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(testTimeout))
	var out outboundMsg
	if err := c.conn.ReadJSON(&out); err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return out
}

// until reads messages until match returns true and returns everything read.
func (c *wsClient) until(match func(outboundMsg) bool) []outboundMsg {
	c.t.Helper()
	var got []outboundMsg
	for {
		msg := c.read()
		got = append(got, msg)
		if match(msg) {
			return got
		}
	}
}

func isEvent(sessionID, typ string) func(outboundMsg) bool {
	return func(m outboundMsg) bool {
		return m.SessionID == sessionID && m.Event["type"] == typ
	}
}

func TestWebSocket_ChatRoundTrip(t *testing.T) {
	ts := newTestServer(t, nil)
	sess := ts.createSession(t, t.TempDir())
	c := ts.dial(t)

	c.send(map[string]any{"type": "chat", "session_id": sess.ID, "request_id": "r1", "text": "hello"})

	sawAck, sawDone := false, false
	msgs := c.until(func(m outboundMsg) bool {
		if m.Event["type"] == "ack" && m.Event["request_id"] == "r1" {
			sawAck = true
		}
		if isEvent(sess.ID, "done")(m) {
			sawDone = true
		}
		return sawAck && sawDone
	})

	var order []string
	for _, m := range msgs {
		if m.SessionID == sess.ID && m.Event["type"] != "ack" {
			order = append(order, m.Event["type"].(string))
		}
	}
	want := []string{"started", "text", "done"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("event order = %v, want %v", order, want)
	}

	resp := ts.do(t, "GET", "/api/sessions/"+sess.ID+"/messages", nil)
	stored := decodeBody[[]session.Message](t, resp)
	if len(stored) != 2 || stored[0].Role != session.RoleUser || stored[1].Text != "hi there" {
		t.Errorf("messages = %+v", stored)
	}

	got, err := ts.store.Get(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ContinuationID != "cont-1" || got.ContinuationDir != sess.WorkingDir {
		t.Errorf("continuation = %q in %q", got.ContinuationID, got.ContinuationDir)
	}
}

func containsType(msgs []outboundMsg, typ string) bool {
	for _, m := range msgs {
		if m.Event["type"] == typ {
			return true
		}
	}
	return false
}

func TestWebSocket_BusyAndStop(t *testing.T) {
	ts := newTestServer(t, nil)
	sess := ts.createSession(t, t.TempDir())
	c := ts.dial(t)

	c.send(map[string]any{"type": "chat", "session_id": sess.ID, "request_id": "r1", "text": "wait"})
	c.until(func(m outboundMsg) bool { return m.Event["type"] == "ack" && m.Event["request_id"] == "r1" })

	c.send(map[string]any{"type": "chat", "session_id": sess.ID, "request_id": "r2", "text": "again"})
	msgs := c.until(func(m outboundMsg) bool { return m.Event["request_id"] == "r2" })
	last := msgs[len(msgs)-1]
	if last.Event["type"] != "error" || last.Event["code"] != "busy" {
		t.Fatalf("second chat reply = %v, want busy error", last.Event)
	}

	c.send(map[string]any{"type": "stop_generation", "session_id": sess.ID, "request_id": "r3"})
	msgs = c.until(func(m outboundMsg) bool { return m.Event["request_id"] == "r3" })
	if !containsType(msgs, "cancelled") {
		msgs = append(msgs, c.until(isEvent(sess.ID, "cancelled"))...)
	}
	for _, m := range msgs {
		if m.SessionID == sess.ID && m.Event["type"] == "done" {
			t.Errorf("done delivered after stop: %v", m.Event)
		}
	}

	resp := ts.do(t, "GET", "/api/streams", nil)
	if active := decodeBody[[]map[string]any](t, resp); len(active) != 0 {
		t.Errorf("active streams after stop = %v", active)
	}
}

func TestWebSocket_MultiplexesSessions(t *testing.T) {
	ts := newTestServer(t, nil)
	a := ts.createSession(t, t.TempDir())
	b := ts.createSession(t, t.TempDir())
	c := ts.dial(t)

	c.send(map[string]any{"type": "chat", "session_id": a.ID, "text": "wait"})
	c.send(map[string]any{"type": "chat", "session_id": b.ID, "text": "hello"})

	msgs := c.until(isEvent(b.ID, "done"))
	for _, m := range msgs {
		if m.SessionID == a.ID && (m.Event["type"] == "done" || m.Event["type"] == "cancelled") {
			t.Errorf("session %s ended unexpectedly: %v", a.ID, m.Event)
		}
	}
	if snap, ok := ts.server.Streams().Status(a.ID); !ok || snap.Status == "done" {
		t.Errorf("session a should still be streaming, got %+v %v", snap, ok)
	}
}

func TestWebSocket_BackgroundKill(t *testing.T) {
	ts := newTestServer(t, nil)
	sess := ts.createSession(t, t.TempDir())
	other := ts.createSession(t, t.TempDir())
	c := ts.dial(t)

	c.send(map[string]any{"type": "chat", "session_id": sess.ID, "text": "bg"})
	c.until(isEvent(sess.ID, "background_processes"))

	resp := ts.do(t, "GET", "/api/sessions/"+sess.ID+"/background", nil)
	listed := decodeBody[map[string]any](t, resp)
	if procs, _ := listed["processes"].([]any); len(procs) != 1 {
		t.Fatalf("background = %v", listed)
	}

	c.send(map[string]any{"type": "kill_background_process", "session_id": other.ID, "request_id": "k0", "bash_id": "bash-1"})
	msgs := c.until(func(m outboundMsg) bool { return m.Event["request_id"] == "k0" })
	if last := msgs[len(msgs)-1]; last.Event["code"] != "not_owned" {
		t.Errorf("kill from other session = %v, want not_owned", last.Event)
	}

	c.send(map[string]any{"type": "kill_background_process", "session_id": sess.ID, "request_id": "k1", "bash_id": "bash-1"})
	msgs = c.until(func(m outboundMsg) bool { return m.Event["request_id"] == "k1" })
	last := msgs[len(msgs)-1]
	if last.Event["type"] != "ack" {
		t.Fatalf("kill reply = %v", last.Event)
	}
	result, _ := last.Event["result"].(map[string]any)
	if result["outcome"] != "confirmed" {
		t.Errorf("kill result = %v", result)
	}

	ts.spawner.mu.Lock()
	killed := append([]string(nil), ts.spawner.killed...)
	ts.spawner.mu.Unlock()
	if len(killed) != 1 || killed[0] != "bash-1" {
		t.Errorf("killed = %v", killed)
	}
}

func TestWebSocket_InvalidMessages(t *testing.T) {
	ts := newTestServer(t, nil)
	c := ts.dial(t)

	c.send(map[string]any{"type": "chat", "request_id": "r1", "text": "no session"})
	if m := c.read(); m.Event["code"] != "bad_request" || m.Event["request_id"] != "r1" {
		t.Errorf("missing session_id reply = %v", m.Event)
	}

	c.send(map[string]any{"type": "chat", "session_id": "missing", "request_id": "r2", "text": "hi"})
	if m := c.read(); m.Event["code"] != "not_found" {
		t.Errorf("unknown session reply = %v", m.Event)
	}

	c.send(map[string]any{"type": "ping", "request_id": "p"})
	if m := c.read(); m.Event["type"] != "pong" {
		t.Errorf("ping reply = %v", m.Event)
	}
}

func TestWebSocket_RateLimited(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Web.RateLimit = config.RateLimitConfig{MessagesPerSecond: 0.001, Burst: 2}
	})
	c := ts.dial(t)

	for i := 0; i < 3; i++ {
		c.send(map[string]any{"type": "ping"})
	}
	c.read()
	c.read()
	if m := c.read(); m.Event["type"] != "error" || m.Event["code"] != "rate_limited" {
		t.Errorf("third message reply = %v, want rate_limited", m.Event)
	}
}

func TestWebSocket_RejectsForeignOrigin(t *testing.T) {
	ts := newTestServer(t, nil)
	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/api/ws"
	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("dial with foreign origin succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %v", resp)
	}
}
