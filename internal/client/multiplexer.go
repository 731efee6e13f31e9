package client

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/inercia/relay/internal/session"
)

// MaxHistory bounds the navigation history.
const MaxHistory = 10

// MessageFetcher loads a session's stored messages. *Client implements it.
type MessageFetcher interface {
	Messages(ctx context.Context, id string, afterSeq int64) ([]Message, error)
}

// View is what a renderer shows for one session.
type View struct {
	SessionID string
	Messages  []Message
	Loading   bool
	// Pending is the open plan or question request, if any.
	Pending *Event
}

// RenderFunc draws the active session. It is called with the view of the
// active session only, never concurrently with itself. It may call the
// Multiplexer's read accessors but not Switch, Back or HandleEvent.
type RenderFunc func(View)

// reloadTimeout bounds the background fetch of a log that may have gaps.
const reloadTimeout = 30 * time.Second

// maxOverlay bounds the events buffered for a session whose log is not cached.
const maxOverlay = 4096

// sessionState is the cached client state of one session.
type sessionState struct {
	messages []Message
	loading  bool
	pending  *Event
	// cached is set once messages hold the session's full log, either
	// fetched or accumulated while the session was active.
	cached bool
	// open is set while the last message is agent text still being streamed.
	open bool
	// seq is the highest stored message Seq reflected in messages.
	seq int64
	// overlay holds log events received while messages are not cached. They
	// are merged on top of the next fetch.
	overlay []Event
	// touched is set when an event arrives after the last invalidation.
	touched bool
	// lossy is set when events may have been missed; the log is fetched
	// again once the current generation ends.
	lossy bool
}

// Multiplexer keeps per-session view state for every session that shares
// the socket, and renders only the active one.
type Multiplexer struct {
	fetch  MessageFetcher
	render RenderFunc
	group  singleflight.Group

	// renderMu orders state changes with the renders that follow them.
	renderMu sync.Mutex

	mu      sync.Mutex
	active  string
	states  map[string]*sessionState
	history navHistory
}

func NewMultiplexer(fetch MessageFetcher, render RenderFunc) *Multiplexer {
	if render == nil {
		render = func(View) {}
	}
	return &Multiplexer{
		fetch:   fetch,
		render:  render,
		states:  make(map[string]*sessionState),
		history: navHistory{max: MaxHistory},
	}
}

func (m *Multiplexer) state(id string) *sessionState {
	st, ok := m.states[id]
	if !ok {
		st = &sessionState{}
		m.states[id] = st
	}
	return st
}

func (m *Multiplexer) viewLocked(id string) View {
	st := m.state(id)
	v := View{
		SessionID: id,
		Messages:  append([]Message(nil), st.messages...),
		Loading:   st.loading,
	}
	if st.pending != nil {
		p := *st.pending
		v.Pending = &p
	}
	return v
}

// HandleEvent applies an event to the state of the session it is tagged
// with, and re-renders only when that session is active.
func (m *Multiplexer) HandleEvent(env Envelope) {
	if env.SessionID == "" {
		return
	}
	m.renderMu.Lock()
	defer m.renderMu.Unlock()

	m.mu.Lock()
	st := m.state(env.SessionID)
	st.touched = true
	applyState(st, env.Event)
	if st.cached {
		applyLog(st, env.Event)
	} else {
		st.buffer(env.Event)
	}
	isActive := env.SessionID == m.active
	reload := false
	if st.lossy && (env.Event.Type == "done" || env.Event.Type == "error") {
		st.lossy = false
		st.cached = false
		reload = isActive
	}
	var v View
	if isActive {
		v = m.viewLocked(env.SessionID)
	}
	m.mu.Unlock()

	if isActive {
		m.render(v)
	}
	if reload {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
			defer cancel()
			m.refresh(ctx, env.SessionID)
		}()
	}
}

// applyState folds the generation state carried by ev into st.
func applyState(st *sessionState, ev Event) {
	switch ev.Type {
	case "started":
		st.loading = true
		st.pending = nil
	case "plan_request", "question_request":
		p := ev
		st.pending = &p
	case "done", "cancelled", "invalidated", "error":
		st.loading = false
		st.pending = nil
	}
}

// applyLog folds the message log effect of ev into a cached log. Events
// carry the Seq of the last stored message when they were emitted, so
// messages already present in a fetched log are not added twice. A zero
// Seq is treated as unknown.
func applyLog(st *sessionState, ev Event) {
	switch ev.Type {
	case "started":
		st.open = false
		// The prompt is stored under the event's Seq.
		if ev.Seq == 0 || ev.Seq > st.seq {
			st.messages = append(st.messages, Message{Seq: ev.Seq, Role: session.RoleUser, Kind: "prompt", Text: ev.Text})
			st.advance(ev.Seq)
		}

	case "text":
		// Text emitted at Seq S is stored after S; a log holding more than S
		// already contains it.
		if ev.Seq > 0 && ev.Seq < st.seq {
			return
		}
		if st.open && len(st.messages) > 0 {
			st.messages[len(st.messages)-1].Text += ev.Text
			return
		}
		st.messages = append(st.messages, Message{Role: session.RoleAgent, Kind: "text", Text: ev.Text})
		st.open = true

	case "tool_use":
		st.open = false
		if ev.Seq > 0 && ev.Seq <= st.seq {
			return
		}
		if ev.Text != "" {
			st.messages = append(st.messages, Message{Seq: ev.Seq, Role: session.RoleAgent, Kind: "tool_use", Text: ev.Text, ToolID: ev.ToolID})
		}
		st.advance(ev.Seq)

	case "plan_request", "question_request", "done", "cancelled", "invalidated":
		st.open = false
		st.advance(ev.Seq)

	case "error":
		st.open = false
		st.advance(ev.Seq)
		st.messages = append(st.messages, Message{Role: session.RoleSystem, Kind: "error", Text: ev.Message})
	}
}

func (st *sessionState) advance(seq int64) {
	if seq > st.seq {
		st.seq = seq
	}
}

// buffer keeps a log event for merging after the next fetch. A finished
// generation is fully stored, so done and error reset the buffer.
func (st *sessionState) buffer(ev Event) {
	switch ev.Type {
	case "done", "error":
		st.overlay = nil
	case "started", "text", "tool_use", "plan_request", "question_request", "cancelled", "invalidated":
		st.overlay = append(st.overlay, ev)
		if n := len(st.overlay); n > maxOverlay {
			st.overlay = append(st.overlay[:0], st.overlay[n-maxOverlay:]...)
		}
	}
}

// load replaces the log with a fetched one and replays the events buffered
// while it was not cached.
func (st *sessionState) load(msgs []Message) {
	st.messages = msgs
	st.seq = 0
	if n := len(msgs); n > 0 {
		st.seq = msgs[n-1].Seq
	}
	st.cached = true
	st.open = false
	if !st.loading {
		st.lossy = false
	}
	overlay := st.overlay
	st.overlay = nil
	for _, ev := range overlay {
		// A prompt of unknown Seq was stored before the fetch began.
		if ev.Type == "started" && ev.Seq == 0 {
			continue
		}
		applyLog(st, ev)
	}
}

// Switch makes id the active session. The previous session's state stays in
// the cache and is pushed on the navigation history. A cached session is
// restored without a network call; otherwise its messages are fetched.
func (m *Multiplexer) Switch(ctx context.Context, id string) error {
	return m.switchTo(ctx, id, true)
}

// Back returns to the most recently left session. It reports false when the
// history is empty.
func (m *Multiplexer) Back(ctx context.Context) (bool, error) {
	m.mu.Lock()
	var target string
	for {
		prev, ok := m.history.pop()
		if !ok {
			m.mu.Unlock()
			return false, nil
		}
		if prev != m.active {
			target = prev
			break
		}
	}
	m.mu.Unlock()
	return true, m.switchTo(ctx, target, false)
}

func (m *Multiplexer) switchTo(ctx context.Context, id string, push bool) error {
	m.renderMu.Lock()
	m.mu.Lock()
	if id == m.active {
		m.mu.Unlock()
		m.renderMu.Unlock()
		return nil
	}
	// The active session's state is kept in the cache map as it changes,
	// so leaving it loses nothing.
	if m.active != "" && push {
		m.history.push(m.active)
	}
	m.active = id
	cached := m.state(id).cached
	v := m.viewLocked(id)
	m.mu.Unlock()
	m.render(v)
	m.renderMu.Unlock()
	if cached {
		return nil
	}

	return m.refresh(ctx, id)
}

// refresh fetches the log of id unless it is cached, and re-renders it if it
// is active.
func (m *Multiplexer) refresh(ctx context.Context, id string) error {
	_, err, _ := m.group.Do(id, func() (any, error) {
		msgs, err := m.fetch.Messages(ctx, id, 0)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if st := m.state(id); !st.cached {
			st.load(msgs)
		}
		return nil, nil
	})
	if err != nil {
		return err
	}

	m.renderMu.Lock()
	defer m.renderMu.Unlock()
	m.mu.Lock()
	if m.active != id {
		m.mu.Unlock()
		return nil
	}
	v := m.viewLocked(id)
	m.mu.Unlock()
	m.render(v)
	return nil
}

// Invalidate marks every cached log stale after events may have been missed,
// e.g. when the socket reconnected. Each session is fetched again on its next
// Switch, and once more when its current generation ends. It does not block
// and may be called from socket callbacks.
func (m *Multiplexer) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.states {
		if st.cached {
			st.overlay = nil
			// Agent text still being streamed may not be stored yet.
			if st.open && len(st.messages) > 0 {
				st.overlay = append(st.overlay, Event{Type: "text", Text: st.messages[len(st.messages)-1].Text, Seq: st.seq})
			}
		}
		st.cached = false
		st.open = false
		st.touched = false
		st.lossy = true
	}
}

// Resync restores generation state from the server's live streams after
// Invalidate, then reloads the active session. Sessions that received events
// since Invalidate keep the state those events set.
func (m *Multiplexer) Resync(ctx context.Context, live []StreamInfo) error {
	running := make(map[string]StreamInfo, len(live))
	for _, s := range live {
		if s.Status != "done" {
			running[s.SessionID] = s
		}
	}

	m.renderMu.Lock()
	m.mu.Lock()
	if m.active != "" {
		m.state(m.active)
	}
	for id, st := range m.states {
		if st.touched {
			continue
		}
		info, ok := running[id]
		st.loading = ok
		switch {
		case !ok || info.Pending == "":
			st.pending = nil
		case st.pending == nil || st.pending.ToolID != info.PendingToolID:
			st.pending = &Event{Type: info.Pending + "_request", ToolID: info.PendingToolID}
		}
	}
	active := m.active
	var v View
	if active != "" {
		v = m.viewLocked(active)
	}
	m.mu.Unlock()
	if active != "" {
		m.render(v)
	}
	m.renderMu.Unlock()

	if active == "" {
		return nil
	}
	return m.refresh(ctx, active)
}

// Active returns the active session id.
func (m *Multiplexer) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// InputDisabled reports whether new prompts must be refused: true only while
// the active session is generating.
func (m *Multiplexer) InputDisabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[m.active]
	return ok && st.loading
}

// IsLoading reports whether the session is generating.
func (m *Multiplexer) IsLoading(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[id]
	return ok && st.loading
}

// Cached returns a copy of the cached messages of a session.
func (m *Multiplexer) Cached(id string) ([]Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[id]
	if !ok || !st.cached {
		return nil, false
	}
	return append([]Message(nil), st.messages...), true
}

// View returns the current view of a session.
func (m *Multiplexer) View(id string) View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.viewLocked(id)
}

// History returns the navigation history, oldest first.
func (m *Multiplexer) History() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.history.entries...)
}

// Forget drops a session's state, e.g. after it was deleted.
func (m *Multiplexer) Forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, id)
	m.history.remove(id)
	if m.active == id {
		m.active = ""
	}
}

// navHistory is a bounded stack of recently left sessions without
// consecutive duplicates.
type navHistory struct {
	entries []string
	max     int
}

func (h *navHistory) push(id string) {
	if n := len(h.entries); n > 0 && h.entries[n-1] == id {
		return
	}
	h.entries = append(h.entries, id)
	if len(h.entries) > h.max {
		h.entries = h.entries[len(h.entries)-h.max:]
	}
}

func (h *navHistory) pop() (string, bool) {
	n := len(h.entries)
	if n == 0 {
		return "", false
	}
	id := h.entries[n-1]
	h.entries = h.entries[:n-1]
	return id, true
}

func (h *navHistory) remove(id string) {
	out := h.entries[:0]
	for _, e := range h.entries {
		if e != id && (len(out) == 0 || out[len(out)-1] != e) {
			out = append(out, e)
		}
	}
	h.entries = out
}
