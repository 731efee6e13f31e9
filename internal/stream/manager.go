// Package stream owns the lifecycle of per-session generations: it spawns
// agent processes, pumps their events to subscribers, applies mid-stream
// controls and tears processes down on stop, invalidation and deletion.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/inercia/relay/internal/agent"
	"github.com/inercia/relay/internal/config"
	"github.com/inercia/relay/internal/logging"
	"github.com/inercia/relay/internal/metrics"
	"github.com/inercia/relay/internal/session"
)

const (
	DefaultStopGrace  = 5 * time.Second
	DefaultStallAfter = 30 * time.Second
)

// Control mode kinds accepted by SetControlMode.
const (
	ControlPermissionMode = "permission_mode"
	ControlMode           = "mode"
)

// BackgroundTracker receives background shell notifications from agent
// processes and forgets a session's shells when it is deleted.
type BackgroundTracker interface {
	agent.BackgroundSink
	DropSession(sessionID string)
}

// Options configures a Manager.
type Options struct {
	// StopGrace bounds how long Stop waits for a cooperative shutdown.
	StopGrace time.Duration
	// StallAfter is the quiet period after which a streaming handle is
	// reported as stalled.
	StallAfter time.Duration
	Publisher  Publisher
	Background BackgroundTracker
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// StopResult reports what Stop did.
type StopResult struct {
	// Stopped is false when there was no live stream.
	Stopped  bool `json:"stopped"`
	TimedOut bool `json:"timed_out"`
}

// Manager holds at most one Handle per session.
//
// Start, Stop, Invalidate and the other mutating operations are serialized per
// session; operations on different sessions run concurrently.
type Manager struct {
	store   session.SessionStore
	spawner agent.Spawner
	opts    Options
	logger  *slog.Logger
	locks   *keyedMutex

	mu       sync.RWMutex
	handles  map[string]*Handle
	timeouts map[string]int
}

// NewManager creates a manager backed by store and spawner.
func NewManager(store session.SessionStore, spawner agent.Spawner, opts Options) *Manager {
	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}
	if opts.StallAfter <= 0 {
		opts.StallAfter = DefaultStallAfter
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Stream()
	}
	return &Manager{
		store:    store,
		spawner:  spawner,
		opts:     opts,
		logger:   logger,
		locks:    newKeyedMutex(),
		handles:  make(map[string]*Handle),
		timeouts: make(map[string]int),
	}
}

// Start begins a generation for sessionID with prompt. When mode is not empty
// it is persisted before the process is spawned.
//
// The stored continuation is used only when it was obtained under the
// session's current working directory; a stale one is cleared. Start returns
// once the handle is registered; spawning happens on the handle's goroutine.
func (m *Manager) Start(ctx context.Context, sessionID, prompt, mode string) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	sess, err := m.store.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if m.liveHandle(sessionID) != nil {
		return nil, ErrBusy
	}

	log := logging.WithSession(m.logger, sessionID, sess.WorkingDir)
	if mode != "" && mode != sess.Mode {
		if sess, err = m.store.Update(sessionID, session.Update{Mode: &mode}); err != nil {
			return nil, fmt.Errorf("persist mode: %w", err)
		}
	}
	if sess.ContinuationID != "" && !sess.CanResume() {
		log.Info("discarding stale continuation",
			"continuation_id", sess.ContinuationID,
			"continuation_dir", sess.ContinuationDir)
		if sess, err = m.store.Update(sessionID, session.Update{ContinuationID: session.Ptr("")}); err != nil {
			return nil, fmt.Errorf("clear continuation: %w", err)
		}
	}

	h := newHandle(sessionID, sess.WorkingDir, sess.CanResume())
	h.seq = sess.MessageCount
	m.mu.Lock()
	m.handles[sessionID] = h
	m.mu.Unlock()

	if msg, err := m.store.AppendMessage(sessionID, session.Message{
		Role: session.RoleUser,
		Kind: "prompt",
		Text: prompt,
	}); err != nil {
		log.Warn("failed to record prompt", "error", err)
	} else {
		h.mu.Lock()
		h.seq = msg.Seq
		h.mu.Unlock()
	}
	m.opts.Metrics.StreamStarted(h.Resumed)

	h.mu.Lock()
	m.publish(h, Event{Type: EventStarted, Resumed: h.Resumed, Text: prompt})
	h.mu.Unlock()

	opts := agent.SpawnOptions{
		SessionID:      sessionID,
		Cwd:            sess.WorkingDir,
		Mode:           sess.Mode,
		PermissionMode: sess.PermissionMode,
		Prompt:         prompt,
		Agent:          sess.Agent,
		Background:     m.opts.Background,
	}
	if h.Resumed {
		opts.ContinuationID = sess.ContinuationID
	}

	log.Info("stream started", "resumed", h.Resumed, "mode", sess.Mode)
	go m.run(h, opts, log)
	return h, nil
}

func (m *Manager) run(h *Handle, opts agent.SpawnOptions, log *slog.Logger) {
	defer m.finish(h, log)

	proc, err := m.spawner.Spawn(h.ctx, opts)
	if err != nil {
		h.mu.Lock()
		if !h.stopped {
			h.status = StatusDone
			h.outcome = metrics.OutcomeErrored
			m.publish(h, Event{Type: EventError, Code: CodeSpawnFailed, Message: err.Error()})
			log.Error("agent spawn failed", "error", err)
		}
		h.mu.Unlock()
		return
	}
	defer proc.Close()

	// Controls that arrived while spawning are applied in arrival order
	// before the process is published on the handle.
	for {
		h.mu.Lock()
		if h.stopped {
			h.mu.Unlock()
			return
		}
		queued := h.queued
		h.queued = nil
		if len(queued) == 0 {
			h.proc = proc
			h.status = StatusStreaming
			h.lastProgress = time.Now()
			h.mu.Unlock()
			break
		}
		h.mu.Unlock()
		for _, c := range queued {
			if err := proc.Inject(h.ctx, c); err != nil {
				log.Warn("failed to apply queued control", "kind", c.Kind, "error", err)
			}
		}
	}

	terminal := false
	for ev := range proc.Events() {
		if m.handleEvent(h, ev, log) {
			terminal = true
		}
	}
	if terminal {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	m.flushText(h, log)
	h.status = StatusDone
	h.outcome = metrics.OutcomeErrored
	h.pending, h.pendingToolID = PendingNone, ""
	m.publish(h, Event{Type: EventError, Code: CodeProcessCrash, Message: "agent process exited unexpectedly"})
	log.Error("agent process exited without a final event")
}

// handleEvent publishes one process event and reports whether it was terminal.
func (m *Manager) handleEvent(h *Handle, ev agent.Event, log *slog.Logger) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped || h.status == StatusDone {
		return ev.Kind.Terminal()
	}

	h.lastProgress = time.Now()
	if h.stalled {
		h.stalled = false
		m.publish(h, Event{Type: EventStatus, Status: string(h.status)})
	}

	switch ev.Kind {
	case agent.EventText:
		h.text.WriteString(ev.Text)
		m.publish(h, Event{Type: EventText, Text: ev.Text})

	case agent.EventThought:
		m.publish(h, Event{Type: EventThought, Text: ev.Text})

	case agent.EventToolUse:
		m.flushText(h, log)
		if ev.Text != "" {
			m.appendMessage(h, session.Message{Role: session.RoleAgent, Kind: "tool_use", Text: ev.Text, ToolID: ev.ToolID}, log)
		}
		m.publish(h, Event{Type: EventToolUse, Text: ev.Text, ToolID: ev.ToolID, Status: ev.Status})

	case agent.EventPlanRequest:
		m.flushText(h, log)
		h.pending, h.pendingToolID = PendingPlan, ev.ToolID
		m.publish(h, Event{Type: EventPlanRequest, Text: ev.Text, ToolID: ev.ToolID, Options: ev.Options})

	case agent.EventQuestionRequest:
		m.flushText(h, log)
		h.pending, h.pendingToolID = PendingQuestion, ev.ToolID
		m.publish(h, Event{Type: EventQuestionRequest, Text: ev.Text, ToolID: ev.ToolID, Options: ev.Options})

	case agent.EventContinuation:
		if h.invalidated || ev.ContinuationID == "" {
			break
		}
		id, dir := ev.ContinuationID, h.cwd
		if _, err := m.store.Update(h.SessionID, session.Update{ContinuationID: &id, ContinuationDir: &dir}); err != nil {
			log.Warn("failed to persist continuation", "error", err)
		} else {
			log.Debug("continuation recorded", "continuation_id", id)
		}

	case agent.EventError:
		m.flushText(h, log)
		h.status = StatusDone
		h.outcome = metrics.OutcomeErrored
		h.pending, h.pendingToolID = PendingNone, ""
		m.publish(h, Event{Type: EventError, Code: CodeAgentError, Message: ev.Text})
		log.Warn("agent reported an error", "error", ev.Text)

	case agent.EventDone:
		m.flushText(h, log)
		h.status = StatusDone
		h.outcome = metrics.OutcomeCompleted
		h.pending, h.pendingToolID = PendingNone, ""
		m.publish(h, Event{Type: EventDone, StopReason: ev.StopReason})

	default:
		log.Debug("ignoring unknown agent event", "kind", ev.Kind)
	}
	return ev.Kind.Terminal()
}

// flushText stores buffered agent text as one message. Requires h.mu.
func (m *Manager) flushText(h *Handle, log *slog.Logger) {
	if h.text.Len() == 0 {
		return
	}
	text := h.text.String()
	h.text.Reset()
	m.appendMessage(h, session.Message{Role: session.RoleAgent, Kind: "text", Text: text}, log)
}

func (m *Manager) appendMessage(h *Handle, msg session.Message, log *slog.Logger) {
	stored, err := m.store.AppendMessage(h.SessionID, msg)
	if err != nil {
		log.Warn("failed to record message", "kind", msg.Kind, "error", err)
		return
	}
	h.seq = stored.Seq
}

func (m *Manager) finish(h *Handle, log *slog.Logger) {
	h.mu.Lock()
	m.flushText(h, log)
	h.status = StatusDone
	outcome := h.outcome
	if outcome == "" {
		outcome = metrics.OutcomeErrored
	}
	h.mu.Unlock()

	h.cancel()
	m.release(h)
	m.opts.Metrics.StreamEnded(outcome, time.Since(h.StartedAt))
	close(h.done)
	log.Debug("stream finished", "outcome", outcome)
}

// release removes h from the map if it is still the registered handle.
func (m *Manager) release(h *Handle) {
	m.mu.Lock()
	if m.handles[h.SessionID] == h {
		delete(m.handles, h.SessionID)
	}
	m.mu.Unlock()
}

func (m *Manager) current(sessionID string) *Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handles[sessionID]
}

// liveHandle returns the session's handle if it is still running, reaping a
// finished one.
func (m *Manager) liveHandle(sessionID string) *Handle {
	h := m.current(sessionID)
	if h == nil {
		return nil
	}
	if !h.live() {
		m.release(h)
		return nil
	}
	return h
}

// publish delivers ev for h. Requires h.mu.
// publish delivers ev stamped with the handle's last stored Seq. Requires h.mu.
func (m *Manager) publish(h *Handle, ev Event) {
	ev.Seq = h.seq
	if m.opts.Publisher != nil {
		m.opts.Publisher(h.SessionID, ev)
	}
}

// publishTo delivers ev for a session, ordered after any event of its
// current handle.
func (m *Manager) publishTo(sessionID string, ev Event) {
	if h := m.current(sessionID); h != nil {
		h.mu.Lock()
		m.publish(h, ev)
		h.mu.Unlock()
		return
	}
	if m.opts.Publisher != nil {
		m.opts.Publisher(sessionID, ev)
	}
}

// Stop cancels the session's generation. Without a live stream it does
// nothing. Unknown sessions return ErrNotFound.
func (m *Manager) Stop(ctx context.Context, sessionID string) (StopResult, error) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	if _, err := m.store.Get(sessionID); err != nil {
		return StopResult{}, err
	}
	h := m.liveHandle(sessionID)
	if h == nil {
		return StopResult{}, nil
	}
	return m.stopHandle(ctx, h, metrics.OutcomeStopped, ""), nil
}

// stopHandle aborts h and waits up to the grace period for it to exit, then
// force-closes it. Events of h published after this call starts are dropped;
// the final event is cancelled.
func (m *Manager) stopHandle(ctx context.Context, h *Handle, outcome, reason string) StopResult {
	h.mu.Lock()
	if h.stopped || h.status == StatusDone {
		h.mu.Unlock()
		return StopResult{}
	}
	h.stopped = true
	h.status = StatusStopping
	h.outcome = outcome
	h.pending, h.pendingToolID = PendingNone, ""
	proc := h.proc
	h.mu.Unlock()

	log := logging.WithSession(m.logger, h.SessionID, h.cwd)
	deadline := time.Now().Add(m.opts.StopGrace)

	// Cancels a spawn still in progress.
	h.cancel()
	if proc != nil {
		actx, cancel := context.WithDeadline(ctx, deadline)
		if err := proc.Abort(actx); err != nil && !errors.Is(err, agent.ErrClosed) {
			log.Debug("abort request failed", "error", err)
		}
		cancel()
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	timedOut := false
	select {
	case <-h.done:
	case <-timer.C:
		timedOut = true
	case <-ctx.Done():
		timedOut = true
	}

	h.mu.Lock()
	if timedOut {
		if proc != nil {
			if err := proc.Close(); err != nil {
				log.Debug("force close failed", "error", err)
			}
		}
		if h.outcome == metrics.OutcomeStopped {
			h.outcome = metrics.OutcomeTimedOut
		}
	}
	m.publish(h, Event{Type: EventCancelled, TimedOut: timedOut, Reason: reason})
	h.mu.Unlock()
	if timedOut {
		m.release(h)
	}

	m.recordStop(h.SessionID, timedOut, log)
	return StopResult{Stopped: true, TimedOut: timedOut}
}

func (m *Manager) recordStop(sessionID string, timedOut bool, log *slog.Logger) {
	m.mu.Lock()
	if !timedOut {
		delete(m.timeouts, sessionID)
		m.mu.Unlock()
		log.Info("stream stopped")
		return
	}
	m.timeouts[sessionID]++
	n := m.timeouts[sessionID]
	m.mu.Unlock()

	if n > 1 {
		log.Warn("stop timed out repeatedly, process force-closed", "count", n)
	} else {
		log.Info("stop timed out, process force-closed")
	}
}

// Invalidate aborts any live stream, clears the session's continuation and
// publishes an invalidated event. It returns after the stream is gone.
func (m *Manager) Invalidate(ctx context.Context, sessionID, reason string) error {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	if _, err := m.store.Get(sessionID); err != nil {
		return err
	}
	return m.invalidateLocked(ctx, sessionID, reason)
}

func (m *Manager) invalidateLocked(ctx context.Context, sessionID, reason string) error {
	if h := m.liveHandle(sessionID); h != nil {
		h.mu.Lock()
		h.invalidated = true
		h.mu.Unlock()
		m.stopHandle(ctx, h, metrics.OutcomeInvalidated, reason)
	}

	sess, err := m.store.Get(sessionID)
	if err != nil {
		return err
	}
	if sess.ContinuationID != "" {
		if _, err := m.store.Update(sessionID, session.Update{ContinuationID: session.Ptr("")}); err != nil {
			return fmt.Errorf("clear continuation: %w", err)
		}
	}

	m.publishTo(sessionID, Event{Type: EventInvalidated, Reason: reason})
	logging.WithSession(m.logger, sessionID, sess.WorkingDir).Info("session invalidated", "reason", reason)
	return nil
}

// ChangeDirectory moves the session to dir. Any live stream is torn down and
// the continuation cleared before the new directory is stored.
func (m *Manager) ChangeDirectory(ctx context.Context, sessionID, dir string) (session.Session, error) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	sess, err := m.store.Get(sessionID)
	if err != nil {
		return session.Session{}, err
	}
	if sess.WorkingDir == dir {
		return sess, nil
	}
	if err := m.invalidateLocked(ctx, sessionID, "working directory changed"); err != nil {
		return session.Session{}, err
	}
	return m.store.Update(sessionID, session.Update{WorkingDir: &dir})
}

// Rename changes the session's folder name. Any live stream is torn down and
// the continuation cleared before the new name is stored.
func (m *Manager) Rename(ctx context.Context, sessionID, name string) (session.Session, error) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	sess, err := m.store.Get(sessionID)
	if err != nil {
		return session.Session{}, err
	}
	if sess.Name == name {
		return sess, nil
	}
	if err := m.invalidateLocked(ctx, sessionID, "session renamed"); err != nil {
		return session.Session{}, err
	}
	return m.store.Update(sessionID, session.Update{Name: &name})
}

// Delete tears down the session's stream, forgets its background shells and
// removes it from the store.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	if _, err := m.store.Get(sessionID); err != nil {
		return err
	}
	if h := m.liveHandle(sessionID); h != nil {
		h.mu.Lock()
		h.invalidated = true
		h.mu.Unlock()
		m.stopHandle(ctx, h, metrics.OutcomeInvalidated, "session deleted")
	}
	if m.opts.Background != nil {
		m.opts.Background.DropSession(sessionID)
	}

	m.mu.Lock()
	delete(m.timeouts, sessionID)
	m.mu.Unlock()

	if err := m.store.Delete(sessionID); err != nil {
		return err
	}
	m.logger.Info("session deleted", "session_id", sessionID)
	return nil
}

// SetControlMode persists a mode or permission mode change and forwards it to
// the live process, if any, without interrupting it.
func (m *Manager) SetControlMode(ctx context.Context, sessionID, kind, value string) error {
	var (
		u  session.Update
		ck agent.ControlKind
	)
	switch kind {
	case ControlPermissionMode:
		if !config.ValidPermissionMode(value) {
			return fmt.Errorf("%w: permission mode %q", ErrInvalidMode, value)
		}
		u.PermissionMode = &value
		ck = agent.ControlPermissionMode
	case ControlMode:
		if value == "" {
			return fmt.Errorf("%w: empty mode", ErrInvalidMode)
		}
		u.Mode = &value
		ck = agent.ControlMode
	default:
		return fmt.Errorf("%w: %q", ErrUnknownControl, kind)
	}

	unlock := m.locks.Lock(sessionID)
	defer unlock()

	if _, err := m.store.Update(sessionID, u); err != nil {
		return err
	}
	if h := m.liveHandle(sessionID); h != nil {
		if err := m.inject(h, agent.Control{Kind: ck, Value: value}); err != nil {
			logging.WithSession(m.logger, sessionID, "").Warn("failed to forward control to live process",
				"kind", kind, "error", err)
		}
	}
	m.publishTo(sessionID, Event{Type: EventModeChanged, Kind: kind, Value: value})
	return nil
}

// inject forwards c to the live process, queueing it while the process is
// still spawning.
func (m *Manager) inject(h *Handle, c agent.Control) error {
	h.mu.Lock()
	proc := h.proc
	if proc == nil {
		h.queued = append(h.queued, c)
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()
	return proc.Inject(h.ctx, c)
}

// pendingProcess returns the process of a live handle suspended on kind.
func (m *Manager) pendingProcess(sessionID string, kind Pending) (*Handle, agent.Process, string) {
	h := m.liveHandle(sessionID)
	if h == nil {
		return nil, nil, ""
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pending != kind || h.proc == nil {
		return nil, nil, ""
	}
	return h, h.proc, h.pendingToolID
}

func (h *Handle) clearPending(kind Pending, toolID string) {
	h.mu.Lock()
	if h.pending == kind && h.pendingToolID == toolID {
		h.pending, h.pendingToolID = PendingNone, ""
	}
	h.mu.Unlock()
}

// ResolvePlan approves or rejects the plan the session is waiting on. It
// reports false, and does nothing, when no plan is pending.
func (m *Manager) ResolvePlan(ctx context.Context, sessionID string, approved bool) (bool, error) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	if _, err := m.store.Get(sessionID); err != nil {
		return false, err
	}
	h, proc, toolID := m.pendingProcess(sessionID, PendingPlan)
	if h == nil {
		return false, nil
	}
	if err := proc.Inject(ctx, agent.Control{Kind: agent.ControlPlanDecision, ToolID: toolID, Approved: approved}); err != nil {
		if errors.Is(err, agent.ErrNoPendingRequest) {
			return false, nil
		}
		return false, err
	}
	h.clearPending(PendingPlan, toolID)
	return true, nil
}

// AnswerQuestion answers the question identified by toolID. Answers for any
// other tool id are rejected with ErrStaleQuestion.
func (m *Manager) AnswerQuestion(ctx context.Context, sessionID, toolID, answer string) error {
	return m.resolveQuestion(ctx, sessionID, agent.Control{Kind: agent.ControlAnswer, ToolID: toolID, Value: answer})
}

// CancelQuestion dismisses the question identified by toolID.
func (m *Manager) CancelQuestion(ctx context.Context, sessionID, toolID string) error {
	return m.resolveQuestion(ctx, sessionID, agent.Control{Kind: agent.ControlCancelQuestion, ToolID: toolID})
}

func (m *Manager) resolveQuestion(ctx context.Context, sessionID string, c agent.Control) error {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	if _, err := m.store.Get(sessionID); err != nil {
		return err
	}
	h, proc, toolID := m.pendingProcess(sessionID, PendingQuestion)
	if h == nil || toolID != c.ToolID {
		return ErrStaleQuestion
	}
	if err := proc.Inject(ctx, c); err != nil {
		if errors.Is(err, agent.ErrNoPendingRequest) {
			return ErrStaleQuestion
		}
		return err
	}
	h.clearPending(PendingQuestion, toolID)
	return nil
}

// Status returns a snapshot of the session's live stream.
func (m *Manager) Status(sessionID string) (Snapshot, bool) {
	h := m.liveHandle(sessionID)
	if h == nil {
		return Snapshot{}, false
	}
	return h.snapshot(), true
}

// Active returns snapshots of every live stream, oldest first.
func (m *Manager) Active() []Snapshot {
	m.mu.RLock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(handles))
	for _, h := range handles {
		if h.live() {
			out = append(out, h.snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Run reports stalled streams until ctx is done. A stream is stalled when it
// has produced nothing for StallAfter while not waiting on the user. Stalled
// streams are only flagged, never cancelled.
func (m *Manager) Run(ctx context.Context) error {
	interval := m.opts.StallAfter / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			m.checkStalls(now)
		}
	}
}

func (m *Manager) checkStalls(now time.Time) {
	m.mu.RLock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.RUnlock()

	for _, h := range handles {
		h.mu.Lock()
		if h.status == StatusStreaming && !h.stopped && !h.stalled &&
			h.pending == PendingNone && now.Sub(h.lastProgress) >= m.opts.StallAfter {
			h.stalled = true
			m.publish(h, Event{Type: EventStatus, Status: string(h.status), Stalled: true})
			logging.WithSession(m.logger, h.SessionID, h.cwd).Warn("stream stalled",
				"quiet_for", now.Sub(h.lastProgress).Round(time.Second))
		}
		h.mu.Unlock()
	}
}

// Shutdown stops every live stream concurrently.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.locks.Lock(id)
			defer unlock()
			if h := m.liveHandle(id); h != nil {
				m.stopHandle(ctx, h, metrics.OutcomeStopped, "server shutting down")
			}
		}()
	}
	wg.Wait()
}
