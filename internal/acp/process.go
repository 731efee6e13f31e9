package acp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/coder/acp-go-sdk"

	"github.com/inercia/relay/internal/agent"
)

var (
	ErrNoPendingRequest = agent.ErrNoPendingRequest
	ErrUnknownOption    = agent.ErrUnknownOption
)

const eventBuffer = 256

// pendingPermission is a permission request suspended until the user decides.
type pendingPermission struct {
	toolID  string
	plan    bool
	options []acp.PermissionOption
	reply   chan acp.RequestPermissionResponse
}

// process is one agent generation: an ACP agent subprocess, its connection and
// the prompt turn it is running. It also serves the agent's client-side calls.
type process struct {
	sessionID  string
	cwd        string
	logger     *slog.Logger
	terminals  *terminalPool
	background agent.BackgroundSink

	cmd        *exec.Cmd
	conn       *acp.ClientSideConnection
	acpSession acp.SessionId
	ctx        context.Context
	cancel     context.CancelFunc

	events   chan agent.Event
	emitMu   sync.Mutex
	finished bool
	killed   chan struct{}
	killOnce sync.Once

	mu             sync.Mutex
	mode           string
	permissionMode string
	replaying      bool
	pending        *pendingPermission
	permSeq        int
}

var (
	_ acp.Client    = (*process)(nil)
	_ agent.Process = (*process)(nil)
)

func newProcess(opts agent.SpawnOptions, terminals *terminalPool, logger *slog.Logger) *process {
	ctx, cancel := context.WithCancel(context.Background())
	return &process{
		sessionID:      opts.SessionID,
		cwd:            opts.Cwd,
		logger:         logger,
		terminals:      terminals,
		background:     opts.Background,
		ctx:            ctx,
		cancel:         cancel,
		events:         make(chan agent.Event, eventBuffer),
		killed:         make(chan struct{}),
		mode:           opts.Mode,
		permissionMode: opts.PermissionMode,
	}
}

// Events implements agent.Process.
func (p *process) Events() <-chan agent.Event {
	return p.events
}

func (p *process) emit(ev agent.Event) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()
	if p.finished {
		return
	}
	select {
	case p.events <- ev:
	case <-p.killed:
	}
}

// finish emits a terminal event and closes the event channel.
func (p *process) finish(ev agent.Event) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()
	if p.finished {
		return
	}
	select {
	case p.events <- ev:
	case <-p.killed:
	}
	p.finished = true
	close(p.events)
}

func (p *process) closeEvents() {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()
	if !p.finished {
		p.finished = true
		close(p.events)
	}
}

// handshake initializes the connection and opens or resumes the ACP session.
func (p *process) handshake(ctx context.Context, opts agent.SpawnOptions) error {
	initResp, err := p.conn.Initialize(ctx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientCapabilities: acp.ClientCapabilities{
			Fs: acp.FileSystemCapability{
				ReadTextFile:  true,
				WriteTextFile: true,
			},
			Terminal: true,
		},
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	resumed := false
	if opts.ContinuationID != "" && initResp.AgentCapabilities.LoadSession {
		p.setReplaying(true)
		_, err := p.conn.LoadSession(ctx, acp.LoadSessionRequest{
			SessionId:  acp.SessionId(opts.ContinuationID),
			Cwd:        opts.Cwd,
			McpServers: []acp.McpServer{},
		})
		p.setReplaying(false)
		if err == nil {
			p.acpSession = acp.SessionId(opts.ContinuationID)
			resumed = true
		} else if p.logger != nil {
			p.logger.Info("continuation could not be resumed, starting fresh",
				"continuation_id", opts.ContinuationID, "error", err)
		}
	}

	if !resumed {
		sess, err := p.conn.NewSession(ctx, acp.NewSessionRequest{
			Cwd:        opts.Cwd,
			McpServers: []acp.McpServer{},
		})
		if err != nil {
			return fmt.Errorf("new session: %w", err)
		}
		p.acpSession = sess.SessionId
		p.emit(agent.Event{Kind: agent.EventContinuation, ContinuationID: string(sess.SessionId)})
	}

	if opts.Mode != "" && opts.Mode != PermissionDefault {
		if err := p.setSessionMode(ctx, opts.Mode); err != nil && p.logger != nil {
			p.logger.Warn("agent rejected session mode", "mode", opts.Mode, "error", err)
		}
	}
	return nil
}

// run executes the prompt turn and finishes the event stream.
func (p *process) run(prompt string) {
	resp, err := p.conn.Prompt(p.ctx, acp.PromptRequest{
		SessionId: p.acpSession,
		Prompt:    []acp.ContentBlock{acp.TextBlock(prompt)},
	})
	if err != nil {
		p.finish(agent.Event{Kind: agent.EventError, Text: err.Error()})
		return
	}
	p.finish(agent.Event{Kind: agent.EventDone, StopReason: string(resp.StopReason)})
}

// Abort implements agent.Process. It cancels the prompt turn and any
// suspended permission request; the agent answers with a cancelled stop reason.
func (p *process) Abort(ctx context.Context) error {
	p.mu.Lock()
	pend := p.pending
	p.pending = nil
	p.mu.Unlock()
	if pend != nil {
		pend.reply <- cancelledPermission()
	}

	if p.conn == nil || p.acpSession == "" {
		return nil
	}
	return p.conn.Cancel(ctx, acp.CancelNotification{SessionId: p.acpSession})
}

// Inject implements agent.Process.
func (p *process) Inject(ctx context.Context, c agent.Control) error {
	switch c.Kind {
	case agent.ControlPermissionMode:
		p.mu.Lock()
		p.permissionMode = c.Value
		p.mu.Unlock()
		return nil

	case agent.ControlMode:
		p.mu.Lock()
		p.mode = c.Value
		p.mu.Unlock()
		return p.setSessionMode(ctx, c.Value)

	case agent.ControlPlanDecision, agent.ControlAnswer, agent.ControlCancelQuestion:
		return p.resolve(c)
	}
	return fmt.Errorf("unsupported control %q", c.Kind)
}

func (p *process) setSessionMode(ctx context.Context, mode string) error {
	if p.conn == nil || p.acpSession == "" {
		return nil
	}
	_, err := p.conn.SetSessionMode(ctx, acp.SetSessionModeRequest{
		SessionId: p.acpSession,
		ModeId:    acp.SessionModeId(mode),
	})
	return err
}

// resolve answers the suspended permission request.
func (p *process) resolve(c agent.Control) error {
	p.mu.Lock()
	pend := p.pending

	var resp acp.RequestPermissionResponse
	switch c.Kind {
	case agent.ControlPlanDecision:
		if pend == nil || !pend.plan {
			p.mu.Unlock()
			return ErrNoPendingRequest
		}
		if c.Approved {
			resp = approveResponse(pend.options)
		} else {
			resp = rejectResponse(pend.options)
		}

	case agent.ControlAnswer:
		if pend == nil || pend.plan || pend.toolID != c.ToolID {
			p.mu.Unlock()
			return ErrNoPendingRequest
		}
		var ok bool
		if resp, ok = answerResponse(pend.options, c.Value); !ok {
			p.mu.Unlock()
			return ErrUnknownOption
		}

	case agent.ControlCancelQuestion:
		if pend == nil || pend.plan || pend.toolID != c.ToolID {
			p.mu.Unlock()
			return ErrNoPendingRequest
		}
		resp = cancelledPermission()
	}

	p.pending = nil
	p.mu.Unlock()
	pend.reply <- resp
	return nil
}

// Close implements agent.Process.
func (p *process) Close() error {
	p.killOnce.Do(func() {
		close(p.killed)
		p.cancel()
		if p.cmd != nil && p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
			_ = p.cmd.Wait()
		}
		p.closeEvents()
	})
	return nil
}

func (p *process) setReplaying(v bool) {
	p.mu.Lock()
	p.replaying = v
	p.mu.Unlock()
}

// SessionUpdate translates streamed agent output into events. Updates that
// replay history while a session is loaded are dropped.
func (p *process) SessionUpdate(ctx context.Context, params acp.SessionNotification) error {
	p.mu.Lock()
	replaying := p.replaying
	p.mu.Unlock()
	if replaying {
		return nil
	}

	u := params.Update
	switch {
	case u.AgentMessageChunk != nil:
		if t := u.AgentMessageChunk.Content.Text; t != nil {
			p.emit(agent.Event{Kind: agent.EventText, Text: t.Text})
		}
	case u.AgentThoughtChunk != nil:
		if t := u.AgentThoughtChunk.Content.Text; t != nil {
			p.emit(agent.Event{Kind: agent.EventThought, Text: t.Text})
		}
	case u.ToolCall != nil:
		p.emit(agent.Event{
			Kind:   agent.EventToolUse,
			ToolID: string(u.ToolCall.ToolCallId),
			Text:   u.ToolCall.Title,
			Status: string(u.ToolCall.Status),
		})
	case u.ToolCallUpdate != nil:
		ev := agent.Event{Kind: agent.EventToolUse, ToolID: string(u.ToolCallUpdate.ToolCallId)}
		if u.ToolCallUpdate.Status != nil {
			ev.Status = string(*u.ToolCallUpdate.Status)
		}
		p.emit(ev)
	case u.Plan != nil:
		if p.logger != nil {
			p.logger.Debug("plan update received", "session_id", p.sessionID)
		}
	}
	return nil
}

// RequestPermission applies the permission policy and, when the user must
// decide, suspends until Inject resolves the request.
func (p *process) RequestPermission(ctx context.Context, params acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	title := ""
	if params.ToolCall.Title != nil {
		title = *params.ToolCall.Title
	}
	toolID := string(params.ToolCall.ToolCallId)

	p.mu.Lock()
	action := classifyPermission(p.mode, p.permissionMode, title)
	if action == approve {
		p.mu.Unlock()
		return approveResponse(params.Options), nil
	}
	if p.pending != nil {
		p.mu.Unlock()
		return cancelledPermission(), nil
	}
	p.permSeq++
	if toolID == "" {
		toolID = fmt.Sprintf("perm-%d", p.permSeq)
	}
	pend := &pendingPermission{
		toolID:  toolID,
		plan:    action == askPlan,
		options: params.Options,
		reply:   make(chan acp.RequestPermissionResponse, 1),
	}
	p.pending = pend
	p.mu.Unlock()

	kind := agent.EventQuestionRequest
	if pend.plan {
		kind = agent.EventPlanRequest
	}
	p.emit(agent.Event{Kind: kind, ToolID: toolID, Text: title, Options: optionNames(params.Options)})

	select {
	case resp := <-pend.reply:
		return resp, nil
	case <-ctx.Done():
	case <-p.killed:
	}

	p.mu.Lock()
	if p.pending == pend {
		p.pending = nil
	}
	p.mu.Unlock()
	return cancelledPermission(), nil
}

// WriteTextFile writes agent-produced files. Paths must be absolute.
func (p *process) WriteTextFile(ctx context.Context, params acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	if !filepath.IsAbs(params.Path) {
		return acp.WriteTextFileResponse{}, fmt.Errorf("path must be absolute: %s", params.Path)
	}
	if err := os.MkdirAll(filepath.Dir(params.Path), 0o755); err != nil {
		return acp.WriteTextFileResponse{}, fmt.Errorf("mkdir %s: %w", filepath.Dir(params.Path), err)
	}
	if err := os.WriteFile(params.Path, []byte(params.Content), 0o644); err != nil {
		return acp.WriteTextFileResponse{}, fmt.Errorf("write %s: %w", params.Path, err)
	}
	return acp.WriteTextFileResponse{}, nil
}

// ReadTextFile reads a file, optionally restricted to a 1-based line window.
func (p *process) ReadTextFile(ctx context.Context, params acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	if !filepath.IsAbs(params.Path) {
		return acp.ReadTextFileResponse{}, fmt.Errorf("path must be absolute: %s", params.Path)
	}
	b, err := os.ReadFile(params.Path)
	if err != nil {
		return acp.ReadTextFileResponse{}, fmt.Errorf("read %s: %w", params.Path, err)
	}
	content := string(b)
	if params.Line == nil && params.Limit == nil {
		return acp.ReadTextFileResponse{Content: content}, nil
	}

	lines := strings.Split(content, "\n")
	start := 0
	if params.Line != nil && *params.Line > 0 {
		start = min(*params.Line-1, len(lines))
	}
	end := len(lines)
	if params.Limit != nil && *params.Limit > 0 && start+*params.Limit < end {
		end = start + *params.Limit
	}
	return acp.ReadTextFileResponse{Content: strings.Join(lines[start:end], "\n")}, nil
}

// CreateTerminal starts a background shell in the session's working directory.
func (p *process) CreateTerminal(ctx context.Context, params acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	t, err := p.terminals.create(p.sessionID, p.cwd, params.Command, params.Args, p.background)
	if err != nil {
		return acp.CreateTerminalResponse{}, err
	}
	return acp.CreateTerminalResponse{TerminalId: t.id}, nil
}

// TerminalOutput returns the retained output of a terminal.
func (p *process) TerminalOutput(ctx context.Context, params acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	t, err := p.terminals.get(p.sessionID, params.TerminalId)
	if err != nil {
		return acp.TerminalOutputResponse{}, err
	}
	out, truncated := t.snapshot()
	return acp.TerminalOutputResponse{Output: out, Truncated: truncated}, nil
}

// ReleaseTerminal kills the terminal if needed and forgets it.
func (p *process) ReleaseTerminal(ctx context.Context, params acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	if err := p.terminals.release(ctx, p.sessionID, params.TerminalId); err != nil {
		return acp.ReleaseTerminalResponse{}, err
	}
	return acp.ReleaseTerminalResponse{}, nil
}

// WaitForTerminalExit blocks until the terminal's command exits.
func (p *process) WaitForTerminalExit(ctx context.Context, params acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	t, err := p.terminals.get(p.sessionID, params.TerminalId)
	if err != nil {
		return acp.WaitForTerminalExitResponse{}, err
	}
	select {
	case <-t.done:
		return acp.WaitForTerminalExitResponse{}, nil
	case <-ctx.Done():
		return acp.WaitForTerminalExitResponse{}, ctx.Err()
	}
}

// KillTerminalCommand kills the terminal's command but keeps its output.
func (p *process) KillTerminalCommand(ctx context.Context, params acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	t, err := p.terminals.get(p.sessionID, params.TerminalId)
	if err != nil {
		return acp.KillTerminalCommandResponse{}, err
	}
	if err := t.kill(ctx); err != nil {
		return acp.KillTerminalCommandResponse{}, err
	}
	return acp.KillTerminalCommandResponse{}, nil
}
