package acp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inercia/relay/internal/agent"
)

// terminalOutputLimit bounds the output retained per terminal.
const terminalOutputLimit = 1024 * 1024

// terminalWaitDelay bounds how long output copying may outlive a killed
// command whose children still hold its pipes.
const terminalWaitDelay = time.Second

// ErrTerminalNotFound is returned for unknown or released terminal ids.
var ErrTerminalNotFound = errors.New("terminal not found")

// terminal is a shell command started on behalf of an agent. Terminals outlive
// the generation that created them; they are the session's background processes.
type terminal struct {
	id        string
	sessionID string
	command   string
	cmd       *exec.Cmd
	sink      agent.BackgroundSink

	mu        sync.Mutex
	output    []byte
	truncated bool
	exitCode  int
	done      chan struct{}
}

func (t *terminal) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.output = append(t.output, p...)
	if over := len(t.output) - terminalOutputLimit; over > 0 {
		t.output = append(t.output[:0], t.output[over:]...)
		t.truncated = true
	}
	return len(p), nil
}

func (t *terminal) snapshot() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.output), t.truncated
}

func (t *terminal) exited() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// kill terminates the command and waits until it has exited or ctx ends.
func (t *terminal) kill(ctx context.Context) error {
	if t.exited() {
		return nil
	}
	if err := t.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill %s: %w", t.id, err)
	}
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// terminalPool owns every terminal started by any agent process.
type terminalPool struct {
	mu     sync.Mutex
	terms  map[string]*terminal
	logger *slog.Logger
}

func newTerminalPool(logger *slog.Logger) *terminalPool {
	return &terminalPool{terms: make(map[string]*terminal), logger: logger}
}

// shellCommand turns an ACP command/args pair into an exec.Cmd. A bare command
// line with shell syntax and no separate args is run through sh -c.
func shellCommand(command string, args []string) *exec.Cmd {
	if len(args) == 0 && strings.ContainsAny(command, " |&;<>$()`'\"") {
		return exec.Command("sh", "-c", command)
	}
	return exec.Command(command, args...)
}

func (tp *terminalPool) create(sessionID, cwd, command string, args []string, sink agent.BackgroundSink) (*terminal, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("empty terminal command")
	}

	t := &terminal{
		id:        "bash-" + uuid.NewString()[:8],
		sessionID: sessionID,
		command:   strings.TrimSpace(strings.Join(append([]string{command}, args...), " ")),
		sink:      sink,
		done:      make(chan struct{}),
	}
	t.cmd = shellCommand(command, args)
	t.cmd.Dir = cwd
	t.cmd.Stdout = t
	t.cmd.Stderr = t
	t.cmd.WaitDelay = terminalWaitDelay

	if err := t.cmd.Start(); err != nil {
		return nil, fmt.Errorf("start terminal command: %w", err)
	}

	tp.mu.Lock()
	tp.terms[t.id] = t
	tp.mu.Unlock()

	if tp.logger != nil {
		tp.logger.Debug("terminal started",
			"session_id", sessionID,
			"bash_id", t.id,
			"command", t.command,
			"pid", t.cmd.Process.Pid)
	}
	if sink != nil {
		sink.BackgroundStarted(sessionID, t.id, t.command)
	}

	go func() {
		err := t.cmd.Wait()
		code := 0
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		}
		t.mu.Lock()
		t.exitCode = code
		t.mu.Unlock()
		close(t.done)

		if tp.logger != nil {
			tp.logger.Debug("terminal exited", "session_id", sessionID, "bash_id", t.id, "exit_code", code)
		}
		if sink != nil {
			sink.BackgroundExited(sessionID, t.id)
		}
	}()

	return t, nil
}

// get returns a terminal owned by sessionID.
func (tp *terminalPool) get(sessionID, id string) (*terminal, error) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	t, ok := tp.terms[id]
	if !ok || t.sessionID != sessionID {
		return nil, ErrTerminalNotFound
	}
	return t, nil
}

// kill terminates a terminal by id regardless of owner. Ownership is enforced
// by the background process tracker.
func (tp *terminalPool) kill(ctx context.Context, id string) error {
	tp.mu.Lock()
	t, ok := tp.terms[id]
	tp.mu.Unlock()
	if !ok {
		return ErrTerminalNotFound
	}
	return t.kill(ctx)
}

// release kills the terminal if it is still running and forgets it.
func (tp *terminalPool) release(ctx context.Context, sessionID, id string) error {
	t, err := tp.get(sessionID, id)
	if err != nil {
		return err
	}
	tp.mu.Lock()
	delete(tp.terms, id)
	tp.mu.Unlock()
	return t.kill(ctx)
}

// closeAll kills every terminal.
func (tp *terminalPool) closeAll(ctx context.Context) {
	tp.mu.Lock()
	terms := make([]*terminal, 0, len(tp.terms))
	for _, t := range tp.terms {
		terms = append(terms, t)
	}
	tp.terms = make(map[string]*terminal)
	tp.mu.Unlock()

	for _, t := range terms {
		if err := t.kill(ctx); err != nil && tp.logger != nil {
			tp.logger.Warn("failed to kill terminal", "bash_id", t.id, "error", err)
		}
	}
}
