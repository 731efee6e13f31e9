// Package acp runs agent generations over the Agent Client Protocol.
//
// Each generation is a fresh agent subprocess. Conversation continuity comes
// from the ACP session id, which is reported as the continuation id and passed
// back on the next spawn so the agent can load the session. Shell commands the
// agent starts through ACP terminals become the session's background processes.
package acp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/coder/acp-go-sdk"

	"github.com/inercia/relay/internal/agent"
	"github.com/inercia/relay/internal/config"
	"github.com/inercia/relay/internal/logging"
)

var (
	_ agent.Spawner          = (*Spawner)(nil)
	_ agent.BackgroundKiller = (*Spawner)(nil)
)

// Spawner starts ACP agent processes from the configured agent commands.
type Spawner struct {
	mu           sync.RWMutex
	agents       map[string][]string
	defaultAgent string

	terminals *terminalPool
	logger    *slog.Logger
}

// NewSpawner creates a spawner for the agents in cfg.
func NewSpawner(cfg *config.Config, logger *slog.Logger) (*Spawner, error) {
	if logger == nil {
		logger = logging.Agent()
	}
	s := &Spawner{
		terminals: newTerminalPool(logger),
		logger:    logger,
	}
	if err := s.Reconfigure(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Reconfigure replaces the agent commands. Running processes are unaffected;
// the new commands apply to future spawns.
func (s *Spawner) Reconfigure(cfg *config.Config) error {
	agents := make(map[string][]string, len(cfg.Agents))
	for _, a := range cfg.Agents {
		argv, err := a.Argv()
		if err != nil {
			return err
		}
		agents[a.Name] = argv
	}

	s.mu.Lock()
	s.agents = agents
	s.defaultAgent = cfg.DefaultAgent
	s.mu.Unlock()
	return nil
}

func (s *Spawner) command(name string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if name == "" {
		name = s.defaultAgent
	}
	argv, ok := s.agents[name]
	if !ok {
		if name == "" {
			return nil, fmt.Errorf("no agent configured")
		}
		return nil, fmt.Errorf("agent %q not configured", name)
	}
	return argv, nil
}

// Spawn starts the agent, performs the ACP handshake and begins the prompt turn.
func (s *Spawner) Spawn(ctx context.Context, opts agent.SpawnOptions) (agent.Process, error) {
	argv, err := s.command(opts.Agent)
	if err != nil {
		return nil, err
	}

	logger := logging.WithSession(s.logger, opts.SessionID, opts.Cwd)
	p := newProcess(opts, s.terminals, logger)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = opts.Cwd
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent %s: %w", argv[0], err)
	}
	p.cmd = cmd

	conn := acp.NewClientSideConnection(p, stdin, newJSONLineReader(stdout, logger))
	conn.SetLogger(logging.DowngradeInfoToDebug(logger))
	p.conn = conn

	logger.Debug("agent process started",
		"command", argv[0],
		"pid", cmd.Process.Pid,
		"resume", opts.ContinuationID != "")

	if err := p.handshake(ctx, opts); err != nil {
		p.Close()
		return nil, err
	}

	go p.run(opts.Prompt)
	return p, nil
}

// KillBackground terminates a background shell started by any agent process.
func (s *Spawner) KillBackground(ctx context.Context, bashID string) error {
	return s.terminals.kill(ctx, bashID)
}

// Close kills every background shell.
func (s *Spawner) Close(ctx context.Context) {
	s.terminals.closeAll(ctx)
}
