// Package hooks runs the shell commands configured around the server
// lifecycle: an up hook started once the server listens (a tunnel, a
// registration with a proxy) and a down hook run after it stopped.
package hooks

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/inercia/relay/internal/config"
)

// Vars returns the variables substituted in hook commands for a listener.
func Vars(host, port string) map[string]string {
	return map[string]string{
		"HOST": host,
		"PORT": port,
		"URL":  "http://" + host + ":" + port,
	}
}

// Expand substitutes ${NAME} references to vars. Other references are left
// for the shell to expand.
func Expand(command string, vars map[string]string) string {
	return os.Expand(command, func(name string) string {
		if v, ok := vars[name]; ok {
			return v
		}
		return "${" + name + "}"
	})
}

func hookName(hook config.HookConfig, fallback string) string {
	if hook.Name != "" {
		return hook.Name
	}
	return fallback
}

func shellCommand(ctx context.Context, command string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// Own process group, so Stop reaches every child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

// Process is a running up hook.
type Process struct {
	name   string
	cmd    *exec.Cmd
	logger *slog.Logger
	done   chan struct{}
	err    error
}

// Start starts hook asynchronously. It returns nil, nil when no command is
// configured.
func Start(hook config.HookConfig, vars map[string]string, logger *slog.Logger) (*Process, error) {
	if strings.TrimSpace(hook.Command) == "" {
		return nil, nil
	}
	name := hookName(hook, "up")
	command := Expand(hook.Command, vars)

	p := &Process{
		name:   name,
		cmd:    shellCommand(context.Background(), command),
		logger: logger.With("hook", name),
		done:   make(chan struct{}),
	}
	if err := p.cmd.Start(); err != nil {
		return nil, err
	}
	p.logger.Info("Hook started", "command", command, "pid", p.cmd.Process.Pid)

	go func() {
		p.err = p.cmd.Wait()
		close(p.done)
		var exitErr *exec.ExitError
		switch {
		case p.err == nil:
			p.logger.Info("Hook completed")
		case errors.As(p.err, &exitErr) && exitErr.ExitCode() == -1:
			p.logger.Debug("Hook killed by signal")
		default:
			p.logger.Error("Hook failed", "error", p.err)
		}
	}()
	return p, nil
}

// Done is closed when the hook exits.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Stop sends SIGTERM to the hook's process group and waits up to grace
// before killing it. It is safe to call on a nil Process.
func (p *Process) Stop(grace time.Duration) {
	if p == nil {
		return
	}
	select {
	case <-p.done:
		return
	default:
	}

	pid := p.cmd.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case <-p.done:
	case <-time.After(grace):
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		<-p.done
	}
	p.logger.Info("Hook stopped")
}

// Run runs hook to completion, or until ctx is done.
func Run(ctx context.Context, hook config.HookConfig, vars map[string]string, logger *slog.Logger) error {
	if strings.TrimSpace(hook.Command) == "" {
		return nil
	}
	name := hookName(hook, "down")
	command := Expand(hook.Command, vars)
	logger = logger.With("hook", name)

	logger.Info("Running hook", "command", command)
	if err := shellCommand(ctx, command).Run(); err != nil {
		logger.Error("Hook failed", "error", err)
		return err
	}
	logger.Info("Hook completed")
	return nil
}
