package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/reeflective/readline"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/inercia/relay/internal/client"
	"github.com/inercia/relay/internal/logging"
)

var attachBacklog int

// attachCmd represents the attach command
var attachCmd = &cobra.Command{
	Use:   "attach [session-id]",
	Short: "Attach an interactive terminal to a running relay server",
	Long: `Attach an interactive terminal to a running relay server.

All sessions share one WebSocket connection. Events of background sessions
are tracked while you work in the active one; switching back restores them
without refetching.

Commands:
  /sessions            - List sessions
  /switch <id>         - Switch to a session (id prefix or name)
  /back                - Return to the previous session
  /new [dir]           - Create a session and switch to it
  /stop                - Stop the active generation
  /mode <mode>         - Change the agent mode
  /permission <mode>   - Change the permission mode
  /approve, /reject    - Resolve a pending plan
  /answer <text>       - Answer a pending question
  /dismiss             - Dismiss a pending question
  /bg                  - List background processes
  /kill <bash-id>      - Kill a background process
  /quit, /exit         - Exit`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAttach,
}

func init() {
	rootCmd.AddCommand(attachCmd)

	attachCmd.Flags().IntVar(&attachBacklog, "backlog", 20, "Messages to show when switching to a session")
}

type slashCommand struct {
	name        string
	description string
}

var slashCommands = []slashCommand{
	{"/sessions", "List sessions"},
	{"/switch", "Switch to a session"},
	{"/back", "Return to the previous session"},
	{"/new", "Create a session and switch to it"},
	{"/stop", "Stop the active generation"},
	{"/mode", "Change the agent mode"},
	{"/permission", "Change the permission mode"},
	{"/approve", "Approve the pending plan"},
	{"/reject", "Reject the pending plan"},
	{"/answer", "Answer the pending question"},
	{"/dismiss", "Dismiss the pending question"},
	{"/bg", "List background processes"},
	{"/kill", "Kill a background process"},
	{"/help", "Show available commands"},
	{"/quit", "Exit"},
	{"/exit", "Exit"},
}

// attachment is one interactive terminal bound to a socket.
type attachment struct {
	api    *client.Client
	socket *client.Socket
	mux    *client.Multiplexer
	out    func(format string, args ...any)
}

func runAttach(cmd *cobra.Command, args []string) error {
	// Keep logs off the terminal unless asked for.
	if logLevel == "" && !debug && logFile == "" && cfg.Logging.File == "" {
		if err := logging.Initialize(logging.Config{Level: "error"}); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
	defer stop()

	rl := readline.NewShell()
	rl.Prompt.Primary(func() string { return "relay> " })
	rl.History.Add("default", readline.NewInMemoryHistory())
	rl.Completer = func(line []rune, cursor int) readline.Completions {
		return completeInput(string(line), cursor)
	}
	out := func(format string, args ...any) {
		rl.Printf(format+"\n", args...)
	}

	api := newClient()
	renderer := newTerminalRenderer(func(s string) { out("%s", s) }, attachBacklog)
	mux := client.NewMultiplexer(api, renderer.Render)
	// Events may have been missed while disconnected.
	connected := make(chan struct{}, 1)
	socket, err := api.Socket(client.SocketCallbacks{
		OnEvent: mux.HandleEvent,
		OnConnected: func(string) {
			mux.Invalidate()
			select {
			case connected <- struct{}{}:
			default:
			}
		},
		OnDisconnected: func(err error) {
			out("connection lost (%v), reconnecting…", err)
		},
	})
	if err != nil {
		return err
	}
	a := &attachment{api: api, socket: socket, mux: mux, out: out}

	g, ctx := errgroup.WithContext(ctx)
	ctx, cancel := context.WithCancel(ctx)
	g.Go(func() error {
		return socket.Run(ctx)
	})
	g.Go(func() error {
		for {
			select {
			case <-connected:
				a.resync(ctx)
			case <-ctx.Done():
				return nil
			}
		}
	})
	g.Go(func() error {
		defer cancel()
		return a.loop(ctx, rl, args)
	})
	return g.Wait()
}

// resync reloads stream state and the active session after a (re)connect.
func (a *attachment) resync(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	live, err := a.api.Streams(ctx)
	if err != nil {
		a.out("failed to reload stream state: %v", err)
		return
	}
	if err := a.mux.Resync(ctx, live); err != nil {
		a.out("failed to reload session: %v", err)
	}
}

func (a *attachment) loop(ctx context.Context, rl *readline.Shell, args []string) error {
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := a.socket.WaitConnected(waitCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", serverBaseURL(), err)
	}

	if len(args) == 1 {
		a.switchTo(ctx, args[0])
	} else if err := a.listSessions(ctx); err != nil {
		a.out("%v", err)
	}

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, readline.ErrInterrupt) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := a.command(ctx, line); quit {
				return nil
			}
			continue
		}
		a.chat(ctx, line)
	}
}

func (a *attachment) chat(ctx context.Context, text string) {
	id := a.mux.Active()
	if id == "" {
		a.out("No active session: use /switch or /new")
		return
	}
	if a.mux.InputDisabled() {
		a.out("The agent is still responding: wait or /stop")
		return
	}
	a.request(ctx, client.Request{Type: "chat", SessionID: id, Text: text})
}

// command runs a slash command and reports whether to quit.
func (a *attachment) command(ctx context.Context, line string) bool {
	name, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	name = strings.ToLower(name)
	arg = strings.TrimSpace(arg)
	id := a.mux.Active()

	switch name {
	case "quit", "exit", "q":
		return true
	case "help", "h", "?":
		a.out("%s", helpText())
	case "sessions", "ls":
		if err := a.listSessions(ctx); err != nil {
			a.out("%v", err)
		}
	case "switch", "sw":
		if arg == "" {
			a.out("usage: /switch <id>")
			break
		}
		a.switchTo(ctx, arg)
	case "back":
		ok, err := a.mux.Back(ctx)
		if err != nil {
			a.out("%v", err)
		} else if !ok {
			a.out("No previous session")
		}
	case "new":
		a.newSession(ctx, arg)
	case "stop":
		a.request(ctx, client.Request{Type: "stop_generation", SessionID: id})
	case "mode":
		a.request(ctx, client.Request{Type: "set_mode", SessionID: id, Value: arg})
	case "permission":
		a.request(ctx, client.Request{Type: "set_permission_mode", SessionID: id, Value: arg})
	case "approve", "reject":
		a.request(ctx, client.Request{Type: "approve_plan", SessionID: id, Approved: name == "approve"})
	case "answer":
		a.request(ctx, client.Request{Type: "answer_question", SessionID: id, ToolID: a.pendingToolID(), Answer: arg})
	case "dismiss":
		a.request(ctx, client.Request{Type: "cancel_question", SessionID: id, ToolID: a.pendingToolID()})
	case "bg":
		a.listBackground(ctx, id)
	case "kill":
		a.request(ctx, client.Request{Type: "kill_background_process", SessionID: id, BashID: arg})
	default:
		a.out("Unknown command: %s (use /help for available commands)", name)
	}
	return false
}

func (a *attachment) request(ctx context.Context, req client.Request) {
	if req.SessionID == "" {
		a.out("No active session: use /switch or /new")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := a.socket.Request(ctx, req); err != nil {
		a.out("%s: %v", req.Type, err)
	}
}

func (a *attachment) pendingToolID() string {
	if p := a.mux.View(a.mux.Active()).Pending; p != nil {
		return p.ToolID
	}
	return ""
}

func (a *attachment) switchTo(ctx context.Context, ref string) {
	sessions, err := a.api.ListSessions(ctx)
	if err != nil {
		a.out("%v", err)
		return
	}
	id, err := resolveSession(sessions, ref)
	if err != nil {
		a.out("%v", err)
		return
	}
	if err := a.mux.Switch(ctx, id); err != nil {
		a.out("%v", err)
	}
}

func (a *attachment) newSession(ctx context.Context, dir string) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			a.out("%v", err)
			return
		}
		dir = wd
	}
	info, err := a.api.CreateSession(ctx, client.CreateSessionRequest{WorkingDir: dir})
	if err != nil {
		a.out("%v", err)
		return
	}
	if err := a.mux.Switch(ctx, info.ID); err != nil {
		a.out("%v", err)
	}
}

func (a *attachment) listSessions(ctx context.Context) error {
	sessions, err := a.api.ListSessions(ctx)
	if err != nil {
		return err
	}
	var b strings.Builder
	if err := printSessions(&b, sessions); err != nil {
		return err
	}
	a.out("%s", strings.TrimSuffix(b.String(), "\n"))
	return nil
}

func (a *attachment) listBackground(ctx context.Context, id string) {
	if id == "" {
		a.out("No active session: use /switch or /new")
		return
	}
	procs, err := a.api.Background(ctx, id)
	if err != nil {
		a.out("%v", err)
		return
	}
	if len(procs) == 0 {
		a.out("No background processes")
		return
	}
	for _, p := range procs {
		a.out("%s  %-10s %s", p.BashID, p.Status, p.Command)
	}
}

// resolveSession finds a session by exact id, unique id prefix or exact name.
func resolveSession(sessions []client.SessionInfo, ref string) (string, error) {
	var matches []string
	for _, s := range sessions {
		if s.ID == ref {
			return s.ID, nil
		}
		if strings.HasPrefix(s.ID, ref) || s.Name == ref {
			matches = append(matches, s.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no session matches %q", ref)
	case 1:
		return matches[0], nil
	}
	return "", fmt.Errorf("%q is ambiguous: %s", ref, strings.Join(matches, ", "))
}

func helpText() string {
	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, c := range slashCommands {
		fmt.Fprintf(&b, "  %-12s %s\n", c.name, c.description)
	}
	b.WriteString("Anything else is sent to the active session.")
	return b.String()
}

// completeInput provides tab completion for slash commands.
func completeInput(line string, cursor int) readline.Completions {
	if cursor > len(line) {
		cursor = len(line)
	}
	matches := matchCommands(line[:cursor])
	if len(matches) == 0 {
		return readline.Completions{}
	}

	pairs := make([]string, 0, len(matches)*2)
	for _, c := range matches {
		pairs = append(pairs, c.name, c.description)
	}
	return readline.CompleteValuesDescribed(pairs...).
		Tag("commands").
		NoSpace('/')
}

// matchCommands returns the slash commands starting with text.
func matchCommands(text string) []slashCommand {
	if !strings.HasPrefix(text, "/") {
		return nil
	}
	var out []slashCommand
	for _, c := range slashCommands {
		if strings.HasPrefix(c.name, text) {
			out = append(out, c)
		}
	}
	return out
}
