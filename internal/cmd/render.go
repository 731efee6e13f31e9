package cmd

import (
	"fmt"
	"strings"
	"sync"

	"github.com/inercia/relay/internal/client"
	"github.com/inercia/relay/internal/session"
)

// terminalRenderer turns multiplexer views into terminal output. Output is
// line oriented: while the active session is generating only complete lines
// are printed, the rest follows once the generation ends. Switching sessions
// reprints the last backlog messages of the target session.
type terminalRenderer struct {
	mu    sync.Mutex
	print func(string)

	backlog int
	session string
	from    int    // first message of the transcript
	emitted string // transcript already printed
	pending string
}

func newTerminalRenderer(print func(string), backlog int) *terminalRenderer {
	return &terminalRenderer{print: print, backlog: backlog}
}

// Render implements client.RenderFunc.
func (r *terminalRenderer) Render(v client.View) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if out := r.delta(v); out != "" {
		r.print(strings.TrimSuffix(out, "\n"))
	}
}

func (r *terminalRenderer) delta(v client.View) string {
	var b strings.Builder

	if v.SessionID != r.session {
		r.session = v.SessionID
		r.from = 0
		r.emitted = ""
		r.pending = ""
		fmt.Fprintf(&b, "── session %s ──\n", v.SessionID)
		if start := len(v.Messages) - r.backlog; r.backlog > 0 && start > 0 {
			fmt.Fprintf(&b, "… %d earlier messages\n", start)
			r.from = start
		}
	}
	if r.from > len(v.Messages) {
		r.from = 0
	}

	pending := pendingPrompt(v.Pending)
	full := transcript(v.Messages[r.from:], !v.Loading || pending != "")
	if !strings.HasPrefix(full, r.emitted) {
		// The log was replaced, e.g. by a fetch: print it again.
		r.emitted = ""
	}
	avail := full[len(r.emitted):]
	if v.Loading && pending == "" {
		avail = avail[:strings.LastIndex(avail, "\n")+1]
	}
	b.WriteString(avail)
	r.emitted += avail

	if pending != r.pending {
		r.pending = pending
		if pending != "" {
			b.WriteString(pending + "\n")
		}
	}
	return b.String()
}

// transcript formats messages one per line. The last message is left open
// unless final is set, as it may still grow.
func transcript(msgs []client.Message, final bool) string {
	var b strings.Builder
	for i, m := range msgs {
		b.WriteString(formatMessage(m))
		if final || i < len(msgs)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}

func formatMessage(m client.Message) string {
	switch m.Role {
	case session.RoleUser:
		return "> " + m.Text
	case session.RoleSystem:
		return "! " + m.Text
	}
	if m.Kind == "tool_use" {
		return "* " + m.Text
	}
	return m.Text
}

// pendingPrompt describes an open plan or question request.
func pendingPrompt(ev *client.Event) string {
	if ev == nil {
		return ""
	}
	switch ev.Type {
	case "plan_request":
		return "Plan ready for review: /approve or /reject\n" + ev.Text
	case "question_request":
		s := "Question: " + ev.Text
		if len(ev.Options) > 0 {
			s += "\nOptions: " + strings.Join(ev.Options, ", ")
		}
		return s + "\nReply with /answer <text> or /dismiss"
	}
	return ""
}
