package stream

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/inercia/relay/internal/agent"
)

// Status is the lifecycle state of a Handle.
type Status string

const (
	StatusSpawning  Status = "spawning"
	StatusStreaming Status = "streaming"
	StatusStopping  Status = "stopping"
	StatusDone      Status = "done"
)

// Pending names the user input a suspended process is waiting for.
type Pending string

const (
	PendingNone     Pending = ""
	PendingPlan     Pending = "plan"
	PendingQuestion Pending = "question"
)

// Handle is the live generation of one session. It is owned by the Manager
// and removed from it when the generation ends.
type Handle struct {
	SessionID string
	StartedAt time.Time
	Resumed   bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	cwd    string

	mu            sync.Mutex
	status        Status
	proc          agent.Process
	queued        []agent.Control
	pending       Pending
	pendingToolID string
	lastProgress  time.Time
	stalled       bool
	stopped       bool
	invalidated   bool
	outcome       string
	text          strings.Builder
	// seq is the Seq of the last message stored for the session.
	seq int64
}

func newHandle(sessionID, cwd string, resumed bool) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	return &Handle{
		SessionID:    sessionID,
		StartedAt:    now,
		Resumed:      resumed,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		cwd:          cwd,
		status:       StatusSpawning,
		lastProgress: now,
	}
}

// Status returns the current lifecycle state.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Done is closed once the handle's goroutine has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// live reports whether the handle can still accept controls or be stopped.
func (h *Handle) live() bool {
	select {
	case <-h.done:
		return false
	default:
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status != StatusDone && !h.stopped
}

// Snapshot is a point-in-time view of a handle.
type Snapshot struct {
	SessionID     string    `json:"session_id"`
	Status        Status    `json:"status"`
	StartedAt     time.Time `json:"started_at"`
	Resumed       bool      `json:"resumed"`
	Stalled       bool      `json:"stalled"`
	Pending       Pending   `json:"pending,omitempty"`
	PendingToolID string    `json:"pending_tool_id,omitempty"`
}

func (h *Handle) snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Snapshot{
		SessionID:     h.SessionID,
		Status:        h.status,
		StartedAt:     h.StartedAt,
		Resumed:       h.Resumed,
		Stalled:       h.stalled,
		Pending:       h.pending,
		PendingToolID: h.pendingToolID,
	}
}
