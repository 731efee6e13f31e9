// Package agent defines the contract between the stream manager and the
// external agent processes that produce a session's output.
package agent

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by Process methods once the process has exited.
	ErrClosed = errors.New("agent process closed")
	// ErrNoPendingRequest is returned by Inject when a plan decision or answer
	// does not match the request the process is suspended on.
	ErrNoPendingRequest = errors.New("no matching pending request")
	// ErrUnknownOption is returned by Inject when an answer matches none of the
	// offered options.
	ErrUnknownOption = errors.New("answer matches no option")
)

// Spawner starts agent processes.
type Spawner interface {
	// Spawn starts a process for one generation. The returned process begins
	// streaming events immediately; the caller must drain Events until it closes.
	Spawn(ctx context.Context, opts SpawnOptions) (Process, error)
}

// BackgroundKiller terminates a background shell started by an agent.
type BackgroundKiller interface {
	KillBackground(ctx context.Context, bashID string) error
}

// BackgroundSink is notified when an agent starts or finishes a background shell.
type BackgroundSink interface {
	BackgroundStarted(sessionID, bashID, command string)
	BackgroundExited(sessionID, bashID string)
}

// SpawnOptions describes one generation.
type SpawnOptions struct {
	SessionID string
	// Cwd is the working directory the agent runs in.
	Cwd            string
	Mode           string
	PermissionMode string
	// ContinuationID resumes a previous conversation when non-empty.
	ContinuationID string
	Prompt         string
	// Agent selects a configured agent by name; empty means the default agent.
	Agent      string
	Background BackgroundSink
}

// Process is a running generation.
type Process interface {
	// Events yields events in emission order. The channel is closed after the
	// final done or error event.
	Events() <-chan Event

	// Abort asks the process to stop cooperatively. It returns once the request
	// has been delivered; completion is signalled by Events closing.
	Abort(ctx context.Context) error

	// Inject delivers a control change to the running process without
	// interrupting it.
	Inject(ctx context.Context, c Control) error

	// Close forcibly terminates the process. It is safe to call more than once.
	Close() error
}

// EventKind discriminates Event.
type EventKind string

const (
	EventText            EventKind = "text"
	EventThought         EventKind = "thought"
	EventToolUse         EventKind = "tool_use"
	EventPlanRequest     EventKind = "plan_request"
	EventQuestionRequest EventKind = "question_request"
	EventContinuation    EventKind = "continuation"
	EventError           EventKind = "error"
	EventDone            EventKind = "done"
)

// Terminal reports whether no further events follow an event of this kind.
func (k EventKind) Terminal() bool {
	return k == EventDone || k == EventError
}

// Event is emitted by a Process.
type Event struct {
	Kind EventKind `json:"kind"`
	Text string    `json:"text,omitempty"`
	// ToolID identifies the tool call for tool_use and question_request events.
	ToolID string `json:"tool_id,omitempty"`
	// Status is the tool call status for tool_use events.
	Status string `json:"status,omitempty"`
	// Options lists the choices offered by a question_request.
	Options []string `json:"options,omitempty"`
	// ContinuationID is set on continuation events.
	ContinuationID string `json:"continuation_id,omitempty"`
	// StopReason is set on done events.
	StopReason string `json:"stop_reason,omitempty"`
}

// ControlKind discriminates Control.
type ControlKind string

const (
	ControlPermissionMode ControlKind = "permission_mode"
	ControlMode           ControlKind = "mode"
	ControlPlanDecision   ControlKind = "plan_decision"
	ControlAnswer         ControlKind = "answer"
	ControlCancelQuestion ControlKind = "cancel_question"
)

// Control is a mid-stream instruction delivered through Process.Inject.
type Control struct {
	Kind ControlKind
	// Value carries the new mode for mode and permission_mode controls and the
	// answer for answer controls.
	Value    string
	ToolID   string
	Approved bool
}
