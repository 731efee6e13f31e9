package stream

import (
	"errors"

	"github.com/inercia/relay/internal/session"
)

var (
	// ErrBusy is returned by Start while the session already has a live stream.
	ErrBusy = errors.New("session already has an active stream")
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = session.ErrSessionNotFound
	// ErrStaleQuestion is returned when an answer does not match the pending question.
	ErrStaleQuestion = errors.New("no pending question with that tool id")
	// ErrUnknownControl is returned by SetControlMode for unsupported kinds.
	ErrUnknownControl = errors.New("unknown control kind")
	// ErrInvalidMode is returned for permission modes outside the known set.
	ErrInvalidMode = errors.New("invalid mode value")
)

// EventType discriminates outbound stream events.
type EventType string

const (
	EventStarted         EventType = "started"
	EventText            EventType = "text"
	EventThought         EventType = "thought"
	EventToolUse         EventType = "tool_use"
	EventPlanRequest     EventType = "plan_request"
	EventQuestionRequest EventType = "question_request"
	EventDone            EventType = "done"
	EventError           EventType = "error"
	EventCancelled       EventType = "cancelled"
	EventInvalidated     EventType = "invalidated"
	EventModeChanged     EventType = "mode_changed"
	EventStatus          EventType = "status"
)

// Error codes carried by error events.
const (
	CodeProcessCrash = "process_crash"
	CodeSpawnFailed  = "spawn_failed"
	CodeAgentError   = "agent_error"
)

// Event is published for a session whenever its stream changes.
type Event struct {
	Type       EventType `json:"type"`
	Text       string    `json:"text,omitempty"`
	ToolID     string    `json:"tool_id,omitempty"`
	Status     string    `json:"status,omitempty"`
	Options    []string  `json:"options,omitempty"`
	StopReason string    `json:"stop_reason,omitempty"`
	Code       string    `json:"code,omitempty"`
	Message    string    `json:"message,omitempty"`
	TimedOut   bool      `json:"timed_out,omitempty"`
	Stalled    bool      `json:"stalled,omitempty"`
	Resumed    bool      `json:"resumed,omitempty"`
	// Kind and Value describe a mode_changed event.
	Kind   string `json:"kind,omitempty"`
	Value  string `json:"value,omitempty"`
	Reason string `json:"reason,omitempty"`
	// Seq is the Seq of the last message stored for the session when the
	// event was emitted. Agent text carried by a text event is stored later,
	// under a greater Seq.
	Seq int64 `json:"seq,omitempty"`
}

// Publisher delivers events tagged with their session id. Calls for one
// session are serialized in emission order. It must not call back into the
// Manager.
type Publisher func(sessionID string, ev Event)
