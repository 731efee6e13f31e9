// Package protocol defines the control channel spoken over the multiplexed
// WebSocket and dispatches inbound messages to the stream manager and the
// background process tracker.
//
// # Wire format
//
// Every inbound message is a flat JSON object naming its type and the session
// it addresses:
//
//	{
//	    "type": "chat",
//	    "session_id": "…",
//	    "request_id": "…",   // optional, echoed in the ack or error
//	    "text": "…"          // type-specific fields
//	}
//
// Every outbound message wraps one event with the session it belongs to:
//
//	{
//	    "session_id": "…",
//	    "event": { "type": "text", … }
//	}
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/inercia/relay/internal/background"
)

// ErrBadRequest marks malformed or incomplete inbound messages.
var ErrBadRequest = errors.New("bad request")

// ErrRateLimited is reported when a connection exceeds its message rate.
var ErrRateLimited = errors.New("rate limit exceeded")

// =============================================================================
// Client → Server Message Types
// =============================================================================

const (
	// MsgChat starts a generation. Rejected with busy while one is active.
	// Fields: text, mode (optional)
	MsgChat = "chat"

	// MsgStopGeneration cancels the active generation. Always accepted.
	MsgStopGeneration = "stop_generation"

	// MsgSetPermissionMode changes the permission mode without interrupting
	// the active generation.
	// Fields: value
	MsgSetPermissionMode = "set_permission_mode"

	// MsgSetMode changes the agent mode of the active generation and of
	// future ones.
	// Fields: value
	MsgSetMode = "set_mode"

	// MsgApprovePlan resolves a pending plan. No-op when none is pending.
	// Fields: approved
	MsgApprovePlan = "approve_plan"

	// MsgAnswerQuestion answers the pending question identified by tool_id.
	// Fields: tool_id, answer
	MsgAnswerQuestion = "answer_question"

	// MsgCancelQuestion dismisses the pending question identified by tool_id.
	// Fields: tool_id
	MsgCancelQuestion = "cancel_question"

	// MsgKillBackgroundProcess kills a background shell of the session.
	// Fields: bash_id
	MsgKillBackgroundProcess = "kill_background_process"

	// MsgPing is answered with pong. session_id is optional.
	MsgPing = "ping"
)

// =============================================================================
// Server → Client Event Types
// =============================================================================
// Stream events (started, text, done, cancelled, …) are forwarded as produced
// by the stream manager. The types below are produced by this package.

const (
	// EventAck confirms a request carrying a request_id.
	// Fields: request_id, result (optional)
	EventAck = "ack"

	// EventError rejects a request.
	// Fields: request_id, code, message
	EventError = "error"

	// EventPong answers ping.
	EventPong = "pong"

	// EventConnected is the first message on every connection.
	// Fields: connection_id
	EventConnected = "connected"

	// EventBackgroundProcesses carries the visible background shells of a
	// session after every change.
	// Fields: processes
	EventBackgroundProcesses = "background_processes"
)

// Error codes carried by error events.
const (
	CodeBusy          = "busy"
	CodeNotFound      = "not_found"
	CodeStaleQuestion = "stale_question"
	CodeNotOwned      = "not_owned"
	CodeBadRequest    = "bad_request"
	CodeRateLimited   = "rate_limited"
	CodeInternal      = "internal"
)

// Inbound is a client message.
type Inbound struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Mode      string `json:"mode,omitempty"`
	Value     string `json:"value,omitempty"`
	Approved  bool   `json:"approved,omitempty"`
	ToolID    string `json:"tool_id,omitempty"`
	Answer    string `json:"answer,omitempty"`
	BashID    string `json:"bash_id,omitempty"`
}

// ParseInbound decodes and validates the envelope of a client message.
func ParseInbound(data []byte) (Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if msg.Type == "" {
		return msg, fmt.Errorf("%w: missing type", ErrBadRequest)
	}
	if msg.SessionID == "" && msg.Type != MsgPing {
		return msg, fmt.Errorf("%w: missing session_id", ErrBadRequest)
	}
	return msg, nil
}

// Outbound is a server message.
type Outbound struct {
	SessionID string `json:"session_id"`
	Event     any    `json:"event"`
}

// Ack confirms a request.
type Ack struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Result    any    `json:"result,omitempty"`
}

// Error rejects a request.
type Error struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// Pong answers ping.
type Pong struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
}

// Connected greets a new connection.
type Connected struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
}

// BackgroundProcesses lists a session's visible background shells.
type BackgroundProcesses struct {
	Type      string              `json:"type"`
	Processes []background.Record `json:"processes"`
}

// KillResult is the ack result of kill_background_process.
type KillResult struct {
	BashID  string `json:"bash_id"`
	Outcome string `json:"outcome"`
}

// PlanResult is the ack result of approve_plan.
type PlanResult struct {
	// Resolved is false when no plan was pending.
	Resolved bool `json:"resolved"`
}

// NewAck builds the ack for msg.
func NewAck(msg Inbound, result any) Outbound {
	return Outbound{
		SessionID: msg.SessionID,
		Event:     Ack{Type: EventAck, RequestID: msg.RequestID, Result: result},
	}
}

// NewError builds the error reply for msg.
func NewError(msg Inbound, err error) Outbound {
	return Outbound{
		SessionID: msg.SessionID,
		Event: Error{
			Type:      EventError,
			RequestID: msg.RequestID,
			Code:      ErrorCode(err),
			Message:   err.Error(),
		},
	}
}

// NewBackgroundProcesses builds the background_processes event of a session.
func NewBackgroundProcesses(sessionID string, records []background.Record) Outbound {
	if records == nil {
		records = []background.Record{}
	}
	return Outbound{
		SessionID: sessionID,
		Event:     BackgroundProcesses{Type: EventBackgroundProcesses, Processes: records},
	}
}

// NewEvent wraps a stream event.
func NewEvent(sessionID string, ev any) Outbound {
	return Outbound{SessionID: sessionID, Event: ev}
}
