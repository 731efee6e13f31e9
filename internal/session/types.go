// Package session provides session persistence for relay.
package session

import (
	"time"
)

// SessionStore is the persistence contract used by the stream manager and the
// HTTP layer. Implementations must be safe for concurrent use.
type SessionStore interface {
	// Get returns the session with the given id or ErrSessionNotFound.
	Get(id string) (Session, error)

	// List returns every session, most recently updated first.
	List() ([]Session, error)

	// Create persists a new session and returns it with its generated id.
	Create(opts CreateOptions) (Session, error)

	// Update applies the non-nil fields of u and returns the updated session.
	Update(id string, u Update) (Session, error)

	// Delete removes the session and its message log.
	Delete(id string) error

	// AppendMessage appends m to the session's message log, assigning Seq and
	// Timestamp, and returns the stored message.
	AppendMessage(id string, m Message) (Message, error)

	// Messages returns messages with Seq greater than afterSeq, oldest first.
	Messages(id string, afterSeq int64) ([]Message, error)
}

// Session is a persisted chat session.
//
// ContinuationID is the agent-side session id that lets a new process resume
// the conversation. It is only valid for the working directory recorded in
// ContinuationDir.
type Session struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	WorkingDir      string    `json:"working_dir"`
	Agent           string    `json:"agent,omitempty"`
	Mode            string    `json:"mode,omitempty"`
	PermissionMode  string    `json:"permission_mode,omitempty"`
	ContinuationID  string    `json:"continuation_id,omitempty"`
	ContinuationDir string    `json:"continuation_dir,omitempty"`
	MessageCount    int64     `json:"message_count"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// CanResume reports whether the stored continuation id may be used for a spawn
// in the current working directory.
func (s Session) CanResume() bool {
	return s.ContinuationID != "" && s.ContinuationDir == s.WorkingDir
}

// CreateOptions describes a new session.
type CreateOptions struct {
	WorkingDir     string
	Name           string
	Agent          string
	Mode           string
	PermissionMode string
}

// Update lists the fields to change. Nil fields are left untouched.
// Setting ContinuationID to the empty string clears the continuation and its
// directory; setting it to a value records the session's current working
// directory alongside it unless ContinuationDir is also set.
type Update struct {
	WorkingDir      *string
	Name            *string
	Mode            *string
	PermissionMode  *string
	ContinuationID  *string
	ContinuationDir *string
}

// Ptr returns a pointer to s, for building Update values.
func Ptr(s string) *string { return &s }

// Role identifies who produced a message.
type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// Message is one entry in a session's message log.
type Message struct {
	Seq       int64     `json:"seq"`
	Role      Role      `json:"role"`
	Kind      string    `json:"kind"`
	Text      string    `json:"text,omitempty"`
	ToolID    string    `json:"tool_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
