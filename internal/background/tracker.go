// Package background tracks the shell commands agents leave running for a
// session and kills them on request.
package background

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/inercia/relay/internal/agent"
	"github.com/inercia/relay/internal/logging"
)

var (
	// ErrNotOwned is returned when a session addresses a bash id it does not own.
	ErrNotOwned = errors.New("background process not owned by session")
	// ErrNotFound is returned for unknown bash ids.
	ErrNotFound = errors.New("background process not found")
	// ErrKillInProgress is returned when a kill for the same bash id is already running.
	ErrKillInProgress = errors.New("kill already in progress")
)

// Status of a tracked process.
type Status string

const (
	StatusRunning Status = "running"
	StatusKilling Status = "killing"
)

// Record describes one background process.
type Record struct {
	SessionID string    `json:"session_id"`
	BashID    string    `json:"bash_id"`
	Command   string    `json:"command"`
	Status    Status    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

// KillOutcome is the final state of a kill.
type KillOutcome string

const (
	// KillConfirmed means the process is gone and the record was removed.
	KillConfirmed KillOutcome = "confirmed"
	// KillRolledBack means the kill failed and the record was restored.
	KillRolledBack KillOutcome = "rolled_back"
)

// KillResult reports both phases of a kill: the optimistic removal and the
// final outcome.
type KillResult struct {
	BashID  string
	Outcome KillOutcome
	// Err is the killer's error when the kill was rolled back.
	Err error
}

// Publisher receives the visible process list of a session after every change.
type Publisher func(sessionID string, records []Record)

// Tracker is the set of background processes across all sessions.
// Records are keyed by bash id; kills for the same bash id are exclusive.
//
// All methods are safe for concurrent use.
type Tracker struct {
	killer  agent.BackgroundKiller
	publish Publisher
	logger  *slog.Logger

	// publishMu orders snapshots with their publication, so the last list
	// published for a session is the newest.
	publishMu sync.Mutex

	mu      sync.Mutex
	records map[string]*Record
}

// NewTracker creates a tracker that uses killer to terminate processes.
// publish may be nil.
func NewTracker(killer agent.BackgroundKiller, publish Publisher) *Tracker {
	return &Tracker{
		killer:  killer,
		publish: publish,
		logger:  logging.Background(),
		records: make(map[string]*Record),
	}
}

// SetPublisher replaces the publisher. Call before concurrent use.
func (t *Tracker) SetPublisher(p Publisher) {
	t.mu.Lock()
	t.publish = p
	t.mu.Unlock()
}

// Register adds a running process for sessionID. Registering a known bash id
// again replaces its record.
func (t *Tracker) Register(sessionID, bashID, command string) {
	t.mu.Lock()
	t.records[bashID] = &Record{
		SessionID: sessionID,
		BashID:    bashID,
		Command:   command,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}
	t.mu.Unlock()

	t.logger.Debug("background process registered", "session_id", sessionID, "bash_id", bashID, "command", command)
	t.notify(sessionID)
}

// Remove forgets a process, typically because it exited. Unknown ids and ids
// owned by another session are ignored.
func (t *Tracker) Remove(sessionID, bashID string) {
	t.mu.Lock()
	rec, ok := t.records[bashID]
	if !ok || rec.SessionID != sessionID {
		t.mu.Unlock()
		return
	}
	delete(t.records, bashID)
	t.mu.Unlock()

	t.notify(sessionID)
}

// List returns the visible processes of a session ordered by start time.
// Processes with a kill in flight are hidden.
func (t *Tracker) List(sessionID string) []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listLocked(sessionID)
}

func (t *Tracker) listLocked(sessionID string) []Record {
	out := []Record{}
	for _, rec := range t.records {
		if rec.SessionID == sessionID && rec.Status == StatusRunning {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].BashID < out[j].BashID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Kill terminates a process owned by sessionID.
//
// The record is hidden first and the change published. The killer then runs;
// on success the record is removed, on failure it is restored and the
// restoration published. A bash id owned by another session is rejected with
// ErrNotOwned and nothing changes.
func (t *Tracker) Kill(ctx context.Context, sessionID, bashID string) (KillResult, error) {
	t.mu.Lock()
	rec, ok := t.records[bashID]
	switch {
	case !ok:
		t.mu.Unlock()
		return KillResult{}, ErrNotFound
	case rec.SessionID != sessionID:
		t.mu.Unlock()
		return KillResult{}, ErrNotOwned
	case rec.Status == StatusKilling:
		t.mu.Unlock()
		return KillResult{}, ErrKillInProgress
	}
	rec.Status = StatusKilling
	t.mu.Unlock()
	t.notify(sessionID)

	log := logging.WithSession(t.logger, sessionID, "")
	err := t.killer.KillBackground(ctx, bashID)

	t.mu.Lock()
	current, still := t.records[bashID]
	if err != nil {
		if still && current == rec {
			rec.Status = StatusRunning
		}
		t.mu.Unlock()
		t.notify(sessionID)
		log.Warn("background kill failed, restored", "bash_id", bashID, "error", err)
		return KillResult{BashID: bashID, Outcome: KillRolledBack, Err: err},
			fmt.Errorf("kill %s: %w", bashID, err)
	}
	if still && current == rec {
		delete(t.records, bashID)
	}
	t.mu.Unlock()
	t.notify(sessionID)
	log.Debug("background process killed", "bash_id", bashID)
	return KillResult{BashID: bashID, Outcome: KillConfirmed}, nil
}

// DropSession forgets every record of a session without killing anything.
func (t *Tracker) DropSession(sessionID string) {
	t.mu.Lock()
	for id, rec := range t.records {
		if rec.SessionID == sessionID {
			delete(t.records, id)
		}
	}
	t.mu.Unlock()
}

// Count returns the number of tracked processes across all sessions.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

func (t *Tracker) notify(sessionID string) {
	t.publishMu.Lock()
	defer t.publishMu.Unlock()
	t.mu.Lock()
	publish := t.publish
	records := t.listLocked(sessionID)
	t.mu.Unlock()
	if publish != nil {
		publish(sessionID, records)
	}
}

// BackgroundStarted implements agent.BackgroundSink.
func (t *Tracker) BackgroundStarted(sessionID, bashID, command string) {
	t.Register(sessionID, bashID, command)
}

// BackgroundExited implements agent.BackgroundSink.
func (t *Tracker) BackgroundExited(sessionID, bashID string) {
	t.Remove(sessionID, bashID)
}

var _ agent.BackgroundSink = (*Tracker)(nil)
