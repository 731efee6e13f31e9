package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inercia/relay/internal/fileutil"
	"github.com/inercia/relay/internal/logging"
)

const (
	messagesFileName = "messages.jsonl"
	metadataFileName = "metadata.json"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrStoreClosed     = errors.New("store is closed")
)

var _ SessionStore = (*Store)(nil)

// Store keeps each session in its own directory: metadata.json plus an
// append-only messages.jsonl.
type Store struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool
}

// NewStore creates a store rooted at baseDir, creating it if needed.
func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	logging.Session().Debug("session store initialized", "base_dir", baseDir)
	return &Store{baseDir: baseDir}, nil
}

func (s *Store) sessionDir(id string) string {
	return filepath.Join(s.baseDir, id)
}

func (s *Store) metadataPath(id string) string {
	return filepath.Join(s.sessionDir(id), metadataFileName)
}

func (s *Store) messagesPath(id string) string {
	return filepath.Join(s.sessionDir(id), messagesFileName)
}

// Create persists a new session.
func (s *Store) Create(opts CreateOptions) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Session{}, ErrStoreClosed
	}

	now := time.Now().UTC()
	sess := Session{
		ID:             uuid.NewString(),
		Name:           opts.Name,
		WorkingDir:     opts.WorkingDir,
		Agent:          opts.Agent,
		Mode:           opts.Mode,
		PermissionMode: opts.PermissionMode,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if sess.Name == "" {
		sess.Name = filepath.Base(opts.WorkingDir)
	}

	if err := os.MkdirAll(s.sessionDir(sess.ID), 0o755); err != nil {
		return Session{}, fmt.Errorf("failed to create session directory: %w", err)
	}
	if err := fileutil.WriteJSONAtomic(s.metadataPath(sess.ID), sess, 0o644); err != nil {
		return Session{}, err
	}

	logging.Session().Debug("session created",
		"session_id", sess.ID,
		"working_dir", sess.WorkingDir,
		"mode", sess.Mode)
	return sess, nil
}

// Get returns the session with the given id.
func (s *Store) Get(id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Session{}, ErrStoreClosed
	}
	return s.readMetadata(id)
}

// List returns all sessions, most recently updated first.
func (s *Store) List() ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	sessions := make([]Session, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sess, err := s.readMetadata(e.Name())
		if err != nil {
			logging.Session().Warn("skipping unreadable session", "session_id", e.Name(), "error", err)
			continue
		}
		sessions = append(sessions, sess)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions, nil
}

// Update applies u to the stored session.
func (s *Store) Update(id string, u Update) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Session{}, ErrStoreClosed
	}

	sess, err := s.readMetadata(id)
	if err != nil {
		return Session{}, err
	}

	if u.WorkingDir != nil {
		sess.WorkingDir = *u.WorkingDir
	}
	if u.Name != nil {
		sess.Name = *u.Name
	}
	if u.Mode != nil {
		sess.Mode = *u.Mode
	}
	if u.PermissionMode != nil {
		sess.PermissionMode = *u.PermissionMode
	}
	if u.ContinuationID != nil {
		sess.ContinuationID = *u.ContinuationID
		switch {
		case sess.ContinuationID == "":
			sess.ContinuationDir = ""
		case u.ContinuationDir != nil:
			sess.ContinuationDir = *u.ContinuationDir
		default:
			sess.ContinuationDir = sess.WorkingDir
		}
	}
	sess.UpdatedAt = time.Now().UTC()

	if err := fileutil.WriteJSONAtomic(s.metadataPath(id), sess, 0o644); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// Delete removes the session directory.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, err := s.readMetadata(id); err != nil {
		return err
	}
	if err := os.RemoveAll(s.sessionDir(id)); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	logging.Session().Debug("session deleted", "session_id", id)
	return nil
}

// AppendMessage appends m to the message log.
func (s *Store) AppendMessage(id string, m Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Message{}, ErrStoreClosed
	}

	sess, err := s.readMetadata(id)
	if err != nil {
		return Message{}, err
	}

	m.Seq = sess.MessageCount + 1
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}

	if err := fileutil.AppendJSONLine(s.messagesPath(id), m, 0o644); err != nil {
		return Message{}, err
	}

	sess.MessageCount = m.Seq
	sess.UpdatedAt = m.Timestamp
	if err := fileutil.WriteJSONAtomic(s.metadataPath(id), sess, 0o644); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Messages returns messages after afterSeq.
func (s *Store) Messages(id string, afterSeq int64) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if _, err := s.readMetadata(id); err != nil {
		return nil, err
	}

	f, err := os.Open(s.messagesPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return []Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open messages file: %w", err)
	}
	defer f.Close()

	messages := []Message{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var m Message
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message: %w", err)
		}
		if m.Seq > afterSeq {
			messages = append(messages, m)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	return messages, nil
}

// Close marks the store closed. Later calls return ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *Store) readMetadata(id string) (Session, error) {
	if id == "" || filepath.Base(id) != id {
		return Session{}, ErrSessionNotFound
	}
	var sess Session
	err := fileutil.ReadJSON(s.metadataPath(id), &sess)
	if errors.Is(err, os.ErrNotExist) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("failed to read metadata: %w", err)
	}
	return sess, nil
}
