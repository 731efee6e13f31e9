package web

import (
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/inercia/relay/internal/config"
	"github.com/inercia/relay/internal/protocol"
	"github.com/inercia/relay/internal/session"
	"github.com/inercia/relay/internal/stream"
)

// SessionView is a session as returned by the REST API, with its live stream
// state when one exists.
type SessionView struct {
	session.Session
	Stream *stream.Snapshot `json:"stream,omitempty"`
}

type createSessionRequest struct {
	WorkingDir     string `json:"working_dir"`
	Name           string `json:"name"`
	Agent          string `json:"agent"`
	Mode           string `json:"mode"`
	PermissionMode string `json:"permission_mode"`
}

type directoryRequest struct {
	WorkingDir string `json:"working_dir"`
}

type renameRequest struct {
	Name string `json:"name"`
}

func (s *Server) view(sess session.Session) SessionView {
	v := SessionView{Session: sess}
	if snap, ok := s.streams.Status(sess.ID); ok {
		v.Stream = &snap
	}
	return v
}

// handleListSessions handles GET /api/sessions.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.List()
	if err != nil {
		writeStoreError(w, s.logger, err)
		return
	}
	views := make([]SessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, s.view(sess))
	}
	writeJSONOK(w, views)
}

// handleCreateSession handles POST /api/sessions.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !parseJSONBody(w, r, &req) {
		return
	}
	dir, msg := validateWorkingDir(req.WorkingDir)
	if msg != "" {
		writeErrorJSON(w, http.StatusBadRequest, protocol.CodeBadRequest, msg)
		return
	}

	settings := s.currentSettings()
	if req.Agent == "" {
		req.Agent = settings.DefaultAgent
	} else if _, err := settings.Agent(req.Agent); err != nil {
		writeErrorJSON(w, http.StatusBadRequest, protocol.CodeBadRequest, err.Error())
		return
	}
	if req.Mode == "" {
		req.Mode = settings.Sessions.DefaultMode
	}
	if req.PermissionMode == "" {
		req.PermissionMode = settings.Sessions.DefaultPermissionMode
	} else if !config.ValidPermissionMode(req.PermissionMode) {
		writeErrorJSON(w, http.StatusBadRequest, protocol.CodeBadRequest,
			"unknown permission mode "+strconv.Quote(req.PermissionMode))
		return
	}
	if req.Name == "" {
		req.Name = filepath.Base(dir)
	}

	sess, err := s.store.Create(session.CreateOptions{
		WorkingDir:     dir,
		Name:           req.Name,
		Agent:          req.Agent,
		Mode:           req.Mode,
		PermissionMode: req.PermissionMode,
	})
	if err != nil {
		writeStoreError(w, s.logger, err)
		return
	}
	s.logger.Info("session created", "session_id", sess.ID, "working_dir", sess.WorkingDir)
	writeJSONCreated(w, s.view(sess))
}

// handleGetSession handles GET /api/sessions/{id}.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.Get(r.PathValue("id"))
	if err != nil {
		writeStoreError(w, s.logger, err)
		return
	}
	writeJSONOK(w, s.view(sess))
}

// handleDeleteSession handles DELETE /api/sessions/{id}.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.streams.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeStoreError(w, s.logger, err)
		return
	}
	writeNoContent(w)
}

// handleChangeDirectory handles PUT /api/sessions/{id}/directory. The
// session is invalidated before the response is written.
func (s *Server) handleChangeDirectory(w http.ResponseWriter, r *http.Request) {
	var req directoryRequest
	if !parseJSONBody(w, r, &req) {
		return
	}
	dir, msg := validateWorkingDir(req.WorkingDir)
	if msg != "" {
		writeErrorJSON(w, http.StatusBadRequest, protocol.CodeBadRequest, msg)
		return
	}
	sess, err := s.streams.ChangeDirectory(r.Context(), r.PathValue("id"), dir)
	if err != nil {
		writeStoreError(w, s.logger, err)
		return
	}
	writeJSONOK(w, s.view(sess))
}

// handleRename handles PUT /api/sessions/{id}/name.
func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if !parseJSONBody(w, r, &req) {
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeErrorJSON(w, http.StatusBadRequest, protocol.CodeBadRequest, "name is required")
		return
	}
	sess, err := s.streams.Rename(r.Context(), r.PathValue("id"), name)
	if err != nil {
		writeStoreError(w, s.logger, err)
		return
	}
	writeJSONOK(w, s.view(sess))
}

// handleMessages handles GET /api/sessions/{id}/messages?after=N.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeErrorJSON(w, http.StatusBadRequest, protocol.CodeBadRequest, "after must be a non-negative integer")
			return
		}
		after = n
	}
	msgs, err := s.store.Messages(r.PathValue("id"), after)
	if err != nil {
		writeStoreError(w, s.logger, err)
		return
	}
	if msgs == nil {
		msgs = []session.Message{}
	}
	writeJSONOK(w, msgs)
}

// handleBackground handles GET /api/sessions/{id}/background.
func (s *Server) handleBackground(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.Get(id); err != nil {
		writeStoreError(w, s.logger, err)
		return
	}
	writeJSONOK(w, protocol.NewBackgroundProcesses(id, s.tracker.List(id)).Event)
}

// handleStreams handles GET /api/streams.
func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	active := s.streams.Active()
	if active == nil {
		active = []stream.Snapshot{}
	}
	writeJSONOK(w, active)
}

// validateWorkingDir returns the cleaned directory, or a message explaining
// why it cannot be used.
func validateWorkingDir(dir string) (string, string) {
	if dir == "" {
		return "", "working_dir is required"
	}
	if !filepath.IsAbs(dir) {
		return "", "working_dir must be an absolute path"
	}
	dir = filepath.Clean(dir)
	info, err := os.Stat(dir)
	if err != nil {
		return "", "working_dir does not exist"
	}
	if !info.IsDir() {
		return "", "working_dir is not a directory"
	}
	return dir, ""
}
