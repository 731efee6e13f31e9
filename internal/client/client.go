// Package client provides a Go client for a running relay server: REST calls,
// the multiplexed WebSocket, and the per-session view state a terminal or UI
// keeps on top of it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/inercia/relay/internal/session"
)

// Client provides HTTP methods for the relay REST API.
// It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(client *Client) {
		client.httpClient.Timeout = d
	}
}

// New creates a client for the server at baseURL (e.g. "http://127.0.0.1:8089").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// Message is one entry of a session's message log.
type Message = session.Message

// StreamInfo is the state of a session's live stream.
type StreamInfo struct {
	SessionID     string    `json:"session_id"`
	Status        string    `json:"status"`
	StartedAt     time.Time `json:"started_at"`
	Resumed       bool      `json:"resumed"`
	Stalled       bool      `json:"stalled"`
	Pending       string    `json:"pending,omitempty"`
	PendingToolID string    `json:"pending_tool_id,omitempty"`
}

// SessionInfo describes a session as returned by the server.
type SessionInfo struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	WorkingDir     string      `json:"working_dir"`
	Agent          string      `json:"agent,omitempty"`
	Mode           string      `json:"mode,omitempty"`
	PermissionMode string      `json:"permission_mode,omitempty"`
	ContinuationID string      `json:"continuation_id,omitempty"`
	MessageCount   int64       `json:"message_count"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	Stream         *StreamInfo `json:"stream,omitempty"`
}

// CreateSessionRequest represents a request to create a new session.
type CreateSessionRequest struct {
	WorkingDir     string `json:"working_dir"`
	Name           string `json:"name,omitempty"`
	Agent          string `json:"agent,omitempty"`
	Mode           string `json:"mode,omitempty"`
	PermissionMode string `json:"permission_mode,omitempty"`
}

// BackgroundProcess is a background shell started by an agent.
type BackgroundProcess struct {
	SessionID string    `json:"session_id"`
	BashID    string    `json:"bash_id"`
	Command   string    `json:"command"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("status %d", e.Status)
	}
	return fmt.Sprintf("status %d: %s: %s", e.Status, e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// do sends a request with an optional JSON body and decodes a JSON response
// into out when out is not nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, apiErr) != nil {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func sessionPath(id string, rest ...string) string {
	p := "/api/sessions/" + url.PathEscape(id)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

// ListSessions returns all sessions.
func (c *Client) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	var sessions []SessionInfo
	if err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &sessions); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// CreateSession creates a new session.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*SessionInfo, error) {
	var info SessionInfo
	if err := c.do(ctx, http.MethodPost, "/api/sessions", req, &info); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &info, nil
}

// GetSession returns a session by id.
func (c *Client) GetSession(ctx context.Context, id string) (*SessionInfo, error) {
	var info SessionInfo
	if err := c.do(ctx, http.MethodGet, sessionPath(id), nil, &info); err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &info, nil
}

// DeleteSession deletes a session, stopping its stream.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, sessionPath(id), nil, nil); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ChangeDirectory moves a session to dir. The server tears down the session's
// stream and forgets the agent conversation before answering.
func (c *Client) ChangeDirectory(ctx context.Context, id, dir string) (*SessionInfo, error) {
	var info SessionInfo
	body := map[string]string{"working_dir": dir}
	if err := c.do(ctx, http.MethodPut, sessionPath(id, "directory"), body, &info); err != nil {
		return nil, fmt.Errorf("change directory: %w", err)
	}
	return &info, nil
}

// Rename renames a session.
func (c *Client) Rename(ctx context.Context, id, name string) (*SessionInfo, error) {
	var info SessionInfo
	body := map[string]string{"name": name}
	if err := c.do(ctx, http.MethodPut, sessionPath(id, "name"), body, &info); err != nil {
		return nil, fmt.Errorf("rename session: %w", err)
	}
	return &info, nil
}

// Messages returns the messages of a session with a sequence number above
// afterSeq.
func (c *Client) Messages(ctx context.Context, id string, afterSeq int64) ([]Message, error) {
	path := sessionPath(id, "messages")
	if afterSeq > 0 {
		path += "?after=" + strconv.FormatInt(afterSeq, 10)
	}
	var msgs []Message
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	return msgs, nil
}

// Background lists the background shells of a session.
func (c *Client) Background(ctx context.Context, id string) ([]BackgroundProcess, error) {
	var out struct {
		Processes []BackgroundProcess `json:"processes"`
	}
	if err := c.do(ctx, http.MethodGet, sessionPath(id, "background"), nil, &out); err != nil {
		return nil, fmt.Errorf("list background processes: %w", err)
	}
	return out.Processes, nil
}

// Streams lists the sessions with a live stream.
func (c *Client) Streams(ctx context.Context) ([]StreamInfo, error) {
	var streams []StreamInfo
	if err := c.do(ctx, http.MethodGet, "/api/streams", nil, &streams); err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	return streams, nil
}

// socketURL returns the WebSocket URL of the server.
func (c *Client) socketURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/ws"
	return u.String(), nil
}
