package web

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// AccessLogConfig holds configuration for access logging.
type AccessLogConfig struct {
	// Path is the file path for the access log.
	// Empty string disables access logging.
	Path string

	// MaxSizeMB is the maximum size of the log file in megabytes before rotation.
	// Default: 10MB
	MaxSizeMB int

	// MaxBackups is the maximum number of old log files to retain.
	// Default: 1
	MaxBackups int
}

// AccessLogger writes one line per HTTP request to a rotated file.
type AccessLogger struct {
	writer io.WriteCloser
	mu     sync.Mutex
}

// NewAccessLogger returns nil when config.Path is empty.
func NewAccessLogger(config AccessLogConfig) *AccessLogger {
	if config.Path == "" {
		return nil
	}
	maxSize := config.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 10
	}
	maxBackups := config.MaxBackups
	if maxBackups <= 0 {
		maxBackups = 1
	}
	return newAccessLoggerWriter(&lumberjack.Logger{
		Filename:   config.Path,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
	})
}

func newAccessLoggerWriter(w io.WriteCloser) *AccessLogger {
	return &AccessLogger{writer: w}
}

func (a *AccessLogger) Close() error {
	if a == nil || a.writer == nil {
		return nil
	}
	return a.writer.Close()
}

// LogEntry is a single access log line.
type LogEntry struct {
	Timestamp    time.Time
	ClientIP     string
	Method       string
	Path         string
	StatusCode   int
	BytesWritten int64
	Duration     time.Duration
	UserAgent    string
	// EventType classifies the outcome: ok, upgrade, rejected, rate_limited,
	// error or blocked.
	EventType string
}

// Write appends entry in the format:
// timestamp ip "method path" status bytes duration_ms "user-agent" event
func (a *AccessLogger) Write(entry LogEntry) {
	if a == nil || a.writer == nil {
		return
	}
	line := fmt.Sprintf("%s %s \"%s %s\" %d %d %dms \"%s\" %s\n",
		entry.Timestamp.Format(time.RFC3339),
		entry.ClientIP,
		entry.Method,
		entry.Path,
		entry.StatusCode,
		entry.BytesWritten,
		entry.Duration.Milliseconds(),
		escapeQuotes(entry.UserAgent),
		entry.EventType,
	)

	a.mu.Lock()
	defer a.mu.Unlock()
	_, _ = io.WriteString(a.writer, line)
}

// LogRejected records a connection refused before any request was read.
func (a *AccessLogger) LogRejected(ip, reason string) {
	a.Write(LogEntry{
		Timestamp: time.Now(),
		ClientIP:  ip,
		Method:    "-",
		Path:      "-",
		UserAgent: reason,
		EventType: "blocked",
	})
}

func escapeQuotes(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

// accessLogResponseWriter captures the status code and bytes written.
type accessLogResponseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
	wroteHeader  bool
	hijacked     bool
}

func (w *accessLogResponseWriter) WriteHeader(statusCode int) {
	if !w.wroteHeader {
		w.statusCode = statusCode
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *accessLogResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytesWritten += int64(n)
	return n, err
}

// Hijack implements http.Hijacker for WebSocket support.
func (w *accessLogResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
	}
	w.hijacked = true
	w.statusCode = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (w *accessLogResponseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *accessLogResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Middleware logs every request once it completes. A nil logger returns next.
func (a *AccessLogger) Middleware(next http.Handler) http.Handler {
	if a == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &accessLogResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		a.Write(LogEntry{
			Timestamp:    start,
			ClientIP:     clientIP(r),
			Method:       r.Method,
			Path:         r.URL.Path,
			StatusCode:   wrapped.statusCode,
			BytesWritten: wrapped.bytesWritten,
			Duration:     time.Since(start),
			UserAgent:    r.UserAgent(),
			EventType:    eventType(wrapped.statusCode, wrapped.hijacked),
		})
	})
}

func eventType(status int, hijacked bool) string {
	switch {
	case hijacked:
		return "upgrade"
	case status == http.StatusTooManyRequests:
		return "rate_limited"
	case status >= 500:
		return "error"
	case status >= 400:
		return "rejected"
	default:
		return "ok"
	}
}
