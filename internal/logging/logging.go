// Package logging provides centralized logging configuration for relay.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	globalLogger *slog.Logger
	globalMu     sync.RWMutex

	// fileWriter is the rotating file writer, if file logging is enabled.
	fileWriter   io.WriteCloser
	fileWriterMu sync.Mutex

	// allowedComponents is the set of components to log (nil means all).
	allowedComponents map[string]bool
	componentsMu      sync.RWMutex
)

// FileConfig holds configuration for file-based logging with rotation.
type FileConfig struct {
	// Path is the log file path. Empty disables file logging.
	Path string
	// MaxSizeMB is the size in megabytes before the file is rotated. Default: 10.
	MaxSizeMB int
	// MaxBackups is the number of rotated files to keep. Default: 3.
	MaxBackups int
	// Compress gzips rotated files.
	Compress bool
}

// Config holds logging configuration.
type Config struct {
	// Level is the minimum console level (debug, info, warn, error).
	Level string
	// FileLevel is the minimum file level. Defaults to Level.
	FileLevel string
	// File enables rotating file output in addition to the console.
	File *FileConfig
	// JSON switches both outputs to the JSON handler.
	JSON bool
	// Components restricts output to the named components (empty means all).
	Components []string

	// Console overrides the console writer (os.Stderr when nil). Used by tests.
	Console io.Writer
}

// Initialize sets up the global logger with the given configuration and installs it
// as the slog default.
func Initialize(cfg Config) error {
	consoleLevel := ParseLevel(cfg.Level)
	fileLevel := consoleLevel
	if cfg.FileLevel != "" {
		fileLevel = ParseLevel(cfg.FileLevel)
	}

	componentsMu.Lock()
	if len(cfg.Components) > 0 {
		allowedComponents = make(map[string]bool, len(cfg.Components))
		for _, c := range cfg.Components {
			if c = strings.TrimSpace(c); c != "" {
				allowedComponents[c] = true
			}
		}
	} else {
		allowedComponents = nil
	}
	componentsMu.Unlock()

	console := cfg.Console
	if console == nil {
		console = os.Stderr
	}

	fileWriterMu.Lock()
	defer fileWriterMu.Unlock()

	if fileWriter != nil {
		fileWriter.Close()
		fileWriter = nil
	}

	var file io.Writer
	if cfg.File != nil && cfg.File.Path != "" {
		maxSize := cfg.File.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		maxBackups := cfg.File.MaxBackups
		if maxBackups <= 0 {
			maxBackups = 3
		}
		lj := &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			Compress:   cfg.File.Compress,
		}
		fileWriter = lj
		file = lj
	}

	newHandler := func(w io.Writer, level slog.Level) slog.Handler {
		opts := &slog.HandlerOptions{Level: level}
		if cfg.JSON {
			return slog.NewJSONHandler(w, opts)
		}
		return slog.NewTextHandler(w, opts)
	}

	var handler slog.Handler
	switch {
	case file != nil && fileLevel != consoleLevel:
		handler = &multiHandler{handlers: []slog.Handler{
			newHandler(console, consoleLevel),
			newHandler(file, fileLevel),
		}}
	case file != nil:
		handler = newHandler(io.MultiWriter(console, file), consoleLevel)
	default:
		handler = newHandler(console, consoleLevel)
	}

	logger := slog.New(handler)

	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()

	slog.SetDefault(logger)
	return nil
}

// Close releases the log file, if any.
func Close() error {
	fileWriterMu.Lock()
	defer fileWriterMu.Unlock()

	if fileWriter == nil {
		return nil
	}
	err := fileWriter.Close()
	fileWriter = nil
	return err
}

// Get returns the global logger, or slog.Default() before Initialize.
func Get() *slog.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger == nil {
		return slog.Default()
	}
	return globalLogger
}

// ParseLevel converts a level name to a slog.Level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ValidLevel reports whether level is a recognized level name.
func ValidLevel(level string) error {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "debug", "info", "warn", "warning", "error":
		return nil
	}
	return fmt.Errorf("unknown log level %q", level)
}

// multiHandler fans records out to several handlers with independent levels.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if !handler.Enabled(ctx, r.Level) {
			continue
		}
		if err := handler.Handle(ctx, r.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

func isComponentAllowed(component string) bool {
	componentsMu.RLock()
	defer componentsMu.RUnlock()
	if allowedComponents == nil {
		return true
	}
	return allowedComponents[component]
}

// componentFilterHandler drops records for components outside the allowed set.
type componentFilterHandler struct {
	inner     slog.Handler
	component string
}

func (h *componentFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return isComponentAllowed(h.component) && h.inner.Enabled(ctx, level)
}

func (h *componentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	if !isComponentAllowed(h.component) {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

func (h *componentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &componentFilterHandler{inner: h.inner.WithAttrs(attrs), component: h.component}
}

func (h *componentFilterHandler) WithGroup(name string) slog.Handler {
	return &componentFilterHandler{inner: h.inner.WithGroup(name), component: h.component}
}

// WithComponent returns a logger tagged with component=name. When component
// filtering is active and name is not allowed, the logger discards everything.
func WithComponent(component string) *slog.Logger {
	return slog.New(&componentFilterHandler{
		inner:     Get().Handler().WithAttrs([]slog.Attr{slog.String("component", component)}),
		component: component,
	})
}

// Web returns the logger for the HTTP and WebSocket layer.
func Web() *slog.Logger { return WithComponent("web") }

// Stream returns the logger for stream lifecycle events.
func Stream() *slog.Logger { return WithComponent("stream") }

// Session returns the logger for session persistence.
func Session() *slog.Logger { return WithComponent("session") }

// Agent returns the logger for agent processes.
func Agent() *slog.Logger { return WithComponent("agent") }

// Control returns the logger for control message dispatch.
func Control() *slog.Logger { return WithComponent("control") }

// Background returns the logger for background process tracking.
func Background() *slog.Logger { return WithComponent("background") }

// Client returns the logger for the Go client.
func Client() *slog.Logger { return WithComponent("client") }

// ConfigLoader returns the logger for configuration loading and reloads.
func ConfigLoader() *slog.Logger { return WithComponent("config") }

// WithSession returns a child logger carrying session_id and working_dir.
func WithSession(base *slog.Logger, sessionID, workingDir string) *slog.Logger {
	if base == nil {
		return nil
	}
	if workingDir == "" {
		return base.With("session_id", sessionID)
	}
	return base.With("session_id", sessionID, "working_dir", workingDir)
}

// WithConn returns a child logger carrying the connection id and remote address.
func WithConn(base *slog.Logger, connID, remote string) *slog.Logger {
	if base == nil {
		return nil
	}
	return base.With("conn_id", connID, "remote", remote)
}

// DowngradeInfoToDebug returns a logger that reports INFO records at DEBUG.
// The ACP SDK logs connection chatter at INFO.
func DowngradeInfoToDebug(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return nil
	}
	return slog.New(&downgradeHandler{inner: logger.Handler()})
}

type downgradeHandler struct {
	inner slog.Handler
}

func (h *downgradeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if level == slog.LevelInfo {
		return h.inner.Enabled(ctx, slog.LevelDebug)
	}
	return h.inner.Enabled(ctx, level)
}

func (h *downgradeHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level != slog.LevelInfo {
		return h.inner.Handle(ctx, r)
	}
	nr := slog.NewRecord(r.Time, slog.LevelDebug, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		nr.AddAttrs(a)
		return true
	})
	return h.inner.Handle(ctx, nr)
}

func (h *downgradeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &downgradeHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *downgradeHandler) WithGroup(name string) slog.Handler {
	return &downgradeHandler{inner: h.inner.WithGroup(name)}
}
