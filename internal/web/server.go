// Package web serves the REST API and the multiplexed WebSocket endpoint.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/inercia/relay/internal/agent"
	"github.com/inercia/relay/internal/background"
	"github.com/inercia/relay/internal/config"
	"github.com/inercia/relay/internal/defense"
	"github.com/inercia/relay/internal/logging"
	"github.com/inercia/relay/internal/metrics"
	"github.com/inercia/relay/internal/protocol"
	"github.com/inercia/relay/internal/session"
	"github.com/inercia/relay/internal/stream"
)

// Spawner starts agent processes and kills the background shells they leave.
type Spawner interface {
	agent.Spawner
	agent.BackgroundKiller
}

// Config holds what the server needs to run.
type Config struct {
	Settings *config.Config
	Store    session.SessionStore
	Spawner  Spawner
	// Metrics may be nil, in which case /metrics is not served.
	Metrics *metrics.Metrics
}

// Server wires the stream manager, background tracker and control dispatcher
// to HTTP.
type Server struct {
	logger     *slog.Logger
	store      session.SessionStore
	streams    *stream.Manager
	tracker    *background.Tracker
	dispatcher *protocol.Dispatcher
	hub        *Hub
	metrics    *metrics.Metrics

	accessLogger      *AccessLogger
	guard             *defense.Guard
	rateLimiter       *IPRateLimiter
	connectionTracker *ConnectionTracker
	wsSecurityConfig  WebSocketSecurityConfig

	settingsMu sync.RWMutex
	settings   *config.Config

	// ctx is cancelled on shutdown to close WebSocket write pumps.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	shutdown   bool
	httpServer *http.Server
}

// NewServer builds the server and its components.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Store == nil || cfg.Spawner == nil {
		return nil, errors.New("web: store and spawner are required")
	}
	settings := cfg.Settings
	if settings == nil {
		settings = config.Default()
	}

	logger := logging.Web()
	hub := NewHub(logger)
	tracker := background.NewTracker(cfg.Spawner, hub.PublishBackground)
	streams := stream.NewManager(cfg.Store, cfg.Spawner, stream.Options{
		StopGrace:  settings.Stream.StopGrace,
		StallAfter: settings.Stream.StallAfter,
		Publisher:  hub.PublishStream,
		Background: tracker,
		Metrics:    cfg.Metrics,
	})
	wsConfig := securityConfigFrom(settings.Web)

	var guard *defense.Guard
	if settings.Web.Defense.Enabled {
		guard = defense.New(settings.Web.Defense, logging.WithComponent("defense"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		logger:            logger,
		store:             cfg.Store,
		streams:           streams,
		tracker:           tracker,
		dispatcher:        protocol.NewDispatcher(streams, tracker, cfg.Metrics),
		hub:               hub,
		metrics:           cfg.Metrics,
		accessLogger:      NewAccessLogger(AccessLogConfig{Path: settings.Web.AccessLog}),
		guard:             guard,
		rateLimiter:       NewIPRateLimiter(DefaultRateLimitConfig()),
		connectionTracker: NewConnectionTracker(wsConfig.MaxConnectionsPerIP),
		wsSecurityConfig:  wsConfig,
		settings:          settings,
		ctx:               ctx,
		cancel:            cancel,
	}, nil
}

// Streams returns the stream manager.
func (s *Server) Streams() *stream.Manager {
	return s.streams
}

// ApplySettings replaces the defaults used for new sessions. Listener and
// stream timing settings take effect on restart only.
func (s *Server) ApplySettings(cfg *config.Config) {
	s.settingsMu.Lock()
	s.settings = cfg
	s.settingsMu.Unlock()
	s.logger.Info("configuration applied",
		"default_agent", cfg.DefaultAgent,
		"default_mode", cfg.Sessions.DefaultMode)
}

func (s *Server) currentSettings() *config.Config {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	return s.settings
}

// Handler returns the HTTP handler with every route registered.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /api/health", s.handleHealthCheck)
	api.HandleFunc("GET /api/sessions", s.handleListSessions)
	api.HandleFunc("POST /api/sessions", s.handleCreateSession)
	api.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	api.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	api.HandleFunc("PUT /api/sessions/{id}/directory", s.handleChangeDirectory)
	api.HandleFunc("PUT /api/sessions/{id}/name", s.handleRename)
	api.HandleFunc("GET /api/sessions/{id}/messages", s.handleMessages)
	api.HandleFunc("GET /api/sessions/{id}/background", s.handleBackground)
	api.HandleFunc("GET /api/streams", s.handleStreams)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.rateLimiter.Middleware(api))
	// The socket is long-lived and rate limited per message instead.
	mux.HandleFunc("GET /api/ws", s.handleWebSocket)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	secured := securityHeadersMiddleware(DefaultSecurityConfig())(mux)
	observed := defenseMiddleware(s.guard)(secured)
	return s.accessLogger.Middleware(s.loggingMiddleware(observed))
}

// Run serves on listener and runs the stall watchdog until ctx is cancelled,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	watchdogCtx, stopWatchdog := context.WithCancel(ctx)
	defer stopWatchdog()
	go s.streams.Run(watchdogCtx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", listener.Addr().String())
		errCh <- srv.Serve(s.guardListener(listener))
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown stops accepting requests, stops every live stream and closes the
// WebSocket connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	srv := s.httpServer
	s.mu.Unlock()

	var errs []error
	if err := s.dispatcher.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("dispatcher: %w", err))
	}
	s.streams.Shutdown(ctx)
	s.cancel()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http: %w", err))
		}
	}
	s.rateLimiter.Close()
	if s.guard != nil {
		s.guard.Close()
	}
	if err := s.accessLogger.Close(); err != nil {
		errs = append(errs, fmt.Errorf("access log: %w", err))
	}
	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

func (s *Server) IsShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// handleHealthCheck reports liveness and a few counters.
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	if s.IsShutdown() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"reason": "server_shutting_down",
		})
		return
	}
	writeJSONOK(w, map[string]any{
		"status":               "healthy",
		"timestamp":            time.Now().UTC().Format(time.RFC3339),
		"active_streams":       len(s.streams.Active()),
		"connections":          s.hub.ClientCount(),
		"background_processes": s.tracker.Count(),
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"client_ip", clientIP(r),
			"user_agent", r.UserAgent())
		next.ServeHTTP(w, r)
	})
}
