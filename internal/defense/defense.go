// Package defense blocks clients that behave like scanners: they probe
// well-known vulnerable paths, mostly hit errors or flood the server. Blocked
// addresses are refused at accept time, before any HTTP parsing.
package defense

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/inercia/relay/internal/config"
)

const (
	cleanupInterval = 5 * time.Minute
	// statsMaxAge drops the counters of clients not seen for this long.
	statsMaxAge = time.Hour
)

// Reasons recorded with a block.
const (
	ReasonRateLimit       = "rate_limit_exceeded"
	ReasonErrorRate       = "high_error_rate"
	ReasonSuspiciousPaths = "suspicious_paths"
)

// clientStats counts what one client did since it was first seen.
type clientStats struct {
	limiter    *rate.Limiter
	requests   int
	errors     int
	suspicious int
	lastSeen   time.Time
}

// Guard records request outcomes per client address and blocks offenders.
type Guard struct {
	cfg       config.DefenseConfig
	blocklist *Blocklist
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	stats map[string]*clientStats

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New creates a guard and loads the persisted blocklist, if any.
func New(cfg config.DefenseConfig, logger *slog.Logger) *Guard {
	g := &Guard{
		cfg:       cfg,
		blocklist: NewBlocklist(cfg.Whitelist),
		logger:    logger,
		now:       time.Now,
		stats:     make(map[string]*clientStats),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	if cfg.PersistPath != "" {
		if err := g.blocklist.Load(cfg.PersistPath); err != nil {
			logger.Warn("Failed to load blocklist", "path", cfg.PersistPath, "error", err)
		} else if n := g.blocklist.Count(); n > 0 {
			logger.Info("Blocklist loaded", "path", cfg.PersistPath, "entries", n)
		}
	}
	go g.cleanupLoop()
	return g
}

// IsBlocked reports whether ip is currently blocked.
func (g *Guard) IsBlocked(ip string) bool {
	return g.blocklist.Contains(ip, g.now())
}

// Observe records one finished request of ip and blocks the client when it
// crosses a threshold.
func (g *Guard) Observe(ip, path string, status int) {
	if ip == "" || g.blocklist.IsWhitelisted(ip) {
		return
	}
	now := g.now()

	g.mu.Lock()
	st, ok := g.stats[ip]
	if !ok {
		perSecond := rate.Limit(float64(g.cfg.RequestsPerMinute) / 60)
		st = &clientStats{limiter: rate.NewLimiter(perSecond, g.cfg.RequestsPerMinute)}
		g.stats[ip] = st
	}
	st.requests++
	st.lastSeen = now
	if status >= 400 {
		st.errors++
	}
	if IsSuspiciousPath(path) {
		st.suspicious++
	}
	reason := g.verdict(st, now)
	requests := st.requests
	if reason != "" {
		delete(g.stats, ip)
	}
	g.mu.Unlock()

	if reason != "" {
		g.block(ip, reason, requests, now)
	}
}

func (g *Guard) verdict(st *clientStats, now time.Time) string {
	switch {
	case g.cfg.RequestsPerMinute > 0 && !st.limiter.AllowN(now, 1):
		return ReasonRateLimit
	case g.cfg.SuspiciousPathThreshold > 0 && st.suspicious >= g.cfg.SuspiciousPathThreshold:
		return ReasonSuspiciousPaths
	case g.cfg.MinRequests > 0 && st.requests >= g.cfg.MinRequests &&
		float64(st.errors)/float64(st.requests) >= g.cfg.ErrorRateThreshold:
		return ReasonErrorRate
	}
	return ""
}

func (g *Guard) block(ip, reason string, requests int, now time.Time) {
	g.blocklist.Add(BlockEntry{
		IP:           ip,
		Reason:       reason,
		BlockedAt:    now,
		ExpiresAt:    now.Add(g.cfg.BlockDuration),
		RequestCount: requests,
	})
	g.logger.Warn("Client blocked", "ip", ip, "reason", reason,
		"requests", requests, "duration", g.cfg.BlockDuration)
	g.persist()
}

func (g *Guard) persist() {
	if g.cfg.PersistPath == "" {
		return
	}
	if err := g.blocklist.Save(g.cfg.PersistPath); err != nil {
		g.logger.Warn("Failed to save blocklist", "path", g.cfg.PersistPath, "error", err)
	}
}

func (g *Guard) cleanupLoop() {
	defer close(g.done)
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.cleanup()
		case <-g.stopCh:
			return
		}
	}
}

// cleanup forgets expired blocks and idle clients.
func (g *Guard) cleanup() {
	now := g.now()
	if removed := g.blocklist.RemoveExpired(now); removed > 0 {
		g.logger.Debug("Expired blocks removed", "count", removed)
		g.persist()
	}

	g.mu.Lock()
	for ip, st := range g.stats {
		if now.Sub(st.lastSeen) > statsMaxAge {
			delete(g.stats, ip)
		}
	}
	g.mu.Unlock()
}

// BlockedCount returns the number of blocked addresses.
func (g *Guard) BlockedCount() int {
	return g.blocklist.Count()
}

// Close stops the cleanup loop and saves the blocklist.
func (g *Guard) Close() error {
	g.stopOnce.Do(func() {
		close(g.stopCh)
		<-g.done
		g.persist()
	})
	return nil
}
