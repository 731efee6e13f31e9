package web

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inercia/relay/internal/config"
)

// WebSocketSecurityConfig holds the limits applied to WebSocket connections.
type WebSocketSecurityConfig struct {
	// AllowedOrigins lists origins accepted besides same-origin requests.
	// "*" accepts every origin.
	AllowedOrigins []string

	// MaxMessageSize is the largest inbound message in bytes.
	MaxMessageSize int64

	// MaxConnectionsPerIP caps concurrent connections from one address.
	MaxConnectionsPerIP int

	// PongWait is how long to wait for a pong before the connection is dead.
	PongWait time.Duration

	// PingPeriod is the interval between pings. Must be less than PongWait.
	PingPeriod time.Duration

	// WriteWait bounds a single write.
	WriteWait time.Duration

	// MessagesPerSecond and Burst limit inbound control messages per connection.
	MessagesPerSecond float64
	Burst             int
}

// DefaultWebSocketSecurityConfig returns the defaults used when the
// configuration leaves a field unset.
func DefaultWebSocketSecurityConfig() WebSocketSecurityConfig {
	return WebSocketSecurityConfig{
		MaxMessageSize:      config.DefaultMaxMessageSize,
		MaxConnectionsPerIP: 10,
		PongWait:            60 * time.Second,
		PingPeriod:          54 * time.Second,
		WriteWait:           10 * time.Second,
		MessagesPerSecond:   config.DefaultMessagesPerSecond,
		Burst:               config.DefaultBurst,
	}
}

// securityConfigFrom applies the web section of the configuration on top of
// the defaults.
func securityConfigFrom(web config.WebConfig) WebSocketSecurityConfig {
	c := DefaultWebSocketSecurityConfig()
	c.AllowedOrigins = web.AllowedOrigins
	if web.MaxMessageSize > 0 {
		c.MaxMessageSize = web.MaxMessageSize
	}
	if web.RateLimit.MessagesPerSecond > 0 {
		c.MessagesPerSecond = web.RateLimit.MessagesPerSecond
	}
	if web.RateLimit.Burst > 0 {
		c.Burst = web.RateLimit.Burst
	}
	return c
}

// ConnectionTracker counts WebSocket connections per client address.
type ConnectionTracker struct {
	mu          sync.Mutex
	connections map[string]int
	maxPerIP    int
}

func NewConnectionTracker(maxPerIP int) *ConnectionTracker {
	return &ConnectionTracker{
		connections: make(map[string]int),
		maxPerIP:    maxPerIP,
	}
}

// TryAdd reserves a slot for ip and reports whether one was available.
func (ct *ConnectionTracker) TryAdd(ip string) bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.connections[ip] >= ct.maxPerIP {
		return false
	}
	ct.connections[ip]++
	return true
}

// Remove releases a slot of ip.
func (ct *ConnectionTracker) Remove(ip string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.connections[ip] <= 1 {
		delete(ct.connections, ip)
		return
	}
	ct.connections[ip]--
}

func (ct *ConnectionTracker) Count(ip string) int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.connections[ip]
}

func newUpgrader(cfg WebSocketSecurityConfig) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     createOriginChecker(cfg.AllowedOrigins),
	}
}

// createOriginChecker accepts requests without an Origin header, origins on
// the allow list, and same-origin requests.
func createOriginChecker(allowedOrigins []string) func(*http.Request) bool {
	allowed := make(map[string]bool)
	allowAll := false
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
			break
		}
		allowed[strings.ToLower(origin)] = true
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowAll {
			return true
		}
		originURL, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if len(allowed) > 0 {
			if allowed[strings.ToLower(origin)] || allowed[strings.ToLower(originURL.Host)] {
				return true
			}
		}
		return isSameOrigin(r, originURL)
	}
}

// isSameOrigin compares host and port of the origin with the request host.
func isSameOrigin(r *http.Request, originURL *url.URL) bool {
	requestHost, requestPort, err := net.SplitHostPort(r.Host)
	if err != nil {
		requestHost, requestPort = r.Host, ""
	}
	originHost, originPort, err := net.SplitHostPort(originURL.Host)
	if err != nil {
		originHost, originPort = originURL.Host, ""
	}
	if !strings.EqualFold(requestHost, originHost) {
		return false
	}
	if originPort == "" {
		switch originURL.Scheme {
		case "https", "wss":
			originPort = "443"
		case "http", "ws":
			originPort = "80"
		}
	}
	// Behind a reverse proxy the request host may carry no port.
	if requestPort == "" {
		return true
	}
	return requestPort == originPort
}

// configureWebSocketConn applies read limits and the pong deadline.
func configureWebSocketConn(conn *websocket.Conn, cfg WebSocketSecurityConfig) {
	conn.SetReadLimit(cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})
}

// clientIP returns the remote address without port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
