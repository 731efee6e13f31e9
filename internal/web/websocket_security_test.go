package web

import (
	"net/http/httptest"
	"testing"

	"github.com/inercia/relay/internal/config"
)

func TestOriginChecker_SameOrigin(t *testing.T) {
	checker := createOriginChecker(nil)

	tests := []struct {
		name      string
		host      string
		origin    string
		wantAllow bool
	}{
		{"same origin http", "localhost:8080", "http://localhost:8080", true},
		{"same origin https", "example.com", "https://example.com", true},
		{"different origin", "localhost:8080", "http://evil.com", false},
		{"no origin header", "localhost:8080", "", true},
		{"different port", "localhost:8080", "http://localhost:9090", false},
		{"subdomain", "example.com", "http://evil.example.com", false},
		{"malformed origin", "localhost:8080", "://bad", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/ws", nil)
			req.Host = tt.host
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := checker(req); got != tt.wantAllow {
				t.Errorf("checker() = %v, want %v", got, tt.wantAllow)
			}
		})
	}
}

func TestOriginChecker_AllowList(t *testing.T) {
	checker := createOriginChecker([]string{"https://trusted.com", "https://also-trusted.com:8443"})

	tests := []struct {
		origin    string
		wantAllow bool
	}{
		{"https://trusted.com", true},
		{"https://TRUSTED.com", true},
		{"https://also-trusted.com:8443", true},
		{"https://also-trusted.com", false},
		{"https://untrusted.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/ws", nil)
			req.Host = "localhost:8080"
			req.Header.Set("Origin", tt.origin)
			if got := checker(req); got != tt.wantAllow {
				t.Errorf("checker(%q) = %v, want %v", tt.origin, got, tt.wantAllow)
			}
		})
	}
}

func TestOriginChecker_Wildcard(t *testing.T) {
	checker := createOriginChecker([]string{"*"})
	req := httptest.NewRequest("GET", "/api/ws", nil)
	req.Host = "localhost:8080"
	req.Header.Set("Origin", "http://anything.example")
	if !checker(req) {
		t.Error("wildcard should allow every origin")
	}
}

func TestConnectionTracker(t *testing.T) {
	ct := NewConnectionTracker(2)

	if !ct.TryAdd("10.0.0.1") || !ct.TryAdd("10.0.0.1") {
		t.Fatal("first two connections should be accepted")
	}
	if ct.TryAdd("10.0.0.1") {
		t.Error("third connection should be rejected")
	}
	if !ct.TryAdd("10.0.0.2") {
		t.Error("other addresses have their own budget")
	}

	ct.Remove("10.0.0.1")
	if got := ct.Count("10.0.0.1"); got != 1 {
		t.Errorf("Count = %d, want 1", got)
	}
	if !ct.TryAdd("10.0.0.1") {
		t.Error("slot should be available after Remove")
	}

	ct.Remove("10.0.0.2")
	ct.Remove("10.0.0.2")
	if got := ct.Count("10.0.0.2"); got != 0 {
		t.Errorf("Count after extra Remove = %d, want 0", got)
	}
}

func TestSecurityConfigFrom(t *testing.T) {
	c := securityConfigFrom(config.WebConfig{})
	def := DefaultWebSocketSecurityConfig()
	if c.MaxMessageSize != def.MaxMessageSize || c.MessagesPerSecond != def.MessagesPerSecond || c.Burst != def.Burst {
		t.Errorf("zero web config should keep defaults, got %+v", c)
	}

	c = securityConfigFrom(config.WebConfig{
		AllowedOrigins: []string{"https://a.example"},
		MaxMessageSize: 1024,
		RateLimit:      config.RateLimitConfig{MessagesPerSecond: 2, Burst: 3},
	})
	if c.MaxMessageSize != 1024 || c.MessagesPerSecond != 2 || c.Burst != 3 {
		t.Errorf("overrides not applied: %+v", c)
	}
	if len(c.AllowedOrigins) != 1 {
		t.Errorf("AllowedOrigins = %v", c.AllowedOrigins)
	}
	if c.PingPeriod >= c.PongWait {
		t.Errorf("PingPeriod %v must be below PongWait %v", c.PingPeriod, c.PongWait)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.7:51234"
	if got := clientIP(req); got != "192.0.2.7" {
		t.Errorf("clientIP = %q", got)
	}
	req.RemoteAddr = "no-port"
	if got := clientIP(req); got != "no-port" {
		t.Errorf("clientIP = %q", got)
	}
}

func TestMessageLimiter(t *testing.T) {
	l := newMessageLimiter(WebSocketSecurityConfig{MessagesPerSecond: 1, Burst: 2})
	if !l.Allow() || !l.Allow() {
		t.Fatal("burst should be allowed")
	}
	if l.Allow() {
		t.Error("message beyond burst should be rejected")
	}

	unlimited := newMessageLimiter(WebSocketSecurityConfig{})
	for i := 0; i < 100; i++ {
		if !unlimited.Allow() {
			t.Fatal("zero rate means unlimited")
		}
	}
}
