// Package config handles configuration loading and management for relay.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/shlex"
	"gopkg.in/yaml.v3"
)

const (
	DefaultHost              = "127.0.0.1"
	DefaultPort              = 8420
	DefaultMaxMessageSize    = 64 * 1024
	DefaultMessagesPerSecond = 20.0
	DefaultBurst             = 40
	DefaultStopGrace         = 5 * time.Second
	DefaultStallAfter        = 30 * time.Second
	DefaultMode              = "default"
	DefaultPermissionMode    = "default"
)

// PermissionModes lists the permission modes an agent understands.
var PermissionModes = []string{"default", "acceptEdits", "plan", "bypassPermissions"}

// AgentConfig names an ACP agent and the command line that starts it.
type AgentConfig struct {
	Name    string `yaml:"name"`
	Command string `yaml:"command"`
}

// Argv tokenizes the command line with shell quoting rules.
func (a AgentConfig) Argv() ([]string, error) {
	args, err := shlex.Split(a.Command)
	if err != nil {
		return nil, fmt.Errorf("agent %q: invalid command: %w", a.Name, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("agent %q: empty command", a.Name)
	}
	return args, nil
}

// RateLimitConfig bounds inbound control messages per connection.
type RateLimitConfig struct {
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	Burst             int     `yaml:"burst"`
}

// DefenseConfig configures blocking of scanning clients. It only matters when
// the listener is reachable from other hosts.
type DefenseConfig struct {
	Enabled bool `yaml:"enabled"`
	// RequestsPerMinute blocks a client exceeding this sustained request rate.
	RequestsPerMinute int `yaml:"requests_per_minute"`
	// ErrorRateThreshold blocks a client whose share of 4xx/5xx responses
	// reaches this value once it made MinRequests requests.
	ErrorRateThreshold float64 `yaml:"error_rate_threshold"`
	MinRequests        int     `yaml:"min_requests"`
	// SuspiciousPathThreshold blocks a client after this many probes of
	// well-known scanner paths.
	SuspiciousPathThreshold int           `yaml:"suspicious_path_threshold"`
	BlockDuration           time.Duration `yaml:"block_duration"`
	// Whitelist lists addresses or CIDR prefixes that are never blocked.
	Whitelist []string `yaml:"whitelist"`
	// PersistPath keeps the blocklist across restarts when set.
	PersistPath string `yaml:"persist_path"`
}

// WebConfig configures the HTTP and WebSocket listener.
type WebConfig struct {
	// Host is the listen address (default 127.0.0.1). Use 0.0.0.0 for all interfaces.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// AllowedOrigins lists extra origins accepted on the WebSocket upgrade.
	// Same-origin and origin-less requests are always accepted.
	AllowedOrigins []string        `yaml:"allowed_origins"`
	MaxMessageSize int64           `yaml:"max_message_size"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	// AccessLog is a file receiving one line per HTTP request. Empty disables it.
	AccessLog string        `yaml:"access_log"`
	Defense   DefenseConfig `yaml:"defense"`
}

// Addr returns host:port.
func (w WebConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// StreamConfig tunes stream lifecycle timing.
type StreamConfig struct {
	// StopGrace is how long Stop waits for the process to acknowledge cancellation.
	StopGrace time.Duration `yaml:"stop_grace"`
	// StallAfter flags a streaming handle as stalled after this long without progress.
	StallAfter time.Duration `yaml:"stall_after"`
}

// SessionsConfig holds session storage and defaults.
type SessionsConfig struct {
	// Dir overrides the sessions directory (default $RELAY_DIR/sessions).
	Dir                   string `yaml:"dir"`
	DefaultMode           string `yaml:"default_mode"`
	DefaultPermissionMode string `yaml:"default_permission_mode"`
}

// LoggingConfig mirrors the command line logging flags.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
	JSON  bool   `yaml:"json"`
}

// HookConfig is a shell command run around the server lifecycle. ${HOST},
// ${PORT} and ${URL} are replaced with the listener address.
type HookConfig struct {
	Name    string `yaml:"name"`
	Command string `yaml:"command"`
}

// HooksConfig holds the lifecycle hooks of relay serve.
type HooksConfig struct {
	// Up starts once the server listens and is stopped on shutdown.
	Up HookConfig `yaml:"up"`
	// Down runs to completion after the server stopped.
	Down HookConfig `yaml:"down"`
}

// Config is the complete relay configuration.
type Config struct {
	Web          WebConfig      `yaml:"web"`
	Agents       []AgentConfig  `yaml:"agents"`
	DefaultAgent string         `yaml:"default_agent"`
	Stream       StreamConfig   `yaml:"stream"`
	Sessions     SessionsConfig `yaml:"sessions"`
	Logging      LoggingConfig  `yaml:"logging"`
	Hooks        HooksConfig    `yaml:"hooks"`
}

// Default returns a configuration with every default applied and no agents.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

// LoadOrDefault behaves like Load but returns defaults when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Parse decodes YAML data, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills zero values with defaults.
func (c *Config) ApplyDefaults() {
	if c.Web.Host == "" {
		c.Web.Host = DefaultHost
	}
	if c.Web.Port == 0 {
		c.Web.Port = DefaultPort
	}
	if c.Web.MaxMessageSize == 0 {
		c.Web.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.Web.RateLimit.MessagesPerSecond == 0 {
		c.Web.RateLimit.MessagesPerSecond = DefaultMessagesPerSecond
	}
	if c.Web.RateLimit.Burst == 0 {
		c.Web.RateLimit.Burst = DefaultBurst
	}
	if d := &c.Web.Defense; d.Enabled {
		if d.RequestsPerMinute == 0 {
			d.RequestsPerMinute = 600
		}
		if d.ErrorRateThreshold == 0 {
			d.ErrorRateThreshold = 0.9
		}
		if d.MinRequests == 0 {
			d.MinRequests = 10
		}
		if d.SuspiciousPathThreshold == 0 {
			d.SuspiciousPathThreshold = 5
		}
		if d.BlockDuration == 0 {
			d.BlockDuration = 24 * time.Hour
		}
		if d.Whitelist == nil {
			d.Whitelist = []string{"127.0.0.0/8", "::1/128"}
		}
	}
	if c.Stream.StopGrace == 0 {
		c.Stream.StopGrace = DefaultStopGrace
	}
	if c.Stream.StallAfter == 0 {
		c.Stream.StallAfter = DefaultStallAfter
	}
	if c.Sessions.DefaultMode == "" {
		c.Sessions.DefaultMode = DefaultMode
	}
	if c.Sessions.DefaultPermissionMode == "" {
		c.Sessions.DefaultPermissionMode = DefaultPermissionMode
	}
	if c.DefaultAgent == "" && len(c.Agents) > 0 {
		c.DefaultAgent = c.Agents[0].Name
	}
}

// Validate reports every problem found, joined into one error.
func (c *Config) Validate() error {
	var errs []error

	if c.Web.Port < 0 || c.Web.Port > 65535 {
		errs = append(errs, fmt.Errorf("web.port %d out of range", c.Web.Port))
	}
	if c.Web.MaxMessageSize < 0 {
		errs = append(errs, fmt.Errorf("web.max_message_size must be positive"))
	}
	if c.Web.RateLimit.MessagesPerSecond < 0 || c.Web.RateLimit.Burst < 0 {
		errs = append(errs, fmt.Errorf("web.rate_limit values must be positive"))
	}
	if d := c.Web.Defense; d.ErrorRateThreshold < 0 || d.ErrorRateThreshold > 1 {
		errs = append(errs, fmt.Errorf("web.defense.error_rate_threshold must be between 0 and 1"))
	}
	if c.Stream.StopGrace < 0 {
		errs = append(errs, fmt.Errorf("stream.stop_grace must be positive"))
	}
	if c.Stream.StallAfter < 0 {
		errs = append(errs, fmt.Errorf("stream.stall_after must be positive"))
	}
	if !validPermissionMode(c.Sessions.DefaultPermissionMode) {
		errs = append(errs, fmt.Errorf("sessions.default_permission_mode %q is not one of %v",
			c.Sessions.DefaultPermissionMode, PermissionModes))
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.Name == "" {
			errs = append(errs, fmt.Errorf("agents[%d]: name is required", i))
			continue
		}
		if seen[a.Name] {
			errs = append(errs, fmt.Errorf("agents[%d]: duplicate name %q", i, a.Name))
		}
		seen[a.Name] = true
		if _, err := a.Argv(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.DefaultAgent != "" && !seen[c.DefaultAgent] {
		errs = append(errs, fmt.Errorf("default_agent %q is not configured", c.DefaultAgent))
	}

	return errors.Join(errs...)
}

// Agent returns the agent with the given name, or the default agent when name is empty.
func (c *Config) Agent(name string) (AgentConfig, error) {
	if name == "" {
		name = c.DefaultAgent
	}
	for _, a := range c.Agents {
		if a.Name == name {
			return a, nil
		}
	}
	return AgentConfig{}, fmt.Errorf("agent %q not found in configuration", name)
}

// AgentNames returns the configured agent names in file order.
func (c *Config) AgentNames() []string {
	names := make([]string, len(c.Agents))
	for i, a := range c.Agents {
		names[i] = a.Name
	}
	return names
}

func validPermissionMode(mode string) bool {
	for _, m := range PermissionModes {
		if m == mode {
			return true
		}
	}
	return false
}

// ValidPermissionMode reports whether mode is a known permission mode.
func ValidPermissionMode(mode string) bool {
	return validPermissionMode(mode)
}
