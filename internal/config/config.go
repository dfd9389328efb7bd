// ABOUTME: Configuration loading and parsing for offload-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/offload-gateway/internal/agent"
	"github.com/2389/offload-gateway/internal/breaker"
)

// Config represents the complete offload-gateway configuration
type Config struct {
	Proxy     ProxyConfig     `yaml:"proxy" toml:"proxy"`
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Reverse   ReverseConfig   `yaml:"reverse" toml:"reverse"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Audit     AuditConfig     `yaml:"audit" toml:"audit"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Agents    []AgentConfig   `yaml:"agents" toml:"agents"`
	Routes    []RouteConfig   `yaml:"routes" toml:"routes"`
}

// ProxyConfig identifies this proxy to agents in the Configure handshake
type ProxyConfig struct {
	ID string `yaml:"id" toml:"id"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// GRPCAddr serves the ReverseConnect service; empty disables it
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// ReverseConfig holds settings for agent-initiated connections
type ReverseConfig struct {
	// SocketAddr accepts framed socket connections; empty disables it
	SocketAddr string `yaml:"socket_addr" toml:"socket_addr"`
	// JWTSecret, when set, requires a token in every identity frame and
	// guards the admin API
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`

	HandshakeTimeout    time.Duration `yaml:"-" toml:"-"`
	HandshakeTimeoutRaw string        `yaml:"handshake_timeout" toml:"handshake_timeout"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	// ReversePort is the tailnet port for reverse socket connections
	ReversePort int `yaml:"reverse_port" toml:"reverse_port"`
}

// AuditConfig holds the decision audit log configuration
type AuditConfig struct {
	// Path of the SQLite database; empty disables the audit log
	Path   string `yaml:"path" toml:"path"`
	Buffer int    `yaml:"buffer" toml:"buffer"`

	Retention    time.Duration `yaml:"-" toml:"-"`
	RetentionRaw string        `yaml:"retention" toml:"retention"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// BreakerConfig tunes one agent's circuit breaker
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" toml:"failure_threshold"`

	ResetTimeout       time.Duration `yaml:"-" toml:"-"`
	MaxResetTimeout    time.Duration `yaml:"-" toml:"-"`
	ResetTimeoutRaw    string        `yaml:"reset_timeout" toml:"reset_timeout"`
	MaxResetTimeoutRaw string        `yaml:"max_reset_timeout" toml:"max_reset_timeout"`
}

// AgentConfig describes one agent
type AgentConfig struct {
	Name          string         `yaml:"name" toml:"name"`
	Endpoint      string         `yaml:"endpoint" toml:"endpoint"`
	FailureMode   string         `yaml:"failure_mode" toml:"failure_mode"`
	Connections   int            `yaml:"connections" toml:"connections"`
	Strategy      string         `yaml:"strategy" toml:"strategy"`
	Weights       []int          `yaml:"weights" toml:"weights"`
	MaxConcurrent int            `yaml:"max_concurrent" toml:"max_concurrent"`
	Breaker       BreakerConfig  `yaml:"breaker" toml:"breaker"`
	Config        map[string]any `yaml:"config" toml:"config"`

	Timeout             time.Duration `yaml:"-" toml:"-"`
	HandshakeTimeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw          string        `yaml:"timeout" toml:"timeout"`
	HandshakeTimeoutRaw string        `yaml:"handshake_timeout" toml:"handshake_timeout"`
}

// RouteConfig names the agents a route's events pass through
type RouteConfig struct {
	Name     string             `yaml:"name" toml:"name"`
	Parallel bool               `yaml:"parallel" toml:"parallel"`
	Agents   []RouteAgentConfig `yaml:"agents" toml:"agents"`
}

// RouteAgentConfig references an agent, optionally overriding its failure mode
type RouteAgentConfig struct {
	Name        string `yaml:"name" toml:"name"`
	FailureMode string `yaml:"failure_mode" toml:"failure_mode"`
}

// DefaultPath returns the config file location.
// Priority: OFFLOAD_CONFIG env var > ./offload.yaml > ~/.config/offload/gateway.yaml
func DefaultPath() string {
	if p := os.Getenv("OFFLOAD_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("offload.yaml"); err == nil {
		return "offload.yaml"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "offload.yaml"
	}
	return filepath.Join(home, ".config", "offload", "gateway.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		format = "toml"
	}
	return Parse(data, format)
}

// Parse decodes configuration data in the given format ("yaml" or "toml"),
// applies defaults and validates the result.
func Parse(data []byte, format string) (*Config, error) {
	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	switch format {
	case "toml":
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Proxy.ID == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			c.Proxy.ID = host
		} else {
			c.Proxy.ID = "offload-gateway"
		}
	}
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = ":8080"
	}
	if c.Tailscale.Enabled && c.Tailscale.ReversePort == 0 {
		c.Tailscale.ReversePort = 7070
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	names := make(map[string]bool, len(c.Agents))
	reverseAgents := false
	for i, a := range c.Agents {
		if err := a.validate(); err != nil {
			return fmt.Errorf("agents[%d]: %w", i, err)
		}
		if names[a.Name] {
			return fmt.Errorf("agents[%d]: duplicate agent name %q", i, a.Name)
		}
		names[a.Name] = true

		ep, _ := agent.ParseEndpoint(a.Endpoint)
		reverseAgents = reverseAgents || ep.Kind == agent.TransportReverse
	}

	if reverseAgents && c.Reverse.SocketAddr == "" && c.Server.GRPCAddr == "" && !c.Tailscale.Enabled {
		return fmt.Errorf("reverse agents need reverse.socket_addr, server.grpc_addr or tailscale")
	}

	routes := make(map[string]bool, len(c.Routes))
	for i, r := range c.Routes {
		if r.Name == "" {
			return fmt.Errorf("routes[%d]: name is required", i)
		}
		if routes[r.Name] {
			return fmt.Errorf("routes[%d]: duplicate route name %q", i, r.Name)
		}
		routes[r.Name] = true
		if len(r.Agents) == 0 {
			return fmt.Errorf("route %s: at least one agent is required", r.Name)
		}
		for _, ra := range r.Agents {
			if !names[ra.Name] {
				return fmt.Errorf("route %s: unknown agent %q", r.Name, ra.Name)
			}
			if _, err := agent.ParseFailureMode(ra.FailureMode); err != nil {
				return fmt.Errorf("route %s: agent %s: %w", r.Name, ra.Name, err)
			}
		}
	}

	return nil
}

func (a AgentConfig) validate() error {
	if a.Name == "" {
		return fmt.Errorf("name is required")
	}
	if _, err := agent.ParseEndpoint(a.Endpoint); err != nil {
		return fmt.Errorf("agent %s: %w", a.Name, err)
	}
	if _, err := agent.ParseFailureMode(a.FailureMode); err != nil {
		return fmt.Errorf("agent %s: %w", a.Name, err)
	}
	if _, err := agent.ParseStrategy(a.Strategy); err != nil {
		return fmt.Errorf("agent %s: %w", a.Name, err)
	}
	if a.Connections < 0 || a.MaxConcurrent < 0 {
		return fmt.Errorf("agent %s: connections and max_concurrent must not be negative", a.Name)
	}
	if a.Connections > 0 && len(a.Weights) > a.Connections {
		return fmt.Errorf("agent %s: %d weights for %d connections", a.Name, len(a.Weights), a.Connections)
	}
	for _, w := range a.Weights {
		if w <= 0 {
			return fmt.Errorf("agent %s: weights must be positive", a.Name)
		}
	}
	return nil
}

// PoolConfig converts the file form into the pool's agent configuration.
// It assumes Validate has passed.
func (a AgentConfig) PoolConfig() (agent.AgentConfig, error) {
	mode, err := agent.ParseFailureMode(a.FailureMode)
	if err != nil {
		return agent.AgentConfig{}, err
	}
	strategy, err := agent.ParseStrategy(a.Strategy)
	if err != nil {
		return agent.AgentConfig{}, err
	}

	var raw json.RawMessage
	if len(a.Config) > 0 {
		raw, err = json.Marshal(a.Config)
		if err != nil {
			return agent.AgentConfig{}, fmt.Errorf("agent %s: encoding config: %w", a.Name, err)
		}
	}

	return agent.AgentConfig{
		Name:             a.Name,
		Endpoint:         a.Endpoint,
		Timeout:          a.Timeout,
		FailureMode:      mode,
		Connections:      a.Connections,
		Strategy:         strategy,
		Weights:          a.Weights,
		MaxConcurrent:    a.MaxConcurrent,
		HandshakeTimeout: a.HandshakeTimeout,
		Config:           raw,
		Breaker: breaker.Config{
			FailureThreshold: a.Breaker.FailureThreshold,
			ResetTimeout:     a.Breaker.ResetTimeout,
			MaxResetTimeout:  a.Breaker.MaxResetTimeout,
		},
	}, nil
}

// RouteAgents converts a route's agent list for agent.Pool.Process.
func (r RouteConfig) RouteAgents() ([]agent.RouteAgent, error) {
	out := make([]agent.RouteAgent, 0, len(r.Agents))
	for _, ra := range r.Agents {
		mode, err := agent.ParseFailureMode(ra.FailureMode)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", r.Name, err)
		}
		out = append(out, agent.RouteAgent{Name: ra.Name, FailureMode: mode})
	}
	return out, nil
}

// Route returns the named route.
func (c *Config) Route(name string) (RouteConfig, bool) {
	for _, r := range c.Routes {
		if r.Name == name {
			return r, true
		}
	}
	return RouteConfig{}, false
}

// parseDuration parses raw into *dst when raw is set.
func parseDuration(field, raw string, dst *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing %s %q: %w", field, raw, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must not be negative", field)
	}
	*dst = d
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	if err := parseDuration("reverse.handshake_timeout", cfg.Reverse.HandshakeTimeoutRaw, &cfg.Reverse.HandshakeTimeout); err != nil {
		return err
	}
	if err := parseDuration("audit.retention", cfg.Audit.RetentionRaw, &cfg.Audit.Retention); err != nil {
		return err
	}

	for i := range cfg.Agents {
		a := &cfg.Agents[i]
		prefix := fmt.Sprintf("agents[%d].", i)
		if err := parseDuration(prefix+"timeout", a.TimeoutRaw, &a.Timeout); err != nil {
			return err
		}
		if err := parseDuration(prefix+"handshake_timeout", a.HandshakeTimeoutRaw, &a.HandshakeTimeout); err != nil {
			return err
		}
		if err := parseDuration(prefix+"breaker.reset_timeout", a.Breaker.ResetTimeoutRaw, &a.Breaker.ResetTimeout); err != nil {
			return err
		}
		if err := parseDuration(prefix+"breaker.max_reset_timeout", a.Breaker.MaxResetTimeoutRaw, &a.Breaker.MaxResetTimeout); err != nil {
			return err
		}
	}

	return nil
}
