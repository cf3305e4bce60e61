// Package config provides configuration parsing and validation for aronia.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/postalsys/aronia/internal/identity"
)

// Config represents the complete node configuration.
type Config struct {
	Agent   AgentConfig   `yaml:"agent"`
	Topic   string        `yaml:"topic"`
	Swarm   SwarmConfig   `yaml:"swarm"`
	Timing  TimingConfig  `yaml:"timing"`
	Trust   TrustConfig   `yaml:"trust"`
	Metrics MetricsConfig `yaml:"metrics"`
	Control ControlConfig `yaml:"control"`
}

// AgentConfig contains identity and logging settings.
type AgentConfig struct {
	KeyFile   string   `yaml:"key_file"`   // Path to the hex seed file
	Accepts   []string `yaml:"accepts"`    // Payload kinds this agent consumes
	LogLevel  string   `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string   `yaml:"log_format"` // text, json
}

// SwarmConfig defines listeners and bootstrap peers.
type SwarmConfig struct {
	Listeners []EndpointConfig `yaml:"listeners"`
	Bootstrap []EndpointConfig `yaml:"bootstrap"`
}

// EndpointConfig names a transport and address.
type EndpointConfig struct {
	Transport string `yaml:"transport"` // tcp, quic, ws
	Address   string `yaml:"address"`
}

// TimingConfig defines protocol timers.
type TimingConfig struct {
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout    time.Duration `yaml:"heartbeat_timeout"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	BackpressureTimeout time.Duration `yaml:"backpressure_timeout"`
}

// TrustConfig defines admission and delegation policy.
type TrustConfig struct {
	Whitelist          []string      `yaml:"whitelist"`            // hex pubkeys admitted outright
	AutoAcceptFrom     []string      `yaml:"auto_accept_from"`     // introducers whose intros auto-accept
	RequireApprovalFor []string      `yaml:"require_approval_for"` // capability tokens gating auto-accept
	MaxDepth           int           `yaml:"max_depth"`
	MaxIntroductionAge time.Duration `yaml:"max_introduction_age"`
}

// MetricsConfig defines the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// ControlConfig defines the control socket.
type ControlConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			KeyFile:   "./data/node.key",
			Accepts:   []string{},
			LogLevel:  "info",
			LogFormat: "text",
		},
		Topic: "",
		Swarm: SwarmConfig{
			Listeners: []EndpointConfig{},
			Bootstrap: []EndpointConfig{},
		},
		Timing: TimingConfig{
			HeartbeatInterval:   30 * time.Second,
			HeartbeatTimeout:    90 * time.Second,
			RequestTimeout:      30 * time.Second,
			BackpressureTimeout: 30 * time.Second,
		},
		Trust: TrustConfig{
			Whitelist:          []string{},
			AutoAcceptFrom:     []string{},
			RequireApprovalFor: []string{},
			MaxDepth:           3,
			MaxIntroductionAge: 24 * time.Hour,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9477",
		},
		Control: ControlConfig{
			Enabled:    true,
			SocketPath: "./data/control.sock",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// Handle default values: ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Agent.KeyFile == "" {
		errs = append(errs, "agent.key_file is required")
	}
	if !isValidLogLevel(c.Agent.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Agent.LogLevel))
	}
	if !isValidLogFormat(c.Agent.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Agent.LogFormat))
	}

	if c.Topic == "" {
		errs = append(errs, "topic is required")
	}

	for i, ep := range c.Swarm.Listeners {
		if err := validateEndpoint(ep); err != nil {
			errs = append(errs, fmt.Sprintf("swarm.listeners[%d]: %v", i, err))
		}
	}
	for i, ep := range c.Swarm.Bootstrap {
		if err := validateEndpoint(ep); err != nil {
			errs = append(errs, fmt.Sprintf("swarm.bootstrap[%d]: %v", i, err))
		}
	}

	for i, key := range c.Trust.Whitelist {
		if _, err := identity.ParsePublicKey(key); err != nil {
			errs = append(errs, fmt.Sprintf("trust.whitelist[%d]: %v", i, err))
		}
	}
	for i, key := range c.Trust.AutoAcceptFrom {
		if _, err := identity.ParsePublicKey(key); err != nil {
			errs = append(errs, fmt.Sprintf("trust.auto_accept_from[%d]: %v", i, err))
		}
	}
	if c.Trust.MaxDepth < 1 {
		errs = append(errs, "trust.max_depth must be positive")
	}
	if c.Trust.MaxIntroductionAge <= 0 {
		errs = append(errs, "trust.max_introduction_age must be positive")
	}

	if c.Timing.HeartbeatInterval <= 0 {
		errs = append(errs, "timing.heartbeat_interval must be positive")
	}
	if c.Timing.HeartbeatTimeout <= c.Timing.HeartbeatInterval {
		errs = append(errs, "timing.heartbeat_timeout must exceed heartbeat_interval")
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when enabled")
	}
	if c.Control.Enabled && c.Control.SocketPath == "" {
		errs = append(errs, "control.socket_path is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func validateEndpoint(ep EndpointConfig) error {
	switch ep.Transport {
	case "tcp", "quic", "ws":
	default:
		return fmt.Errorf("invalid transport: %s (must be tcp, quic, or ws)", ep.Transport)
	}
	if ep.Address == "" {
		return fmt.Errorf("address is required")
	}
	return nil
}

// WhitelistKeys parses the configured whitelist entries.
func (c *Config) WhitelistKeys() ([]identity.PublicKey, error) {
	keys := make([]identity.PublicKey, 0, len(c.Trust.Whitelist))
	for _, s := range c.Trust.Whitelist {
		pk, err := identity.ParsePublicKey(s)
		if err != nil {
			return nil, err
		}
		keys = append(keys, pk)
	}
	return keys, nil
}

// AutoAcceptKeys parses the configured auto-accept entries.
func (c *Config) AutoAcceptKeys() ([]identity.PublicKey, error) {
	keys := make([]identity.PublicKey, 0, len(c.Trust.AutoAcceptFrom))
	for _, s := range c.Trust.AutoAcceptFrom {
		pk, err := identity.ParsePublicKey(s)
		if err != nil {
			return nil, err
		}
		keys = append(keys, pk)
	}
	return keys, nil
}

// String returns a YAML rendering of the config for debugging.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
