package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Timing.HeartbeatInterval != 30*time.Second {
		t.Errorf("heartbeat_interval = %v, want 30s", cfg.Timing.HeartbeatInterval)
	}
	if cfg.Timing.HeartbeatTimeout != 90*time.Second {
		t.Errorf("heartbeat_timeout = %v, want 90s", cfg.Timing.HeartbeatTimeout)
	}
	if cfg.Timing.RequestTimeout != 30*time.Second {
		t.Errorf("request_timeout = %v, want 30s", cfg.Timing.RequestTimeout)
	}
	if cfg.Trust.MaxDepth != 3 {
		t.Errorf("max_depth = %d, want 3", cfg.Trust.MaxDepth)
	}
	if cfg.Trust.MaxIntroductionAge != 24*time.Hour {
		t.Errorf("max_introduction_age = %v, want 24h", cfg.Trust.MaxIntroductionAge)
	}
}

func TestParse(t *testing.T) {
	yaml := `
agent:
  key_file: ./keys/node.key
  log_level: debug
topic: production-fabric
swarm:
  listeners:
    - transport: tcp
      address: 0.0.0.0:4817
  bootstrap:
    - transport: tcp
      address: peer.example.com:4817
timing:
  heartbeat_interval: 10s
  heartbeat_timeout: 45s
trust:
  whitelist:
    - ` + strings.Repeat("ab", 32) + `
  max_depth: 2
`

	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Agent.KeyFile != "./keys/node.key" {
		t.Errorf("key_file = %s", cfg.Agent.KeyFile)
	}
	if cfg.Topic != "production-fabric" {
		t.Errorf("topic = %s", cfg.Topic)
	}
	if len(cfg.Swarm.Listeners) != 1 || cfg.Swarm.Listeners[0].Address != "0.0.0.0:4817" {
		t.Errorf("listeners = %+v", cfg.Swarm.Listeners)
	}
	if cfg.Timing.HeartbeatInterval != 10*time.Second {
		t.Errorf("heartbeat_interval = %v", cfg.Timing.HeartbeatInterval)
	}
	if cfg.Trust.MaxDepth != 2 {
		t.Errorf("max_depth = %d", cfg.Trust.MaxDepth)
	}

	keys, err := cfg.WhitelistKeys()
	if err != nil {
		t.Fatalf("WhitelistKeys failed: %v", err)
	}
	if len(keys) != 1 {
		t.Errorf("whitelist keys = %d, want 1", len(keys))
	}

	// Defaults survive partial configs.
	if cfg.Timing.RequestTimeout != 30*time.Second {
		t.Errorf("request_timeout = %v, want default 30s", cfg.Timing.RequestTimeout)
	}
}

func TestParseEnvExpansion(t *testing.T) {
	os.Setenv("ARONIA_TEST_TOPIC", "env-topic")
	defer os.Unsetenv("ARONIA_TEST_TOPIC")

	yaml := `
topic: ${ARONIA_TEST_TOPIC}
agent:
  key_file: ${ARONIA_TEST_MISSING:-./fallback.key}
`

	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Topic != "env-topic" {
		t.Errorf("topic = %s, want env-topic", cfg.Topic)
	}
	if cfg.Agent.KeyFile != "./fallback.key" {
		t.Errorf("key_file = %s, want fallback", cfg.Agent.KeyFile)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing topic", func(c *Config) { c.Topic = "" }, "topic is required"},
		{"missing key file", func(c *Config) { c.Agent.KeyFile = "" }, "key_file is required"},
		{"bad log level", func(c *Config) { c.Agent.LogLevel = "verbose" }, "invalid log_level"},
		{"bad transport", func(c *Config) {
			c.Swarm.Listeners = []EndpointConfig{{Transport: "carrier-pigeon", Address: "x:1"}}
		}, "invalid transport"},
		{"listener without address", func(c *Config) {
			c.Swarm.Listeners = []EndpointConfig{{Transport: "tcp"}}
		}, "address is required"},
		{"bad whitelist key", func(c *Config) { c.Trust.Whitelist = []string{"nothex"} }, "trust.whitelist"},
		{"zero max depth", func(c *Config) { c.Trust.MaxDepth = 0 }, "max_depth"},
		{"timeout below interval", func(c *Config) {
			c.Timing.HeartbeatTimeout = c.Timing.HeartbeatInterval / 2
		}, "heartbeat_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Topic = "valid"
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("Load of missing file succeeded")
	}
}
