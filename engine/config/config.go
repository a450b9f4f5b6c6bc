// Package config holds the unified gateway configuration: defaults,
// validation, YAML file loading and environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables recognised by the gateway.
const (
	EnvHome   = "CIRA_HOME"
	EnvTickMS = "CIRA_TICK_MS"
)

// MinTickInterval is the floor for the evaluation cadence.
const MinTickInterval = 250 * time.Millisecond

// NodeConfig describes one fleet node the gateway polls.
type NodeConfig struct {
	ID           string        `yaml:"id"`
	URL          string        `yaml:"url"`
	FetchTimeout time.Duration `yaml:"fetch_timeout,omitempty"`
}

// ModbusConfig points the dispatcher at a MODBUS/TCP endpoint. An empty
// address leaves register writes on the no-op writer.
type ModbusConfig struct {
	Address string        `yaml:"address,omitempty"`
	SlaveID byte          `yaml:"slave_id,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// DispatchConfig tunes alert delivery: dedup, retry backoff, circuit breaking.
type DispatchConfig struct {
	DedupWindow      time.Duration `yaml:"dedup_window"`
	RetryBase        time.Duration `yaml:"retry_base"`
	RetryMax         time.Duration `yaml:"retry_max"`
	RetryMaxAttempts int           `yaml:"retry_max_attempts"`
	BreakerFailures  uint32        `yaml:"breaker_failures"`
	BreakerRecovery  time.Duration `yaml:"breaker_recovery"`
	QueueSize        int           `yaml:"queue_size"`
}

// TelemetryConfig selects observability backends.
type TelemetryConfig struct {
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsBackend string `yaml:"metrics_backend"` // "prometheus" | "otel"
	EventBuffer    int    `yaml:"event_buffer"`
	LogLevel       string `yaml:"log_level"`
}

// Config is the full gateway configuration.
type Config struct {
	// Root is the durable config directory (rules live under Root/rules).
	Root string `yaml:"root"`

	TickInterval    time.Duration `yaml:"tick_interval"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
	SandboxDeadline time.Duration `yaml:"sandbox_deadline"`

	Nodes     []NodeConfig    `yaml:"nodes"`
	Modbus    ModbusConfig    `yaml:"modbus"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// Default returns a configuration with every knob at its documented default.
func Default() Config {
	c := Config{}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills zero-valued fields with defaults.
func (c *Config) ApplyDefaults() {
	if c.Root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		c.Root = filepath.Join(home, ".cira")
	}
	if c.TickInterval == 0 {
		c.TickInterval = 2 * time.Second
	}
	if c.FetchTimeout == 0 {
		// Default 3s, capped so a slow node can never swallow a whole tick.
		c.FetchTimeout = 3 * time.Second
		if c.FetchTimeout >= c.TickInterval {
			c.FetchTimeout = c.TickInterval * 4 / 5
		}
	}
	if c.SandboxDeadline == 0 {
		c.SandboxDeadline = 50 * time.Millisecond
	}
	if c.Modbus.Timeout == 0 {
		c.Modbus.Timeout = 2 * time.Second
	}
	if c.Modbus.SlaveID == 0 {
		c.Modbus.SlaveID = 1
	}
	d := &c.Dispatch
	if d.DedupWindow == 0 {
		d.DedupWindow = 30 * time.Second
	}
	if d.RetryBase == 0 {
		d.RetryBase = 500 * time.Millisecond
	}
	if d.RetryMax == 0 {
		d.RetryMax = 30 * time.Second
	}
	if d.RetryMaxAttempts == 0 {
		d.RetryMaxAttempts = 5
	}
	if d.BreakerFailures == 0 {
		d.BreakerFailures = 5
	}
	if d.BreakerRecovery == 0 {
		d.BreakerRecovery = 60 * time.Second
	}
	if d.QueueSize == 0 {
		d.QueueSize = 256
	}
	t := &c.Telemetry
	if t.MetricsBackend == "" {
		t.MetricsBackend = "prometheus"
	}
	if t.EventBuffer == 0 {
		t.EventBuffer = 256
	}
	if t.LogLevel == "" {
		t.LogLevel = "info"
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.TickInterval < MinTickInterval {
		return fmt.Errorf("tick_interval %s below minimum %s", c.TickInterval, MinTickInterval)
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("fetch_timeout must be positive")
	}
	if c.FetchTimeout >= c.TickInterval {
		return fmt.Errorf("fetch_timeout %s must be strictly less than tick_interval %s", c.FetchTimeout, c.TickInterval)
	}
	if c.SandboxDeadline <= 0 {
		return fmt.Errorf("sandbox_deadline must be positive")
	}
	seen := map[string]bool{}
	for i, n := range c.Nodes {
		if n.ID == "" {
			return fmt.Errorf("nodes[%d]: id required", i)
		}
		if n.URL == "" {
			return fmt.Errorf("node %s: url required", n.ID)
		}
		if seen[n.ID] {
			return fmt.Errorf("node %s: duplicate id", n.ID)
		}
		seen[n.ID] = true
	}
	switch c.Telemetry.MetricsBackend {
	case "prometheus", "otel", "noop":
	default:
		return fmt.Errorf("telemetry.metrics_backend %q unknown", c.Telemetry.MetricsBackend)
	}
	return nil
}

// Load reads path (YAML), applies defaults and env overrides, and validates.
// A missing file is not an error: defaults plus environment apply.
func Load(path string) (Config, error) {
	var c Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &c); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// fall through to defaults
		default:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	c.applyEnv()
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvHome); v != "" {
		c.Root = v
	}
	if v := os.Getenv(EnvTickMS); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.TickInterval = time.Duration(ms) * time.Millisecond
		}
	}
}
