// Package config provides layered configuration for agentmesh
// processes: defaults, user file, project file, then environment
// overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration for one agentmesh process.
type Config struct {
	NATS    NATSConfig    `yaml:"nats"`
	Model   ModelConfig   `yaml:"model"`
	Router  RouterConfig  `yaml:"router"`
	Worker  WorkerConfig  `yaml:"worker"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// NATSConfig configures the JetStream connection.
type NATSConfig struct {
	// URL is the NATS server URL.
	URL string `yaml:"url"`
	// ConnectTimeout bounds the initial connection attempt.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// ModelConfig sets the default LLM backend for agents that do not pin
// their own.
type ModelConfig struct {
	Provider    string        `yaml:"provider"`
	ModelID     string        `yaml:"model_id"`
	Endpoint    string        `yaml:"endpoint"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

// RouterConfig tunes dispatch and supervision.
type RouterConfig struct {
	// SweepInterval is how often the supervisor scans the pool.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// HeartbeatTimeout is how stale an instance heartbeat may be
	// before the supervisor declares it dead.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
}

// WorkerConfig tunes the worker shell.
type WorkerConfig struct {
	// ID names this worker; empty means derive from the hostname.
	ID string `yaml:"id"`
	// Concurrency bounds simultaneous task executions.
	Concurrency int `yaml:"concurrency"`
	// HeartbeatInterval is the liveness reporting cadence.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address for /metrics. Empty disables it.
	Addr string `yaml:"addr"`
}

// Default returns a Config with stock settings.
func Default() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:            "nats://127.0.0.1:4222",
			ConnectTimeout: 5 * time.Second,
		},
		Model: ModelConfig{
			Provider:    "anthropic",
			ModelID:     "claude-sonnet-4-20250514",
			Temperature: 0.7,
			Timeout:     2 * time.Minute,
		},
		Router: RouterConfig{
			SweepInterval:    5 * time.Second,
			HeartbeatTimeout: 30 * time.Second,
		},
		Worker: WorkerConfig{
			Concurrency:       5,
			HeartbeatInterval: 10 * time.Second,
		},
		Metrics: MetricsConfig{
			Addr: "",
		},
	}
}

// Validate checks the fields no process can run without.
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}
	if c.Model.Provider == "" {
		return fmt.Errorf("model.provider is required")
	}
	if c.Model.ModelID == "" {
		return fmt.Errorf("model.model_id is required")
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 1 {
		return fmt.Errorf("model.temperature must be between 0 and 1")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1")
	}
	if c.Router.HeartbeatTimeout <= 0 {
		return fmt.Errorf("router.heartbeat_timeout must be positive")
	}
	return nil
}

// LoadFromFile reads a YAML config file over defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// SaveToFile writes the config as YAML, creating parent directories.
func (c *Config) SaveToFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Merge folds another config into this one. Non-zero values in other
// take precedence.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.NATS.ConnectTimeout != 0 {
		c.NATS.ConnectTimeout = other.NATS.ConnectTimeout
	}

	if other.Model.Provider != "" {
		c.Model.Provider = other.Model.Provider
	}
	if other.Model.ModelID != "" {
		c.Model.ModelID = other.Model.ModelID
	}
	if other.Model.Endpoint != "" {
		c.Model.Endpoint = other.Model.Endpoint
	}
	if other.Model.Temperature != 0 {
		c.Model.Temperature = other.Model.Temperature
	}
	if other.Model.Timeout != 0 {
		c.Model.Timeout = other.Model.Timeout
	}

	if other.Router.SweepInterval != 0 {
		c.Router.SweepInterval = other.Router.SweepInterval
	}
	if other.Router.HeartbeatTimeout != 0 {
		c.Router.HeartbeatTimeout = other.Router.HeartbeatTimeout
	}

	if other.Worker.ID != "" {
		c.Worker.ID = other.Worker.ID
	}
	if other.Worker.Concurrency != 0 {
		c.Worker.Concurrency = other.Worker.Concurrency
	}
	if other.Worker.HeartbeatInterval != 0 {
		c.Worker.HeartbeatInterval = other.Worker.HeartbeatInterval
	}

	if other.Metrics.Addr != "" {
		c.Metrics.Addr = other.Metrics.Addr
	}
}
