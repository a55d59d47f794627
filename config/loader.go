package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	// ProjectConfigFile is the project-level config file searched for
	// in the current and parent directories.
	ProjectConfigFile = "agentmesh.yaml"
	// UserConfigDir holds the user-level config.
	UserConfigDir = ".config/agentmesh"
	// UserConfigFile is the user-level config file name.
	UserConfigFile = "config.yaml"
)

// Loader loads configuration with layered precedence.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load builds the effective config: defaults, then the user file, then
// the project file, then AGENTMESH_* environment variables.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	userConfigPath := l.userConfigPath()
	if userConfigPath != "" {
		if userCfg, err := LoadFromFile(userConfigPath); err == nil {
			l.logger.Debug("Loaded user config", "path", userConfigPath)
			cfg.Merge(userCfg)
		} else if !errors.Is(err, os.ErrNotExist) {
			l.logger.Warn("Failed to load user config",
				"path", userConfigPath, "error", err)
		}
	}

	projectConfigPath := l.findProjectConfig()
	if projectConfigPath != "" {
		projectCfg, err := LoadFromFile(projectConfigPath)
		if err != nil {
			l.logger.Warn("Failed to load project config",
				"path", projectConfigPath, "error", err)
		} else {
			l.logger.Debug("Loaded project config", "path", projectConfigPath)
			cfg.Merge(projectCfg)
		}
	}

	return finalize(cfg)
}

// LoadFile builds the effective config from an explicit file, skipping
// the user and project file search: defaults, then the file, then
// AGENTMESH_* environment variables.
func (l *Loader) LoadFile(path string) (*Config, error) {
	cfg := Default()
	fileCfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	l.logger.Debug("Loaded config", "path", path)
	cfg.Merge(fileCfg)
	return finalize(cfg)
}

func finalize(cfg *Config) (*Config, error) {
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if cfg.Worker.ID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Worker.ID = host
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EnsureUserConfig writes a default user config file if none exists.
func (l *Loader) EnsureUserConfig() error {
	path := l.userConfigPath()
	if path == "" {
		return fmt.Errorf("cannot determine user config path")
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := Default().SaveToFile(path); err != nil {
		return err
	}
	l.logger.Info("Created default user config", "path", path)
	return nil
}

// applyEnv overrides individual fields from the environment.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("AGENTMESH_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("AGENTMESH_MODEL_ID"); v != "" {
		cfg.Model.ModelID = v
	}
	if v := os.Getenv("AGENTMESH_MODEL_ENDPOINT"); v != "" {
		cfg.Model.Endpoint = v
	}
	if v := os.Getenv("AGENTMESH_WORKER_ID"); v != "" {
		cfg.Worker.ID = v
	}
	if v := os.Getenv("AGENTMESH_WORKER_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("AGENTMESH_WORKER_CONCURRENCY: %w", err)
		}
		cfg.Worker.Concurrency = n
	}
	if v := os.Getenv("AGENTMESH_HEARTBEAT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("AGENTMESH_HEARTBEAT_TIMEOUT: %w", err)
		}
		cfg.Router.HeartbeatTimeout = d
	}
	if v := os.Getenv("AGENTMESH_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	return nil
}

func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig walks from the working directory to the filesystem
// root looking for agentmesh.yaml.
func (l *Loader) findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		path := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
