package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
	assert.Equal(t, "anthropic", cfg.Model.Provider)
	assert.Equal(t, 0.7, cfg.Model.Temperature)
	assert.Equal(t, 5, cfg.Worker.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Router.HeartbeatTimeout)
	assert.Empty(t, cfg.Metrics.Addr, "metrics endpoint is opt-in")
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"missing nats url", func(c *Config) { c.NATS.URL = "" }, true},
		{"missing provider", func(c *Config) { c.Model.Provider = "" }, true},
		{"missing model id", func(c *Config) { c.Model.ModelID = "" }, true},
		{"temperature too low", func(c *Config) { c.Model.Temperature = -0.1 }, true},
		{"temperature too high", func(c *Config) { c.Model.Temperature = 1.1 }, true},
		{"zero concurrency", func(c *Config) { c.Worker.Concurrency = 0 }, true},
		{"zero heartbeat timeout", func(c *Config) { c.Router.HeartbeatTimeout = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMergePrecedence(t *testing.T) {
	cfg := Default()
	cfg.Merge(&Config{
		NATS:   NATSConfig{URL: "nats://mesh:4222"},
		Model:  ModelConfig{ModelID: "claude-opus-4"},
		Worker: WorkerConfig{Concurrency: 12},
	})

	assert.Equal(t, "nats://mesh:4222", cfg.NATS.URL)
	assert.Equal(t, "claude-opus-4", cfg.Model.ModelID)
	assert.Equal(t, 12, cfg.Worker.Concurrency)
	// Fields the overlay left zero keep their defaults.
	assert.Equal(t, "anthropic", cfg.Model.Provider)
	assert.Equal(t, 10*time.Second, cfg.Worker.HeartbeatInterval)
}

func TestMergeNil(t *testing.T) {
	cfg := Default()
	cfg.Merge(nil)
	assert.Equal(t, Default(), cfg)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := Default()
	cfg.NATS.URL = "nats://mesh:4222"
	cfg.Worker.Concurrency = 8
	require.NoError(t, cfg.SaveToFile(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "nats://mesh:4222", loaded.NATS.URL)
	assert.Equal(t, 8, loaded.Worker.Concurrency)
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("AGENTMESH_NATS_URL", "nats://env:4222")
	t.Setenv("AGENTMESH_WORKER_CONCURRENCY", "3")
	t.Setenv("AGENTMESH_HEARTBEAT_TIMEOUT", "45s")

	cfg := Default()
	require.NoError(t, applyEnv(cfg))

	assert.Equal(t, "nats://env:4222", cfg.NATS.URL)
	assert.Equal(t, 3, cfg.Worker.Concurrency)
	assert.Equal(t, 45*time.Second, cfg.Router.HeartbeatTimeout)
}

func TestApplyEnvRejectsBadValues(t *testing.T) {
	t.Setenv("AGENTMESH_WORKER_CONCURRENCY", "many")
	assert.Error(t, applyEnv(Default()))

	os.Unsetenv("AGENTMESH_WORKER_CONCURRENCY")
	t.Setenv("AGENTMESH_HEARTBEAT_TIMEOUT", "soon")
	assert.Error(t, applyEnv(Default()))
}
