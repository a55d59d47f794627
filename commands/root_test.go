package commands

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/agentmesh/config"
)

func TestRootCommandTree(t *testing.T) {
	root := Root()

	var names []string
	for _, sub := range root.Commands() {
		names = append(names, sub.Name())
	}
	for _, want := range []string{"router", "worker", "resulthandler", "submit", "cancel", "agent", "workflow", "version"} {
		assert.Contains(t, names, want)
	}
}

func TestVersionCommand(t *testing.T) {
	root := Root()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), Version)
}

func TestNewLoggerLevels(t *testing.T) {
	tests := []struct {
		level   string
		enabled slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger := newLogger(tt.level)
			assert.True(t, logger.Enabled(t.Context(), tt.enabled))
			if tt.enabled > slog.LevelDebug {
				assert.False(t, logger.Enabled(t.Context(), tt.enabled-4))
			}
		})
	}
}

func TestBuildProviderSelection(t *testing.T) {
	cfg := config.Default()

	cfg.Model.Provider = "anthropic"
	assert.Equal(t, "anthropic", buildProvider(cfg).Name())

	cfg.Model.Provider = "openai"
	assert.Equal(t, "openai", buildProvider(cfg).Name())

	// Unknown providers route through the OpenAI-compatible adapter
	// under their own name.
	cfg.Model.Provider = "ollama"
	cfg.Model.Endpoint = "http://localhost:11434/v1"
	assert.Equal(t, "ollama", buildProvider(cfg).Name())
}
