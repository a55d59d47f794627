package agent

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystemPrompt(t *testing.T) {
	def := NewDefinition("Ada", "research assistant", "answer questions accurately")
	prompt := def.SystemPrompt()
	assert.Contains(t, prompt, "You are Ada, a research assistant.")
	assert.Contains(t, prompt, "Your goal: answer questions accurately")
	assert.NotContains(t, prompt, "Background:")
	assert.NotContains(t, prompt, "tools")

	def.Backstory = "Trained on archives"
	def.Tools = []ToolConfig{{Name: "search"}, {Name: "calculator"}}
	prompt = def.SystemPrompt()
	assert.Contains(t, prompt, "Background: Trained on archives")
	assert.Contains(t, prompt, "You have access to the following tools: search, calculator")
}

func TestDefinitionValidate(t *testing.T) {
	def := NewDefinition("Ada", "assistant", "help")
	require.NoError(t, def.Validate())

	missing := NewDefinition("", "assistant", "help")
	assert.Error(t, missing.Validate())
}

func TestHasCapabilities(t *testing.T) {
	def := NewDefinition("Ada", "assistant", "help")
	def.Capabilities = []string{"sum", "research"}

	assert.True(t, def.HasCapabilities(nil))
	assert.True(t, def.HasCapabilities([]string{"sum"}))
	assert.True(t, def.HasCapabilities([]string{"sum", "research"}))
	assert.False(t, def.HasCapabilities([]string{"sum", "translate"}))
}

func TestToolAllowed(t *testing.T) {
	tests := []struct {
		name        string
		constraints Constraints
		tool        string
		allowed     bool
	}{
		{"nil allow list permits all", Constraints{}, "anything", true},
		{"allow list permits listed", Constraints{AllowedTools: []string{"add"}}, "add", true},
		{"allow list rejects unlisted", Constraints{AllowedTools: []string{"add"}}, "shell", false},
		{"deny wins over allow", Constraints{AllowedTools: []string{"add"}, DeniedTools: []string{"add"}}, "add", false},
		{"deny with nil allow", Constraints{DeniedTools: []string{"shell"}}, "shell", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.constraints.ToolAllowed(tt.tool))
		})
	}
}

func TestInstanceLifecycle(t *testing.T) {
	in := NewInstance("def-1", "worker-1")
	require.True(t, in.Available())

	in.Assign("task-1")
	assert.Equal(t, StatusRunning, in.Status)
	assert.Equal(t, "task-1", in.CurrentTaskID)
	assert.False(t, in.Available())

	in.Release()
	assert.Equal(t, StatusIdle, in.Status)
	assert.Empty(t, in.CurrentTaskID)
	assert.True(t, in.Available())
}

func TestInstanceStale(t *testing.T) {
	in := NewInstance("def-1", "worker-1")
	now := time.Now().UTC()

	in.Heartbeat(now)
	assert.False(t, in.Stale(now.Add(10*time.Second), 30*time.Second))
	assert.True(t, in.Stale(now.Add(31*time.Second), 30*time.Second))

	in.LastHeartbeat = nil
	assert.True(t, in.Stale(now, 30*time.Second))
}

func TestInstanceScore(t *testing.T) {
	fresh := NewInstance("def-1", "w1")
	assert.True(t, math.IsInf(fresh.Score(), 1), "no completions sorts last")

	in := NewInstance("def-1", "w1")
	in.RecordCompletion(100, 2000, true)
	in.RecordCompletion(50, 1000, true)
	assert.Equal(t, 1500.0, in.Score())

	// Failures count time but not completions.
	in.RecordCompletion(10, 3000, false)
	assert.Equal(t, 3000.0, in.Score())
	assert.Equal(t, 2, in.TasksCompleted)
	assert.Equal(t, 1, in.TasksFailed)
	assert.Equal(t, 160, in.TotalTokensUsed)
}
