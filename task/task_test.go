package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusIsTerminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusPending, false},
		{StatusQueued, false},
		{StatusAssigned, false},
		{StatusRunning, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusCancelled, true},
		{StatusTimeout, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
		})
	}
}

func TestTerminalTasksRejectTransitions(t *testing.T) {
	tk := New("test", "test task")
	require.NoError(t, tk.Complete(map[string]any{"answer": "42"}))

	assert.ErrorIs(t, tk.Fail("late failure"), ErrTerminal)
	assert.ErrorIs(t, tk.Cancel(), ErrTerminal)
	assert.ErrorIs(t, tk.Start("agent-1"), ErrTerminal)
	assert.ErrorIs(t, tk.MarkTimeout(), ErrTerminal)

	// Terminal outcome is untouched by the rejected transitions.
	assert.Equal(t, StatusCompleted, tk.Status)
	assert.Empty(t, tk.Error)
}

func TestStartSetsStartedAtOnce(t *testing.T) {
	tk := New("test", "test task")
	require.Nil(t, tk.StartedAt)

	require.NoError(t, tk.Start("agent-1"))
	require.NotNil(t, tk.StartedAt)
	first := *tk.StartedAt

	require.NoError(t, tk.Start("agent-2"))
	assert.Equal(t, first, *tk.StartedAt, "StartedAt must not move on re-start")
	assert.Equal(t, "agent-2", tk.AssignedAgentID)
}

func TestCanRetry(t *testing.T) {
	tk := New("test", "test task")
	tk.MaxRetries = 2

	assert.True(t, tk.CanRetry())
	tk.RetryCount = 1
	assert.True(t, tk.CanRetry())
	tk.RetryCount = 2
	assert.False(t, tk.CanRetry())
}

func TestRequiresAll(t *testing.T) {
	tests := []struct {
		name     string
		required []string
		offered  []string
		want     bool
	}{
		{"no requirements", nil, []string{"sum"}, true},
		{"exact match", []string{"sum"}, []string{"sum"}, true},
		{"superset", []string{"sum"}, []string{"sum", "research"}, true},
		{"missing", []string{"research"}, []string{"sum"}, false},
		{"partial", []string{"sum", "research"}, []string{"sum"}, false},
		{"empty offer", []string{"sum"}, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := New("test", "test task")
			tk.RequiredCapabilities = tt.required
			assert.Equal(t, tt.want, tk.RequiresAll(tt.offered))
		})
	}
}

func TestMarkTimeoutNamesBudget(t *testing.T) {
	tk := New("test", "test task")
	tk.TimeoutSeconds = 60
	require.NoError(t, tk.MarkTimeout())
	assert.Equal(t, StatusTimeout, tk.Status)
	assert.Contains(t, tk.Error, "timeout after 60s")
}
