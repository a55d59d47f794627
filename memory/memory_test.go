package memory

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/agentmesh/llm"
)

func userMsg(content string) llm.Message {
	return llm.Message{Role: llm.RoleUser, Content: content}
}

func TestWindowDropsOldestWhenFull(t *testing.T) {
	store := NewInMemoryStore(3)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, store.Add(ctx, "agent-1", "task-1", userMsg(fmt.Sprintf("m%d", i))))
	}

	msgs, err := store.Get(ctx, "agent-1", "task-1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "m3", msgs[0].Content)
	assert.Equal(t, "m5", msgs[2].Content)
}

func TestWindowReturnsMostRecent(t *testing.T) {
	store := NewInMemoryStore(10)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		require.NoError(t, store.Add(ctx, "agent-1", "task-1", userMsg(fmt.Sprintf("m%d", i))))
	}

	window, err := store.Window(ctx, "agent-1", "task-1", 2)
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, "m3", window[0].Content)
	assert.Equal(t, "m4", window[1].Content)
}

func TestKeysAreIsolated(t *testing.T) {
	store := NewInMemoryStore(10)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, "agent-1", "task-1", userMsg("a")))
	require.NoError(t, store.Add(ctx, "agent-1", "task-2", userMsg("b")))
	require.NoError(t, store.Add(ctx, "agent-2", "task-1", userMsg("c")))

	msgs, err := store.Get(ctx, "agent-1", "task-1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "a", msgs[0].Content)
}

func TestClear(t *testing.T) {
	store := NewInMemoryStore(10)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, "agent-1", "task-1", userMsg("a")))
	require.NoError(t, store.Clear(ctx, "agent-1", "task-1"))

	msgs, err := store.Get(ctx, "agent-1", "task-1", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestAddStampsTimestamp(t *testing.T) {
	store := NewInMemoryStore(10)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, "agent-1", "task-1", userMsg("a")))
	msgs, err := store.Get(ctx, "agent-1", "task-1", 0)
	require.NoError(t, err)
	assert.False(t, msgs[0].Timestamp.IsZero())
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(nil))

	msgs := []llm.Message{
		userMsg("hello world"),
		{Role: llm.RoleAssistant, Content: "a longer reply with several words in it"},
	}
	short := EstimateTokens(msgs[:1])
	full := EstimateTokens(msgs)
	assert.Greater(t, short, 0)
	assert.Greater(t, full, short, "estimate grows with content")
}

func TestTrimToTokenBudget(t *testing.T) {
	msgs := []llm.Message{
		userMsg("first message with a fair amount of content"),
		userMsg("second message, also not empty"),
		userMsg("third"),
	}

	assert.Equal(t, msgs, TrimToTokenBudget(msgs, 0), "zero budget means unbounded")
	assert.Equal(t, msgs, TrimToTokenBudget(msgs, EstimateTokens(msgs)))

	// A budget covering only the two newest drops the oldest.
	trimmed := TrimToTokenBudget(msgs, EstimateTokens(msgs[1:]))
	require.Len(t, trimmed, 2)
	assert.Equal(t, "second message, also not empty", trimmed[0].Content)

	// The newest message survives even an impossible budget.
	trimmed = TrimToTokenBudget(msgs, 1)
	require.Len(t, trimmed, 1)
	assert.Equal(t, "third", trimmed[0].Content)
}
