package event

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCausedBy(t *testing.T) {
	parent := TaskCreated("task-1", "sum", "add numbers", nil)
	child := TaskAssigned("task-1", "inst-1").CausedBy(parent)

	assert.Equal(t, parent.ID, child.CausationID)
	assert.Equal(t, parent.ID, child.CorrelationID, "correlation seeds from the root event")

	grandchild := TaskStarted("task-1", "worker-1", "inst-1").CausedBy(child)
	assert.Equal(t, child.ID, grandchild.CausationID)
	assert.Equal(t, parent.ID, grandchild.CorrelationID, "correlation is inherited down the chain")
}

func TestSubjectMapping(t *testing.T) {
	tests := []struct {
		event   *Event
		subject string
	}{
		{TaskCreated("t1", "n", "d", nil), "TASKS.created"},
		{TaskCompleted("t1", nil), "TASKS.completed"},
		{TaskFailed("t1", "boom", true), "TASKS.failed"},
		{AgentHeartbeat("i1"), "AGENTS.heartbeat"},
		{AgentLLMCall("i1", "t1", "m", 1, 2, 3), "AGENTS.events.llm_call"},
		{AgentToolCall("i1", "t1", "add", true, 5), "AGENTS.events.tool_call"},
		{WorkflowStarted("e1", "d1", nil), "WORKFLOWS.events.started"},
		{WorkflowStepCompleted("e1", "s1", nil), "WORKFLOWS.events.step_completed"},
		{ScaleRecommendation("scale_up", 0.9, 4, 0), "OBSERVE.broadcast"},
		{CircuitOpened("openai", 5), "OBSERVE.broadcast"},
	}

	for _, tt := range tests {
		t.Run(string(tt.event.Type), func(t *testing.T) {
			assert.Equal(t, tt.subject, tt.event.Subject())
		})
	}
}

func TestMemoryStoreAssignsMonotonicVersions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		e := TaskCreated("task-1", "n", "d", nil)
		require.NoError(t, store.Append(ctx, e))
		assert.Equal(t, int64(i+1), e.Version)
	}

	// Interleaved aggregate gets its own sequence.
	other := TaskCreated("task-2", "n", "d", nil)
	require.NoError(t, store.Append(ctx, other))
	assert.Equal(t, int64(1), other.Version)

	events, err := store.ByAggregate(ctx, "task-1", 2)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, int64(i+3), e.Version, "versions strictly increasing after the cursor")
	}
}

func TestMemoryStoreRejectsVersionConflict(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first := TaskCreated("task-1", "n", "d", nil)
	require.NoError(t, store.Append(ctx, first))

	dup := TaskAssigned("task-1", "inst-1")
	dup.Version = 1
	assert.ErrorIs(t, store.Append(ctx, dup), ErrVersionConflict)

	gap := TaskAssigned("task-1", "inst-1")
	gap.Version = 5
	assert.ErrorIs(t, store.Append(ctx, gap), ErrVersionConflict)
}

func TestMemoryStoreByCorrelation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	root := WorkflowStarted("exec-1", "def-1", nil)
	step := WorkflowStepCompleted("exec-1", "a", "ok").CausedBy(root)
	unrelated := TaskCreated("task-9", "n", "d", nil)

	require.NoError(t, store.Append(ctx, root))
	require.NoError(t, store.Append(ctx, step))
	require.NoError(t, store.Append(ctx, unrelated))

	chain, err := store.ByCorrelation(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, chain, 2)
}

func TestMemoryStoreConcurrentAppends(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.Append(ctx, AgentHeartbeat("inst-1"))
		}()
	}
	wg.Wait()

	events, err := store.ByAggregate(ctx, "inst-1", 0)
	require.NoError(t, err)
	require.Len(t, events, n)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Version)
	}
}

type capturingPublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *capturingPublisher) Publish(_ context.Context, subject string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

func TestEmitterAppendsAndPublishes(t *testing.T) {
	store := NewMemoryStore()
	pub := &capturingPublisher{}
	em := NewEmitter(store, pub, nil)
	ctx := context.Background()

	e := TaskCreated("task-1", "n", "d", nil)
	require.NoError(t, em.Emit(ctx, e))

	assert.Equal(t, int64(1), e.Version, "store assigned the version before publish")
	assert.Equal(t, []string{"TASKS.created"}, pub.subjects)
}

func TestEmitterPropagatesVersionConflict(t *testing.T) {
	store := NewMemoryStore()
	em := NewEmitter(store, nil, nil)
	ctx := context.Background()

	require.NoError(t, em.Emit(ctx, TaskCreated("task-1", "n", "d", nil)))

	dup := TaskCreated("task-1", "n", "d", nil)
	dup.Version = 1
	assert.ErrorIs(t, em.Emit(ctx, dup), ErrVersionConflict)
}
