package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/agentmesh/agent"
	"github.com/c360studio/agentmesh/event"
	"github.com/c360studio/agentmesh/task"
)

type supervisorFixture struct {
	supervisor *Supervisor
	tasks      *fakeTaskStore
	insts      *fakeInstanceStore
	events     *event.MemoryStore
	requeued   []*task.Task
}

func newSupervisorFixture() *supervisorFixture {
	f := &supervisorFixture{
		tasks:  newFakeTaskStore(),
		insts:  newFakeInstanceStore(),
		events: event.NewMemoryStore(),
	}
	f.supervisor = NewSupervisor(f.insts, f.tasks,
		func(t *task.Task) { f.requeued = append(f.requeued, t) },
		WithSupervisorEventSink(event.NewEmitter(f.events, nil, nil)),
	)
	return f
}

func (f *supervisorFixture) eventTypes() []event.Type {
	var types []event.Type
	for _, e := range f.events.All() {
		types = append(types, e.Type)
	}
	return types
}

func staleInstance(id string, at time.Time) *agent.Instance {
	in := agent.NewInstance("def-1", "worker-1")
	in.ID = id
	stale := at.Add(-time.Minute)
	in.LastHeartbeat = &stale
	return in
}

func TestSweepMovesStaleInstanceToError(t *testing.T) {
	f := newSupervisorFixture()
	ctx := context.Background()

	now := time.Now().UTC()
	f.supervisor.now = func() time.Time { return now }

	dead := staleInstance("inst-dead", now)
	alive := agent.NewInstance("def-1", "worker-1")
	alive.ID = "inst-alive"
	alive.Heartbeat(now)
	require.NoError(t, f.insts.Put(ctx, dead))
	require.NoError(t, f.insts.Put(ctx, alive))

	f.supervisor.Sweep(ctx)

	assert.Equal(t, agent.StatusError, dead.Status)
	assert.Equal(t, agent.StatusIdle, alive.Status)
	assert.Contains(t, f.eventTypes(), event.TypeAgentError)
}

func TestSweepReleasesTaskWithRetryBudget(t *testing.T) {
	f := newSupervisorFixture()
	ctx := context.Background()

	now := time.Now().UTC()
	f.supervisor.now = func() time.Time { return now }

	tk := task.New("work", "d")
	tk.Status = task.StatusRunning
	tk.MaxRetries = 3
	_, err := f.tasks.Create(ctx, tk)
	require.NoError(t, err)

	dead := staleInstance("inst-dead", now)
	dead.Assign(tk.ID)
	require.NoError(t, f.insts.Put(ctx, dead))

	f.supervisor.Sweep(ctx)

	require.Len(t, f.requeued, 1)
	assert.Equal(t, task.StatusQueued, tk.Status)
	assert.Equal(t, 1, tk.RetryCount)
	assert.Empty(t, tk.AssignedAgentID)
	assert.Empty(t, dead.CurrentTaskID)
}

func TestSweepFailsTaskWithoutRetryBudget(t *testing.T) {
	f := newSupervisorFixture()
	ctx := context.Background()

	now := time.Now().UTC()
	f.supervisor.now = func() time.Time { return now }

	tk := task.New("work", "d")
	tk.Status = task.StatusRunning
	tk.MaxRetries = 0
	_, err := f.tasks.Create(ctx, tk)
	require.NoError(t, err)

	dead := staleInstance("inst-dead", now)
	dead.Assign(tk.ID)
	require.NoError(t, f.insts.Put(ctx, dead))

	f.supervisor.Sweep(ctx)

	assert.Empty(t, f.requeued)
	assert.Equal(t, task.StatusFailed, tk.Status)
	assert.Contains(t, f.eventTypes(), event.TypeTaskFailed)
}

func TestSweepSkipsAlreadyErroredInstances(t *testing.T) {
	f := newSupervisorFixture()
	ctx := context.Background()

	now := time.Now().UTC()
	f.supervisor.now = func() time.Time { return now }

	dead := staleInstance("inst-dead", now)
	dead.Status = agent.StatusError
	require.NoError(t, f.insts.Put(ctx, dead))

	f.supervisor.Sweep(ctx)
	assert.Empty(t, f.eventTypes(), "no duplicate agent.error for a known-dead instance")
}

func TestScalingRecommendation(t *testing.T) {
	tests := []struct {
		name      string
		idle      int
		running   int
		direction string
	}{
		{"all busy scales up", 0, 5, "scale_up"},
		{"mostly idle scales down", 9, 1, "scale_down"},
		{"balanced stays put", 2, 3, "none"},
		{"single idle agent stays put", 1, 0, "none"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var instances []*agent.Instance
			for i := 0; i < tt.idle; i++ {
				in := agent.NewInstance("def-1", "w")
				instances = append(instances, in)
			}
			for i := 0; i < tt.running; i++ {
				in := agent.NewInstance("def-1", "w")
				in.Assign("task-x")
				instances = append(instances, in)
			}
			rec := computeRecommendation(instances)
			assert.Equal(t, tt.direction, rec.Direction)
			assert.Equal(t, tt.idle+tt.running, rec.Total)
		})
	}
}

func TestSweepEmitsScaleEventOnChange(t *testing.T) {
	f := newSupervisorFixture()
	ctx := context.Background()

	now := time.Now().UTC()
	f.supervisor.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		in := agent.NewInstance("def-1", "w")
		in.Assign("task-x")
		in.Heartbeat(now)
		require.NoError(t, f.insts.Put(ctx, in))
	}

	f.supervisor.Sweep(ctx)
	f.supervisor.Sweep(ctx)

	scaleEvents := 0
	for _, e := range f.events.All() {
		if e.Type == event.TypeSystemScaleUp {
			scaleEvents++
		}
	}
	assert.Equal(t, 1, scaleEvents, "recommendation change emits exactly once")
}
