package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/agentmesh/agent"
	"github.com/c360studio/agentmesh/event"
	"github.com/c360studio/agentmesh/fabric"
	"github.com/c360studio/agentmesh/task"
)

type fakeTaskStore struct {
	mu      sync.Mutex
	tasks   map[string]*task.Task
	updates int
}

func newFakeTaskStore(tasks ...*task.Task) *fakeTaskStore {
	s := &fakeTaskStore{tasks: make(map[string]*task.Task)}
	for _, t := range tasks {
		s.tasks[t.ID] = t
	}
	return s
}

func (s *fakeTaskStore) Get(_ context.Context, id string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, task.ErrNotFound
	}
	return t, nil
}

func (s *fakeTaskStore) Update(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
	s.updates++
	return nil
}

type fakeResubmitter struct {
	resubmitted []*task.Task
}

func (r *fakeResubmitter) Resubmit(_ context.Context, t *task.Task) error {
	r.resubmitted = append(r.resubmitted, t)
	return nil
}

type resultFixture struct {
	handler  *ResultHandler
	tasks    *fakeTaskStore
	insts    *fakeInstanceStore
	resubmit *fakeResubmitter
	pub      *capturingPublisher
	events   *event.MemoryStore
}

func newResultFixture(tasks ...*task.Task) *resultFixture {
	f := &resultFixture{
		tasks:    newFakeTaskStore(tasks...),
		insts:    newFakeInstanceStore(),
		resubmit: &fakeResubmitter{},
		pub:      &capturingPublisher{},
		events:   event.NewMemoryStore(),
	}
	f.handler = NewResultHandler(f.tasks,
		WithResultInstanceStore(f.insts),
		WithResubmitter(f.resubmit),
		WithResultPublisher(f.pub),
		WithResultEventSink(event.NewEmitter(f.events, nil, nil)),
	)
	return f
}

func resultMessage(res Result) *fakeMessage {
	data, _ := json.Marshal(res)
	return &fakeMessage{subject: fabric.SubjectResultCompleted, data: data}
}

func runningTask(name string) *task.Task {
	t := task.New(name, "work on "+name)
	_ = t.Start("inst-1")
	return t
}

func (f *resultFixture) eventTypes() []event.Type {
	var types []event.Type
	for _, e := range f.events.All() {
		types = append(types, e.Type)
	}
	return types
}

func TestHandleResultCompletesTask(t *testing.T) {
	tk := runningTask("report")
	f := newResultFixture(tk)

	in := agent.NewInstance("def-1", "worker-1")
	in.ID = "inst-1"
	in.Assign(tk.ID)
	f.insts.instances[in.ID] = in

	res := Result{
		TaskID:     tk.ID,
		WorkerID:   "worker-1",
		InstanceID: "inst-1",
		Success:    true,
		Result:     map[string]any{"answer": "42"},
	}
	require.NoError(t, f.handler.HandleResult(context.Background(), resultMessage(res)))

	assert.Equal(t, task.StatusCompleted, tk.Status)
	assert.Equal(t, map[string]any{"answer": "42"}, tk.Result)
	assert.Equal(t, agent.StatusIdle, in.Status)
	assert.Empty(t, in.CurrentTaskID)
	assert.Contains(t, f.eventTypes(), event.TypeTaskCompleted)

	subjects, payloads := f.pub.published()
	require.Equal(t, []string{fabric.SubjectObserve}, subjects)
	var broadcast map[string]any
	require.NoError(t, json.Unmarshal(payloads[0], &broadcast))
	assert.Equal(t, "task_updated", broadcast["event"])
}

func TestHandleResultWrapsScalarResult(t *testing.T) {
	tk := runningTask("compute")
	f := newResultFixture(tk)

	res := Result{TaskID: tk.ID, Success: true, Result: "42"}
	require.NoError(t, f.handler.HandleResult(context.Background(), resultMessage(res)))

	assert.Equal(t, map[string]any{"output": "42"}, tk.Result)
}

func TestHandleResultRetriableFailureRequeues(t *testing.T) {
	tk := runningTask("flaky")
	f := newResultFixture(tk)

	res := Result{
		TaskID:    tk.ID,
		Success:   false,
		Error:     "timeout: 301s elapsed",
		Retriable: true,
	}
	require.NoError(t, f.handler.HandleResult(context.Background(), resultMessage(res)))

	assert.Equal(t, task.StatusQueued, tk.Status)
	assert.Equal(t, 1, tk.RetryCount)
	assert.Empty(t, tk.AssignedAgentID)
	require.Len(t, f.resubmit.resubmitted, 1)
	assert.NotContains(t, f.eventTypes(), event.TypeTaskFailed)
}

func TestHandleResultRetriableFailureWithoutBudgetFails(t *testing.T) {
	tk := runningTask("flaky")
	tk.RetryCount = tk.MaxRetries
	f := newResultFixture(tk)

	res := Result{TaskID: tk.ID, Success: false, Error: "timeout: 301s elapsed", Retriable: true}
	require.NoError(t, f.handler.HandleResult(context.Background(), resultMessage(res)))

	assert.Equal(t, task.StatusFailed, tk.Status)
	assert.Empty(t, f.resubmit.resubmitted)
	assert.Contains(t, f.eventTypes(), event.TypeTaskFailed)
}

func TestHandleResultNonRetriableFailureFails(t *testing.T) {
	tk := runningTask("doomed")
	f := newResultFixture(tk)

	res := Result{TaskID: tk.ID, Success: false, Error: "max iterations reached: 25"}
	require.NoError(t, f.handler.HandleResult(context.Background(), resultMessage(res)))

	assert.Equal(t, task.StatusFailed, tk.Status)
	assert.Equal(t, "max iterations reached: 25", tk.Error)
	assert.Empty(t, f.resubmit.resubmitted, "non-retriable failures never requeue")
}

func TestHandleResultIgnoresTerminalTask(t *testing.T) {
	tk := runningTask("done")
	require.NoError(t, tk.Complete(map[string]any{"answer": "42"}))
	f := newResultFixture(tk)

	res := Result{TaskID: tk.ID, Success: false, Error: "late duplicate"}
	require.NoError(t, f.handler.HandleResult(context.Background(), resultMessage(res)))

	assert.Equal(t, task.StatusCompleted, tk.Status, "redelivery leaves the terminal status alone")
	assert.Zero(t, f.tasks.updates)
	assert.Empty(t, f.eventTypes())
	subjects, _ := f.pub.published()
	assert.Empty(t, subjects)
}

func TestHandleResultMalformedPayloadIsTerminated(t *testing.T) {
	f := newResultFixture()
	msg := &fakeMessage{subject: fabric.SubjectResultCompleted, data: []byte("{oops")}

	err := f.handler.HandleResult(context.Background(), msg)
	assert.Equal(t, fabric.ErrHandled, err)
	_, _, termed := msg.settled()
	assert.True(t, termed)
}

func TestHandleResultUnknownTaskErrorsForRedelivery(t *testing.T) {
	f := newResultFixture()

	res := Result{TaskID: "missing", Success: true}
	err := f.handler.HandleResult(context.Background(), resultMessage(res))
	require.Error(t, err)
	assert.ErrorIs(t, err, task.ErrNotFound)
}
