// Package worker is the process shell around agent runtimes: it consumes
// assigned tasks from the work queue, gates concurrent executions with a
// semaphore, reports heartbeats, and publishes terminal results for the
// result handler to settle.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/c360studio/agentmesh/agent"
	"github.com/c360studio/agentmesh/event"
	"github.com/c360studio/agentmesh/fabric"
	"github.com/c360studio/agentmesh/metrics"
	"github.com/c360studio/agentmesh/runtime"
	"github.com/c360studio/agentmesh/task"
)

// Defaults.
const (
	DefaultConcurrency       = 5
	DefaultHeartbeatInterval = 10 * time.Second

	// nakRetryDelay spreads redelivery when this worker is saturated so
	// another queue-group member can take the task.
	nakRetryDelay = time.Second
)

// Runner executes one task to a terminal outcome. *runtime.Runtime
// satisfies it.
type Runner interface {
	Execute(ctx context.Context, taskID, taskInput string) *runtime.ExecutionResult
}

// RuntimeFactory builds a runner for a materialised definition.
type RuntimeFactory func(def *agent.Definition, instanceID string) Runner

// DefinitionStore resolves agent definitions referenced by tasks.
type DefinitionStore interface {
	GetDefinition(ctx context.Context, id string) (*agent.Definition, error)
}

// InstanceStore reads and writes agent instance records.
type InstanceStore interface {
	Get(ctx context.Context, id string) (*agent.Instance, error)
	Put(ctx context.Context, in *agent.Instance) error
}

// Publisher writes payloads to fabric subjects.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Result is the payload published on RESULTS.completed / RESULTS.failed.
type Result struct {
	TaskID      string `json:"task_id"`
	WorkerID    string `json:"worker_id"`
	InstanceID  string `json:"instance_id,omitempty"`
	Success     bool   `json:"success"`
	Result      any    `json:"result,omitempty"`
	Error       string `json:"error,omitempty"`
	Retriable   bool   `json:"retriable"`
	Iterations  int    `json:"iterations"`
	TotalTokens int    `json:"total_tokens"`
	ElapsedMS   int64  `json:"elapsed_ms"`
}

// Heartbeat is the payload published on WORKERS.heartbeat.
type Heartbeat struct {
	WorkerID    string `json:"worker_id"`
	ActiveTasks int    `json:"active_tasks"`
	Capacity    int    `json:"capacity"`
}

// Command is the control payload accepted on AGENTS.commands.*.
type Command struct {
	Command  string `json:"command"`
	Graceful bool   `json:"graceful"`
}

// Worker consumes tasks from the shared work queue group and runs them
// through agent runtimes, at most `concurrency` at a time.
type Worker struct {
	id          string
	concurrency int
	newRuntime  RuntimeFactory
	definitions DefinitionStore
	instances   InstanceStore
	pub         Publisher
	events      event.Sink
	logger      *slog.Logger
	metrics     *metrics.Metrics
	interval    time.Duration
	announce    []string

	sem *semaphore.Weighted

	mu       sync.Mutex
	running  bool
	stopping bool
	active   int
	cancel   context.CancelFunc
	done     chan struct{}
	subs     []*fabric.Subscription
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithConcurrency bounds simultaneous task executions.
func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithDefinitionStore resolves agent definitions from a store.
func WithDefinitionStore(store DefinitionStore) WorkerOption {
	return func(w *Worker) { w.definitions = store }
}

// WithInstanceStore tracks instance state in a store.
func WithInstanceStore(store InstanceStore) WorkerOption {
	return func(w *Worker) { w.instances = store }
}

// WithPublisher sets the fabric publisher for results and heartbeats.
func WithPublisher(pub Publisher) WorkerOption {
	return func(w *Worker) { w.pub = pub }
}

// WithWorkerEventSink routes lifecycle events to the sink.
func WithWorkerEventSink(sink event.Sink) WorkerOption {
	return func(w *Worker) {
		if sink != nil {
			w.events = sink
		}
	}
}

// WithWorkerLogger sets the logger.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithWorkerMetrics attaches Prometheus collectors. Nil records nothing.
func WithWorkerMetrics(m *metrics.Metrics) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

// WithAnnouncedInstances lists the agent instances this worker owns.
// Each heartbeat tick also stamps their liveness on AGENTS.heartbeat so
// the supervisor keeps them out of the stale sweep.
func WithAnnouncedInstances(ids ...string) WorkerOption {
	return func(w *Worker) { w.announce = ids }
}

// WithHeartbeatInterval overrides the heartbeat cadence.
func WithHeartbeatInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

// New creates a worker. The factory is called once per consumed task
// with the materialised definition.
func New(id string, factory RuntimeFactory, opts ...WorkerOption) *Worker {
	w := &Worker{
		id:          id,
		concurrency: DefaultConcurrency,
		newRuntime:  factory,
		events:      event.Discard,
		logger:      slog.Default(),
		interval:    DefaultHeartbeatInterval,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.sem = semaphore.NewWeighted(int64(w.concurrency))
	return w
}

// Run subscribes to the work queue and control subjects and blocks
// heartbeating until the context is cancelled or Stop is called.
func (w *Worker) Run(ctx context.Context, client *fabric.Client) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true
	w.mu.Unlock()
	defer close(w.done)

	if w.pub == nil {
		w.pub = client
	}

	workSub, err := client.Subscribe(runCtx, fabric.SubscribeConfig{
		Stream: fabric.StreamTasks,
		// All workers share one durable, so each task lands on exactly
		// one of them.
		Durable:       "workers",
		FilterSubject: fabric.SubjectTaskWork,
	}, w.HandleTask)
	if err != nil {
		return fmt.Errorf("subscribe to work queue: %w", err)
	}

	cmdSub, err := client.Subscribe(runCtx, fabric.SubscribeConfig{
		Stream:        fabric.StreamAgents,
		Durable:       "worker-commands-" + w.id,
		FilterSubject: fabric.SubjectAgentCommands,
	}, w.HandleCommand)
	if err != nil {
		workSub.Stop()
		return fmt.Errorf("subscribe to commands: %w", err)
	}

	w.mu.Lock()
	w.subs = []*fabric.Subscription{workSub, cmdSub}
	w.mu.Unlock()

	w.announceStarted(runCtx)
	w.logger.Info("Worker started",
		"worker_id", w.id,
		"concurrency", w.concurrency)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-runCtx.Done():
			w.shutdown()
			return nil
		case <-ticker.C:
			w.sendHeartbeat(runCtx)
		}
	}
}

// Stop halts the worker. Graceful waits for in-flight executions to
// finish; forced abandons them to redelivery.
func (w *Worker) Stop(graceful bool) {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.stopping = true
	cancel, done := w.cancel, w.done
	subs := w.subs
	w.mu.Unlock()

	// Stop intake first so no new tasks arrive while draining.
	for _, s := range subs {
		s.Stop()
	}

	if graceful {
		// Acquiring the full weight waits out every active execution.
		if err := w.sem.Acquire(context.Background(), int64(w.concurrency)); err == nil {
			w.sem.Release(int64(w.concurrency))
		}
	}

	cancel()
	<-done

	w.mu.Lock()
	w.running = false
	w.stopping = false
	w.mu.Unlock()
	w.logger.Info("Worker stopped", "worker_id", w.id, "graceful", graceful)
}

// Active reports the number of in-flight executions.
func (w *Worker) Active() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

// HandleTask consumes one work message. Saturated workers nak with a
// delay so another queue-group member can pick the task up; accepted
// tasks execute on their own goroutine and settle the message when the
// result is published.
func (w *Worker) HandleTask(ctx context.Context, msg fabric.Message) error {
	var t task.Task
	if err := json.Unmarshal(msg.Data(), &t); err != nil {
		w.logger.Error("Dropping malformed work payload", "error", err)
		if termErr := msg.Term(); termErr != nil {
			w.logger.Error("Failed to terminate message", "error", termErr)
		}
		return fabric.ErrHandled
	}

	w.mu.Lock()
	stopping := w.stopping
	w.mu.Unlock()
	if stopping || !w.sem.TryAcquire(1) {
		if err := msg.Nak(nakRetryDelay); err != nil {
			w.logger.Error("Failed to nak message", "task_id", t.ID, "error", err)
		}
		return fabric.ErrHandled
	}

	w.mu.Lock()
	w.active++
	w.mu.Unlock()

	w.logger.Info("Received task",
		"task_id", t.ID,
		"name", t.Name,
		"worker_id", w.id)

	go func() {
		defer func() {
			w.sem.Release(1)
			w.mu.Lock()
			w.active--
			w.mu.Unlock()
		}()
		w.executeTask(ctx, msg, &t)
	}()
	return fabric.ErrHandled
}

// HandleCommand processes control messages. Only stop is recognised.
func (w *Worker) HandleCommand(_ context.Context, msg fabric.Message) error {
	var cmd Command
	if err := json.Unmarshal(msg.Data(), &cmd); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}
	w.logger.Debug("Received command", "command", cmd.Command, "worker_id", w.id)

	if cmd.Command == "stop" {
		// Settle before stopping; a graceful stop blocks on draining.
		if err := msg.Ack(); err != nil {
			w.logger.Error("Failed to ack command", "error", err)
		}
		go w.Stop(cmd.Graceful)
		return fabric.ErrHandled
	}
	return nil
}

func (w *Worker) executeTask(ctx context.Context, msg fabric.Message, t *task.Task) {
	def, in := w.materialize(ctx, t)
	if in != nil {
		in.Assign(t.ID)
		in.Heartbeat(time.Now())
		w.putInstance(ctx, in)
	}
	instanceID := ""
	if in != nil {
		instanceID = in.ID
	}

	if err := t.Start(instanceID); err != nil {
		// Terminal tasks are settled elsewhere; drop the message.
		w.logger.Warn("Skipping terminal task", "task_id", t.ID, "status", t.Status)
		w.settle(msg.Ack, t.ID)
		return
	}
	w.emit(ctx, event.TaskStarted(t.ID, w.id, instanceID))

	taskInput := t.Description
	if len(t.InputData) > 0 {
		if encoded, err := json.Marshal(t.InputData); err == nil {
			taskInput += "\n\nInput data: " + string(encoded)
		}
	}

	execCtx := ctx
	if t.TimeoutSeconds > 0 {
		var cancelExec context.CancelFunc
		execCtx, cancelExec = context.WithTimeout(ctx, time.Duration(t.TimeoutSeconds)*time.Second)
		defer cancelExec()
	}

	runner := w.newRuntime(def, instanceID)
	w.metrics.IncActive()
	res := runner.Execute(execCtx, t.ID, taskInput)
	w.metrics.DecActive()

	verdict := "completed"
	if !res.Success {
		verdict = "failed"
	}
	w.metrics.ObserveTaskDuration(verdict, time.Duration(res.ElapsedMS)*time.Millisecond)
	w.metrics.AddTokens(res.TotalTokens)

	if in != nil {
		in.Release()
		in.RecordCompletion(res.TotalTokens, float64(res.ElapsedMS), res.Success)
		in.Heartbeat(time.Now())
		w.putInstance(ctx, in)
	}

	outcome := &Result{
		TaskID:      t.ID,
		WorkerID:    w.id,
		InstanceID:  instanceID,
		Success:     res.Success,
		Result:      res.Result,
		Error:       res.Error,
		Retriable:   retriableFailure(res),
		Iterations:  res.Iterations,
		TotalTokens: res.TotalTokens,
		ElapsedMS:   res.ElapsedMS,
	}

	subject := fabric.SubjectResultCompleted
	if !res.Success {
		subject = fabric.SubjectResultFailed
		w.logger.Warn("Task failed",
			"task_id", t.ID,
			"error", res.Error,
			"retriable", outcome.Retriable)
	} else {
		w.logger.Info("Task completed",
			"task_id", t.ID,
			"iterations", res.Iterations,
			"total_tokens", res.TotalTokens,
			"elapsed_ms", res.ElapsedMS)
	}

	payload, err := json.Marshal(outcome)
	if err != nil {
		w.logger.Error("Failed to encode result", "task_id", t.ID, "error", err)
		w.settle(func() error { return msg.Nak(0) }, t.ID)
		return
	}
	if err := w.pub.Publish(ctx, subject, payload); err != nil {
		w.logger.Error("Failed to publish result, requesting redelivery",
			"task_id", t.ID, "error", err)
		w.settle(func() error { return msg.Nak(0) }, t.ID)
		return
	}
	w.settle(msg.Ack, t.ID)
}

// materialize resolves the definition the task was routed to, falling
// back to a generic agent when nothing is referenced or the lookup
// fails. The instance record is nil when no stores are wired.
func (w *Worker) materialize(ctx context.Context, t *task.Task) (*agent.Definition, *agent.Instance) {
	if t.AssignedAgentID != "" && w.instances != nil && w.definitions != nil {
		in, err := w.instances.Get(ctx, t.AssignedAgentID)
		if err == nil {
			def, err := w.definitions.GetDefinition(ctx, in.DefinitionID)
			if err == nil {
				return def, in
			}
			w.logger.Warn("Definition lookup failed, using default agent",
				"definition_id", in.DefinitionID, "error", err)
		} else {
			w.logger.Warn("Instance lookup failed, using default agent",
				"instance_id", t.AssignedAgentID, "error", err)
		}
	} else if t.AssignedAgentID == "" {
		w.logger.Warn("No agent referenced, using default agent", "task_id", t.ID)
	}

	def := agent.NewDefinition(
		"Worker Agent",
		"General purpose task executor",
		"Complete the assigned task efficiently and accurately",
	)
	def.Capabilities = t.RequiredCapabilities
	return def, nil
}

func (w *Worker) sendHeartbeat(ctx context.Context) {
	hb := Heartbeat{
		WorkerID:    w.id,
		ActiveTasks: w.Active(),
	}
	hb.Capacity = w.concurrency - hb.ActiveTasks

	payload, err := json.Marshal(hb)
	if err != nil {
		return
	}
	if err := w.pub.Publish(ctx, fabric.SubjectWorkerHeartbeat, payload); err != nil {
		w.logger.Warn("Failed to publish heartbeat", "worker_id", w.id, "error", err)
	}

	for _, id := range w.announce {
		beat, err := json.Marshal(map[string]string{"instance_id": id})
		if err != nil {
			continue
		}
		if err := w.pub.Publish(ctx, fabric.SubjectAgentHeartbeat, beat); err != nil {
			w.logger.Warn("Failed to publish instance heartbeat",
				"instance_id", id, "error", err)
		}
	}
}

func (w *Worker) shutdown() {
	w.mu.Lock()
	subs := w.subs
	w.subs = nil
	w.running = false
	w.mu.Unlock()
	for _, s := range subs {
		s.Stop()
	}
	w.announceStopped()
}

// announceStarted emits agent.started for each hosted instance.
func (w *Worker) announceStarted(ctx context.Context) {
	for _, id := range w.announce {
		w.emit(ctx, event.AgentStarted(id, w.id))
	}
}

// announceStopped emits agent.stopped for each hosted instance. The run
// context is already cancelled by the time shutdown fires, so the events
// go out on their own deadline.
func (w *Worker) announceStopped() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range w.announce {
		w.emit(ctx, event.AgentStopped(id, w.id))
	}
}

func (w *Worker) putInstance(ctx context.Context, in *agent.Instance) {
	if w.instances == nil {
		return
	}
	if err := w.instances.Put(ctx, in); err != nil {
		w.logger.Warn("Failed to persist instance", "instance_id", in.ID, "error", err)
	}
}

func (w *Worker) settle(fn func() error, taskID string) {
	if err := fn(); err != nil {
		w.logger.Error("Failed to settle message", "task_id", taskID, "error", err)
	}
}

func (w *Worker) emit(ctx context.Context, e *event.Event) {
	if err := w.events.Emit(ctx, e); err != nil {
		w.logger.Warn("Failed to emit event", "event_type", e.Type, "error", err)
	}
}

// retriableFailure classifies a failed execution for the router: only
// wall-clock and cancellation failures are worth another attempt;
// exhausted iteration or token budgets will exhaust them again.
func retriableFailure(res *runtime.ExecutionResult) bool {
	if res.Success {
		return false
	}
	return strings.HasPrefix(res.Error, "timeout") ||
		strings.HasPrefix(res.Error, "execution cancelled")
}
