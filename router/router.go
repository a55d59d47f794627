// Package router accepts tasks, holds them in a priority queue, matches
// them to idle agents by capability, and keeps the agent pool healthy
// through heartbeats and supervision.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360studio/agentmesh/agent"
	"github.com/c360studio/agentmesh/event"
	"github.com/c360studio/agentmesh/fabric"
	"github.com/c360studio/agentmesh/metrics"
	"github.com/c360studio/agentmesh/task"
)

// Dispatch loop pacing.
const (
	// emptySleep is the pause when the queue is empty.
	emptySleep = 100 * time.Millisecond

	// noCandidateSleep is the pause after requeueing a task no idle
	// agent can serve.
	noCandidateSleep = 500 * time.Millisecond
)

// TaskStore persists task records.
type TaskStore interface {
	// Create persists a new task. When the task carries an idempotency
	// key and a task with that key already exists, Create returns the
	// existing task and ErrDuplicate.
	Create(ctx context.Context, t *task.Task) (*task.Task, error)
	Get(ctx context.Context, id string) (*task.Task, error)
	Update(ctx context.Context, t *task.Task) error
}

// ErrDuplicate is returned by TaskStore.Create on an idempotency-key
// replay.
var ErrDuplicate = fmt.Errorf("task already submitted")

// InstanceStore holds agent instance records. Updates use optimistic
// versioning internally; callers re-read and retry on conflict.
type InstanceStore interface {
	List(ctx context.Context) ([]*agent.Instance, error)
	Get(ctx context.Context, id string) (*agent.Instance, error)
	Put(ctx context.Context, in *agent.Instance) error
}

// DefinitionStore resolves agent definitions.
type DefinitionStore interface {
	GetDefinition(ctx context.Context, id string) (*agent.Definition, error)
}

// WorkPublisher is the slice of the fabric the router needs.
type WorkPublisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Router is the dispatch component. Start launches the dispatch loop;
// Submit and OnHeartbeat may be called from any goroutine.
type Router struct {
	queue       *PriorityQueue
	tasks       TaskStore
	instances   InstanceStore
	definitions DefinitionStore
	work        WorkPublisher
	events      event.Sink
	logger      *slog.Logger
	metrics     *metrics.Metrics
	sleep       func(context.Context, time.Duration) error

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithEventSink routes lifecycle events to the sink.
func WithEventSink(sink event.Sink) Option {
	return func(r *Router) {
		if sink != nil {
			r.events = sink
		}
	}
}

// WithMetrics attaches Prometheus collectors. Nil is fine; a router
// without metrics records nothing.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// New creates a router.
func New(tasks TaskStore, instances InstanceStore, definitions DefinitionStore,
	work WorkPublisher, opts ...Option) *Router {
	r := &Router{
		queue:       NewPriorityQueue(),
		tasks:       tasks,
		instances:   instances,
		definitions: definitions,
		work:        work,
		events:      event.Discard,
		logger:      slog.Default(),
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Submit accepts a task: persists it, emits task.created, and queues it
// for dispatch. An idempotency-key replay returns the original task
// without re-queueing.
func (r *Router) Submit(ctx context.Context, t *task.Task) (*task.Task, error) {
	t.Status = task.StatusQueued
	stored, err := r.tasks.Create(ctx, t)
	if err != nil {
		if err == ErrDuplicate {
			r.logger.Info("Duplicate task submission",
				"task_id", stored.ID,
				"idempotency_key", t.IdempotencyKey)
			return stored, nil
		}
		return nil, fmt.Errorf("persist task: %w", err)
	}

	r.emit(ctx, event.TaskCreated(t.ID, t.Name, t.Description, t.InputData))
	r.queue.Push(t)
	r.metrics.IncSubmitted(t.Priority.String())
	r.metrics.SetQueueDepth(t.Priority.String(), r.queue.LenAt(t.Priority))

	r.logger.Info("Task queued",
		"task_id", t.ID,
		"priority", t.Priority.String(),
		"required_capabilities", t.RequiredCapabilities)
	return t, nil
}

// Resubmit returns an already-persisted task to the queue. The result
// handler calls this for retriable failures after updating the record.
func (r *Router) Resubmit(_ context.Context, t *task.Task) error {
	r.queue.Push(t)
	r.metrics.SetQueueDepth(t.Priority.String(), r.queue.LenAt(t.Priority))
	r.logger.Info("Task requeued",
		"task_id", t.ID,
		"retry_count", t.RetryCount)
	return nil
}

// Cancel transitions a task to CANCELLED and emits task.cancelled. A
// task that already reached a terminal status is left alone. If the
// task was running on an instance, the instance is released here: the
// result handler skips terminal tasks, so nothing else would free it.
func (r *Router) Cancel(ctx context.Context, taskID string) error {
	t, err := r.tasks.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("cancel unknown task %s: %w", taskID, err)
	}
	if err := t.Cancel(); err != nil {
		r.logger.Info("Cancel ignored for terminal task",
			"task_id", t.ID, "status", t.Status)
		return nil
	}
	if err := r.tasks.Update(ctx, t); err != nil {
		return fmt.Errorf("persist cancellation: %w", err)
	}
	r.emit(ctx, event.TaskCancelled(t.ID))

	if t.AssignedAgentID != "" {
		if err := r.releaseAssigned(ctx, t); err != nil {
			r.logger.Warn("Failed to release instance for cancelled task",
				"task_id", t.ID,
				"instance_id", t.AssignedAgentID,
				"error", err)
		}
	}
	r.logger.Info("Task cancelled", "task_id", t.ID)
	return nil
}

// releaseAssigned frees the instance a cancelled task was occupying,
// provided it is still working on that task.
func (r *Router) releaseAssigned(ctx context.Context, t *task.Task) error {
	in, err := r.instances.Get(ctx, t.AssignedAgentID)
	if err != nil {
		return err
	}
	if in.CurrentTaskID != t.ID {
		return nil
	}
	in.Release()
	return r.instances.Put(ctx, in)
}

// RegisterInstance adds an agent instance to the pool and emits
// agent.registered.
func (r *Router) RegisterInstance(ctx context.Context, in *agent.Instance) error {
	def, err := r.definitions.GetDefinition(ctx, in.DefinitionID)
	if err != nil {
		return fmt.Errorf("resolve definition %s: %w", in.DefinitionID, err)
	}
	if err := r.instances.Put(ctx, in); err != nil {
		return fmt.Errorf("persist instance: %w", err)
	}
	r.emit(ctx, event.AgentRegistered(in.ID, in.DefinitionID, def.Capabilities))
	return nil
}

// OnHeartbeat stamps an instance's liveness clock.
func (r *Router) OnHeartbeat(ctx context.Context, instanceID string) error {
	in, err := r.instances.Get(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("heartbeat for unknown instance %s: %w", instanceID, err)
	}
	in.Heartbeat(time.Now())
	return r.instances.Put(ctx, in)
}

// Start launches the dispatch loop.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("router already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true

	go func() {
		defer close(r.done)
		r.dispatchLoop(loopCtx)
	}()

	r.logger.Info("Router started")
	return nil
}

// Stop halts the dispatch loop and waits for it to exit.
func (r *Router) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	cancel()
	<-done
	r.logger.Info("Router stopped")
}

// QueueDepth reports how many tasks are waiting.
func (r *Router) QueueDepth() int {
	return r.queue.Len()
}

// dispatchLoop is the single-threaded cooperative dispatcher.
func (r *Router) dispatchLoop(ctx context.Context) {
	for ctx.Err() == nil {
		pause := r.dispatchOnce(ctx)
		if pause > 0 {
			if err := r.sleep(ctx, pause); err != nil {
				return
			}
		}
	}
}

// dispatchOnce handles one queue pop and returns how long the loop
// should pause before the next.
func (r *Router) dispatchOnce(ctx context.Context) time.Duration {
	t := r.queue.Next()
	if t == nil {
		return emptySleep
	}

	// A task cancelled while queued is dropped silently; its terminal
	// event was already emitted.
	current, err := r.tasks.Get(ctx, t.ID)
	if err == nil && current.Status.IsTerminal() {
		return 0
	}

	candidate, err := r.selectCandidate(ctx, t)
	if err != nil {
		r.logger.Warn("Candidate selection failed, requeueing",
			"task_id", t.ID, "error", err)
		r.queue.Requeue(t)
		return noCandidateSleep
	}
	if candidate == nil {
		r.queue.Requeue(t)
		return noCandidateSleep
	}

	if err := r.assign(ctx, t, candidate); err != nil {
		r.logger.Warn("Assignment failed, requeueing",
			"task_id", t.ID,
			"instance_id", candidate.ID,
			"error", err)
		r.queue.Requeue(t)
		return noCandidateSleep
	}
	r.metrics.IncDispatched()
	r.metrics.SetQueueDepth(t.Priority.String(), r.queue.LenAt(t.Priority))
	return 0
}

// selectCandidate returns the idle instance with the best (lowest)
// historical score whose definition covers the task's required
// capabilities. Ties break by instance id lexicographic order.
func (r *Router) selectCandidate(ctx context.Context, t *task.Task) (*agent.Instance, error) {
	instances, err := r.instances.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}

	var candidates []*agent.Instance
	for _, in := range instances {
		if !in.Available() {
			continue
		}
		def, err := r.definitions.GetDefinition(ctx, in.DefinitionID)
		if err != nil {
			r.logger.Warn("Skipping instance with unresolvable definition",
				"instance_id", in.ID,
				"definition_id", in.DefinitionID,
				"error", err)
			continue
		}
		if def.HasCapabilities(t.RequiredCapabilities) {
			candidates = append(candidates, in)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		si, sj := candidates[i].Score(), candidates[j].Score()
		if si != sj {
			return si < sj
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0], nil
}

// assign transitions the pair and publishes the task on the work
// subject.
func (r *Router) assign(ctx context.Context, t *task.Task, in *agent.Instance) error {
	t.Status = task.StatusAssigned
	t.AssignedAgentID = in.ID
	if err := r.tasks.Update(ctx, t); err != nil {
		return fmt.Errorf("persist assignment: %w", err)
	}

	in.Assign(t.ID)
	if err := r.instances.Put(ctx, in); err != nil {
		return fmt.Errorf("persist instance state: %w", err)
	}

	r.emit(ctx, event.TaskAssigned(t.ID, in.ID))

	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if err := r.work.Publish(ctx, fabric.SubjectTaskWork, payload); err != nil {
		return fmt.Errorf("publish work: %w", err)
	}

	r.logger.Info("Task assigned",
		"task_id", t.ID,
		"instance_id", in.ID,
		"priority", t.Priority.String())
	return nil
}

func (r *Router) emit(ctx context.Context, e *event.Event) {
	if err := r.events.Emit(ctx, e); err != nil {
		r.logger.Warn("Failed to emit event", "event_type", e.Type, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
