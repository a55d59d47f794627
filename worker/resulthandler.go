package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/agentmesh/event"
	"github.com/c360studio/agentmesh/fabric"
	"github.com/c360studio/agentmesh/metrics"
	"github.com/c360studio/agentmesh/task"
)

// TaskStore is the slice of task persistence the result handler needs.
type TaskStore interface {
	Get(ctx context.Context, id string) (*task.Task, error)
	Update(ctx context.Context, t *task.Task) error
}

// Resubmitter returns a retriable failed task to the router queue.
type Resubmitter interface {
	Resubmit(ctx context.Context, t *task.Task) error
}

// ResultHandler settles worker results: it moves the task record to its
// terminal status (or back to the queue when the failure is retriable
// and budget remains), releases the instance, emits the terminal domain
// event, and fans a snapshot out to observers.
type ResultHandler struct {
	tasks     TaskStore
	instances InstanceStore
	resubmit  Resubmitter
	pub       Publisher
	events    event.Sink
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// ResultHandlerOption configures a ResultHandler.
type ResultHandlerOption func(*ResultHandler)

// WithResubmitter enables requeueing of retriable failures.
func WithResubmitter(r Resubmitter) ResultHandlerOption {
	return func(h *ResultHandler) { h.resubmit = r }
}

// WithResultInstanceStore releases instances on settlement.
func WithResultInstanceStore(store InstanceStore) ResultHandlerOption {
	return func(h *ResultHandler) { h.instances = store }
}

// WithResultPublisher sets the observer fan-out publisher.
func WithResultPublisher(pub Publisher) ResultHandlerOption {
	return func(h *ResultHandler) { h.pub = pub }
}

// WithResultEventSink routes domain events to the sink.
func WithResultEventSink(sink event.Sink) ResultHandlerOption {
	return func(h *ResultHandler) {
		if sink != nil {
			h.events = sink
		}
	}
}

// WithResultMetrics attaches Prometheus collectors. Nil records nothing.
func WithResultMetrics(m *metrics.Metrics) ResultHandlerOption {
	return func(h *ResultHandler) { h.metrics = m }
}

// WithResultLogger sets the logger.
func WithResultLogger(logger *slog.Logger) ResultHandlerOption {
	return func(h *ResultHandler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewResultHandler creates a handler over the task store.
func NewResultHandler(tasks TaskStore, opts ...ResultHandlerOption) *ResultHandler {
	h := &ResultHandler{
		tasks:  tasks,
		events: event.Discard,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run subscribes to both result subjects as part of the result-handlers
// queue group and blocks until the context is cancelled.
func (h *ResultHandler) Run(ctx context.Context, client *fabric.Client) error {
	if h.pub == nil {
		h.pub = client
	}
	sub, err := client.Subscribe(ctx, fabric.SubscribeConfig{
		Stream:        fabric.StreamResults,
		Durable:       "result-handlers",
		FilterSubject: "RESULTS.>",
	}, h.HandleResult)
	if err != nil {
		return fmt.Errorf("subscribe to results: %w", err)
	}
	defer sub.Stop()

	h.logger.Info("Result handler started")
	<-ctx.Done()
	h.logger.Info("Result handler stopped")
	return nil
}

// HandleResult settles one worker result. Redeliveries of already
// terminal tasks ack without effect.
func (h *ResultHandler) HandleResult(ctx context.Context, msg fabric.Message) error {
	var res Result
	if err := json.Unmarshal(msg.Data(), &res); err != nil {
		h.logger.Error("Dropping malformed result payload", "error", err)
		if termErr := msg.Term(); termErr != nil {
			h.logger.Error("Failed to terminate message", "error", termErr)
		}
		return fabric.ErrHandled
	}
	if res.TaskID == "" {
		return nil
	}

	t, err := h.tasks.Get(ctx, res.TaskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", res.TaskID, err)
	}
	if t.Status.IsTerminal() {
		h.logger.Debug("Ignoring result for terminal task",
			"task_id", t.ID, "status", t.Status)
		return nil
	}

	h.releaseInstance(ctx, res.InstanceID)

	if res.Success {
		if err := h.settleCompleted(ctx, t, &res); err != nil {
			return err
		}
	} else {
		if err := h.settleFailed(ctx, t, &res); err != nil {
			return err
		}
	}

	h.broadcast(ctx, t)
	return nil
}

func (h *ResultHandler) settleCompleted(ctx context.Context, t *task.Task, res *Result) error {
	result, ok := res.Result.(map[string]any)
	if !ok && res.Result != nil {
		result = map[string]any{"output": res.Result}
	}
	if err := t.Complete(result); err != nil {
		return err
	}
	if err := h.tasks.Update(ctx, t); err != nil {
		return fmt.Errorf("persist task %s: %w", t.ID, err)
	}
	h.emit(ctx, event.TaskCompleted(t.ID, result))
	h.metrics.IncSettled("completed")
	h.logger.Info("Task completed",
		"task_id", t.ID,
		"worker_id", res.WorkerID,
		"elapsed_ms", res.ElapsedMS)
	return nil
}

// settleFailed either requeues a retriable failure with budget left or
// marks the task FAILED for good.
func (h *ResultHandler) settleFailed(ctx context.Context, t *task.Task, res *Result) error {
	if res.Retriable && t.CanRetry() && h.resubmit != nil {
		t.RetryCount++
		t.Status = task.StatusQueued
		t.AssignedAgentID = ""
		t.Error = res.Error
		if err := h.tasks.Update(ctx, t); err != nil {
			return fmt.Errorf("persist task %s: %w", t.ID, err)
		}
		if err := h.resubmit.Resubmit(ctx, t); err != nil {
			return fmt.Errorf("resubmit task %s: %w", t.ID, err)
		}
		h.metrics.IncSettled("retried")
		h.logger.Info("Task requeued after retriable failure",
			"task_id", t.ID,
			"retry_count", t.RetryCount,
			"error", res.Error)
		return nil
	}

	if err := t.Fail(res.Error); err != nil {
		return err
	}
	if err := h.tasks.Update(ctx, t); err != nil {
		return fmt.Errorf("persist task %s: %w", t.ID, err)
	}
	h.emit(ctx, event.TaskFailed(t.ID, res.Error, res.Retriable))
	h.metrics.IncSettled("failed")
	h.logger.Warn("Task failed",
		"task_id", t.ID,
		"worker_id", res.WorkerID,
		"error", res.Error)
	return nil
}

func (h *ResultHandler) releaseInstance(ctx context.Context, instanceID string) {
	if instanceID == "" || h.instances == nil {
		return
	}
	in, err := h.instances.Get(ctx, instanceID)
	if err != nil {
		h.logger.Warn("Failed to load instance for release",
			"instance_id", instanceID, "error", err)
		return
	}
	if in.CurrentTaskID != "" {
		in.Release()
		if err := h.instances.Put(ctx, in); err != nil {
			h.logger.Warn("Failed to release instance",
				"instance_id", instanceID, "error", err)
		}
	}
}

// broadcast fans the updated task out to streaming observers. Failures
// are logged only; observers tolerate gaps.
func (h *ResultHandler) broadcast(ctx context.Context, t *task.Task) {
	if h.pub == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"event":     "task_updated",
		"data":      t,
		"timestamp": time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := h.pub.Publish(ctx, fabric.SubjectObserve, payload); err != nil {
		h.logger.Warn("Failed to broadcast task update", "task_id", t.ID, "error", err)
	}
}

func (h *ResultHandler) emit(ctx context.Context, e *event.Event) {
	if err := h.events.Emit(ctx, e); err != nil {
		h.logger.Warn("Failed to emit event", "event_type", e.Type, "error", err)
	}
}
