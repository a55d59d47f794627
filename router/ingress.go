package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/c360studio/agentmesh/fabric"
	"github.com/c360studio/agentmesh/task"
)

// Ingress feeds a router from the fabric: task submissions, retriable
// resubmissions, cancellation requests, and agent heartbeats. Routers sharing the durable
// names form a queue group, so submissions land on exactly one replica.
type Ingress struct {
	router *Router
	logger *slog.Logger
	subs   []*fabric.Subscription
}

// IngressOption configures an Ingress.
type IngressOption func(*Ingress)

// WithIngressLogger sets the logger.
func WithIngressLogger(logger *slog.Logger) IngressOption {
	return func(i *Ingress) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// NewIngress creates the fabric-facing side of a router.
func NewIngress(r *Router, opts ...IngressOption) *Ingress {
	i := &Ingress{
		router: r,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Run attaches the durable consumers. It returns once they are bound;
// delivery continues until Stop or context cancellation.
func (i *Ingress) Run(ctx context.Context, client *fabric.Client) error {
	subs := []struct {
		cfg     fabric.SubscribeConfig
		handler fabric.Handler
	}{
		{
			cfg: fabric.SubscribeConfig{
				Stream:        fabric.StreamTasks,
				Durable:       "router-submit",
				FilterSubject: fabric.SubjectTaskSubmit,
			},
			handler: i.HandleSubmit,
		},
		{
			cfg: fabric.SubscribeConfig{
				Stream:        fabric.StreamTasks,
				Durable:       "router-resubmit",
				FilterSubject: fabric.SubjectTaskResubmit,
			},
			handler: i.HandleResubmit,
		},
		{
			cfg: fabric.SubscribeConfig{
				Stream:        fabric.StreamTasks,
				Durable:       "router-cancel",
				FilterSubject: fabric.SubjectTaskCancel,
			},
			handler: i.HandleCancel,
		},
		{
			cfg: fabric.SubscribeConfig{
				Stream:        fabric.StreamAgents,
				Durable:       "router-agent-heartbeat",
				FilterSubject: fabric.SubjectAgentHeartbeat,
			},
			handler: i.HandleHeartbeat,
		},
	}
	for _, s := range subs {
		sub, err := client.Subscribe(ctx, s.cfg, s.handler)
		if err != nil {
			i.Stop()
			return fmt.Errorf("subscribe %s: %w", s.cfg.Durable, err)
		}
		i.subs = append(i.subs, sub)
	}
	i.logger.Info("Router ingress attached")
	return nil
}

// Stop detaches the consumers.
func (i *Ingress) Stop() {
	for _, sub := range i.subs {
		sub.Stop()
	}
	i.subs = nil
}

// HandleSubmit decodes a submitted task and hands it to the router.
func (i *Ingress) HandleSubmit(ctx context.Context, msg fabric.Message) error {
	var t task.Task
	if err := json.Unmarshal(msg.Data(), &t); err != nil {
		i.logger.Error("Dropping malformed task submission", "error", err)
		_ = msg.Term()
		return fabric.ErrHandled
	}
	if _, err := i.router.Submit(ctx, &t); err != nil {
		return fmt.Errorf("submit task %s: %w", t.ID, err)
	}
	return nil
}

// HandleResubmit returns an already-persisted task to the queue.
func (i *Ingress) HandleResubmit(ctx context.Context, msg fabric.Message) error {
	var t task.Task
	if err := json.Unmarshal(msg.Data(), &t); err != nil {
		i.logger.Error("Dropping malformed task resubmission", "error", err)
		_ = msg.Term()
		return fabric.ErrHandled
	}
	return i.router.Resubmit(ctx, &t)
}

// HandleCancel cancels a task by id. A cancel for an unknown task is
// acked; the submission may have landed on another replica's store or
// never happened.
func (i *Ingress) HandleCancel(ctx context.Context, msg fabric.Message) error {
	var req struct {
		TaskID string `json:"task_id"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(msg.Data(), &req); err != nil || req.TaskID == "" {
		i.logger.Error("Dropping malformed cancel request", "error", err)
		_ = msg.Term()
		return fabric.ErrHandled
	}
	if err := i.router.Cancel(ctx, req.TaskID); err != nil {
		i.logger.Warn("Cancel for unknown task",
			"task_id", req.TaskID, "reason", req.Reason, "error", err)
	}
	return nil
}

// HandleHeartbeat stamps an instance's liveness clock. A heartbeat for
// an unknown instance is acked; the instance was already pruned and the
// worker's next registration recreates it.
func (i *Ingress) HandleHeartbeat(ctx context.Context, msg fabric.Message) error {
	var hb struct {
		InstanceID string `json:"instance_id"`
	}
	if err := json.Unmarshal(msg.Data(), &hb); err != nil || hb.InstanceID == "" {
		_ = msg.Term()
		return fabric.ErrHandled
	}
	if err := i.router.OnHeartbeat(ctx, hb.InstanceID); err != nil {
		i.logger.Debug("Heartbeat for unknown instance",
			"instance_id", hb.InstanceID, "error", err)
	}
	return nil
}

// FabricResubmitter publishes retriable tasks back to the router's
// resubmission subject. Used when the result handler runs in its own
// process and cannot reach a router queue directly.
type FabricResubmitter struct {
	pub WorkPublisher
}

// NewFabricResubmitter creates a resubmitter over the fabric.
func NewFabricResubmitter(pub WorkPublisher) *FabricResubmitter {
	return &FabricResubmitter{pub: pub}
}

// Resubmit publishes the task to the resubmission subject.
func (f *FabricResubmitter) Resubmit(ctx context.Context, t *task.Task) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	return f.pub.Publish(ctx, fabric.SubjectTaskResubmit, payload)
}
