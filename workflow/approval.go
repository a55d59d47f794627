package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/agentmesh/event"
	"github.com/c360studio/agentmesh/fabric"
)

// Decision is the payload approvers publish on an execution's approval
// subject.
type Decision struct {
	ExecutionID string `json:"execution_id"`
	StepID      string `json:"step_id"`
	Approved    bool   `json:"approved"`
	Approver    string `json:"approver,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// ApprovalSubscriber is the slice of the fabric the approver needs.
// *fabric.Client satisfies it.
type ApprovalSubscriber interface {
	Subscribe(ctx context.Context, cfg fabric.SubscribeConfig, handler fabric.Handler) (*fabric.Subscription, error)
}

// FabricApprover blocks HUMAN_APPROVAL steps until a decision arrives
// on the execution's approval subject. The pending gate is announced
// through a workflow.approval_requested event carrying the reply
// subject.
type FabricApprover struct {
	client ApprovalSubscriber
	events event.Sink
	logger *slog.Logger
}

// FabricApproverOption configures a FabricApprover.
type FabricApproverOption func(*FabricApprover)

// WithApproverEventSink routes the approval-requested events to the sink.
func WithApproverEventSink(sink event.Sink) FabricApproverOption {
	return func(a *FabricApprover) {
		if sink != nil {
			a.events = sink
		}
	}
}

// WithApproverLogger sets the logger.
func WithApproverLogger(logger *slog.Logger) FabricApproverOption {
	return func(a *FabricApprover) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewFabricApprover creates an approver over the fabric.
func NewFabricApprover(client ApprovalSubscriber, opts ...FabricApproverOption) *FabricApprover {
	a := &FabricApprover{
		client: client,
		events: event.Discard,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Await implements Approver. Decisions published before the consumer
// attaches are still delivered; the stream retains them.
func (a *FabricApprover) Await(ctx context.Context, executionID, stepID string, timeout time.Duration) (map[string]any, error) {
	subject := fabric.WorkflowApprovalSubject(executionID)
	decisions := make(chan Decision, 1)

	sub, err := a.client.Subscribe(ctx, fabric.SubscribeConfig{
		Stream:        fabric.StreamWorkflows,
		Durable:       "approval-" + executionID,
		FilterSubject: subject,
	}, func(_ context.Context, msg fabric.Message) error {
		var d Decision
		if err := json.Unmarshal(msg.Data(), &d); err != nil {
			a.logger.Warn("Dropping malformed approval decision",
				"subject", subject, "error", err)
			_ = msg.Term()
			return fabric.ErrHandled
		}
		if d.StepID != "" && d.StepID != stepID {
			// A decision for a different gate of this execution.
			return nil
		}
		select {
		case decisions <- d:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe for approval on %s: %w", subject, err)
	}
	defer sub.Stop()

	a.emit(ctx, event.WorkflowApprovalRequested(executionID, stepID, subject,
		int(timeout/time.Second)))
	a.logger.Info("Approval requested",
		"execution_id", executionID,
		"step_id", stepID,
		"subject", subject,
		"timeout", timeout)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("no decision within %s", timeout)
	case d := <-decisions:
		return map[string]any{
			"approved": d.Approved,
			"approver": d.Approver,
			"reason":   d.Reason,
		}, nil
	}
}

func (a *FabricApprover) emit(ctx context.Context, e *event.Event) {
	if err := a.events.Emit(ctx, e); err != nil {
		a.logger.Warn("Failed to emit event", "event_type", e.Type, "error", err)
	}
}
