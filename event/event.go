// Package event defines the versioned domain-event envelope shared by every
// component, and the append-only stores that preserve per-aggregate ordering.
package event

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type enumerates every domain event the core can emit. The set is closed;
// consumers may switch exhaustively on it.
type Type string

const (
	// Task lifecycle
	TypeTaskCreated   Type = "task.created"
	TypeTaskAssigned  Type = "task.assigned"
	TypeTaskStarted   Type = "task.started"
	TypeTaskProgress  Type = "task.progress"
	TypeTaskCompleted Type = "task.completed"
	TypeTaskFailed    Type = "task.failed"
	TypeTaskCancelled Type = "task.cancelled"
	TypeTaskTimeout   Type = "task.timeout"

	// Agent lifecycle
	TypeAgentRegistered Type = "agent.registered"
	TypeAgentStarted    Type = "agent.started"
	TypeAgentStopped    Type = "agent.stopped"
	TypeAgentHeartbeat  Type = "agent.heartbeat"
	TypeAgentLLMCall    Type = "agent.llm_call"
	TypeAgentToolCall   Type = "agent.tool_call"
	TypeAgentThinking   Type = "agent.thinking"
	TypeAgentOutput     Type = "agent.output"
	TypeAgentError      Type = "agent.error"

	// Workflow lifecycle
	TypeWorkflowCreated       Type = "workflow.created"
	TypeWorkflowStarted       Type = "workflow.started"
	TypeWorkflowStepStarted   Type = "workflow.step_started"
	TypeWorkflowStepCompleted Type = "workflow.step_completed"
	TypeWorkflowStepFailed    Type = "workflow.step_failed"
	TypeWorkflowCompleted     Type = "workflow.completed"
	TypeWorkflowFailed        Type = "workflow.failed"
	TypeWorkflowApprovalReq   Type = "workflow.approval_requested"
	TypeWorkflowPaused        Type = "workflow.paused"
	TypeWorkflowResumed       Type = "workflow.resumed"
	TypeWorkflowCancelled     Type = "workflow.cancelled"
	TypeWorkflowCompensating  Type = "workflow.compensating"
	TypeWorkflowCompensated   Type = "workflow.compensated"

	// System
	TypeSystemScaleUp      Type = "system.scale_up"
	TypeSystemScaleDown    Type = "system.scale_down"
	TypeSystemCircuitOpen  Type = "system.circuit_open"
	TypeSystemCircuitClose Type = "system.circuit_close"
)

// Aggregate type names.
const (
	AggregateTask     = "Task"
	AggregateAgent    = "Agent"
	AggregateWorkflow = "Workflow"
	AggregateSystem   = "System"
)

// Event is an immutable domain-event envelope. Version is assigned by the
// store on append and is strictly monotonic per aggregate.
type Event struct {
	ID            string         `json:"event_id"`
	Type          Type           `json:"event_type"`
	AggregateID   string         `json:"aggregate_id"`
	AggregateType string         `json:"aggregate_type"`
	TenantID      string         `json:"tenant_id"`
	Version       int64          `json:"version"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	CausationID   string         `json:"causation_id,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// New creates an event envelope. Version is left at zero for the store to
// assign on append.
func New(t Type, aggregateType, aggregateID string, payload map[string]any) *Event {
	return &Event{
		ID:            uuid.New().String(),
		Type:          t,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		TenantID:      "default",
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
	}
}

// CausedBy links this event into its parent's causal chain: causation is the
// parent itself, correlation is inherited (or seeded from the parent's id).
func (e *Event) CausedBy(parent *Event) *Event {
	if parent == nil {
		return e
	}
	e.CausationID = parent.ID
	if parent.CorrelationID != "" {
		e.CorrelationID = parent.CorrelationID
	} else {
		e.CorrelationID = parent.ID
	}
	return e
}

// WithCorrelation sets the correlation id directly, for events that open a
// new logical operation with a known grouping key (e.g. a workflow execution).
func (e *Event) WithCorrelation(id string) *Event {
	e.CorrelationID = id
	return e
}

// WithTenant overrides the tenant tag.
func (e *Event) WithTenant(tenant string) *Event {
	if tenant != "" {
		e.TenantID = tenant
	}
	return e
}

// Subject maps an event type to the fabric subject it is published on,
// following the stream layout in the fabric package.
func (e *Event) Subject() string {
	suffix := string(e.Type)
	if i := strings.IndexByte(suffix, '.'); i >= 0 {
		suffix = suffix[i+1:]
	}

	switch {
	case strings.HasPrefix(string(e.Type), "task."):
		return "TASKS." + suffix
	case e.Type == TypeAgentHeartbeat:
		return "AGENTS.heartbeat"
	case strings.HasPrefix(string(e.Type), "agent."):
		return "AGENTS.events." + suffix
	case strings.HasPrefix(string(e.Type), "workflow."):
		return "WORKFLOWS.events." + suffix
	default:
		// System events are advisory and go straight to observers.
		return "OBSERVE.broadcast"
	}
}
