// Package task defines the unit of work routed to agents: its priority,
// lifecycle status, and the transition rules enforced across the system.
package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority orders tasks in the router queue. Higher values win.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

// Levels lists all priorities from highest to lowest, the order the
// router scans its queue bank.
var Levels = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority maps a priority name to its level.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// Status is the task lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusAssigned  Status = "assigned"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// ErrTerminal is returned when a transition is attempted on a task that
// already reached a terminal status.
var ErrTerminal = fmt.Errorf("task is in a terminal state")

// ErrNotFound is returned by stores when no task exists for an id.
var ErrNotFound = fmt.Errorf("task not found")

// Task is a unit of LLM-driven work.
type Task struct {
	ID          string         `json:"task_id"`
	TenantID    string         `json:"tenant_id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputData   map[string]any `json:"input_data,omitempty"`

	// Routing
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	Priority             Priority `json:"priority"`

	// Status
	Status          Status `json:"status"`
	AssignedAgentID string `json:"assigned_agent_id,omitempty"`

	// Workflow context
	ParentWorkflowID string `json:"parent_workflow_id,omitempty"`
	ParentStepID     string `json:"parent_step_id,omitempty"`

	// Execution settings
	TimeoutSeconds int `json:"timeout_seconds"`
	RetryCount     int `json:"retry_count"`
	MaxRetries     int `json:"max_retries"`

	// Submission dedupe key. Empty means no deduplication.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// Lifecycle timestamps
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Outcome
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// New creates a task with defaults applied.
func New(name, description string) *Task {
	return &Task{
		ID:             uuid.New().String(),
		TenantID:       "default",
		Name:           name,
		Description:    description,
		Priority:       PriorityNormal,
		Status:         StatusPending,
		TimeoutSeconds: 300,
		MaxRetries:     3,
		CreatedAt:      time.Now().UTC(),
	}
}

// Start transitions the task to RUNNING and records the assigned agent.
func (t *Task) Start(agentID string) error {
	if t.Status.IsTerminal() {
		return ErrTerminal
	}
	now := time.Now().UTC()
	t.Status = StatusRunning
	t.AssignedAgentID = agentID
	if t.StartedAt == nil {
		t.StartedAt = &now
	}
	return nil
}

// Complete transitions the task to COMPLETED with its result.
func (t *Task) Complete(result map[string]any) error {
	if t.Status.IsTerminal() {
		return ErrTerminal
	}
	now := time.Now().UTC()
	t.Status = StatusCompleted
	t.Result = result
	t.CompletedAt = &now
	return nil
}

// Fail transitions the task to FAILED with an error string.
func (t *Task) Fail(errMsg string) error {
	if t.Status.IsTerminal() {
		return ErrTerminal
	}
	now := time.Now().UTC()
	t.Status = StatusFailed
	t.Error = errMsg
	t.CompletedAt = &now
	return nil
}

// Cancel transitions the task to CANCELLED.
func (t *Task) Cancel() error {
	if t.Status.IsTerminal() {
		return ErrTerminal
	}
	now := time.Now().UTC()
	t.Status = StatusCancelled
	t.CompletedAt = &now
	return nil
}

// MarkTimeout transitions the task to TIMEOUT.
func (t *Task) MarkTimeout() error {
	if t.Status.IsTerminal() {
		return ErrTerminal
	}
	now := time.Now().UTC()
	t.Status = StatusTimeout
	t.Error = fmt.Sprintf("timeout after %ds", t.TimeoutSeconds)
	t.CompletedAt = &now
	return nil
}

// CanRetry reports whether the task has retry budget left.
func (t *Task) CanRetry() bool {
	return t.RetryCount < t.MaxRetries
}

// RequiresAll reports whether the given capability set covers every
// capability the task requires.
func (t *Task) RequiresAll(capabilities []string) bool {
	if len(t.RequiredCapabilities) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(capabilities))
	for _, c := range capabilities {
		have[c] = struct{}{}
	}
	for _, want := range t.RequiredCapabilities {
		if _, ok := have[want]; !ok {
			return false
		}
	}
	return true
}
