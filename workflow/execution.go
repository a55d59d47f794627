package workflow

import (
	"time"

	"github.com/google/uuid"
)

// Status is the workflow execution lifecycle state.
type Status string

const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusPaused       Status = "paused"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCompensating Status = "compensating"
	StatusCompensated  Status = "compensated"
	StatusCancelled    Status = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCompensated, StatusCancelled:
		return true
	}
	return false
}

// Execution is one running instance of a definition. The engine is its
// only writer; checkpoints persist it after every step terminus.
type Execution struct {
	ID           string `json:"execution_id"`
	DefinitionID string `json:"workflow_definition_id"`
	TenantID     string `json:"tenant_id"`

	Status        Status `json:"status"`
	CurrentStepID string `json:"current_step_id,omitempty"`

	// CompletedSteps is ordered by completion; compensation walks it
	// in reverse.
	CompletedSteps []string       `json:"completed_steps"`
	StepResults    map[string]any `json:"step_results"`
	FailedStepID   string         `json:"failed_step_id,omitempty"`

	Input  map[string]any `json:"input_data"`
	Output map[string]any `json:"output_data,omitempty"`

	Checkpoint map[string]any `json:"checkpoint_data"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Error string `json:"error,omitempty"`
}

// NewExecution creates a pending execution of a definition.
func NewExecution(definitionID string, input map[string]any) *Execution {
	if input == nil {
		input = map[string]any{}
	}
	return &Execution{
		ID:           uuid.NewString(),
		DefinitionID: definitionID,
		TenantID:     "default",
		Status:       StatusPending,
		StepResults:  map[string]any{},
		Input:        input,
		Checkpoint:   map[string]any{},
		CreatedAt:    time.Now().UTC(),
	}
}

// Start transitions the execution to RUNNING.
func (e *Execution) Start() {
	now := time.Now().UTC()
	e.Status = StatusRunning
	if e.StartedAt == nil {
		e.StartedAt = &now
	}
}

// CompleteStep records a step's success in completion order.
func (e *Execution) CompleteStep(stepID string, result any) {
	e.CompletedSteps = append(e.CompletedSteps, stepID)
	e.StepResults[stepID] = result
}

// HasCompleted reports whether the step already succeeded, used to skip
// past finished work when resuming.
func (e *Execution) HasCompleted(stepID string) bool {
	for _, id := range e.CompletedSteps {
		if id == stepID {
			return true
		}
	}
	return false
}

// Fork returns a copy safe for a concurrent branch: the input map is
// shared (it is never written after Start), while the step-result state
// is copied so the branch can read and write it without synchronising
// with siblings.
func (e *Execution) Fork() *Execution {
	clone := *e
	clone.StepResults = make(map[string]any, len(e.StepResults))
	for id, r := range e.StepResults {
		clone.StepResults[id] = r
	}
	clone.CompletedSteps = append([]string(nil), e.CompletedSteps...)
	return &clone
}

// Merge folds a fork's step completions and results back in. Steps the
// parent already has keep their original completion order.
func (e *Execution) Merge(fork *Execution) {
	for _, id := range fork.CompletedSteps {
		if !e.HasCompleted(id) {
			e.CompleteStep(id, fork.StepResults[id])
		}
	}
	for id, r := range fork.StepResults {
		if _, ok := e.StepResults[id]; !ok {
			e.StepResults[id] = r
		}
	}
}

// Fail transitions the execution to FAILED at the given step.
func (e *Execution) Fail(stepID, errMsg string) {
	now := time.Now().UTC()
	e.Status = StatusFailed
	e.FailedStepID = stepID
	e.Error = errMsg
	e.CompletedAt = &now
}

// Complete transitions the execution to COMPLETED with its output.
func (e *Execution) Complete(output map[string]any) {
	now := time.Now().UTC()
	e.Status = StatusCompleted
	e.Output = output
	e.CompletedAt = &now
}

// Progress returns completed steps over total as a percentage. Zero
// until the engine checkpoints total_steps.
func (e *Execution) Progress() float64 {
	total, ok := e.Checkpoint["total_steps"]
	if !ok {
		return 0
	}
	n, ok := toFloat(total)
	if !ok || n <= 0 {
		return 0
	}
	return float64(len(e.CompletedSteps)) / n * 100
}
