// Package workflow executes multi-step DAGs of agent tasks with
// parallel, conditional, loop, and approval composition, and rolls back
// completed steps saga-style when a later step fails.
package workflow

import (
	"fmt"
	"time"

	"github.com/gammazero/toposort"
	"github.com/google/uuid"
)

// StepType selects how a step is executed.
type StepType string

const (
	StepAgentTask     StepType = "agent_task"
	StepParallel      StepType = "parallel"
	StepConditional   StepType = "conditional"
	StepLoop          StepType = "loop"
	StepWait          StepType = "wait"
	StepHumanApproval StepType = "human_approval"
	StepSubprocess    StepType = "subprocess"
)

// RetryPolicy bounds retries of a single step.
type RetryPolicy struct {
	MaxAttempts  int     `json:"max_attempts" yaml:"max_attempts"`
	DelaySeconds float64 `json:"delay_seconds" yaml:"delay_seconds"`
}

// Step is one node of a workflow definition.
type Step struct {
	ID   string   `json:"step_id" yaml:"step_id"`
	Name string   `json:"name" yaml:"name"`
	Type StepType `json:"step_type" yaml:"step_type"`

	// AGENT_TASK
	AgentID      string         `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
	TaskTemplate map[string]any `json:"task_template,omitempty" yaml:"task_template,omitempty"`

	// CONDITIONAL and LOOP
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`

	// PARALLEL, CONDITIONAL, LOOP
	Children []*Step `json:"children,omitempty" yaml:"children,omitempty"`

	// WAIT
	WaitSeconds int `json:"wait_seconds,omitempty" yaml:"wait_seconds,omitempty"`

	// LOOP
	MaxIterations int `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`

	// SUBPROCESS
	SubWorkflowID string `json:"sub_workflow_id,omitempty" yaml:"sub_workflow_id,omitempty"`

	// Saga rollback template, rendered like a task template.
	Compensation map[string]any `json:"compensation,omitempty" yaml:"compensation,omitempty"`

	TimeoutSeconds int          `json:"timeout_seconds" yaml:"timeout_seconds"`
	RetryPolicy    *RetryPolicy `json:"retry_policy,omitempty" yaml:"retry_policy,omitempty"`

	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// Definition is a named, versioned DAG of steps.
type Definition struct {
	ID          string `json:"workflow_id" yaml:"workflow_id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string `json:"version" yaml:"version"`

	Steps []*Step `json:"steps" yaml:"steps"`

	InputSchema  map[string]any `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`

	TenantID  string         `json:"tenant_id" yaml:"tenant_id"`
	Metadata  map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time      `json:"updated_at" yaml:"updated_at"`
}

// ErrNotFound is returned by stores when no definition or execution
// exists for an id.
var ErrNotFound = fmt.Errorf("workflow record not found")

// NewDefinition creates an empty definition with defaults.
func NewDefinition(name string) *Definition {
	now := time.Now().UTC()
	return &Definition{
		ID:        uuid.NewString(),
		Name:      name,
		Version:   "1.0.0",
		TenantID:  "default",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Step finds a step by id anywhere in the tree.
func (d *Definition) Step(id string) *Step {
	return findStep(d.Steps, id)
}

func findStep(steps []*Step, id string) *Step {
	for _, s := range steps {
		if s.ID == id {
			return s
		}
		if found := findStep(s.Children, id); found != nil {
			return found
		}
	}
	return nil
}

// Validate checks the definition's static invariants: step ids unique
// across the whole tree, every dependency references an earlier
// top-level step, the dependency relation is acyclic, and each step
// carries the fields its type needs. The engine runs a single forward
// pass, so authors must list steps in dependency order.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("workflow %s missing name", d.ID)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow %s has no steps", d.ID)
	}

	seen := make(map[string]struct{})
	if err := checkSteps(d.Steps, seen); err != nil {
		return fmt.Errorf("workflow %s: %w", d.ID, err)
	}

	position := make(map[string]int, len(d.Steps))
	for i, s := range d.Steps {
		position[s.ID] = i
	}
	var edges []toposort.Edge
	for i, s := range d.Steps {
		for _, dep := range s.DependsOn {
			at, ok := position[dep]
			if !ok {
				return fmt.Errorf("workflow %s: step %s depends on unknown step %s", d.ID, s.ID, dep)
			}
			if at >= i {
				return fmt.Errorf("workflow %s: step %s depends on %s which is not listed before it", d.ID, s.ID, dep)
			}
			edges = append(edges, toposort.Edge{dep, s.ID})
		}
	}
	if len(edges) > 0 {
		if _, err := toposort.Toposort(edges); err != nil {
			return fmt.Errorf("workflow %s: dependency cycle: %w", d.ID, err)
		}
	}
	return nil
}

// checkSteps validates ids and per-type requirements over the tree.
func checkSteps(steps []*Step, seen map[string]struct{}) error {
	for _, s := range steps {
		if s.ID == "" {
			return fmt.Errorf("step missing id")
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("duplicate step id %s", s.ID)
		}
		seen[s.ID] = struct{}{}

		switch s.Type {
		case StepAgentTask, "":
			if s.TaskTemplate == nil {
				return fmt.Errorf("step %s has no task template", s.ID)
			}
		case StepParallel:
			if len(s.Children) == 0 {
				return fmt.Errorf("parallel step %s has no children", s.ID)
			}
		case StepConditional:
			if s.Condition == "" {
				return fmt.Errorf("step %s has no condition", s.ID)
			}
			if err := ValidateCondition(s.Condition); err != nil {
				return fmt.Errorf("step %s condition: %w", s.ID, err)
			}
		case StepLoop:
			if len(s.Children) == 0 {
				return fmt.Errorf("loop step %s has no children", s.ID)
			}
			if s.MaxIterations < 1 {
				return fmt.Errorf("loop step %s needs max_iterations >= 1", s.ID)
			}
			if s.Condition != "" {
				if err := ValidateCondition(s.Condition); err != nil {
					return fmt.Errorf("step %s condition: %w", s.ID, err)
				}
			}
		case StepWait:
			if s.WaitSeconds <= 0 {
				return fmt.Errorf("wait step %s needs wait_seconds > 0", s.ID)
			}
		case StepHumanApproval:
			// Timeout optional; the engine applies a default.
		case StepSubprocess:
			if s.SubWorkflowID == "" {
				return fmt.Errorf("subprocess step %s has no sub_workflow_id", s.ID)
			}
		default:
			return fmt.Errorf("step %s has unknown type %q", s.ID, s.Type)
		}

		if err := checkSteps(s.Children, seen); err != nil {
			return err
		}
	}
	return nil
}
