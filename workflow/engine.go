package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/c360studio/agentmesh/event"
	"github.com/c360studio/agentmesh/task"
)

// DefaultApprovalTimeout bounds HUMAN_APPROVAL steps that set none.
const DefaultApprovalTimeout = time.Hour

// TaskExecutor submits a task and blocks until its terminal outcome.
// The router-backed implementation lives outside this package; tests
// supply fakes.
type TaskExecutor interface {
	Execute(ctx context.Context, t *task.Task) (map[string]any, error)
}

// ExecutionStore persists execution checkpoints.
type ExecutionStore interface {
	SaveExecution(ctx context.Context, e *Execution) error
}

// DefinitionStore resolves SUBPROCESS references.
type DefinitionStore interface {
	GetWorkflow(ctx context.Context, id string) (*Definition, error)
}

// Approver blocks a HUMAN_APPROVAL step until a decision arrives or the
// timeout passes. The returned map becomes the step result.
type Approver interface {
	Await(ctx context.Context, executionID, stepID string, timeout time.Duration) (map[string]any, error)
}

// autoApprover approves immediately. The default when no human channel
// is wired.
type autoApprover struct{}

func (autoApprover) Await(context.Context, string, string, time.Duration) (map[string]any, error) {
	return map[string]any{"approved": true, "approver": "auto"}, nil
}

// Engine executes workflow definitions. One execution at a time per
// call; callers may run distinct executions concurrently.
type Engine struct {
	tasks       TaskExecutor
	store       ExecutionStore
	definitions DefinitionStore
	approver    Approver
	events      event.Sink
	logger      *slog.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithExecutionStore enables checkpoint persistence.
func WithExecutionStore(store ExecutionStore) EngineOption {
	return func(e *Engine) { e.store = store }
}

// WithDefinitionStore enables SUBPROCESS steps.
func WithDefinitionStore(store DefinitionStore) EngineOption {
	return func(e *Engine) { e.definitions = store }
}

// WithApprover routes HUMAN_APPROVAL steps to a decision channel.
func WithApprover(a Approver) EngineOption {
	return func(e *Engine) {
		if a != nil {
			e.approver = a
		}
	}
}

// WithEngineEventSink routes lifecycle events to the sink.
func WithEngineEventSink(sink event.Sink) EngineOption {
	return func(e *Engine) {
		if sink != nil {
			e.events = sink
		}
	}
}

// WithEngineLogger sets the logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine creates an engine that submits AGENT_TASK steps through the
// given executor.
func NewEngine(tasks TaskExecutor, opts ...EngineOption) *Engine {
	e := &Engine{
		tasks:    tasks,
		approver: autoApprover{},
		events:   event.Discard,
		logger:   slog.Default(),
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the execution to a terminal status. Steps are taken in
// listed order, each gated on its depends_on set; a failure triggers
// compensation of every completed step in reverse order. Executions
// resumed in RUNNING or PAUSED skip steps already in completed_steps.
// The returned error covers definition problems only; runtime failure
// is recorded on the execution itself.
func (e *Engine) Execute(ctx context.Context, def *Definition, exec *Execution) (*Execution, error) {
	if err := def.Validate(); err != nil {
		return exec, err
	}
	if exec.Status.IsTerminal() {
		return exec, fmt.Errorf("execution %s already terminal (%s)", exec.ID, exec.Status)
	}

	resuming := exec.Status == StatusRunning || exec.Status == StatusPaused
	exec.Start()
	exec.Checkpoint["total_steps"] = len(def.Steps)
	if resuming {
		e.emit(ctx, exec, event.WorkflowResumed(exec.ID))
		e.logger.Info("Resuming workflow execution",
			"execution_id", exec.ID,
			"completed_steps", len(exec.CompletedSteps))
	} else {
		e.emit(ctx, exec, event.WorkflowStarted(exec.ID, def.ID, exec.Input))
		e.logger.Info("Starting workflow execution",
			"workflow_id", def.ID,
			"execution_id", exec.ID)
	}
	e.checkpoint(ctx, exec)

	for _, step := range def.Steps {
		if err := ctx.Err(); err != nil {
			e.cancel(ctx, def, exec)
			return exec, nil
		}
		if exec.HasCompleted(step.ID) {
			continue
		}
		if !e.dependenciesSatisfied(step, exec) {
			continue
		}

		exec.CurrentStepID = step.ID
		e.emit(ctx, exec, event.WorkflowStepStarted(exec.ID, step.ID))

		result, err := e.runStep(ctx, def, exec, step)
		if err != nil {
			if ctx.Err() != nil {
				e.cancel(ctx, def, exec)
				return exec, nil
			}
			exec.Fail(step.ID, err.Error())
			e.emit(ctx, exec, event.WorkflowStepFailed(exec.ID, step.ID, err.Error()))
			e.emit(ctx, exec, event.WorkflowFailed(exec.ID, step.ID, err.Error()))
			e.logger.Error("Workflow step failed",
				"execution_id", exec.ID,
				"step_id", step.ID,
				"error", err)
			e.compensate(ctx, def, exec)
			e.checkpoint(ctx, exec)
			return exec, nil
		}

		exec.CompleteStep(step.ID, result)
		e.emit(ctx, exec, event.WorkflowStepCompleted(exec.ID, step.ID, result))
		e.checkpoint(ctx, exec)
	}

	output := map[string]any{
		"step_results":    exec.StepResults,
		"completed_steps": exec.CompletedSteps,
	}
	exec.Complete(output)
	e.emit(ctx, exec, event.WorkflowCompleted(exec.ID, output))
	e.checkpoint(ctx, exec)
	e.logger.Info("Workflow completed", "execution_id", exec.ID)
	return exec, nil
}

func (e *Engine) dependenciesSatisfied(step *Step, exec *Execution) bool {
	for _, dep := range step.DependsOn {
		if !exec.HasCompleted(dep) {
			return false
		}
	}
	return true
}

func (e *Engine) runStep(ctx context.Context, def *Definition, exec *Execution, step *Step) (any, error) {
	e.logger.Debug("Executing step", "step_id", step.ID, "step_type", step.Type)

	switch step.Type {
	case StepAgentTask, "":
		return e.runAgentTask(ctx, exec, step)
	case StepParallel:
		return e.runParallel(ctx, def, exec, step)
	case StepConditional:
		return e.runConditional(ctx, def, exec, step)
	case StepLoop:
		return e.runLoop(ctx, def, exec, step)
	case StepWait:
		if err := e.sleep(ctx, time.Duration(step.WaitSeconds)*time.Second); err != nil {
			return nil, err
		}
		return map[string]any{"waited": step.WaitSeconds}, nil
	case StepHumanApproval:
		return e.runApproval(ctx, exec, step)
	case StepSubprocess:
		return e.runSubprocess(ctx, exec, step)
	}
	return nil, fmt.Errorf("unknown step type %q", step.Type)
}

func (e *Engine) runAgentTask(ctx context.Context, exec *Execution, step *Step) (any, error) {
	rendered := Interpolate(step.TaskTemplate, exec.Input, exec.StepResults)

	description, _ := rendered["description"].(string)
	t := task.New(step.Name, description)
	t.TenantID = exec.TenantID
	t.InputData = rendered
	t.ParentWorkflowID = exec.ID
	t.ParentStepID = step.ID
	if step.TimeoutSeconds > 0 {
		t.TimeoutSeconds = step.TimeoutSeconds
	}
	if step.AgentID != "" {
		t.AssignedAgentID = step.AgentID
	}

	stepCtx := ctx
	if step.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	result, err := e.tasks.Execute(stepCtx, t)
	if err != nil {
		if stepCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, fmt.Errorf("step timed out after %ds", step.TimeoutSeconds)
		}
		return nil, err
	}
	return result, nil
}

// runParallel launches every child and waits for all of them. The
// parent succeeds only when every child does; child failures are
// aggregated into one error. Each child runs against a private fork of
// the execution so template rendering and condition evaluation never
// observe a sibling's map writes; forks merge back after the barrier.
func (e *Engine) runParallel(ctx context.Context, def *Definition, exec *Execution, step *Step) (any, error) {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]any, len(step.Children))
		errs    []string
	)

	forks := make([]*Execution, len(step.Children))
	for i, child := range step.Children {
		forks[i] = exec.Fork()
		wg.Add(1)
		go func(child *Step, fork *Execution) {
			defer wg.Done()
			result, err := e.runStep(ctx, def, fork, child)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", child.ID, err))
				results[child.ID] = map[string]any{"error": err.Error()}
				return
			}
			results[child.ID] = result
			fork.CompleteStep(child.ID, result)
		}(child, forks[i])
	}
	wg.Wait()

	for _, fork := range forks {
		exec.Merge(fork)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("parallel children failed: %s", strings.Join(errs, "; "))
	}
	return results, nil
}

// runConditional evaluates the condition and runs child 0 on true,
// child 1 on false. A missing branch is a no-op success. An evaluation
// error counts as false rather than failing the execution.
func (e *Engine) runConditional(ctx context.Context, def *Definition, exec *Execution, step *Step) (any, error) {
	matched, err := EvaluateCondition(step.Condition, exec.Input, exec.StepResults)
	if err != nil {
		e.logger.Warn("Condition evaluation failed, treating as false",
			"step_id", step.ID,
			"condition", step.Condition,
			"error", err)
		matched = false
	}

	var branch *Step
	if matched && len(step.Children) > 0 {
		branch = step.Children[0]
	} else if !matched && len(step.Children) > 1 {
		branch = step.Children[1]
	}
	if branch == nil {
		return map[string]any{"condition_result": matched}, nil
	}

	result, err := e.runStep(ctx, def, exec, branch)
	if err != nil {
		return nil, err
	}
	exec.CompleteStep(branch.ID, result)
	return result, nil
}

// runLoop runs the children sequentially up to max_iterations times,
// stopping early when the optional condition turns false. Child results
// from the final iteration are kept.
func (e *Engine) runLoop(ctx context.Context, def *Definition, exec *Execution, step *Step) (any, error) {
	iterations := 0
	results := make(map[string]any, len(step.Children))

	for iterations < step.MaxIterations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if step.Condition != "" {
			proceed, err := EvaluateCondition(step.Condition, exec.Input, exec.StepResults)
			if err != nil {
				return nil, fmt.Errorf("loop condition: %w", err)
			}
			if !proceed {
				break
			}
		}
		iterations++
		for _, child := range step.Children {
			result, err := e.runStep(ctx, def, exec, child)
			if err != nil {
				return nil, fmt.Errorf("iteration %d, step %s: %w", iterations, child.ID, err)
			}
			results[child.ID] = result
			exec.StepResults[child.ID] = result
		}
	}

	return map[string]any{"iterations": iterations, "results": results}, nil
}

func (e *Engine) runApproval(ctx context.Context, exec *Execution, step *Step) (any, error) {
	timeout := DefaultApprovalTimeout
	if step.TimeoutSeconds > 0 {
		timeout = time.Duration(step.TimeoutSeconds) * time.Second
	}
	e.emit(ctx, exec, event.WorkflowPaused(exec.ID, step.ID, "awaiting approval"))
	e.logger.Info("Waiting for approval",
		"execution_id", exec.ID,
		"step_id", step.ID,
		"timeout", timeout)

	decision, err := e.approver.Await(ctx, exec.ID, step.ID, timeout)
	if err != nil {
		return nil, fmt.Errorf("approval: %w", err)
	}
	if approved, _ := decision["approved"].(bool); !approved {
		return nil, fmt.Errorf("approval rejected")
	}
	return decision, nil
}

// runSubprocess executes a child workflow and awaits its outcome. The
// step's task template, rendered against the parent context, becomes
// the child input; absent a template the parent input is passed through.
func (e *Engine) runSubprocess(ctx context.Context, exec *Execution, step *Step) (any, error) {
	if e.definitions == nil {
		return nil, fmt.Errorf("subprocess step %s: no definition store configured", step.ID)
	}
	childDef, err := e.definitions.GetWorkflow(ctx, step.SubWorkflowID)
	if err != nil {
		return nil, fmt.Errorf("subprocess step %s: %w", step.ID, err)
	}

	input := exec.Input
	if step.TaskTemplate != nil {
		input = Interpolate(step.TaskTemplate, exec.Input, exec.StepResults)
	}
	child := NewExecution(childDef.ID, input)
	child.TenantID = exec.TenantID

	child, err = e.Execute(ctx, childDef, child)
	if err != nil {
		return nil, fmt.Errorf("subprocess step %s: %w", step.ID, err)
	}
	if child.Status != StatusCompleted {
		return nil, fmt.Errorf("subprocess %s finished %s: %s", child.ID, child.Status, child.Error)
	}
	return child.Output, nil
}

// cancel settles an externally cancelled execution: compensate when any
// step completed, else plain CANCELLED.
func (e *Engine) cancel(ctx context.Context, def *Definition, exec *Execution) {
	e.logger.Info("Workflow cancelled",
		"execution_id", exec.ID,
		"completed_steps", len(exec.CompletedSteps))

	settleCtx := context.WithoutCancel(ctx)
	if len(exec.CompletedSteps) > 0 {
		e.compensate(settleCtx, def, exec)
	} else {
		now := time.Now().UTC()
		exec.Status = StatusCancelled
		exec.CompletedAt = &now
		e.emit(settleCtx, exec, event.WorkflowCancelled(exec.ID))
	}
	e.checkpoint(settleCtx, exec)
}

// compensate rolls back completed steps in reverse completion order by
// running each step's compensation template as a fresh task. Individual
// compensation failures are logged and the walk continues; the terminal
// status is COMPENSATED either way.
func (e *Engine) compensate(ctx context.Context, def *Definition, exec *Execution) {
	exec.Status = StatusCompensating
	e.emit(ctx, exec, event.WorkflowCompensating(exec.ID, exec.CompletedSteps))
	e.logger.Info("Starting compensation",
		"execution_id", exec.ID,
		"failed_step", exec.FailedStepID,
		"completed_steps", len(exec.CompletedSteps))

	for i := len(exec.CompletedSteps) - 1; i >= 0; i-- {
		stepID := exec.CompletedSteps[i]
		step := def.Step(stepID)
		if step == nil || step.Compensation == nil {
			continue
		}
		if err := e.runCompensation(ctx, exec, step); err != nil {
			e.logger.Error("Compensation failed",
				"execution_id", exec.ID,
				"step_id", stepID,
				"error", err)
		}
	}

	now := time.Now().UTC()
	exec.Status = StatusCompensated
	exec.CompletedAt = &now
	e.emit(ctx, exec, event.WorkflowCompensated(exec.ID))
	e.logger.Info("Compensation completed", "execution_id", exec.ID)
}

func (e *Engine) runCompensation(ctx context.Context, exec *Execution, step *Step) error {
	rendered := Interpolate(step.Compensation, exec.Input, exec.StepResults)

	t := task.New("compensate_"+step.Name, "Compensation for "+step.Name)
	t.TenantID = exec.TenantID
	t.InputData = rendered
	t.ParentWorkflowID = exec.ID
	t.ParentStepID = "comp_" + step.ID

	_, err := e.tasks.Execute(ctx, t)
	return err
}

func (e *Engine) checkpoint(ctx context.Context, exec *Execution) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveExecution(ctx, exec); err != nil {
		e.logger.Warn("Failed to checkpoint execution",
			"execution_id", exec.ID,
			"error", err)
	}
}

func (e *Engine) emit(ctx context.Context, exec *Execution, ev *event.Event) {
	ev.WithTenant(exec.TenantID)
	if err := e.events.Emit(ctx, ev); err != nil {
		e.logger.Warn("Failed to emit event", "event_type", ev.Type, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
