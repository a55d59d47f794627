package event

// Constructors for the common event shapes. They take primitive ids rather
// than domain structs so this package stays at the bottom of the import graph.

// TaskCreated records a new task entering the system.
func TaskCreated(taskID, name, description string, input map[string]any) *Event {
	return New(TypeTaskCreated, AggregateTask, taskID, map[string]any{
		"name":        name,
		"description": description,
		"input_data":  input,
	})
}

// TaskAssigned records a task being matched to an agent instance.
func TaskAssigned(taskID, instanceID string) *Event {
	return New(TypeTaskAssigned, AggregateTask, taskID, map[string]any{
		"instance_id": instanceID,
	})
}

// TaskStarted records a worker beginning execution of a task.
func TaskStarted(taskID, workerID, instanceID string) *Event {
	return New(TypeTaskStarted, AggregateTask, taskID, map[string]any{
		"worker_id":   workerID,
		"instance_id": instanceID,
	})
}

// TaskProgress records one completed loop iteration of a running task.
func TaskProgress(taskID, instanceID string, iteration, totalTokens int) *Event {
	return New(TypeTaskProgress, AggregateTask, taskID, map[string]any{
		"instance_id":  instanceID,
		"iteration":    iteration,
		"total_tokens": totalTokens,
	})
}

// TaskCompleted records the single terminal success of a task.
func TaskCompleted(taskID string, result map[string]any) *Event {
	return New(TypeTaskCompleted, AggregateTask, taskID, map[string]any{
		"result": result,
	})
}

// TaskFailed records the single terminal failure of a task. Retriable tells
// the router whether the producer considers the failure transient.
func TaskFailed(taskID, errMsg string, retriable bool) *Event {
	return New(TypeTaskFailed, AggregateTask, taskID, map[string]any{
		"error":     errMsg,
		"retriable": retriable,
	})
}

// TaskCancelled records an explicit user cancellation.
func TaskCancelled(taskID string) *Event {
	return New(TypeTaskCancelled, AggregateTask, taskID, nil)
}

// TaskTimeout records a wall-clock budget miss.
func TaskTimeout(taskID string, timeoutSeconds int) *Event {
	return New(TypeTaskTimeout, AggregateTask, taskID, map[string]any{
		"timeout_seconds": timeoutSeconds,
	})
}

// AgentRegistered records a new agent instance joining the pool.
func AgentRegistered(instanceID, definitionID string, capabilities []string) *Event {
	return New(TypeAgentRegistered, AggregateAgent, instanceID, map[string]any{
		"definition_id": definitionID,
		"capabilities":  capabilities,
	})
}

// AgentStarted records an instance coming up on a worker.
func AgentStarted(instanceID, workerID string) *Event {
	return New(TypeAgentStarted, AggregateAgent, instanceID, map[string]any{
		"worker_id": workerID,
	})
}

// AgentStopped records an instance going away with its worker.
func AgentStopped(instanceID, workerID string) *Event {
	return New(TypeAgentStopped, AggregateAgent, instanceID, map[string]any{
		"worker_id": workerID,
	})
}

// AgentHeartbeat records instance liveness.
func AgentHeartbeat(instanceID string) *Event {
	return New(TypeAgentHeartbeat, AggregateAgent, instanceID, nil)
}

// AgentLLMCall records one LLM round trip with its token cost.
func AgentLLMCall(instanceID, taskID, model string, promptTokens, completionTokens int, latencyMs int64) *Event {
	return New(TypeAgentLLMCall, AggregateAgent, instanceID, map[string]any{
		"task_id":           taskID,
		"model":             model,
		"prompt_tokens":     promptTokens,
		"completion_tokens": completionTokens,
		"latency_ms":        latencyMs,
	})
}

// AgentToolCall records one tool invocation and its outcome.
func AgentToolCall(instanceID, taskID, toolName string, success bool, elapsedMs int64) *Event {
	return New(TypeAgentToolCall, AggregateAgent, instanceID, map[string]any{
		"task_id":    taskID,
		"tool_name":  toolName,
		"success":    success,
		"elapsed_ms": elapsedMs,
	})
}

// AgentThinking records a think-tool call's recorded reasoning.
func AgentThinking(instanceID, taskID, thought string) *Event {
	return New(TypeAgentThinking, AggregateAgent, instanceID, map[string]any{
		"task_id": taskID,
		"thought": thought,
	})
}

// AgentError records a non-fatal agent-level error.
func AgentError(instanceID, taskID, errMsg string) *Event {
	return New(TypeAgentError, AggregateAgent, instanceID, map[string]any{
		"task_id": taskID,
		"error":   errMsg,
	})
}

// WorkflowStarted records a workflow execution leaving PENDING.
func WorkflowStarted(executionID, definitionID string, input map[string]any) *Event {
	return New(TypeWorkflowStarted, AggregateWorkflow, executionID, map[string]any{
		"definition_id": definitionID,
		"input_data":    input,
	}).WithCorrelation(executionID)
}

// WorkflowStepStarted records a step entering execution.
func WorkflowStepStarted(executionID, stepID string) *Event {
	return New(TypeWorkflowStepStarted, AggregateWorkflow, executionID, map[string]any{
		"step_id": stepID,
	}).WithCorrelation(executionID)
}

// WorkflowStepCompleted records a step's terminal success.
func WorkflowStepCompleted(executionID, stepID string, result any) *Event {
	return New(TypeWorkflowStepCompleted, AggregateWorkflow, executionID, map[string]any{
		"step_id": stepID,
		"result":  result,
	}).WithCorrelation(executionID)
}

// WorkflowStepFailed records a step's terminal failure.
func WorkflowStepFailed(executionID, stepID, errMsg string) *Event {
	return New(TypeWorkflowStepFailed, AggregateWorkflow, executionID, map[string]any{
		"step_id": stepID,
		"error":   errMsg,
	}).WithCorrelation(executionID)
}

// WorkflowCompleted records a successful execution with its output.
func WorkflowCompleted(executionID string, output map[string]any) *Event {
	return New(TypeWorkflowCompleted, AggregateWorkflow, executionID, map[string]any{
		"output": output,
	}).WithCorrelation(executionID)
}

// WorkflowFailed records an execution failing at a step.
func WorkflowFailed(executionID, stepID, errMsg string) *Event {
	return New(TypeWorkflowFailed, AggregateWorkflow, executionID, map[string]any{
		"step_id": stepID,
		"error":   errMsg,
	}).WithCorrelation(executionID)
}

// WorkflowApprovalRequested records a HUMAN_APPROVAL step asking for a
// decision. The reply subject tells approvers where to publish it.
func WorkflowApprovalRequested(executionID, stepID, replySubject string, timeoutSeconds int) *Event {
	return New(TypeWorkflowApprovalReq, AggregateWorkflow, executionID, map[string]any{
		"step_id":         stepID,
		"reply_subject":   replySubject,
		"timeout_seconds": timeoutSeconds,
	}).WithCorrelation(executionID)
}

// WorkflowPaused records an execution suspending, e.g. awaiting approval.
func WorkflowPaused(executionID, stepID, reason string) *Event {
	return New(TypeWorkflowPaused, AggregateWorkflow, executionID, map[string]any{
		"step_id": stepID,
		"reason":  reason,
	}).WithCorrelation(executionID)
}

// WorkflowResumed records a suspended execution continuing.
func WorkflowResumed(executionID string) *Event {
	return New(TypeWorkflowResumed, AggregateWorkflow, executionID, nil).
		WithCorrelation(executionID)
}

// WorkflowCancelled records an execution cancelled before any step
// completed.
func WorkflowCancelled(executionID string) *Event {
	return New(TypeWorkflowCancelled, AggregateWorkflow, executionID, nil).
		WithCorrelation(executionID)
}

// WorkflowCompensating records the start of saga compensation.
func WorkflowCompensating(executionID string, completedSteps []string) *Event {
	return New(TypeWorkflowCompensating, AggregateWorkflow, executionID, map[string]any{
		"completed_steps": completedSteps,
	}).WithCorrelation(executionID)
}

// WorkflowCompensated records the end of saga compensation.
func WorkflowCompensated(executionID string) *Event {
	return New(TypeWorkflowCompensated, AggregateWorkflow, executionID, nil).
		WithCorrelation(executionID)
}

// ScaleRecommendation records an advisory scaling signal from the supervisor.
func ScaleRecommendation(direction string, utilization float64, total, idle int) *Event {
	t := TypeSystemScaleUp
	if direction == "scale_down" {
		t = TypeSystemScaleDown
	}
	return New(t, AggregateSystem, "supervisor", map[string]any{
		"utilization": utilization,
		"total":       total,
		"idle":        idle,
	})
}

// CircuitOpened records an LLM provider circuit tripping.
func CircuitOpened(provider string, failures int) *Event {
	return New(TypeSystemCircuitOpen, AggregateSystem, provider, map[string]any{
		"failures": failures,
	})
}

// CircuitClosed records an LLM provider circuit recovering.
func CircuitClosed(provider string) *Event {
	return New(TypeSystemCircuitClose, AggregateSystem, provider, nil)
}
