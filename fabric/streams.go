package fabric

import (
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Stream names.
const (
	StreamTasks     = "TASKS"
	StreamAgents    = "AGENTS"
	StreamWorkflows = "WORKFLOWS"
	StreamResults   = "RESULTS"
	StreamWorkers   = "WORKERS"
	StreamObserve   = "OBSERVE"
)

// Well-known subjects.
const (
	// SubjectTaskWork carries assigned task payloads to the worker
	// queue group; TASKS.* otherwise carries lifecycle events.
	SubjectTaskWork = "TASKS.work"

	// SubjectTaskSubmit carries new task submissions to the router;
	// SubjectTaskResubmit returns retriable failures to its queue.
	SubjectTaskSubmit   = "TASKS.submit"
	SubjectTaskResubmit = "TASKS.resubmit"

	// SubjectTaskCancel carries explicit cancellation requests.
	SubjectTaskCancel = "TASKS.cancel"

	SubjectTaskCreated     = "TASKS.created"
	SubjectTaskAssigned    = "TASKS.assigned"
	SubjectTaskStarted     = "TASKS.started"
	SubjectTaskCompleted   = "TASKS.completed"
	SubjectTaskFailed      = "TASKS.failed"
	SubjectTaskCancelled   = "TASKS.cancelled"
	SubjectAgentCommands   = "AGENTS.commands.*"
	SubjectAgentEvents     = "AGENTS.events.>"
	SubjectAgentHeartbeat  = "AGENTS.heartbeat"
	SubjectWorkflowEvents  = "WORKFLOWS.events.>"
	SubjectResultCompleted = "RESULTS.completed"
	SubjectResultFailed    = "RESULTS.failed"
	SubjectWorkerHeartbeat = "WORKERS.heartbeat"
	SubjectObserve         = "OBSERVE.broadcast"

	// SubjectWorkflowApprovals carries human approval decisions, one
	// subject per execution; see WorkflowApprovalSubject.
	SubjectWorkflowApprovals = "WORKFLOWS.approvals.*"
)

// WorkflowApprovalSubject is the subject approval decisions for one
// execution are published on.
func WorkflowApprovalSubject(executionID string) string {
	return "WORKFLOWS.approvals." + executionID
}

// Delivery defaults for durable consumers.
const (
	// DefaultAckWait is how long a consumer may hold a message unacked
	// before redelivery.
	DefaultAckWait = 30 * time.Second

	// DefaultMaxDeliver bounds redelivery attempts before a message is
	// left on the stream as dead.
	DefaultMaxDeliver = 3
)

// StreamConfigs declares every stream the core uses. EnsureStreams applies
// them idempotently on startup.
func StreamConfigs() []jetstream.StreamConfig {
	return []jetstream.StreamConfig{
		{
			Name:      StreamTasks,
			Subjects:  []string{"TASKS.>"},
			Retention: jetstream.LimitsPolicy,
			MaxMsgs:   100_000,
			MaxAge:    7 * 24 * time.Hour,
		},
		{
			Name:      StreamAgents,
			Subjects:  []string{"AGENTS.>"},
			Retention: jetstream.LimitsPolicy,
			MaxMsgs:   100_000,
			MaxAge:    7 * 24 * time.Hour,
		},
		{
			Name:      StreamWorkflows,
			Subjects:  []string{"WORKFLOWS.>"},
			Retention: jetstream.LimitsPolicy,
			MaxMsgs:   100_000,
			MaxAge:    30 * 24 * time.Hour,
		},
		{
			Name:      StreamResults,
			Subjects:  []string{"RESULTS.>"},
			Retention: jetstream.LimitsPolicy,
			MaxMsgs:   100_000,
			MaxAge:    7 * 24 * time.Hour,
		},
		{
			Name:      StreamWorkers,
			Subjects:  []string{"WORKERS.>"},
			Retention: jetstream.LimitsPolicy,
			MaxMsgs:   10_000,
			MaxAge:    time.Hour,
		},
		{
			// Observer fan-out is best-effort and short-lived.
			Name:      StreamObserve,
			Subjects:  []string{"OBSERVE.>"},
			Retention: jetstream.LimitsPolicy,
			MaxMsgs:   1_000,
			MaxAge:    time.Minute,
		},
	}
}
