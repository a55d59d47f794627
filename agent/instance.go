package agent

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// Status is an instance lifecycle state.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusRunning    Status = "running"
	StatusPaused     Status = "paused"
	StatusError      Status = "error"
	StatusTerminated Status = "terminated"
)

// Instance is the runtime state of one agent on a worker. The owning
// worker and the supervisor are the only writers; both go through the
// instance store's optimistic revision check.
type Instance struct {
	ID           string `json:"instance_id"`
	DefinitionID string `json:"agent_definition_id"`
	Status       Status `json:"status"`

	CurrentTaskID string `json:"current_task_id,omitempty"`
	WorkerID      string `json:"worker_id,omitempty"`

	StartedAt     *time.Time `json:"started_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`

	TasksCompleted       int     `json:"tasks_completed"`
	TasksFailed          int     `json:"tasks_failed"`
	TotalTokensUsed      int     `json:"total_tokens_used"`
	TotalExecutionTimeMS float64 `json:"total_execution_time_ms"`
}

// NewInstance registers a fresh idle instance for a definition.
func NewInstance(definitionID, workerID string) *Instance {
	now := time.Now().UTC()
	return &Instance{
		ID:            uuid.NewString(),
		DefinitionID:  definitionID,
		Status:        StatusIdle,
		WorkerID:      workerID,
		StartedAt:     &now,
		LastHeartbeat: &now,
	}
}

// Available reports whether the instance can take a new task.
func (in *Instance) Available() bool {
	return in.Status == StatusIdle && in.CurrentTaskID == ""
}

// Assign moves the instance to RUNNING on the given task.
func (in *Instance) Assign(taskID string) {
	in.Status = StatusRunning
	in.CurrentTaskID = taskID
}

// Release returns the instance to IDLE after its task settles.
func (in *Instance) Release() {
	in.Status = StatusIdle
	in.CurrentTaskID = ""
}

// Heartbeat stamps the liveness clock.
func (in *Instance) Heartbeat(at time.Time) {
	t := at.UTC()
	in.LastHeartbeat = &t
}

// Stale reports whether the last heartbeat is older than timeout at the
// given clock reading.
func (in *Instance) Stale(now time.Time, timeout time.Duration) bool {
	if in.LastHeartbeat == nil {
		return true
	}
	return now.Sub(*in.LastHeartbeat) > timeout
}

// RecordCompletion folds one finished task into the cumulative counters.
func (in *Instance) RecordCompletion(tokensUsed int, executionTimeMS float64, success bool) {
	if success {
		in.TasksCompleted++
	} else {
		in.TasksFailed++
	}
	in.TotalTokensUsed += tokensUsed
	in.TotalExecutionTimeMS += executionTimeMS
}

// Score is the dispatch ranking key: historical mean execution time per
// completed task. Instances that have completed nothing rank last.
func (in *Instance) Score() float64 {
	if in.TasksCompleted == 0 {
		return math.Inf(1)
	}
	return in.TotalExecutionTimeMS / float64(in.TasksCompleted)
}
