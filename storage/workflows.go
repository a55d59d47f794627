package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/agentmesh/workflow"
)

// WorkflowStore persists workflow definitions and execution state. The
// engine checkpoints executions here after every step, so a restarted
// engine can resume from the last completed step.
type WorkflowStore struct {
	definitions jetstream.KeyValue
	executions  jetstream.KeyValue
}

// NewWorkflowStore opens (or creates) the workflow buckets.
func NewWorkflowStore(ctx context.Context, js jetstream.JetStream) (*WorkflowStore, error) {
	definitions, err := getOrCreateBucket(ctx, js, BucketWorkflows)
	if err != nil {
		return nil, fmt.Errorf("open workflows bucket: %w", err)
	}
	executions, err := getOrCreateBucket(ctx, js, BucketExecutions)
	if err != nil {
		return nil, fmt.Errorf("open executions bucket: %w", err)
	}
	return &WorkflowStore{definitions: definitions, executions: executions}, nil
}

// PutWorkflow validates and stores a workflow definition.
func (s *WorkflowStore) PutWorkflow(ctx context.Context, def *workflow.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	def.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	if _, err := s.definitions.Put(ctx, def.ID, data); err != nil {
		return fmt.Errorf("store workflow %s: %w", def.ID, err)
	}
	return nil
}

// GetWorkflow retrieves a workflow definition by id.
func (s *WorkflowStore) GetWorkflow(ctx context.Context, id string) (*workflow.Definition, error) {
	entry, err := s.definitions.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, workflow.ErrNotFound
		}
		return nil, fmt.Errorf("get workflow %s: %w", id, err)
	}
	var def workflow.Definition
	if err := json.Unmarshal(entry.Value(), &def); err != nil {
		return nil, fmt.Errorf("unmarshal workflow %s: %w", id, err)
	}
	return &def, nil
}

// ListWorkflows returns every stored workflow definition.
func (s *WorkflowStore) ListWorkflows(ctx context.Context) ([]*workflow.Definition, error) {
	values, err := listValues(ctx, s.definitions)
	if err != nil {
		return nil, err
	}
	defs := make([]*workflow.Definition, 0, len(values))
	for _, v := range values {
		var def workflow.Definition
		if err := json.Unmarshal(v, &def); err != nil {
			continue
		}
		defs = append(defs, &def)
	}
	return defs, nil
}

// SaveExecution checkpoints execution state.
func (s *WorkflowStore) SaveExecution(ctx context.Context, e *workflow.Execution) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	if _, err := s.executions.Put(ctx, e.ID, data); err != nil {
		return fmt.Errorf("store execution %s: %w", e.ID, err)
	}
	return nil
}

// GetExecution retrieves execution state by id.
func (s *WorkflowStore) GetExecution(ctx context.Context, id string) (*workflow.Execution, error) {
	entry, err := s.executions.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, workflow.ErrNotFound
		}
		return nil, fmt.Errorf("get execution %s: %w", id, err)
	}
	var e workflow.Execution
	if err := json.Unmarshal(entry.Value(), &e); err != nil {
		return nil, fmt.Errorf("unmarshal execution %s: %w", id, err)
	}
	return &e, nil
}

// ListExecutions returns every stored execution.
func (s *WorkflowStore) ListExecutions(ctx context.Context) ([]*workflow.Execution, error) {
	values, err := listValues(ctx, s.executions)
	if err != nil {
		return nil, err
	}
	execs := make([]*workflow.Execution, 0, len(values))
	for _, v := range values {
		var e workflow.Execution
		if err := json.Unmarshal(v, &e); err != nil {
			continue
		}
		execs = append(execs, &e)
	}
	return execs, nil
}
