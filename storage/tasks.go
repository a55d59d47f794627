package storage

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/agentmesh/router"
	"github.com/c360studio/agentmesh/task"
)

// TaskStore persists tasks in KV. Idempotency keys are reserved in a
// second bucket with kv.Create, so a replayed submission loses the race
// atomically no matter which process it lands on.
type TaskStore struct {
	tasks jetstream.KeyValue
	keys  jetstream.KeyValue
}

// NewTaskStore opens (or creates) the task buckets.
func NewTaskStore(ctx context.Context, js jetstream.JetStream) (*TaskStore, error) {
	tasks, err := getOrCreateBucket(ctx, js, BucketTasks)
	if err != nil {
		return nil, fmt.Errorf("open tasks bucket: %w", err)
	}
	keys, err := getOrCreateBucket(ctx, js, BucketTaskKeys)
	if err != nil {
		return nil, fmt.Errorf("open task keys bucket: %w", err)
	}
	return &TaskStore{tasks: tasks, keys: keys}, nil
}

// Create persists a new task. When the task carries an idempotency key
// that was already used, Create returns the originally stored task and
// router.ErrDuplicate.
func (s *TaskStore) Create(ctx context.Context, t *task.Task) (*task.Task, error) {
	if t.IdempotencyKey != "" {
		if _, err := s.keys.Create(ctx, dedupeKey(t.IdempotencyKey), []byte(t.ID)); err != nil {
			if !errors.Is(err, jetstream.ErrKeyExists) {
				return nil, fmt.Errorf("reserve idempotency key: %w", err)
			}
			entry, err := s.keys.Get(ctx, dedupeKey(t.IdempotencyKey))
			if err != nil {
				return nil, fmt.Errorf("resolve idempotency key: %w", err)
			}
			existing, err := s.Get(ctx, string(entry.Value()))
			if err != nil {
				return nil, fmt.Errorf("load original task for key %q: %w", t.IdempotencyKey, err)
			}
			return existing, router.ErrDuplicate
		}
	}

	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}
	if _, err := s.tasks.Create(ctx, t.ID, data); err != nil {
		return nil, fmt.Errorf("store task %s: %w", t.ID, err)
	}
	return t, nil
}

// Get retrieves a task by id.
func (s *TaskStore) Get(ctx context.Context, id string) (*task.Task, error) {
	entry, err := s.tasks.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, task.ErrNotFound
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	var t task.Task
	if err := json.Unmarshal(entry.Value(), &t); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", id, err)
	}
	return &t, nil
}

// Update overwrites an existing task record.
func (s *TaskStore) Update(ctx context.Context, t *task.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if _, err := s.tasks.Put(ctx, t.ID, data); err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	return nil
}

// List returns every stored task.
func (s *TaskStore) List(ctx context.Context) ([]*task.Task, error) {
	values, err := listValues(ctx, s.tasks)
	if err != nil {
		return nil, err
	}
	tasks := make([]*task.Task, 0, len(values))
	for _, v := range values {
		var t task.Task
		if err := json.Unmarshal(v, &t); err != nil {
			continue
		}
		tasks = append(tasks, &t)
	}
	return tasks, nil
}

// dedupeKey hashes caller-supplied free text into a valid KV key.
func dedupeKey(idempotencyKey string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(idempotencyKey)))
}
