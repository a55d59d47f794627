// Package storage persists tasks, agent records, and workflow state in
// NATS JetStream key-value buckets, giving every process in the mesh
// the same view of the system.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
)

// Bucket names for each record type.
const (
	BucketTasks      = "AGENTMESH_TASKS"
	BucketTaskKeys   = "AGENTMESH_TASK_KEYS"
	BucketInstances  = "AGENTMESH_INSTANCES"
	BucketAgents     = "AGENTMESH_AGENTS"
	BucketWorkflows  = "AGENTMESH_WORKFLOWS"
	BucketExecutions = "AGENTMESH_EXECUTIONS"
)

// bucketHistory keeps recent revisions per key for debugging.
const bucketHistory = 5

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Agentmesh %s storage", strings.ToLower(strings.TrimPrefix(name, "AGENTMESH_"))),
		History:     bucketHistory,
	})
}

func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound)
}

// listValues loads every value in a bucket, skipping entries that fail
// to load. An empty bucket is not an error.
func listValues(ctx context.Context, kv jetstream.KeyValue) ([][]byte, error) {
	keys, err := kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys in %s: %w", kv.Bucket(), err)
	}
	values := make([][]byte, 0, len(keys))
	for _, key := range keys {
		entry, err := kv.Get(ctx, key)
		if err != nil {
			continue
		}
		values = append(values, entry.Value())
	}
	return values, nil
}
