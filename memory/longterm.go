package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// MemoriesBucket is the KV bucket backing long-term agent memory.
const MemoriesBucket = "AGENTMESH_MEMORIES"

// ErrMemoryNotFound indicates no record exists for the (agent, key) pair.
var ErrMemoryNotFound = errors.New("memory not found")

// Record is one long-term memory entry.
type Record struct {
	AgentID  string         `json:"agent_id"`
	Key      string         `json:"key"`
	Value    map[string]any `json:"value"`
	StoredAt time.Time      `json:"stored_at"`
}

// memoryKV is the slice of the KV bucket the store needs.
// jetstream.KeyValue satisfies it.
type memoryKV interface {
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Delete(ctx context.Context, key string, opts ...jetstream.KVDeleteOpt) error
	ListKeysFiltered(ctx context.Context, filters ...string) (jetstream.KeyLister, error)
}

// LongTermStore persists agent memories across tasks in a JetStream KV
// bucket, keyed by (agent_id, key) with recency scans.
type LongTermStore struct {
	kv memoryKV
}

// NewLongTermStore binds to the memories bucket, creating it if missing.
func NewLongTermStore(ctx context.Context, js jetstream.JetStream) (*LongTermStore, error) {
	kv, err := js.KeyValue(ctx, MemoriesBucket)
	if err != nil {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      MemoriesBucket,
			Description: "Agentmesh long-term agent memory",
			History:     1,
		})
		if err != nil {
			return nil, fmt.Errorf("create memories bucket: %w", err)
		}
	}
	return &LongTermStore{kv: kv}, nil
}

// Put stores or replaces a memory.
func (s *LongTermStore) Put(ctx context.Context, agentID, key string, value map[string]any) error {
	rec := Record{
		AgentID:  agentID,
		Key:      key,
		Value:    value,
		StoredAt: time.Now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal memory: %w", err)
	}
	if _, err := s.kv.Put(ctx, memoryKey(agentID, key), data); err != nil {
		return fmt.Errorf("store memory %s/%s: %w", agentID, key, err)
	}
	return nil
}

// Get loads one memory.
func (s *LongTermStore) Get(ctx context.Context, agentID, key string) (*Record, error) {
	entry, err := s.kv.Get(ctx, memoryKey(agentID, key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, fmt.Errorf("memory %s/%s: %w", agentID, key, ErrMemoryNotFound)
		}
		return nil, fmt.Errorf("get memory %s/%s: %w", agentID, key, err)
	}
	var rec Record
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal memory %s/%s: %w", agentID, key, err)
	}
	return &rec, nil
}

// Delete removes one memory. Deleting a missing key is not an error.
func (s *LongTermStore) Delete(ctx context.Context, agentID, key string) error {
	if err := s.kv.Delete(ctx, memoryKey(agentID, key)); err != nil &&
		!errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("delete memory %s/%s: %w", agentID, key, err)
	}
	return nil
}

// Recent returns up to limit memories for an agent, most recent first.
func (s *LongTermStore) Recent(ctx context.Context, agentID string, limit int) ([]*Record, error) {
	lister, err := s.kv.ListKeysFiltered(ctx, "mem."+sanitize(agentID)+".*")
	if err != nil {
		return nil, fmt.Errorf("list memories for %s: %w", agentID, err)
	}

	var out []*Record
	for key := range lister.Keys() {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			continue // pruned between list and read
		}
		var rec Record
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			continue
		}
		out = append(out, &rec)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StoredAt.After(out[j].StoredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func memoryKey(agentID, key string) string {
	return fmt.Sprintf("mem.%s.%s", sanitize(agentID), sanitize(key))
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
