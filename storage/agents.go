package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/agentmesh/agent"
)

// AgentStore persists agent definitions.
type AgentStore struct {
	kv jetstream.KeyValue
}

// NewAgentStore opens (or creates) the agents bucket.
func NewAgentStore(ctx context.Context, js jetstream.JetStream) (*AgentStore, error) {
	kv, err := getOrCreateBucket(ctx, js, BucketAgents)
	if err != nil {
		return nil, fmt.Errorf("open agents bucket: %w", err)
	}
	return &AgentStore{kv: kv}, nil
}

// PutDefinition validates and stores a definition, stamping UpdatedAt.
func (s *AgentStore) PutDefinition(ctx context.Context, def *agent.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	def.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	if _, err := s.kv.Put(ctx, def.ID, data); err != nil {
		return fmt.Errorf("store definition %s: %w", def.ID, err)
	}
	return nil
}

// GetDefinition retrieves a definition by id.
func (s *AgentStore) GetDefinition(ctx context.Context, id string) (*agent.Definition, error) {
	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, agent.ErrNotFound
		}
		return nil, fmt.Errorf("get definition %s: %w", id, err)
	}
	var def agent.Definition
	if err := json.Unmarshal(entry.Value(), &def); err != nil {
		return nil, fmt.Errorf("unmarshal definition %s: %w", id, err)
	}
	return &def, nil
}

// ListDefinitions returns every stored definition.
func (s *AgentStore) ListDefinitions(ctx context.Context) ([]*agent.Definition, error) {
	values, err := listValues(ctx, s.kv)
	if err != nil {
		return nil, err
	}
	defs := make([]*agent.Definition, 0, len(values))
	for _, v := range values {
		var def agent.Definition
		if err := json.Unmarshal(v, &def); err != nil {
			continue
		}
		defs = append(defs, &def)
	}
	return defs, nil
}
