package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/agentmesh/agent"
)

// InstanceStore persists agent instance records with optimistic
// versioning: Get remembers the revision it read and Put refuses to
// clobber a record somebody else updated since. The worker that owns an
// instance and the supervisor both write here.
type InstanceStore struct {
	kv jetstream.KeyValue

	mu        sync.Mutex
	revisions map[string]uint64
}

// NewInstanceStore opens (or creates) the instances bucket.
func NewInstanceStore(ctx context.Context, js jetstream.JetStream) (*InstanceStore, error) {
	kv, err := getOrCreateBucket(ctx, js, BucketInstances)
	if err != nil {
		return nil, fmt.Errorf("open instances bucket: %w", err)
	}
	return &InstanceStore{kv: kv, revisions: make(map[string]uint64)}, nil
}

// Get retrieves an instance by id.
func (s *InstanceStore) Get(ctx context.Context, id string) (*agent.Instance, error) {
	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, agent.ErrNotFound
		}
		return nil, fmt.Errorf("get instance %s: %w", id, err)
	}
	var in agent.Instance
	if err := json.Unmarshal(entry.Value(), &in); err != nil {
		return nil, fmt.Errorf("unmarshal instance %s: %w", id, err)
	}
	s.remember(id, entry.Revision())
	return &in, nil
}

// Put writes an instance. A record never read through this store is
// created; a known record is updated against the revision last read,
// and a conflict error means the caller should re-read and retry.
func (s *InstanceStore) Put(ctx context.Context, in *agent.Instance) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal instance: %w", err)
	}

	s.mu.Lock()
	rev, known := s.revisions[in.ID]
	s.mu.Unlock()

	if !known {
		newRev, err := s.kv.Create(ctx, in.ID, data)
		if err == nil {
			s.remember(in.ID, newRev)
			return nil
		}
		if !errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("create instance %s: %w", in.ID, err)
		}
		entry, err := s.kv.Get(ctx, in.ID)
		if err != nil {
			return fmt.Errorf("get instance %s: %w", in.ID, err)
		}
		rev = entry.Revision()
	}

	newRev, err := s.kv.Update(ctx, in.ID, data, rev)
	if err != nil {
		s.forget(in.ID)
		return fmt.Errorf("instance %s modified concurrently: %w", in.ID, err)
	}
	s.remember(in.ID, newRev)
	return nil
}

// List returns every stored instance.
func (s *InstanceStore) List(ctx context.Context) ([]*agent.Instance, error) {
	values, err := listValues(ctx, s.kv)
	if err != nil {
		return nil, err
	}
	instances := make([]*agent.Instance, 0, len(values))
	for _, v := range values {
		var in agent.Instance
		if err := json.Unmarshal(v, &in); err != nil {
			continue
		}
		instances = append(instances, &in)
	}
	return instances, nil
}

// Delete removes a terminated instance record.
func (s *InstanceStore) Delete(ctx context.Context, id string) error {
	if err := s.kv.Delete(ctx, id); err != nil && !isNotFound(err) {
		return fmt.Errorf("delete instance %s: %w", id, err)
	}
	s.forget(id)
	return nil
}

func (s *InstanceStore) remember(id string, rev uint64) {
	s.mu.Lock()
	s.revisions[id] = rev
	s.mu.Unlock()
}

func (s *InstanceStore) forget(id string) {
	s.mu.Lock()
	delete(s.revisions, id)
	s.mu.Unlock()
}
