package event

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrVersionConflict indicates an append would duplicate an
// (aggregate_id, version) pair. This is an invariant breach: the caller is
// expected to treat it as fatal rather than retry.
var ErrVersionConflict = errors.New("event version conflict")

// Store is an append-only domain-event log. Appends are serialised per
// aggregate so versions stay strictly monotonic; appends across aggregates
// may run concurrently.
type Store interface {
	// Append persists the event. A zero Version is assigned the next
	// version for the aggregate; a non-zero Version must be exactly one
	// past the current head or ErrVersionConflict is returned.
	Append(ctx context.Context, e *Event) error

	// ByAggregate returns the events for one aggregate with
	// Version > afterVersion, in increasing version order.
	ByAggregate(ctx context.Context, aggregateID string, afterVersion int64) ([]*Event, error)

	// ByCorrelation returns all events sharing a correlation id, ordered
	// by timestamp.
	ByCorrelation(ctx context.Context, correlationID string) ([]*Event, error)
}

// MemoryStore is an in-process Store used by tests and single-process runs.
type MemoryStore struct {
	mu     sync.Mutex
	events []*Event
	heads  map[string]int64
}

// NewMemoryStore creates an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{heads: make(map[string]int64)}
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	head := s.heads[e.AggregateID]
	switch {
	case e.Version == 0:
		e.Version = head + 1
	case e.Version != head+1:
		return fmt.Errorf("aggregate %s at version %d, appending %d: %w",
			e.AggregateID, head, e.Version, ErrVersionConflict)
	}

	s.heads[e.AggregateID] = e.Version
	s.events = append(s.events, e)
	return nil
}

// ByAggregate implements Store.
func (s *MemoryStore) ByAggregate(_ context.Context, aggregateID string, afterVersion int64) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Event
	for _, e := range s.events {
		if e.AggregateID == aggregateID && e.Version > afterVersion {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// ByCorrelation implements Store.
func (s *MemoryStore) ByCorrelation(_ context.Context, correlationID string) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Event
	for _, e := range s.events {
		if e.CorrelationID == correlationID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// All returns every stored event in append order. Test helper.
func (s *MemoryStore) All() []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Event, len(s.events))
	copy(out, s.events)
	return out
}
