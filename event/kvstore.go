package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
)

// EventsBucket is the KV bucket holding the durable event log.
const EventsBucket = "AGENTMESH_EVENTS"

// headRetries bounds the optimistic-revision loop when two writers race on
// the same aggregate's head counter.
const headRetries = 10

// KVStore is a Store backed by a NATS JetStream key-value bucket.
//
// Layout: `head.<aggregate>` holds the current version as a decimal string,
// updated with compare-and-set on the KV revision; `evt.<aggregate>.<version>`
// holds the event body and is written with Create so duplicate versions fail
// hard. Correlation lookups use `cor.<correlation>.<event>` pointer keys.
type KVStore struct {
	kv jetstream.KeyValue
}

// NewKVStore binds the store to its bucket, creating it if missing.
func NewKVStore(ctx context.Context, js jetstream.JetStream) (*KVStore, error) {
	kv, err := js.KeyValue(ctx, EventsBucket)
	if err != nil {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      EventsBucket,
			Description: "Agentmesh append-only event log",
			History:     1,
		})
		if err != nil {
			return nil, fmt.Errorf("create events bucket: %w", err)
		}
	}
	return &KVStore{kv: kv}, nil
}

// Append implements Store.
func (s *KVStore) Append(ctx context.Context, e *Event) error {
	version, err := s.reserveVersion(ctx, e.AggregateID, e.Version)
	if err != nil {
		return err
	}
	e.Version = version

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	key := eventKey(e.AggregateID, e.Version)
	if _, err := s.kv.Create(ctx, key, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("aggregate %s version %d already written: %w",
				e.AggregateID, e.Version, ErrVersionConflict)
		}
		return fmt.Errorf("store event: %w", err)
	}

	if e.CorrelationID != "" {
		corKey := fmt.Sprintf("cor.%s.%s", sanitizeKey(e.CorrelationID), e.ID)
		if _, err := s.kv.Put(ctx, corKey, []byte(key)); err != nil {
			return fmt.Errorf("store correlation pointer: %w", err)
		}
	}

	return nil
}

// reserveVersion advances the per-aggregate head counter with optimistic
// concurrency on the KV revision.
func (s *KVStore) reserveVersion(ctx context.Context, aggregateID string, requested int64) (int64, error) {
	headKey := "head." + sanitizeKey(aggregateID)

	for attempt := 0; attempt < headRetries; attempt++ {
		entry, err := s.kv.Get(ctx, headKey)
		if err != nil {
			if !errors.Is(err, jetstream.ErrKeyNotFound) {
				return 0, fmt.Errorf("read head: %w", err)
			}
			// First event for this aggregate.
			next := int64(1)
			if requested != 0 && requested != next {
				return 0, fmt.Errorf("aggregate %s empty, appending %d: %w",
					aggregateID, requested, ErrVersionConflict)
			}
			if _, err := s.kv.Create(ctx, headKey, []byte("1")); err != nil {
				if errors.Is(err, jetstream.ErrKeyExists) {
					continue // lost the race, re-read
				}
				return 0, fmt.Errorf("create head: %w", err)
			}
			return next, nil
		}

		head, err := strconv.ParseInt(string(entry.Value()), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("corrupt head for %s: %w", aggregateID, err)
		}
		next := head + 1
		if requested != 0 && requested != next {
			return 0, fmt.Errorf("aggregate %s at version %d, appending %d: %w",
				aggregateID, head, requested, ErrVersionConflict)
		}
		if _, err := s.kv.Update(ctx, headKey, []byte(strconv.FormatInt(next, 10)), entry.Revision()); err != nil {
			continue // concurrent writer advanced the head, re-read
		}
		return next, nil
	}

	return 0, fmt.Errorf("reserve version for %s: too many conflicts", aggregateID)
}

// ByAggregate implements Store.
func (s *KVStore) ByAggregate(ctx context.Context, aggregateID string, afterVersion int64) ([]*Event, error) {
	headKey := "head." + sanitizeKey(aggregateID)
	entry, err := s.kv.Get(ctx, headKey)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("read head: %w", err)
	}
	head, err := strconv.ParseInt(string(entry.Value()), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt head for %s: %w", aggregateID, err)
	}

	out := make([]*Event, 0, head-afterVersion)
	for v := afterVersion + 1; v <= head; v++ {
		e, err := s.getEvent(ctx, eventKey(aggregateID, v))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// ByCorrelation implements Store.
func (s *KVStore) ByCorrelation(ctx context.Context, correlationID string) ([]*Event, error) {
	lister, err := s.kv.ListKeysFiltered(ctx, "cor."+sanitizeKey(correlationID)+".*")
	if err != nil {
		return nil, fmt.Errorf("list correlation keys: %w", err)
	}

	var out []*Event
	for key := range lister.Keys() {
		ptr, err := s.kv.Get(ctx, key)
		if err != nil {
			continue // pointer pruned between list and read
		}
		e, err := s.getEvent(ctx, string(ptr.Value()))
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *KVStore) getEvent(ctx context.Context, key string) (*Event, error) {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", key, err)
	}
	var e Event
	if err := json.Unmarshal(entry.Value(), &e); err != nil {
		return nil, fmt.Errorf("unmarshal event %s: %w", key, err)
	}
	return &e, nil
}

func eventKey(aggregateID string, version int64) string {
	// Zero-padded so lexical key order matches version order.
	return fmt.Sprintf("evt.%s.%012d", sanitizeKey(aggregateID), version)
}

// sanitizeKey maps an aggregate id to the KV key alphabet.
func sanitizeKey(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
