package memory

import (
	"context"
	"encoding/json"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKVEntry struct {
	key   string
	value []byte
}

func (e *fakeKVEntry) Bucket() string                  { return MemoriesBucket }
func (e *fakeKVEntry) Key() string                     { return e.key }
func (e *fakeKVEntry) Value() []byte                   { return e.value }
func (e *fakeKVEntry) Revision() uint64                { return 1 }
func (e *fakeKVEntry) Created() time.Time              { return time.Now() }
func (e *fakeKVEntry) Delta() uint64                   { return 0 }
func (e *fakeKVEntry) Operation() jetstream.KeyValueOp { return jetstream.KeyValuePut }

type fakeKeyLister struct {
	keys chan string
}

func (l *fakeKeyLister) Keys() <-chan string { return l.keys }
func (l *fakeKeyLister) Stop() error         { return nil }

type fakeKV struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func newFakeKV() *fakeKV {
	return &fakeKV{entries: make(map[string][]byte)}
}

func (kv *fakeKV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.entries[key] = value
	return 1, nil
}

func (kv *fakeKV) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	value, ok := kv.entries[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return &fakeKVEntry{key: key, value: value}, nil
}

func (kv *fakeKV) Delete(_ context.Context, key string, _ ...jetstream.KVDeleteOpt) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if _, ok := kv.entries[key]; !ok {
		return jetstream.ErrKeyNotFound
	}
	delete(kv.entries, key)
	return nil
}

func (kv *fakeKV) ListKeysFiltered(_ context.Context, filters ...string) (jetstream.KeyLister, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	ch := make(chan string, len(kv.entries))
	for key := range kv.entries {
		for _, filter := range filters {
			if ok, _ := path.Match(filter, key); ok {
				ch <- key
				break
			}
		}
	}
	close(ch)
	return &fakeKeyLister{keys: ch}, nil
}

func TestLongTermPutGetRoundTrip(t *testing.T) {
	store := &LongTermStore{kv: newFakeKV()}
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "agent-1", "preferences", map[string]any{"tone": "terse"}))

	rec, err := store.Get(ctx, "agent-1", "preferences")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", rec.AgentID)
	assert.Equal(t, "preferences", rec.Key)
	assert.Equal(t, map[string]any{"tone": "terse"}, rec.Value)
	assert.False(t, rec.StoredAt.IsZero())
}

func TestLongTermGetMissing(t *testing.T) {
	store := &LongTermStore{kv: newFakeKV()}

	_, err := store.Get(context.Background(), "agent-1", "nope")
	assert.ErrorIs(t, err, ErrMemoryNotFound)
}

func TestLongTermDeleteIsIdempotent(t *testing.T) {
	store := &LongTermStore{kv: newFakeKV()}
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "agent-1", "k", map[string]any{"v": 1.0}))
	require.NoError(t, store.Delete(ctx, "agent-1", "k"))
	require.NoError(t, store.Delete(ctx, "agent-1", "k"))

	_, err := store.Get(ctx, "agent-1", "k")
	assert.ErrorIs(t, err, ErrMemoryNotFound)
}

func TestLongTermRecentOrdersByRecency(t *testing.T) {
	kv := newFakeKV()
	store := &LongTermStore{kv: kv}
	ctx := context.Background()

	// Distinct StoredAt stamps; Put stamps time.Now, so write them with
	// explicit records instead.
	for i, key := range []string{"oldest", "middle", "newest"} {
		rec := Record{
			AgentID:  "agent-1",
			Key:      key,
			Value:    map[string]any{"n": float64(i)},
			StoredAt: time.Date(2026, 8, 1, i, 0, 0, 0, time.UTC),
		}
		data, err := json.Marshal(rec)
		require.NoError(t, err)
		_, err = kv.Put(ctx, memoryKey("agent-1", key), data)
		require.NoError(t, err)
	}
	// Another agent's memory must not leak into the scan.
	require.NoError(t, store.Put(ctx, "agent-2", "other", map[string]any{}))

	recs, err := store.Recent(ctx, "agent-1", 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "newest", recs[0].Key)
	assert.Equal(t, "oldest", recs[2].Key)

	limited, err := store.Recent(ctx, "agent-1", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "newest", limited[0].Key)
	assert.Equal(t, "middle", limited[1].Key)
}

func TestMemoryKeySanitizes(t *testing.T) {
	assert.Equal(t, "mem.agent_1.some_key", memoryKey("agent/1", "some key"))
}
