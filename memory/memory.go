// Package memory holds agent conversation memory: a bounded short-term
// window per (agent, task) and an optional KV-backed long-term store.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/c360studio/agentmesh/llm"
)

// Store is the short-term conversation memory contract. Keys are
// (agentID, taskID) pairs; a single runtime owns one key at a time.
type Store interface {
	// Add appends a message. The window is bounded: once full, the
	// oldest message is dropped.
	Add(ctx context.Context, agentID, taskID string, msg llm.Message) error

	// Get returns up to limit most recent messages in insertion order.
	// limit <= 0 means all retained messages.
	Get(ctx context.Context, agentID, taskID string, limit int) ([]llm.Message, error)

	// Window returns the context window: the most recent max messages
	// in insertion order.
	Window(ctx context.Context, agentID, taskID string, max int) ([]llm.Message, error)

	// Clear drops all messages for the key.
	Clear(ctx context.Context, agentID, taskID string) error
}

// InMemoryStore is a mutex-guarded Store bounded to maxMessages per key.
type InMemoryStore struct {
	mu          sync.Mutex
	maxMessages int
	entries     map[memKey][]llm.Message
}

type memKey struct {
	agentID string
	taskID  string
}

// NewInMemoryStore creates a store retaining at most maxMessages per
// (agent, task) key.
func NewInMemoryStore(maxMessages int) *InMemoryStore {
	if maxMessages <= 0 {
		maxMessages = 50
	}
	return &InMemoryStore{
		maxMessages: maxMessages,
		entries:     make(map[memKey][]llm.Message),
	}
}

// Add implements Store.
func (s *InMemoryStore) Add(_ context.Context, agentID, taskID string, msg llm.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	key := memKey{agentID, taskID}
	msgs := append(s.entries[key], msg)
	if len(msgs) > s.maxMessages {
		msgs = msgs[len(msgs)-s.maxMessages:]
	}
	s.entries[key] = msgs
	return nil
}

// Get implements Store.
func (s *InMemoryStore) Get(_ context.Context, agentID, taskID string, limit int) ([]llm.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return tail(s.entries[memKey{agentID, taskID}], limit), nil
}

// Window implements Store.
func (s *InMemoryStore) Window(_ context.Context, agentID, taskID string, max int) ([]llm.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return tail(s.entries[memKey{agentID, taskID}], max), nil
}

// Clear implements Store.
func (s *InMemoryStore) Clear(_ context.Context, agentID, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, memKey{agentID, taskID})
	return nil
}

// tail copies the last n messages (all when n <= 0).
func tail(msgs []llm.Message, n int) []llm.Message {
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]llm.Message, len(msgs))
	copy(out, msgs)
	return out
}
