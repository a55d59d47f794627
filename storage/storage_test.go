package storage

import (
	"fmt"
	"regexp"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
)

func TestDedupeKeyIsValidKVKey(t *testing.T) {
	// Idempotency keys are caller-supplied free text; the KV key must
	// come out of the hash as plain hex regardless.
	hostile := []string{
		"order 42",
		"tenant:alpha/submit",
		"ключ",
		"",
	}
	hex := regexp.MustCompile(`^[0-9a-f]{64}$`)
	for _, key := range hostile {
		assert.Regexp(t, hex, dedupeKey(key), "key %q", key)
	}
}

func TestDedupeKeyStableAndDistinct(t *testing.T) {
	assert.Equal(t, dedupeKey("order-42"), dedupeKey("order-42"))
	assert.NotEqual(t, dedupeKey("order-42"), dedupeKey("order-43"))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(jetstream.ErrKeyNotFound))
	assert.True(t, isNotFound(fmt.Errorf("get: %w", jetstream.ErrKeyNotFound)))
	assert.False(t, isNotFound(fmt.Errorf("connection reset")))
	assert.False(t, isNotFound(nil))
}
