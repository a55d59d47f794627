package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/agentmesh/event"
)

// scriptProvider is a minimal in-package provider double. The exported
// mock lives in llmtest; it cannot be used here without an import cycle.
type scriptProvider struct {
	mu    sync.Mutex
	name  string
	steps []error
	calls int
}

func (p *scriptProvider) Name() string { return p.name }

func (p *scriptProvider) Complete(context.Context, Request) (*Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.calls
	if idx >= len(p.steps) {
		idx = len(p.steps) - 1
	}
	p.calls++
	if err := p.steps[idx]; err != nil {
		return nil, err
	}
	return &Response{Content: "ok", Model: p.name, FinishReason: "stop"}, nil
}

func (p *scriptProvider) Stream(ctx context.Context, req Request, fn func(string) error) (*Response, error) {
	resp, err := p.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := fn(resp.Content); err != nil {
		return nil, err
	}
	return resp, nil
}

func noSleep(c *Client) { c.sleep = func(context.Context, time.Duration) error { return nil } }

func oneMessage() Request {
	return Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}}
}

func TestCompleteRetriesTransient(t *testing.T) {
	p := &scriptProvider{name: "primary", steps: []error{
		NewTransientError(errors.New("flaky")),
		nil,
	}}
	c := NewClient(p)
	noSleep(c)

	resp, err := c.Complete(context.Background(), oneMessage())
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 2, p.calls)
}

func TestCompleteDoesNotRetryFatal(t *testing.T) {
	p := &scriptProvider{name: "primary", steps: []error{
		NewFatalError(errors.New("bad auth")),
	}}
	c := NewClient(p)
	noSleep(c)

	_, err := c.Complete(context.Background(), oneMessage())
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Equal(t, 1, p.calls)
}

func TestCompleteRequiresMessages(t *testing.T) {
	c := NewClient(&scriptProvider{name: "p", steps: []error{nil}})
	_, err := c.Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

func TestRateLimitDivertsToFallback(t *testing.T) {
	primary := &scriptProvider{name: "primary", steps: []error{
		NewRateLimitError(errors.New("429")),
	}}
	fallback := &scriptProvider{name: "fallback", steps: []error{nil}}
	c := NewClient(primary, WithFallback(fallback))
	noSleep(c)

	resp, err := c.Complete(context.Background(), oneMessage())
	require.NoError(t, err)
	assert.Equal(t, "fallback", resp.Model)
	assert.Equal(t, 1, primary.calls, "rate limit skips remaining primary attempts")
	assert.Equal(t, 1, fallback.calls)
}

func TestCircuitOpensAfterThresholdAndEmits(t *testing.T) {
	p := &scriptProvider{name: "primary", steps: []error{
		NewTransientError(errors.New("down")),
	}}
	store := event.NewMemoryStore()
	c := NewClient(p,
		WithEventSink(event.NewEmitter(store, nil, nil)),
		WithBreakerConfig(BreakerConfig{FailureThreshold: 5, RecoveryTimeout: 30 * time.Second}),
		WithRetryConfig(RetryConfig{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffMultiplier: 1, MaxBackoff: time.Millisecond}),
	)
	noSleep(c)

	// Two exhausted requests accumulate 5 failures and trip the circuit
	// mid-way through the second.
	_, err := c.Complete(context.Background(), oneMessage())
	require.Error(t, err)
	_, err = c.Complete(context.Background(), oneMessage())
	require.Error(t, err)
	assert.Equal(t, 5, p.calls)

	// Third request fails fast without touching the provider.
	_, err = c.Complete(context.Background(), oneMessage())
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 5, p.calls)

	events := store.All()
	require.Len(t, events, 1)
	assert.Equal(t, event.TypeSystemCircuitOpen, events[0].Type)
}

func TestCircuitHalfOpenRecovery(t *testing.T) {
	br := newBreaker(BreakerConfig{FailureThreshold: 2, RecoveryTimeout: 30 * time.Second})
	now := time.Now()
	br.now = func() time.Time { return now }

	br.Failure()
	_, opened := br.Failure()
	require.True(t, opened)
	assert.False(t, br.Allow())

	// After the recovery timeout a single probe is allowed.
	now = now.Add(31 * time.Second)
	assert.True(t, br.Allow())
	assert.False(t, br.Allow(), "only one probe while half-open")

	// Successful probe closes the circuit.
	closed := br.Success()
	assert.True(t, closed)
	assert.True(t, br.Allow())
}

func TestBackoffJitterBounds(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
	for attempt := 1; attempt <= 3; attempt++ {
		base := time.Duration(float64(time.Second) * pow(2.0, attempt-1))
		for i := 0; i < 50; i++ {
			b := cfg.Backoff(attempt)
			assert.GreaterOrEqual(t, b, time.Duration(float64(base)*0.75))
			assert.LessOrEqual(t, b, time.Duration(float64(base)*1.25))
		}
	}
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		fatal     bool
		rateLimit bool
	}{
		{"transient", NewTransientError(errors.New("x")), true, false, false},
		{"fatal", NewFatalError(errors.New("x")), false, true, false},
		{"rate limit", NewRateLimitError(errors.New("x")), true, false, true},
		{"wrapped transient", fmt.Errorf("ctx: %w", NewTransientError(errors.New("x"))), true, false, false},
		{"plain", errors.New("x"), false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransient(tt.err))
			assert.Equal(t, tt.fatal, IsFatal(tt.err))
			assert.Equal(t, tt.rateLimit, IsRateLimit(tt.err))
		})
	}
}
