package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/agentmesh/event"
)

// Client wraps providers with retry, backoff, a per-provider circuit
// breaker, and an optional fallback provider used on rate limits and
// open circuits.
type Client struct {
	primary  Provider
	fallback Provider

	retryConfig   RetryConfig
	breakerConfig BreakerConfig
	breakers      map[string]*breaker
	events        event.Sink
	logger        *slog.Logger
	sleep         func(context.Context, time.Duration) error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(c *Client) {
		c.retryConfig = cfg
	}
}

// WithBreakerConfig sets the circuit breaker configuration.
func WithBreakerConfig(cfg BreakerConfig) ClientOption {
	return func(c *Client) {
		c.breakerConfig = cfg
	}
}

// WithFallback sets the provider tried when the primary is rate-limited
// or its circuit is open.
func WithFallback(p Provider) ClientOption {
	return func(c *Client) {
		c.fallback = p
	}
}

// WithEventSink routes circuit open/close events to the sink.
func WithEventSink(sink event.Sink) ClientOption {
	return func(c *Client) {
		if sink != nil {
			c.events = sink
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a client around the primary provider.
func NewClient(primary Provider, opts ...ClientOption) *Client {
	c := &Client{
		primary:       primary,
		retryConfig:   DefaultRetryConfig(),
		breakerConfig: DefaultBreakerConfig(),
		breakers:      make(map[string]*breaker),
		events:        event.Discard,
		logger:        slog.Default(),
		sleep:         sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breakers[primary.Name()] = newBreaker(c.breakerConfig)
	if c.fallback != nil {
		c.breakers[c.fallback.Name()] = newBreaker(c.breakerConfig)
	}
	return c
}

// Complete sends a completion request through the primary provider,
// retrying transient failures and falling back when configured.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, NewFatalError(fmt.Errorf("at least one message is required"))
	}

	resp, err := c.tryProvider(ctx, c.primary, req)
	if err == nil {
		return resp, nil
	}
	if IsFatal(err) || c.fallback == nil {
		return nil, err
	}
	// Rate limits, exhausted retries, and open circuits all divert to
	// the fallback when one is configured.
	c.logger.Warn("Primary provider failed, trying fallback",
		"primary", c.primary.Name(),
		"fallback", c.fallback.Name(),
		"error", err)

	resp, fbErr := c.tryProvider(ctx, c.fallback, req)
	if fbErr != nil {
		return nil, fmt.Errorf("all providers failed: %w", err)
	}
	return resp, nil
}

// Stream streams a completion through the primary provider only; stream
// consumers handle fallback themselves if they need it.
func (c *Client) Stream(ctx context.Context, req Request, fn func(chunk string) error) (*Response, error) {
	br := c.breakers[c.primary.Name()]
	if !br.Allow() {
		return nil, fmt.Errorf("provider %s: %w", c.primary.Name(), ErrCircuitOpen)
	}
	resp, err := c.primary.Stream(ctx, req, fn)
	c.settle(ctx, c.primary.Name(), br, err)
	if err != nil {
		return nil, fmt.Errorf("stream via %s: %w", c.primary.Name(), err)
	}
	return resp, nil
}

// tryProvider runs the retry loop against one provider.
func (c *Client) tryProvider(ctx context.Context, p Provider, req Request) (*Response, error) {
	br := c.breakers[p.Name()]
	var lastErr error

	for attempt := 1; attempt <= c.retryConfig.MaxAttempts; attempt++ {
		if !br.Allow() {
			return nil, fmt.Errorf("provider %s: %w", p.Name(), ErrCircuitOpen)
		}

		start := time.Now()
		resp, err := p.Complete(ctx, req)
		if err == nil {
			c.settle(ctx, p.Name(), br, nil)
			if resp.LatencyMS == 0 {
				resp.LatencyMS = time.Since(start).Milliseconds()
			}
			return resp, nil
		}

		lastErr = err
		c.settle(ctx, p.Name(), br, err)

		if IsFatal(err) {
			return nil, err
		}
		if IsRateLimit(err) && c.fallback != nil && p == c.primary {
			// Let Complete divert to the fallback instead of burning
			// the remaining attempts against a throttled provider.
			return nil, err
		}
		if attempt < c.retryConfig.MaxAttempts {
			backoff := c.retryConfig.Backoff(attempt)
			c.logger.Debug("LLM request failed, retrying",
				"provider", p.Name(),
				"attempt", attempt,
				"max_attempts", c.retryConfig.MaxAttempts,
				"backoff", backoff,
				"error", err)
			if err := c.sleep(ctx, backoff); err != nil {
				return nil, err
			}
		}
	}

	return nil, fmt.Errorf("provider %s exhausted %d attempts: %w",
		p.Name(), c.retryConfig.MaxAttempts, lastErr)
}

// settle updates the provider's breaker and emits circuit transitions.
func (c *Client) settle(ctx context.Context, provider string, br *breaker, callErr error) {
	if callErr == nil {
		if br.Success() {
			c.logger.Info("Circuit closed", "provider", provider)
			if err := c.events.Emit(ctx, event.CircuitClosed(provider)); err != nil {
				c.logger.Warn("Failed to emit circuit event", "provider", provider, "error", err)
			}
		}
		return
	}
	failures, opened := br.Failure()
	if opened {
		c.logger.Warn("Circuit opened", "provider", provider, "failures", failures)
		if err := c.events.Emit(ctx, event.CircuitOpened(provider, failures)); err != nil {
			c.logger.Warn("Failed to emit circuit event", "provider", provider, "error", err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
