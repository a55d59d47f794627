package llm

import (
	"sync"
	"time"
)

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before the
	// circuit opens.
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open before a probe
	// request is allowed through.
	RecoveryTimeout time.Duration
}

// DefaultBreakerConfig returns the stock breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
	}
}

// breaker is a per-provider circuit breaker. While open, Allow returns
// false until the recovery timeout passes; the first caller after that
// gets a half-open probe. A success closes the circuit, a failure
// re-opens it.
type breaker struct {
	mu       sync.Mutex
	config   BreakerConfig
	failures int
	open     bool
	openedAt time.Time
	probing  bool
	now      func() time.Time
}

func newBreaker(cfg BreakerConfig) *breaker {
	return &breaker{config: cfg, now: time.Now}
}

// Allow reports whether a request may proceed.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return true
	}
	if b.probing {
		return false
	}
	if b.now().Sub(b.openedAt) >= b.config.RecoveryTimeout {
		b.probing = true
		return true
	}
	return false
}

// Success records a successful call. Returns true if this call closed a
// previously open circuit.
func (b *breaker) Success() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probing = false
	if b.open {
		b.open = false
		return true
	}
	return false
}

// Failure records a failed call. Returns (failures, opened) where opened
// is true if this failure tripped the circuit.
func (b *breaker) Failure() (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.probing = false
	if !b.open && b.failures >= b.config.FailureThreshold {
		b.open = true
		b.openedAt = b.now()
		return b.failures, true
	}
	if b.open {
		// Failed probe: restart the recovery window.
		b.openedAt = b.now()
	}
	return b.failures, false
}
