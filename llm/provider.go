package llm

import "context"

// Provider is the abstract completion backend. Implementations classify
// their failures with NewTransientError, NewRateLimitError, or
// NewFatalError so the client layer can decide retry and fallback.
type Provider interface {
	// Name identifies the provider in logs and circuit events.
	Name() string

	// Complete performs one completion round trip.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Stream performs a completion, delivering incremental text chunks
	// to fn as they arrive. The final Response carries the assembled
	// content and usage.
	Stream(ctx context.Context, req Request, fn func(chunk string) error) (*Response, error)
}
