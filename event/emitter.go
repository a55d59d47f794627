package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Sink receives domain events. Components emit every state transition
// through a Sink; the concrete implementation decides where they go.
type Sink interface {
	Emit(ctx context.Context, e *Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, e *Event) error

// Emit implements Sink.
func (f SinkFunc) Emit(ctx context.Context, e *Event) error { return f(ctx, e) }

// Discard is a Sink that drops every event. Useful in tests.
var Discard = SinkFunc(func(context.Context, *Event) error { return nil })

// Publisher is the slice of the messaging fabric the emitter needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Emitter appends events to the durable store and fans them out on the
// fabric. Append failures propagate (a version conflict is an invariant
// breach); publish failures are logged but do not fail the transition,
// since the store remains the source of truth.
type Emitter struct {
	store  Store
	pub    Publisher
	logger *slog.Logger
}

// NewEmitter creates an emitter. Either store or pub may be nil to skip
// that leg.
func NewEmitter(store Store, pub Publisher, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{store: store, pub: pub, logger: logger}
}

// Emit implements Sink.
func (em *Emitter) Emit(ctx context.Context, e *Event) error {
	if em.store != nil {
		if err := em.store.Append(ctx, e); err != nil {
			return fmt.Errorf("append %s for %s: %w", e.Type, e.AggregateID, err)
		}
	}

	if em.pub == nil {
		return nil
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", e.Type, err)
	}

	if err := em.pub.Publish(ctx, e.Subject(), data); err != nil {
		em.logger.Warn("Failed to publish event",
			"event_type", e.Type,
			"aggregate_id", e.AggregateID,
			"subject", e.Subject(),
			"error", err)
	}

	return nil
}
