package fabric

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Client wraps a NATS connection and its JetStream context. It owns stream
// provisioning and gives the rest of the system a narrow publish/subscribe
// surface so components never hold raw connections.
type Client struct {
	name   string
	url    string
	logger *slog.Logger

	nc *nats.Conn
	js jetstream.JetStream
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithName sets the connection name shown in NATS monitoring.
func WithName(name string) Option {
	return func(c *Client) { c.name = name }
}

// Connect dials the NATS server and initialises JetStream.
func Connect(url string, opts ...Option) (*Client, error) {
	c := &Client{
		name:   "agentmesh",
		url:    url,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	nc, err := nats.Connect(url,
		nats.Name(c.name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("initialize JetStream: %w", err)
	}

	c.nc = nc
	c.js = js
	return c, nil
}

// Close drains and closes the underlying connection.
func (c *Client) Close() {
	if c.nc == nil {
		return
	}
	if err := c.nc.Drain(); err != nil {
		c.logger.Warn("Failed to drain NATS connection", "error", err)
		c.nc.Close()
	}
}

// JetStream exposes the JetStream context for KV bucket access.
func (c *Client) JetStream() jetstream.JetStream {
	return c.js
}

// EnsureStreams creates or updates every core stream. Safe to call from
// multiple processes on startup.
func (c *Client) EnsureStreams(ctx context.Context) error {
	for _, cfg := range StreamConfigs() {
		if _, err := c.js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
		}
		c.logger.Debug("Stream ready", "stream", cfg.Name, "max_age", cfg.MaxAge)
	}
	return nil
}

// Publish writes a message to a JetStream subject and waits for the
// server ack.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	if _, err := c.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// PublishCore sends a plain NATS message with no persistence. Used for
// request/reply side channels.
func (c *Client) PublishCore(subject string, data []byte) error {
	if err := c.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Request performs a core NATS request/reply round trip.
func (c *Client) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", subject, err)
	}
	return msg.Data, nil
}

// Message is one delivered JetStream message. Handlers must settle it with
// exactly one of Ack, Nak, or Term.
type Message interface {
	Subject() string
	Data() []byte
	// Ack marks the message processed.
	Ack() error
	// Nak requests redelivery after the given delay (zero for immediate).
	Nak(delay time.Duration) error
	// Term drops the message without redelivery.
	Term() error
}

type jsMessage struct {
	msg jetstream.Msg
}

func (m *jsMessage) Subject() string { return m.msg.Subject() }
func (m *jsMessage) Data() []byte    { return m.msg.Data() }
func (m *jsMessage) Ack() error      { return m.msg.Ack() }
func (m *jsMessage) Term() error     { return m.msg.Term() }

func (m *jsMessage) Nak(delay time.Duration) error {
	if delay <= 0 {
		return m.msg.Nak()
	}
	return m.msg.NakWithDelay(delay)
}

// Handler processes one message. Returning an error naks the message for
// redelivery; returning nil acks it. Handlers that need finer control
// settle the message themselves and return ErrHandled.
type Handler func(ctx context.Context, msg Message) error

// ErrHandled tells the consumer loop the handler already settled the
// message.
var ErrHandled = fmt.Errorf("message settled by handler")

// SubscribeConfig describes a durable consumer.
type SubscribeConfig struct {
	// Stream the consumer is bound to.
	Stream string
	// Durable consumer name. Consumers sharing a durable name form a
	// queue group: each message is delivered to exactly one member.
	Durable string
	// FilterSubject restricts delivery to matching subjects. Empty means
	// the whole stream.
	FilterSubject string
	// AckWait overrides DefaultAckWait when positive.
	AckWait time.Duration
	// MaxDeliver overrides DefaultMaxDeliver when positive.
	MaxDeliver int
}

// Subscription is a running consumer.
type Subscription struct {
	consume jetstream.ConsumeContext
}

// Stop halts delivery and releases the consumer.
func (s *Subscription) Stop() {
	if s.consume != nil {
		s.consume.Stop()
	}
}

// Subscribe attaches a durable consumer to a stream and feeds deliveries to
// the handler. The handler runs on the consumer's dispatch goroutine; slow
// handlers should hand off internally.
func (c *Client) Subscribe(ctx context.Context, cfg SubscribeConfig, handler Handler) (*Subscription, error) {
	ackWait := cfg.AckWait
	if ackWait <= 0 {
		ackWait = DefaultAckWait
	}
	maxDeliver := cfg.MaxDeliver
	if maxDeliver <= 0 {
		maxDeliver = DefaultMaxDeliver
	}

	consumer, err := c.js.CreateOrUpdateConsumer(ctx, cfg.Stream, jetstream.ConsumerConfig{
		Durable:       cfg.Durable,
		FilterSubject: cfg.FilterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxDeliver:    maxDeliver,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s on %s: %w", cfg.Durable, cfg.Stream, err)
	}

	consume, err := consumer.Consume(func(msg jetstream.Msg) {
		wrapped := &jsMessage{msg: msg}
		if err := handler(ctx, wrapped); err != nil {
			if err == ErrHandled {
				return
			}
			c.logger.Warn("Handler failed, requesting redelivery",
				"subject", msg.Subject(),
				"durable", cfg.Durable,
				"error", err)
			if nakErr := wrapped.Nak(0); nakErr != nil {
				c.logger.Error("Failed to nak message", "subject", msg.Subject(), "error", nakErr)
			}
			return
		}
		if ackErr := wrapped.Ack(); ackErr != nil {
			c.logger.Error("Failed to ack message", "subject", msg.Subject(), "error", ackErr)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("start consumer %s: %w", cfg.Durable, err)
	}

	return &Subscription{consume: consume}, nil
}

// KeyValue opens (or creates) a KV bucket.
func (c *Client) KeyValue(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	kv, err := c.js.KeyValue(ctx, cfg.Bucket)
	if err == nil {
		return kv, nil
	}
	kv, err = c.js.CreateKeyValue(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
	}
	return kv, nil
}
