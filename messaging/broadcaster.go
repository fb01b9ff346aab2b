package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coreos/fedmsg-go/contracts"
)

// Broadcaster publishes one-way events. No response is expected.
type Broadcaster struct {
	publisher TransportPublisher
	factory   *EnvelopeFactory
	logger    *slog.Logger
	metrics   MetricsCollector
}

// BroadcasterOption configures the Broadcaster
type BroadcasterOption func(*Broadcaster)

// WithBroadcasterLogger sets the logger
func WithBroadcasterLogger(logger *slog.Logger) BroadcasterOption {
	return func(b *Broadcaster) {
		b.logger = logger
	}
}

// WithBroadcasterMetrics sets the metrics collector
func WithBroadcasterMetrics(metrics MetricsCollector) BroadcasterOption {
	return func(b *Broadcaster) {
		b.metrics = metrics
	}
}

// NewBroadcaster creates a broadcaster on top of publisher.
func NewBroadcaster(publisher TransportPublisher, factory *EnvelopeFactory, opts ...BroadcasterOption) (*Broadcaster, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	if factory == nil {
		factory = NewEnvelopeFactory()
	}

	b := &Broadcaster{
		publisher: publisher,
		factory:   factory,
		logger:    slog.Default(),
		metrics:   &NoOpMetricsCollector{},
	}
	for _, opt := range opts {
		opt(b)
	}

	return b, nil
}

// Broadcast validates and publishes a single event. It returns a
// *contracts.SerializationError for invalid input, in which case nothing
// was published, or a *contracts.TransportError if the bus rejected it.
func (b *Broadcaster) Broadcast(ctx context.Context, broadcastType string, env contracts.Environment, body map[string]interface{}, extraKeys map[string]string) error {
	msg, err := b.factory.NewBroadcast(broadcastType, env, body, extraKeys)
	if err != nil {
		b.metrics.RecordError("broadcaster", ErrorType(err))
		return err
	}

	start := time.Now()
	err = b.publisher.Publish(ctx, msg.Topic, msg.Body, msg.Headers)
	b.metrics.RecordPublish(msg.Topic, time.Since(start), err == nil)
	if err != nil {
		b.logger.Error("broadcast failed", "topic", msg.Topic, "error", err)
		return &contracts.TransportError{Op: "publish", Topic: msg.Topic, Err: err}
	}

	b.logger.Info("broadcast sent", "topic", msg.Topic, "broadcastType", broadcastType)
	return nil
}
