package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes messages and waits for the broker to confirm them.
// Each publish is attempted once.
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets the confirmation timeout
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends msg to exchange with routingKey and blocks until the broker
// acks it, the confirm timeout expires or ctx is done.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if err := p.publish(ctx, exchange, routingKey, msg); err != nil {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
	}
	p.logger.Debug("broker confirmed", "exchange", exchange, "routing_key", routingKey, "message_id", msg.MessageId)
	return nil
}

func (p *Publisher) publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	ch, err := p.pool.Get(ctx)
	if err != nil {
		return err
	}

	acked, err := p.confirmed(ctx, ch, exchange, routingKey, msg)
	if err != nil {
		// The channel may still receive a late confirm, so it is not reused.
		p.pool.Discard(ch)
		return err
	}
	p.pool.Put(ch)

	if !acked {
		return ErrPublishNotConfirmed
	}
	return nil
}

// confirmed publishes on ch in confirm mode and reports the broker's answer.
func (p *Publisher) confirmed(ctx context.Context, ch *PooledChannel, exchange, routingKey string, msg amqp.Publishing) (bool, error) {
	if !ch.confirming {
		if err := ch.Confirm(false); err != nil {
			return false, fmt.Errorf("failed to enable confirms: %w", err)
		}
		ch.confirming = true
	}

	ctx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
	if err != nil {
		return false, err
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return false, fmt.Errorf("waiting for confirm: %w", err)
	}
	return acked, nil
}
