package rabbitmq

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Subscription is a server-named, exclusive, auto-delete queue bound to an
// exchange with a topic pattern. The queue and its binding exist before
// Subscribe returns, so nothing published afterwards is missed.
type Subscription struct {
	ch          *amqp.Channel
	queue       string
	consumerTag string
	deliveries  <-chan amqp.Delivery
	logger      *slog.Logger
	closeOnce   sync.Once
	closeErr    error
}

// SubscriptionOption configures a subscription
type SubscriptionOption func(*subscriptionConfig)

type subscriptionConfig struct {
	prefetch int
	logger   *slog.Logger
}

// WithPrefetch sets the channel QoS prefetch count
func WithPrefetch(count int) SubscriptionOption {
	return func(c *subscriptionConfig) {
		c.prefetch = count
	}
}

// WithSubscriptionLogger sets the logger
func WithSubscriptionLogger(logger *slog.Logger) SubscriptionOption {
	return func(c *subscriptionConfig) {
		c.logger = logger
	}
}

// Subscribe opens a dedicated channel and starts consuming everything
// published to exchange that matches pattern. Messages are auto-acked.
func Subscribe(ctx context.Context, manager *ConnectionManager, exchange, pattern string, opts ...SubscriptionOption) (*Subscription, error) {
	cfg := subscriptionConfig{prefetch: 32, logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := ctx.Err(); err != nil {
		return nil, &SubscribeError{Exchange: exchange, Pattern: pattern, Op: "open", Err: err}
	}

	conn, err := manager.GetConnection()
	if err != nil {
		return nil, &SubscribeError{Exchange: exchange, Pattern: pattern, Op: "open", Err: err}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &SubscribeError{Exchange: exchange, Pattern: pattern, Op: "open", Err: err}
	}

	fail := func(op string, err error) (*Subscription, error) {
		ch.Close()
		return nil, &SubscribeError{Exchange: exchange, Pattern: pattern, Op: op, Err: err}
	}

	if err := ch.Qos(cfg.prefetch, 0, false); err != nil {
		return fail("qos", err)
	}

	q, err := ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fail("declare", err)
	}

	if err := ch.QueueBind(q.Name, pattern, exchange, false, nil); err != nil {
		return fail("bind", err)
	}

	tag := "fedmsg-" + uuid.New().String()
	deliveries, err := ch.Consume(
		q.Name,
		tag,
		true,  // auto-ack
		true,  // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fail("consume", err)
	}

	cfg.logger.Debug("subscribed", "exchange", exchange, "pattern", pattern, "queue", q.Name)

	return &Subscription{
		ch:          ch,
		queue:       q.Name,
		consumerTag: tag,
		deliveries:  deliveries,
		logger:      cfg.logger,
	}, nil
}

// Deliveries returns the delivery channel. It is closed when the
// subscription or the connection is closed.
func (s *Subscription) Deliveries() <-chan amqp.Delivery {
	return s.deliveries
}

// Queue returns the server-assigned queue name
func (s *Subscription) Queue() string {
	return s.queue
}

// Close cancels the consumer and closes the channel, which deletes the
// queue. It is safe to call more than once.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		if s.ch.IsClosed() {
			return
		}
		if err := s.ch.Cancel(s.consumerTag, false); err != nil {
			s.logger.Warn("failed to cancel consumer", "consumerTag", s.consumerTag, "error", err)
		}
		s.closeErr = s.ch.Close()
	})
	return s.closeErr
}
