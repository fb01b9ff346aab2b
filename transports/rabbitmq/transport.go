// Package rabbitmq implements the messaging transport on a RabbitMQ topic
// exchange, the way fedora-messaging publishes and consumes.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coreos/fedmsg-go/config"
	"github.com/coreos/fedmsg-go/internal/rabbitmq"
	"github.com/coreos/fedmsg-go/messaging"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Transport implements messaging.Transport for RabbitMQ
type Transport struct {
	exchange string
	manager  *rabbitmq.ConnectionManager
	cfg      *TransportConfig
	logger   *slog.Logger

	mu        sync.RWMutex
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher

	subscriber *subscriberAdapter
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions   []rabbitmq.ConnectionOption
	PoolOptions         []rabbitmq.ChannelPoolOption
	PublisherOptions    []rabbitmq.PublisherOption
	SubscriptionOptions []rabbitmq.SubscriptionOption
	Logger              *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPoolOptions sets channel pool options
func WithPoolOptions(opts ...rabbitmq.ChannelPoolOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PoolOptions = append(cfg.PoolOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithSubscriptionOptions sets options applied to every subscription
func WithSubscriptionOptions(opts ...rabbitmq.SubscriptionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.SubscriptionOptions = append(cfg.SubscriptionOptions, opts...)
	}
}

// WithLogger sets the logger used by the transport and its components
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// NewTransport creates a transport for the broker described by brokerCfg.
// It does not connect; call Connect.
func NewTransport(brokerCfg config.Config, options ...TransportOption) (*Transport, error) {
	if err := brokerCfg.Validate(); err != nil {
		return nil, err
	}

	cfg := &TransportConfig{Logger: slog.Default()}
	for _, opt := range options {
		opt(cfg)
	}

	tlsCfg, err := brokerCfg.TLSClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS configuration: %w", err)
	}

	connOpts := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(cfg.Logger),
		rabbitmq.WithClientProperties(brokerCfg.ClientProperties),
	}
	if tlsCfg != nil {
		connOpts = append(connOpts, rabbitmq.WithTLS(tlsCfg))
	}
	if brokerCfg.ConnectTimeout.Duration > 0 {
		connOpts = append(connOpts, rabbitmq.WithDialTimeout(brokerCfg.ConnectTimeout.Duration))
	}
	connOpts = append(connOpts, cfg.ConnectionOptions...)

	t := &Transport{
		exchange: brokerCfg.PublishExchange,
		manager:  rabbitmq.NewConnectionManager(brokerCfg.AMQPURL, connOpts...),
		cfg:      cfg,
		logger:   cfg.Logger,
	}
	t.subscriber = &subscriberAdapter{transport: t, subs: make(map[*subscription]struct{})}

	return t, nil
}

// Dial creates a transport and connects it.
func Dial(ctx context.Context, brokerCfg config.Config, options ...TransportOption) (*Transport, error) {
	t, err := NewTransport(brokerCfg, options...)
	if err != nil {
		return nil, err
	}
	if err := t.Connect(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// Connect establishes the broker connection
func (t *Transport) Connect(ctx context.Context) error {
	if err := t.manager.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pool != nil {
		return nil
	}

	pool, err := rabbitmq.NewChannelPool(t.manager, t.cfg.PoolOptions...)
	if err != nil {
		t.manager.Close()
		return fmt.Errorf("failed to create channel pool: %w", err)
	}

	pubOpts := append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(t.logger)}, t.cfg.PublisherOptions...)
	t.pool = pool
	t.publisher = rabbitmq.NewPublisher(pool, pubOpts...)
	return nil
}

// Publisher returns a transport publisher
func (t *Transport) Publisher() messaging.TransportPublisher {
	return &publisherAdapter{transport: t}
}

// Subscriber returns a transport subscriber
func (t *Transport) Subscriber() messaging.TransportSubscriber {
	return t.subscriber
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// Ping checks that the broker answers on a pooled channel and that the
// publish exchange exists.
func (t *Transport) Ping(ctx context.Context) error {
	t.mu.RLock()
	pool := t.pool
	t.mu.RUnlock()
	if pool == nil {
		return rabbitmq.ErrConnectionNotReady
	}

	return pool.Execute(ctx, func(ch *rabbitmq.PooledChannel) error {
		if err := ch.ExchangeDeclarePassive(t.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			return fmt.Errorf("exchange %s: %w", t.exchange, err)
		}
		return nil
	})
}

// Close releases subscriptions, channels and the connection
func (t *Transport) Close() error {
	t.subscriber.Close()

	t.mu.Lock()
	if t.pool != nil {
		t.pool.Close()
		t.pool = nil
		t.publisher = nil
	}
	t.mu.Unlock()

	return t.manager.Close()
}

func (t *Transport) getPublisher() (*rabbitmq.Publisher, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.publisher == nil {
		return nil, rabbitmq.ErrConnectionNotReady
	}
	return t.publisher, nil
}

// newPublishing builds the AMQP message for a JSON document.
func newPublishing(body []byte, headers map[string]interface{}) amqp.Publishing {
	table := make(amqp.Table, len(headers))
	for k, v := range headers {
		table[k] = v
	}

	return amqp.Publishing{
		ContentType:     "application/json",
		ContentEncoding: "utf-8",
		DeliveryMode:    amqp.Persistent,
		MessageId:       uuid.New().String(),
		Timestamp:       time.Now().UTC(),
		Headers:         table,
		Body:            body,
	}
}

// publisherAdapter adapts rabbitmq.Publisher to messaging.TransportPublisher
type publisherAdapter struct {
	transport *Transport
}

func (p *publisherAdapter) Publish(ctx context.Context, topic string, body []byte, headers map[string]interface{}) error {
	pub, err := p.transport.getPublisher()
	if err != nil {
		return err
	}
	return pub.Publish(ctx, p.transport.exchange, topic, newPublishing(body, headers))
}

func (p *publisherAdapter) Close() error {
	return nil
}

// subscriberAdapter opens one exclusive queue per subscription
type subscriberAdapter struct {
	transport *Transport
	mu        sync.Mutex
	subs      map[*subscription]struct{}
}

func (s *subscriberAdapter) Subscribe(ctx context.Context, topicPattern string) (messaging.Subscription, error) {
	t := s.transport
	sub, err := rabbitmq.Subscribe(ctx, t.manager, t.exchange, topicPattern,
		append([]rabbitmq.SubscriptionOption{rabbitmq.WithSubscriptionLogger(t.logger)}, t.cfg.SubscriptionOptions...)...)
	if err != nil {
		return nil, err
	}

	wrapped := &subscription{
		sub:     sub,
		out:     make(chan messaging.TransportDelivery),
		done:    make(chan struct{}),
		release: s.forget,
	}
	s.mu.Lock()
	s.subs[wrapped] = struct{}{}
	s.mu.Unlock()

	go wrapped.forward()
	return wrapped, nil
}

func (s *subscriberAdapter) forget(sub *subscription) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

func (s *subscriberAdapter) Close() error {
	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	return nil
}

// subscription converts AMQP deliveries into transport deliveries
type subscription struct {
	sub     *rabbitmq.Subscription
	out     chan messaging.TransportDelivery
	done    chan struct{}
	once    sync.Once
	release func(*subscription)
}

func (s *subscription) forward() {
	defer close(s.out)
	for d := range s.sub.Deliveries() {
		select {
		case s.out <- &delivery{d: d}:
		case <-s.done:
			return
		}
	}
}

func (s *subscription) Deliveries() <-chan messaging.TransportDelivery {
	return s.out
}

func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.sub.Close()
		s.release(s)
	})
	return err
}

// delivery wraps amqp.Delivery to implement messaging.TransportDelivery
type delivery struct {
	d amqp.Delivery
}

func (d *delivery) Topic() string {
	return d.d.RoutingKey
}

func (d *delivery) Body() []byte {
	return d.d.Body
}

func (d *delivery) Headers() map[string]interface{} {
	headers := make(map[string]interface{}, len(d.d.Headers))
	for k, v := range d.d.Headers {
		headers[k] = v
	}
	return headers
}
