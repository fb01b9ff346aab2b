// Package redis implements the messaging transport on Redis pub/sub, for
// development setups and CI jobs that have no RabbitMQ broker.
//
// Topics are Redis channels. AMQP topic patterns are widened to a Redis
// glob on their literal prefix and filtered exactly on delivery, so
// subscriptions behave the same as on the topic exchange. Redis pub/sub has
// no message properties, so each message is a small JSON frame carrying the
// headers next to the body.
//
// The go-redis client reconnects a dropped pub/sub connection on its own and
// would hide an outage from a waiting caller. Each subscription therefore
// pings the server periodically and ends its delivery stream on the first
// failed ping, the same way an AMQP subscription ends when the broker
// closes the connection.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coreos/fedmsg-go/messaging"
	"github.com/coreos/fedmsg-go/transports/memory"
	goredis "github.com/redis/go-redis/v9"
)

var (
	// ErrNotConnected is returned by publish and subscribe before Connect
	// succeeds or after Close.
	ErrNotConnected = errors.New("redis: transport is not connected")
)

// Transport implements messaging.Transport for Redis
type Transport struct {
	client         *goredis.Client
	addr           string
	logger         *slog.Logger
	bufferSize     int
	healthInterval time.Duration

	mu        sync.Mutex
	connected bool
	closed    bool
	subs      map[*subscription]struct{}
}

// TransportOption configures the transport
type TransportOption func(*Transport)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithBufferSize sets how many messages each subscription buffers before
// Redis delivery blocks.
func WithBufferSize(n int) TransportOption {
	return func(t *Transport) {
		if n > 0 {
			t.bufferSize = n
		}
	}
}

// WithHealthCheckInterval sets how often a subscription pings the server.
func WithHealthCheckInterval(d time.Duration) TransportOption {
	return func(t *Transport) {
		if d > 0 {
			t.healthInterval = d
		}
	}
}

// NewTransport creates a transport for a redis:// or rediss:// URL. It does
// not connect.
func NewTransport(redisURL string, options ...TransportOption) (*Transport, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	t := &Transport{
		client:         goredis.NewClient(opts),
		addr:           opts.Addr,
		logger:         slog.Default(),
		bufferSize:     100,
		healthInterval: 5 * time.Second,
		subs:           make(map[*subscription]struct{}),
	}
	for _, opt := range options {
		opt(t)
	}
	return t, nil
}

// Connect checks that the server answers.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrNotConnected
	}

	if err := t.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis at %s: %w", t.addr, err)
	}

	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()

	t.logger.Info("connected to redis", "addr", t.addr)
	return nil
}

// Ping checks that the server still answers.
func (t *Transport) Ping(ctx context.Context) error {
	if !t.IsConnected() {
		return ErrNotConnected
	}
	return t.client.Ping(ctx).Err()
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Publisher returns a transport publisher
func (t *Transport) Publisher() messaging.TransportPublisher {
	return &publisher{transport: t}
}

// Subscriber returns a transport subscriber
func (t *Transport) Subscriber() messaging.TransportSubscriber {
	return &subscriber{transport: t}
}

// Close releases subscriptions and the client. Later calls do nothing.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.connected = false
	subs := make([]*subscription, 0, len(t.subs))
	for sub := range t.subs {
		subs = append(subs, sub)
	}
	t.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	return t.client.Close()
}

// track registers sub for release on Close. It fails once the transport is
// closed.
func (t *Transport) track(sub *subscription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrNotConnected
	}
	t.subs[sub] = struct{}{}
	return nil
}

func (t *Transport) forget(sub *subscription) {
	t.mu.Lock()
	delete(t.subs, sub)
	t.mu.Unlock()
}

type publisher struct {
	transport *Transport
}

func (p *publisher) Publish(ctx context.Context, topic string, body []byte, headers map[string]interface{}) error {
	if !p.transport.IsConnected() {
		return ErrNotConnected
	}

	frame, err := encodeFrame(body, headers)
	if err != nil {
		return err
	}
	if err := p.transport.client.Publish(ctx, topic, frame).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Close is a no-op; the client is owned by the transport.
func (p *publisher) Close() error {
	return nil
}

type subscriber struct {
	transport *Transport
}

// Subscribe waits for the server to confirm the subscription before
// returning.
func (s *subscriber) Subscribe(ctx context.Context, topicPattern string) (messaging.Subscription, error) {
	t := s.transport
	if !t.IsConnected() {
		return nil, ErrNotConnected
	}

	glob := channelGlob(topicPattern)
	ps := t.client.PSubscribe(ctx, glob)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topicPattern, err)
	}

	sub := &subscription{
		pattern:   topicPattern,
		pubsub:    ps,
		in:        ps.Channel(goredis.WithChannelSize(t.bufferSize)),
		out:       make(chan messaging.TransportDelivery),
		done:      make(chan struct{}),
		ping:      func(ctx context.Context) error { return t.client.Ping(ctx).Err() },
		interval:  t.healthInterval,
		transport: t,
	}
	if err := t.track(sub); err != nil {
		ps.Close()
		return nil, err
	}

	t.logger.Debug("subscribed", "pattern", topicPattern, "glob", glob)
	go sub.forward()
	return sub, nil
}

// Close is a no-op; subscriptions are released by the transport.
func (s *subscriber) Close() error {
	return nil
}

type subscription struct {
	pattern   string
	pubsub    interface{ Close() error }
	in        <-chan *goredis.Message
	out       chan messaging.TransportDelivery
	done      chan struct{}
	once      sync.Once
	ping      func(ctx context.Context) error
	interval  time.Duration
	transport *Transport
}

// forward delivers matching messages until the subscription is released,
// the pub/sub channel closes or a health ping fails.
func (s *subscription) forward() {
	defer close(s.out)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.healthy(); err != nil {
				s.transport.logger.Error("redis unreachable, ending subscription", "pattern", s.pattern, "error", err)
				s.Unsubscribe()
				return
			}
		case msg, ok := <-s.in:
			if !ok {
				return
			}
			if !s.deliver(msg) {
				return
			}
		}
	}
}

func (s *subscription) healthy() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()
	return s.ping(ctx)
}

// deliver reports false once the subscription has been released.
func (s *subscription) deliver(msg *goredis.Message) bool {
	if !memory.Match(s.pattern, msg.Channel) {
		return true
	}
	d, err := decodeFrame(msg.Channel, []byte(msg.Payload))
	if err != nil {
		s.transport.logger.Warn("dropping undecodable message", "topic", msg.Channel, "error", err)
		return true
	}
	select {
	case s.out <- d:
		return true
	case <-s.done:
		return false
	}
}

func (s *subscription) Deliveries() <-chan messaging.TransportDelivery {
	return s.out
}

func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
		s.transport.forget(s)
	})
	return err
}
