// Package memory provides an in-process implementation of the messaging
// transport. It delivers to every subscription whose pattern matches the
// published topic and keeps counters that tests use to check that
// subscriptions are released.
package memory

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/coreos/fedmsg-go/messaging"
)

// ErrBusClosed is returned after Close.
var ErrBusClosed = errors.New("memory: bus is closed")

// Bus is a thread-safe in-memory topic bus.
type Bus struct {
	mu         sync.Mutex
	subs       map[uint64]*subscription
	nextID     uint64
	closed     bool
	published  []messaging.TransportDelivery
	subscribed int
	released   int

	publishErr   error
	subscribeErr error
	hooks        []func(messaging.TransportDelivery)
	bufferSize   int
	logger       *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize sets the per-subscription delivery buffer.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		b.bufferSize = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithPublishHook registers fn to run after every successful publish. Hooks
// run on the publishing goroutine without any bus lock held, so they may
// publish in turn.
func WithPublishHook(fn func(messaging.TransportDelivery)) Option {
	return func(b *Bus) {
		b.hooks = append(b.hooks, fn)
	}
}

// NewBus creates an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:       make(map[uint64]*subscription),
		bufferSize: 64,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// FailPublish makes subsequent publishes return err. A nil err clears it.
func (b *Bus) FailPublish(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

// FailSubscribe makes subsequent subscribes return err. A nil err clears it.
func (b *Bus) FailSubscribe(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribeErr = err
}

// OnPublish registers a publish hook after construction.
func (b *Bus) OnPublish(fn func(messaging.TransportDelivery)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks = append(b.hooks, fn)
}

// Publish implements messaging.TransportPublisher.
func (b *Bus) Publish(ctx context.Context, topic string, body []byte, headers map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	if b.publishErr != nil {
		err := b.publishErr
		b.mu.Unlock()
		return err
	}

	msg := &Message{topic: topic, body: append([]byte(nil), body...), headers: copyHeaders(headers)}
	b.published = append(b.published, msg)

	var targets []*subscription
	for _, sub := range b.subs {
		if Match(sub.pattern, topic) {
			targets = append(targets, sub)
		}
	}
	hooks := append([]func(messaging.TransportDelivery){}, b.hooks...)
	b.mu.Unlock()

	for _, sub := range targets {
		if err := sub.deliver(ctx, msg); err != nil {
			return err
		}
	}

	b.logger.Debug("published", "topic", topic, "subscribers", len(targets))

	for _, hook := range hooks {
		hook(msg)
	}
	return nil
}

// Subscribe implements messaging.TransportSubscriber. The subscription is
// registered before Subscribe returns.
func (b *Bus) Subscribe(ctx context.Context, topicPattern string) (messaging.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if b.subscribeErr != nil {
		return nil, b.subscribeErr
	}

	b.nextID++
	sub := &subscription{
		id:      b.nextID,
		pattern: topicPattern,
		bus:     b,
		ch:      make(chan messaging.TransportDelivery, b.bufferSize),
		done:    make(chan struct{}),
	}
	b.subs[sub.id] = sub
	b.subscribed++

	return sub, nil
}

// Publisher implements messaging.Transport.
func (b *Bus) Publisher() messaging.TransportPublisher {
	return b
}

// Subscriber implements messaging.Transport.
func (b *Bus) Subscriber() messaging.TransportSubscriber {
	return b
}

// Connect implements messaging.Transport.
func (b *Bus) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	return nil
}

// IsConnected implements messaging.Transport.
func (b *Bus) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

// Ping reports ErrBusClosed after Close.
func (b *Bus) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	return nil
}

// Close releases every subscription and rejects further use.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	return nil
}

// Published returns every message accepted so far, in publish order.
func (b *Bus) Published() []messaging.TransportDelivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]messaging.TransportDelivery(nil), b.published...)
}

// SubscribeCount returns the number of successful Subscribe calls.
func (b *Bus) SubscribeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribed
}

// UnsubscribeCount returns the number of subscriptions released.
func (b *Bus) UnsubscribeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}

// ActiveSubscriptions returns the number of live subscriptions.
func (b *Bus) ActiveSubscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Bus) release(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[id]; ok {
		delete(b.subs, id)
		b.released++
	}
}

// Message is a delivery recorded or routed by the bus.
type Message struct {
	topic   string
	body    []byte
	headers map[string]interface{}
}

// Topic implements messaging.TransportDelivery.
func (m *Message) Topic() string { return m.topic }

// Body implements messaging.TransportDelivery.
func (m *Message) Body() []byte { return m.body }

// Headers implements messaging.TransportDelivery.
func (m *Message) Headers() map[string]interface{} { return copyHeaders(m.headers) }

type subscription struct {
	id      uint64
	pattern string
	bus     *Bus

	// sendMu is held for reading while delivering and for writing while
	// closing ch, so ch is never closed under a sender.
	sendMu sync.RWMutex
	ch     chan messaging.TransportDelivery
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) Deliveries() <-chan messaging.TransportDelivery {
	return s.ch
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		close(s.done)
		s.sendMu.Lock()
		close(s.ch)
		s.sendMu.Unlock()
		s.bus.release(s.id)
	})
	return nil
}

func (s *subscription) deliver(ctx context.Context, msg messaging.TransportDelivery) error {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()

	select {
	case <-s.done:
		return nil
	default:
	}

	select {
	case s.ch <- msg:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func copyHeaders(h map[string]interface{}) map[string]interface{} {
	if h == nil {
		return nil
	}
	out := make(map[string]interface{}, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
