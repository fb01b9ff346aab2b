package messaging

import (
	"context"
	"errors"
)

// ErrSubscriptionClosed is reported when a subscription's delivery stream
// ends before the subscriber released it.
var ErrSubscriptionClosed = errors.New("messaging: subscription closed by transport")

// TransportPublisher publishes raw documents to a topic.
type TransportPublisher interface {
	// Publish sends body to topic and returns once the broker has accepted it.
	Publish(ctx context.Context, topic string, body []byte, headers map[string]interface{}) error

	// Close releases the publisher. The transport stays usable.
	Close() error
}

// TransportSubscriber opens subscriptions on topic patterns.
type TransportSubscriber interface {
	// Subscribe returns once the subscription is active: any message
	// published to a matching topic after Subscribe returns is delivered.
	Subscribe(ctx context.Context, topicPattern string) (Subscription, error)

	// Close releases every subscription opened by this subscriber.
	Close() error
}

// Subscription is a cancellable stream of deliveries.
type Subscription interface {
	// Deliveries yields messages in arrival order. The channel is closed
	// after Unsubscribe or when the transport loses the subscription.
	Deliveries() <-chan TransportDelivery

	// Unsubscribe releases the subscription. It is safe to call more than once.
	Unsubscribe() error
}

// TransportDelivery is one message received on a subscription.
type TransportDelivery interface {
	// Topic is the routing key the message was published with.
	Topic() string

	// Body is the raw JSON document.
	Body() []byte

	// Headers are the message properties; the map is a copy.
	Headers() map[string]interface{}
}

// Transport is a connection to the message bus.
type Transport interface {
	// Publisher returns the publishing side of the bus.
	Publisher() TransportPublisher

	// Subscriber returns the subscribing side of the bus.
	Subscriber() TransportSubscriber

	// Connect dials the broker.
	Connect(ctx context.Context) error

	// Close ends every subscription and the connection.
	Close() error

	// IsConnected reports whether Connect succeeded and Close was not called.
	IsConnected() bool
}
