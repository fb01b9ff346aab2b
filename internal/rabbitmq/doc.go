// Package rabbitmq wraps amqp091-go for topic publish and subscribe.
//
// This package includes:
//   - ConnectionManager: dials the broker, optionally over TLS, with backoff
//   - ChannelPool: reuses channels between publishes
//   - Publisher: publishes to an exchange and waits for the broker confirm
//   - Subscription: an exclusive queue bound to a topic pattern
//
// Publishes and subscriptions are attempted once. Only the initial dial is
// retried.
package rabbitmq
