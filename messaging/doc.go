// Package messaging defines the bus client interfaces consumed by the
// correlator and broadcaster, and the pieces shared by both.
//
// This package provides:
//   - Transport, TransportPublisher, TransportSubscriber, Subscription:
//     the contract a bus implementation must satisfy
//   - TopicScheme: derives request, response and broadcast topics
//   - EnvelopeFactory: builds and validates outgoing documents
//   - Broadcaster: fire-and-forget event publishing
//   - MetricsCollector: hooks for publish and outcome metrics
//
// A TransportSubscriber must not return from Subscribe before the
// subscription is able to receive messages. Callers rely on this to
// subscribe first and publish second without losing fast responses.
//
// Example usage:
//
//	factory := messaging.NewEnvelopeFactory()
//	b, err := messaging.NewBroadcaster(transport.Publisher(), factory)
//	if err != nil {
//		return err
//	}
//	err = b.Broadcast(ctx, "stream.release", contracts.Production,
//		map[string]interface{}{"build_id": id, "basearch": "x86_64", "stream": "stable"}, nil)
package messaging
