package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coreos/fedmsg-go/contracts"
	"github.com/coreos/fedmsg-go/messaging"
)

// DefaultImportTimeout gives an importer time to fetch and import a commit.
const DefaultImportTimeout = 15 * time.Minute

// Correlator sends requests and waits for their correlated responses. It
// holds no per-request state, so one Correlator can serve many concurrent
// callers over the same transport.
type Correlator struct {
	publisher  messaging.TransportPublisher
	subscriber messaging.TransportSubscriber
	factory    *messaging.EnvelopeFactory
	logger     *slog.Logger
	metrics    messaging.MetricsCollector
}

// CorrelatorOption configures the correlator
type CorrelatorOption func(*CorrelatorConfig)

// CorrelatorConfig holds configuration for the correlator
type CorrelatorConfig struct {
	Factory *messaging.EnvelopeFactory
	Logger  *slog.Logger
	Metrics messaging.MetricsCollector
}

// WithEnvelopeFactory sets the factory used to build requests
func WithEnvelopeFactory(f *messaging.EnvelopeFactory) CorrelatorOption {
	return func(c *CorrelatorConfig) {
		c.Factory = f
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) CorrelatorOption {
	return func(c *CorrelatorConfig) {
		c.Logger = logger
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(m messaging.MetricsCollector) CorrelatorOption {
	return func(c *CorrelatorConfig) {
		c.Metrics = m
	}
}

// NewCorrelator creates a correlator over the given publisher and subscriber.
func NewCorrelator(publisher messaging.TransportPublisher, subscriber messaging.TransportSubscriber, opts ...CorrelatorOption) (*Correlator, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	if subscriber == nil {
		return nil, fmt.Errorf("subscriber cannot be nil")
	}

	config := &CorrelatorConfig{
		Logger:  slog.Default(),
		Metrics: &messaging.NoOpMetricsCollector{},
	}
	for _, opt := range opts {
		opt(config)
	}
	if config.Factory == nil {
		config.Factory = messaging.NewEnvelopeFactory()
	}

	return &Correlator{
		publisher:  publisher,
		subscriber: subscriber,
		factory:    config.Factory,
		logger:     config.Logger,
		metrics:    config.Metrics,
	}, nil
}

// SendAndWait publishes a request and blocks until the first response
// carrying its correlation id arrives or timeout elapses, counted from the
// publish.
//
// The returned Outcome is a success, a failure or a timeout. An error is
// returned instead when the request could not be built
// (*contracts.SerializationError), when the bus failed
// (*contracts.TransportError), or when ctx was cancelled (ctx.Err()).
// Nothing is retried.
func (c *Correlator) SendAndWait(ctx context.Context, requestType string, env contracts.Environment, body map[string]interface{}, timeout time.Duration) (*contracts.Outcome, error) {
	if timeout <= 0 {
		err := &contracts.SerializationError{Op: "request", Type: requestType, Err: contracts.ErrInvalidTimeout}
		c.metrics.RecordError("correlator", messaging.ErrorType(err))
		return nil, err
	}

	req, err := c.factory.NewRequest(requestType, env, body)
	if err != nil {
		c.metrics.RecordError("correlator", messaging.ErrorType(err))
		return nil, err
	}

	logger := c.logger.With("requestType", requestType, "correlationId", req.Envelope.CorrelationID)

	sub, err := c.subscriber.Subscribe(ctx, req.ResponseTopic)
	if err != nil {
		return nil, c.transportError(logger, "subscribe", req.ResponseTopic, err)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			logger.Warn("failed to release subscription", "topic", req.ResponseTopic, "error", err)
		}
	}()

	start := time.Now()
	err = c.publisher.Publish(ctx, req.Topic, req.Body, req.Headers)
	c.metrics.RecordPublish(req.Topic, time.Since(start), err == nil)
	if err != nil {
		return nil, c.transportError(logger, "publish", req.Topic, err)
	}
	logger.Info("request sent, waiting for response", "topic", req.Topic, "timeout", timeout)

	outcome, err := c.await(ctx, sub, req, timeout, logger)
	if err != nil {
		if contracts.IsTransportError(err) {
			c.metrics.RecordError("correlator", "transport")
		}
		return nil, err
	}

	outcome.Elapsed = time.Since(start)
	c.metrics.RecordOutcome(requestType, outcome.Kind, outcome.Elapsed)
	logger.Info("request finished",
		"outcome", outcome.Kind.String(),
		"elapsed", outcome.Elapsed,
		"message", outcome.Message)

	return outcome, nil
}

// Call is SendAndWait with the outcome folded into the error: it returns
// the success payload, or an error that is a *contracts.RemoteFailure,
// contracts.ErrTimeout, or one of the SendAndWait errors.
func (c *Correlator) Call(ctx context.Context, requestType string, env contracts.Environment, body map[string]interface{}, timeout time.Duration) (map[string]interface{}, error) {
	outcome, err := c.SendAndWait(ctx, requestType, env, body, timeout)
	if err != nil {
		return nil, err
	}
	if err := outcome.Err(); err != nil {
		return nil, err
	}
	return outcome.Payload, nil
}

// await consumes deliveries in arrival order until one matches req.
func (c *Correlator) await(ctx context.Context, sub messaging.Subscription, req *messaging.OutgoingRequest, timeout time.Duration, logger *slog.Logger) (*contracts.Outcome, error) {
	id := req.Envelope.CorrelationID
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	deliveries := sub.Deliveries()
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return nil, &contracts.TransportError{Op: "receive", Topic: req.ResponseTopic, Err: messaging.ErrSubscriptionClosed}
			}
			if topic := d.Topic(); topic != "" && topic != req.ResponseTopic {
				logger.Debug("ignoring message on unexpected topic", "topic", topic)
				continue
			}

			resp, err := contracts.DecodeResponse(d.Body())
			if err != nil {
				logger.Debug("ignoring undecodable response", "error", err)
				continue
			}
			if resp.CorrelationID != id {
				logger.Debug("ignoring response for another request", "otherId", resp.CorrelationID)
				continue
			}
			outcome := resp.Outcome()
			if outcome.Violation {
				logger.Warn("worker broke the response protocol", "status", resp.RawStatus, "message", outcome.Message)
			}
			return outcome, nil

		case <-deadline.C:
			logger.Warn("timed out waiting for response", "timeout", timeout)
			return &contracts.Outcome{Kind: contracts.OutcomeTimeout, CorrelationID: id}, nil

		case <-ctx.Done():
			logger.Warn("request cancelled", "error", ctx.Err())
			return nil, ctx.Err()
		}
	}
}

func (c *Correlator) transportError(logger *slog.Logger, op, topic string, err error) error {
	logger.Error("transport failure", "op", op, "topic", topic, "error", err)
	c.metrics.RecordError("correlator", "transport")
	return &contracts.TransportError{Op: op, Topic: topic, Err: err}
}
