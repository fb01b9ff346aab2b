// Copyright 2024 fedmsg-go Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fedmsg sends correlated requests and broadcasts over a
// fedora-messaging style AMQP bus.
package fedmsg

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/coreos/fedmsg-go/bridge"
	"github.com/coreos/fedmsg-go/config"
	"github.com/coreos/fedmsg-go/contracts"
	"github.com/coreos/fedmsg-go/internal/rabbitmq"
	"github.com/coreos/fedmsg-go/messaging"
	"github.com/coreos/fedmsg-go/schema"
	rabbitmqTransport "github.com/coreos/fedmsg-go/transports/rabbitmq"
	redisTransport "github.com/coreos/fedmsg-go/transports/redis"
)

// Client provides the main entry point for fedmsg-go
type Client struct {
	transport   messaging.Transport
	factory     *messaging.EnvelopeFactory
	correlator  *bridge.Correlator
	broadcaster *messaging.Broadcaster
	env         contracts.Environment
	logger      *slog.Logger
}

// NewClient connects to the broker described by cfg and wires the
// correlator and broadcaster on top of it. cfg is ignored when a transport
// is supplied with WithTransport.
func NewClient(cfg config.Config, options ...ClientOption) (*Client, error) {
	cc := &clientConfig{
		logger:  slog.Default(),
		metrics: &messaging.NoOpMetricsCollector{},
		env:     contracts.Production,
	}
	for _, opt := range options {
		opt(cc)
	}

	if err := cc.env.Validate(); err != nil {
		return nil, err
	}

	transport := cc.transport
	if transport == nil {
		t, err := newTransport(cfg, cc.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
		transport = t
	}

	ctx := context.Background()
	if cfg.ConnectTimeout.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout.Duration)
		defer cancel()
	}
	if err := transport.Connect(ctx); err != nil {
		transport.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	scheme := messaging.DefaultTopicScheme()
	if cfg.TopicPrefix != "" {
		scheme.Prefix = cfg.TopicPrefix
	}
	if cc.topics != nil {
		scheme = *cc.topics
	}

	factoryOpts := []messaging.FactoryOption{
		messaging.WithTopicScheme(scheme),
		messaging.WithRequestRegistry(cc.requests),
		messaging.WithDefaultHeaders(cc.headers),
	}
	if cc.broadcasts != nil {
		factoryOpts = append(factoryOpts, messaging.WithBroadcastRegistry(cc.broadcasts))
	}
	factory := messaging.NewEnvelopeFactory(factoryOpts...)

	correlator, err := bridge.NewCorrelator(
		transport.Publisher(),
		transport.Subscriber(),
		bridge.WithEnvelopeFactory(factory),
		bridge.WithLogger(cc.logger),
		bridge.WithMetrics(cc.metrics),
	)
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("failed to create correlator: %w", err)
	}

	broadcaster, err := messaging.NewBroadcaster(
		transport.Publisher(),
		factory,
		messaging.WithBroadcasterLogger(cc.logger),
		messaging.WithBroadcasterMetrics(cc.metrics),
	)
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("failed to create broadcaster: %w", err)
	}

	return &Client{
		transport:   transport,
		factory:     factory,
		correlator:  correlator,
		broadcaster: broadcaster,
		env:         cc.env,
		logger:      cc.logger,
	}, nil
}

// newTransport picks the bus named by cfg.
func newTransport(cfg config.Config, logger *slog.Logger) (messaging.Transport, error) {
	if cfg.UsesRedis() {
		return redisTransport.NewTransport(cfg.RedisURL, redisTransport.WithLogger(logger))
	}
	return rabbitmqTransport.NewTransport(cfg,
		rabbitmqTransport.WithLogger(logger),
		rabbitmqTransport.WithConnectionOptions(rabbitmq.WithLogger(logger)),
	)
}

// Request publishes a request in the client's environment and waits up to
// timeout for the correlated response.
func (c *Client) Request(ctx context.Context, requestType string, body map[string]interface{}, timeout time.Duration) (*contracts.Outcome, error) {
	return c.correlator.SendAndWait(ctx, requestType, c.env, body, timeout)
}

// Broadcast publishes a fire-and-forget event in the client's environment.
func (c *Client) Broadcast(ctx context.Context, broadcastType string, body map[string]interface{}, extraKeys map[string]string) error {
	return c.broadcaster.Broadcast(ctx, broadcastType, c.env, body, extraKeys)
}

// Environment returns the environment requests and broadcasts are sent in
func (c *Client) Environment() contracts.Environment {
	return c.env
}

// Correlator returns the underlying correlator
func (c *Client) Correlator() *bridge.Correlator {
	return c.correlator
}

// Broadcaster returns the underlying broadcaster
func (c *Client) Broadcaster() *messaging.Broadcaster {
	return c.broadcaster
}

// Factory returns the envelope factory
func (c *Client) Factory() *messaging.EnvelopeFactory {
	return c.factory
}

// Transport returns the underlying transport
func (c *Client) Transport() messaging.Transport {
	return c.transport
}

// Close closes all resources
func (c *Client) Close() error {
	if c.transport != nil {
		return c.transport.Close()
	}
	return nil
}

// clientConfig holds client configuration
type clientConfig struct {
	logger     *slog.Logger
	transport  messaging.Transport
	metrics    messaging.MetricsCollector
	topics     *messaging.TopicScheme
	requests   *schema.Registry
	broadcasts *schema.Registry
	env        contracts.Environment
	headers    map[string]interface{}
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDefaultLogger logs text to stderr at info level
func WithDefaultLogger() ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
}

// WithTransport replaces the RabbitMQ transport
func WithTransport(t messaging.Transport) ClientOption {
	return func(cfg *clientConfig) {
		cfg.transport = t
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(m messaging.MetricsCollector) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = m
	}
}

// WithEnvironment selects production or staging
func WithEnvironment(env contracts.Environment) ClientOption {
	return func(cfg *clientConfig) {
		cfg.env = env
	}
}

// WithTopicScheme overrides the topic layout
func WithTopicScheme(scheme messaging.TopicScheme) ClientOption {
	return func(cfg *clientConfig) {
		cfg.topics = &scheme
	}
}

// WithRequestRegistry validates request bodies against r
func WithRequestRegistry(r *schema.Registry) ClientOption {
	return func(cfg *clientConfig) {
		cfg.requests = r
	}
}

// WithBroadcastRegistry validates broadcast bodies against r
func WithBroadcastRegistry(r *schema.Registry) ClientOption {
	return func(cfg *clientConfig) {
		cfg.broadcasts = r
	}
}

// WithDefaultHeaders adds headers to every published message
func WithDefaultHeaders(headers map[string]interface{}) ClientOption {
	return func(cfg *clientConfig) {
		cfg.headers = headers
	}
}
