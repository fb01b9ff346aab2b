package rabbitmq

import (
	"context"
	"crypto/tls"
	"log/slog"
	"sync"
	"time"

	"github.com/coreos/fedmsg-go/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Dialer opens an AMQP connection.
type Dialer func(url string, config amqp.Config) (*amqp.Connection, error)

// ConnectionManager owns the broker connection. A lost connection is not
// re-established: in-flight subscriptions end and later operations fail
// with ErrConnectionNotReady.
type ConnectionManager struct {
	url         string
	config      amqp.Config
	dial        Dialer
	dialTimeout time.Duration
	retry       reliability.RetryPolicy
	logger      *slog.Logger

	mu   sync.RWMutex
	conn *amqp.Connection
	done chan struct{}
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithTLS sets the TLS configuration used for amqps URLs
func WithTLS(cfg *tls.Config) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.config.TLSClientConfig = cfg
	}
}

// WithClientProperties sets the properties announced to the broker
func WithClientProperties(props map[string]string) ConnectionOption {
	return func(cm *ConnectionManager) {
		for k, v := range props {
			cm.config.Properties[k] = v
		}
	}
}

// WithDialTimeout bounds a single dial attempt
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithRetryPolicy sets the backoff between dial attempts
func WithRetryPolicy(policy reliability.RetryPolicy) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.retry = policy
	}
}

// WithDialer replaces amqp.DialConfig
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url: url,
		config: amqp.Config{
			Properties: amqp.Table{"product": "fedmsg-go"},
		},
		dial:        amqp.DialConfig,
		dialTimeout: 30 * time.Second,
		retry:       reliability.NewExponentialBackoff(500*time.Millisecond, 10*time.Second, 2.0, 4),
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect dials the broker, retrying with backoff until the policy gives up.
// It does nothing when already connected.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.conn != nil {
		return nil
	}

	cfg := cm.config
	cfg.Dial = amqp.DefaultDial(cm.dialTimeout)
	target := SanitizeURL(cm.url)

	var conn *amqp.Connection
	err := reliability.Retry(ctx, "connect", cm.retry, func() (err error) {
		conn, err = cm.dial(cm.url, cfg)
		if err == nil {
			return nil
		}
		cm.logger.Warn("dial failed", "url", target, "error", err)
		return &ConnectionError{Op: "dial", URL: target, Err: err, Timestamp: time.Now()}
	})
	if err != nil {
		return err
	}

	cm.conn = conn
	cm.done = make(chan struct{})
	go cm.watch(conn, conn.NotifyClose(make(chan *amqp.Error, 1)), cm.done)

	cm.logger.Info("connected to RabbitMQ", "url", target)
	return nil
}

// GetConnection returns the live connection.
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	conn := cm.conn
	cm.mu.RUnlock()

	switch {
	case conn == nil:
		return nil, ErrConnectionNotReady
	case conn.IsClosed():
		return nil, ErrConnectionClosed
	}
	return conn, nil
}

// IsConnected reports whether a connection is held.
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.conn != nil
}

// Close closes the connection. Calling it again does nothing.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	conn := cm.conn
	if conn == nil {
		cm.mu.Unlock()
		return nil
	}
	cm.conn = nil
	close(cm.done)
	cm.mu.Unlock()

	if conn.IsClosed() {
		return nil
	}
	return conn.Close()
}

// watch forgets conn when the broker closes it.
func (cm *ConnectionManager) watch(conn *amqp.Connection, closed <-chan *amqp.Error, done <-chan struct{}) {
	select {
	case <-done:
		return
	case err := <-closed:
		if err != nil {
			cm.logger.Error("connection closed by broker", "error", err)
		}
	}

	cm.mu.Lock()
	if cm.conn == conn {
		cm.conn = nil
	}
	cm.mu.Unlock()
}
