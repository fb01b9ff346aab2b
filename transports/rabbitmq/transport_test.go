package rabbitmq

import (
	"context"
	"testing"
	"time"

	"github.com/coreos/fedmsg-go/config"
	"github.com/coreos/fedmsg-go/internal/rabbitmq"
	"github.com/coreos/fedmsg-go/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTransport(t *testing.T) {
	t.Run("rejects invalid configuration", func(t *testing.T) {
		cfg := config.Default()
		cfg.AMQPURL = ""

		_, err := NewTransport(cfg)
		assert.ErrorIs(t, err, config.ErrInvalidConfig)
	})

	t.Run("does not connect", func(t *testing.T) {
		tr, err := NewTransport(config.Default())
		require.NoError(t, err)

		assert.False(t, tr.IsConnected())
		assert.Equal(t, "amq.topic", tr.exchange)
		assert.NoError(t, tr.Close())
	})

	t.Run("operations before Connect fail", func(t *testing.T) {
		tr, err := NewTransport(config.Default())
		require.NoError(t, err)

		err = tr.Publisher().Publish(context.Background(), "org.fedoraproject.prod.coreos.stream.release", []byte(`{}`), nil)
		assert.ErrorIs(t, err, rabbitmq.ErrConnectionNotReady)

		_, err = tr.Subscriber().Subscribe(context.Background(), "org.fedoraproject.prod.#")
		assert.ErrorIs(t, err, rabbitmq.ErrConnectionNotReady)

		assert.ErrorIs(t, tr.Ping(context.Background()), rabbitmq.ErrConnectionNotReady)
	})

	t.Run("Connect surfaces dial failures", func(t *testing.T) {
		policy := reliability.NewExponentialBackoff(time.Millisecond, time.Millisecond, 1.0, 0)
		tr, err := NewTransport(config.Default(), WithConnectionOptions(
			rabbitmq.WithRetryPolicy(policy),
			rabbitmq.WithDialer(func(string, amqp.Config) (*amqp.Connection, error) {
				return nil, amqp.ErrClosed
			}),
		))
		require.NoError(t, err)

		err = tr.Connect(context.Background())
		assert.ErrorIs(t, err, amqp.ErrClosed)
		assert.False(t, tr.IsConnected())
	})
}

func TestNewPublishing(t *testing.T) {
	msg := newPublishing([]byte(`{"a":1}`), map[string]interface{}{
		"fedora_messaging_severity": 20,
		"x-correlation-id":          "req-1",
	})

	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.NotEmpty(t, msg.MessageId)
	assert.Equal(t, "req-1", msg.Headers["x-correlation-id"])
	assert.Equal(t, 20, msg.Headers["fedora_messaging_severity"])
	assert.NoError(t, msg.Headers.Validate())
	assert.Equal(t, []byte(`{"a":1}`), msg.Body)
}

func TestDelivery(t *testing.T) {
	d := &delivery{d: amqp.Delivery{
		RoutingKey: "org.fedoraproject.prod.coreos.build.request.ostree-sign.finished",
		Body:       []byte(`{"request_id":"r"}`),
		Headers:    amqp.Table{"sent-at": "now"},
	}}

	assert.Equal(t, "org.fedoraproject.prod.coreos.build.request.ostree-sign.finished", d.Topic())
	assert.Equal(t, []byte(`{"request_id":"r"}`), d.Body())
	assert.Equal(t, map[string]interface{}{"sent-at": "now"}, d.Headers())
}
