package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelPool hands out AMQP channels on one connection. Channels are
// opened on demand up to the pool size; a caller that finds every channel
// busy waits for one to come back.
type ChannelPool struct {
	manager     *ConnectionManager
	waitTimeout time.Duration
	maxSize     int

	// slots holds one token per open channel
	slots chan struct{}
	idle  chan *PooledChannel

	mu     sync.Mutex
	closed bool
}

// PooledChannel is a channel owned by a pool. confirming records that
// publisher confirms are already enabled on it.
type PooledChannel struct {
	*amqp.Channel
	id         string
	confirming bool
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize sets the maximum pool size
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithWaitTimeout bounds how long Get waits when every channel is in use
func WithWaitTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.waitTimeout = timeout
	}
}

// NewChannelPool creates a pool on manager's connection. No channel is
// opened until the first Get.
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, fmt.Errorf("%w: connection manager is nil", ErrInvalidConfiguration)
	}

	cp := &ChannelPool{
		manager:     manager,
		maxSize:     10,
		waitTimeout: 5 * time.Second,
	}
	for _, opt := range options {
		opt(cp)
	}
	if cp.maxSize < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}

	cp.slots = make(chan struct{}, cp.maxSize)
	cp.idle = make(chan *PooledChannel, cp.maxSize)
	return cp, nil
}

// Get returns an idle channel, opens a new one if the pool has room, or
// waits for one to be returned.
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	if cp.isClosed() {
		return nil, ErrChannelPoolClosed
	}

	var timeout <-chan time.Time
	for {
		select {
		case ch := <-cp.idle:
			if ch.IsClosed() {
				cp.Discard(ch)
				continue
			}
			return ch, nil
		default:
		}

		select {
		case cp.slots <- struct{}{}:
			ch, err := cp.open()
			if err != nil {
				<-cp.slots
				return nil, err
			}
			return ch, nil
		default:
		}

		if timeout == nil {
			timer := time.NewTimer(cp.waitTimeout)
			defer timer.Stop()
			timeout = timer.C
		}

		select {
		case ch := <-cp.idle:
			if ch.IsClosed() {
				cp.Discard(ch)
				continue
			}
			return ch, nil
		case <-ctx.Done():
			return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ctx.Err(), Timestamp: time.Now()}
		case <-timeout:
			return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ErrChannelPoolExhausted, Timestamp: time.Now()}
		}
	}
}

// Put returns ch for reuse. Closed channels and channels returned after
// Close are discarded.
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}
	if cp.isClosed() || ch.IsClosed() {
		cp.Discard(ch)
		return
	}
	select {
	case cp.idle <- ch:
	default:
		cp.Discard(ch)
	}
}

// Discard closes ch and frees its slot. Use it for channels left in an
// unknown state by a failed operation.
func (cp *ChannelPool) Discard(ch *PooledChannel) {
	if ch == nil {
		return
	}
	if !ch.IsClosed() {
		ch.Close()
	}
	select {
	case <-cp.slots:
	default:
	}
}

// Close closes idle channels. Channels still checked out are closed when
// they are returned.
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	cp.mu.Unlock()

	for {
		select {
		case ch := <-cp.idle:
			cp.Discard(ch)
		default:
			return nil
		}
	}
}

// Size returns the number of open channels owned by the pool
func (cp *ChannelPool) Size() int {
	return len(cp.slots)
}

// Execute runs fn on a pooled channel. The channel is discarded when fn
// fails or panics.
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*PooledChannel) error) (err error) {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic on channel %s: %v", ch.id, r)
		}
		if err != nil {
			cp.Discard(ch)
			return
		}
		cp.Put(ch)
	}()

	return fn(ch)
}

func (cp *ChannelPool) isClosed() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.closed
}

func (cp *ChannelPool) open() (*PooledChannel, error) {
	conn, err := cp.manager.GetConnection()
	if err != nil {
		return nil, &ChannelError{Op: "open channel", ChannelID: "new", Err: err, Timestamp: time.Now()}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "open channel",
			ChannelID: "new",
			Err:       fmt.Errorf("%w: %v", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}

	return &PooledChannel{Channel: ch, id: uuid.NewString()}, nil
}
