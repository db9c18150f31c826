package rabbitmq

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelPool hands out AMQP channels on the manager's current connection.
// Channels are opened lazily and discarded once closed, so a pool outlives
// reconnects.
type ChannelPool struct {
	manager  *ConnectionManager
	channels chan *PooledChannel
	maxSize  int
	confirm  bool

	mu     sync.Mutex
	closed bool
}

// PooledChannel wraps an AMQP channel with its confirm mode
type PooledChannel struct {
	*amqp.Channel
	confirm bool
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize sets how many idle channels the pool keeps
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithConfirms puts every pooled channel into publisher confirm mode
func WithConfirms(enabled bool) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.confirm = enabled
	}
}

// NewChannelPool creates a new channel pool
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) *ChannelPool {
	pool := &ChannelPool{
		manager: manager,
		maxSize: 10,
	}

	for _, opt := range options {
		opt(pool)
	}
	if pool.maxSize < 1 {
		pool.maxSize = 1
	}
	pool.channels = make(chan *PooledChannel, pool.maxSize)

	return pool
}

// Get returns an open channel, reusing an idle one when possible
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cp.mu.Lock()
	closed := cp.closed
	cp.mu.Unlock()
	if closed {
		return nil, ErrChannelPoolClosed
	}

	for {
		select {
		case ch := <-cp.channels:
			if ch.IsClosed() {
				continue
			}
			return ch, nil
		default:
			return cp.open()
		}
	}
}

// Put returns a channel to the pool
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed || ch.IsClosed() {
		_ = ch.Close()
		return
	}

	select {
	case cp.channels <- ch:
	default:
		_ = ch.Close()
	}
}

// Execute runs fn on a pooled channel. A channel that fn leaves closed is
// not returned to the pool.
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*PooledChannel) error) error {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}

	err = fn(ch)

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) || errors.Is(err, amqp.ErrClosed) {
		_ = ch.Close()
		return err
	}
	cp.Put(ch)
	return err
}

// Size returns the number of idle channels
func (cp *ChannelPool) Size() int {
	return len(cp.channels)
}

// Close closes all idle channels. It is idempotent.
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed {
		return nil
	}
	cp.closed = true

	for {
		select {
		case ch := <-cp.channels:
			_ = ch.Close()
		default:
			return nil
		}
	}
}

func (cp *ChannelPool) open() (*PooledChannel, error) {
	conn, err := cp.manager.GetConnection()
	if err != nil {
		return nil, &ChannelError{Op: "open", Err: err}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "open", Err: err}
	}

	if cp.confirm {
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			return nil, &ChannelError{Op: "confirm", Err: err}
		}
	}

	return &PooledChannel{Channel: ch, confirm: cp.confirm}, nil
}
