package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes messages through a channel pool. It fails fast while
// the connection is down instead of buffering.
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout bounds the wait for a broker confirmation
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// ConfirmTimeout returns the bound on waiting for a broker confirmation
func (p *Publisher) ConfirmTimeout() time.Duration {
	return p.confirmTimeout
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends msg to exchange with routingKey. On a confirm-mode pool it
// waits for the broker to ack the message.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	err := p.pool.Execute(ctx, func(ch *PooledChannel) error {
		if !ch.confirm {
			return ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
		}
		return p.publishWithConfirm(ctx, ch, exchange, routingKey, msg)
	})
	if err != nil {
		p.logger.Debug("publish failed",
			"exchange", exchange,
			"routingKey", routingKey,
			"error", err)
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        err,
		}
	}

	return nil
}

func (p *Publisher) publishWithConfirm(ctx context.Context, ch *PooledChannel, exchange, routingKey string, msg amqp.Publishing) error {
	confirmation, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
	if err != nil {
		return err
	}

	confirmCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	acked, err := confirmation.WaitContext(confirmCtx)
	if err != nil {
		if ctx.Err() == nil {
			return ErrPublishTimeout
		}
		return err
	}
	if !acked {
		return ErrPublishNotConfirmed
	}
	return nil
}
