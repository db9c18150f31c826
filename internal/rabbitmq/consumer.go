package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer consumes queues with automatic acknowledgement. A consumption
// survives reconnects: when its channel dies it waits for the connection
// to come back, redeclares the queue and consumes again.
type Consumer struct {
	pool        *ChannelPool
	topology    *TopologyManager
	logger      *slog.Logger
	resumeDelay time.Duration
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithResumeDelay sets the pause between failed attempts to resume consuming
func WithResumeDelay(delay time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.resumeDelay = delay
	}
}

// NewConsumer creates a new consumer
func NewConsumer(pool *ChannelPool, topology *TopologyManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		pool:        pool,
		topology:    topology,
		logger:      slog.Default(),
		resumeDelay: time.Second,
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Consumption is an active consumer on one queue
type Consumption struct {
	Queue QueueDeclaration
	Tag   string

	deliveries chan amqp.Delivery
	cancel     context.CancelFunc
	done       chan struct{}
}

// Deliveries yields messages until the consumption ends
func (s *Consumption) Deliveries() <-chan amqp.Delivery {
	return s.deliveries
}

// Cancel stops consuming and waits for the delivery channel to close
func (s *Consumption) Cancel() {
	s.cancel()
	<-s.done
}

// Consume declares queue and starts consuming it. The returned consumption
// ends when ctx is done, Cancel is called, or the connection manager gives
// up.
func (c *Consumer) Consume(ctx context.Context, queue QueueDeclaration) (*Consumption, error) {
	tag := "mmate-" + uuid.NewString()

	ch, deliveries, err := c.open(ctx, queue, tag)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	sub := &Consumption{
		Queue:      queue,
		Tag:        tag,
		deliveries: make(chan amqp.Delivery),
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	c.logger.Info("consumer started", "queue", queue.Name, "consumerTag", tag)
	go c.run(runCtx, sub, ch, deliveries)

	return sub, nil
}

func (c *Consumer) open(ctx context.Context, queue QueueDeclaration, tag string) (*PooledChannel, <-chan amqp.Delivery, error) {
	if _, err := c.topology.DeclareQueue(ctx, queue); err != nil {
		return nil, nil, err
	}

	ch, err := c.pool.Get(ctx)
	if err != nil {
		return nil, nil, &ConsumerError{Queue: queue.Name, Op: "open channel", Err: err}
	}

	deliveries, err := ch.Consume(
		queue.Name,
		tag,
		true,  // auto-ack
		false, // exclusive consumer
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, nil, &ConsumerError{Queue: queue.Name, Op: "consume", Err: err}
	}

	return ch, deliveries, nil
}

func (c *Consumer) run(ctx context.Context, sub *Consumption, ch *PooledChannel, deliveries <-chan amqp.Delivery) {
	defer close(sub.done)
	defer close(sub.deliveries)

	manager := c.pool.manager

	for {
		if !c.forward(ctx, sub, ch, deliveries) {
			return
		}

		c.logger.Warn("consumer interrupted, waiting for connection", "queue", sub.Queue.Name)

		for {
			select {
			case <-manager.Connected():
			case <-manager.Done():
				c.logger.Error("consumer stopped, connection is gone", "queue", sub.Queue.Name, "error", manager.Err())
				return
			case <-ctx.Done():
				return
			}

			var err error
			ch, deliveries, err = c.open(ctx, sub.Queue, sub.Tag)
			if err == nil {
				c.logger.Info("consumer resumed", "queue", sub.Queue.Name)
				break
			}

			c.logger.Debug("resume failed", "queue", sub.Queue.Name, "error", err)
			select {
			case <-time.After(c.resumeDelay):
			case <-ctx.Done():
				return
			}
		}
	}
}

// forward copies deliveries to the consumption. It reports false when the
// consumption should end and true when the channel died underneath it.
func (c *Consumer) forward(ctx context.Context, sub *Consumption, ch *PooledChannel, deliveries <-chan amqp.Delivery) bool {
	stop := func() {
		_ = ch.Cancel(sub.Tag, false)
		_ = ch.Close()
	}

	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				_ = ch.Close()
				return true
			}
			select {
			case sub.deliveries <- d:
			case <-ctx.Done():
				stop()
				return false
			}
		case <-ctx.Done():
			stop()
			return false
		}
	}
}
