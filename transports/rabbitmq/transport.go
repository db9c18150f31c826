// Package rabbitmq implements messaging.Transport on RabbitMQ.
//
// Envelopes are published to the default exchange with the queue name as
// routing key. Correlation identifiers and reply destinations travel as
// AMQP properties as well as inside the body, so services speaking the
// NestJS framing can share the queues.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/internal/rabbitmq"
	"github.com/glimte/mmate-rpc/messaging"
	"github.com/glimte/mmate-rpc/serialization"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const transportName = "rabbitmq"

// Transport implements messaging.Transport for RabbitMQ
type Transport struct {
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	topology  *rabbitmq.TopologyManager
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	codec     serialization.Codec
	durable   bool
	logger    *slog.Logger

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	Confirms          bool
	ConfirmTimeout    time.Duration
	Durable           bool
	Codec             serialization.Codec
	Logger            *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithConfirms enables publisher confirms
func WithConfirms(enabled bool) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Confirms = enabled
	}
}

// WithConfirmTimeout bounds the wait for a broker confirmation. It only
// matters with confirms enabled.
func WithConfirmTimeout(timeout time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConfirmTimeout = timeout
	}
}

// WithDurable sets the durability of work queues declared by the transport
func WithDurable(durable bool) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Durable = durable
	}
}

// WithCodec sets the body codec
func WithCodec(codec serialization.Codec) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Codec = codec
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// NewTransport creates a transport for url without connecting it
func NewTransport(url string, options ...TransportOption) *Transport {
	cfg := &TransportConfig{
		Codec:  serialization.NewWireCodec(),
		Logger: slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(url, connOpts...)
	pool := rabbitmq.NewChannelPool(manager, rabbitmq.WithConfirms(cfg.Confirms))
	topology := rabbitmq.NewTopologyManager(pool)

	pubOpts := []rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(cfg.Logger)}
	if cfg.ConfirmTimeout > 0 {
		pubOpts = append(pubOpts, rabbitmq.WithConfirmTimeout(cfg.ConfirmTimeout))
	}

	return &Transport{
		manager:   manager,
		pool:      pool,
		topology:  topology,
		publisher: rabbitmq.NewPublisher(pool, pubOpts...),
		consumer:  rabbitmq.NewConsumer(pool, topology, rabbitmq.WithConsumerLogger(cfg.Logger)),
		codec:     cfg.Codec,
		durable:   cfg.Durable,
		logger:    cfg.Logger,
		subs:      make(map[*subscription]struct{}),
	}
}

// Dial creates a transport and establishes its connection
func Dial(ctx context.Context, url string, options ...TransportOption) (*Transport, error) {
	t := NewTransport(url, options...)
	if err := t.Connect(ctx); err != nil {
		_ = t.Close()
		return nil, err
	}
	return t, nil
}

// Connect establishes the connection
func (t *Transport) Connect(ctx context.Context) error {
	if err := t.manager.Connect(ctx); err != nil {
		return &messaging.ConnectionError{Transport: transportName, Op: "connect " + t.manager.URL(), Err: err}
	}
	return nil
}

// State implements messaging.Transport
func (t *Transport) State() messaging.ConnectionState {
	return mapState(t.manager.State())
}

// Err returns the error that ended reconnection, if any. The health
// checker reports it once the transport has given up.
func (t *Transport) Err() error {
	return t.manager.Err()
}

func mapState(s rabbitmq.State) messaging.ConnectionState {
	switch s {
	case rabbitmq.StateConnecting:
		return messaging.StateConnecting
	case rabbitmq.StateConnected:
		return messaging.StateConnected
	case rabbitmq.StateClosing:
		return messaging.StateClosing
	default:
		return messaging.StateDisconnected
	}
}

// Publish implements messaging.Transport. Work queues are declared on first
// use; replies are routed to their reply queue without declaring it, so a
// reply to a vanished caller is dropped by the broker.
func (t *Transport) Publish(ctx context.Context, queue string, env *contracts.Envelope) error {
	if t.State() != messaging.StateConnected {
		return &messaging.PublishError{Queue: queue, Pattern: env.Pattern, Err: messaging.ErrNotConnected}
	}

	body, err := t.codec.Marshal(env)
	if err != nil {
		return &messaging.PublishError{Queue: queue, Pattern: env.Pattern, Err: err}
	}

	if !env.IsReply() {
		if err := t.topology.EnsureQueue(ctx, t.workQueue(queue)); err != nil {
			return &messaging.PublishError{Queue: queue, Pattern: env.Pattern, Err: err}
		}
	}

	msg := toPublishing(env, body, t.codec.ContentType(), t.durable)
	if err := t.publisher.Publish(ctx, "", queue, msg); err != nil {
		return &messaging.PublishError{Queue: queue, Pattern: env.Pattern, Err: err}
	}
	return nil
}

// Subscribe implements messaging.Transport
func (t *Transport) Subscribe(ctx context.Context, queue string) (messaging.Subscription, error) {
	return t.subscribe(ctx, t.workQueue(queue))
}

// SubscribeReplies implements messaging.Transport. The reply queue is
// exclusive to this connection and deleted by the broker once its consumer
// goes away.
func (t *Transport) SubscribeReplies(ctx context.Context) (messaging.Subscription, error) {
	return t.subscribe(ctx, rabbitmq.QueueDeclaration{
		Name:       "reply." + uuid.NewString(),
		Exclusive:  true,
		AutoDelete: true,
	})
}

// InspectQueue implements messaging.QueueInspector
func (t *Transport) InspectQueue(ctx context.Context, queue string) (messaging.QueueStats, error) {
	if t.State() != messaging.StateConnected {
		return messaging.QueueStats{}, &messaging.ConnectionError{Transport: transportName, Op: "inspect " + queue, Err: messaging.ErrNotConnected}
	}

	q, err := t.topology.InspectQueue(ctx, queue)
	if err != nil {
		if rabbitmq.IsNotFound(err) {
			return messaging.QueueStats{}, messaging.ErrQueueNotFound
		}
		return messaging.QueueStats{}, &messaging.ConnectionError{Transport: transportName, Op: "inspect " + queue, Err: err}
	}
	return messaging.QueueStats{Queue: q.Name, Messages: q.Messages, Consumers: q.Consumers}, nil
}

func (t *Transport) workQueue(name string) rabbitmq.QueueDeclaration {
	return rabbitmq.QueueDeclaration{Name: name, Durable: t.durable}
}

func (t *Transport) subscribe(ctx context.Context, queue rabbitmq.QueueDeclaration) (messaging.Subscription, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, &messaging.ConnectionError{Transport: transportName, Op: "subscribe " + queue.Name, Err: messaging.ErrTransportClosed}
	}
	if t.State() != messaging.StateConnected {
		return nil, &messaging.ConnectionError{Transport: transportName, Op: "subscribe " + queue.Name, Err: messaging.ErrNotConnected}
	}

	consumption, err := t.consumer.Consume(ctx, queue)
	if err != nil {
		return nil, &messaging.ConnectionError{Transport: transportName, Op: "subscribe " + queue.Name, Err: err}
	}

	s := &subscription{
		transport:   t,
		consumption: consumption,
		out:         make(chan *contracts.Envelope),
		done:        make(chan struct{}),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		consumption.Cancel()
		return nil, &messaging.ConnectionError{Transport: transportName, Op: "subscribe " + queue.Name, Err: messaging.ErrTransportClosed}
	}
	t.subs[s] = struct{}{}
	t.mu.Unlock()

	go s.run()
	return s, nil
}

// Close implements messaging.Transport
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := make([]*subscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}

	_ = t.pool.Close()
	if err := t.manager.Close(); err != nil {
		return &messaging.ConnectionError{Transport: transportName, Op: "close", Err: err}
	}
	return nil
}

func (t *Transport) release(s *subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, s)
}

type subscription struct {
	transport   *Transport
	consumption *rabbitmq.Consumption
	out         chan *contracts.Envelope
	done        chan struct{}
	once        sync.Once
}

func (s *subscription) Queue() string {
	return s.consumption.Queue.Name
}

func (s *subscription) Envelopes() <-chan *contracts.Envelope {
	return s.out
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.consumption.Cancel()
	})
	return nil
}

func (s *subscription) run() {
	defer func() {
		s.transport.release(s)
		close(s.out)
	}()

	for d := range s.consumption.Deliveries() {
		env, err := fromDelivery(s.transport.codec, s.Queue(), d)
		if err != nil {
			s.transport.logger.Error("dropping undecodable message",
				"queue", s.Queue(),
				"messageId", d.MessageId,
				"error", err)
			continue
		}

		select {
		case s.out <- env:
		case <-s.done:
			return
		}
	}
}

// toPublishing maps an envelope onto AMQP properties
func toPublishing(env *contracts.Envelope, body []byte, contentType string, persistent bool) amqp.Publishing {
	msg := amqp.Publishing{
		ContentType:   contentType,
		CorrelationId: env.CorrelationID,
		ReplyTo:       env.ReplyTo,
		MessageId:     uuid.NewString(),
		Timestamp:     env.Timestamp,
		Type:          env.Pattern,
		DeliveryMode:  amqp.Transient,
		Body:          body,
	}
	if persistent && !env.IsReply() {
		msg.DeliveryMode = amqp.Persistent
	}
	if len(env.Headers) > 0 {
		msg.Headers = make(amqp.Table, len(env.Headers))
		for k, v := range env.Headers {
			msg.Headers[k] = v
		}
	}
	return msg
}

// fromDelivery decodes a delivery and overlays its AMQP properties
func fromDelivery(codec serialization.Codec, queue string, d amqp.Delivery) (*contracts.Envelope, error) {
	env, err := codec.Unmarshal(queue, d.Body)
	if err != nil {
		return nil, err
	}

	if d.CorrelationId != "" {
		env.CorrelationID = d.CorrelationId
	}
	if d.ReplyTo != "" {
		env.ReplyTo = d.ReplyTo
	}
	if !d.Timestamp.IsZero() {
		env.Timestamp = d.Timestamp
	}
	if len(d.Headers) > 0 {
		env.Headers = make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			switch v := v.(type) {
			case string:
				env.Headers[k] = v
			case []byte:
				env.Headers[k] = string(v)
			default:
				env.Headers[k] = fmt.Sprint(v)
			}
		}
	}
	return env, nil
}
