package memory

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/messaging"
	"github.com/glimte/mmate-rpc/serialization"
	"github.com/google/uuid"
)

const transportName = "memory"

// Transport implements messaging.Transport on a Broker
type Transport struct {
	broker  *Broker
	codec   serialization.Codec
	durable bool
	logger  *slog.Logger

	state atomic.Int32

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// Option configures a Transport
type Option func(*Transport)

// WithCodec sets the codec used for message bodies
func WithCodec(codec serialization.Codec) Option {
	return func(t *Transport) {
		t.codec = codec
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithDurable sets the durability of queues declared by this transport
func WithDurable(durable bool) Option {
	return func(t *Transport) {
		t.durable = durable
	}
}

// New creates a transport connected to broker
func New(broker *Broker, options ...Option) *Transport {
	t := &Transport{
		broker: broker,
		codec:  serialization.NewWireCodec(),
		logger: slog.Default(),
		subs:   make(map[*subscription]struct{}),
	}

	for _, opt := range options {
		opt(t)
	}

	t.state.Store(int32(messaging.StateConnected))
	return t
}

// Broker returns the underlying broker
func (t *Transport) Broker() *Broker {
	return t.broker
}

// State implements messaging.Transport
func (t *Transport) State() messaging.ConnectionState {
	return messaging.ConnectionState(t.state.Load())
}

// Disconnect simulates losing the link. Subscriptions stay open and resume
// after Reconnect.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.state.Store(int32(messaging.StateDisconnected))
}

// Reconnect restores a link lost with Disconnect
func (t *Transport) Reconnect() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.state.Store(int32(messaging.StateConnecting))
	t.state.Store(int32(messaging.StateConnected))
	t.mu.Unlock()

	t.broker.wakeAll()
}

// Publish implements messaging.Transport. Replies addressed to a reply
// queue that no longer exists are dropped, as a broker drops unroutable
// messages.
func (t *Transport) Publish(ctx context.Context, queueName string, env *contracts.Envelope) error {
	if err := ctx.Err(); err != nil {
		return &messaging.PublishError{Queue: queueName, Pattern: env.Pattern, Err: err}
	}
	if t.State() != messaging.StateConnected {
		return &messaging.PublishError{Queue: queueName, Pattern: env.Pattern, Err: messaging.ErrNotConnected}
	}

	body, err := t.codec.Marshal(env)
	if err != nil {
		return &messaging.PublishError{Queue: queueName, Pattern: env.Pattern, Err: err}
	}

	var q *queue
	if env.IsReply() {
		existing, ok := t.broker.lookup(queueName)
		if !ok {
			t.logger.Debug("reply queue gone, reply dropped", "queue", queueName, "correlationId", env.CorrelationID)
			return nil
		}
		q = existing
	} else {
		q = t.broker.declare(queueName, t.durable, false)
	}

	q.push(message{
		body:          body,
		correlationID: env.CorrelationID,
		replyTo:       env.ReplyTo,
		headers:       maps.Clone(env.Headers),
	})
	t.broker.recordPublish(queueName)
	return nil
}

// Subscribe implements messaging.Transport
func (t *Transport) Subscribe(ctx context.Context, queueName string) (messaging.Subscription, error) {
	if t.State() != messaging.StateConnected {
		return nil, &messaging.ConnectionError{Transport: transportName, Op: "subscribe " + queueName, Err: messaging.ErrNotConnected}
	}
	q := t.broker.declare(queueName, t.durable, false)
	return t.start(ctx, q)
}

// SubscribeReplies implements messaging.Transport. The reply queue is
// deleted when the subscription closes.
func (t *Transport) SubscribeReplies(ctx context.Context) (messaging.Subscription, error) {
	if t.State() != messaging.StateConnected {
		return nil, &messaging.ConnectionError{Transport: transportName, Op: "subscribe replies", Err: messaging.ErrNotConnected}
	}
	q := t.broker.declare("reply."+uuid.NewString(), false, true)
	return t.start(ctx, q)
}

// Close implements messaging.Transport
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.state.Store(int32(messaging.StateClosing))
	subs := make([]*subscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}

	t.state.Store(int32(messaging.StateDisconnected))
	return nil
}

// InspectQueue implements messaging.QueueInspector
func (t *Transport) InspectQueue(ctx context.Context, queueName string) (messaging.QueueStats, error) {
	if t.State() != messaging.StateConnected {
		return messaging.QueueStats{}, &messaging.ConnectionError{Transport: transportName, Op: "inspect " + queueName, Err: messaging.ErrNotConnected}
	}
	q, ok := t.broker.lookup(queueName)
	if !ok {
		return messaging.QueueStats{}, messaging.ErrQueueNotFound
	}
	messages, consumers := q.stats()
	return messaging.QueueStats{Queue: queueName, Messages: messages, Consumers: consumers}, nil
}

func (t *Transport) start(ctx context.Context, q *queue) (*subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, &messaging.ConnectionError{Transport: transportName, Op: "subscribe " + q.name, Err: messaging.ErrTransportClosed}
	}

	s := &subscription{
		transport: t,
		queue:     q,
		out:       make(chan *contracts.Envelope),
		done:      make(chan struct{}),
	}
	t.subs[s] = struct{}{}
	q.attach(1)

	go s.run(ctx)
	return s, nil
}

func (t *Transport) release(s *subscription) {
	t.mu.Lock()
	delete(t.subs, s)
	t.mu.Unlock()
	s.queue.attach(-1)

	if s.queue.exclusive {
		t.broker.delete(s.queue.name)
	}
}

type subscription struct {
	transport *Transport
	queue     *queue
	out       chan *contracts.Envelope
	done      chan struct{}
	once      sync.Once
}

func (s *subscription) Queue() string {
	return s.queue.name
}

func (s *subscription) Envelopes() <-chan *contracts.Envelope {
	return s.out
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		close(s.done)
	})
	return nil
}

// run delivers messages while the transport is connected. A message taken
// from the queue is considered acknowledged.
func (s *subscription) run(ctx context.Context) {
	defer func() {
		s.transport.release(s)
		close(s.out)
	}()

	for {
		if s.transport.State() == messaging.StateConnected {
			if m, ok := s.queue.pop(); ok {
				env, err := s.decode(m)
				if err != nil {
					s.transport.logger.Error("dropping undecodable message", "queue", s.queue.name, "error", err)
					continue
				}

				select {
				case s.out <- env:
				case <-s.done:
					return
				case <-ctx.Done():
					return
				}
				continue
			}
		}

		select {
		case <-s.queue.signal:
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *subscription) decode(m message) (*contracts.Envelope, error) {
	env, err := s.transport.codec.Unmarshal(s.queue.name, m.body)
	if err != nil {
		return nil, err
	}
	if m.correlationID != "" {
		env.CorrelationID = m.correlationID
	}
	env.ReplyTo = m.replyTo
	env.Headers = m.headers
	return env, nil
}
