// Package nats implements messaging.Transport on core NATS.
//
// A queue maps to a subject and every Subscribe joins the same queue group,
// so subscribers compete for messages the way RabbitMQ consumers do. Core
// NATS keeps nothing: a message published while no subscriber listens is
// gone, which matches the non-durable queues this module uses.
package nats

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/messaging"
	"github.com/glimte/mmate-rpc/serialization"
	"github.com/nats-io/nats.go"
)

const transportName = "nats"

// Headers carrying envelope metadata
const (
	HeaderCorrelationID = "Correlation-Id"
	HeaderContentType   = "Content-Type"
	HeaderPattern       = "Pattern"
)

// Transport implements messaging.Transport for NATS
type Transport struct {
	conn       *nats.Conn
	queueGroup string
	codec      serialization.Codec
	logger     *slog.Logger

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool

	gone     chan struct{}
	goneOnce sync.Once
}

// Config holds configuration for the transport
type Config struct {
	QueueGroup string
	Codec      serialization.Codec
	Logger     *slog.Logger
	Options    []nats.Option
}

// Option configures the transport
type Option func(*Config)

// WithQueueGroup sets the queue group shared by competing subscribers
func WithQueueGroup(group string) Option {
	return func(cfg *Config) {
		cfg.QueueGroup = group
	}
}

// WithCodec sets the body codec
func WithCodec(codec serialization.Codec) Option {
	return func(cfg *Config) {
		cfg.Codec = codec
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *Config) {
		cfg.Logger = logger
	}
}

// WithNATSOptions passes options to the NATS client
func WithNATSOptions(opts ...nats.Option) Option {
	return func(cfg *Config) {
		cfg.Options = append(cfg.Options, opts...)
	}
}

func newConfig(options []Option) *Config {
	cfg := &Config{
		QueueGroup: "mmate-rpc",
		Codec:      serialization.NewWireCodec(),
		Logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

func newTransport(cfg *Config) *Transport {
	return &Transport{
		queueGroup: cfg.QueueGroup,
		codec:      cfg.Codec,
		logger:     cfg.Logger,
		subs:       make(map[*subscription]struct{}),
		gone:       make(chan struct{}),
	}
}

// Dial connects to the NATS server at url. The client reconnects on its own
// after the initial connection succeeds.
func Dial(ctx context.Context, url string, options ...Option) (*Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, &messaging.ConnectionError{Transport: transportName, Op: "connect", Err: err}
	}

	cfg := newConfig(options)
	t := newTransport(cfg)

	opts := []nats.Option{
		nats.Name("mmate-rpc"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}
	opts = append(opts, cfg.Options...)
	opts = append(opts,
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			t.logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			t.logger.Info("nats reconnected", "url", c.ConnectedUrlRedacted())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			t.logger.Info("nats connection closed")
			t.markGone()
		}),
	)

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, &messaging.ConnectionError{Transport: transportName, Op: "connect", Err: err}
	}
	t.conn = conn

	t.logger.Info("connected to NATS", "url", conn.ConnectedUrlRedacted())
	return t, nil
}

// State implements messaging.Transport
func (t *Transport) State() messaging.ConnectionState {
	if t.conn == nil {
		return messaging.StateDisconnected
	}
	return mapStatus(t.conn.Status())
}

func mapStatus(s nats.Status) messaging.ConnectionState {
	switch s {
	case nats.CONNECTED:
		return messaging.StateConnected
	case nats.CONNECTING, nats.RECONNECTING:
		return messaging.StateConnecting
	case nats.DRAINING_SUBS, nats.DRAINING_PUBS:
		return messaging.StateClosing
	default:
		return messaging.StateDisconnected
	}
}

// Publish implements messaging.Transport
func (t *Transport) Publish(ctx context.Context, queue string, env *contracts.Envelope) error {
	if err := ctx.Err(); err != nil {
		return &messaging.PublishError{Queue: queue, Pattern: env.Pattern, Err: err}
	}
	if t.State() != messaging.StateConnected {
		return &messaging.PublishError{Queue: queue, Pattern: env.Pattern, Err: messaging.ErrNotConnected}
	}

	body, err := t.codec.Marshal(env)
	if err != nil {
		return &messaging.PublishError{Queue: queue, Pattern: env.Pattern, Err: err}
	}

	if err := t.conn.PublishMsg(toMsg(queue, env, body, t.codec.ContentType())); err != nil {
		return &messaging.PublishError{Queue: queue, Pattern: env.Pattern, Err: err}
	}
	if err := t.conn.Flush(); err != nil {
		return &messaging.PublishError{Queue: queue, Pattern: env.Pattern, Err: err}
	}
	return nil
}

// Subscribe implements messaging.Transport
func (t *Transport) Subscribe(ctx context.Context, queue string) (messaging.Subscription, error) {
	return t.subscribe(ctx, queue, t.queueGroup)
}

// SubscribeReplies implements messaging.Transport. Replies arrive on a
// private inbox subject.
func (t *Transport) SubscribeReplies(ctx context.Context) (messaging.Subscription, error) {
	return t.subscribe(ctx, nats.NewInbox(), "")
}

func (t *Transport) subscribe(ctx context.Context, subject, group string) (messaging.Subscription, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, &messaging.ConnectionError{Transport: transportName, Op: "subscribe " + subject, Err: messaging.ErrTransportClosed}
	}
	if t.State() != messaging.StateConnected {
		return nil, &messaging.ConnectionError{Transport: transportName, Op: "subscribe " + subject, Err: messaging.ErrNotConnected}
	}

	msgs := make(chan *nats.Msg, 64)
	var (
		sub *nats.Subscription
		err error
	)
	if group == "" {
		sub, err = t.conn.ChanSubscribe(subject, msgs)
	} else {
		sub, err = t.conn.ChanQueueSubscribe(subject, group, msgs)
	}
	if err != nil {
		return nil, &messaging.ConnectionError{Transport: transportName, Op: "subscribe " + subject, Err: err}
	}
	if err := t.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, &messaging.ConnectionError{Transport: transportName, Op: "subscribe " + subject, Err: err}
	}

	s := &subscription{
		transport: t,
		subject:   subject,
		sub:       sub,
		msgs:      msgs,
		out:       make(chan *contracts.Envelope),
		done:      make(chan struct{}),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = sub.Unsubscribe()
		return nil, &messaging.ConnectionError{Transport: transportName, Op: "subscribe " + subject, Err: messaging.ErrTransportClosed}
	}
	t.subs[s] = struct{}{}
	t.mu.Unlock()

	go s.run(ctx)
	return s, nil
}

// Close implements messaging.Transport. Subscriptions are drained before
// the connection closes.
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

	t.markGone()
	if t.conn != nil {
		t.conn.Close()
	}
	return nil
}

func (t *Transport) markGone() {
	t.goneOnce.Do(func() {
		close(t.gone)
	})
}

func (t *Transport) release(s *subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, s)
}

type subscription struct {
	transport *Transport
	subject   string
	sub       *nats.Subscription
	msgs      chan *nats.Msg
	out       chan *contracts.Envelope
	done      chan struct{}
	once      sync.Once
}

func (s *subscription) Queue() string {
	return s.subject
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

func (s *subscription) run(ctx context.Context) {
	defer func() {
		_ = s.sub.Unsubscribe()
		s.transport.release(s)
		close(s.out)
	}()

	for {
		select {
		case m := <-s.msgs:
			env, err := fromMsg(s.transport.codec, s.subject, m)
			if err != nil {
				s.transport.logger.Error("dropping undecodable message", "subject", s.subject, "error", err)
				continue
			}
			select {
			case s.out <- env:
			case <-s.done:
				return
			case <-ctx.Done():
				return
			case <-s.transport.gone:
				return
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-s.transport.gone:
			return
		}
	}
}

// toMsg maps an envelope onto a NATS message
func toMsg(subject string, env *contracts.Envelope, body []byte, contentType string) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Data = body
	msg.Reply = env.ReplyTo

	for k, v := range env.Headers {
		msg.Header.Set(k, v)
	}
	if contentType != "" {
		msg.Header.Set(HeaderContentType, contentType)
	}
	if env.CorrelationID != "" {
		msg.Header.Set(HeaderCorrelationID, env.CorrelationID)
	}
	if !env.IsReply() {
		msg.Header.Set(HeaderPattern, env.Pattern)
	}
	return msg
}

// fromMsg decodes a NATS message and overlays its metadata
func fromMsg(codec serialization.Codec, subject string, m *nats.Msg) (*contracts.Envelope, error) {
	env, err := codec.Unmarshal(subject, m.Data)
	if err != nil {
		return nil, err
	}

	if id := m.Header.Get(HeaderCorrelationID); id != "" {
		env.CorrelationID = id
	}
	if m.Reply != "" {
		env.ReplyTo = m.Reply
	}

	for k, values := range m.Header {
		switch k {
		case HeaderCorrelationID, HeaderContentType, HeaderPattern:
			continue
		}
		if len(values) == 0 {
			continue
		}
		if env.Headers == nil {
			env.Headers = make(map[string]string, len(m.Header))
		}
		env.Headers[k] = values[0]
	}
	return env, nil
}
