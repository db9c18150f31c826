package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/google/uuid"
)

// DefaultRequestTimeout bounds a Send whose context has no deadline
const DefaultRequestTimeout = 30 * time.Second

// PendingRequest is a Send awaiting its reply. It is resolved exactly once.
type PendingRequest struct {
	CorrelationID string
	Pattern       string
	SentAt        time.Time
	result        chan replyResult
}

type replyResult struct {
	env *contracts.Envelope
	err error
}

// Publisher sends envelopes to a single queue over a shared Transport.
// Send correlates replies through a private reply subscription that is
// opened on first use.
type Publisher struct {
	transport Transport
	queue     string
	timeout   time.Duration
	logger    *slog.Logger
	metrics   MetricsCollector
	newID     func() string

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	replySub Subscription
	closed   bool
	done     chan struct{}

	pendingMu sync.Mutex
	pending   map[string]*PendingRequest
}

// PublisherOption configures a Publisher
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithRequestTimeout sets the timeout applied to Send when the context has
// no deadline. Zero or less leaves Send bounded by its context only.
func WithRequestTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.timeout = timeout
	}
}

// WithPublisherMetrics sets the metrics collector
func WithPublisherMetrics(metrics MetricsCollector) PublisherOption {
	return func(p *Publisher) {
		p.metrics = metrics
	}
}

// WithCorrelationIDGenerator replaces the UUIDv4 correlation ID source
func WithCorrelationIDGenerator(fn func() string) PublisherOption {
	return func(p *Publisher) {
		p.newID = fn
	}
}

// NewPublisher creates a publisher for queue
func NewPublisher(transport Transport, queue string, options ...PublisherOption) *Publisher {
	ctx, cancel := context.WithCancel(context.Background())

	p := &Publisher{
		transport: transport,
		queue:     queue,
		timeout:   DefaultRequestTimeout,
		logger:    slog.Default(),
		metrics:   NoOpMetricsCollector{},
		newID:     uuid.NewString,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		pending:   make(map[string]*PendingRequest),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Queue returns the destination queue
func (p *Publisher) Queue() string {
	return p.queue
}

// Emit publishes a fire-and-forget envelope. It returns once the transport
// accepted the publish; no acknowledgement from a consumer is awaited.
func (p *Publisher) Emit(ctx context.Context, pattern string, payload any) error {
	if p.isClosed() {
		return ErrPublisherClosed
	}

	raw, err := contracts.EncodePayload(payload)
	if err != nil {
		return err
	}

	env := contracts.NewEvent(pattern, raw)
	if err := env.Validate(); err != nil {
		return err
	}

	err = p.transport.Publish(ctx, p.queue, env)
	p.metrics.RecordPublish(pattern, contracts.KindEvent.String(), err)
	if err != nil {
		return err
	}

	p.logger.Debug("event emitted", "pattern", pattern, "queue", p.queue)
	return nil
}

// Send publishes a request and waits for its reply. It returns the reply
// payload, a *HandlerError when the remote handler failed, or a
// *RequestError when the request could not be published or no reply
// arrived in time. Requests are never retried.
func (p *Publisher) Send(ctx context.Context, pattern string, payload any) (json.RawMessage, error) {
	start := time.Now()

	raw, err := contracts.EncodePayload(payload)
	if err != nil {
		return nil, &RequestError{Pattern: pattern, Err: err}
	}

	// Checked before the reply queue is opened so a bad pattern leaves no
	// listener behind.
	correlationID := p.newID()
	env := contracts.NewRequest(pattern, raw, correlationID, "")
	if err := env.Validate(); err != nil {
		return nil, &RequestError{Pattern: pattern, CorrelationID: correlationID, Err: err}
	}

	replyTo, err := p.replies()
	if err != nil {
		return nil, &RequestError{Pattern: pattern, CorrelationID: correlationID, Err: err}
	}
	env.ReplyTo = replyTo

	if _, ok := ctx.Deadline(); !ok && p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	pending := p.track(correlationID, pattern)
	defer p.untrack(correlationID)

	if err := p.transport.Publish(ctx, p.queue, env); err != nil {
		p.metrics.RecordPublish(pattern, contracts.KindRequest.String(), err)
		p.metrics.RecordRequest(pattern, time.Since(start), OutcomeError)
		return nil, &RequestError{Pattern: pattern, CorrelationID: correlationID, Err: err}
	}
	p.metrics.RecordPublish(pattern, contracts.KindRequest.String(), nil)

	p.logger.Debug("request sent",
		"pattern", pattern,
		"correlationId", correlationID,
		"replyTo", replyTo,
	)

	select {
	case res := <-pending.result:
		if res.err != nil {
			p.metrics.RecordRequest(pattern, time.Since(start), OutcomeError)
			return nil, &RequestError{Pattern: pattern, CorrelationID: correlationID, Err: res.err}
		}
		if res.env.Error != nil {
			p.metrics.RecordRequest(pattern, time.Since(start), OutcomeError)
			return nil, &HandlerError{
				Pattern: pattern,
				Code:    res.env.Error.Code,
				Message: res.env.Error.Message,
			}
		}
		p.metrics.RecordRequest(pattern, time.Since(start), OutcomeSuccess)
		return res.env.Payload, nil

	case <-ctx.Done():
		err := ctx.Err()
		outcome := OutcomeError
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", ErrRequestTimeout, err)
			outcome = OutcomeTimeout
		}
		p.metrics.RecordRequest(pattern, time.Since(start), outcome)
		p.logger.Warn("request abandoned",
			"pattern", pattern,
			"correlationId", correlationID,
			"duration", time.Since(start),
			"error", err,
		)
		return nil, &RequestError{Pattern: pattern, CorrelationID: correlationID, Err: err}

	case <-p.done:
		p.metrics.RecordRequest(pattern, time.Since(start), OutcomeError)
		return nil, &RequestError{Pattern: pattern, CorrelationID: correlationID, Err: ErrPublisherClosed}
	}
}

// Request sends a typed request and decodes the typed reply
func Request[Req, Resp any](ctx context.Context, p *Publisher, pattern string, req Req) (Resp, error) {
	var zero Resp

	raw, err := p.Send(ctx, pattern, req)
	if err != nil {
		return zero, err
	}

	resp, err := contracts.DecodePayload[Resp](raw)
	if err != nil {
		return zero, &RequestError{Pattern: pattern, Err: err}
	}
	return resp, nil
}

// Pending returns the number of in-flight requests
func (p *Publisher) Pending() int {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	return len(p.pending)
}

// Close fails in-flight requests and releases the reply subscription. The
// shared transport is left open.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	sub := p.replySub
	p.replySub = nil
	close(p.done)
	p.cancel()
	p.mu.Unlock()

	if sub != nil {
		return sub.Close()
	}
	return nil
}

func (p *Publisher) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// replies returns the reply destination, opening the reply subscription if needed
func (p *Publisher) replies() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return "", ErrPublisherClosed
	}
	if p.replySub != nil {
		return p.replySub.Queue(), nil
	}

	sub, err := p.transport.SubscribeReplies(p.ctx)
	if err != nil {
		return "", err
	}
	p.replySub = sub

	p.logger.Debug("reply subscription opened", "replyTo", sub.Queue())
	go p.listen(sub)

	return sub.Queue(), nil
}

func (p *Publisher) listen(sub Subscription) {
	for env := range sub.Envelopes() {
		p.resolve(env)
	}
	_ = sub.Close()

	p.mu.Lock()
	if p.replySub == sub {
		p.replySub = nil
	}
	p.mu.Unlock()

	p.failAll(ErrSubscriptionClosed)
}

func (p *Publisher) track(correlationID, pattern string) *PendingRequest {
	pending := &PendingRequest{
		CorrelationID: correlationID,
		Pattern:       pattern,
		SentAt:        time.Now(),
		result:        make(chan replyResult, 1),
	}

	p.pendingMu.Lock()
	p.pending[correlationID] = pending
	n := len(p.pending)
	p.pendingMu.Unlock()

	p.metrics.SetPendingRequests(n)
	return pending
}

func (p *Publisher) untrack(correlationID string) {
	p.pendingMu.Lock()
	delete(p.pending, correlationID)
	n := len(p.pending)
	p.pendingMu.Unlock()

	p.metrics.SetPendingRequests(n)
}

// resolve hands a reply to the request it answers. Replies for unknown or
// already resolved correlation IDs are dropped.
func (p *Publisher) resolve(env *contracts.Envelope) {
	p.pendingMu.Lock()
	pending, ok := p.pending[env.CorrelationID]
	if ok {
		delete(p.pending, env.CorrelationID)
	}
	p.pendingMu.Unlock()

	if !ok {
		p.logger.Debug("discarding reply without pending request",
			"correlationId", env.CorrelationID,
			"replyTo", env.Pattern,
		)
		return
	}

	pending.result <- replyResult{env: env}
}

func (p *Publisher) failAll(err error) {
	p.pendingMu.Lock()
	failed := p.pending
	p.pending = make(map[string]*PendingRequest)
	p.pendingMu.Unlock()

	for _, pending := range failed {
		pending.result <- replyResult{err: err}
	}

	if len(failed) > 0 {
		p.logger.Warn("reply subscription lost, failing pending requests",
			"count", len(failed),
			"error", err,
		)
	}
}
