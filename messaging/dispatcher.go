package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/interceptors"
)

// NoHandlerMessage is the error message sent for requests whose pattern has no handler
const NoHandlerMessage = "There is no matching message handler defined in the remote service."

// Dispatcher routes inbound envelopes to the handlers of a Registry and
// answers requests on their reply destination
type Dispatcher struct {
	transport        Transport
	registry         *Registry
	chain            *interceptors.Chain
	logger           *slog.Logger
	metrics          MetricsCollector
	replyOnUnmatched bool
}

// DispatcherOption configures a Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithDispatcherMetrics sets the metrics collector
func WithDispatcherMetrics(metrics MetricsCollector) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = metrics
	}
}

// WithInterceptors appends interceptors around every handler call. Panic
// recovery is always installed as the outermost interceptor.
func WithInterceptors(list ...interceptors.Interceptor) DispatcherOption {
	return func(d *Dispatcher) {
		for _, i := range list {
			d.chain.Add(i)
		}
	}
}

// WithReplyOnUnmatched makes the dispatcher answer requests for unknown
// patterns with a no_handler error reply instead of dropping them
func WithReplyOnUnmatched(enabled bool) DispatcherOption {
	return func(d *Dispatcher) {
		d.replyOnUnmatched = enabled
	}
}

// NewDispatcher creates a dispatcher over transport
func NewDispatcher(transport Transport, registry *Registry, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		transport: transport,
		registry:  registry,
		chain:     interceptors.NewChain(interceptors.NewRecoveryInterceptor()),
		logger:    slog.Default(),
		metrics:   NoOpMetricsCollector{},
	}

	for _, opt := range options {
		opt(d)
	}

	return d
}

// Registry returns the handler table
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Serve subscribes to queue and dispatches envelopes one at a time in
// arrival order. It returns nil when ctx is cancelled and a
// *ConnectionError when the subscription ends on its own.
func (d *Dispatcher) Serve(ctx context.Context, queue string) error {
	sub, err := d.transport.Subscribe(ctx, queue)
	if err != nil {
		return err
	}
	defer sub.Close()

	d.logger.Info("dispatcher started",
		"queue", queue,
		"patterns", d.registry.Patterns(),
	)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped", "queue", queue)
			return nil

		case env, ok := <-sub.Envelopes():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return &ConnectionError{Op: "serve " + queue, Err: ErrSubscriptionClosed}
			}

			if err := d.Dispatch(ctx, env); err != nil {
				d.logger.Error("dispatch failed",
					"queue", queue,
					"pattern", env.Pattern,
					"correlationId", env.CorrelationID,
					"error", err,
				)
			}
		}
	}
}

// Dispatch handles a single envelope. Unmatched patterns are dropped.
// Requests receive exactly one reply: the handler result, or an error reply
// when the handler fails.
func (d *Dispatcher) Dispatch(ctx context.Context, env *contracts.Envelope) error {
	start := time.Now()

	handler, ok := d.registry.Lookup(env.Pattern)
	if !ok {
		d.metrics.RecordDispatch(env.Pattern, time.Since(start), OutcomeUnmatched)
		d.logger.Warn("no handler registered, message dropped",
			"pattern", env.Pattern,
			"correlationId", env.CorrelationID,
		)
		if d.replyOnUnmatched && env.IsRequest() {
			return d.reply(ctx, env, contracts.NewErrorReply(env, contracts.NewError(contracts.CodeNoHandler, NoHandlerMessage)))
		}
		return nil
	}

	result, err := d.chain.Execute(ctx, env, handler.Handle)

	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	d.metrics.RecordDispatch(env.Pattern, time.Since(start), outcome)

	if !env.IsRequest() {
		if err != nil {
			return fmt.Errorf("handle %q: %w", env.Pattern, err)
		}
		return nil
	}

	var reply *contracts.Envelope
	if err != nil {
		reply = contracts.NewErrorReply(env, toErrorReply(err))
	} else {
		payload, encErr := contracts.EncodePayload(result)
		if encErr != nil {
			err = encErr
			reply = contracts.NewErrorReply(env, contracts.NewError(contracts.CodeHandlerError, "encode result: "+encErr.Error()))
		} else {
			reply = contracts.NewReply(env, payload)
		}
	}

	if pubErr := d.reply(ctx, env, reply); pubErr != nil {
		return errors.Join(err, pubErr)
	}
	if err != nil {
		return fmt.Errorf("handle %q: %w", env.Pattern, err)
	}
	return nil
}

func (d *Dispatcher) reply(ctx context.Context, request, reply *contracts.Envelope) error {
	err := d.transport.Publish(ctx, reply.Pattern, reply)
	d.metrics.RecordPublish(request.Pattern, contracts.KindReply.String(), err)
	if err != nil {
		return fmt.Errorf("reply to %q: %w", request.ReplyTo, err)
	}

	d.logger.Debug("reply published",
		"pattern", request.Pattern,
		"correlationId", request.CorrelationID,
		"replyTo", request.ReplyTo,
		"failed", reply.Failed(),
	)
	return nil
}

func toErrorReply(err error) *contracts.ErrorReply {
	var reply *contracts.ErrorReply
	if errors.As(err, &reply) {
		return reply
	}

	var panicErr *interceptors.PanicError
	if errors.As(err, &panicErr) {
		return contracts.NewError(contracts.CodePanic, fmt.Sprint(panicErr.Value))
	}

	return contracts.NewError(contracts.CodeHandlerError, err.Error())
}
