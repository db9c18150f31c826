package messaging

import (
	"context"

	"github.com/glimte/mmate-rpc/contracts"
)

// Handler processes an inbound envelope. The returned value becomes the
// reply payload when the envelope is a request; it is ignored for events.
type Handler interface {
	Handle(ctx context.Context, env *contracts.Envelope) (any, error)
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, env *contracts.Envelope) (any, error)

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, env *contracts.Envelope) (any, error) {
	return f(ctx, env)
}

// HandlerOf adapts a typed request/response function. The payload is decoded
// into Req and validated before fn runs; decode and validation failures are
// reported as invalid_payload errors.
func HandlerOf[Req, Resp any](fn func(ctx context.Context, req Req) (Resp, error)) Handler {
	return HandlerFunc(func(ctx context.Context, env *contracts.Envelope) (any, error) {
		req, err := decodeRequest[Req](env)
		if err != nil {
			return nil, err
		}
		return fn(ctx, req)
	})
}

// EventHandlerOf adapts a typed function with no result
func EventHandlerOf[Req any](fn func(ctx context.Context, req Req) error) Handler {
	return HandlerFunc(func(ctx context.Context, env *contracts.Envelope) (any, error) {
		req, err := decodeRequest[Req](env)
		if err != nil {
			return nil, err
		}
		return nil, fn(ctx, req)
	})
}

func decodeRequest[Req any](env *contracts.Envelope) (Req, error) {
	req, err := contracts.DecodePayload[Req](env.Payload)
	if err != nil {
		return req, contracts.NewError(contracts.CodeInvalidPayload, err.Error())
	}
	if err := contracts.ValidatePayload(req); err != nil {
		return req, contracts.NewError(contracts.CodeInvalidPayload, err.Error())
	}
	return req, nil
}
