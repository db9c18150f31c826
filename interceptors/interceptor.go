package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
)

// ErrHandlerTimeout is returned when a handler outlives its deadline
var ErrHandlerTimeout = errors.New("interceptors: handler timed out")

// HandlerFunc is the final step of a chain: it handles one envelope and
// returns the reply payload for requests
type HandlerFunc func(ctx context.Context, env *contracts.Envelope) (any, error)

// Interceptor wraps handler invocation
type Interceptor interface {
	// Intercept processes env and calls next to continue the chain
	Intercept(ctx context.Context, env *contracts.Envelope, next HandlerFunc) (any, error)

	// Name returns the interceptor name for logging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, env *contracts.Envelope, next HandlerFunc) (any, error)
}

// NewInterceptorFunc creates a function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, env *contracts.Envelope, next HandlerFunc) (any, error)) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, env *contracts.Envelope, next HandlerFunc) (any, error) {
	return i.fn(ctx, env, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain is an ordered list of interceptors. The first interceptor added is
// the outermost.
type Chain struct {
	interceptors []Interceptor
}

// NewChain creates a chain
func NewChain(interceptors ...Interceptor) *Chain {
	return &Chain{interceptors: interceptors}
}

// Add appends an interceptor
func (c *Chain) Add(interceptor Interceptor) *Chain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Len returns the number of interceptors
func (c *Chain) Len() int {
	return len(c.interceptors)
}

// Execute runs env through the chain and then final
func (c *Chain) Execute(ctx context.Context, env *contracts.Envelope, final HandlerFunc) (any, error) {
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = func(ctx context.Context, env *contracts.Envelope) (any, error) {
			return interceptor.Intercept(ctx, env, next)
		}
	}
	return handler(ctx, env)
}

// LoggingInterceptor logs handler execution. Failures are logged at warn
// level; the dispatcher reports them once more at error level.
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next HandlerFunc) (any, error) {
	start := time.Now()

	i.logger.Debug("handling message",
		"pattern", env.Pattern,
		"kind", env.Kind().String(),
		"correlationId", env.CorrelationID,
	)

	result, err := next(ctx, env)
	if err != nil {
		i.logger.Warn("handler failed",
			"pattern", env.Pattern,
			"correlationId", env.CorrelationID,
			"duration", time.Since(start),
			"error", err,
		)
		return result, err
	}

	i.logger.Debug("handler completed",
		"pattern", env.Pattern,
		"correlationId", env.CorrelationID,
		"duration", time.Since(start),
	)
	return result, nil
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// PanicError is returned by RecoveryInterceptor when a handler panics
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}

// RecoveryInterceptor turns handler panics into *PanicError
type RecoveryInterceptor struct{}

// NewRecoveryInterceptor creates a recovery interceptor
func NewRecoveryInterceptor() *RecoveryInterceptor {
	return &RecoveryInterceptor{}
}

// Intercept implements Interceptor
func (i *RecoveryInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next HandlerFunc) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return next(ctx, env)
}

// Name implements Interceptor
func (i *RecoveryInterceptor) Name() string {
	return "RecoveryInterceptor"
}

// TimeoutInterceptor gives each handler a deadline. The handler runs on the
// caller's goroutine, so ordering is kept; a handler that ignores its
// context still completes, but its result is replaced by ErrHandlerTimeout.
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next HandlerFunc) (any, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	result, err := next(timeoutCtx, env)
	if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w after %v", ErrHandlerTimeout, i.timeout)
	}
	return result, err
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}
