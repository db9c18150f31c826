package interceptors

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainOrder(t *testing.T) {
	var order []string

	record := func(name string) Interceptor {
		return NewInterceptorFunc(name, func(ctx context.Context, env *contracts.Envelope, next HandlerFunc) (any, error) {
			order = append(order, name+":before")
			result, err := next(ctx, env)
			order = append(order, name+":after")
			return result, err
		})
	}

	chain := NewChain(record("outer")).Add(record("inner"))
	assert.Equal(t, 2, chain.Len())

	result, err := chain.Execute(context.Background(), contracts.NewEvent("p", nil), func(ctx context.Context, env *contracts.Envelope) (any, error) {
		order = append(order, "handler")
		return "done", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "done", result)
	assert.Equal(t, []string{"outer:before", "inner:before", "handler", "inner:after", "outer:after"}, order)
}

func TestEmptyChainCallsHandler(t *testing.T) {
	result, err := NewChain().Execute(context.Background(), contracts.NewEvent("p", nil), func(ctx context.Context, env *contracts.Envelope) (any, error) {
		return env.Pattern, nil
	})

	require.NoError(t, err)
	assert.Equal(t, "p", result)
}

func TestRecoveryInterceptor(t *testing.T) {
	chain := NewChain(NewRecoveryInterceptor())

	result, err := chain.Execute(context.Background(), contracts.NewEvent("p", nil), func(ctx context.Context, env *contracts.Envelope) (any, error) {
		panic("boom")
	})

	assert.Nil(t, result)
	var panicErr *PanicError
	require.ErrorAs(t, err, &panicErr)
	assert.Equal(t, "boom", panicErr.Value)
	assert.NotEmpty(t, panicErr.Stack)
	assert.Equal(t, "handler panicked: boom", err.Error())
}

func TestTimeoutInterceptor(t *testing.T) {
	chain := NewChain(NewTimeoutInterceptor(20 * time.Millisecond))

	t.Run("fast handler", func(t *testing.T) {
		result, err := chain.Execute(context.Background(), contracts.NewEvent("p", nil), func(ctx context.Context, env *contracts.Envelope) (any, error) {
			_, hasDeadline := ctx.Deadline()
			assert.True(t, hasDeadline)
			return 1, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, result)
	})

	t.Run("slow handler", func(t *testing.T) {
		_, err := chain.Execute(context.Background(), contracts.NewEvent("p", nil), func(ctx context.Context, env *contracts.Envelope) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
		assert.ErrorIs(t, err, ErrHandlerTimeout)
	})
}

func TestLoggingInterceptor(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	chain := NewChain(NewLoggingInterceptor(logger))

	_, err := chain.Execute(context.Background(), contracts.NewRequest("message_print", nil, "c1", "r"), func(ctx context.Context, env *contracts.Envelope) (any, error) {
		return nil, errors.New("kaput")
	})

	require.Error(t, err)
	assert.Contains(t, buf.String(), "handler failed")
	assert.Contains(t, buf.String(), "level=WARN")
	assert.NotContains(t, buf.String(), "level=ERROR")
	assert.Contains(t, buf.String(), "pattern=message_print")
	assert.Contains(t, buf.String(), "correlationId=c1")
	assert.Contains(t, buf.String(), "kaput")
	assert.Equal(t, "LoggingInterceptor", NewLoggingInterceptor(nil).Name())
}
