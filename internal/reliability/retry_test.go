package reliability

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUnavailable = errors.New("broker unavailable")

func fast(attempts int) Policy {
	return Policy{Attempts: attempts, Base: time.Millisecond, Max: 5 * time.Millisecond}
}

func TestRetry(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), fast(5), func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return errUnavailable
			}
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after the configured attempts", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), fast(4), func(ctx context.Context) error {
			calls++
			return errUnavailable
		})

		var retryErr *RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.Equal(t, 4, retryErr.Attempts)
		assert.ErrorIs(t, err, errUnavailable)
		assert.Equal(t, 4, calls)
	})

	t.Run("single attempt when attempts is zero", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), Policy{}, func(ctx context.Context) error {
			calls++
			return errUnavailable
		})

		assert.ErrorIs(t, err, errUnavailable)
		assert.Equal(t, 1, calls)
	})

	t.Run("permanent errors stop immediately", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), fast(5), func(ctx context.Context) error {
			calls++
			return Permanent(errUnavailable)
		})

		assert.ErrorIs(t, err, ErrPermanent)
		assert.ErrorIs(t, err, errUnavailable)
		assert.Equal(t, 1, calls)
	})

	t.Run("stops when the context ends", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := Retry(ctx, Policy{Attempts: 10, Base: time.Hour}, func(ctx context.Context) error {
			calls++
			cancel()
			return errUnavailable
		})

		assert.ErrorIs(t, err, context.Canceled)
		assert.ErrorIs(t, err, errUnavailable)
		assert.Equal(t, 1, calls)
	})
}

func TestRetryWithLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	_ = RetryWithLogger(context.Background(), fast(2), logger, func(ctx context.Context) error {
		return errUnavailable
	})

	assert.Equal(t, 2, bytes.Count(buf.Bytes(), []byte("attempt failed")))
	assert.Contains(t, buf.String(), "broker unavailable")
}

func TestPermanentNil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
}

func TestDefaultPolicy(t *testing.T) {
	assert.Equal(t, 5, DefaultPolicy.Attempts)
	assert.Equal(t, time.Second, DefaultPolicy.Base)
}
