package reliability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

// ErrPermanent marks an error that must not be retried
var ErrPermanent = errors.New("reliability: permanent failure")

// Policy describes how an operation is retried
type Policy struct {
	// Attempts is the total number of tries, including the first. Values
	// below one mean a single try.
	Attempts int

	// Base is the first delay; later delays double up to Max
	Base time.Duration

	// Max caps a single delay. Zero means no cap.
	Max time.Duration

	// JitterPercent spreads each delay by up to ±JitterPercent percent
	JitterPercent uint64
}

// DefaultPolicy is used by callers without configuration
var DefaultPolicy = Policy{
	Attempts:      5,
	Base:          time.Second,
	Max:           30 * time.Second,
	JitterPercent: 20,
}

// RetryError reports that every attempt failed
type RetryError struct {
	Attempts int
	Err      error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("reliability: gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so Retry stops immediately
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

func (p Policy) backoff() retry.Backoff {
	base := p.Base
	if base <= 0 {
		base = time.Millisecond
	}

	b := retry.NewExponential(base)
	if p.Max > 0 {
		b = retry.WithCappedDuration(p.Max, b)
	}
	if p.JitterPercent > 0 {
		b = retry.WithJitterPercent(p.JitterPercent, b)
	}

	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return retry.WithMaxRetries(uint64(attempts-1), b)
}

// Retry runs fn until it succeeds, returns a Permanent error, ctx ends, or
// the policy runs out of attempts
func Retry(ctx context.Context, policy Policy, fn func(ctx context.Context) error) error {
	return RetryWithLogger(ctx, policy, nil, fn)
}

// RetryWithLogger is Retry with each failed attempt logged at warn level
func RetryWithLogger(ctx context.Context, policy Policy, logger *slog.Logger, fn func(ctx context.Context) error) error {
	attempt := 0
	var last error

	err := retry.Do(ctx, policy.backoff(), func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		last = err
		if errors.Is(err, ErrPermanent) {
			return err
		}
		if logger != nil {
			logger.Warn("attempt failed", "attempt", attempt, "error", err)
		}
		return retry.RetryableError(err)
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrPermanent):
		return err
	case ctx.Err() != nil:
		if last != nil {
			return fmt.Errorf("%w (last error: %w)", err, last)
		}
		return err
	default:
		return &RetryError{Attempts: attempt, Err: err}
	}
}
