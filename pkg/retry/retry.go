// Package retry provides retry logic with linear or exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Backoff selects how the wait between attempts grows.
type Backoff int

const (
	// Exponential waits InitialWait * Multiplier^(attempt-1).
	Exponential Backoff = iota
	// Linear waits InitialWait * attempt.
	Linear
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int           // Maximum number of attempts (0 = infinite)
	InitialWait time.Duration // Initial wait time
	MaxWait     time.Duration // Maximum wait time (0 = uncapped)
	Multiplier  float64       // Backoff multiplier (exponential only)
	Jitter      float64       // Jitter factor (0-1)
	Backoff     Backoff

	// OnRetry, if set, is called before waiting for the next attempt.
	OnRetry func(attempt int, err error)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		InitialWait: 100 * time.Millisecond,
		MaxWait:     10 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

// LinearConfig returns a config that makes at most attempts tries and waits
// step*attempt between them, without jitter.
func LinearConfig(attempts int, step time.Duration) Config {
	return Config{
		MaxAttempts: attempts,
		InitialWait: step,
		Backoff:     Linear,
	}
}

// RetryableError wraps an error that should be retried.
type RetryableError struct {
	Err error
}

func (e RetryableError) Error() string {
	return e.Err.Error()
}

func (e RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error should be retried.
func IsRetryable(err error) bool {
	var retryable RetryableError
	return errors.As(err, &retryable)
}

// Retryable wraps an error to mark it as retryable.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return RetryableError{Err: err}
}

// Unwrap strips the retryable marker, returning the underlying error.
func Unwrap(err error) error {
	var retryable RetryableError
	if errors.As(err, &retryable) {
		return retryable.Err
	}
	return err
}

// Wait returns the delay before the attempt following the given one.
func (cfg Config) Wait(attempt int) time.Duration {
	var wait float64
	switch cfg.Backoff {
	case Linear:
		wait = float64(cfg.InitialWait) * float64(attempt)
	default:
		wait = float64(cfg.InitialWait) * math.Pow(cfg.Multiplier, float64(attempt-1))
	}
	if cfg.MaxWait > 0 && wait > float64(cfg.MaxWait) {
		wait = float64(cfg.MaxWait)
	}

	if cfg.Jitter > 0 {
		jitter := wait * cfg.Jitter * (rand.Float64()*2 - 1)
		wait += jitter
	}
	return time.Duration(wait)
}

// Do executes fn with retries.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	_, err := DoWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult executes fn with retries and returns a result.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var result T
	var lastErr error

	for attempt := 1; cfg.MaxAttempts == 0 || attempt <= cfg.MaxAttempts; attempt++ {
		r, err := fn()
		if err == nil {
			return r, nil
		}

		lastErr = err

		if !IsRetryable(err) {
			return result, err
		}

		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		// No wait after the final attempt.
		if cfg.MaxAttempts != 0 && attempt == cfg.MaxAttempts {
			break
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(cfg.Wait(attempt)):
		}
	}

	return result, lastErr
}
