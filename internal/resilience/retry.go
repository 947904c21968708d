// Package resilience wraps calls to external providers in a bounded retry.
package resilience

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// RetryConfig bounds a retried call. The zero value makes one attempt with
// no timeout.
type RetryConfig struct {
	// Attempts is the total number of tries, the first one included.
	Attempts int

	// Delay is the pause before the second attempt. With Multiplier > 1 it
	// grows after every further attempt, up to MaxDelay.
	Delay      time.Duration
	Multiplier float64
	MaxDelay   time.Duration

	// AttemptTimeout cancels a single attempt that runs longer.
	AttemptTimeout time.Duration

	// ShouldRetry overrides IsTransient.
	ShouldRetry func(err error) bool

	// OnRetry runs before each pause.
	OnRetry func(attempt int, err error)
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// are spent, or ctx is done.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal is Do for calls that return a value.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()

	var (
		zero    T
		lastErr error
	)
	for attempt := 0; attempt < cfg.Attempts; attempt++ {
		val, err := runAttempt(ctx, cfg.AttemptTimeout, fn)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if ctx.Err() != nil || !cfg.ShouldRetry(err) || attempt == cfg.Attempts-1 {
			break
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err)
		}

		timer := time.NewTimer(cfg.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		case <-timer.C:
		}
	}
	return zero, lastErr
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(actx)
}

func (cfg RetryConfig) withDefaults() RetryConfig {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	if cfg.ShouldRetry == nil {
		cfg.ShouldRetry = IsTransient
	}
	return cfg
}

func (cfg RetryConfig) delay(attempt int) time.Duration {
	d := float64(cfg.Delay)
	for i := 0; i < attempt; i++ {
		d *= cfg.Multiplier
	}
	if cfg.MaxDelay > 0 && d > float64(cfg.MaxDelay) {
		d = float64(cfg.MaxDelay)
	}
	return time.Duration(d)
}

// RetryLogger returns an OnRetry callback that logs each retry.
func RetryLogger(log zerolog.Logger, service, operation string) func(int, error) {
	return func(attempt int, err error) {
		log.Warn().
			Str("service", service).
			Str("operation", operation).
			Int("attempt", attempt).
			Err(err).
			Msg("retrying")
	}
}
