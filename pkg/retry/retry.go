// Package retry provides exponential-backoff envelopes for calls to external
// services. The strict variant returns the last error after exhaustion; the
// graceful variant swallows it and hands back a caller-supplied default so
// non-critical paths keep running.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// Config controls one retry envelope.
type Config struct {
	MaxRetries    int           // retries after the first attempt
	InitialDelay  time.Duration // delay before the first retry
	BackoffFactor float64       // multiplier applied per retry
	MaxDelay      time.Duration // ceiling on any single delay
}

// Predefined profiles. Values mirror the production tuning for each
// dependency class.
var (
	// LLMProfile waits generously; completion endpoints rate-limit hard.
	LLMProfile = Config{MaxRetries: 6, InitialDelay: 60 * time.Second, BackoffFactor: 2.0, MaxDelay: 600 * time.Second}

	// SearchAPIProfile covers third-party search backends.
	SearchAPIProfile = Config{MaxRetries: 5, InitialDelay: 2 * time.Second, BackoffFactor: 1.6, MaxDelay: 25 * time.Second}

	// DBProfile covers data-layer reads.
	DBProfile = Config{MaxRetries: 5, InitialDelay: time.Second, BackoffFactor: 1.5, MaxDelay: 10 * time.Second}
)

// permanentError marks an error as non-retryable.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so the envelope fails (or falls back) immediately
// instead of retrying. Use it for contract violations and bad requests that
// no amount of waiting will fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Delay returns the backoff before retry attempt n (1-based), capped at
// MaxDelay.
func (c Config) Delay(attempt int) time.Duration {
	d := time.Duration(float64(c.InitialDelay) * math.Pow(c.BackoffFactor, float64(attempt-1)))
	if d > c.MaxDelay || d < 0 {
		d = c.MaxDelay
	}
	return d
}

// Do runs op under the envelope and returns its result. The last error is
// returned once retries are exhausted; a Permanent error short-circuits.
func Do[T any](ctx context.Context, cfg Config, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		result, err := op(ctx)
		if err == nil {
			if attempt > 0 {
				slog.Info("Operation succeeded after retry", "op", name, "attempt", attempt+1)
			}
			return result, nil
		}
		lastErr = err

		if IsPermanent(err) {
			return zero, err
		}
		if attempt == cfg.MaxRetries {
			break
		}

		delay := cfg.Delay(attempt + 1)
		slog.Warn("Operation failed, will retry",
			"op", name, "attempt", attempt+1, "delay", delay, "error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}

	return zero, fmt.Errorf("%s failed after %d attempts: %w", name, cfg.MaxRetries+1, lastErr)
}

// DoGraceful runs op under the envelope but never propagates failure: once
// retries are exhausted (or a Permanent error is hit) it returns fallback.
func DoGraceful[T any](ctx context.Context, cfg Config, name string, fallback T, op func(ctx context.Context) (T, error)) T {
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		result, err := op(ctx)
		if err == nil {
			if attempt > 0 {
				slog.Info("Non-critical operation succeeded after retry", "op", name, "attempt", attempt+1)
			}
			return result
		}

		if IsPermanent(err) {
			slog.Warn("Non-critical operation hit permanent error, returning default", "op", name, "error", err)
			return fallback
		}
		if attempt == cfg.MaxRetries {
			slog.Warn("Non-critical operation exhausted retries, returning default",
				"op", name, "attempts", cfg.MaxRetries+1, "error", err)
			return fallback
		}

		delay := cfg.Delay(attempt + 1)
		slog.Warn("Non-critical operation failed, will retry",
			"op", name, "attempt", attempt+1, "delay", delay, "error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fallback
		}
	}
	return fallback
}
