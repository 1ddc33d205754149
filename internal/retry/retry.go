// Package retry runs an action with bounded attempts and exponential
// backoff, retrying only errors its classifier deems transient.
package retry

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"math"
	"net"
	"syscall"
	"time"
)

// Classifier decides whether an error from the given attempt (0-indexed)
// is retry-eligible.
type Classifier func(err error, attempt int) bool

// OnRetryHook observes a scheduled retry before its backoff sleep. It
// must not influence control flow.
type OnRetryHook func(err error, attempt int, delay time.Duration)

type Config struct {
	MaxAttempts  int           // total attempts, including the first
	InitialDelay time.Duration // delay before the first retry
	Multiplier   float64       // backoff growth factor
	MaxDelay     time.Duration // cap on any single delay
	Classify     Classifier    // nil means IsTransient
	OnRetry      OnRetryHook   // optional observability hook
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	}
}

// Run invokes action up to cfg.MaxAttempts times. A non-retryable error,
// or exhaustion of the attempt budget, propagates the last error to the
// caller unchanged; nothing is swallowed. No sleep happens after the
// final attempt.
func Run(ctx context.Context, cfg Config, action func(ctx context.Context) error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2.0
	}
	classify := cfg.Classify
	if classify == nil {
		classify = func(err error, _ int) bool { return IsTransient(err) }
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		lastErr = action(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == cfg.MaxAttempts-1 || !classify(lastErr, attempt) {
			return lastErr
		}

		delay := Delay(cfg, attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(lastErr, attempt+1, delay)
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		}
	}
	return lastErr
}

// Delay returns the backoff for the n-th retry (0-indexed):
// min(initial * multiplier^n, max).
func Delay(cfg Config, n int) time.Duration {
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(n))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	return time.Duration(delay)
}

// transientError tags an error as a retryable infrastructure condition.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// MarkTransient wraps err so IsTransient reports it retry-eligible.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err looks like a temporary network or
// backing-store availability problem. Application-logic errors are never
// transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var tagged *transientError
	if errors.As(err, &tagged) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
