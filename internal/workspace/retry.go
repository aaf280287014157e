package workspace

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/nfrund/wsexport/internal/breaker"
)

// RetryConfig bounds the retry loop around one remote call.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig retries transient failures a few times with
// exponential backoff capped at five seconds.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 4,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// retryAfterError carries the server-requested delay from a 429.
type retryAfterError struct {
	apiErr *APIError
	delay  time.Duration
}

func (e *retryAfterError) Error() string { return e.apiErr.Error() }
func (e *retryAfterError) Unwrap() error { return e.apiErr }

// withRetry runs fn until it succeeds, fails permanently, or the
// attempt budget is spent. An open circuit breaker ends the loop
// immediately; retrying into an open breaker is wasted work.
func withRetry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if waitErr := sleep(ctx, backoffDelay(cfg, attempt, err)); waitErr != nil {
				return waitErr
			}
		}

		err = fn()
		if err == nil {
			return nil
		}

		var openErr *breaker.OpenError
		if errors.As(err, &openErr) {
			return err
		}
		if !isTransient(err) {
			return err
		}
	}
	return err
}

func isTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	// Network-level failures (timeouts, resets) are transient.
	return true
}

// backoffDelay doubles the base per attempt with jitter, unless the
// server asked for a specific delay.
func backoffDelay(cfg RetryConfig, attempt int, lastErr error) time.Duration {
	var ra *retryAfterError
	if errors.As(lastErr, &ra) && ra.delay > 0 {
		return ra.delay
	}

	delay := cfg.BaseDelay << (attempt - 1)
	if delay > cfg.MaxDelay || delay <= 0 {
		delay = cfg.MaxDelay
	}
	// Full jitter keeps concurrent clients from retrying in lockstep.
	return time.Duration(rand.Int63n(int64(delay)) + 1)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
