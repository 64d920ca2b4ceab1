package retry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"
)

// Policy is an explicit retry schedule: at most MaxAttempts calls, exponential
// backoff with jitter between them, and a predicate deciding which errors are
// worth another attempt.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Retryable   func(error) bool

	// sleep is swapped out in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// Default returns the policy used for provider submissions and storage calls.
func Default() Policy {
	return Policy{
		MaxAttempts: 4,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		Retryable:   IsRetryable,
	}
}

// WithAttempts returns a copy of p with a different attempt budget.
func (p Policy) WithAttempts(n int) Policy {
	if n < 1 {
		n = 1
	}
	p.MaxAttempts = n
	return p
}

// Do calls fn until it succeeds, returns a non-retryable error, or the attempt
// budget is spent. label is only used for logging.
func (p Policy) Do(ctx context.Context, label string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = Sleep
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := p.Delay(attempt - 1)
			log.Printf("[Retry] %s retry %d/%d (waiting %v)...", label, attempt-1, attempts-1, delay)
			if err := sleep(ctx, delay); err != nil {
				return fmt.Errorf("%s cancelled: %w", label, err)
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 1 {
				log.Printf("[Retry] %s succeeded on attempt %d", label, attempt)
			}
			return nil
		}

		if !retryable(lastErr) {
			return lastErr
		}
		log.Printf("[Retry] %s attempt %d failed (retryable): %v", label, attempt, lastErr)
	}

	if attempts == 1 {
		return lastErr
	}
	return fmt.Errorf("%s failed after %d attempts: %w", label, attempts, lastErr)
}

// Delay calculates exponential backoff with jitter: base * 2^(retry-1) + 0-25% jitter,
// capped at MaxDelay before jitter.
func (p Policy) Delay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(retry-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	jitter := delay * 0.25 * rand.Float64()
	return time.Duration(delay + jitter)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// StatusCoder is implemented by errors that carry an HTTP status code.
type StatusCoder interface {
	HTTPStatus() int
}

// permanent marks an error as never retryable regardless of its text.
type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// Permanent wraps err so IsRetryable reports false for it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err: err}
}

// IsRetryable reports whether err is a transient failure: timeouts, connection
// resets, rate limiting or a 5xx from the remote side.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var p permanent
	if errors.As(err, &p) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		return IsRetryableStatus(sc.HTTPStatus())
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "eof") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "resource_exhausted") ||
		strings.Contains(errStr, "quota") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "unavailable")
}

// IsRetryableStatus checks if an HTTP status code is worth retrying
func IsRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || // 429
		status == http.StatusRequestTimeout || // 408
		status == http.StatusInternalServerError || // 500
		status == http.StatusBadGateway || // 502
		status == http.StatusServiceUnavailable || // 503
		status == http.StatusGatewayTimeout // 504
}
