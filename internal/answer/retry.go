package answer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"
)

// HTTPError is a non-200 response from the completions API. RetryAfter is
// the server's requested backoff, when it sent one.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Status, e.Body)
}

// Retryable reports whether the failed request may be reissued. Rate limits
// and server-side failures are transient; client errors are not.
func (e *HTTPError) Retryable() bool {
	return e.Status == 429 || e.Status >= 500
}

// RetryConfig bounds the transient-retry loop around the connection phase.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig retries twice more after the first failure, doubling
// the delay each time.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
	}
}

// retryDo runs fn until it succeeds, the error is permanent, or attempts run
// out. A Retry-After from the server overrides the computed backoff for that
// attempt.
func retryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	delay := cfg.BaseDelay

	for attempt := 1; ; attempt++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		if attempt >= cfg.MaxAttempts || !isRetryable(err) {
			return zero, err
		}

		wait := delay
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 {
			wait = httpErr.RetryAfter
		}
		slog.Debug("answer.retrying", "attempt", attempt, "wait", wait, "err", err)

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(wait):
		}

		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
}

// isRetryable treats connection-phase transport failures and retryable HTTP
// statuses as transient. Everything else (bad request, decode failure) is
// returned as-is.
func isRetryable(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Retryable()
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// parseRetryAfter reads a Retry-After header value in seconds. Malformed or
// absent values yield zero.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
