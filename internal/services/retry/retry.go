// Package retry wraps upstream provider calls with bounded exponential
// backoff. Only transient failures are retried; client errors surface
// immediately.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"time"
)

// Config defines retry behavior.
type Config struct {
	MaxAttempts  int           // Maximum number of attempts (including initial)
	InitialDelay time.Duration // Initial delay between retries
	MaxDelay     time.Duration // Maximum delay between retries
	Multiplier   float64       // Backoff multiplier
	Jitter       bool          // Add jitter to delays
}

// DefaultConfig is the provider-call policy: one initial attempt plus
// two retries, delayed 250ms then 1s.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:  3,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   4.0,
		Jitter:       true,
	}
}

// StatusError is an upstream HTTP failure with an optional Retry-After
// hint from the response headers.
type StatusError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return http.StatusText(e.StatusCode)
}

// NewStatusError builds a StatusError from a response status line and the
// Retry-After header, when present.
func NewStatusError(statusCode int, message string, header http.Header) *StatusError {
	se := &StatusError{StatusCode: statusCode, Message: message}
	if header != nil {
		if after := header.Get("Retry-After"); after != "" {
			if d, err := time.ParseDuration(after + "s"); err == nil && d > 0 {
				se.RetryAfter = d
			}
		}
	}
	return se
}

// RetryableFunc is a function that can be retried.
type RetryableFunc func(ctx context.Context) error

// IsRetryable determines if an error should trigger a retry.
type IsRetryable func(error) bool

// DefaultIsRetryable retries server errors, request timeouts, rate
// limits and network-level failures. Other client errors are final.
func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode >= 500:
			return true
		case se.StatusCode == http.StatusRequestTimeout:
			return true
		case se.StatusCode == http.StatusTooManyRequests:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return errors.Is(err, context.DeadlineExceeded)
}

// Do executes the function with retry logic. A Retry-After hint on the
// error overrides the computed backoff for that attempt.
func Do(ctx context.Context, config *Config, fn RetryableFunc, isRetryable IsRetryable) error {
	if config == nil {
		config = DefaultConfig()
	}
	if isRetryable == nil {
		isRetryable = DefaultIsRetryable
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		lastErr = err

		if !isRetryable(err) {
			return err
		}
		if attempt == config.MaxAttempts-1 {
			break
		}

		if attempt > 0 {
			delay = time.Duration(float64(delay) * config.Multiplier)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}

		actualDelay := delay
		var se *StatusError
		if errors.As(err, &se) && se.RetryAfter > 0 {
			actualDelay = se.RetryAfter
		} else if config.Jitter {
			actualDelay = delay + time.Duration(rand.Float64()*float64(delay)*0.3)
		}

		select {
		case <-time.After(actualDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return lastErr
}

// DoWithBackoff runs fn under the default provider policy.
func DoWithBackoff(ctx context.Context, fn RetryableFunc) error {
	return Do(ctx, DefaultConfig(), fn, DefaultIsRetryable)
}
