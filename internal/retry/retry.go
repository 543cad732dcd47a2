// Package retry runs remote calls with capped exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
)

// ClientError is a failed call to a remote model API
type ClientError struct {
	Code    int
	Message string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("client error: %d - %s", e.Code, e.Message)
}

// IsRetryable reports whether the call may succeed if repeated. Server errors
// and rate limiting qualify unless the failure came from our own deadline.
func (e *ClientError) IsRetryable() bool {
	msg := strings.ToLower(e.Message)
	if strings.Contains(msg, "canceled") || strings.Contains(msg, "deadline") {
		return false
	}
	return e.Code >= 500 || e.Code == 429
}

// Retryable reports whether err should trigger another attempt
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.IsRetryable()
	}
	return false
}

// Policy configures the backoff schedule
type Policy struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	Multiplier float64       `yaml:"multiplier"`
}

// DefaultPolicy retries three times, starting at one second and capped at ten
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   10 * time.Second,
		Multiplier: 2,
	}
}

// Delay returns the wait before retry number attempt (zero based)
func (p Policy) Delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := time.Duration(float64(p.BaseDelay) * math.Pow(mult, float64(attempt)))
	if p.MaxDelay > 0 && (d > p.MaxDelay || d < 0) {
		return p.MaxDelay
	}
	return d
}

// Do calls op until it succeeds, fails with a non-retryable error, the
// retries are exhausted or ctx is done.
func Do[T any](ctx context.Context, p Policy, logger *slog.Logger, op func(context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if !Retryable(err) || attempt >= p.MaxRetries {
			if attempt > 0 {
				return zero, fmt.Errorf("after %d retries: %w", attempt, err)
			}
			return zero, err
		}

		wait := p.Delay(attempt)
		logger.Warn("remote call failed, retrying", "attempt", attempt+1, "max_retries", p.MaxRetries, "backoff", wait, "error", err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("retry aborted: %w", ctx.Err())
		case <-timer.C:
		}
	}
}
