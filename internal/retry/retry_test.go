package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func fastPolicy(retries int) Policy {
	return Policy{MaxRetries: retries, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, Multiplier: 2}
}

func TestClientError(t *testing.T) {
	tests := []struct {
		name          string
		code          int
		message       string
		wantError     string
		wantRetryable bool
	}{
		{"500 server error", 500, "Internal Server Error", "client error: 500 - Internal Server Error", true},
		{"429 rate limit", 429, "Too Many Requests", "client error: 429 - Too Many Requests", true},
		{"400 bad request", 400, "Bad Request", "client error: 400 - Bad Request", false},
		{"503 with cancel", 503, "Service Unavailable - context canceled", "client error: 503 - Service Unavailable - context canceled", false},
		{"504 with deadline", 504, "Gateway Timeout - context deadline exceeded", "client error: 504 - Gateway Timeout - context deadline exceeded", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &ClientError{Code: tt.code, Message: tt.message}
			if got := err.Error(); got != tt.wantError {
				t.Errorf("Error() = %q, want %q", got, tt.wantError)
			}
			if got := err.IsRetryable(); got != tt.wantRetryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.wantRetryable)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"wrapped server error", errors.Join(errors.New("call"), &ClientError{Code: 502}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestPolicyDelay(t *testing.T) {
	p := DefaultPolicy()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for attempt, w := range want {
		if got := p.Delay(attempt); got != w {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, w)
		}
	}
}

func TestDo(t *testing.T) {
	t.Run("immediate success", func(t *testing.T) {
		calls := 0
		v, err := Do(context.Background(), fastPolicy(3), quiet, func(context.Context) (int, error) {
			calls++
			return 7, nil
		})
		if err != nil || v != 7 {
			t.Fatalf("Do() = %v, %v, want 7, nil", v, err)
		}
		if calls != 1 {
			t.Errorf("op called %d times, want 1", calls)
		}
	})

	t.Run("success after retries", func(t *testing.T) {
		calls := 0
		v, err := Do(context.Background(), fastPolicy(5), quiet, func(context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", &ClientError{Code: 500, Message: "temporary"}
			}
			return "ok", nil
		})
		if err != nil || v != "ok" {
			t.Fatalf("Do() = %q, %v, want ok, nil", v, err)
		}
		if calls != 3 {
			t.Errorf("op called %d times, want 3", calls)
		}
	})

	t.Run("exhausted retries", func(t *testing.T) {
		calls := 0
		_, err := Do(context.Background(), fastPolicy(3), quiet, func(context.Context) (int, error) {
			calls++
			return 0, &ClientError{Code: 503, Message: "persistent"}
		})
		var ce *ClientError
		if !errors.As(err, &ce) {
			t.Fatalf("Do() error = %v, want wrapped ClientError", err)
		}
		if calls != 4 {
			t.Errorf("op called %d times, want 4 (initial + 3 retries)", calls)
		}
	})

	t.Run("non-retryable error", func(t *testing.T) {
		calls := 0
		boom := errors.New("bad request")
		_, err := Do(context.Background(), fastPolicy(3), quiet, func(context.Context) (int, error) {
			calls++
			return 0, boom
		})
		if err != boom {
			t.Errorf("Do() error = %v, want original error", err)
		}
		if calls != 1 {
			t.Errorf("op called %d times, want 1", calls)
		}
	})

	t.Run("context canceled during backoff", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		p := Policy{MaxRetries: 3, BaseDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2}
		_, err := Do(ctx, p, quiet, func(context.Context) (int, error) {
			calls++
			cancel()
			return 0, &ClientError{Code: 500, Message: "temporary"}
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Do() error = %v, want context.Canceled", err)
		}
		if calls != 1 {
			t.Errorf("op called %d times, want 1", calls)
		}
	})
}
