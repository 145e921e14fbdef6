package adapters

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

var fast = RetryOptions{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}

func TestWithRetry_SuccessAfterRetries(t *testing.T) {
	calls := 0
	result, err := WithRetry(context.Background(), func() (string, error) {
		calls++
		if calls < 3 {
			return "", &StatusError{Provider: "github", StatusCode: http.StatusServiceUnavailable}
		}
		return "success", nil
	}, fast)

	if err != nil {
		t.Errorf("expected no error, got: %v", err)
	}
	if result != "success" {
		t.Errorf("expected 'success', got: %s", result)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got: %d", calls)
	}
}

func TestWithRetry_ExhaustsRetries(t *testing.T) {
	calls := 0
	_, err := WithRetry(context.Background(), func() (string, error) {
		calls++
		return "", &StatusError{Provider: "slack", StatusCode: http.StatusInternalServerError}
	}, fast)

	if err == nil {
		t.Error("expected error after exhausting retries")
	}
	// Initial attempt + 3 retries.
	if calls != 4 {
		t.Errorf("expected 4 calls, got: %d", calls)
	}
}

func TestWithRetry_NonRetryableError(t *testing.T) {
	calls := 0
	_, err := WithRetry(context.Background(), func() (string, error) {
		calls++
		return "", fmt.Errorf("fetch: %w", &StatusError{Provider: "github", StatusCode: http.StatusNotFound})
	}, fast)

	if err == nil {
		t.Error("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call for non-retryable error, got: %d", calls)
	}
}

func TestWithRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := WithRetry(ctx, func() (string, error) {
		calls++
		cancel()
		return "", &StatusError{Provider: "github", StatusCode: http.StatusBadGateway}
	}, RetryOptions{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: time.Second})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got: %d", calls)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limited", &StatusError{StatusCode: http.StatusTooManyRequests}, true},
		{"gateway timeout", &StatusError{StatusCode: http.StatusGatewayTimeout}, true},
		{"unauthorized", &StatusError{StatusCode: http.StatusUnauthorized}, false},
		{"unprocessable", &StatusError{StatusCode: http.StatusUnprocessableEntity}, false},
		{"dial", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
		{"canceled", context.Canceled, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestNewStatusErrorReadsRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.Header().Set("Retry-After", "7")
	rec.WriteHeader(http.StatusTooManyRequests)

	err := NewStatusError("slack", rec.Result(), []byte("ratelimited"))
	if err.RetryAfter != 7*time.Second || err.StatusCode != http.StatusTooManyRequests {
		t.Errorf("err = %+v", err)
	}
	if err.Error() != "slack API error (status 429): ratelimited" {
		t.Errorf("Error() = %q", err.Error())
	}
}
