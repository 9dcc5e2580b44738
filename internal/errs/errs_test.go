package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestKindOf(t *testing.T) {
	if got := KindOf(nil); got != "" {
		t.Errorf("KindOf(nil) = %q, want empty", got)
	}
	if got := KindOf(Transient("db deadlock")); got != KindTransient {
		t.Errorf("KindOf(transient) = %q", got)
	}
	wrapped := fmt.Errorf("outer: %w", NotFound("executor %q", "echo"))
	if got := KindOf(wrapped); got != KindNotFound {
		t.Errorf("KindOf(wrapped not-found) = %q", got)
	}
	if got := KindOf(errors.New("plain")); got != KindFatal {
		t.Errorf("KindOf(plain) = %q, want fatal", got)
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{Transient("lease conflict"), true},
		{New(KindExecutor, "success=false"), true},
		{New(KindTimeout, "deadline"), true},
		{Validation("bad cron"), false},
		{NotFound("missing"), false},
		{Fatal("nil pointer"), false},
		{New(KindLeaseLost, "stolen"), false},
		{errors.New("unclassified"), false},
	}
	for _, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestWrap_NilCause(t *testing.T) {
	if err := Wrap(KindTransient, nil, "ignored"); err != nil {
		t.Errorf("Wrap(nil) = %v, want nil", err)
	}
}

func TestWithDetail(t *testing.T) {
	err := Validation("missing field").WithDetail("field", "cron_expression")
	if err.Details["field"] != "cron_expression" {
		t.Errorf("detail not attached: %v", err.Details)
	}
}

func TestRetry_TransientThenSuccess(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}, nil, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return Transient("flaky")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetry_NonTransientStopsImmediately(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), DefaultRetryConfig(), nil, func(context.Context) error {
		attempts++
		return Validation("never retry")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestRetry_Exhaustion(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond}, nil, func(context.Context) error {
		attempts++
		return Transient("always")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3 (1 initial + 2 retries)", attempts)
	}
}

func TestRetryWithResult_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := RetryWithResult(ctx, DefaultRetryConfig(), nil, func(context.Context) (int, error) {
		return 0, Transient("flaky")
	})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestBackoff_NeverExceedsMax(t *testing.T) {
	config := RetryConfig{BaseDelay: time.Second, MaxDelay: 5 * time.Second, JitterFactor: 0.25}
	for attempt := 0; attempt < 20; attempt++ {
		if delay := Backoff(attempt, config); delay > config.MaxDelay {
			t.Fatalf("attempt %d: delay %v exceeds max %v", attempt, delay, config.MaxDelay)
		}
	}
}

func TestBackoff_GrowsExponentially(t *testing.T) {
	config := RetryConfig{BaseDelay: time.Second, MaxDelay: time.Hour}
	if d0, d2 := Backoff(0, config), Backoff(2, config); d2 != 4*d0 {
		t.Errorf("expected 4x growth over two attempts, got %v and %v", d0, d2)
	}
}
