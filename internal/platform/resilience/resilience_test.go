package resilience

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestRateLimiterBasic(t *testing.T) {
	rl := NewRateLimiter(5, 5, time.Second, 10)
	for i := 0; i < 5; i++ {
		if !rl.Allow() {
			t.Fatalf("expected allow %d", i)
		}
	}
	if rl.Allow() {
		t.Fatalf("expected deny after capacity")
	}
	time.Sleep(1100 * time.Millisecond)
	if !rl.Allow() {
		t.Fatalf("expected allow after refill")
	}
}

func TestRateLimiterWindowCap(t *testing.T) {
	rl := NewRateLimiter(100, 100, time.Second, 3)
	for i := 0; i < 3; i++ {
		if !rl.Allow() {
			t.Fatalf("expected allow %d within window cap", i)
		}
	}
	if rl.Allow() {
		t.Fatalf("expected deny: window cap of 3 exceeded")
	}
}

func TestCircuitBreakerAdaptive(t *testing.T) {
	cb := NewCircuitBreakerAdaptive(2*time.Second, 4, 4, 0.5, 500*time.Millisecond, 2)
	for i := 0; i < 4; i++ {
		if !cb.Allow() {
			t.Fatalf("should allow while closed")
		}
		cb.RecordResult(false)
	}
	if cb.Allow() {
		t.Fatalf("should be open and deny")
	}
	time.Sleep(600 * time.Millisecond)
	if !cb.Allow() {
		t.Fatalf("half-open probe should allow")
	}
	cb.RecordResult(true)
	if !cb.Allow() {
		t.Fatalf("second probe should allow")
	}
	cb.RecordResult(true)
	if !cb.Allow() {
		t.Fatalf("breaker should be closed after successful probes")
	}
}

func TestRetrySucceedsOnLaterAttempt(t *testing.T) {
	attempt := 0
	v, err := Retry(context.Background(), 3, time.Millisecond, func() (int, error) {
		attempt++
		if attempt < 3 {
			return 0, fmt.Errorf("not yet")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if v != 42 {
		t.Fatalf("v = %d, want 42", v)
	}
	if attempt != 3 {
		t.Fatalf("attempt = %d, want 3", attempt)
	}
}

func TestRetryExhaustsAndReturnsLastError(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), 2, time.Millisecond, func() (int, error) {
		calls++
		return 0, fmt.Errorf("attempt %d failed", calls)
	})
	if err == nil {
		t.Fatalf("expected error after exhausting attempts")
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Retry(ctx, 5, 50*time.Millisecond, func() (int, error) {
		return 0, fmt.Errorf("always fails")
	})
	if err == nil {
		t.Fatalf("expected an error when context is already cancelled")
	}
}
