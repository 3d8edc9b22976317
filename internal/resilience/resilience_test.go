package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hyperfleet-run/hyperfleet/internal/resilience"
)

func TestDoRetriesOnConnectionError(t *testing.T) {
	policy := resilience.DefaultPolicy("test")
	policy.InitialBackoff = time.Millisecond
	policy.MaxBackoff = 2 * time.Millisecond
	exec := resilience.NewExecutor(policy)

	attempts := 0
	err := exec.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() = %v, want nil", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDoDoesNotRetryNon5xxStatusError(t *testing.T) {
	policy := resilience.DefaultPolicy("test")
	exec := resilience.NewExecutor(policy)

	attempts := 0
	err := exec.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return &resilience.StatusError{StatusCode: 404, Body: "not found"}
	})
	if err == nil {
		t.Fatal("Do() = nil, want error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (4xx must not retry)", attempts)
	}
}

func TestDoRetries5xxStatusError(t *testing.T) {
	policy := resilience.DefaultPolicy("test")
	policy.InitialBackoff = time.Millisecond
	policy.MaxBackoff = 2 * time.Millisecond
	exec := resilience.NewExecutor(policy)

	attempts := 0
	err := exec.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return &resilience.StatusError{StatusCode: 503, Body: "unavailable"}
	})
	if err == nil {
		t.Fatal("Do() = nil, want error after exhausting retries")
	}
	if attempts != policy.MaxAttempts {
		t.Errorf("attempts = %d, want %d", attempts, policy.MaxAttempts)
	}
}

func TestCircuitOpensAfterThreshold(t *testing.T) {
	policy := resilience.DefaultPolicy("test")
	policy.MaxAttempts = 1
	policy.FailureThreshold = 2
	policy.OpenTimeout = 50 * time.Millisecond
	exec := resilience.NewExecutor(policy)

	failing := func(ctx context.Context) error { return errors.New("boom") }

	for i := 0; i < 2; i++ {
		if err := exec.Do(context.Background(), failing); err == nil {
			t.Fatalf("attempt %d: expected failure", i)
		}
	}

	err := exec.Do(context.Background(), func(ctx context.Context) error {
		t.Fatal("fn should not be called while breaker is open")
		return nil
	})
	if !resilience.IsCircuitOpen(err) {
		t.Fatalf("Do() = %v, want circuit-open error", err)
	}
}
