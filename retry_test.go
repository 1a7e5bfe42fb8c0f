// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWithRetrySucceedsAfterRetryableFailures(t *testing.T) {
	attempts := 0
	policy := RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond}

	got, err := withRetry(context.Background(), policy, func(ctx context.Context) (int, error) {
		attempts++
		if attempts < 3 {
			return 0, ErrTimeout
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 {
		t.Fatalf("got %d, want 42", got)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestWithRetryStopsOnNonRetryableError(t *testing.T) {
	attempts := 0
	policy := RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond}

	_, err := withRetry(context.Background(), policy, func(ctx context.Context) (int, error) {
		attempts++
		return 0, ErrInvalidArgument
	})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (no retry for a non-retryable error)", attempts)
	}
}

func TestWithRetryExhaustsMaxRetries(t *testing.T) {
	attempts := 0
	policy := RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond}

	_, err := withRetry(context.Background(), policy, func(ctx context.Context) (int, error) {
		attempts++
		return 0, ErrTimeout
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3 (1 initial + 2 retries)", attempts)
	}
}

func TestWithRetryFixedBackoffSpacesAttempts(t *testing.T) {
	attempts := 0
	policy := RetryPolicy{MaxRetries: 2, BaseDelay: 10 * time.Millisecond}

	start := time.Now()
	_, err := withRetry(context.Background(), policy, func(ctx context.Context) (int, error) {
		attempts++
		return 0, ErrTimeout
	})
	elapsed := time.Since(start)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	if elapsed < 20*time.Millisecond {
		t.Fatalf("expected at least two base delays between attempts, got %v", elapsed)
	}
}

func TestRetryPolicyExponentialBackoffDoubles(t *testing.T) {
	policy := RetryPolicy{BaseDelay: 10 * time.Millisecond, ExponentialBackoff: true}
	if d := policy.delayFor(1); d != 10*time.Millisecond {
		t.Fatalf("delayFor(1) = %v, want 10ms", d)
	}
	if d := policy.delayFor(3); d != 40*time.Millisecond {
		t.Fatalf("delayFor(3) = %v, want 40ms", d)
	}
}

func TestRetryPolicyEmptyRetryableErrorsDisablesRetry(t *testing.T) {
	policy := RetryPolicy{RetryableErrors: []error{}}
	if policy.isRetryable(ErrTimeout) {
		t.Fatal("expected an explicit empty RetryableErrors to disable all retrying")
	}
}
