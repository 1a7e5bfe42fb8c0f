// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"errors"
	"time"
)

// defaultRetryableKinds is the retry set used when RetryPolicy's
// RetryableErrors is nil: only Timeout and TransportError are retried by
// default. Exception responses are terminal and never retried.
var defaultRetryableKinds = []error{ErrTimeout, ErrTransportError}

// RetryPolicy configures the retry wrapper. A nil RetryableErrors means
// "use the default retryable set"; a non-nil (possibly empty) slice is
// used verbatim, so an explicit empty slice disables all retrying of
// anything beyond the first attempt.
type RetryPolicy struct {
	MaxRetries         int
	BaseDelay          time.Duration
	ExponentialBackoff bool
	RetryableErrors    []error
}

func (p RetryPolicy) isRetryable(err error) bool {
	kinds := p.RetryableErrors
	if kinds == nil {
		kinds = defaultRetryableKinds
	}
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

func (p RetryPolicy) delayFor(attempt int) time.Duration {
	if !p.ExponentialBackoff {
		return p.BaseDelay
	}
	return p.BaseDelay * time.Duration(uint64(1)<<uint(attempt-1))
}

// withRetry runs attempt once, then retries up to policy.MaxRetries more
// times on a retryable failure, sleeping policy.delayFor(attempt) between
// tries (fixed or exponential per policy.ExponentialBackoff). A success
// at any attempt returns immediately; a non-retryable failure returns
// immediately; after all attempts are exhausted the last error is
// returned.
func withRetry[T any](ctx context.Context, policy RetryPolicy, attempt func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for i := 0; i <= policy.MaxRetries; i++ {
		v, err := attempt(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if i == policy.MaxRetries {
			break
		}
		if !policy.isRetryable(err) {
			return zero, err
		}
		select {
		case <-time.After(policy.delayFor(i + 1)):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	return zero, lastErr
}
