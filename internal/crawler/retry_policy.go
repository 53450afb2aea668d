package crawler

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"
)

// ExponentialRetryPolicy implements RetryPolicy with capped, jittered
// exponential backoff.
type ExponentialRetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewExponentialRetryPolicy builds a policy allowing maxAttempts attempts in
// total.
func NewExponentialRetryPolicy(maxAttempts int, base, maxDelay time.Duration) *ExponentialRetryPolicy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if maxDelay < base {
		maxDelay = base
	}
	return &ExponentialRetryPolicy{maxAttempts: maxAttempts, baseDelay: base, maxDelay: maxDelay}
}

// ShouldRetry reports whether another attempt is allowed. Fatal errors and
// cancellation are never retried; a per-call deadline is.
func (p *ExponentialRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.maxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return !IsFatal(err)
}

// Backoff returns the wait before attempt+1: half of the capped exponential
// delay plus up to the same again in jitter.
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
