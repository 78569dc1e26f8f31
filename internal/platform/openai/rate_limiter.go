package openai

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a token bucket shared by all calls of one Client. It is
// safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
	timeout time.Duration
}

// NewRateLimiter allows rps calls per second with bursts of up to burst
// calls. acquireTimeout is how long a call may wait for a token; zero means
// a call never waits.
func NewRateLimiter(rps float64, burst int, acquireTimeout time.Duration) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		timeout: acquireTimeout,
	}
}

// Acquire takes one token. It reports false when no token can be had within
// the acquire timeout or before ctx ends, whichever comes first. It never
// waits longer than that.
func (l *RateLimiter) Acquire(ctx context.Context) bool {
	if l.timeout <= 0 {
		return l.limiter.Allow()
	}

	wctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	// Wait returns an error straight away when the reservation would need
	// longer than the deadline, so an over-budget caller is not parked.
	return l.limiter.Wait(wctx) == nil
}
