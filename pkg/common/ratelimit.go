// Package common holds small helpers shared by the service's clients.
package common

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter paces outgoing calls to a downstream service. The limits can be
// changed at runtime, e.g. when a collaborator starts answering 429.
type RateLimiter struct {
	limiter *rate.Limiter
	mu      sync.RWMutex
}

// NewRateLimiter creates a RateLimiter allowing rps requests per second with
// the given burst. A non-positive rps disables limiting.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{limiter: rate.NewLimiter(limit(rps), normalizeBurst(burst))}
}

func limit(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

func normalizeBurst(burst int) int {
	if burst <= 0 {
		return 1
	}
	return burst
}

// Wait blocks until the rate limiter allows an event or the context is canceled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.limiter.Wait(ctx)
}

// UpdateLimits adjusts the requests per second and burst size.
func (rl *RateLimiter) UpdateLimits(rps float64, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.limiter.SetLimit(limit(rps))
	rl.limiter.SetBurst(normalizeBurst(burst))
}

// Unlimited reports whether calls pass without waiting.
func (rl *RateLimiter) Unlimited() bool {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.limiter.Limit() == rate.Inf
}
