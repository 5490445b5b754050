// Package quota limits how fast a single connection may submit RPCs.
package quota

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter implements per-connection token bucket rate limiting.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perSecond RPCs per connection with bursts of burst.
// perSecond <= 0 means unlimited.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		limit:   limit,
		burst:   burst,
	}
}

// Unlimited reports whether the limiter never throttles.
func (rl *RateLimiter) Unlimited() bool { return rl.limit == rate.Inf }

func (rl *RateLimiter) get(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = time.Now()
	return b.limiter
}

// Allow reports whether key may submit one more RPC now.
func (rl *RateLimiter) Allow(key string) bool {
	if rl.Unlimited() {
		return true
	}
	return rl.get(key).Allow()
}

// Wait blocks until key may submit one more RPC or ctx is done. Blocking the
// reader pushes back on the peer instead of dropping its RPCs.
func (rl *RateLimiter) Wait(ctx context.Context, key string) error {
	if rl.Unlimited() {
		return nil
	}
	return rl.get(key).Wait(ctx)
}

// RetryAfter returns how long key has to wait for its next token.
func (rl *RateLimiter) RetryAfter(key string) time.Duration {
	if rl.Unlimited() {
		return 0
	}
	r := rl.get(key).Reserve()
	defer r.Cancel()
	return r.Delay()
}

// Forget drops the bucket of key.
func (rl *RateLimiter) Forget(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.buckets, key)
}

// Cleanup removes buckets for connections that haven't been seen recently.
func (rl *RateLimiter) Cleanup(maxAge time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for key, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
}

// Len returns the number of tracked connections.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}
