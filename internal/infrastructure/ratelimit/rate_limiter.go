package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Policy is the token bucket shape for one action. A zero Rate disables limiting.
type Policy struct {
	Rate  float64
	Burst int
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per key and action.
type RateLimiter struct {
	policies map[string]Policy
	fallback Policy
	buckets  map[string]*bucket
	mutex    sync.Mutex
}

// NewRateLimiter creates a limiter. Actions without a policy use fallback.
func NewRateLimiter(policies map[string]Policy, fallback Policy) *RateLimiter {
	return &RateLimiter{
		policies: policies,
		fallback: fallback,
		buckets:  make(map[string]*bucket),
	}
}

// Allow reports whether key may perform action now, consuming a token if so.
// When denied it also returns how long until a token is available.
func (rl *RateLimiter) Allow(key, action string) (bool, time.Duration) {
	policy, ok := rl.policies[action]
	if !ok {
		policy = rl.fallback
	}
	if policy.Rate <= 0 {
		return true, 0
	}

	now := time.Now()
	id := key + ":" + action

	rl.mutex.Lock()
	b, exists := rl.buckets[id]
	if !exists {
		burst := policy.Burst
		if burst <= 0 {
			burst = 1
		}
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(policy.Rate), burst)}
		rl.buckets[id] = b
	}
	b.lastSeen = now
	rl.mutex.Unlock()

	reservation := b.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, 0
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Size returns the number of live buckets.
func (rl *RateLimiter) Size() int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	return len(rl.buckets)
}

// Cleanup removes buckets that have not been used for idle.
func (rl *RateLimiter) Cleanup(idle time.Duration) {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := time.Now()
	for id, b := range rl.buckets {
		if now.Sub(b.lastSeen) > idle {
			delete(rl.buckets, id)
		}
	}
}

// StartCleanupRoutine runs Cleanup every interval until ctx is done.
func (rl *RateLimiter) StartCleanupRoutine(ctx context.Context, interval, idle time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				rl.Cleanup(idle)
			case <-ctx.Done():
				return
			}
		}
	}()
}
