// Package security holds request guardrails for the public surface.
package security

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/raaihank/pii-gateway/internal/config"
)

// RateLimiter applies one token bucket per client key
type RateLimiter struct {
	config  config.RateLimitConfig
	limit   rate.Limit
	buckets map[string]*bucket
	mu      sync.Mutex
	now     func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a rate limiter refilling RequestsPerMinute tokens
// per minute up to Burst
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = time.Hour
	}
	return &RateLimiter{
		config:  cfg,
		limit:   rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow reports whether a request from key may proceed now
func (r *RateLimiter) Allow(key string) bool {
	if !r.config.Enabled {
		return true
	}
	now := r.now()
	return r.getBucket(key, now).AllowN(now, 1)
}

func (r *RateLimiter) getBucket(key string, now time.Time) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(r.limit, r.config.Burst)}
		r.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter
}

// Len returns the number of tracked clients
func (r *RateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}

// CleanupIdle forgets clients not seen for IdleTTL
func (r *RateLimiter) CleanupIdle() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.config.IdleTTL)
	removed := 0
	for key, b := range r.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(r.buckets, key)
			removed++
		}
	}
	return removed
}

// StartCleanupRoutine runs CleanupIdle every IdleTTL until ctx is done
func (r *RateLimiter) StartCleanupRoutine(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.config.IdleTTL)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.CleanupIdle()
			}
		}
	}()
}
