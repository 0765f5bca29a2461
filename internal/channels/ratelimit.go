package channels

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// maxTrackedKeys caps the number of tracked rate-limit keys to prevent
	// memory exhaustion from attackers rotating source keys.
	maxTrackedKeys = 4096

	// rateLimitWindow sizes the refill rate and decides when an idle key's
	// bucket may be evicted.
	rateLimitWindow = 60 * time.Second

	// rateLimitMaxHits is the burst a key may spend at once; the bucket
	// refills at rateLimitMaxHits per rateLimitWindow.
	rateLimitMaxHits = 120
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// InboundRateLimiter bounds per-key inbound traffic with one token bucket
// per key. The gateway keys it by tenant ID so one noisy integration cannot
// starve the rest. Safe for concurrent use.
type InboundRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
}

// NewInboundRateLimiter creates a bounded inbound rate limiter.
func NewInboundRateLimiter() *InboundRateLimiter {
	return &InboundRateLimiter{entries: make(map[string]*limiterEntry)}
}

// Allow reports whether the key may make another request now.
func (r *InboundRateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	e, ok := r.entries[key]
	if !ok {
		if len(r.entries) >= maxTrackedKeys {
			r.evict(now)
		}
		e = &limiterEntry{
			limiter: rate.NewLimiter(rate.Limit(rateLimitMaxHits/rateLimitWindow.Seconds()), rateLimitMaxHits),
		}
		r.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.Allow()
}

// evict drops keys idle past the window, then the least recently seen, until
// the table has room. Called with the lock held.
func (r *InboundRateLimiter) evict(now time.Time) {
	for k, e := range r.entries {
		if now.Sub(e.lastSeen) >= rateLimitWindow {
			delete(r.entries, k)
		}
	}
	for len(r.entries) >= maxTrackedKeys {
		var oldestKey string
		var oldest time.Time
		for k, e := range r.entries {
			if oldestKey == "" || e.lastSeen.Before(oldest) {
				oldestKey, oldest = k, e.lastSeen
			}
		}
		delete(r.entries, oldestKey)
	}
}
