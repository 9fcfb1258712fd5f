// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements a per-source fixed-window rate limiter for the
// webhook ingestion endpoint. Billing providers retry aggressively, so the
// limiter's job is admission control against floods, not correctness: in
// any ambiguous state it fails open and lets the request through.
//
// Notes:
//   - The limiter is process-local. Multi-instance deployments need a
//     shared limiter, which is out of scope here.
//   - A rejected request carries a Retry-After hint computed from the
//     remaining window so well-behaved providers back off precisely.
package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// window tracks one source's request count within its current fixed window.
type window struct {
	count    int
	resetAt  time.Time
	lastSeen time.Time
}

// FixedWindowLimiter admits up to Max requests per source per Window.
// Bucket memory is bounded: expired windows are pruned opportunistically,
// and if the bucket count still exceeds MaxBuckets the least-recently-seen
// buckets are evicted first. Safe for concurrent use.
type FixedWindowLimiter struct {
	windowLen  time.Duration
	max        int
	maxBuckets int

	mu      sync.Mutex
	buckets map[string]*window
	lookups int

	// now is a clock seam for tests.
	now func() time.Time
}

// NewFixedWindowLimiter constructs a limiter allowing max requests per
// windowLen from each source, tracking at most maxBuckets sources.
// Values <= 0 are coerced to safe minimums.
func NewFixedWindowLimiter(windowLen time.Duration, max, maxBuckets int) *FixedWindowLimiter {
	if windowLen <= 0 {
		windowLen = time.Minute
	}
	if max < 1 {
		max = 1
	}
	if maxBuckets < 1 {
		maxBuckets = 1
	}
	return &FixedWindowLimiter{
		windowLen:  windowLen,
		max:        max,
		maxBuckets: maxBuckets,
		buckets:    make(map[string]*window),
		now:        time.Now,
	}
}

// Allow records a request from key and reports whether it is admitted.
// When rejected, retryAfter is the positive time until the window resets.
func (fl *FixedWindowLimiter) Allow(key string) (allowed bool, retryAfter time.Duration) {
	now := fl.now()

	fl.mu.Lock()
	defer fl.mu.Unlock()

	// Opportunistic pruning ahead of the bucket touch so an expired bucket
	// for this very key is replaced, not refreshed.
	fl.lookups++
	if fl.lookups >= 1000 {
		fl.prune(now)
		fl.lookups = 0
	}

	w, ok := fl.buckets[key]
	if !ok || !w.resetAt.After(now) {
		fl.buckets[key] = &window{count: 1, resetAt: now.Add(fl.windowLen), lastSeen: now}
		if len(fl.buckets) > fl.maxBuckets {
			fl.evictOldest()
		}
		return true, 0
	}

	w.count++
	w.lastSeen = now
	if w.count > fl.max {
		ra := w.resetAt.Sub(now)
		if ra < time.Second {
			ra = time.Second
		}
		return false, ra
	}
	return true, 0
}

// prune drops buckets whose window already ended. Caller holds fl.mu.
func (fl *FixedWindowLimiter) prune(now time.Time) {
	for k, w := range fl.buckets {
		if !w.resetAt.After(now) {
			delete(fl.buckets, k)
		}
	}
}

// evictOldest removes the least-recently-seen bucket. Caller holds fl.mu.
func (fl *FixedWindowLimiter) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for k, w := range fl.buckets {
		if oldestKey == "" || w.lastSeen.Before(oldest) {
			oldestKey = k
			oldest = w.lastSeen
		}
	}
	if oldestKey != "" {
		delete(fl.buckets, oldestKey)
	}
}

// Handler returns a Gin middleware enforcing the limit per client IP.
//
// A rejected request receives:
//
//	HTTP/1.1 429 Too Many Requests
//	Retry-After: <seconds>
//	{ "ok": false, "error": "rate_limited" }
func (fl *FixedWindowLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, retryAfter := fl.Allow("ip:" + c.ClientIP())
		if allowed {
			c.Next()
			return
		}
		secs := int(retryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		c.Header("Retry-After", strconv.Itoa(secs))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"ok":    false,
			"error": "rate_limited",
		})
	}
}
