package handlers

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type rateLimiter interface {
	Allow(key string) bool
}

// clientBuckets gives every client key its own token bucket holding limit requests, refilled
// evenly over window.
type clientBuckets struct {
	every rate.Limit
	burst int
	idle  time.Duration
	clock func() time.Time

	mu      sync.Mutex
	buckets map[string]*clientBucket
	swept   time.Time
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newSimpleRateLimiter(limit int, window time.Duration, clock func() time.Time) rateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &clientBuckets{
		every:   rate.Every(window / time.Duration(limit)),
		burst:   limit,
		idle:    window,
		clock:   clock,
		buckets: make(map[string]*clientBucket),
	}
}

func (c *clientBuckets) Allow(key string) bool {
	if c == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	now := c.clock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Sub(c.swept) > c.idle {
		c.evictIdleLocked(now)
	}
	bucket, ok := c.buckets[key]
	if !ok {
		bucket = &clientBucket{limiter: rate.NewLimiter(c.every, c.burst)}
		c.buckets[key] = bucket
	}
	bucket.lastSeen = now
	return bucket.limiter.AllowN(now, 1)
}

// A bucket idle for a full window is back at capacity, so dropping it is lossless.
func (c *clientBuckets) evictIdleLocked(now time.Time) {
	for key, bucket := range c.buckets {
		if now.Sub(bucket.lastSeen) > c.idle {
			delete(c.buckets, key)
		}
	}
	c.swept = now
}
