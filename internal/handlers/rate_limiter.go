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

// ownerRateLimiter keeps one token bucket per owner key. A bucket holds limit tokens and refills
// completely over window, so a burst of limit requests is allowed per window.
type ownerRateLimiter struct {
	limit   int
	refill  rate.Limit
	clock   func() time.Time
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	sweeps  int
}

const bucketSweepEvery = 256

func newOwnerRateLimiter(limit int, window time.Duration, clock func() time.Time) rateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &ownerRateLimiter{
		limit:   limit,
		refill:  rate.Every(window / time.Duration(limit)),
		clock:   clock,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (l *ownerRateLimiter) Allow(key string) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.buckets[key]
	if !ok {
		bucket = rate.NewLimiter(l.refill, l.limit)
		l.buckets[key] = bucket
	}
	allowed := bucket.AllowN(now, 1)

	l.sweeps++
	if l.sweeps >= bucketSweepEvery {
		l.sweeps = 0
		for k, b := range l.buckets {
			if b.TokensAt(now) >= float64(l.limit) {
				delete(l.buckets, k)
			}
		}
	}
	return allowed
}
