package api

import (
	"sync"
	"time"
)

// rateLimiter is a fixed-window counter keyed by caller identity (source
// host for webmentions, token hash for micropub). A nil limit disables it.
type rateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	buckets map[string]*bucket
}

type bucket struct {
	count       int
	windowStart time.Time
}

func newRateLimiter(limit int) *rateLimiter {
	if limit <= 0 {
		return nil
	}
	return &rateLimiter{
		limit:   limit,
		window:  time.Minute,
		buckets: make(map[string]*bucket),
	}
}

// allow reports whether a request under key is admitted; when it is not
// the second value is the delay after which the caller may retry.
func (rl *rateLimiter) allow(key string) (bool, time.Duration) {
	if rl == nil {
		return true, 0
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, ok := rl.buckets[key]
	if !ok || now.Sub(b.windowStart) >= rl.window {
		rl.buckets[key] = &bucket{count: 1, windowStart: now}
		rl.prune(now)
		return true, 0
	}

	if b.count >= rl.limit {
		return false, b.windowStart.Add(rl.window).Sub(now)
	}
	b.count++

	return true, 0
}

// prune drops expired buckets so the map does not grow with one entry per
// caller ever seen.
func (rl *rateLimiter) prune(now time.Time) {
	if len(rl.buckets) < 1024 {
		return
	}
	for key, b := range rl.buckets {
		if now.Sub(b.windowStart) >= rl.window {
			delete(rl.buckets, key)
		}
	}
}
