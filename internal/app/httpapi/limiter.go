package httpapi

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterCache holds one rate.Limiter per client IP, evicting entries idle
// for more than ten minutes so long-lived processes don't accumulate one
// limiter per ephemeral caller forever.
type limiterCache struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	entries map[string]*limiterEntry
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newLimiterCache(limit rate.Limit, burst int) *limiterCache {
	return &limiterCache{limit: limit, burst: burst, entries: make(map[string]*limiterEntry)}
}

func (c *limiterCache) allow(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.evictLocked(now)

	e, ok := c.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(c.limit, c.burst)}
		c.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.Allow()
}

func (c *limiterCache) evictLocked(now time.Time) {
	for k, e := range c.entries {
		if now.Sub(e.lastSeen) > 10*time.Minute {
			delete(c.entries, k)
		}
	}
}
