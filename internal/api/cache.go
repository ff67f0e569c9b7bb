package api

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/powerwatch/internal/usage/engine"
)

// summaryCache reuses a computed summary for ttl. Concurrent misses share
// one computation.
type summaryCache struct {
	ttl     time.Duration
	compute func() engine.Summary
	group   singleflight.Group

	mu      sync.Mutex
	value   engine.Summary
	expires time.Time
	hits    int64
	misses  int64
}

func newSummaryCache(ttl time.Duration, compute func() engine.Summary) *summaryCache {
	return &summaryCache{ttl: ttl, compute: compute}
}

func (c *summaryCache) get(now time.Time) engine.Summary {
	c.mu.Lock()
	if c.ttl > 0 && now.Before(c.expires) {
		v := c.value
		c.hits++
		c.mu.Unlock()
		return v
	}
	c.misses++
	c.mu.Unlock()

	v, _, _ := c.group.Do("summary", func() (interface{}, error) {
		s := c.compute()
		c.mu.Lock()
		c.value = s
		c.expires = now.Add(c.ttl)
		c.mu.Unlock()
		return s, nil
	})
	return v.(engine.Summary)
}

// invalidate drops the cached summary after a new reading.
func (c *summaryCache) invalidate() {
	c.mu.Lock()
	c.expires = time.Time{}
	c.mu.Unlock()
}

func (c *summaryCache) stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
