package fileresolver

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// cacheEntry pins a resolution outcome with its own deadline so positive
// and negative results age at different rates inside one LRU.
type cacheEntry struct {
	result    Result
	domain    string
	storedAt  time.Time
	expiresAt time.Time
}

func (e *cacheEntry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// resolutionCache stores probe outcomes keyed by baseURL plus the
// extension list that produced them. The LRU's own TTL is the larger of
// the positive and negative TTLs; per-entry deadlines enforce the real
// lifetime on read.
type resolutionCache struct {
	lru     *expirable.LRU[string, *cacheEntry]
	maxSize int

	hits   atomic.Int64
	misses atomic.Int64
}

func newResolutionCache(maxSize int, upperTTL time.Duration) *resolutionCache {
	if maxSize <= 0 {
		maxSize = 2048
	}
	return &resolutionCache{
		lru:     expirable.NewLRU[string, *cacheEntry](maxSize, nil, upperTTL),
		maxSize: maxSize,
	}
}

func (c *resolutionCache) get(key string) (*cacheEntry, bool) {
	ent, ok := c.lru.Get(key)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	if ent.expired(time.Now()) {
		c.lru.Remove(key)
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return ent, true
}

func (c *resolutionCache) put(key, domain string, res Result, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	now := time.Now()
	c.lru.Add(key, &cacheEntry{
		result:    res,
		domain:    domain,
		storedAt:  now,
		expiresAt: now.Add(ttl),
	})
}

// purge removes entries resolved for the given request domain, or every
// entry when domain is empty. Returns the number removed.
func (c *resolutionCache) purge(domain string) int {
	removed := 0
	for _, key := range c.lru.Keys() {
		ent, ok := c.lru.Peek(key)
		if !ok {
			continue
		}
		if domain == "" || strings.EqualFold(ent.domain, domain) {
			if c.lru.Remove(key) {
				removed++
			}
		}
	}
	return removed
}

func (c *resolutionCache) len() int {
	return c.lru.Len()
}
