package cache

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/edgeproxy/edgeproxy/internal/metrics"
	"github.com/edgeproxy/edgeproxy/internal/routing"
)

// Entry is one cached response. Entries are never mutated after Put;
// values returned from Get are read-only.
type Entry struct {
	Status int
	Header http.Header
	// Body holds plain (decompressed) bytes unless
	// OriginalContentEncoding is set, in which case the body is the
	// original compressed payload.
	Body                    []byte
	OriginalContentEncoding string
	StoredAt                time.Time
	ExpiresAt               time.Time
	// Route is the decision that produced this response, so a later hit
	// can emit routing headers without re-resolving.
	Route routing.Decision
}

// Age returns how long the entry has been stored.
func (e *Entry) Age() time.Duration {
	return time.Since(e.StoredAt)
}

func (e *Entry) expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
	Purged      int64 `json:"purged"`
	Size        int   `json:"size"`
	MaxItems    int   `json:"maxItems"`
}

// Cache is the in-memory response cache: LRU-bounded with per-entry TTL.
// The underlying expirable LRU carries maxTTL as a hard upper bound;
// per-entry deadlines are checked on read and by the janitor.
type Cache struct {
	lru      *expirable.LRU[string, *Entry]
	maxItems int
	maxTTL   time.Duration

	name string
	sink metrics.Sink

	// addMu serializes the eviction-accounting check in Put.
	addMu sync.Mutex

	hits        atomic.Int64
	misses      atomic.Int64
	evictions   atomic.Int64
	expirations atomic.Int64
	purged      atomic.Int64
}

// New creates a response cache bounded to maxItems entries with TTLs
// clamped to maxTTL. Events are reported to sink under the given name.
func New(name string, maxItems int, maxTTL time.Duration, sink metrics.Sink) *Cache {
	if maxItems <= 0 {
		maxItems = 1000
	}
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &Cache{
		lru:      expirable.NewLRU[string, *Entry](maxItems, nil, maxTTL),
		maxItems: maxItems,
		maxTTL:   maxTTL,
		name:     name,
		sink:     sink,
	}
}

// Get returns the entry for key if present and fresh, updating recency.
// A stale entry is removed and reported as a miss.
func (c *Cache) Get(key string) (*Entry, bool) {
	e, ok := c.lru.Get(key)
	if !ok {
		c.misses.Add(1)
		c.sink.CacheMiss(c.name)
		return nil, false
	}
	if e.expired(time.Now()) {
		c.lru.Remove(key)
		c.expirations.Add(1)
		c.sink.CacheExpiration(c.name)
		c.misses.Add(1)
		c.sink.CacheMiss(c.name)
		return nil, false
	}
	c.hits.Add(1)
	c.sink.CacheHit(c.name)
	return e, true
}

// Put stores an entry under key. The ttl is clamped to [0, maxTTL]; a
// clamped-to-zero ttl stores nothing. Inserting into a full cache evicts
// the least recently used entry.
func (c *Cache) Put(key string, e *Entry, ttl time.Duration) {
	if ttl > c.maxTTL {
		ttl = c.maxTTL
	}
	if ttl <= 0 {
		return
	}
	now := time.Now()
	e.StoredAt = now
	e.ExpiresAt = now.Add(ttl)

	c.addMu.Lock()
	if c.lru.Len() >= c.maxItems && !c.lru.Contains(key) {
		c.evictions.Add(1)
		c.sink.CacheEviction(c.name)
	}
	c.lru.Add(key, e)
	c.addMu.Unlock()
	c.sink.CacheSize(c.name, c.lru.Len())
}

// Remove drops a single key.
func (c *Cache) Remove(key string) {
	c.lru.Remove(key)
}

// Purge removes every entry whose canonical key matches the glob pattern
// ('*' matches any run of characters). An optional domain additionally
// filters on the key's host component. Returns the number removed.
func (c *Cache) Purge(pattern, domain string) (int, error) {
	re, err := globToRegexp(pattern)
	if err != nil {
		return 0, err
	}
	domain = strings.ToLower(domain)

	removed := 0
	for _, key := range c.lru.Keys() {
		if !re.MatchString(key) {
			continue
		}
		if domain != "" && KeyDomain(key) != domain {
			continue
		}
		if c.lru.Remove(key) {
			removed++
		}
	}
	if removed > 0 {
		c.purged.Add(int64(removed))
		c.sink.CachePurge(c.name, removed)
		c.sink.CacheSize(c.name, c.lru.Len())
	}
	return removed, nil
}

// PurgeAll empties the cache and returns the number of entries dropped.
func (c *Cache) PurgeAll() int {
	n := c.lru.Len()
	c.lru.Purge()
	if n > 0 {
		c.purged.Add(int64(n))
		c.sink.CachePurge(c.name, n)
		c.sink.CacheSize(c.name, 0)
	}
	return n
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Stats returns the counter snapshot.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
		Purged:      c.purged.Load(),
		Size:        c.lru.Len(),
		MaxItems:    c.maxItems,
	}
}

// StartJanitor sweeps expired entries every period until ctx is done.
// The expirable LRU also expires lazily; the sweep keeps stats and memory
// deterministic.
func (c *Cache) StartJanitor(ctx context.Context, period time.Duration) {
	if period <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sweep(time.Now())
			}
		}
	}()
}

func (c *Cache) sweep(now time.Time) {
	removed := 0
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if !ok {
			continue
		}
		if e.expired(now) {
			if c.lru.Remove(key) {
				removed++
			}
		}
	}
	if removed > 0 {
		c.expirations.Add(int64(removed))
		for i := 0; i < removed; i++ {
			c.sink.CacheExpiration(c.name)
		}
		c.sink.CacheSize(c.name, c.lru.Len())
	}
}

// globToRegexp compiles a '*'-only glob into an anchored regexp.
func globToRegexp(pattern string) (*regexp.Regexp, error) {
	escaped := regexp.QuoteMeta(pattern)
	expr := "^" + strings.ReplaceAll(escaped, `\*`, ".*") + "$"
	return regexp.Compile(expr)
}
