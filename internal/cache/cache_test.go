package cache

import (
	"net/http"
	"testing"
	"time"

	"github.com/edgeproxy/edgeproxy/internal/metrics"
	"github.com/edgeproxy/edgeproxy/internal/routing"
)

func newTestCache(maxItems int, maxTTL time.Duration) *Cache {
	return New("response", maxItems, maxTTL, metrics.Nop{})
}

func entryWithBody(body string) *Entry {
	return &Entry{
		Status: 200,
		Header: http.Header{"Content-Type": []string{"text/html"}},
		Body:   []byte(body),
	}
}

func TestGetPut(t *testing.T) {
	c := newTestCache(10, time.Hour)

	if _, ok := c.Get("missing"); ok {
		t.Error("Get on empty cache should miss")
	}

	c.Put("k1", entryWithBody("hello"), time.Minute)
	e, ok := c.Get("k1")
	if !ok {
		t.Fatal("Get should hit after Put")
	}
	if string(e.Body) != "hello" {
		t.Errorf("body = %q, want hello", e.Body)
	}
	if e.Status != 200 {
		t.Errorf("status = %d, want 200", e.Status)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("hits/misses = %d/%d, want 1/1", stats.Hits, stats.Misses)
	}
	if stats.Size != 1 {
		t.Errorf("size = %d, want 1", stats.Size)
	}
}

func TestPutClampsTTL(t *testing.T) {
	maxTTL := time.Hour
	c := newTestCache(10, maxTTL)

	c.Put("k", entryWithBody("x"), 10*time.Hour)
	e, ok := c.Get("k")
	if !ok {
		t.Fatal("entry missing")
	}
	if got := e.ExpiresAt.Sub(e.StoredAt); got != maxTTL {
		t.Errorf("effective ttl = %v, want clamp to %v", got, maxTTL)
	}
}

func TestPutZeroTTLNotStored(t *testing.T) {
	c := newTestCache(10, time.Hour)

	c.Put("zero", entryWithBody("x"), 0)
	c.Put("negative", entryWithBody("x"), -time.Second)

	if c.Len() != 0 {
		t.Errorf("size = %d, want 0 (non-positive ttl stores nothing)", c.Len())
	}
}

func TestPerEntryExpiry(t *testing.T) {
	c := newTestCache(10, time.Hour)

	c.Put("short", entryWithBody("x"), 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	if _, ok := c.Get("short"); ok {
		t.Error("expired entry should miss")
	}
	stats := c.Stats()
	if stats.Expirations != 1 {
		t.Errorf("expirations = %d, want 1", stats.Expirations)
	}
}

func TestLRUEviction(t *testing.T) {
	c := newTestCache(2, time.Hour)

	c.Put("a", entryWithBody("a"), time.Minute)
	c.Put("b", entryWithBody("b"), time.Minute)
	// Touch "a" so "b" is the LRU victim.
	if _, ok := c.Get("a"); !ok {
		t.Fatal("a missing")
	}
	c.Put("c", entryWithBody("c"), time.Minute)

	if _, ok := c.Get("b"); ok {
		t.Error("LRU victim b should have been evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Error("recently used a should survive")
	}
	if _, ok := c.Get("c"); !ok {
		t.Error("new entry c should be present")
	}
	if got := c.Stats().Evictions; got != 1 {
		t.Errorf("evictions = %d, want 1", got)
	}
}

func TestPurgeGlob(t *testing.T) {
	c := newTestCache(10, time.Hour)
	keys := []string{
		"GET:ddt.example:/notes/a:/ddt/notes/a:origin.example:1:00",
		"GET:ddt.example:/notes/b:/ddt/notes/b:origin.example:1:00",
		"GET:ddt.example:/other:/ddt/other:origin.example:1:00",
		"GET:blog.example:/notes/a:/notes/a:origin.example:1:00",
	}
	for _, k := range keys {
		c.Put(k, entryWithBody(k), time.Minute)
	}

	n, err := c.Purge("GET:*:/notes/*", "")
	if err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if n != 3 {
		t.Errorf("purged = %d, want 3", n)
	}
	if _, ok := c.Get(keys[2]); !ok {
		t.Error("non-matching key should survive")
	}
}

func TestPurgeDomainFilter(t *testing.T) {
	c := newTestCache(10, time.Hour)
	ddt := "GET:ddt.example:/notes/a:/ddt/notes/a:origin.example:1:00"
	blog := "GET:blog.example:/notes/a:/notes/a:origin.example:1:00"
	c.Put(ddt, entryWithBody("1"), time.Minute)
	c.Put(blog, entryWithBody("2"), time.Minute)

	n, err := c.Purge("*", "ddt.example")
	if err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}
	if _, ok := c.Get(blog); !ok {
		t.Error("other-domain key should survive the domain-filtered purge")
	}
	if got := c.Stats().Purged; got != 1 {
		t.Errorf("purged counter = %d, want 1", got)
	}
}

func TestPurgeAll(t *testing.T) {
	c := newTestCache(10, time.Hour)
	c.Put("a", entryWithBody("a"), time.Minute)
	c.Put("b", entryWithBody("b"), time.Minute)

	if n := c.PurgeAll(); n != 2 {
		t.Errorf("PurgeAll = %d, want 2", n)
	}
	if c.Len() != 0 {
		t.Errorf("size after PurgeAll = %d, want 0", c.Len())
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	c := newTestCache(10, time.Hour)
	c.Put("fresh", entryWithBody("f"), time.Hour)
	c.Put("stale", entryWithBody("s"), time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	c.sweep(time.Now())

	if c.Len() != 1 {
		t.Errorf("size after sweep = %d, want 1", c.Len())
	}
	if got := c.Stats().Expirations; got != 1 {
		t.Errorf("expirations = %d, want 1", got)
	}
	if _, ok := c.Get("fresh"); !ok {
		t.Error("fresh entry should survive the sweep")
	}
}

func TestEntryRouteDecisionRoundTrip(t *testing.T) {
	c := newTestCache(10, time.Hour)
	e := entryWithBody("page")
	e.Route = routing.Decision{
		BackendHost:   "origin.example",
		UpstreamPath:  "/ddt/page",
		Matched:       true,
		PathRewritten: true,
		AppliedRule:   "ddt.example",
	}
	c.Put("k", e, time.Minute)

	got, ok := c.Get("k")
	if !ok {
		t.Fatal("entry missing")
	}
	if got.Route.UpstreamPath != "/ddt/page" || !got.Route.PathRewritten {
		t.Errorf("route decision not preserved: %+v", got.Route)
	}
}
