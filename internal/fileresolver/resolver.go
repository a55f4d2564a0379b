// Package fileresolver discovers which concrete upstream file backs an
// extensionless request path by probing candidate extensions in priority
// order, so /notes/intro can be served from /notes/intro.md.
package fileresolver

import (
	"context"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/edgeproxy/edgeproxy/internal/breaker"
	"github.com/edgeproxy/edgeproxy/internal/config"
	"github.com/edgeproxy/edgeproxy/internal/logging"
	"github.com/edgeproxy/edgeproxy/internal/metrics"
)

// Result is the outcome of resolving an extensionless base URL.
type Result struct {
	Success       bool
	ResolvedURL   string
	Extension     string
	ContentType   string
	ContentLength int64
	Cached        bool
	CacheAge      time.Duration
	CircuitOpen   bool
}

// Stats reports resolver cache and campaign counters.
type Stats struct {
	Entries   int   `json:"entries"`
	MaxSize   int   `json:"max_size"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Campaigns int64 `json:"campaigns"`
	Coalesced int64 `json:"coalesced"`
}

// Resolver probes backends for concrete files behind extensionless paths.
// Campaigns for the same base URL and extension list are shared across
// concurrent callers, and their results are cached with separate positive
// and negative lifetimes.
type Resolver struct {
	store    *config.Store
	breakers *breaker.Group
	sink     metrics.Sink
	client   *http.Client
	sem      *semaphore.Weighted
	sf       singleflight.Group
	cache    *resolutionCache

	campaigns atomic.Int64
	coalesced atomic.Int64
}

// New builds a Resolver bound to the config store. The probe concurrency
// bound and cache capacity are fixed from the snapshot current at startup;
// TTLs, timeouts, and extension lists follow later snapshot swaps.
func New(store *config.Store, breakers *breaker.Group, sink metrics.Sink) *Resolver {
	cfg := store.Load().FileResolution

	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	upperTTL := cfg.Cache.TTL
	if cfg.Cache.NegativeTTL > upperTTL {
		upperTTL = cfg.Cache.NegativeTTL
	}

	return &Resolver{
		store:    store,
		breakers: breakers,
		sink:     sink,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        64,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
			// Redirects are not followed: probes judge the candidate URL
			// itself, and 3xx falls outside the positive range anyway.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		sem:   semaphore.NewWeighted(int64(maxConcurrent)),
		cache: newResolutionCache(cfg.Cache.MaxSize, upperTTL),
	}
}

// Resolve determines which concrete file exists for an extensionless base
// URL. Concurrent calls for the same base and extension list share one
// probe campaign; a campaign outlives the caller that started it so its
// result still lands in the cache after a client disconnect.
func (r *Resolver) Resolve(ctx context.Context, baseURL, requestDomain string) Result {
	cfg := r.store.Load().FileResolution
	if !cfg.Enabled {
		return Result{}
	}
	exts := cfg.ExtensionsFor(requestDomain)
	if len(exts) == 0 {
		return Result{}
	}
	key := baseURL + "|" + strings.Join(exts, ",")

	if ent, ok := r.cache.get(key); ok {
		r.sink.CacheHit("file_resolution")
		res := ent.result
		res.Cached = true
		res.CacheAge = time.Since(ent.storedAt)
		return res
	}
	r.sink.CacheMiss("file_resolution")

	ch := r.sf.DoChan(key, func() (interface{}, error) {
		r.campaigns.Add(1)
		return r.campaign(context.WithoutCancel(ctx), cfg, key, baseURL, requestDomain, exts), nil
	})

	select {
	case out := <-ch:
		if out.Shared {
			r.coalesced.Add(1)
		}
		return out.Val.(Result)
	case <-ctx.Done():
		// The campaign keeps running detached and commits to the cache.
		return Result{}
	}
}

// Purge drops cached resolutions for a request domain, or all of them
// when domain is empty.
func (r *Resolver) Purge(domain string) int {
	removed := r.cache.purge(domain)
	r.sink.CachePurge("file_resolution", removed)
	return removed
}

// Stats returns a snapshot of resolver counters.
func (r *Resolver) Stats() Stats {
	return Stats{
		Entries:   r.cache.len(),
		MaxSize:   r.cache.maxSize,
		Hits:      r.cache.hits.Load(),
		Misses:    r.cache.misses.Load(),
		Campaigns: r.campaigns.Load(),
		Coalesced: r.coalesced.Load(),
	}
}

func (r *Resolver) campaign(ctx context.Context, cfg config.FileResolutionConfig, key, baseURL, domain string, exts []string) Result {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		logging.Warn("file resolution skipped malformed base URL", zap.String("url", baseURL))
		r.storeResult(cfg, key, domain, Result{})
		return Result{}
	}
	backend := u.Host

	br := r.breakers.For(backend)
	if err := br.Allow(); err != nil {
		// Never cached negatively, so a recovering backend is not
		// penalized for the whole negative TTL.
		return Result{CircuitOpen: true}
	}

	if cfg.BlockPrivateIPs {
		blocked, err := r.privateHost(ctx, u.Hostname())
		if err != nil {
			logging.Warn("file resolution DNS lookup failed",
				zap.String("host", u.Hostname()), zap.Error(err))
			br.RecordFailure()
			r.storeResult(cfg, key, domain, Result{})
			return Result{}
		}
		if blocked {
			logging.Warn("file resolution blocked private backend",
				zap.String("host", u.Hostname()))
			br.Cancel()
			r.storeResult(cfg, key, domain, Result{})
			return Result{}
		}
	}

	res := r.probeAll(ctx, cfg, br, backend, baseURL, exts)
	r.storeResult(cfg, key, domain, res)
	return res
}

func (r *Resolver) storeResult(cfg config.FileResolutionConfig, key, domain string, res Result) {
	ttl := cfg.Cache.TTL
	if !res.Success {
		ttl = cfg.Cache.NegativeTTL
	}
	r.cache.put(key, domain, res, ttl)
}

type probeOutcome struct {
	idx           int
	positive      bool
	contentType   string
	contentLength int64
}

// probeAll launches one probe per candidate extension under the global
// concurrency bound and settles them in priority order: a positive at
// position i only wins once every earlier candidate has settled negative,
// so declaration order is never decided by a race.
func (r *Resolver) probeAll(ctx context.Context, cfg config.FileResolutionConfig, br *breaker.Breaker, backend, baseURL string, exts []string) Result {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcomes := make(chan probeOutcome, len(exts))
	for i, ext := range exts {
		go func(idx int, candidate string) {
			if err := r.sem.Acquire(ctx, 1); err != nil {
				outcomes <- probeOutcome{idx: idx}
				return
			}
			defer r.sem.Release(1)
			outcomes <- r.probe(ctx, cfg, br, backend, idx, candidate)
		}(i, baseURL+"."+ext)
	}

	settled := make([]*probeOutcome, len(exts))
	for remaining := len(exts); remaining > 0; remaining-- {
		out := <-outcomes
		o := out
		settled[out.idx] = &o
		if winner := firstDecided(settled); winner != nil {
			cancel()
			return Result{
				Success:       true,
				ResolvedURL:   baseURL + "." + exts[winner.idx],
				Extension:     exts[winner.idx],
				ContentType:   winner.contentType,
				ContentLength: winner.contentLength,
			}
		}
	}
	return Result{}
}

// firstDecided returns the winning outcome once the highest-priority
// positive has no unsettled candidate ahead of it.
func firstDecided(settled []*probeOutcome) *probeOutcome {
	for _, o := range settled {
		if o == nil {
			return nil
		}
		if o.positive {
			return o
		}
	}
	return nil
}

// probe checks one candidate URL, retrying transient transport failures
// with linearly growing delay. Any completed HTTP exchange counts as
// breaker success regardless of status; only exhausted transport failures
// count against the backend.
func (r *Resolver) probe(ctx context.Context, cfg config.FileResolutionConfig, br *breaker.Breaker, backend string, idx int, candidate string) probeOutcome {
	out := probeOutcome{idx: idx}

	attempts := cfg.Retry.Attempts + 1
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * cfg.Retry.Delay):
			case <-ctx.Done():
				return out
			}
		}

		status, contentType, length, err := r.attempt(ctx, cfg, candidate)
		if err != nil {
			if ctx.Err() != nil {
				// Campaign already decided; says nothing about the backend.
				return out
			}
			continue
		}

		br.RecordSuccess()
		if positiveStatus(status) && allowedType(cfg, contentType) && withinSize(cfg, length) {
			out.positive = true
			out.contentType = contentType
			out.contentLength = length
			r.sink.ProbeResult(backend, "positive")
		} else {
			r.sink.ProbeResult(backend, "negative")
		}
		return out
	}

	br.RecordFailure()
	r.sink.ProbeResult(backend, "error")
	return out
}

// attempt performs one HEAD exchange, falling back to a one-byte ranged
// GET when the backend does not implement HEAD.
func (r *Resolver) attempt(ctx context.Context, cfg config.FileResolutionConfig, candidate string) (int, string, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	status, contentType, length, err := r.exchange(ctx, http.MethodHead, candidate, cfg.UserAgent)
	if err != nil {
		return 0, "", 0, err
	}
	if status == http.StatusMethodNotAllowed || status == http.StatusNotImplemented {
		return r.exchange(ctx, http.MethodGet, candidate, cfg.UserAgent)
	}
	return status, contentType, length, nil
}

func (r *Resolver) exchange(ctx context.Context, method, candidate, userAgent string) (int, string, int64, error) {
	req, err := http.NewRequestWithContext(ctx, method, candidate, nil)
	if err != nil {
		return 0, "", 0, err
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	// Marker lets origins tell probe traffic from real requests.
	req.Header.Set("X-File-Probe", "1")
	if method == http.MethodGet {
		req.Header.Set("Range", "bytes=0-0")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, "", 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	length := resp.ContentLength
	if total, ok := contentRangeTotal(resp.Header.Get("Content-Range")); ok {
		length = total
	}
	return resp.StatusCode, resp.Header.Get("Content-Type"), length, nil
}

// contentRangeTotal extracts the total size from a Content-Range header
// like "bytes 0-0/12345".
func contentRangeTotal(v string) (int64, bool) {
	slash := strings.LastIndexByte(v, '/')
	if slash < 0 {
		return 0, false
	}
	total, err := strconv.ParseInt(v[slash+1:], 10, 64)
	if err != nil || total < 0 {
		return 0, false
	}
	return total, true
}

func positiveStatus(status int) bool {
	return status >= 200 && status < 300
}

func allowedType(cfg config.FileResolutionConfig, contentType string) bool {
	if len(cfg.AllowedContentTypes) == 0 {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	for _, allowed := range cfg.AllowedContentTypes {
		if strings.HasPrefix(mediaType, allowed) {
			return true
		}
	}
	return false
}

func withinSize(cfg config.FileResolutionConfig, length int64) bool {
	if cfg.MaxFileSize <= 0 || length < 0 {
		return true
	}
	return length <= cfg.MaxFileSize
}

// privateHost reports whether the backend host resolves to loopback,
// link-local, or RFC1918 space.
func (r *Resolver) privateHost(ctx context.Context, host string) (bool, error) {
	if ip := net.ParseIP(host); ip != nil {
		return privateIP(ip), nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return false, err
	}
	for _, addr := range addrs {
		if privateIP(addr.IP) {
			return true, nil
		}
	}
	return false, nil
}

func privateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}
