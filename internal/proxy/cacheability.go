package proxy

import (
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/edgeproxy/edgeproxy/internal/config"
)

type cacheControl struct {
	noStore   bool
	private   bool
	maxAge    int
	hasMaxAge bool
}

func parseCacheControl(v string) cacheControl {
	var cc cacheControl
	for _, part := range strings.Split(v, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		switch {
		case part == "no-store":
			cc.noStore = true
		case part == "private":
			cc.private = true
		case strings.HasPrefix(part, "max-age="):
			if n, err := strconv.Atoi(part[len("max-age="):]); err == nil && n >= 0 {
				cc.maxAge = n
				cc.hasMaxAge = true
			}
		}
	}
	return cc
}

// cacheableResponse decides storability from response headers alone:
// status list, Cache-Control, cookie policy, content type prefix, and a
// Vary set the key scheme can represent.
func cacheableResponse(cfg config.CacheConfig, resp *http.Response) bool {
	if !statusCacheable(cfg, resp.StatusCode) {
		return false
	}
	if cfg.RespectCacheControl {
		cc := parseCacheControl(resp.Header.Get("Cache-Control"))
		if cc.noStore {
			return false
		}
		if cc.private && !cfg.CacheCookies {
			return false
		}
	}
	if !cfg.CacheCookies && len(resp.Header.Values("Set-Cookie")) > 0 {
		return false
	}
	if !typeCacheable(cfg, resp.Header.Get("Content-Type")) {
		return false
	}
	return varyCacheable(resp.Header)
}

func statusCacheable(cfg config.CacheConfig, status int) bool {
	for _, s := range cfg.StatusCodes {
		if s == status {
			return true
		}
	}
	return false
}

func typeCacheable(cfg config.CacheConfig, contentType string) bool {
	if len(cfg.ContentTypes) == 0 {
		return true
	}
	main := contentType
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		main = mt
	}
	main = strings.ToLower(main)
	for _, p := range cfg.ContentTypes {
		if strings.HasPrefix(main, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// varyCacheable rejects responses varying on anything the cache key does
// not capture. Accept-Encoding and Accept-Language are folded into every
// key, so those are fine; anything else (including "*") is not.
func varyCacheable(h http.Header) bool {
	for _, v := range h.Values("Vary") {
		for _, field := range strings.Split(v, ",") {
			switch strings.ToLower(strings.TrimSpace(field)) {
			case "", "accept-encoding", "accept-language":
			default:
				return false
			}
		}
	}
	return true
}

// deriveTTL computes the storage TTL: origin max-age when honored, the
// configured default otherwise, clamped to the maximum.
func deriveTTL(cfg config.CacheConfig, h http.Header) time.Duration {
	ttl := cfg.DefaultTTL
	if cfg.RespectCacheControl {
		if cc := parseCacheControl(h.Get("Cache-Control")); cc.hasMaxAge {
			ttl = time.Duration(cc.maxAge) * time.Second
		}
	}
	if ttl > cfg.MaxTTL {
		ttl = cfg.MaxTTL
	}
	return ttl
}
