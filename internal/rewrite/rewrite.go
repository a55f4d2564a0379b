// Package rewrite points origin URLs inside HTML, JavaScript, and CSS
// bodies back at the proxy host, so a browser that fetched a page
// through the edge keeps talking to the edge instead of the backend.
package rewrite

import (
	"path"
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/edgeproxy/edgeproxy/internal/config"
	"github.com/edgeproxy/edgeproxy/internal/logging"
	"github.com/edgeproxy/edgeproxy/internal/metrics"
)

// Kind selects the pattern table for a body.
type Kind string

const (
	KindHTML Kind = "html"
	KindJS   Kind = "js"
	KindCSS  Kind = "css"
)

// KindFor maps a response content type and request path to a pattern
// table, or reports false for bodies the rewriter does not touch.
func KindFor(contentType, requestPath string) (Kind, bool) {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "text/html"), strings.Contains(ct, "xhtml"):
		return KindHTML, true
	case strings.Contains(ct, "javascript"), strings.Contains(ct, "ecmascript"):
		return KindJS, true
	case strings.Contains(ct, "text/css"):
		return KindCSS, true
	}
	switch strings.ToLower(path.Ext(requestPath)) {
	case ".html", ".htm":
		return KindHTML, true
	case ".js", ".mjs":
		return KindJS, true
	case ".css":
		return KindCSS, true
	}
	return "", false
}

// Target describes where a body is being served from and to.
type Target struct {
	ProxyHost    string // host the client addressed, may carry a port
	Proto        string // http or https, as the client connected
	UpstreamHost string // backend host the body came from
	Snapshot     *config.Snapshot
}

// schemes that are never rewritten.
var skipSchemes = []string{"data:", "javascript:", "mailto:", "tel:", "sms:", "blob:"}

type memoValue struct {
	out     string
	changed bool
}

// Stats reports memo cache counters.
type Stats struct {
	Entries   int   `json:"entries"`
	MaxSize   int   `json:"max_size"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Rewritten int64 `json:"rewritten"`
}

// Rewriter rewrites URLs through per-kind pattern tables, memoizing
// individual URL decisions in a bounded LRU.
type Rewriter struct {
	memo    *lru.Cache[string, memoValue]
	maxSize int
	sink    metrics.Sink

	hits      atomic.Int64
	misses    atomic.Int64
	rewritten atomic.Int64
}

// New sizes the memo from the snapshot current at startup.
func New(store *config.Store, sink metrics.Sink) *Rewriter {
	maxSize := store.Load().URLTransform.MaxCacheSize
	if maxSize <= 0 {
		maxSize = 10000
	}
	memo, _ := lru.New[string, memoValue](maxSize)
	return &Rewriter{memo: memo, maxSize: maxSize, sink: sink}
}

// Rewrite runs the pattern table for kind over body and returns the
// rewritten bytes and how many URLs changed.
func (r *Rewriter) Rewrite(kind Kind, body []byte, t Target) ([]byte, int) {
	if t.Snapshot == nil {
		return body, 0
	}
	var out []byte
	var count int
	switch kind {
	case KindHTML:
		out, count = r.rewriteHTML(body, t)
	case KindJS:
		out, count = r.rewriteJS(body, t)
	case KindCSS:
		out, count = r.rewriteCSS(body, t)
	default:
		return body, 0
	}
	if count > 0 {
		r.rewritten.Add(int64(count))
		if t.Snapshot.URLTransform.Debug {
			logging.Debug("rewrote urls",
				zap.String("kind", string(kind)),
				zap.Int("count", count),
				zap.String("proxy_host", t.ProxyHost))
		}
	}
	return out, count
}

// Purge clears the URL memo and returns how many entries it held.
func (r *Rewriter) Purge() int {
	n := r.memo.Len()
	r.memo.Purge()
	r.sink.CachePurge("url_transform", n)
	return n
}

// Stats returns memo counters.
func (r *Rewriter) Stats() Stats {
	return Stats{
		Entries:   r.memo.Len(),
		MaxSize:   r.maxSize,
		Hits:      r.hits.Load(),
		Misses:    r.misses.Load(),
		Rewritten: r.rewritten.Load(),
	}
}

// rewriteURL decides one URL. The decision is memoized per
// (url, proxyHost, protocol, upstreamTarget).
func (r *Rewriter) rewriteURL(raw string, t Target) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return raw, false
	}

	key := raw + "\x00" + t.ProxyHost + "\x00" + t.Proto + "\x00" + t.UpstreamHost
	if v, ok := r.memo.Get(key); ok {
		r.hits.Add(1)
		return v.out, v.changed
	}
	r.misses.Add(1)

	out, changed := decideURL(trimmed, t)
	if !changed {
		out = raw
	}
	r.memo.Add(key, memoValue{out: out, changed: changed})
	return out, changed
}

// decideURL applies the skip rules and produces the proxied form.
func decideURL(raw string, t Target) (string, bool) {
	lower := strings.ToLower(raw)
	for _, scheme := range skipSchemes {
		if strings.HasPrefix(lower, scheme) {
			return raw, false
		}
	}

	snap := t.Snapshot
	proxyName := hostOnly(t.ProxyHost)

	// Protocol-relative: //host/path keeps its relative protocol.
	if strings.HasPrefix(raw, "//") && !strings.HasPrefix(raw, "///") {
		rest := raw[2:]
		host, tail := splitHostTail(rest)
		if host == "" {
			return raw, false
		}
		if strings.EqualFold(hostOnly(host), proxyName) {
			return rewriteEmbedded(raw, t)
		}
		if !snap.IsOrigin(host) {
			return raw, false
		}
		return "//" + t.ProxyHost + applyFlags(tail, snap.URLTransform), true
	}

	// Absolute http(s) URL.
	var rest string
	switch {
	case strings.HasPrefix(lower, "http://"):
		rest = raw[len("http://"):]
	case strings.HasPrefix(lower, "https://"):
		rest = raw[len("https://"):]
	default:
		// Relative URLs already flow through the proxy.
		return raw, false
	}

	host, tail := splitHostTail(rest)
	if host == "" {
		return raw, false
	}
	if strings.EqualFold(hostOnly(host), proxyName) {
		// Already proxied, unless it smuggles an origin reference.
		return rewriteEmbedded(raw, t)
	}
	if !snap.IsOrigin(host) {
		return raw, false
	}
	return t.Proto + "://" + t.ProxyHost + applyFlags(tail, snap.URLTransform), true
}

// rewriteEmbedded handles URLs that already target the proxy but embed
// origin references in their path or query, rewriting the inner
// occurrences only.
func rewriteEmbedded(raw string, t Target) (string, bool) {
	changed := false
	out := absURLRe.ReplaceAllStringFunc(raw, func(m string) string {
		host := m[strings.Index(m, "//")+2:]
		if strings.EqualFold(hostOnly(host), hostOnly(t.ProxyHost)) {
			return m
		}
		if !t.Snapshot.IsOrigin(host) {
			return m
		}
		changed = true
		return t.Proto + "://" + t.ProxyHost
	})
	if !changed {
		return raw, false
	}
	return out, true
}

// applyFlags trims the query and fragment off the path tail according
// to the preservation flags.
func applyFlags(tail string, cfg config.URLTransformConfig) string {
	if !cfg.PreserveFragments {
		if i := strings.IndexByte(tail, '#'); i >= 0 {
			tail = tail[:i]
		}
	}
	if !cfg.PreserveQuery {
		frag := ""
		if i := strings.IndexByte(tail, '#'); i >= 0 {
			frag = tail[i:]
			tail = tail[:i]
		}
		if i := strings.IndexByte(tail, '?'); i >= 0 {
			tail = tail[:i]
		}
		tail += frag
	}
	return tail
}

// splitHostTail separates the authority from the rest of a URL that
// has had its scheme removed.
func splitHostTail(s string) (host, tail string) {
	end := len(s)
	for i := 0; i < len(s); i++ {
		if c := s[i]; c == '/' || c == '?' || c == '#' {
			end = i
			break
		}
	}
	return s[:end], s[end:]
}

func hostOnly(host string) string {
	return strings.ToLower(config.StripPort(host))
}
