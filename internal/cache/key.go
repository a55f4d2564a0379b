package cache

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/edgeproxy/edgeproxy/internal/config"
	"github.com/edgeproxy/edgeproxy/internal/routing"
)

// BuildKey computes the canonical cache key for a request and its routing
// decision. The key is colon-delimited with the host as the second
// component so purge-by-domain can filter on it:
//
//	METHOD:host:path:upstreamPath:backend:matched:vhash
//
// The variable tail (extra vary header values, Accept-Encoding, primary
// Accept-Language) is folded through xxhash64 so keys stay bounded while
// identical inputs always produce identical keys.
func BuildKey(method, host, path string, d routing.Decision, hdr http.Header, vary []string) string {
	host = config.StripPort(strings.ToLower(host))

	h := xxhash.New()
	for _, name := range vary {
		h.WriteString(strings.ToLower(name))
		h.WriteString("=")
		h.WriteString(hdr.Get(name))
		h.WriteString(";")
	}
	h.WriteString("ae=")
	h.WriteString(normalizeAcceptEncoding(hdr.Get("Accept-Encoding")))
	h.WriteString(";al=")
	h.WriteString(primaryAcceptLanguage(hdr.Get("Accept-Language")))

	matched := "0"
	if d.Matched {
		matched = "1"
	}

	var b strings.Builder
	b.Grow(len(method) + len(host) + len(path) + len(d.UpstreamPath) + len(d.BackendHost) + 24)
	b.WriteString(strings.ToUpper(method))
	b.WriteByte(':')
	b.WriteString(host)
	b.WriteByte(':')
	b.WriteString(path)
	b.WriteByte(':')
	b.WriteString(d.UpstreamPath)
	b.WriteByte(':')
	b.WriteString(d.BackendHost)
	b.WriteByte(':')
	b.WriteString(matched)
	b.WriteByte(':')
	fmt.Fprintf(&b, "%016x", h.Sum64())
	return b.String()
}

// normalizeAcceptEncoding reduces an Accept-Encoding header to a sorted,
// lowercased codings list so header ordering and q-values do not split
// the cache.
func normalizeAcceptEncoding(v string) string {
	if v == "" {
		return ""
	}
	parts := strings.Split(v, ",")
	codings := make([]string, 0, len(parts))
	for _, p := range parts {
		if i := strings.IndexByte(p, ';'); i >= 0 {
			p = p[:i]
		}
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			codings = append(codings, p)
		}
	}
	sort.Strings(codings)
	return strings.Join(codings, ",")
}

// primaryAcceptLanguage extracts the first language tag, lowercased.
func primaryAcceptLanguage(v string) string {
	if v == "" {
		return ""
	}
	if i := strings.IndexByte(v, ','); i >= 0 {
		v = v[:i]
	}
	if i := strings.IndexByte(v, ';'); i >= 0 {
		v = v[:i]
	}
	return strings.ToLower(strings.TrimSpace(v))
}

// KeyDomain returns the host component of a canonical key, empty when the
// key is malformed.
func KeyDomain(key string) string {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}
