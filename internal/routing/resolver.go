package routing

import (
	"fmt"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/edgeproxy/edgeproxy/internal/config"
)

// memoSize bounds the (host, path, method) decision memo.
const memoSize = 10000

// Decision is the routing outcome for one request.
type Decision struct {
	// BackendHost is the upstream host (may carry a port).
	BackendHost string
	// UseTLS selects https for the upstream fetch.
	UseTLS bool
	// UpstreamPath is the path sent upstream. Always begins with "/".
	UpstreamPath string
	// Matched reports whether the host was recognized (by rule or origin
	// membership). When false the request still targets the default
	// backend with the path unchanged.
	Matched bool
	// FallbackUsed reports that the rule's fallback handled the path
	// because no inner rule matched.
	FallbackUsed bool
	// AppliedRule is the domain pattern of the matched rule, empty when
	// the host matched only the origin-domain set.
	AppliedRule string
	// Reject is set when a fallback=error rule matched and nothing
	// rewrote the path; the caller must answer 404.
	Reject bool
	// PathRewritten reports UpstreamPath != request path.
	PathRewritten bool
}

type compiledInner struct {
	src     *config.InnerRule
	pattern *regexp.Regexp      // nil for prefix rules
	methods map[string]struct{} // nil matches every method
}

type compiledRule struct {
	src      *config.RouteRule
	wildcard *regexp.Regexp // nil for exact domains
	inner    []compiledInner
}

// Resolver maps (host, path, method) to a routing Decision. It is pure
// over one configuration snapshot; a snapshot swap builds a fresh
// Resolver, which also empties the memo.
type Resolver struct {
	snap  *config.Snapshot
	rules []compiledRule
	memo  *lru.Cache[string, Decision]
}

// New compiles the snapshot's routing rules. Compilation failures are
// startup errors; Resolve itself never fails.
func New(snap *config.Snapshot) (*Resolver, error) {
	r := &Resolver{snap: snap}
	for i := range snap.RouteRules {
		src := &snap.RouteRules[i]
		cr := compiledRule{src: src}
		if strings.Contains(src.Domain, "*") {
			re, err := config.CompileWildcard(src.Domain)
			if err != nil {
				return nil, fmt.Errorf("rule %d: %w", i, err)
			}
			cr.wildcard = re
		}
		for j := range src.Rules {
			inner := &src.Rules[j]
			ci := compiledInner{src: inner}
			if inner.Pattern != "" {
				re, err := regexp.Compile(inner.Pattern)
				if err != nil {
					return nil, fmt.Errorf("rule %d inner %d: %w", i, j, err)
				}
				ci.pattern = re
			}
			if len(inner.Methods) > 0 {
				ci.methods = make(map[string]struct{}, len(inner.Methods))
				for _, m := range inner.Methods {
					ci.methods[strings.ToUpper(m)] = struct{}{}
				}
			}
			cr.inner = append(cr.inner, ci)
		}
		r.rules = append(r.rules, cr)
	}

	memo, err := lru.New[string, Decision](memoSize)
	if err != nil {
		return nil, err
	}
	r.memo = memo
	return r, nil
}

// Resolve computes the routing decision for a request. Safe for
// concurrent use; identical inputs return identical decisions.
func (r *Resolver) Resolve(host, path, method string) Decision {
	if path == "" {
		path = "/"
	}
	key := host + "\x00" + path + "\x00" + method
	if d, ok := r.memo.Get(key); ok {
		return d
	}

	d := r.resolve(strings.ToLower(host), path, strings.ToUpper(method))
	r.memo.Add(key, d)
	return d
}

func (r *Resolver) resolve(host, path, method string) Decision {
	if cr := r.matchRule(host); cr != nil {
		return r.applyRule(cr, path, method)
	}

	d := Decision{
		BackendHost:  r.snap.DefaultBackend.Host,
		UseTLS:       r.snap.DefaultBackend.UseTLS,
		UpstreamPath: path,
	}
	// Port-stripped membership in the origin set still counts as a
	// recognized host, it just routes to the default backend unchanged.
	if r.snap.IsOrigin(host) {
		d.Matched = true
	}
	return d
}

// matchRule finds the first rule for a host: exact matches win over
// wildcard matches, both in declaration order.
func (r *Resolver) matchRule(host string) *compiledRule {
	for i := range r.rules {
		cr := &r.rules[i]
		if cr.wildcard == nil && cr.src.Domain == host {
			return cr
		}
	}
	for i := range r.rules {
		cr := &r.rules[i]
		if cr.wildcard != nil && cr.wildcard.MatchString(host) {
			return cr
		}
	}
	return nil
}

func (r *Resolver) applyRule(cr *compiledRule, path, method string) Decision {
	d := Decision{
		BackendHost:  cr.src.Backend,
		UseTLS:       r.snap.DefaultBackend.UseTLS,
		UpstreamPath: path,
		Matched:      true,
		AppliedRule:  cr.src.Domain,
	}
	if d.BackendHost == "" {
		d.BackendHost = r.snap.DefaultBackend.Host
	}
	if cr.src.UseTLS != nil {
		d.UseTLS = *cr.src.UseTLS
	}

	// Inner rules cascade over the evolving path; break stops the chain.
	rewrote := false
	for i := range cr.inner {
		ci := &cr.inner[i]
		if ci.methods != nil {
			if _, ok := ci.methods[method]; !ok {
				continue
			}
		}
		next, ok := ci.apply(d.UpstreamPath)
		if !ok {
			continue
		}
		d.UpstreamPath = ensureLeadingSlash(next)
		rewrote = true
		if ci.src.Break {
			break
		}
	}

	if !rewrote {
		d.FallbackUsed = true
		fallback := cr.src.Fallback
		if fallback == "" {
			if cr.src.PathPrefix != "" {
				fallback = config.FallbackPrefix
			} else {
				fallback = config.FallbackPassthrough
			}
		}
		switch fallback {
		case config.FallbackPrefix:
			if cr.src.PathPrefix != "" && !strings.HasPrefix(path, cr.src.PathPrefix) {
				d.UpstreamPath = ensureLeadingSlash(cr.src.PathPrefix + path)
			}
		case config.FallbackPassthrough:
			// Path stays as received.
		case config.FallbackError:
			d.Matched = false
			d.Reject = true
		}
	}

	d.PathRewritten = d.UpstreamPath != path
	return d
}

// apply attempts one inner rule against a path, returning the rewritten
// path and whether the rule matched.
func (ci *compiledInner) apply(path string) (string, bool) {
	if ci.pattern != nil {
		if !ci.pattern.MatchString(path) {
			return "", false
		}
		if ci.src.Replacement == "" {
			return path, true
		}
		return ci.pattern.ReplaceAllString(path, ci.src.Replacement), true
	}
	if !strings.HasPrefix(path, ci.src.Prefix) {
		return "", false
	}
	return ci.src.Replacement + strings.TrimPrefix(path, ci.src.Prefix), true
}

func ensureLeadingSlash(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		return "/" + p
	}
	return p
}

// MemoLen reports how many decisions are memoized, used by stats.
func (r *Resolver) MemoLen() int {
	return r.memo.Len()
}

// Snapshot returns the configuration this resolver was compiled from.
func (r *Resolver) Snapshot() *config.Snapshot {
	return r.snap
}
