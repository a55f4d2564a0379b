// Package proxy implements the request engine: admission, routing, cache
// lookup, file resolution, upstream fetch, body transformation, and
// response emission.
package proxy

import (
	"net/http"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/edgeproxy/edgeproxy/internal/cache"
	"github.com/edgeproxy/edgeproxy/internal/config"
	"github.com/edgeproxy/edgeproxy/internal/fileresolver"
	"github.com/edgeproxy/edgeproxy/internal/httperr"
	"github.com/edgeproxy/edgeproxy/internal/logging"
	"github.com/edgeproxy/edgeproxy/internal/metrics"
	"github.com/edgeproxy/edgeproxy/internal/rewrite"
	"github.com/edgeproxy/edgeproxy/internal/routing"
	"github.com/edgeproxy/edgeproxy/internal/transform"
)

// Config wires the engine's collaborators.
type Config struct {
	Store    *config.Store
	Cache    *cache.Cache
	Resolver *fileresolver.Resolver
	Pipeline *transform.Pipeline
	Sink     metrics.Sink

	// Transport overrides the default upstream transport, used in tests.
	Transport http.RoundTripper
}

// Engine executes the per-request state machine. One Engine serves all
// requests; per-request state lives on the stack in ServeHTTP.
type Engine struct {
	store    *config.Store
	cache    *cache.Cache
	resolver *fileresolver.Resolver
	pipeline *transform.Pipeline
	sink     metrics.Sink
	client   *http.Client

	// router is rebuilt on snapshot swaps; requests load it once and keep
	// both the router and its snapshot for their whole lifetime.
	router atomic.Pointer[routing.Resolver]
}

// New builds an Engine over the current snapshot and subscribes to the
// store so routing follows later snapshot swaps. A swap carrying rules
// that fail to compile keeps the previous router in place.
func New(cfg Config) (*Engine, error) {
	snap := cfg.Store.Load()
	rt, err := routing.New(snap)
	if err != nil {
		return nil, err
	}

	sink := cfg.Sink
	if sink == nil {
		sink = metrics.Nop{}
	}

	e := &Engine{
		store:    cfg.Store,
		cache:    cfg.Cache,
		resolver: cfg.Resolver,
		pipeline: cfg.Pipeline,
		sink:     sink,
		client:   newUpstreamClient(snap.Performance, cfg.Transport),
	}
	e.router.Store(rt)

	cfg.Store.Subscribe(func(next *config.Snapshot) {
		nr, err := routing.New(next)
		if err != nil {
			logging.Error("new snapshot rejected, keeping previous routing",
				zap.Int64("generation", next.Generation), zap.Error(err))
			return
		}
		e.router.Store(nr)
	})

	return e, nil
}

// Router returns the resolver compiled from the current snapshot.
func (e *Engine) Router() *routing.Resolver {
	return e.router.Load()
}

// request carries one exchange through the state machine.
type request struct {
	w    http.ResponseWriter
	r    *http.Request
	snap *config.Snapshot

	decision routing.Decision
	host     string
	proto    string

	cacheKey   string
	cacheState string
	entryAge   time.Duration

	// handled guards exactly-once response emission. Every path that can
	// write checks it first and sets it.
	handled bool
	start   time.Time
}

func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt := e.router.Load()
	rq := &request{
		w:          w,
		r:          r,
		snap:       rt.Snapshot(),
		host:       r.Host,
		proto:      clientProto(r),
		cacheState: "MISS",
		start:      time.Now(),
	}

	if rq.snap.Server.StrictDomains && !rq.snap.IsOrigin(rq.host) {
		e.reject(rq, httperr.ErrOriginNotConfigured)
		return
	}

	rq.decision = rt.Resolve(rq.host, r.URL.Path, r.Method)
	if rq.decision.Reject {
		e.reject(rq, httperr.ErrNotFound)
		return
	}
	if rq.decision.BackendHost == "" {
		e.reject(rq, httperr.ErrOriginNotConfigured)
		return
	}

	idempotent := r.Method == http.MethodGet || r.Method == http.MethodHead
	if idempotent && e.cache != nil {
		rq.cacheKey = cache.BuildKey(r.Method, rq.host, r.URL.Path, rq.decision, r.Header, nil)
		if ent, ok := e.cache.Get(rq.cacheKey); ok {
			e.serveEntry(rq, ent)
			return
		}
	}

	var fileRes fileresolver.Result
	if idempotent && e.fileEligible(rq.snap, rq.decision) {
		base := upstreamURL(rq.decision, rq.decision.UpstreamPath)
		fileRes = e.resolver.Resolve(r.Context(), base, config.StripPort(strings.ToLower(rq.host)))
	}

	target := upstreamURL(rq.decision, rq.decision.UpstreamPath)
	if fileRes.Success {
		target = fileRes.ResolvedURL
	}
	e.fetchAndServe(rq, target, fileRes)
}

// serveEntry answers from the response cache. The stored route decision
// drives header emission so a hit never re-runs routing.
func (e *Engine) serveEntry(rq *request, ent *cache.Entry) {
	rq.cacheState = "HIT"
	rq.decision = ent.Route
	rq.entryAge = ent.Age()
	e.writeResponse(rq, ent.Status, ent.Header, ent.Body)
}

// fileEligible reports whether the upstream path should go through
// extension resolution: an extensionless file-like path under GET/HEAD.
func (e *Engine) fileEligible(snap *config.Snapshot, d routing.Decision) bool {
	if e.resolver == nil || !snap.FileResolution.Enabled {
		return false
	}
	p := d.UpstreamPath
	if p == "" || strings.HasSuffix(p, "/") {
		return false
	}
	return path.Ext(p) == ""
}

// upstreamURL composes the origin URL for a routing decision.
func upstreamURL(d routing.Decision, upstreamPath string) string {
	scheme := "http"
	if d.UseTLS {
		scheme = "https"
	}
	return scheme + "://" + d.BackendHost + upstreamPath
}

// clientProto reports the protocol the client reached us over. A
// forwarded proto from a fronting balancer wins over the local socket.
func clientProto(r *http.Request) string {
	switch strings.ToLower(r.Header.Get("X-Forwarded-Proto")) {
	case "https":
		return "https"
	case "http":
		return "http"
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// rewriteEligible mirrors the rewrite stage's kind gating so the engine
// can tell whether buffering is needed at all.
func rewriteEligible(snap *config.Snapshot, contentType, requestPath string) bool {
	cfg := snap.URLTransform
	if !cfg.Enabled {
		return false
	}
	kind, ok := rewrite.KindFor(contentType, requestPath)
	if !ok {
		return false
	}
	switch kind {
	case rewrite.KindHTML:
		return cfg.HTML
	case rewrite.KindJS:
		return cfg.JS
	case rewrite.KindCSS:
		return cfg.CSS
	}
	return false
}
