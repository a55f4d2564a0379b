package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeproxy_requests_total",
			Help: "Total requests served, labeled by host, method, status and cache state.",
		},
		[]string{"host", "method", "status", "cache"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edgeproxy_request_duration_seconds",
			Help:    "End to end request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"host"},
	)

	upstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeproxy_upstream_errors_total",
			Help: "Upstream fetch failures by kind (timeout, reset, refused, other).",
		},
		[]string{"kind"},
	)

	cacheOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeproxy_cache_operations_total",
			Help: "Cache operations by cache name and operation.",
		},
		[]string{"cache", "op"},
	)

	cachePurged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeproxy_cache_purged_entries_total",
			Help: "Entries removed by explicit purge requests.",
		},
		[]string{"cache"},
	)

	cacheEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edgeproxy_cache_entries",
			Help: "Current number of entries per cache.",
		},
		[]string{"cache"},
	)

	fileProbes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeproxy_file_probes_total",
			Help: "Extension probes by backend and outcome (positive, negative, error).",
		},
		[]string{"backend", "outcome"},
	)

	circuitGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edgeproxy_circuit_state",
			Help: "Circuit breaker state per backend (0=closed, 1=half-open, 2=open).",
		},
		[]string{"backend"},
	)

	transformsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeproxy_transforms_total",
			Help: "Content transformations by transformer name and outcome.",
		},
		[]string{"transformer", "outcome"},
	)

	urlsRewritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeproxy_urls_rewritten_total",
			Help: "URLs rewritten to point at the proxy, by content context.",
		},
		[]string{"context"},
	)
)

func init() {
	prometheus.MustRegister(
		requestsTotal,
		requestDuration,
		upstreamErrors,
		cacheOps,
		cachePurged,
		cacheEntries,
		fileProbes,
		circuitGauge,
		transformsTotal,
		urlsRewritten,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Sink receives proxy events. Callbacks run synchronously on the request
// path, so implementations must be cheap and must not block.
type Sink interface {
	RequestServed(host, method string, status int, cacheState string, elapsed time.Duration)
	UpstreamError(kind string)
	CacheHit(cache string)
	CacheMiss(cache string)
	CacheEviction(cache string)
	CacheExpiration(cache string)
	CachePurge(cache string, removed int)
	CacheSize(cache string, entries int)
	ProbeResult(backend, outcome string)
	CircuitState(backend string, state int)
	TransformApplied(transformer string)
	TransformFailed(transformer string)
	URLsRewritten(context string, count int)
}

// Prom is the Sink backed by the package-level Prometheus collectors.
type Prom struct{}

func (Prom) RequestServed(host, method string, status int, cacheState string, elapsed time.Duration) {
	requestsTotal.WithLabelValues(host, method, strconv.Itoa(status), cacheState).Inc()
	requestDuration.WithLabelValues(host).Observe(elapsed.Seconds())
}

func (Prom) UpstreamError(kind string) {
	upstreamErrors.WithLabelValues(kind).Inc()
}

func (Prom) CacheHit(cache string)      { cacheOps.WithLabelValues(cache, "hit").Inc() }
func (Prom) CacheMiss(cache string)     { cacheOps.WithLabelValues(cache, "miss").Inc() }
func (Prom) CacheEviction(cache string) { cacheOps.WithLabelValues(cache, "eviction").Inc() }
func (Prom) CacheExpiration(cache string) {
	cacheOps.WithLabelValues(cache, "expiration").Inc()
}

func (Prom) CachePurge(cache string, removed int) {
	cachePurged.WithLabelValues(cache).Add(float64(removed))
}

func (Prom) CacheSize(cache string, entries int) {
	cacheEntries.WithLabelValues(cache).Set(float64(entries))
}

func (Prom) ProbeResult(backend, outcome string) {
	fileProbes.WithLabelValues(backend, outcome).Inc()
}

func (Prom) CircuitState(backend string, state int) {
	circuitGauge.WithLabelValues(backend).Set(float64(state))
}

func (Prom) TransformApplied(transformer string) {
	transformsTotal.WithLabelValues(transformer, "ok").Inc()
}

func (Prom) TransformFailed(transformer string) {
	transformsTotal.WithLabelValues(transformer, "error").Inc()
}

func (Prom) URLsRewritten(context string, count int) {
	if count > 0 {
		urlsRewritten.WithLabelValues(context).Add(float64(count))
	}
}

// Nop discards all events. Used in tests.
type Nop struct{}

func (Nop) RequestServed(string, string, int, string, time.Duration) {}
func (Nop) UpstreamError(string)                                     {}
func (Nop) CacheHit(string)                                          {}
func (Nop) CacheMiss(string)                                         {}
func (Nop) CacheEviction(string)                                     {}
func (Nop) CacheExpiration(string)                                   {}
func (Nop) CachePurge(string, int)                                   {}
func (Nop) CacheSize(string, int)                                    {}
func (Nop) ProbeResult(string, string)                               {}
func (Nop) CircuitState(string, int)                                 {}
func (Nop) TransformApplied(string)                                  {}
func (Nop) TransformFailed(string)                                   {}
func (Nop) URLsRewritten(string, int)                                {}
