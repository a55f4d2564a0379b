package proxy

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/edgeproxy/edgeproxy/internal/config"
	"github.com/edgeproxy/edgeproxy/internal/httperr"
	"github.com/edgeproxy/edgeproxy/internal/logging"
)

// writeResponse emits a buffered response: stored or sanitized headers,
// engine decoration, exact framing, then the body unless HEAD.
func (e *Engine) writeResponse(rq *request, status int, hdr http.Header, body []byte) {
	if rq.handled {
		return
	}
	rq.handled = true

	dst := rq.w.Header()
	for k, vv := range hdr {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	e.decorate(rq, dst)
	dst.Set("Content-Length", strconv.Itoa(len(body)))

	rq.w.WriteHeader(status)
	if rq.r.Method != http.MethodHead {
		rq.w.Write(body)
	}
	e.finish(rq, status)
}

// streamThrough copies an upstream response straight to the client when
// no pipeline stage would act and the response is not cacheable.
func (e *Engine) streamThrough(rq *request, resp *http.Response) {
	if rq.handled {
		return
	}
	rq.handled = true

	dst := rq.w.Header()
	for k, vv := range sanitizeHeader(resp.Header) {
		dst[k] = vv
	}
	e.decorate(rq, dst)

	rq.w.WriteHeader(resp.StatusCode)
	if rq.r.Method != http.MethodHead {
		io.Copy(rq.w, resp.Body)
	}
	e.finish(rq, resp.StatusCode)
}

// reject answers with a typed error. Safe to call from any state; only
// the first writer wins.
func (e *Engine) reject(rq *request, he *httperr.Error) {
	if rq.handled {
		return
	}
	rq.handled = true

	he.WriteText(rq.w)
	e.finish(rq, he.Code)
}

// decorate adds the engine's response headers: identity, cache state,
// routing breadcrumbs, Via, and the optional security block.
func (e *Engine) decorate(rq *request, h http.Header) {
	srv := rq.snap.Server
	if srv.ServedBy != "" {
		h.Set("X-Served-By", srv.ServedBy)
	}
	h.Set("X-Cache", rq.cacheState)
	if rq.decision.BackendHost != "" {
		h.Set("X-Cache-Backend", rq.decision.BackendHost)
	}

	if rq.decision.PathRewritten {
		h.Set("X-Path-Rewrite-Applied", "true")
		h.Set("X-Original-Path", rq.r.URL.Path)
		h.Set("X-Transformed-Path", rq.decision.UpstreamPath)
	} else {
		h.Set("X-Path-Rewrite-Applied", "false")
	}

	if rq.cacheState == "HIT" {
		h.Set("Age", strconv.Itoa(int(rq.entryAge/time.Second)))
	}

	appendVia(h, srv.CDNName)

	if srv.SecurityHeaders {
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("X-Frame-Options", "SAMEORIGIN")
		h.Set("Origin-Agent-Cluster", "?1")
		if srv.ContentSecurityPolicy != "" {
			h.Set("Content-Security-Policy", srv.ContentSecurityPolicy)
		}
	}

	h.Set("X-Response-Time", strconv.FormatInt(time.Since(rq.start).Milliseconds(), 10)+"ms")
}

// finish records metrics and the access log line once per request.
func (e *Engine) finish(rq *request, status int) {
	elapsed := time.Since(rq.start)
	host := config.StripPort(strings.ToLower(rq.host))
	e.sink.RequestServed(host, rq.r.Method, status, rq.cacheState, elapsed)
	logging.Info("request",
		zap.String("host", rq.host),
		zap.String("method", rq.r.Method),
		zap.String("path", rq.r.URL.Path),
		zap.Int("status", status),
		zap.String("cache", rq.cacheState),
		zap.String("backend", rq.decision.BackendHost),
		zap.Duration("elapsed", elapsed))
}
