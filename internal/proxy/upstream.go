package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/edgeproxy/edgeproxy/internal/cache"
	"github.com/edgeproxy/edgeproxy/internal/config"
	"github.com/edgeproxy/edgeproxy/internal/fileresolver"
	"github.com/edgeproxy/edgeproxy/internal/httperr"
	"github.com/edgeproxy/edgeproxy/internal/logging"
	"github.com/edgeproxy/edgeproxy/internal/transform"
)

// newTransport builds the shared upstream transport. MaxSockets bounds
// concurrent connections per origin; the idle pool keeps origins warm.
func newTransport(perf config.PerformanceConfig) *http.Transport {
	maxSockets := perf.MaxSockets
	if maxSockets <= 0 {
		maxSockets = 256
	}
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          maxSockets,
		MaxIdleConnsPerHost:   32,
		MaxConnsPerHost:       maxSockets,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
}

func newUpstreamClient(perf config.PerformanceConfig, override http.RoundTripper) *http.Client {
	rt := override
	if rt == nil {
		rt = newTransport(perf)
	}
	return &http.Client{
		Transport: rt,
		// Redirects pass through to the client; 301/308 are cacheable
		// statuses, not something to chase server-side.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// fetchAndServe runs the miss path: fetch the target, shape it through
// the pipeline, maybe store it, and write it out.
func (e *Engine) fetchAndServe(rq *request, target string, fileRes fileresolver.Result) {
	snap := rq.snap

	timeout := snap.Performance.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(rq.r.Context(), timeout)
	defer cancel()

	upReq, err := e.buildUpstreamRequest(ctx, rq, target)
	if err != nil {
		logging.Error("bad upstream target", zap.String("target", target), zap.Error(err))
		e.reject(rq, httperr.ErrInternalServer)
		return
	}

	resp, err := e.client.Do(upReq)
	if err != nil {
		kind, he := classifyUpstream(err)
		e.sink.UpstreamError(kind)
		logging.Error("upstream fetch failed",
			zap.String("target", target),
			zap.String("kind", kind),
			zap.Error(err))
		e.reject(rq, he)
		return
	}
	defer resp.Body.Close()

	idempotent := rq.r.Method == http.MethodGet || rq.r.Method == http.MethodHead
	willCache := idempotent && e.cache != nil && rq.cacheKey != "" &&
		cacheableResponse(snap.Cache, resp)

	contentType := resp.Header.Get("Content-Type")
	needsPlain := fileRes.Success || rewriteEligible(snap, contentType, rq.r.URL.Path)

	shapedCT, shapedBody, shaped := shapeNotFound(rq.r, resp.StatusCode)
	if !willCache && !needsPlain && !shaped {
		e.streamThrough(rq, resp)
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		kind, he := classifyUpstream(err)
		e.sink.UpstreamError(kind)
		logging.Error("upstream body read failed",
			zap.String("target", target), zap.Error(err))
		e.reject(rq, he)
		return
	}

	hdr := sanitizeHeader(resp.Header)
	status := resp.StatusCode

	if shaped {
		// A JS or CSS 404 must not reach the browser as an HTML error
		// page; serve a typed comment body instead.
		body = shapedBody
		hdr.Set("Content-Type", shapedCT)
		hdr.Del("Content-Encoding")
	} else {
		tctx := &transform.Context{
			Body:            body,
			ContentType:     contentType,
			ContentEncoding: resp.Header.Get("Content-Encoding"),
			URL:             target,
			RequestPath:     rq.r.URL.Path,
			ProxyHost:       rq.host,
			ClientProto:     rq.proto,
			UpstreamHost:    rq.decision.BackendHost,
			FileResolved:    fileRes.Success,
			Extension:       fileRes.Extension,
			Snapshot:        snap,
		}
		if e.pipeline != nil {
			if err := e.pipeline.Run(tctx); err != nil {
				// Only the JS decompression fault propagates; everything
				// else failed open inside the pipeline.
				e.sink.UpstreamError("decode")
				logging.Error("response pipeline failed",
					zap.String("target", target), zap.Error(err))
				e.reject(rq, httperr.ErrBadGateway.WithDetail("upstream content could not be decoded"))
				return
			}
		}
		body = tctx.Body
		if tctx.ContentType != "" {
			hdr.Set("Content-Type", tctx.ContentType)
		}
		if tctx.ContentEncoding != "" {
			hdr.Set("Content-Encoding", tctx.ContentEncoding)
		} else {
			hdr.Del("Content-Encoding")
		}
		if fileRes.Success {
			hdr.Set("X-File-Resolution", "true")
			hdr.Set("X-Resolved-URL", fileRes.ResolvedURL)
			hdr.Set("X-File-Extension", fileRes.Extension)
		}
		if tctx.AppliedTransformer != "" {
			hdr.Set("X-Content-Transformed", "true")
			hdr.Set("X-Transformer", tctx.AppliedTransformer)
		}
	}

	// A disconnected client must not populate the cache: its fetch may
	// have been cut short.
	if willCache && rq.r.Context().Err() == nil {
		ttl := deriveTTL(snap.Cache, resp.Header)
		e.cache.Put(rq.cacheKey, &cache.Entry{
			Status: status,
			Header: hdr,
			Body:   body,
			OriginalContentEncoding: hdr.Get("Content-Encoding"),
			Route:                   rq.decision,
		}, ttl)
	}

	e.writeResponse(rq, status, hdr, body)
}

// buildUpstreamRequest hand-builds the origin request: client headers
// minus hop-by-hop, forwarding headers, and the proxy identity.
func (e *Engine) buildUpstreamRequest(ctx context.Context, rq *request, target string) (*http.Request, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	u.RawQuery = rq.r.URL.RawQuery

	req := (&http.Request{
		Method:        rq.r.Method,
		URL:           u,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Host:          u.Host,
		Body:          rq.r.Body,
		ContentLength: rq.r.ContentLength,
	}).WithContext(ctx)

	req.Header = make(http.Header, len(rq.r.Header)+6)
	for k, vv := range rq.r.Header {
		req.Header[k] = vv
	}
	removeHopHeaders(req.Header)

	// Ask only for codings the pipeline can undo.
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")

	if ip := clientIP(rq.r); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Host", rq.r.Host)
	req.Header.Set("X-Forwarded-Proto", rq.proto)
	if name := rq.snap.Server.ProxyName; name != "" {
		req.Header.Set("X-Proxy-Name", name)
	}
	appendVia(req.Header, rq.snap.Server.CDNName)
	if rq.decision.PathRewritten {
		req.Header.Set("X-Original-Path", rq.r.URL.Path)
		req.Header.Set("X-Transformed-Path", rq.decision.UpstreamPath)
	}

	return req, nil
}

// shapeNotFound rewrites an upstream 404 for a script or stylesheet
// request into a typed comment body, so browsers never parse an HTML
// error page as code.
func shapeNotFound(r *http.Request, status int) (contentType string, body []byte, ok bool) {
	if status != http.StatusNotFound {
		return "", nil, false
	}
	ext := strings.ToLower(path.Ext(r.URL.Path))
	accept := r.Header.Get("Accept")
	switch {
	case ext == ".js" || ext == ".mjs" || strings.Contains(accept, "javascript"):
		return "application/javascript; charset=utf-8", []byte("/* 404: file not found */\n"), true
	case ext == ".css" || strings.Contains(accept, "text/css"):
		return "text/css; charset=utf-8", []byte("/* 404: file not found */\n"), true
	}
	return "", nil, false
}

// classifyUpstream maps a transport error to a metrics kind and the
// client-facing status: resets and timeouts answer 504, the rest 502.
func classifyUpstream(err error) (string, *httperr.Error) {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, syscall.ETIMEDOUT):
		return "timeout", httperr.ErrGatewayTimeout
	case errors.Is(err, syscall.ECONNRESET):
		return "reset", httperr.ErrGatewayTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return "refused", httperr.ErrBadGateway
	case errors.Is(err, context.Canceled):
		return "canceled", httperr.ErrBadGateway
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return "timeout", httperr.ErrGatewayTimeout
	}
	return "other", httperr.ErrBadGateway
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Hop-by-hop headers never forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(h http.Header) {
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// sanitizeHeader clones upstream response headers minus hop-by-hop
// fields and the origin's Server banner.
func sanitizeHeader(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for k, vv := range src {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	removeHopHeaders(dst)
	dst.Del("Server")
	return dst
}

func appendVia(h http.Header, name string) {
	if name == "" {
		return
	}
	entry := "1.1 " + name
	if prior := h.Get("Via"); prior != "" {
		h.Set("Via", prior+", "+entry)
	} else {
		h.Set("Via", entry)
	}
}
