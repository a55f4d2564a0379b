// Package transform runs upstream response bodies through an ordered
// pipeline: decompression, compute hooks, content transformers that
// render Markdown, JSON, CSV, XML, and plain text as HTML, and the URL
// rewriter that points origin links back at the proxy.
package transform

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/edgeproxy/edgeproxy/internal/config"
	"github.com/edgeproxy/edgeproxy/internal/logging"
	"github.com/edgeproxy/edgeproxy/internal/metrics"
	"github.com/edgeproxy/edgeproxy/internal/rewrite"
)

// ErrJSDecode marks a compressed JavaScript body that failed to decode.
// Serving corrupted script to a browser is strictly worse than a clean
// error, so this one failure is fail-closed where every other
// transform fault falls back to the original bytes.
var ErrJSDecode = errors.New("compressed javascript failed to decode")

// Context carries one response body through the pipeline stages.
type Context struct {
	Body            []byte
	ContentType     string
	ContentEncoding string
	URL             string // upstream URL the body was fetched from
	RequestPath     string // client-facing path
	ProxyHost       string
	ClientProto     string // http or https, as the client connected
	UpstreamHost    string
	FileResolved    bool
	Extension       string // winning extension when file-resolved
	Snapshot        *config.Snapshot

	Modified           bool
	Decompressed       bool
	AppliedTransformer string
	URLsRewritten      int
}

// plain reports whether the body holds decoded bytes a stage may touch.
func (c *Context) plain() bool {
	return c.ContentEncoding == ""
}

// Stage is one ordered step of the pipeline.
type Stage interface {
	Name() string
	Run(ctx *Context) error
}

// ComputeFunc is an optional body hook that runs between decompression
// and content transformation, subject to the URL-transform size cap.
type ComputeFunc func(ctx *Context) error

// Pipeline applies its stages in order. Stages fail open individually;
// only ErrJSDecode propagates to the caller.
type Pipeline struct {
	stages []Stage
}

func NewPipeline(rw *rewrite.Rewriter, sink metrics.Sink, compute ...ComputeFunc) *Pipeline {
	return &Pipeline{stages: []Stage{
		decompressStage{},
		computeStage{funcs: compute},
		contentStage{transformers: defaultTransformers(), sink: sink},
		rewriteStage{rw: rw, sink: sink},
	}}
}

func (p *Pipeline) Run(ctx *Context) error {
	for _, s := range p.stages {
		if err := s.Run(ctx); err != nil {
			return fmt.Errorf("%s stage: %w", s.Name(), err)
		}
	}
	return nil
}

type computeStage struct {
	funcs []ComputeFunc
}

func (computeStage) Name() string { return "compute" }

func (s computeStage) Run(ctx *Context) error {
	if len(s.funcs) == 0 || !ctx.plain() {
		return nil
	}
	if max := ctx.Snapshot.URLTransform.MaxContentSize; max > 0 && int64(len(ctx.Body)) > max {
		return nil
	}
	for _, fn := range s.funcs {
		if err := fn(ctx); err != nil {
			logging.Warn("compute function failed",
				zap.String("path", ctx.RequestPath), zap.Error(err))
			return nil
		}
	}
	return nil
}

type rewriteStage struct {
	rw   *rewrite.Rewriter
	sink metrics.Sink
}

func (rewriteStage) Name() string { return "rewrite" }

func (s rewriteStage) Run(ctx *Context) error {
	cfg := ctx.Snapshot.URLTransform
	if s.rw == nil || !cfg.Enabled || !ctx.plain() {
		return nil
	}
	if cfg.MaxContentSize > 0 && int64(len(ctx.Body)) > cfg.MaxContentSize {
		return nil
	}
	kind, ok := rewrite.KindFor(ctx.ContentType, ctx.RequestPath)
	if !ok || !kindEnabled(cfg, kind) {
		return nil
	}

	out, count := s.rw.Rewrite(kind, ctx.Body, rewrite.Target{
		ProxyHost:    ctx.ProxyHost,
		Proto:        ctx.ClientProto,
		UpstreamHost: ctx.UpstreamHost,
		Snapshot:     ctx.Snapshot,
	})
	if count > 0 {
		ctx.Body = out
		ctx.Modified = true
		ctx.URLsRewritten += count
		s.sink.URLsRewritten(string(kind), count)
	}
	return nil
}

func kindEnabled(cfg config.URLTransformConfig, k rewrite.Kind) bool {
	switch k {
	case rewrite.KindHTML:
		return cfg.HTML
	case rewrite.KindJS:
		return cfg.JS
	case rewrite.KindCSS:
		return cfg.CSS
	}
	return false
}
