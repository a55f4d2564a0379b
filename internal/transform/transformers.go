package transform

import (
	"go.uber.org/zap"

	"github.com/edgeproxy/edgeproxy/internal/config"
	"github.com/edgeproxy/edgeproxy/internal/logging"
	"github.com/edgeproxy/edgeproxy/internal/metrics"
)

// Transformer renders one content family as HTML. Transform returns the
// new body and content type; an empty content type means the default
// text/html; charset=utf-8.
type Transformer interface {
	Name() string
	CanHandle(contentType, extension string) bool
	Transform(ctx *Context) ([]byte, string, error)
}

// defaultTransformers returns the registry in dispatch order. More
// specific matchers come first; plain text is the catch-all at the end.
func defaultTransformers() []Transformer {
	return []Transformer{
		&markdownTransformer{},
		csvTransformer{},
		jsonTransformer{},
		htmlTransformer{},
		xmlTransformer{},
		textTransformer{},
	}
}

type contentStage struct {
	transformers []Transformer
	sink         metrics.Sink
}

func (contentStage) Name() string { return "content" }

// Run dispatches a file-resolved body to the first transformer claiming
// its content type and extension. Transformer faults fail open: the
// original bytes continue down the pipeline.
func (s contentStage) Run(ctx *Context) error {
	cfg := ctx.Snapshot.Transformers
	if !cfg.Enabled || !ctx.FileResolved || !ctx.plain() {
		return nil
	}

	for _, tr := range s.transformers {
		if !transformerEnabled(cfg, tr.Name()) || !tr.CanHandle(ctx.ContentType, ctx.Extension) {
			continue
		}

		out, contentType, err := tr.Transform(ctx)
		if err != nil {
			logging.Warn("content transform failed, serving original",
				zap.String("transformer", tr.Name()),
				zap.String("path", ctx.RequestPath),
				zap.Error(err))
			s.sink.TransformFailed(tr.Name())
			return nil
		}

		if contentType == "" {
			contentType = "text/html; charset=utf-8"
		}
		ctx.Body = out
		ctx.ContentType = contentType
		ctx.Modified = true
		ctx.AppliedTransformer = tr.Name()
		s.sink.TransformApplied(tr.Name())
		return nil
	}
	return nil
}

func transformerEnabled(cfg config.TransformersConfig, name string) bool {
	switch name {
	case "markdown":
		return cfg.Markdown
	case "csv":
		return cfg.CSV
	case "json":
		return cfg.JSON
	case "xml":
		return cfg.XML
	case "text":
		return cfg.Text
	case "html":
		return cfg.HTML
	}
	return false
}
