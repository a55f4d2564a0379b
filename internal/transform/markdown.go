package transform

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"sync"

	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
	highlighting "github.com/yuin/goldmark-highlighting/v2"

	"github.com/edgeproxy/edgeproxy/internal/config"
)

// markdownTransformer renders Markdown as a full HTML page using GFM
// tables, strikethrough, and autolinks, with optional fenced-code
// highlighting. The goldmark engine is rebuilt only when its options
// change; Convert is safe for concurrent use.
type markdownTransformer struct {
	mu  sync.Mutex
	md  goldmark.Markdown
	key string
}

func (*markdownTransformer) Name() string { return "markdown" }

func (*markdownTransformer) CanHandle(contentType, extension string) bool {
	if extension == "md" || extension == "markdown" {
		return true
	}
	return strings.Contains(strings.ToLower(contentType), "markdown")
}

func (t *markdownTransformer) Transform(ctx *Context) ([]byte, string, error) {
	var buf bytes.Buffer
	opts := ctx.Snapshot.Transformers.MarkdownOptions
	if err := t.engine(opts).Convert(ctx.Body, &buf); err != nil {
		return nil, "", err
	}
	out, err := renderPage(pageTitle(ctx.RequestPath), "", template.HTML(buf.String()))
	if err != nil {
		return nil, "", err
	}
	return out, "", nil
}

func (t *markdownTransformer) engine(opts config.MarkdownOptions) goldmark.Markdown {
	key := fmt.Sprintf("%v|%s", opts.CodeHighlight, opts.Theme)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.md != nil && t.key == key {
		return t.md
	}

	extenders := []goldmark.Extender{extension.GFM}
	if opts.CodeHighlight {
		style := opts.Theme
		if style == "" {
			style = "github"
		}
		extenders = append(extenders, highlighting.NewHighlighting(
			highlighting.WithStyle(style),
			highlighting.WithFormatOptions(chromahtml.WithLineNumbers(false)),
		))
	}

	t.md = goldmark.New(
		goldmark.WithExtensions(extenders...),
		goldmark.WithRendererOptions(html.WithUnsafe()),
	)
	t.key = key
	return t.md
}
