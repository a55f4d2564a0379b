package transform

import (
	"strings"
	"testing"

	"github.com/edgeproxy/edgeproxy/internal/config"
	"github.com/edgeproxy/edgeproxy/internal/metrics"
)

func testCtx(body []byte, contentType string, mutate func(*config.Snapshot)) *Context {
	snap := config.Default()
	snap.DefaultBackend = config.Backend{Host: "origin.example.com", UseTLS: true}
	snap.OriginDomains = []string{"origin.example.com"}
	if mutate != nil {
		mutate(snap)
	}
	if err := snap.Validate(); err != nil {
		panic(err)
	}
	return &Context{
		Body:         body,
		ContentType:  contentType,
		URL:          "https://origin.example.com/doc",
		RequestPath:  "/doc",
		ProxyHost:    "edge.local",
		ClientProto:  "https",
		UpstreamHost: "origin.example.com",
		FileResolved: true,
		Snapshot:     snap,
	}
}

func runContent(t *testing.T, ctx *Context) {
	t.Helper()
	stage := contentStage{transformers: defaultTransformers(), sink: metrics.Nop{}}
	if err := stage.Run(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestMarkdownHeading(t *testing.T) {
	ctx := testCtx([]byte("# Hi"), "text/markdown", nil)
	ctx.Extension = "md"
	runContent(t, ctx)

	out := string(ctx.Body)
	if !strings.Contains(out, "<h1>Hi</h1>") {
		t.Errorf("heading not rendered:\n%s", out)
	}
	if !strings.Contains(out, "<!DOCTYPE html>") {
		t.Error("expected a complete document")
	}
	if ctx.ContentType != "text/html; charset=utf-8" {
		t.Errorf("content type = %q", ctx.ContentType)
	}
	if ctx.AppliedTransformer != "markdown" {
		t.Errorf("applied = %q", ctx.AppliedTransformer)
	}
	if !ctx.Modified {
		t.Error("modified flag must be set")
	}
}

func TestMarkdownTable(t *testing.T) {
	src := "| name | qty |\n|------|-----|\n| bolt | 4 |\n"
	ctx := testCtx([]byte(src), "text/markdown", nil)
	ctx.Extension = "md"
	runContent(t, ctx)

	out := string(ctx.Body)
	if !strings.Contains(out, "<table>") || !strings.Contains(out, "<td>bolt</td>") {
		t.Errorf("table not rendered:\n%s", out)
	}
}

func TestMarkdownCodeHighlight(t *testing.T) {
	src := "```go\npackage main\n```\n"

	ctx := testCtx([]byte(src), "text/markdown", nil)
	ctx.Extension = "md"
	runContent(t, ctx)
	if !strings.Contains(string(ctx.Body), "<span style=") {
		t.Errorf("expected inline-styled highlight:\n%s", ctx.Body)
	}

	plain := testCtx([]byte(src), "text/markdown", func(s *config.Snapshot) {
		s.Transformers.MarkdownOptions.CodeHighlight = false
	})
	plain.Extension = "md"
	runContent(t, plain)
	if !strings.Contains(string(plain.Body), "language-go") {
		t.Errorf("expected plain fenced block:\n%s", plain.Body)
	}
}

func TestJSONPretty(t *testing.T) {
	ctx := testCtx([]byte(`{"widget_count":3,"tags":["a","b"]}`), "application/json", nil)
	ctx.Extension = "json"
	runContent(t, ctx)

	out := string(ctx.Body)
	if ctx.AppliedTransformer != "json" {
		t.Fatalf("applied = %q", ctx.AppliedTransformer)
	}
	if !strings.Contains(out, "widget_count") {
		t.Errorf("key missing from output:\n%s", out)
	}
	if !strings.Contains(out, "<pre") {
		t.Error("expected highlighted block")
	}
}

func TestJSONInvalidFailsOpen(t *testing.T) {
	original := []byte(`{"broken":`)
	ctx := testCtx(original, "application/json", nil)
	ctx.Extension = "json"
	runContent(t, ctx)

	if string(ctx.Body) != string(original) {
		t.Error("invalid json must be served unchanged")
	}
	if ctx.AppliedTransformer != "" {
		t.Errorf("applied = %q", ctx.AppliedTransformer)
	}
	if ctx.Modified {
		t.Error("modified flag must stay clear")
	}
}

func TestCSVTable(t *testing.T) {
	src := "name,qty\nwidget,3\nbolt,12\n"
	ctx := testCtx([]byte(src), "text/csv", nil)
	ctx.Extension = "csv"
	runContent(t, ctx)

	out := string(ctx.Body)
	if ctx.AppliedTransformer != "csv" {
		t.Fatalf("applied = %q", ctx.AppliedTransformer)
	}
	if !strings.Contains(out, "<th>name</th>") {
		t.Errorf("header row missing:\n%s", out)
	}
	if !strings.Contains(out, "<td>widget</td>") || !strings.Contains(out, "<td>12</td>") {
		t.Errorf("data rows missing:\n%s", out)
	}
}

func TestCSVTruncation(t *testing.T) {
	src := "h\n1\n2\n3\n4\n"
	ctx := testCtx([]byte(src), "text/csv", func(s *config.Snapshot) {
		s.Transformers.CSVOptions.MaxRows = 2
	})
	ctx.Extension = "csv"
	runContent(t, ctx)

	out := string(ctx.Body)
	if !strings.Contains(out, "Showing the first 2 rows") {
		t.Errorf("truncation note missing:\n%s", out)
	}
	if strings.Contains(out, "<td>3</td>") {
		t.Error("rows past the cap must not be rendered")
	}
}

func TestXMLIndent(t *testing.T) {
	ctx := testCtx([]byte(`<root><item id="1">x</item></root>`), "application/xml", nil)
	ctx.Extension = "xml"
	runContent(t, ctx)

	if ctx.AppliedTransformer != "xml" {
		t.Fatalf("applied = %q", ctx.AppliedTransformer)
	}
	if !strings.Contains(string(ctx.Body), "item") {
		t.Errorf("element missing:\n%s", ctx.Body)
	}
}

func TestTextEscapes(t *testing.T) {
	ctx := testCtx([]byte("a <script>alert(1)</script>"), "text/plain", nil)
	ctx.Extension = "txt"
	runContent(t, ctx)

	out := string(ctx.Body)
	if ctx.AppliedTransformer != "text" {
		t.Fatalf("applied = %q", ctx.AppliedTransformer)
	}
	if !strings.Contains(out, "&lt;script&gt;") {
		t.Errorf("markup must be escaped:\n%s", out)
	}
	if !strings.Contains(out, "tab-size: 4") {
		t.Error("tab width style missing")
	}
}

func TestHTMLCharsetInjection(t *testing.T) {
	src := "<html><head><title>t</title></head><body>x</body></html>"
	ctx := testCtx([]byte(src), "text/html", nil)
	ctx.Extension = "html"
	runContent(t, ctx)

	if !strings.Contains(string(ctx.Body), `<head><meta charset="utf-8">`) {
		t.Errorf("charset meta not injected:\n%s", ctx.Body)
	}
}

func TestHTMLCharsetAlreadyDeclared(t *testing.T) {
	src := `<html><head><meta charset="iso-8859-1"></head><body>x</body></html>`
	ctx := testCtx([]byte(src), "text/html", nil)
	ctx.Extension = "html"
	runContent(t, ctx)

	if strings.Count(string(ctx.Body), "<meta") != 1 {
		t.Errorf("must not inject a second charset meta:\n%s", ctx.Body)
	}
}

func TestHTMLMinifyProtectsPre(t *testing.T) {
	src := "<html><head></head><body><p>a    b</p><pre>  keep   this  </pre></body></html>"
	ctx := testCtx([]byte(src), "text/html", func(s *config.Snapshot) {
		s.Transformers.HTMLOptions.Minify = true
		s.Transformers.HTMLOptions.InjectCharset = false
	})
	ctx.Extension = "html"
	runContent(t, ctx)

	out := string(ctx.Body)
	if !strings.Contains(out, "<p>a b</p>") {
		t.Errorf("whitespace run not collapsed:\n%s", out)
	}
	if !strings.Contains(out, "<pre>  keep   this  </pre>") {
		t.Errorf("pre content must survive minification:\n%s", out)
	}
}

func TestXHTMLRoutesToHTML(t *testing.T) {
	ctx := testCtx([]byte("<html><head></head><body>x</body></html>"), "application/xhtml+xml", nil)
	ctx.Extension = ""
	runContent(t, ctx)

	if ctx.AppliedTransformer != "html" {
		t.Errorf("applied = %q, want html", ctx.AppliedTransformer)
	}
}

func TestContentStageSkipsUnresolved(t *testing.T) {
	ctx := testCtx([]byte("# Hi"), "text/markdown", nil)
	ctx.Extension = "md"
	ctx.FileResolved = false
	runContent(t, ctx)

	if string(ctx.Body) != "# Hi" {
		t.Error("only resolved files are transformed")
	}
}

func TestContentStageSkipsDisabledTransformer(t *testing.T) {
	ctx := testCtx([]byte("# Hi"), "text/markdown", func(s *config.Snapshot) {
		s.Transformers.Markdown = false
	})
	ctx.Extension = "md"
	runContent(t, ctx)

	if ctx.AppliedTransformer != "" {
		t.Errorf("applied = %q, want none", ctx.AppliedTransformer)
	}
}

func TestContentStageSkipsCompressedBody(t *testing.T) {
	ctx := testCtx([]byte("# Hi"), "text/markdown", nil)
	ctx.Extension = "md"
	ctx.ContentEncoding = "gzip"
	runContent(t, ctx)

	if ctx.AppliedTransformer != "" {
		t.Error("compressed bodies must pass through untouched")
	}
}
