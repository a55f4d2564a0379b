package transform

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/edgeproxy/edgeproxy/internal/config"
	"github.com/edgeproxy/edgeproxy/internal/metrics"
	"github.com/edgeproxy/edgeproxy/internal/rewrite"
)

func newTestPipeline(snap *config.Snapshot, compute ...ComputeFunc) *Pipeline {
	store := config.NewStore(snap)
	return NewPipeline(rewrite.New(store, metrics.Nop{}), metrics.Nop{}, compute...)
}

func TestPipelineMarkdownEndToEnd(t *testing.T) {
	src := "# Hi\n\n[docs](https://origin.example.com/docs/index.html)\n"
	ctx := testCtx(gzipBytes(t, []byte(src)), "text/markdown", nil)
	ctx.ContentEncoding = "gzip"
	ctx.Extension = "md"

	if err := newTestPipeline(ctx.Snapshot).Run(ctx); err != nil {
		t.Fatal(err)
	}

	out := string(ctx.Body)
	if !ctx.Decompressed {
		t.Error("body must be decoded first")
	}
	if ctx.AppliedTransformer != "markdown" {
		t.Fatalf("applied = %q", ctx.AppliedTransformer)
	}
	if !strings.Contains(out, "<h1>Hi</h1>") {
		t.Errorf("heading missing:\n%s", out)
	}
	if !strings.Contains(out, `href="https://edge.local/docs/index.html"`) {
		t.Errorf("origin link not rewritten:\n%s", out)
	}
	if ctx.URLsRewritten != 1 {
		t.Errorf("URLsRewritten = %d", ctx.URLsRewritten)
	}
	if ctx.ContentType != "text/html; charset=utf-8" {
		t.Errorf("content type = %q", ctx.ContentType)
	}
}

func TestPipelineJSDecodeErrorPropagates(t *testing.T) {
	ctx := testCtx([]byte("definitely not gzip"), "application/javascript", nil)
	ctx.ContentEncoding = "gzip"

	err := newTestPipeline(ctx.Snapshot).Run(ctx)
	if !errors.Is(err, ErrJSDecode) {
		t.Fatalf("expected ErrJSDecode, got %v", err)
	}
}

func TestPipelineCompressedPassThrough(t *testing.T) {
	// An undecodable non-JS body rides through every stage untouched.
	original := []byte("definitely not gzip")
	ctx := testCtx(original, "text/markdown", nil)
	ctx.ContentEncoding = "gzip"
	ctx.Extension = "md"

	if err := newTestPipeline(ctx.Snapshot).Run(ctx); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(ctx.Body, original) {
		t.Error("body must be unchanged")
	}
	if ctx.ContentEncoding != "gzip" {
		t.Error("encoding must be preserved")
	}
	if ctx.Modified || ctx.AppliedTransformer != "" {
		t.Error("no stage may act on a compressed body")
	}
}

func TestPipelineComputeHook(t *testing.T) {
	ctx := testCtx([]byte("hello"), "text/plain", nil)
	ctx.FileResolved = false

	upper := func(c *Context) error {
		c.Body = bytes.ToUpper(c.Body)
		return nil
	}
	if err := newTestPipeline(ctx.Snapshot, upper).Run(ctx); err != nil {
		t.Fatal(err)
	}
	if string(ctx.Body) != "HELLO" {
		t.Errorf("got %q", ctx.Body)
	}
}

func TestPipelineComputeSizeCap(t *testing.T) {
	ctx := testCtx([]byte("hello"), "text/plain", func(s *config.Snapshot) {
		s.URLTransform.MaxContentSize = 4
	})
	ctx.FileResolved = false

	upper := func(c *Context) error {
		c.Body = bytes.ToUpper(c.Body)
		return nil
	}
	if err := newTestPipeline(ctx.Snapshot, upper).Run(ctx); err != nil {
		t.Fatal(err)
	}
	if string(ctx.Body) != "hello" {
		t.Error("bodies over the cap must not reach compute hooks")
	}
}

func TestPipelineComputeFailsOpen(t *testing.T) {
	ctx := testCtx([]byte("hello"), "text/plain", nil)
	ctx.FileResolved = false

	boom := func(c *Context) error { return errors.New("boom") }
	if err := newTestPipeline(ctx.Snapshot, boom).Run(ctx); err != nil {
		t.Fatalf("compute faults must not fail the pipeline, got %v", err)
	}
	if string(ctx.Body) != "hello" {
		t.Error("body must be unchanged")
	}
}

func TestPipelineRewriteDisabled(t *testing.T) {
	src := `<a href="https://origin.example.com/x">x</a>`
	ctx := testCtx([]byte(src), "text/html", func(s *config.Snapshot) {
		s.URLTransform.Enabled = false
	})
	ctx.FileResolved = false

	if err := newTestPipeline(ctx.Snapshot).Run(ctx); err != nil {
		t.Fatal(err)
	}
	if string(ctx.Body) != src {
		t.Error("rewriting must be off when disabled")
	}
}

func TestPipelineRewriteCSS(t *testing.T) {
	src := `body { background: url(https://origin.example.com/bg.png); }`
	ctx := testCtx([]byte(src), "text/css", nil)
	ctx.FileResolved = false
	ctx.RequestPath = "/site.css"

	if err := newTestPipeline(ctx.Snapshot).Run(ctx); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(ctx.Body), "https://edge.local/bg.png") {
		t.Errorf("css url not rewritten:\n%s", ctx.Body)
	}
	if ctx.URLsRewritten != 1 {
		t.Errorf("URLsRewritten = %d", ctx.URLsRewritten)
	}
}

func TestPipelineRewriteSizeCap(t *testing.T) {
	src := `<a href="https://origin.example.com/x">x</a>`
	ctx := testCtx([]byte(src), "text/html", func(s *config.Snapshot) {
		s.URLTransform.MaxContentSize = 8
	})
	ctx.FileResolved = false

	if err := newTestPipeline(ctx.Snapshot).Run(ctx); err != nil {
		t.Fatal(err)
	}
	if string(ctx.Body) != src {
		t.Error("bodies over the cap must pass through unrewritten")
	}
}
