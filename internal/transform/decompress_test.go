package transform

import (
	"bytes"
	"errors"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

func gzipBytes(t *testing.T, b []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(b); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestDecodeGzip(t *testing.T) {
	out, err := Decode(gzipBytes(t, []byte("hello world")), "gzip")
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "hello world" {
		t.Errorf("got %q", out)
	}
}

func TestDecodeBrotli(t *testing.T) {
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	w.Write([]byte("compressed with brotli"))
	w.Close()

	out, err := Decode(buf.Bytes(), "br")
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "compressed with brotli" {
		t.Errorf("got %q", out)
	}
}

func TestDecodeDeflateZlib(t *testing.T) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	w.Write([]byte("zlib framed"))
	w.Close()

	out, err := Decode(buf.Bytes(), "deflate")
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "zlib framed" {
		t.Errorf("got %q", out)
	}
}

func TestDecodeDeflateRaw(t *testing.T) {
	// Some servers send raw flate under the deflate label.
	var buf bytes.Buffer
	w, _ := flate.NewWriter(&buf, flate.DefaultCompression)
	w.Write([]byte("raw flate"))
	w.Close()

	out, err := Decode(buf.Bytes(), "deflate")
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "raw flate" {
		t.Errorf("got %q", out)
	}
}

func TestDecodeUnknownEncoding(t *testing.T) {
	if _, err := Decode([]byte("x"), "zstd"); err == nil {
		t.Error("expected error for unsupported encoding")
	}
}

func TestDecompressStage(t *testing.T) {
	ctx := testCtx(gzipBytes(t, []byte("plain body")), "text/html", nil)
	ctx.ContentEncoding = "gzip"

	if err := (decompressStage{}).Run(ctx); err != nil {
		t.Fatal(err)
	}
	if string(ctx.Body) != "plain body" {
		t.Errorf("got %q", ctx.Body)
	}
	if ctx.ContentEncoding != "" {
		t.Error("content encoding must be cleared after decode")
	}
	if !ctx.Decompressed {
		t.Error("decompressed flag must be set")
	}
}

func TestDecompressCorruptJavaScriptFailsClosed(t *testing.T) {
	ctx := testCtx([]byte("not gzip at all"), "application/javascript", nil)
	ctx.ContentEncoding = "gzip"

	err := (decompressStage{}).Run(ctx)
	if !errors.Is(err, ErrJSDecode) {
		t.Fatalf("expected ErrJSDecode, got %v", err)
	}
}

func TestDecompressCorruptHTMLFailsOpen(t *testing.T) {
	original := []byte("not gzip at all")
	ctx := testCtx(original, "text/html", nil)
	ctx.ContentEncoding = "gzip"

	if err := (decompressStage{}).Run(ctx); err != nil {
		t.Fatalf("non-JS decode failure must pass through, got %v", err)
	}
	if !bytes.Equal(ctx.Body, original) {
		t.Error("original bytes must survive")
	}
	if ctx.ContentEncoding != "gzip" {
		t.Error("original content encoding must be preserved")
	}
}

func TestDecompressJSByPathExtension(t *testing.T) {
	ctx := testCtx([]byte("garbage"), "application/octet-stream", nil)
	ctx.RequestPath = "/static/app.js"
	ctx.ContentEncoding = "gzip"

	if err := (decompressStage{}).Run(ctx); !errors.Is(err, ErrJSDecode) {
		t.Fatalf("js path extension must fail closed, got %v", err)
	}
}
