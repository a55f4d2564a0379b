package transform

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"go.uber.org/zap"

	"github.com/edgeproxy/edgeproxy/internal/logging"
)

// maxDecodedSize bounds how much a compressed body may inflate to.
const maxDecodedSize = 50 << 20

type decompressStage struct{}

func (decompressStage) Name() string { return "decompress" }

func (d decompressStage) Run(ctx *Context) error {
	enc := strings.ToLower(strings.TrimSpace(ctx.ContentEncoding))
	if enc == "" || enc == "identity" {
		return nil
	}

	decoded, err := Decode(ctx.Body, enc)
	if err != nil {
		if isJavaScript(ctx.ContentType, ctx.RequestPath) {
			return fmt.Errorf("%s: %w", enc, ErrJSDecode)
		}
		// Pass the original bytes through untouched; the emitter keeps
		// the original Content-Encoding.
		logging.Warn("decode failed, passing body through",
			zap.String("encoding", enc),
			zap.String("path", ctx.RequestPath),
			zap.Error(err))
		return nil
	}

	ctx.Body = decoded
	ctx.ContentEncoding = ""
	ctx.Decompressed = true
	return nil
}

// Decode inflates a body compressed with gzip, deflate, or brotli.
// Deflate tries zlib framing first, then raw flate, since upstreams
// disagree about what "deflate" means.
func Decode(body []byte, encoding string) ([]byte, error) {
	switch encoding {
	case "gzip", "x-gzip":
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return readCapped(r)

	case "deflate":
		if r, err := zlib.NewReader(bytes.NewReader(body)); err == nil {
			defer r.Close()
			if out, err := readCapped(r); err == nil {
				return out, nil
			}
		}
		r := flate.NewReader(bytes.NewReader(body))
		defer r.Close()
		return readCapped(r)

	case "br":
		return readCapped(brotli.NewReader(bytes.NewReader(body)))

	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

func readCapped(r io.Reader) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, maxDecodedSize+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxDecodedSize {
		return nil, fmt.Errorf("decoded body exceeds %d bytes", maxDecodedSize)
	}
	return out, nil
}

func isJavaScript(contentType, requestPath string) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "javascript") || strings.Contains(ct, "ecmascript") {
		return true
	}
	switch strings.ToLower(path.Ext(requestPath)) {
	case ".js", ".mjs":
		return true
	}
	return false
}
