package transform

import (
	"bytes"
	"encoding/xml"
	"io"
	"strings"
)

// xmlTransformer re-indents an XML document through the tokenizer and
// renders it as a syntax-highlighted HTML page. Malformed XML fails the
// transform and the original bytes are served.
type xmlTransformer struct{}

func (xmlTransformer) Name() string { return "xml" }

func (xmlTransformer) CanHandle(contentType, extension string) bool {
	if extension == "xml" {
		return true
	}
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "xhtml") {
		return false // belongs to the html transformer
	}
	return strings.Contains(ct, "/xml") || strings.Contains(ct, "+xml")
}

func (xmlTransformer) Transform(ctx *Context) ([]byte, string, error) {
	pretty, err := indentXML(ctx.Body, "  ")
	if err != nil {
		return nil, "", err
	}

	body, err := highlight(pretty, "xml", ctx.Snapshot.Transformers.MarkdownOptions.Theme)
	if err != nil {
		return nil, "", err
	}
	out, err := renderPage(pageTitle(ctx.RequestPath), "", body)
	if err != nil {
		return nil, "", err
	}
	return out, "", nil
}

// indentXML round-trips the document through the tokenizer, dropping
// whitespace-only character data so the re-indent comes out clean.
func indentXML(src []byte, indent string) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(src))
	dec.Strict = false

	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	enc.Indent("", indent)

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		if cd, ok := tok.(xml.CharData); ok && len(bytes.TrimSpace(cd)) == 0 {
			continue
		}
		if err := enc.EncodeToken(tok); err != nil {
			return "", err
		}
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
