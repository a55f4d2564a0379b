package transform

import (
	"bytes"
	"encoding/json"
	"strings"
)

// jsonTransformer validates and indents a JSON body, then renders it as
// a syntax-highlighted HTML page. Invalid JSON fails the transform, so
// the original bytes are served unchanged.
type jsonTransformer struct{}

func (jsonTransformer) Name() string { return "json" }

func (jsonTransformer) CanHandle(contentType, extension string) bool {
	if extension == "json" {
		return true
	}
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "application/json") || strings.Contains(ct, "+json")
}

func (jsonTransformer) Transform(ctx *Context) ([]byte, string, error) {
	indent := ctx.Snapshot.Transformers.JSONOptions.Indent
	if indent == "" {
		indent = "  "
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, ctx.Body, "", indent); err != nil {
		return nil, "", err
	}

	body, err := highlight(pretty.String(), "json", ctx.Snapshot.Transformers.MarkdownOptions.Theme)
	if err != nil {
		return nil, "", err
	}
	out, err := renderPage(pageTitle(ctx.RequestPath), "", body)
	if err != nil {
		return nil, "", err
	}
	return out, "", nil
}
