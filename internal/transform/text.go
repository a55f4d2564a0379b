package transform

import (
	"fmt"
	"html/template"
	"strings"
)

var preTmpl = template.Must(template.New("pre").Parse(`<pre>{{.}}</pre>`))

// textTransformer wraps plain text in a preformatted HTML page. It sits
// last in the registry as the catch-all for text/plain.
type textTransformer struct{}

func (textTransformer) Name() string { return "text" }

func (textTransformer) CanHandle(contentType, extension string) bool {
	if extension == "txt" {
		return true
	}
	return strings.HasPrefix(strings.ToLower(contentType), "text/plain")
}

func (textTransformer) Transform(ctx *Context) ([]byte, string, error) {
	tabWidth := ctx.Snapshot.Transformers.TextOptions.TabWidth
	if tabWidth <= 0 {
		tabWidth = 4
	}

	var pre strings.Builder
	if err := preTmpl.Execute(&pre, string(ctx.Body)); err != nil {
		return nil, "", err
	}

	style := fmt.Sprintf("pre { tab-size: %d; white-space: pre-wrap; word-wrap: break-word; }", tabWidth)
	out, err := renderPage(pageTitle(ctx.RequestPath), style, template.HTML(pre.String()))
	if err != nil {
		return nil, "", err
	}
	return out, "", nil
}
