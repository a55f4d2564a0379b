package transform

import (
	"bytes"
	"html/template"
	"path"
	"strings"

	"github.com/alecthomas/chroma/v2"
	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

// pageTmpl frames transformer output as a standalone HTML document.
var pageTmpl = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>{{.Style}}</style>
</head>
<body>
{{.Body}}
</body>
</html>
`))

const basePageStyle = `body { font-family: -apple-system, "Segoe UI", Roboto, sans-serif; margin: 2rem auto; max-width: 60rem; padding: 0 1rem; line-height: 1.6; color: #24292f; }
pre { overflow-x: auto; padding: 1rem; background: #f6f8fa; border-radius: 6px; }
code { font-family: ui-monospace, "SF Mono", Menlo, Consolas, monospace; font-size: 0.9em; }
table { border-collapse: collapse; width: 100%; }
th, td { border: 1px solid #d0d7de; padding: 0.4rem 0.7rem; text-align: left; }
th { background: #f6f8fa; }
tr:nth-child(even) td { background: #fafbfc; }
blockquote { border-left: 4px solid #d0d7de; margin-left: 0; padding-left: 1rem; color: #57606a; }
img { max-width: 100%; }
a { color: #0969da; }
.note { color: #57606a; font-size: 0.9em; }`

type pageData struct {
	Title string
	Style template.CSS
	Body  template.HTML
}

func renderPage(title, extraStyle string, body template.HTML) ([]byte, error) {
	style := basePageStyle
	if extraStyle != "" {
		style += "\n" + extraStyle
	}
	var buf bytes.Buffer
	err := pageTmpl.Execute(&buf, pageData{
		Title: title,
		Style: template.CSS(style),
		Body:  body,
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// pageTitle derives a document title from the request path.
func pageTitle(requestPath string) string {
	base := path.Base(requestPath)
	if base == "/" || base == "." || base == "" {
		return "index"
	}
	return strings.TrimSuffix(base, path.Ext(base))
}

// highlight renders source through chroma as an inline-styled HTML
// fragment. The style name falls back to github when unknown.
func highlight(source, lexerName, styleName string) (template.HTML, error) {
	lexer := lexers.Get(lexerName)
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	if styleName == "" {
		styleName = "github"
	}
	style := styles.Get(styleName)
	if style == nil {
		style = styles.Fallback
	}

	it, err := lexer.Tokenise(nil, source)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := chromahtml.New(chromahtml.WithClasses(false)).Format(&buf, style, it); err != nil {
		return "", err
	}
	return template.HTML(buf.String()), nil
}
