package transform

import (
	"bytes"
	"regexp"
	"sort"
	"strings"
)

var (
	charsetMetaRe = regexp.MustCompile(`(?i)<meta[^>]+(charset\s*=|http-equiv\s*=\s*["']?content-type)`)
	headOpenRe    = regexp.MustCompile(`(?i)<head(\s[^>]*)?>`)
	wsRunRe       = regexp.MustCompile(`[ \t\r\n\f]{2,}`)

	// Whitespace inside these elements is meaningful and never collapsed.
	protectedBlockRes = []*regexp.Regexp{
		regexp.MustCompile(`(?is)<pre\b.*?</pre\s*>`),
		regexp.MustCompile(`(?is)<script\b.*?</script\s*>`),
		regexp.MustCompile(`(?is)<style\b.*?</style\s*>`),
		regexp.MustCompile(`(?is)<textarea\b.*?</textarea\s*>`),
	}
)

// htmlTransformer touches up file-resolved HTML in place: a utf-8
// charset meta is injected when the head declares none, and whitespace
// runs are optionally collapsed. The document structure is otherwise
// left alone.
type htmlTransformer struct{}

func (htmlTransformer) Name() string { return "html" }

func (htmlTransformer) CanHandle(contentType, extension string) bool {
	if extension == "html" || extension == "htm" {
		return true
	}
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "xhtml")
}

func (htmlTransformer) Transform(ctx *Context) ([]byte, string, error) {
	opts := ctx.Snapshot.Transformers.HTMLOptions
	body := ctx.Body
	if opts.InjectCharset {
		body, _ = injectCharset(body)
	}
	if opts.Minify {
		body = minifyHTML(body)
	}
	return body, ctx.ContentType, nil
}

// injectCharset inserts a utf-8 meta right after the opening head tag
// unless the document already declares a charset.
func injectCharset(src []byte) ([]byte, bool) {
	if charsetMetaRe.Match(src) {
		return src, false
	}
	loc := headOpenRe.FindIndex(src)
	if loc == nil {
		return src, false
	}
	var out bytes.Buffer
	out.Grow(len(src) + 24)
	out.Write(src[:loc[1]])
	out.WriteString(`<meta charset="utf-8">`)
	out.Write(src[loc[1]:])
	return out.Bytes(), true
}

// minifyHTML collapses whitespace runs to a single space everywhere
// except inside pre, script, style, and textarea blocks.
func minifyHTML(src []byte) []byte {
	type span struct{ start, end int }
	var protected []span
	for _, re := range protectedBlockRes {
		for _, loc := range re.FindAllIndex(src, -1) {
			protected = append(protected, span{loc[0], loc[1]})
		}
	}
	sort.Slice(protected, func(i, j int) bool { return protected[i].start < protected[j].start })

	var out bytes.Buffer
	out.Grow(len(src))
	pos := 0
	for _, p := range protected {
		if p.start < pos {
			continue
		}
		out.Write(wsRunRe.ReplaceAll(src[pos:p.start], []byte(" ")))
		out.Write(src[p.start:p.end])
		pos = p.end
	}
	out.Write(wsRunRe.ReplaceAll(src[pos:], []byte(" ")))
	return out.Bytes()
}
