package rewrite

import (
	"regexp"
	"strings"
)

var (
	absURLRe = regexp.MustCompile(`(?i)https?://[A-Za-z0-9._-]+(?::\d+)?`)

	// URL-carrying HTML attributes: links, sources, form targets, media
	// posters, manifests, and data-*-url custom attributes.
	htmlAttrRe      = regexp.MustCompile(`(?i)\b(href|src|srcset|action|formaction|poster|manifest|data-[a-z0-9-]*url)\s*=\s*("[^"]*"|'[^']*')`)
	htmlStyleAttrRe = regexp.MustCompile(`(?i)\bstyle\s*=\s*("[^"]*"|'[^']*')`)
	htmlStyleBlock  = regexp.MustCompile(`(?is)(<style\b[^>]*>)(.*?)(</style\s*>)`)
	htmlScriptBlock = regexp.MustCompile(`(?is)(<script\b[^>]*>)(.*?)(</script\s*>)`)

	// JavaScript string literals holding absolute or protocol-relative
	// URLs. These cover fetch/XHR/import/new URL/location/window.open
	// call sites, since all of them take their URL as a literal.
	jsDoubleQuoted = regexp.MustCompile(`"(?:https?:)?//[^"\\]*"`)
	jsSingleQuoted = regexp.MustCompile(`'(?:https?:)?//[^'\\]*'`)
	jsTemplate     = regexp.MustCompile("`(?:https?:)?//[^`\\\\]*`")

	// CSS url() covers background, font-face src, and cursor; @import
	// additionally accepts a bare string.
	cssURLRe    = regexp.MustCompile(`(?i)url\(\s*(['"]?)([^'")\s]+)(['"]?)\s*\)`)
	cssImportRe = regexp.MustCompile(`(?i)(@import\s+)(['"])([^'"]+)(['"])`)
)

func (r *Rewriter) rewriteHTML(body []byte, t Target) ([]byte, int) {
	cfg := t.Snapshot.URLTransform
	s := string(body)
	count := 0

	s = htmlAttrRe.ReplaceAllStringFunc(s, func(m string) string {
		parts := htmlAttrRe.FindStringSubmatch(m)
		if parts == nil {
			return m
		}
		name := strings.ToLower(parts[1])
		if strings.HasPrefix(name, "data-") && !cfg.Data {
			return m
		}
		quoted := parts[2]
		quote := quoted[:1]
		value := quoted[1 : len(quoted)-1]

		if name == "srcset" {
			out, n := r.rewriteSrcset(value, t)
			if n == 0 {
				return m
			}
			count += n
			return m[:len(m)-len(quoted)] + quote + out + quote
		}
		out, changed := r.rewriteURL(value, t)
		if !changed {
			return m
		}
		count++
		return m[:len(m)-len(quoted)] + quote + out + quote
	})

	if cfg.Inline {
		s = htmlStyleAttrRe.ReplaceAllStringFunc(s, func(m string) string {
			parts := htmlStyleAttrRe.FindStringSubmatch(m)
			if parts == nil {
				return m
			}
			quoted := parts[1]
			quote := quoted[:1]
			value := quoted[1 : len(quoted)-1]
			out, n := r.rewriteCSSString(value, t)
			if n == 0 {
				return m
			}
			count += n
			return m[:len(m)-len(quoted)] + quote + out + quote
		})

		s = htmlStyleBlock.ReplaceAllStringFunc(s, func(m string) string {
			parts := htmlStyleBlock.FindStringSubmatch(m)
			if parts == nil {
				return m
			}
			out, n := r.rewriteCSSString(parts[2], t)
			if n == 0 {
				return m
			}
			count += n
			return parts[1] + out + parts[3]
		})

		s = htmlScriptBlock.ReplaceAllStringFunc(s, func(m string) string {
			parts := htmlScriptBlock.FindStringSubmatch(m)
			if parts == nil || parts[2] == "" {
				return m
			}
			out, n := r.rewriteJSString(parts[2], t)
			if n == 0 {
				return m
			}
			count += n
			return parts[1] + out + parts[3]
		})
	}

	return []byte(s), count
}

func (r *Rewriter) rewriteJS(body []byte, t Target) ([]byte, int) {
	out, count := r.rewriteJSString(string(body), t)
	return []byte(out), count
}

func (r *Rewriter) rewriteJSString(s string, t Target) (string, int) {
	count := 0
	for _, re := range []*regexp.Regexp{jsDoubleQuoted, jsSingleQuoted, jsTemplate} {
		s = re.ReplaceAllStringFunc(s, func(m string) string {
			inner := m[1 : len(m)-1]
			if strings.Contains(inner, "${") {
				// Dynamic template segment; leave interpolation alone.
				return m
			}
			out, changed := r.rewriteURL(inner, t)
			if !changed {
				return m
			}
			count++
			return m[:1] + out + m[len(m)-1:]
		})
	}
	return s, count
}

func (r *Rewriter) rewriteCSS(body []byte, t Target) ([]byte, int) {
	out, count := r.rewriteCSSString(string(body), t)
	return []byte(out), count
}

func (r *Rewriter) rewriteCSSString(s string, t Target) (string, int) {
	count := 0

	s = cssURLRe.ReplaceAllStringFunc(s, func(m string) string {
		parts := cssURLRe.FindStringSubmatch(m)
		if parts == nil {
			return m
		}
		out, changed := r.rewriteURL(parts[2], t)
		if !changed {
			return m
		}
		count++
		return "url(" + parts[1] + out + parts[3] + ")"
	})

	s = cssImportRe.ReplaceAllStringFunc(s, func(m string) string {
		parts := cssImportRe.FindStringSubmatch(m)
		if parts == nil {
			return m
		}
		out, changed := r.rewriteURL(parts[3], t)
		if !changed {
			return m
		}
		count++
		return parts[1] + parts[2] + out + parts[4]
	})

	return s, count
}

// rewriteSrcset handles comma-separated "url descriptor" entries.
func (r *Rewriter) rewriteSrcset(value string, t Target) (string, int) {
	entries := strings.Split(value, ",")
	count := 0
	for i, entry := range entries {
		fields := strings.Fields(entry)
		if len(fields) == 0 {
			continue
		}
		out, ok := r.rewriteURL(fields[0], t)
		if !ok {
			continue
		}
		fields[0] = out
		entries[i] = strings.Join(fields, " ")
		count++
	}
	if count == 0 {
		return value, 0
	}
	return strings.Join(entries, ", "), count
}
