package rewrite

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"catbypass-gateway/internal/codec"
)

// urlAttrs carry a single URL.
var urlAttrs = map[string]bool{
	"href":     true,
	"src":      true,
	"action":   true,
	"data-src": true,
	"poster":   true,
}

// fallbackTags hold markup the tokenizer reports as raw text. Their bodies
// are rewritten as a nested fragment.
var fallbackTags = map[string]bool{
	"noscript": true,
	"iframe":   true,
	"noembed":  true,
	"noframes": true,
}

// rewriteHTML uses the tokenizer only for token boundaries, so comments and
// raw-text bodies such as <script> are never scanned for attributes. Values
// are located in each start tag's raw bytes to keep the original quoting.
func (r *Rewriter) rewriteHTML(body []byte, rc Context) ([]byte, error) {
	out, err := r.rewriteMarkup(string(body), rc, true)
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

// rewriteMarkup rewrites one document or fragment. The shim is only injected
// into the top-level document.
func (r *Rewriter) rewriteMarkup(src string, rc Context, injectShim bool) (string, error) {
	z := html.NewTokenizer(strings.NewReader(src))

	var edits []edit
	offset := 0
	headSeen := !injectShim
	rawTag := ""

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		start := offset
		offset += len(z.Raw())

		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tag := string(name)
			rawTag = ""
			if tt == html.StartTagToken {
				rawTag = tag
			}
			if tag == "base" {
				edits = append(edits, edit{start: start, end: offset})
				continue
			}
			edits = append(edits, attrEdits(src[start:offset], start, rc)...)

			if tag == "head" && !headSeen {
				headSeen = true
				shim, err := r.renderShim(rc)
				if err != nil {
					return "", err
				}
				edits = append(edits, edit{start: offset, end: offset, text: shim})
			}
		case html.EndTagToken:
			rawTag = ""
			if name, _ := z.TagName(); string(name) == "base" {
				edits = append(edits, edit{start: start, end: offset})
			}
		case html.TextToken:
			text := src[start:offset]
			switch {
			case rawTag == "style":
				if css, ok := rewriteCSS(text, rc); ok {
					edits = append(edits, edit{start: start, end: offset, text: css})
				}
			case fallbackTags[rawTag]:
				inner, err := r.rewriteMarkup(text, rc, false)
				if err != nil {
					return "", err
				}
				if inner != text {
					edits = append(edits, edit{start: start, end: offset, text: inner})
				}
			}
		}
	}

	return applyEdits(src, edits), nil
}

// rawAttr locates an attribute value inside a raw start tag.
type rawAttr struct {
	name       string
	valStart   int
	valEnd     int
	quote      byte
	valPresent bool
}

// scanAttrs walks the attributes of a raw start tag such as `<a href='x'>`.
func scanAttrs(tag string) []rawAttr {
	i := 1
	for i < len(tag) && !isSpace(tag[i]) && tag[i] != '/' && tag[i] != '>' {
		i++
	}

	var attrs []rawAttr
	for i < len(tag) {
		for i < len(tag) && (isSpace(tag[i]) || tag[i] == '/') {
			i++
		}
		if i >= len(tag) || tag[i] == '>' {
			break
		}

		nameStart := i
		i++ // a leading '=' belongs to the name
		for i < len(tag) && !isSpace(tag[i]) && tag[i] != '/' && tag[i] != '>' && tag[i] != '=' {
			i++
		}
		a := rawAttr{name: strings.ToLower(tag[nameStart:i])}

		j := i
		for j < len(tag) && isSpace(tag[j]) {
			j++
		}
		if j < len(tag) && tag[j] == '=' {
			j++
			for j < len(tag) && isSpace(tag[j]) {
				j++
			}
			a.valPresent = true
			switch {
			case j < len(tag) && (tag[j] == '"' || tag[j] == '\''):
				a.quote = tag[j]
				a.valStart = j + 1
				end := strings.IndexByte(tag[j+1:], a.quote)
				if end < 0 {
					a.valEnd = len(tag)
					i = len(tag)
				} else {
					a.valEnd = j + 1 + end
					i = a.valEnd + 1
				}
			default:
				a.valStart = j
				for j < len(tag) && !isSpace(tag[j]) && tag[j] != '>' {
					j++
				}
				a.valEnd = j
				i = j
			}
		}
		attrs = append(attrs, a)
	}
	return attrs
}

// attrEdits rewrites the URL-bearing attributes of one raw start tag located
// at base in the document.
func attrEdits(tag string, base int, rc Context) []edit {
	var edits []edit
	for _, a := range scanAttrs(tag) {
		if !a.valPresent {
			continue
		}
		val := html.UnescapeString(tag[a.valStart:a.valEnd])

		var out string
		var ok bool
		switch {
		case urlAttrs[a.name]:
			out, ok = rewriteRef(val, rc)
		case a.name == "srcset":
			out, ok = rewriteSrcset(val, rc)
		case a.name == "style":
			out, ok = rewriteCSS(val, rc)
		}
		if !ok {
			continue
		}
		edits = append(edits, edit{
			start: base + a.valStart,
			end:   base + a.valEnd,
			text:  escapeAttr(out, a.quote),
		})
	}
	return edits
}

// rewriteSrcset rewrites each candidate URL and keeps descriptors and the
// original comma and whitespace layout.
func rewriteSrcset(val string, rc Context) (string, bool) {
	candidates := strings.Split(val, ",")
	changed := false
	for i, c := range candidates {
		start := 0
		for start < len(c) && isSpace(c[start]) {
			start++
		}
		end := start
		for end < len(c) && !isSpace(c[end]) {
			end++
		}
		if start == end {
			continue
		}
		if link, ok := rewriteRef(c[start:end], rc); ok {
			candidates[i] = c[:start] + link + c[end:]
			changed = true
		}
	}
	if !changed {
		return "", false
	}
	return strings.Join(candidates, ","), true
}

// escapeAttr encodes s for an attribute value written with the given quote.
// Unquoted values that can no longer stand alone are double-quoted.
func escapeAttr(s string, quote byte) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	switch quote {
	case '"':
		return strings.ReplaceAll(s, `"`, "&quot;")
	case '\'':
		return strings.ReplaceAll(s, "'", "&#39;")
	}
	if s == "" || strings.ContainsAny(s, " \t\n\f\r\"'=<>`") {
		return `"` + strings.ReplaceAll(s, `"`, "&quot;") + `"`
	}
	return s
}

// shimParams are the named fields substituted into the shim template.
type shimParams struct {
	GatewayBase   string
	Mode          string
	StealthPrefix string
	LegacyPath    string
	Origin        string
	Host          string
	Hostname      string
	Href          string
	Pathname      string
	Protocol      string
	Port          string
}

func newShimParams(rc Context) shimParams {
	p := shimParams{
		GatewayBase:   rc.GatewayBase,
		Mode:          rc.Mode.String(),
		StealthPrefix: codec.StealthPrefix,
		LegacyPath:    codec.LegacyPath,
	}
	page := rc.Page
	if page == nil {
		page = &url.URL{}
	}
	if page.Scheme != "" {
		p.Origin = codec.Origin(page)
		p.Protocol = page.Scheme + ":"
	}
	p.Host = page.Host
	p.Hostname = page.Hostname()
	p.Port = page.Port()
	p.Href = page.String()
	p.Pathname = page.EscapedPath()
	if p.Pathname == "" {
		p.Pathname = "/"
	}
	return p
}

func (r *Rewriter) renderShim(rc Context) (string, error) {
	var buf bytes.Buffer
	if err := r.shim.Execute(&buf, newShimParams(rc)); err != nil {
		return "", fmt.Errorf("rewrite: render shim: %w", err)
	}
	return buf.String(), nil
}
