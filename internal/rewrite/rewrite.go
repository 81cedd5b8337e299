// Package rewrite turns upstream bodies into gateway-routed bodies.
//
// Every rewriter works the same way: scan the original text once, collect
// (start, end, replacement) edits against it, then apply them in one pass.
// No pass ever sees another pass's output, so a link is never encoded twice.
package rewrite

import (
	_ "embed"
	"fmt"
	"net/url"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"

	"catbypass-gateway/internal/codec"
)

// Kind is the rewrite strategy chosen for a content type.
type Kind int

const (
	KindBinary Kind = iota
	KindHTML
	KindCSS
	KindScript
)

// String returns the label used for the kind in logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindHTML:
		return "html"
	case KindCSS:
		return "css"
	case KindScript:
		return "script"
	default:
		return "binary"
	}
}

// scriptMarkers select the script/structured-text strategy.
var scriptMarkers = []string{"javascript", "ecmascript", "json", "xml", "text/plain"}

// Classify maps a declared Content-Type to a Kind by substring match, in the
// fixed priority HTML, CSS, script, binary. The body is never inspected.
func Classify(contentType string) Kind {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "html"):
		return KindHTML
	case strings.Contains(ct, "css"):
		return KindCSS
	}
	for _, m := range scriptMarkers {
		if strings.Contains(ct, m) {
			return KindScript
		}
	}
	return KindBinary
}

// Context is the per-request, read-only input of a rewrite.
type Context struct {
	// Page is the effective URL of the fetched document, after redirects.
	Page *url.URL
	// GatewayBase is the external root of the gateway, without a trailing slash.
	GatewayBase string
	// Mode is the scheme used for every emitted link.
	Mode codec.Mode
}

func (rc Context) link(target string) string {
	return codec.Link(rc.GatewayBase, rc.Mode, target)
}

// pointsAtGateway reports whether ref starts with the gateway base followed by
// a URL boundary, so https://gw.test/s/x matches and https://gw.testx/ does not.
func (rc Context) pointsAtGateway(ref string) bool {
	if rc.GatewayBase == "" {
		return false
	}
	rest, ok := strings.CutPrefix(ref, rc.GatewayBase)
	return ok && atBoundary(rest)
}

// containsBase reports whether base occurs anywhere in s followed by a URL
// boundary. An escaped base such as https:\/\/gw.test may be followed by a
// backslash.
func containsBase(s, base string) bool {
	for i := 0; ; {
		idx := strings.Index(s[i:], base)
		if idx < 0 {
			return false
		}
		i += idx + len(base)
		if atBoundary(s[i:]) || s[i] == '\\' {
			return true
		}
	}
}

func atBoundary(rest string) bool {
	return rest == "" || rest[0] == '/' || rest[0] == '?' || rest[0] == '#'
}

//go:embed shim.js.tmpl
var shimSource string

// Rewriter applies the rewrite strategies. It is safe for concurrent use.
type Rewriter struct {
	shim *template.Template
}

// New parses the client shim template.
func New() (*Rewriter, error) {
	tmpl, err := template.New("shim").Funcs(sprig.TxtFuncMap()).Parse(shimSource)
	if err != nil {
		return nil, fmt.Errorf("rewrite: parse shim template: %w", err)
	}
	return &Rewriter{shim: tmpl}, nil
}

// Rewrite returns body rewritten for kind. Binary bodies are returned as is.
func (r *Rewriter) Rewrite(kind Kind, body []byte, rc Context) ([]byte, error) {
	switch kind {
	case KindHTML:
		return r.rewriteHTML(body, rc)
	case KindCSS:
		out, _ := rewriteCSS(string(body), rc)
		return []byte(out), nil
	case KindScript:
		out, _ := rewriteScript(string(body), rc)
		return []byte(out), nil
	default:
		return body, nil
	}
}

// skippedPrefixes are references that never leave the document.
var skippedPrefixes = []string{"#", "javascript:", "data:", "mailto:", "tel:", "blob:", "about:"}

// resolve turns an attribute or url() reference into an absolute http(s) URL.
// Protocol-relative references get https; root- and page-relative references
// are resolved against the page.
func resolve(raw string, rc Context) (string, bool) {
	ref := strings.TrimSpace(raw)
	if ref == "" || rc.pointsAtGateway(ref) {
		return "", false
	}
	lower := strings.ToLower(ref)
	for _, p := range skippedPrefixes {
		if strings.HasPrefix(lower, p) {
			return "", false
		}
	}
	if strings.HasPrefix(ref, "//") {
		ref = "https:" + ref
	}

	u, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	if u.Scheme != "" {
		if _, err := codec.ParseTarget(ref); err != nil {
			return "", false
		}
		return ref, true
	}
	if rc.Page == nil {
		return "", false
	}
	return rc.Page.ResolveReference(u).String(), true
}

// rewriteRef resolves raw and returns its gateway link.
func rewriteRef(raw string, rc Context) (string, bool) {
	abs, ok := resolve(raw, rc)
	if !ok {
		return "", false
	}
	return rc.link(abs), true
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f'
}
