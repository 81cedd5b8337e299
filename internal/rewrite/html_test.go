package rewrite

import (
	"bytes"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"

	"catbypass-gateway/internal/codec"
)

func rewriteHTMLString(t *testing.T, r *Rewriter, rc Context, src string) string {
	t.Helper()
	out, err := r.Rewrite(KindHTML, []byte(src), rc)
	if err != nil {
		t.Fatalf("Rewrite(html) error = %v", err)
	}
	return string(out)
}

func parseDoc(t *testing.T, out string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader([]byte(out)))
	if err != nil {
		t.Fatalf("goquery parse: %v", err)
	}
	return doc
}

func TestRewriteHTML_Completeness(t *testing.T) {
	r := newTestRewriter(t)
	rc := testContext(t, "https://x.test/dir/page")

	src := `<html><head></head><body>` +
		`<a href="https://x.test/a">a</a>` +
		`<img src="//x.test/b.png">` +
		`<form action="/submit"></form>` +
		`<div style="background:url(https://x.test/c.png)"></div>` +
		`</body></html>`
	out := rewriteHTMLString(t, r, rc, src)
	doc := parseDoc(t, out)

	checks := []struct {
		selector string
		attr     string
		want     string
	}{
		{"a", "href", "https://x.test/a"},
		{"img", "src", "https://x.test/b.png"},
		{"form", "action", "https://x.test/submit"},
	}
	for _, c := range checks {
		val, ok := doc.Find(c.selector).Attr(c.attr)
		if !ok {
			t.Fatalf("%s[%s] missing", c.selector, c.attr)
		}
		if got := decodeLink(t, val); got != c.want {
			t.Errorf("%s[%s] decodes to %q, want %q", c.selector, c.attr, got, c.want)
		}
	}

	style, _ := doc.Find("div").Attr("style")
	if want := "background:url(" + stealth("https://x.test/c.png") + ")"; style != want {
		t.Errorf("style = %q, want %q", style, want)
	}

	doc.Find("script").Remove()
	rendered, err := doc.Html()
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if strings.Contains(rendered, "x.test") {
		t.Errorf("rewritten document still references the origin: %s", rendered)
	}
}

func TestRewriteHTML_ShimInjection(t *testing.T) {
	r := newTestRewriter(t)
	rc := testContext(t, "https://x.test/")

	t.Run("after first head tag", func(t *testing.T) {
		out := rewriteHTMLString(t, r, rc, `<html><HEAD lang="en"><title>t</title></HEAD><head></head></html>`)
		openTag := `<HEAD lang="en">`
		idx := strings.Index(out, openTag)
		if idx < 0 {
			t.Fatalf("head tag missing from output: %s", out)
		}
		if !strings.HasPrefix(out[idx+len(openTag):], "<script>") {
			t.Errorf("head tag not followed by shim: %s", out)
		}
		if n := strings.Count(out, "var GATEWAY"); n != 1 {
			t.Errorf("shim injected %d times, want 1", n)
		}
	})

	t.Run("no head", func(t *testing.T) {
		out := rewriteHTMLString(t, r, rc, `<html><body><header><a href="https://x.test/a">a</a></header></body></html>`)
		if strings.Contains(out, "<script>") {
			t.Errorf("shim injected without a head tag: %s", out)
		}
		if !strings.Contains(out, stealth("https://x.test/a")) {
			t.Errorf("attribute not rewritten without a head tag: %s", out)
		}
	})

	t.Run("head inside comment", func(t *testing.T) {
		out := rewriteHTMLString(t, r, rc, `<!-- <head> --><html><body></body></html>`)
		if strings.Contains(out, "<script>") {
			t.Errorf("shim injected into a comment: %s", out)
		}
	})
}

func TestRewriteHTML_EndToEndDocument(t *testing.T) {
	r := newTestRewriter(t)
	rc := testContext(t, "https://example.test/")

	out := rewriteHTMLString(t, r, rc, `<html><head></head><body><a href="https://example.test/a">x</a></body></html>`)
	doc := parseDoc(t, out)

	if doc.Find("head > script").Length() != 1 {
		t.Errorf("head should contain exactly the shim script: %s", out)
	}
	href, _ := doc.Find("a").Attr("href")
	if got := decodeLink(t, href); got != "https://example.test/a" {
		t.Errorf("href decodes to %q, want %q", got, "https://example.test/a")
	}
}

func TestRewriteHTML_QuoteStyle(t *testing.T) {
	r := newTestRewriter(t)
	rc := testContext(t, "https://x.test/")
	link := stealth("https://x.test/a")

	tests := []struct {
		name string
		src  string
		want string
	}{
		{"double", `<a href="https://x.test/a">`, `<a href="` + link + `">`},
		{"single", `<a href='https://x.test/a'>`, `<a href='` + link + `'>`},
		{"unquoted", `<a href=https://x.test/a>`, `<a href=` + link + `>`},
		{"upper case name", `<A HREF="https://x.test/a">`, `<A HREF="` + link + `">`},
		{"spaces around equals", `<a href = "https://x.test/a">`, `<a href = "` + link + `">`},
		{"self closing", `<img src='https://x.test/a'/>`, `<img src='` + link + `'/>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rewriteHTMLString(t, r, rc, tt.src); got != tt.want {
				t.Errorf("rewrite = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRewriteHTML_AttributeSet(t *testing.T) {
	r := newTestRewriter(t)
	rc := testContext(t, "https://x.test/")

	out := rewriteHTMLString(t, r, rc,
		`<img data-src="https://x.test/lazy.png">`+
			`<video poster="/poster.jpg"></video>`+
			`<script src="https://cdn.test/app.js"></script>`+
			`<a title="https://x.test/not-a-link">`)

	for _, target := range []string{"https://x.test/lazy.png", "https://x.test/poster.jpg", "https://cdn.test/app.js"} {
		if !strings.Contains(out, stealth(target)) {
			t.Errorf("expected link for %s in %s", target, out)
		}
	}
	if !strings.Contains(out, `title="https://x.test/not-a-link"`) {
		t.Errorf("title attribute should be untouched: %s", out)
	}
}

func TestRewriteHTML_EntityValues(t *testing.T) {
	r := newTestRewriter(t)
	rc := testContext(t, "https://x.test/")

	out := rewriteHTMLString(t, r, rc, `<a href="https://x.test/a?b=1&amp;c=2">`)
	want := `<a href="` + stealth("https://x.test/a?b=1&c=2") + `">`
	if out != want {
		t.Errorf("rewrite = %q, want %q", out, want)
	}
}

func TestRewriteHTML_LegacyMode(t *testing.T) {
	r := newTestRewriter(t)
	rc := testContext(t, "https://x.test/")
	rc.Mode = codec.ModeLegacy

	out := rewriteHTMLString(t, r, rc, `<a href="https://x.test/a?b=1&amp;c=2">`)
	want := `<a href="https://gw.test/proxy?url=https%3A%2F%2Fx.test%2Fa%3Fb%3D1%26c%3D2">`
	if out != want {
		t.Errorf("rewrite = %q, want %q", out, want)
	}
}

func TestRewriteHTML_StripsBase(t *testing.T) {
	r := newTestRewriter(t)
	rc := testContext(t, "https://x.test/")

	out := rewriteHTMLString(t, r, rc, `<html><head><base href="https://x.test/"></base><title>t</title></head></html>`)
	if strings.Contains(strings.ToLower(out), "<base") || strings.Contains(out, "</base>") {
		t.Errorf("base tag not stripped: %s", out)
	}
	if !strings.Contains(out, "<title>t</title>") {
		t.Errorf("surrounding markup changed: %s", out)
	}
}

func TestRewriteHTML_Srcset(t *testing.T) {
	r := newTestRewriter(t)
	rc := testContext(t, "https://x.test/")

	out := rewriteHTMLString(t, r, rc, `<img srcset="https://x.test/a.png 1x, /b.png 2x,  c.png 480w">`)
	want := `<img srcset="` +
		stealth("https://x.test/a.png") + ` 1x, ` +
		stealth("https://x.test/b.png") + ` 2x,  ` +
		stealth("https://x.test/c.png") + ` 480w">`
	if out != want {
		t.Errorf("srcset rewrite = %q, want %q", out, want)
	}
}

func TestRewriteHTML_StyleElement(t *testing.T) {
	r := newTestRewriter(t)
	rc := testContext(t, "https://x.test/css/")

	out := rewriteHTMLString(t, r, rc, `<style>.a{background:url("/bg.png")} .b{color:red}</style>`)
	want := `<style>.a{background:url("` + stealth("https://x.test/bg.png") + `")} .b{color:red}</style>`
	if out != want {
		t.Errorf("style rewrite = %q, want %q", out, want)
	}
}

func TestRewriteHTML_LeavesRawTextAndComments(t *testing.T) {
	r := newTestRewriter(t)
	rc := testContext(t, "https://x.test/")

	src := `<script>var s = '<a href="https://x.test/z">';</script>` +
		`<!-- <a href="https://x.test/c"> -->` +
		`<textarea><img src="https://x.test/t.png"></textarea>`
	if out := rewriteHTMLString(t, r, rc, src); out != src {
		t.Errorf("raw text or comments were rewritten:\n got %q\nwant %q", out, src)
	}
}

func TestRewriteHTML_FallbackContent(t *testing.T) {
	r := newTestRewriter(t)
	rc := testContext(t, "https://x.test/")

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "noscript image",
			in:   `<noscript><img src="https://x.test/pixel.gif"></noscript>`,
			want: `<noscript><img src="` + stealth("https://x.test/pixel.gif") + `"></noscript>`,
		},
		{
			name: "noscript relative link",
			in:   `<noscript><a href='/nojs'>x</a></noscript>`,
			want: `<noscript><a href='` + stealth("https://x.test/nojs") + `'>x</a></noscript>`,
		},
		{
			name: "iframe fallback",
			in:   `<iframe src="/f"><a href="/alt">alt</a></iframe>`,
			want: `<iframe src="` + stealth("https://x.test/f") + `"><a href="` + stealth("https://x.test/alt") + `">alt</a></iframe>`,
		},
		{
			name: "noembed",
			in:   `<noembed><img src="/e.png"></noembed>`,
			want: `<noembed><img src="` + stealth("https://x.test/e.png") + `"></noembed>`,
		},
		{
			name: "no shim inside fallback",
			in:   `<noscript><head></head></noscript>`,
			want: `<noscript><head></head></noscript>`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rewriteHTMLString(t, r, rc, tt.in); got != tt.want {
				t.Errorf("rewriteHTML() =\n %q\nwant\n %q", got, tt.want)
			}
		})
	}
}

func TestRewriteHTML_GatewayLookalike(t *testing.T) {
	r := newTestRewriter(t)
	rc := testContext(t, "https://x.test/")

	got := rewriteHTMLString(t, r, rc, `<a href="https://gw.testx/a">x</a>`)
	want := `<a href="` + stealth("https://gw.testx/a") + `">x</a>`
	if got != want {
		t.Errorf("rewriteHTML() = %q, want %q", got, want)
	}
}

func TestRewriteHTML_SkippedReferences(t *testing.T) {
	r := newTestRewriter(t)
	rc := testContext(t, "https://x.test/")

	src := `<a href="#top"></a>` +
		`<a href="javascript:void(0)"></a>` +
		`<img src="data:image/png;base64,AAAA">` +
		`<a href="mailto:a@x.test"></a>` +
		`<a href="` + testGateway + `/s/aHR0cHM6Ly94LnRlc3Qv"></a>` +
		`<a href=""></a>` +
		`<input disabled>`
	if out := rewriteHTMLString(t, r, rc, src); out != src {
		t.Errorf("skipped references were rewritten:\n got %q\nwant %q", out, src)
	}
}

func TestScanAttrs(t *testing.T) {
	tag := `<a HREF = "x" data-src=y checked title='t "q"'>`
	attrs := scanAttrs(tag)

	want := []struct {
		name  string
		value string
		quote byte
		set   bool
	}{
		{"href", "x", '"', true},
		{"data-src", "y", 0, true},
		{"checked", "", 0, false},
		{"title", `t "q"`, '\'', true},
	}
	if len(attrs) != len(want) {
		t.Fatalf("scanAttrs() returned %d attrs, want %d: %+v", len(attrs), len(want), attrs)
	}
	for i, w := range want {
		a := attrs[i]
		if a.name != w.name || a.quote != w.quote || a.valPresent != w.set {
			t.Errorf("attr %d = %+v, want %+v", i, a, w)
		}
		if w.set && tag[a.valStart:a.valEnd] != w.value {
			t.Errorf("attr %s value = %q, want %q", a.name, tag[a.valStart:a.valEnd], w.value)
		}
	}
}

func TestEscapeAttr(t *testing.T) {
	tests := []struct {
		in    string
		quote byte
		want  string
	}{
		{`a&b`, '"', `a&amp;b`},
		{`say "hi"`, '"', `say &quot;hi&quot;`},
		{`it's`, '\'', `it&#39;s`},
		{`plain`, 0, `plain`},
		{`has space`, 0, `"has space"`},
	}
	for _, tt := range tests {
		if got := escapeAttr(tt.in, tt.quote); got != tt.want {
			t.Errorf("escapeAttr(%q, %q) = %q, want %q", tt.in, tt.quote, got, tt.want)
		}
	}
}

func TestShim_Parameters(t *testing.T) {
	r := newTestRewriter(t)
	rc := testContext(t, "https://x.test:8443/p/q?a=1&b=2")

	shim, err := r.renderShim(rc)
	if err != nil {
		t.Fatalf("renderShim() error = %v", err)
	}

	for _, want := range []string{
		`var GATEWAY = "https://gw.test";`,
		`var MODE = "stealth";`,
		`origin: "https://x.test:8443"`,
		`host: "x.test:8443"`,
		`hostname: "x.test"`,
		`href: "https://x.test:8443/p/q?a=1\u0026b=2"`,
		`pathname: "/p/q"`,
		`protocol: "https:"`,
		`port: "8443"`,
		`"/s/"`,
		`"/proxy"`,
		`if (u === "" || isGateway(u)) {`,
		`"/?#".indexOf(u.charAt(GATEWAY.length)) !== -1`,
	} {
		if !strings.Contains(shim, want) {
			t.Errorf("shim missing %s", want)
		}
	}
	if !strings.HasPrefix(shim, "<script>") || !strings.HasSuffix(strings.TrimSpace(shim), "</script>") {
		t.Errorf("shim is not a single script block")
	}
	if strings.Contains(shim, "{{") {
		t.Errorf("shim has unrendered template actions")
	}
}

func TestShim_LegacyModeAndDefaults(t *testing.T) {
	r := newTestRewriter(t)
	rc := testContext(t, "http://x.test")
	rc.Mode = codec.ModeLegacy

	shim, err := r.renderShim(rc)
	if err != nil {
		t.Fatalf("renderShim() error = %v", err)
	}
	for _, want := range []string{`var MODE = "legacy";`, `pathname: "/"`, `port: ""`, `protocol: "http:"`} {
		if !strings.Contains(shim, want) {
			t.Errorf("shim missing %s", want)
		}
	}
}
