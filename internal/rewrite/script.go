package rewrite

import (
	"io"
	"strings"

	"github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/js"

	"catbypass-gateway/internal/codec"
)

// rewriteScript rewrites string and template literals that are absolute
// http(s) URLs. Literals that mention the gateway base are left alone: scripts
// and JSON often echo the gateway's own address back and must keep
// recognizing it.
func rewriteScript(src string, rc Context) (string, bool) {
	var edits []edit
	escapedBase := strings.ReplaceAll(rc.GatewayBase, "/", `\/`)

	scriptLiterals(src, func(start, end int) {
		lit := src[start:end]
		if rc.GatewayBase != "" && (containsBase(lit, rc.GatewayBase) || containsBase(lit, escapedBase)) {
			return
		}
		if link, ok := scriptLiteral(lit, rc); ok {
			edits = append(edits, edit{start: start, end: end, text: link})
		}
	})

	if len(edits) == 0 {
		return src, false
	}
	return applyEdits(src, edits), true
}

// scriptLiterals calls fn with the content span of every string literal and
// every template literal without substitutions. Structured text is not always
// valid script, so input the lexer rejects is skipped one byte at a time and
// lexing resumes from there.
func scriptLiterals(src string, fn func(start, end int)) {
	for pos := 0; pos < len(src); {
		pos = lexScript(src, pos, fn)
	}
}

// lexScript lexes src from offset from and returns where scanning should
// resume: len(src) at the end of input, or one past the rejected token.
func lexScript(src string, from int, fn func(start, end int)) int {
	l := js.NewLexer(parse.NewInputString(src[from:]))
	pos := from
	prev := js.ErrorToken
	var prevText []byte

	for {
		tt, data := l.Next()
		start := pos

		switch tt {
		case js.ErrorToken:
			if l.Err() == io.EOF {
				return len(src)
			}
			return start + 1
		case js.DivToken, js.DivEqToken:
			if regexpAllowed(prev, prevText) {
				rt, re := l.RegExp()
				if rt != js.RegExpToken {
					return start + 1
				}
				tt, data = rt, re
			}
		case js.StringToken, js.TemplateToken:
			if len(data) >= 2 {
				fn(start+1, start+len(data)-1)
			}
		}
		pos = start + len(data)

		switch tt {
		case js.WhitespaceToken, js.LineTerminatorToken, js.CommentToken, js.CommentLineTerminatorToken:
		default:
			prev, prevText = tt, data
		}
	}
}

// regexpOperators are keywords after which a slash starts a regular
// expression rather than a division.
var regexpOperators = map[string]bool{
	"return": true, "typeof": true, "instanceof": true, "in": true, "of": true,
	"new": true, "delete": true, "void": true, "throw": true, "case": true,
	"do": true, "else": true, "yield": true, "await": true,
}

// regexpAllowed reports whether a slash following the previous significant
// token opens a regular expression. A slash after a value (identifier,
// literal, closing paren or bracket) is a division, and so is one after '<',
// which in structured text is a closing tag.
func regexpAllowed(prev js.TokenType, text []byte) bool {
	switch prev {
	case js.ErrorToken:
		return true
	case js.StringToken, js.TemplateToken, js.TemplateEndToken, js.RegExpToken:
		return false
	}
	if len(text) == 0 {
		return true
	}
	s := string(text)
	switch c := text[0]; {
	case s == ")" || s == "]" || s == "<":
		return false
	case '0' <= c && c <= '9', c == '.' && len(s) > 1 && s != "...":
		return false
	case c == '_' || c == '$' || c == '#' || c == '\\' || c >= 0x80 ||
		('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z'):
		return regexpOperators[s]
	}
	return true
}

// scriptLiteral returns the gateway link for a literal that is exactly one
// absolute URL. JSON-escaped slashes are understood and re-applied.
func scriptLiteral(lit string, rc Context) (string, bool) {
	if strings.Contains(lit, "${") {
		return "", false
	}
	escaped := strings.Contains(lit, `\/`)
	candidate := lit
	if escaped {
		candidate = strings.ReplaceAll(lit, `\/`, "/")
	}
	lower := strings.ToLower(candidate)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return "", false
	}
	if strings.ContainsAny(candidate, " \t\r\n\\\"'`<>") {
		return "", false
	}
	if _, err := codec.ParseTarget(candidate); err != nil {
		return "", false
	}

	link := rc.link(candidate)
	if escaped {
		link = strings.ReplaceAll(link, "/", `\/`)
	}
	return link, true
}
