package rewrite

import (
	"strings"

	"github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/css"
)

// rewriteCSS rewrites url(...) tokens and the string operand of @import. It
// reports whether anything changed; every other token, including the
// contents of ordinary strings and comments, is kept byte for byte.
func rewriteCSS(src string, rc Context) (string, bool) {
	var edits []edit
	rewriteSpan := func(start, end int) {
		if link, ok := rewriteRef(src[start:end], rc); ok {
			edits = append(edits, edit{start: start, end: end, text: link})
		}
	}

	l := css.NewLexer(parse.NewInputString(src))
	pos := 0
	inImport := false
	for {
		tt, data := l.Next()
		if tt == css.ErrorToken {
			break
		}
		start := pos
		pos += len(data)

		switch tt {
		case css.URLToken:
			if vs, ve, ok := urlTokenValue(data); ok {
				rewriteSpan(start+vs, start+ve)
			}
		case css.StringToken:
			if inImport && quotedClosed(data) {
				rewriteSpan(start+1, start+len(data)-1)
			}
		}

		switch tt {
		case css.WhitespaceToken, css.CommentToken:
		case css.AtKeywordToken:
			inImport = strings.EqualFold(string(data), "@import")
		default:
			inImport = false
		}
	}

	if len(edits) == 0 {
		return src, false
	}
	return applyEdits(src, edits), true
}

// urlTokenValue locates the reference inside a url(...) token: the inside of
// the quotes, or the trimmed unquoted text. Unterminated tokens yield nothing.
func urlTokenValue(tok []byte) (int, int, bool) {
	open := strings.IndexByte(string(tok), '(')
	if open < 0 || tok[len(tok)-1] != ')' {
		return 0, 0, false
	}
	i, end := open+1, len(tok)-1
	for i < end && isSpace(tok[i]) {
		i++
	}
	for end > i && isSpace(tok[end-1]) {
		end--
	}
	if i == end {
		return 0, 0, false
	}
	if q := tok[i]; q == '"' || q == '\'' {
		if end-i < 2 || tok[end-1] != q {
			return 0, 0, false
		}
		return i + 1, end - 1, true
	}
	return i, end, true
}

func quotedClosed(tok []byte) bool {
	return len(tok) >= 2 && tok[len(tok)-1] == tok[0]
}
