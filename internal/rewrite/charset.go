package rewrite

import (
	"bytes"
	"fmt"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
)

// DecodeText converts an HTML or CSS body to UTF-8 so it can be rewritten and
// served as UTF-8. The encoding comes from a byte order mark, the declared
// Content-Type charset, a leading CSS @charset rule or an HTML meta
// declaration, in that order. A body that is valid UTF-8 and carries no
// authoritative label is kept as is. Other kinds are returned unchanged.
func DecodeText(kind Kind, body []byte, contentType string) ([]byte, error) {
	if kind != KindHTML && kind != KindCSS {
		return body, nil
	}

	enc, name, certain := charset.DetermineEncoding(body, contentType)
	if !certain && kind == KindCSS {
		if label, ok := cssCharsetRule(body); ok {
			if e, n := charset.Lookup(label); e != nil {
				enc, name, certain = e, n, true
			}
		}
	}
	if name == "utf-8" || (!certain && utf8.Valid(body)) {
		return body, nil
	}

	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return nil, fmt.Errorf("rewrite: decode %s body: %w", name, err)
	}
	return out, nil
}

// cssCharsetRule reads the label of an `@charset "x";` rule at the very start
// of a stylesheet.
func cssCharsetRule(body []byte) (string, bool) {
	const prefix = `@charset "`
	if !bytes.HasPrefix(body, []byte(prefix)) {
		return "", false
	}
	rest := body[len(prefix):]
	end := bytes.IndexByte(rest, '"')
	if end <= 0 || end > 40 || !bytes.HasPrefix(rest[end:], []byte(`";`)) {
		return "", false
	}
	return string(rest[:end]), true
}
