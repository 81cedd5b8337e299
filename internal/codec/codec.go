// Package codec converts absolute URLs to and from gateway path tokens.
//
// A stealth token is the unpadded URL-safe base64 encoding of the URL bytes, so
// it fits in a single path segment and never contains '/' or '='. The legacy
// form carries the URL as a query-escaped `url` parameter instead.
package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

// ErrMalformedToken is returned when a token is not a valid stealth encoding.
var ErrMalformedToken = errors.New("malformed token")

// ErrInvalidTarget is returned when a decoded value is not an absolute http(s) URL.
var ErrInvalidTarget = errors.New("invalid target URL")

// Route prefixes of the two re-linking schemes.
const (
	StealthPrefix = "/s/"
	LegacyPath    = "/proxy"
)

// Mode selects how rewritten links point back at the gateway.
type Mode int

const (
	// ModeStealth links to /s/<token>.
	ModeStealth Mode = iota
	// ModeLegacy links to /proxy?url=<escaped url>.
	ModeLegacy
)

// String returns the mode name used in logs and in the client shim.
func (m Mode) String() string {
	if m == ModeLegacy {
		return "legacy"
	}
	return "stealth"
}

// Strict rejects non-zero trailing bits so that every token has exactly one decoding.
var encoding = base64.RawURLEncoding.Strict()

// Encode returns the stealth token for rawURL.
func Encode(rawURL string) string {
	return encoding.EncodeToString([]byte(rawURL))
}

// Decode reverses Encode. Wrong length, characters outside the URL-safe
// alphabet, padding and non-UTF-8 payloads all yield ErrMalformedToken.
func Decode(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: empty", ErrMalformedToken)
	}
	b, err := encoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("%w: not valid UTF-8", ErrMalformedToken)
	}
	return string(b), nil
}

// Link builds the gateway URL that fetches target under the given mode.
// base is the gateway base without a trailing slash.
func Link(base string, mode Mode, target string) string {
	if mode == ModeLegacy {
		return base + LegacyPath + "?url=" + url.QueryEscape(target)
	}
	return base + StealthPrefix + Encode(target)
}

// ParseTarget parses raw as a target reference: an absolute URL with an
// http or https scheme and a non-empty host.
func ParseTarget(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrInvalidTarget, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidTarget)
	}
	return u, nil
}

// Origin returns scheme://host[:port] of u.
func Origin(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}
