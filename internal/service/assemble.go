package service

import (
	"net/http"

	"catbypass-gateway/internal/model"
	"catbypass-gateway/internal/rewrite"
)

// forwardableResponseHeaders are the only upstream response headers passed to the client.
var forwardableResponseHeaders = []string{
	"Cache-Control",
	"Expires",
	"Last-Modified",
	"ETag",
	"Content-Language",
	"Content-Disposition",
}

// assemble maps a rewritten body to the client response. HTML and CSS have
// already been decoded to UTF-8 and are labelled that way; everything else
// keeps the declared type. The upstream status is always kept.
func assemble(kind rewrite.Kind, resp *model.UpstreamResponse, body []byte) *model.GatewayResponse {
	contentType := resp.ContentType
	switch kind {
	case rewrite.KindHTML:
		contentType = "text/html; charset=utf-8"
	case rewrite.KindCSS:
		contentType = "text/css; charset=utf-8"
	}

	return &model.GatewayResponse{
		StatusCode:  resp.StatusCode,
		ContentType: contentType,
		Header:      filterResponseHeaders(resp.Header),
		Body:        body,
	}
}

func filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for _, key := range forwardableResponseHeaders {
		if vals := src.Values(key); len(vals) > 0 {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	return dst
}
