// Package model defines request-scoped types shared by the gateway layers.
package model

import (
	"context"
	"net/http"
	"net/url"
)

// GatewayRequest is the inbound client request as seen by the pipeline.
// It is not modified after the handler builds it.
type GatewayRequest struct {
	Ctx    context.Context
	Method string
	// Path is the original path plus query, e.g. "/api/x?y=1".
	Path   string
	Header http.Header
	Body   []byte
}

// UpstreamResponse is the fully buffered response of the origin.
type UpstreamResponse struct {
	StatusCode  int
	ContentType string
	Header      http.Header
	Body        []byte
	// FinalURL is the URL that produced the response after redirects.
	FinalURL *url.URL
}

// GatewayResponse is what the handler writes back to the client.
type GatewayResponse struct {
	StatusCode  int
	ContentType string
	Header      http.Header
	Body        []byte
}
