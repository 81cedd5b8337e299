// Package service implements the gateway pipeline: fetch the target, pick a
// rewrite strategy, and assemble the client response.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"catbypass-gateway/internal/client"
	"catbypass-gateway/internal/codec"
	"catbypass-gateway/internal/config"
	"catbypass-gateway/internal/metrics"
	"catbypass-gateway/internal/model"
	"catbypass-gateway/internal/rewrite"
)

var (
	// ErrUpstreamUnavailable wraps any failure to obtain the upstream response.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrHostNotAllowed is returned when the target host matches no upstream.allowed_hosts pattern.
	ErrHostNotAllowed = errors.New("target host not allowed")
	// ErrUpstreamNonJSON marks a JSON passthrough response whose body failed to parse.
	ErrUpstreamNonJSON = errors.New("upstream returned a non-JSON body")
)

// GatewayService fetches browse targets and rewrites them to route through the gateway.
type GatewayService struct {
	client   *client.UpstreamClient
	rewriter *rewrite.Rewriter
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewGatewayService creates a GatewayService. The metrics parameter is optional.
func NewGatewayService(c *client.UpstreamClient, r *rewrite.Rewriter, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *GatewayService {
	return &GatewayService{
		client:   c,
		rewriter: r,
		cfg:      cfg,
		logger:   logger.With("component", "gateway_service"),
		metrics:  m,
	}
}

// Browse fetches target on behalf of req and rewrites the response so every
// reference in it links back to gatewayBase using mode.
func (s *GatewayService) Browse(req *model.GatewayRequest, target *url.URL, mode codec.Mode, gatewayBase string) (*model.GatewayResponse, error) {
	if !s.hostAllowed(target.Hostname()) {
		return nil, fmt.Errorf("%w: %s", ErrHostNotAllowed, target.Hostname())
	}

	var body []byte
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		body = req.Body
	}

	s.logger.Debug("browse",
		"method", req.Method,
		"target", target.String(),
		"mode", mode.String(),
	)

	resp, err := s.client.Fetch(req.Ctx, req.Method, target.String(), s.upstreamHeader(req.Header, target), body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}

	page := resp.FinalURL
	if page == nil {
		page = target
	}
	kind := rewrite.Classify(resp.ContentType)
	text, err := rewrite.DecodeText(kind, resp.Body, resp.ContentType)
	if err != nil {
		return nil, fmt.Errorf("rewrite %s body: %w", kind, err)
	}
	out, err := s.rewriter.Rewrite(kind, text, rewrite.Context{
		Page:        page,
		GatewayBase: gatewayBase,
		Mode:        mode,
	})
	if err != nil {
		return nil, fmt.Errorf("rewrite %s body: %w", kind, err)
	}
	if s.metrics != nil {
		s.metrics.RewritesTotal.WithLabelValues(kind.String()).Inc()
	}

	return assemble(kind, resp, out), nil
}

// upstreamHeader builds the curated header set sent to the origin. The
// request looks like a direct visit: Referer and Origin name the target itself.
func (s *GatewayService) upstreamHeader(in http.Header, target *url.URL) http.Header {
	h := make(http.Header)
	setFirst(h, "User-Agent", in.Get("User-Agent"), s.cfg.Gateway.UserAgent)
	setFirst(h, "Accept", in.Get("Accept"), s.cfg.Gateway.Accept)
	setFirst(h, "Accept-Language", in.Get("Accept-Language"), s.cfg.Gateway.AcceptLanguage)
	setFirst(h, "Content-Type", in.Get("Content-Type"))
	h.Set("Accept-Encoding", "identity")

	origin := codec.Origin(target)
	h.Set("Referer", origin)
	h.Set("Origin", origin)
	return h
}

// hostAllowed matches host against upstream.allowed_hosts. An empty list allows every host.
func (s *GatewayService) hostAllowed(host string) bool {
	patterns := s.cfg.Upstream.AllowedHosts
	if len(patterns) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, p := range patterns {
		if ok, _ := doublestar.Match(strings.ToLower(p), host); ok {
			return true
		}
	}
	return false
}

// setFirst sets key to the first non-empty value, if any.
func setFirst(h http.Header, key string, values ...string) {
	for _, v := range values {
		if v != "" {
			h.Set(key, v)
			return
		}
	}
}
