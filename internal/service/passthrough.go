package service

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/tidwall/gjson"

	"catbypass-gateway/internal/client"
	"catbypass-gateway/internal/config"
	"catbypass-gateway/internal/model"
)

// rawPreviewRunes bounds the upstream text echoed back for a non-JSON body.
const rawPreviewRunes = 200

// binaryTypePrefixes are content types passed through without JSON handling.
var binaryTypePrefixes = []string{
	"image/",
	"audio/",
	"video/",
	"font/",
	"application/octet-stream",
	"application/pdf",
	"application/zip",
}

// PassthroughService forwards non-browsable requests to the fixed upstream
// base URL without rewriting.
type PassthroughService struct {
	client  *client.UpstreamClient
	baseURL string
	logger  *slog.Logger
}

// NewPassthroughService creates a PassthroughService for cfg.Upstream.BaseURL.
func NewPassthroughService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) *PassthroughService {
	return &PassthroughService{
		client:  c,
		baseURL: strings.TrimRight(cfg.Upstream.BaseURL, "/"),
		logger:  logger.With("component", "passthrough_service"),
	}
}

// Binary forwards a static asset request and returns the body unchanged.
// A missing upstream content type is derived from the file extension.
func (s *PassthroughService) Binary(req *model.GatewayRequest) (*model.GatewayResponse, error) {
	header := make(http.Header)
	setFirst(header, "User-Agent", req.Header.Get("User-Agent"))
	setFirst(header, "Accept", req.Header.Get("Accept"), "*/*")
	setFirst(header, "Range", req.Header.Get("Range"))

	resp, err := s.client.Fetch(req.Ctx, http.MethodGet, s.baseURL+req.Path, header, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}

	contentType := resp.ContentType
	if contentType == "" {
		contentType = typeByExtension(req.Path)
	}
	return &model.GatewayResponse{
		StatusCode:  resp.StatusCode,
		ContentType: contentType,
		Header:      filterResponseHeaders(resp.Header),
		Body:        resp.Body,
	}, nil
}

// JSON forwards an API request with JSON content negotiation. Binary
// responses are returned as is; anything else must parse as JSON or it is
// wrapped in an error object carrying a preview of the raw text. The upstream
// status is kept in both cases.
func (s *PassthroughService) JSON(req *model.GatewayRequest) (*model.GatewayResponse, error) {
	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	header.Set("Accept", "application/json")

	var body []byte
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		body = req.Body
		if len(body) == 0 {
			body = []byte("{}")
		}
	}

	resp, err := s.client.Fetch(req.Ctx, req.Method, s.baseURL+req.Path, header, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}

	if isBinaryType(resp.ContentType) {
		return &model.GatewayResponse{
			StatusCode:  resp.StatusCode,
			ContentType: resp.ContentType,
			Header:      filterResponseHeaders(resp.Header),
			Body:        resp.Body,
		}, nil
	}

	out := resp.Body
	if !bodyAllowed(resp.StatusCode) {
		out = nil
	} else if !gjson.ValidBytes(resp.Body) {
		s.logger.Warn("wrapping upstream body",
			"error", ErrUpstreamNonJSON,
			"path", req.Path,
			"status", resp.StatusCode,
			"content_type", resp.ContentType,
		)
		out, err = nonJSONBody(resp.Body)
		if err != nil {
			return nil, err
		}
	}

	return &model.GatewayResponse{
		StatusCode:  resp.StatusCode,
		ContentType: "application/json",
		Body:        out,
	}, nil
}

type nonJSONResponse struct {
	Error string `json:"error"`
	Raw   string `json:"raw"`
}

func nonJSONBody(raw []byte) ([]byte, error) {
	preview := []rune(string(raw))
	if len(preview) > rawPreviewRunes {
		preview = preview[:rawPreviewRunes]
	}
	out, err := json.Marshal(nonJSONResponse{
		Error: "Invalid response from server",
		Raw:   string(preview),
	})
	if err != nil {
		return nil, fmt.Errorf("encode non-JSON wrapper: %w", err)
	}
	return out, nil
}

func isBinaryType(contentType string) bool {
	ct := strings.ToLower(contentType)
	for _, p := range binaryTypePrefixes {
		if strings.HasPrefix(ct, p) {
			return true
		}
	}
	return false
}

// bodyAllowed reports whether status may carry a response body.
func bodyAllowed(status int) bool {
	return status != http.StatusNoContent && status != http.StatusNotModified && status >= 200
}

func typeByExtension(requestPath string) string {
	p := requestPath
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if ct := mime.TypeByExtension(path.Ext(p)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
