package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"catbypass-gateway/internal/codec"
	"catbypass-gateway/internal/config"
	"catbypass-gateway/internal/metrics"
	"catbypass-gateway/internal/model"
	"catbypass-gateway/internal/service"
)

// BrowseHandler serves the stealth and legacy browse routes.
type BrowseHandler struct {
	service *service.GatewayService
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewBrowseHandler creates a BrowseHandler. The metrics parameter is optional.
func NewBrowseHandler(svc *service.GatewayService, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *BrowseHandler {
	return &BrowseHandler{
		service: svc,
		cfg:     cfg,
		logger:  logger.With("component", "browse_handler"),
		metrics: m,
	}
}

// Stealth handles /s/:token. A token that does not decode is rejected
// before any upstream request is made.
func (h *BrowseHandler) Stealth(c echo.Context) error {
	raw, err := codec.Decode(c.Param("token"))
	if err != nil {
		return h.mapError(c, err)
	}

	target, err := codec.ParseTarget(raw)
	if err != nil {
		return h.mapError(c, err)
	}
	return h.browse(c, target, codec.ModeStealth)
}

// Legacy handles /proxy?url=. Without a url parameter it shows the entry form.
func (h *BrowseHandler) Legacy(c echo.Context) error {
	raw := strings.TrimSpace(c.QueryParam("url"))
	if raw == "" {
		return renderPage(c, http.StatusOK, "form", formPage{
			LegacyPath:    codec.LegacyPath,
			StealthPrefix: codec.StealthPrefix,
		})
	}

	target, err := codec.ParseTarget(withDefaultScheme(raw))
	if err != nil {
		return h.mapError(c, err)
	}
	return h.browse(c, target, codec.ModeLegacy)
}

func (h *BrowseHandler) browse(c echo.Context, target *url.URL, mode codec.Mode) error {
	req := c.Request()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return h.mapError(c, fmt.Errorf("read request body: %w", err))
	}

	resp, err := h.service.Browse(&model.GatewayRequest{
		Ctx:    req.Context(),
		Method: req.Method,
		Path:   req.URL.RequestURI(),
		Header: req.Header,
		Body:   body,
	}, target, mode, h.gatewayBase(c))
	if err != nil {
		return h.mapError(c, err)
	}
	return writeResponse(c, resp)
}

// gatewayBase returns the configured public URL or, when unset, the scheme
// and host the client used to reach this request.
func (h *BrowseHandler) gatewayBase(c echo.Context) string {
	if h.cfg.Gateway.PublicURL != "" {
		return h.cfg.Gateway.PublicURL
	}
	return c.Scheme() + "://" + c.Request().Host
}

func (h *BrowseHandler) mapError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, codec.ErrMalformedToken):
		if h.metrics != nil {
			h.metrics.MalformedTokens.Inc()
		}
		h.logger.Debug("rejected token", "err", err)
		return c.String(http.StatusBadRequest, "Invalid URL token")
	case errors.Is(err, codec.ErrInvalidTarget):
		h.logger.Debug("rejected target", "err", err)
		return c.String(http.StatusBadRequest, "Invalid target URL")
	case errors.Is(err, service.ErrHostNotAllowed):
		h.logger.Warn("target host not allowed", "err", err)
		return c.String(http.StatusForbidden, "Target host is not allowed")
	}

	h.logger.Error("browse error",
		"err", err,
		"path", c.Request().URL.Path,
	)
	return renderError(c, http.StatusInternalServerError, err.Error())
}

// withDefaultScheme treats a bare host such as "example.com/a" as HTTPS.
func withDefaultScheme(raw string) string {
	if strings.Contains(raw, "://") {
		return raw
	}
	return "https://" + strings.TrimPrefix(raw, "//")
}

// writeResponse copies a buffered GatewayResponse to the client.
func writeResponse(c echo.Context, resp *model.GatewayResponse) error {
	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	if resp.ContentType == "" {
		c.Response().WriteHeader(resp.StatusCode)
		_, err := c.Response().Write(resp.Body)
		return err
	}
	return c.Blob(resp.StatusCode, resp.ContentType, resp.Body)
}
