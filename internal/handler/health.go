package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"catbypass-gateway/internal/config"
)

// livenessText is the body of GET /.
const livenessText = "CatBypass gateway is running!"

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Root returns the fixed liveness text.
func (h *HealthHandler) Root(c echo.Context) error {
	return c.String(http.StatusOK, livenessText)
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns gateway status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":       "ok",
		"version":      string(h.version),
		"upstream_url": h.cfg.Upstream.BaseURL,
		"public_url":   h.cfg.Gateway.PublicURL,
	})
}
