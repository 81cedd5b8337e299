package handler

import (
	"github.com/labstack/echo/v4"

	"catbypass-gateway/internal/codec"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, browse *BrowseHandler, pass *PassthroughHandler, health *HealthHandler) {
	e.GET("/", health.Root)
	e.GET("/healthz", health.Healthz)
	e.GET("/gateway/status", health.Status)

	e.Any(codec.StealthPrefix+":token", browse.Stealth)
	e.Any(codec.LegacyPath, browse.Legacy)

	e.GET("/static/*", pass.Binary)
	e.GET("/api/profile/:id/pic/raw", pass.Binary)
	e.Any("/*", pass.JSON)
}
