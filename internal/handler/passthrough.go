package handler

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"catbypass-gateway/internal/model"
	"catbypass-gateway/internal/service"
)

// PassthroughHandler forwards the non-browsable routes to the fixed upstream.
type PassthroughHandler struct {
	service *service.PassthroughService
	logger  *slog.Logger
}

// NewPassthroughHandler creates a PassthroughHandler.
func NewPassthroughHandler(svc *service.PassthroughService, logger *slog.Logger) *PassthroughHandler {
	return &PassthroughHandler{
		service: svc,
		logger:  logger.With("component", "passthrough_handler"),
	}
}

// Binary serves static assets and profile pictures unmodified.
func (h *PassthroughHandler) Binary(c echo.Context) error {
	resp, err := h.service.Binary(h.request(c, nil))
	if err != nil {
		return h.mapError(c, err)
	}
	return writeResponse(c, resp)
}

// JSON serves every other path as a JSON API call.
func (h *PassthroughHandler) JSON(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return h.mapError(c, fmt.Errorf("read request body: %w", err))
	}
	resp, err := h.service.JSON(h.request(c, body))
	if err != nil {
		return h.mapError(c, err)
	}
	return writeResponse(c, resp)
}

func (h *PassthroughHandler) request(c echo.Context, body []byte) *model.GatewayRequest {
	req := c.Request()
	return &model.GatewayRequest{
		Ctx:    req.Context(),
		Method: req.Method,
		Path:   req.URL.RequestURI(),
		Header: req.Header,
		Body:   body,
	}
}

func (h *PassthroughHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("passthrough error",
		"err", err,
		"path", c.Request().URL.Path,
	)
	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error":   "Proxy error",
		"message": err.Error(),
	})
}
