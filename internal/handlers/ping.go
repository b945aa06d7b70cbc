package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/streamsync/internal/version"
)

// PingHandler serves /ping and HEAD /health for liveness.
type PingHandler struct {
	integrationEnabled bool
	logger             *slog.Logger
}

// NewPingHandler creates a ping handler that also reports whether the Stream
// integration is active.
func NewPingHandler(log *slog.Logger, integrationEnabled bool) *PingHandler {
	return &PingHandler{
		integrationEnabled: integrationEnabled,
		logger:             log.With(slog.String("handler", "ping")),
	}
}

// Register mounts GET /ping and HEAD /health on the Echo instance.
func (h *PingHandler) Register(e *echo.Echo) {
	e.GET("/ping", h.Ping)
	e.HEAD("/health", h.PingHead)
}

// PingResponse is the body of GET /ping.
type PingResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Integration string `json:"integration"`
}

// Ping returns 200 with the build version and integration state.
func (h *PingHandler) Ping(c echo.Context) error {
	integration := "disabled"
	if h.integrationEnabled {
		integration = "enabled"
	}
	return c.JSON(http.StatusOK, PingResponse{
		Status:      "ok",
		Version:     version.GetInfo(),
		Integration: integration,
	})
}

// PingHead returns 200 No Content for health checks.
func (h *PingHandler) PingHead(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}
