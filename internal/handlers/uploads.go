package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/streamsync/internal/queue"
)

// Snapshotter lists queued and running uploads.
type Snapshotter interface {
	Snapshot() []queue.JobStatus
}

// UploadsResponse is the body of GET /uploads.
type UploadsResponse struct {
	Items []queue.JobStatus `json:"items"`
}

// UploadsHandler reports background upload progress.
type UploadsHandler struct {
	queue  Snapshotter
	logger *slog.Logger
}

func NewUploadsHandler(log *slog.Logger, q Snapshotter) *UploadsHandler {
	return &UploadsHandler{
		queue:  q,
		logger: log.With(slog.String("handler", "uploads")),
	}
}

func (h *UploadsHandler) Register(e *echo.Echo) {
	e.GET("/uploads", h.List)
}

// List godoc
// @Summary List in-flight uploads
// @Tags uploads
// @Success 200 {object} UploadsResponse
// @Router /uploads [get]
func (h *UploadsHandler) List(c echo.Context) error {
	return c.JSON(http.StatusOK, UploadsResponse{Items: h.queue.Snapshot()})
}
