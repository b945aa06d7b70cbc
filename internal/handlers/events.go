package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/memohai/streamsync/internal/assets"
	"github.com/memohai/streamsync/internal/mirror"
)

// CMS event names accepted on POST /events. files.delete must be sent before
// the file row is removed; the media id is read from its metadata.
const (
	EventFilesUpload = "files.upload"
	EventFilesUpdate = "files.update"
	EventFilesDelete = "files.delete"
)

// Mirror is the part of mirror.Service the event handler drives.
type Mirror interface {
	HandleUpload(ctx context.Context, acc assets.Accountability, key string) mirror.UploadResult
	HandleUpdate(ctx context.Context, acc assets.Accountability, keys []string) []mirror.UploadResult
	HandleDelete(ctx context.Context, acc assets.Accountability, keys []string) mirror.DeleteReport
}

// EventRequest is the webhook body sent by the CMS. Upload events carry Key,
// update and delete events carry Keys; both are accepted for every event.
type EventRequest struct {
	Event          string                `json:"event"`
	Key            string                `json:"key,omitempty"`
	Keys           []string              `json:"keys,omitempty"`
	Accountability assets.Accountability `json:"accountability"`
}

// UploadEventResponse answers files.upload and files.update.
type UploadEventResponse struct {
	Event   string                `json:"event"`
	Results []mirror.UploadResult `json:"results"`
}

// DeleteEventResponse answers files.delete.
type DeleteEventResponse struct {
	Event   string                `json:"event"`
	Results []mirror.DeleteResult `json:"results"`
}

// EventsHandler receives CMS file events.
type EventsHandler struct {
	mirror Mirror
	logger *slog.Logger
}

// NewEventsHandler creates the event handler.
func NewEventsHandler(log *slog.Logger, m Mirror) *EventsHandler {
	return &EventsHandler{
		mirror: m,
		logger: log.With(slog.String("handler", "events")),
	}
}

// Register mounts POST /events.
func (h *EventsHandler) Register(e *echo.Echo) {
	e.POST("/events", h.Handle)
}

// Handle godoc
// @Summary Receive a CMS file event
// @Description Upload and update events queue background uploads and return immediately; delete events remove the remote copies
// @Tags events
// @Param payload body EventRequest true "Event payload"
// @Success 202 {object} UploadEventResponse
// @Success 200 {object} DeleteEventResponse
// @Failure 400 {object} ErrorResponse
// @Router /events [post]
func (h *EventsHandler) Handle(c echo.Context) error {
	var req EventRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	event := strings.TrimSpace(req.Event)
	keys := normalizeKeys(req.Key, req.Keys)
	if len(keys) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "key or keys is required")
	}
	ctx := c.Request().Context()
	h.logger.Debug("event received", slog.String("event", event), slog.Int("keys", len(keys)))

	switch event {
	case EventFilesUpload:
		results := make([]mirror.UploadResult, 0, len(keys))
		for _, key := range keys {
			results = append(results, h.mirror.HandleUpload(ctx, req.Accountability, key))
		}
		return c.JSON(http.StatusAccepted, UploadEventResponse{Event: event, Results: results})
	case EventFilesUpdate:
		results := h.mirror.HandleUpdate(ctx, req.Accountability, keys)
		return c.JSON(http.StatusAccepted, UploadEventResponse{Event: event, Results: results})
	case EventFilesDelete:
		report := h.mirror.HandleDelete(ctx, req.Accountability, keys)
		return c.JSON(http.StatusOK, DeleteEventResponse{Event: event, Results: report.Results})
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unsupported event: "+event)
	}
}

// normalizeKeys merges key and keys, trimming blanks and duplicates while
// keeping the first-seen order.
func normalizeKeys(key string, keys []string) []string {
	seen := make(map[string]struct{}, len(keys)+1)
	out := make([]string, 0, len(keys)+1)
	for _, k := range append([]string{key}, keys...) {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
