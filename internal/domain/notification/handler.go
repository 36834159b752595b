package notification

import (
	"log/slog"
	"net/http"

	"medinotify/internal/common"
	"medinotify/internal/domain/queue"

	"github.com/gin-gonic/gin"
)

// StatsSource reports queue statistics.
type StatsSource interface {
	Stats() queue.Stats
}

// Handler handles HTTP requests for the notification domain.
type Handler struct {
	service *Service
	stats   StatsSource
}

// NewHandler creates a new notification handler.
func NewHandler(service *Service, stats StatsSource) *Handler {
	return &Handler{service: service, stats: stats}
}

// Send handles POST /api/v1/notifications
// Enqueues a notification for async processing and returns 202 Accepted.
func (h *Handler) Send(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Error(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	resp, err := h.service.Enqueue(c.Request.Context(), &req)
	if err != nil {
		slog.Error("enqueue notification failed",
			"error", err,
			"channel", req.Channel,
			"template_type", req.TemplateType,
			"to", req.To,
		)
		common.HandleError(c, err)
		return
	}

	common.Success(c, http.StatusAccepted, resp)
}

// QueueStats handles GET /api/v1/queue/stats
func (h *Handler) QueueStats(c *gin.Context) {
	common.Success(c, http.StatusOK, h.stats.Stats())
}

// RegisterRoutes registers notification routes to the given router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/notifications", h.Send)
	rg.GET("/queue/stats", h.QueueStats)
}
