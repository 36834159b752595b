package template

import (
	"log/slog"
	"net/http"

	"medinotify/internal/common"

	"github.com/gin-gonic/gin"
)

// Handler exposes render previews over HTTP.
type Handler struct {
	service *Service
}

// NewHandler creates a new template handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Render handles POST /api/v1/render
func (h *Handler) Render(c *gin.Context) {
	var req RenderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Error(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	result, err := h.service.Render(c.Request.Context(), &req)
	if err != nil {
		slog.Error("render failed",
			"error", err,
			"template_type", req.TemplateType,
			"channel", req.Channel,
			"user_id", req.UserID,
		)
		common.HandleError(c, err)
		return
	}

	common.Success(c, http.StatusOK, result)
}

// Stats handles GET /api/v1/render/stats
func (h *Handler) Stats(c *gin.Context) {
	common.Success(c, http.StatusOK, h.service.Stats())
}

// RegisterRoutes registers template routes to the given router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/render", h.Render)
	rg.GET("/render/stats", h.Stats)
}
