package delivery

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"

	"medinotify/internal/common"
)

// Handler handles HTTP requests for SMS sending, delivery lookups and
// provider webhooks.
type Handler struct {
	sms     *SMSService
	tracker *Tracker
	history History
}

// NewHandler creates a new delivery handler.
func NewHandler(sms *SMSService, tracker *Tracker) *Handler {
	return &Handler{sms: sms, tracker: tracker}
}

// WithHistory lets lookups fall back to persisted records.
func (h *Handler) WithHistory(history History) *Handler {
	h.history = history
	return h
}

// SendSMS handles POST /api/v1/sms
func (h *Handler) SendSMS(c *gin.Context) {
	var req SMSRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Error(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	res, err := h.sms.SendOptimizedSMS(c.Request.Context(), req)
	if err != nil {
		slog.Error("sms send failed",
			"error", err,
			"to", req.To,
			"template_id", req.TemplateID,
		)
		common.HandleError(c, err)
		return
	}

	status := http.StatusOK
	if res.Status == StatusRetryScheduled {
		status = http.StatusAccepted
	}
	common.Success(c, status, res)
}

type bulkRequest struct {
	Recipients []BulkRecipient `json:"recipients" binding:"required,min=1,dive"`
	Template   BulkTemplate    `json:"template"`
}

// SendBulkSMS handles POST /api/v1/sms/bulk
func (h *Handler) SendBulkSMS(c *gin.Context) {
	var req bulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Error(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	summary, err := h.sms.SendBulk(c.Request.Context(), req.Recipients, req.Template)
	if err != nil {
		common.HandleError(c, err)
		return
	}

	common.Success(c, http.StatusOK, summary)
}

// DeliveryWebhook handles POST /api/v1/webhooks/delivery
func (h *Handler) DeliveryWebhook(c *gin.Context) {
	var ev WebhookEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		common.Error(c, http.StatusBadRequest, "invalid webhook payload: "+err.Error())
		return
	}

	rec, err := h.tracker.HandleWebhook(c.Request.Context(), ev)
	if err != nil {
		slog.Error("webhook processing failed",
			"message_id", ev.MessageID,
			"status", ev.Status,
			"provider", ev.Provider,
			"error", err,
		)
		common.HandleError(c, err)
		return
	}

	common.Success(c, http.StatusOK, gin.H{"status": "processed", "delivery_status": rec.Status})
}

// ResendWebhook handles POST /api/v1/webhooks/resend
// Resend event types are mapped onto the generic webhook statuses.
func (h *Handler) ResendWebhook(c *gin.Context) {
	var event struct {
		Type      string    `json:"type"`
		CreatedAt time.Time `json:"created_at"`
		Data      struct {
			EmailID string   `json:"email_id"`
			To      []string `json:"to"`
		} `json:"data"`
	}

	if err := c.ShouldBindJSON(&event); err != nil {
		common.Error(c, http.StatusBadRequest, "invalid webhook payload: "+err.Error())
		return
	}

	var status string
	switch event.Type {
	case "email.delivered":
		status = "delivered"
	case "email.bounced":
		status = "bounced"
	case "email.complained":
		status = "rejected"
	default:
		slog.Info("ignoring webhook event", "type", event.Type)
		common.Success(c, http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	ev := WebhookEvent{
		MessageID: event.Data.EmailID,
		Status:    status,
		Timestamp: event.CreatedAt,
		Provider:  "resend",
	}
	if len(event.Data.To) > 0 {
		ev.Recipient = event.Data.To[0]
	}

	if _, err := h.tracker.HandleWebhook(c.Request.Context(), ev); err != nil {
		slog.Error("webhook processing failed",
			"event_type", event.Type,
			"email_id", event.Data.EmailID,
			"error", err,
		)
		common.HandleError(c, err)
		return
	}

	common.Success(c, http.StatusOK, gin.H{"status": "processed"})
}

// GetDelivery handles GET /api/v1/deliveries/:id
// Records unknown to this process are looked up in history.
func (h *Handler) GetDelivery(c *gin.Context) {
	id := c.Param("id")
	rec, err := h.tracker.Get(id)
	var nf *common.NotFoundError
	if errors.As(err, &nf) && h.history != nil {
		rec, err = h.history.GetByID(c.Request.Context(), id)
	}
	if err != nil {
		common.HandleError(c, err)
		return
	}
	common.Success(c, http.StatusOK, rec)
}

// ListFailed handles GET /api/v1/deliveries/failed?limit=
func (h *Handler) ListFailed(c *gin.Context) {
	if h.history == nil {
		common.Success(c, http.StatusOK, []*Record{})
		return
	}
	limit := cast.ToInt(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	recs, err := h.history.ListFailed(c.Request.Context(), limit)
	if err != nil {
		common.HandleError(c, err)
		return
	}
	common.Success(c, http.StatusOK, recs)
}

// Stats handles GET /api/v1/deliveries/stats
func (h *Handler) Stats(c *gin.Context) {
	common.Success(c, http.StatusOK, h.tracker.Stats())
}

// RegisterRoutes registers SMS and delivery routes to the given router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/sms", h.SendSMS)
	rg.POST("/sms/bulk", h.SendBulkSMS)
	rg.GET("/deliveries/stats", h.Stats)
	rg.GET("/deliveries/failed", h.ListFailed)
	rg.GET("/deliveries/:id", h.GetDelivery)
}

// RegisterWebhooks registers provider callbacks. They sit outside API key auth.
func (h *Handler) RegisterWebhooks(rg *gin.RouterGroup) {
	rg.POST("/webhooks/delivery", h.DeliveryWebhook)
	rg.POST("/webhooks/resend", h.ResendWebhook)
}
