package notification

import (
	"time"

	"medinotify/internal/domain/template"
)

// Enqueue outcomes reported in SendResponse.Status.
const (
	StatusQueued    = "queued"
	StatusDuplicate = "duplicate"
)

// SendRequest is the API request payload for sending a notification.
type SendRequest struct {
	TemplateType string           `json:"template_type" binding:"required"`
	Channel      template.Channel `json:"channel" binding:"required,oneof=email sms websocket"`
	// To is the channel address. Websocket notifications default it to UserID.
	To             string           `json:"to"`
	UserID         string           `json:"user_id" binding:"required"`
	UserRole       string           `json:"user_role"`
	Language       string           `json:"language,omitempty"`
	Priority       string           `json:"priority,omitempty" binding:"omitempty,oneof=low normal high urgent"`
	ScheduledFor   *time.Time       `json:"scheduled_for,omitempty"`
	Data           map[string]any   `json:"data"`
	Context        map[string]any   `json:"context"`
	Options        template.Options `json:"options"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
}

// SendResponse is the API response payload after a notification is enqueued.
type SendResponse struct {
	ID             string     `json:"id"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	Channel        string     `json:"channel"`
	Status         string     `json:"status"`
	ScheduledFor   *time.Time `json:"scheduled_for,omitempty"`
}

// Job is the unit handed from the API to the dispatcher through asynq.
type Job struct {
	ID         string      `json:"id"`
	Request    SendRequest `json:"request"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
}

func (j *Job) renderRequest() *template.RenderRequest {
	r := j.Request
	return &template.RenderRequest{
		TemplateType: r.TemplateType,
		Channel:      r.Channel,
		UserRole:     r.UserRole,
		UserID:       r.UserID,
		Language:     r.Language,
		Priority:     r.Priority,
		Data:         r.Data,
		Context:      r.Context,
		Options:      r.Options,
	}
}
