package delivery

import (
	"context"
	"time"

	"medinotify/internal/domain/template"
)

// Status is the state of a delivery record.
type Status string

const (
	StatusPending        Status = "pending"
	StatusAttempting     Status = "attempting"
	StatusSent           Status = "sent"
	StatusDelivered      Status = "delivered"
	StatusRetryScheduled Status = "retry_scheduled"
	StatusFailedFinal    Status = "failed_final"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailedFinal
}

// RetryOwner names the component that reschedules transient failures.
type RetryOwner string

const (
	// RetryOwnerTracker records are retried by the tracker's own loop.
	RetryOwnerTracker RetryOwner = "tracker"
	// RetryOwnerQueue records are retried by the notification queue.
	RetryOwnerQueue RetryOwner = "queue"
)

// Record tracks one send to one recipient.
type Record struct {
	ID             string           `json:"id"`
	NotificationID string           `json:"notification_id,omitempty"`
	UserID         string           `json:"user_id,omitempty"`
	Recipient      string           `json:"recipient"`
	Channel        template.Channel `json:"channel"`
	TemplateType   string           `json:"template_type,omitempty"`
	Priority       string           `json:"priority,omitempty"`

	Provider  string `json:"provider,omitempty"`
	MessageID string `json:"message_id,omitempty"`

	Status     Status     `json:"status"`
	Attempts   int        `json:"attempts"`
	RetryOwner RetryOwner `json:"retry_owner"`
	Cost       float64    `json:"cost"`
	Segments   int        `json:"segments,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	ErrorCode  string     `json:"error_code,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
	FailedAt      *time.Time `json:"failed_at,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	content *template.RenderedContent
}

func (r *Record) clone() *Record {
	out := *r
	out.content = nil
	out.SentAt = copyTime(r.SentAt)
	out.DeliveredAt = copyTime(r.DeliveredAt)
	out.FailedAt = copyTime(r.FailedAt)
	out.NextAttemptAt = copyTime(r.NextAttemptAt)
	if r.Metadata != nil {
		out.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// NewRecord describes a send about to be tracked.
type NewRecord struct {
	NotificationID string
	UserID         string
	Recipient      string
	Channel        template.Channel
	TemplateType   string
	Priority       string
	RetryOwner     RetryOwner
	Content        *template.RenderedContent
	Metadata       map[string]any
}

// SendResult is what a transport reports for an accepted message.
type SendResult struct {
	MessageID string
	Provider  string
	Cost      float64
}

// Transport delivers rendered content over one channel.
type Transport interface {
	Send(ctx context.Context, to string, content *template.RenderedContent) (*SendResult, error)
	Channel() template.Channel
}

// WebhookEvent is a provider status callback.
type WebhookEvent struct {
	MessageID string    `json:"messageId" binding:"required"`
	Status    string    `json:"status" binding:"required"`
	Timestamp time.Time `json:"timestamp"`
	Recipient string    `json:"recipient"`
	ErrorCode string    `json:"errorCode,omitempty"`
	Provider  string    `json:"provider"`
}

// RecordStore persists record snapshots. Saves are best-effort.
type RecordStore interface {
	Save(ctx context.Context, rec *Record) error
}

// History reads persisted records, including those from earlier runs.
type History interface {
	GetByID(ctx context.Context, id string) (*Record, error)
	ListFailed(ctx context.Context, limit int) ([]*Record, error)
}

// FailureSink observes every record that reaches failed_final.
type FailureSink interface {
	ReportFailure(ctx context.Context, rec *Record)
}

// SinkFunc adapts a function to FailureSink.
type SinkFunc func(ctx context.Context, rec *Record)

func (f SinkFunc) ReportFailure(ctx context.Context, rec *Record) { f(ctx, rec) }
