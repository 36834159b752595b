package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"medinotify/internal/common"
	"medinotify/internal/domain/delivery"
	"medinotify/internal/domain/template"
)

// ErrDuplicate is returned by an Enqueuer when a job with the same id is
// already queued.
var ErrDuplicate = errors.New("notification already enqueued")

// idempotencyNamespace derives stable job ids from idempotency keys.
var idempotencyNamespace = uuid.MustParse("6f1c3b52-8a0e-4f7d-9a43-2d1e5c7b9f10")

// Enqueuer defines the contract for handing jobs to the dispatcher.
// This allows the service to be decoupled from the specific queue implementation.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *Job) error
}

// RecipientRateLimiter caps notifications per recipient. A limiter error
// lets the request through.
type RecipientRateLimiter interface {
	Allow(ctx context.Context, recipient string) (bool, error)
}

// Service validates send requests and hands them off for async delivery.
// In the async flow: validate → check rate limit → derive id → enqueue.
type Service struct {
	enqueuer    Enqueuer
	rateLimiter RecipientRateLimiter
	now         func() time.Time
}

// NewService creates a new notification service. rateLimiter may be nil.
func NewService(enqueuer Enqueuer, rateLimiter RecipientRateLimiter) *Service {
	return &Service{
		enqueuer:    enqueuer,
		rateLimiter: rateLimiter,
		now:         time.Now,
	}
}

// Enqueue validates a notification request, checks the recipient rate limit
// and enqueues it. Repeating an idempotency key yields the same id and
// status "duplicate" while the first job is still known to the queue.
func (s *Service) Enqueue(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	if err := normalize(req); err != nil {
		return nil, err
	}

	if s.rateLimiter != nil {
		allowed, err := s.rateLimiter.Allow(ctx, req.To)
		if err != nil {
			slog.Warn("rate limit check failed, proceeding without limit", "recipient", req.To, "error", err)
		} else if !allowed {
			return nil, common.NewValidationError(fmt.Sprintf("rate limit exceeded for recipient: %s", req.To))
		}
	}

	job := &Job{
		ID:         jobID(req.IdempotencyKey),
		Request:    *req,
		EnqueuedAt: s.now().UTC(),
	}

	resp := &SendResponse{
		ID:             job.ID,
		IdempotencyKey: req.IdempotencyKey,
		Channel:        string(req.Channel),
		Status:         StatusQueued,
		ScheduledFor:   req.ScheduledFor,
	}

	if err := s.enqueuer.Enqueue(ctx, job); err != nil {
		if errors.Is(err, ErrDuplicate) {
			slog.Info("idempotent request, job already enqueued",
				"id", job.ID,
				"idempotency_key", req.IdempotencyKey,
			)
			resp.Status = StatusDuplicate
			return resp, nil
		}
		return nil, fmt.Errorf("enqueuing notification: %w", err)
	}

	slog.Info("notification enqueued",
		"id", job.ID,
		"channel", req.Channel,
		"template_type", req.TemplateType,
		"to", req.To,
		"priority", req.Priority,
	)
	return resp, nil
}

func jobID(idempotencyKey string) string {
	if idempotencyKey == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(idempotencyNamespace, []byte(idempotencyKey)).String()
}

// normalize validates req in place and fills channel defaults.
func normalize(req *SendRequest) error {
	if strings.TrimSpace(req.TemplateType) == "" {
		return common.NewValidationError("template_type is required")
	}
	if strings.TrimSpace(req.UserID) == "" {
		return common.NewValidationError("user_id is required")
	}
	if req.Priority == "" {
		req.Priority = "normal"
	}

	switch req.Channel {
	case template.ChannelEmail:
		addr, err := mail.ParseAddress(req.To)
		if err != nil {
			return common.NewValidationError(fmt.Sprintf("invalid email recipient %q", req.To))
		}
		req.To = addr.Address
	case template.ChannelSMS:
		if !delivery.ValidPhone(req.To) {
			return common.NewValidationError(fmt.Sprintf("invalid phone number %q: expected E.164 format", req.To))
		}
	case template.ChannelWebSocket:
		if req.To == "" {
			req.To = req.UserID
		}
	default:
		return common.NewValidationError(fmt.Sprintf("unsupported channel: %q", req.Channel))
	}
	return nil
}
