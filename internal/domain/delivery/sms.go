package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"medinotify/internal/common"
	"medinotify/internal/domain/template"
)

var phonePattern = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

// Renderer renders a template for one recipient.
type Renderer interface {
	Render(ctx context.Context, req *template.RenderRequest) (*template.RenderResult, error)
}

// ContentShaper applies channel post-processing to raw content.
type ContentShaper interface {
	Process(channel template.Channel, content template.RenderedContent, meta template.ProcessMeta) (template.RenderedContent, error)
}

// RecipientLimiter caps sends per recipient.
type RecipientLimiter interface {
	Allow(ctx context.Context, recipient string) (bool, error)
}

// SMSConfig configures single and bulk SMS sending.
type SMSConfig struct {
	// BatchSize bounds both the chunk size and the in-flight sends of a bulk run.
	BatchSize int
	// MessagesPerSecond paces individual sends across a bulk run.
	MessagesPerSecond float64
	// InterBatchDelay is slept between consecutive chunks.
	InterBatchDelay time.Duration
	Now             func() time.Time
}

// SMSRequest asks for one SMS, either rendered from a template or a raw message.
type SMSRequest struct {
	TemplateID     string         `json:"templateId,omitempty"`
	Message        string         `json:"message,omitempty"`
	To             string         `json:"to" binding:"required"`
	UserID         string         `json:"userId" binding:"required"`
	UserRole       string         `json:"userRole,omitempty"`
	NotificationID string         `json:"notificationId,omitempty"`
	Priority       string         `json:"priority,omitempty"`
	Language       string         `json:"language,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// SMSResult reports the outcome of one SMS send.
type SMSResult struct {
	DeliveryID     string  `json:"deliveryId"`
	MessageID      string  `json:"messageId,omitempty"`
	Provider       string  `json:"provider,omitempty"`
	Cost           float64 `json:"cost"`
	DeliveryTimeMs int64   `json:"deliveryTime"`
	Status         Status  `json:"status"`
	Segments       int     `json:"segments"`
	Truncated      bool    `json:"truncated"`
}

// BulkRecipient is one addressee of a bulk send.
type BulkRecipient struct {
	To             string         `json:"to" binding:"required"`
	UserID         string         `json:"userId" binding:"required"`
	UserRole       string         `json:"userRole,omitempty"`
	NotificationID string         `json:"notificationId,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
}

// BulkTemplate is the content shared by every recipient of a bulk send.
type BulkTemplate struct {
	TemplateID string         `json:"templateId,omitempty"`
	Message    string         `json:"message,omitempty"`
	Priority   string         `json:"priority,omitempty"`
	Language   string         `json:"language,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

// BulkResult is the per-recipient outcome inside a BulkSummary.
type BulkResult struct {
	To         string  `json:"to"`
	Success    bool    `json:"success"`
	DeliveryID string  `json:"deliveryId,omitempty"`
	MessageID  string  `json:"messageId,omitempty"`
	Status     Status  `json:"status,omitempty"`
	Cost       float64 `json:"cost"`
	Error      string  `json:"error,omitempty"`
}

// BulkSummary aggregates a bulk send.
type BulkSummary struct {
	TotalRecipients int          `json:"totalRecipients"`
	SuccessCount    int          `json:"successCount"`
	FailureCount    int          `json:"failureCount"`
	TotalCost       float64      `json:"totalCost"`
	Results         []BulkResult `json:"results"`
	Batches         int          `json:"batches"`
	StartedAt       time.Time    `json:"startedAt"`
	CompletedAt     time.Time    `json:"completedAt"`
	DurationMs      int64        `json:"durationMs"`
}

// SMSService renders, tracks and sends SMS messages.
type SMSService struct {
	renderer Renderer
	shaper   ContentShaper
	tracker  *Tracker
	limiter  RecipientLimiter
	cfg      SMSConfig
}

// NewSMSService creates an SMS service. limiter may be nil.
func NewSMSService(renderer Renderer, shaper ContentShaper, tracker *Tracker, limiter RecipientLimiter, cfg SMSConfig) *SMSService {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = 10
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &SMSService{
		renderer: renderer,
		shaper:   shaper,
		tracker:  tracker,
		limiter:  limiter,
		cfg:      cfg,
	}
}

// SendOptimizedSMS shapes and sends one SMS. A transient failure is not an
// error: the record is left in retry_scheduled and the result says so.
func (s *SMSService) SendOptimizedSMS(ctx context.Context, req SMSRequest) (*SMSResult, error) {
	if err := validateSMS(req.To, req.UserID, req.TemplateID, req.Message); err != nil {
		return nil, err
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(ctx, req.To)
		if err != nil {
			slog.Warn("rate limit check failed, proceeding without limit", "recipient", req.To, "error", err)
		} else if !allowed {
			return nil, common.NewValidationError(fmt.Sprintf("rate limit exceeded for recipient: %s", req.To))
		}
	}

	start := s.cfg.Now()

	content, err := s.content(ctx, req)
	if err != nil {
		return nil, err
	}

	rec, err := s.tracker.Create(ctx, NewRecord{
		NotificationID: req.NotificationID,
		UserID:         req.UserID,
		Recipient:      req.To,
		Channel:        template.ChannelSMS,
		TemplateType:   req.TemplateID,
		Priority:       req.Priority,
		RetryOwner:     RetryOwnerTracker,
		Content:        content,
		Metadata:       req.Metadata,
	})
	if err != nil {
		return nil, err
	}

	rec, err = s.tracker.Attempt(ctx, rec.ID)
	if rec == nil {
		return nil, err
	}

	result := &SMSResult{
		DeliveryID:     rec.ID,
		MessageID:      rec.MessageID,
		Provider:       rec.Provider,
		Cost:           rec.Cost,
		DeliveryTimeMs: s.cfg.Now().Sub(start).Milliseconds(),
		Status:         rec.Status,
		Segments:       content.Segments,
		Truncated:      content.Truncated,
	}
	if rec.Status == StatusRetryScheduled {
		return result, nil
	}
	return result, err
}

func (s *SMSService) content(ctx context.Context, req SMSRequest) (*template.RenderedContent, error) {
	if req.TemplateID != "" {
		res, err := s.renderer.Render(ctx, &template.RenderRequest{
			TemplateType: req.TemplateID,
			Channel:      template.ChannelSMS,
			UserRole:     req.UserRole,
			UserID:       req.UserID,
			Language:     req.Language,
			Priority:     req.Priority,
			Data:         req.Data,
			Context:      req.Context,
		})
		if err != nil {
			return nil, fmt.Errorf("rendering sms template %s: %w", req.TemplateID, err)
		}
		return &res.Content, nil
	}

	shaped, err := s.shaper.Process(template.ChannelSMS, template.RenderedContent{Body: req.Message}, template.ProcessMeta{
		Priority: req.Priority,
		Data:     req.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("shaping sms message: %w", err)
	}
	return &shaped, nil
}

// ValidPhone reports whether s is an E.164 phone number.
func ValidPhone(s string) bool {
	return phonePattern.MatchString(s)
}

func validateSMS(to, userID, templateID, message string) error {
	if !ValidPhone(to) {
		return common.NewValidationError(fmt.Sprintf("invalid phone number %q: expected E.164 format", to))
	}
	if strings.TrimSpace(userID) == "" {
		return common.NewValidationError("userId is required")
	}
	hasTemplate := strings.TrimSpace(templateID) != ""
	hasMessage := strings.TrimSpace(message) != ""
	if hasTemplate == hasMessage {
		return common.NewValidationError("exactly one of templateId or message is required")
	}
	return nil
}

// SendBulk sends tmpl to every recipient in chunks of BatchSize. Sends within
// a chunk run concurrently, each paced by a shared limiter; chunks are
// separated by InterBatchDelay. Individual failures never stop the run.
func (s *SMSService) SendBulk(ctx context.Context, recipients []BulkRecipient, tmpl BulkTemplate) (*BulkSummary, error) {
	if len(recipients) == 0 {
		return nil, common.NewValidationError("at least one recipient is required")
	}
	hasTemplate := strings.TrimSpace(tmpl.TemplateID) != ""
	hasMessage := strings.TrimSpace(tmpl.Message) != ""
	if hasTemplate == hasMessage {
		return nil, common.NewValidationError("exactly one of templateId or message is required")
	}

	summary := &BulkSummary{
		TotalRecipients: len(recipients),
		Results:         make([]BulkResult, len(recipients)),
		StartedAt:       s.cfg.Now().UTC(),
	}
	pace := rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), 1)

	for startIdx := 0; startIdx < len(recipients); startIdx += s.cfg.BatchSize {
		endIdx := min(startIdx+s.cfg.BatchSize, len(recipients))

		if startIdx > 0 && s.cfg.InterBatchDelay > 0 {
			if err := sleepCtx(ctx, s.cfg.InterBatchDelay); err != nil {
				s.abandon(summary, recipients, startIdx, err)
				break
			}
		}
		summary.Batches++

		var g errgroup.Group
		g.SetLimit(s.cfg.BatchSize)
		var mu sync.Mutex
		for i := startIdx; i < endIdx; i++ {
			g.Go(func() error {
				r := s.sendOne(ctx, pace, recipients[i], tmpl)
				mu.Lock()
				summary.Results[i] = r
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		slog.Info("sms batch completed",
			"batch", summary.Batches,
			"from", startIdx,
			"to", endIdx,
		)
	}

	for _, r := range summary.Results {
		if r.Success {
			summary.SuccessCount++
		} else {
			summary.FailureCount++
		}
		summary.TotalCost += r.Cost
	}
	summary.CompletedAt = s.cfg.Now().UTC()
	summary.DurationMs = summary.CompletedAt.Sub(summary.StartedAt).Milliseconds()

	slog.Info("bulk sms completed",
		"total", summary.TotalRecipients,
		"success", summary.SuccessCount,
		"failed", summary.FailureCount,
		"total_cost", summary.TotalCost,
		"duration_ms", summary.DurationMs,
	)
	return summary, nil
}

func (s *SMSService) sendOne(ctx context.Context, pace *rate.Limiter, r BulkRecipient, tmpl BulkTemplate) BulkResult {
	out := BulkResult{To: r.To}
	if err := pace.Wait(ctx); err != nil {
		out.Error = err.Error()
		return out
	}

	data := make(map[string]any, len(tmpl.Data)+len(r.Data))
	for k, v := range tmpl.Data {
		data[k] = v
	}
	for k, v := range r.Data {
		data[k] = v
	}

	res, err := s.SendOptimizedSMS(ctx, SMSRequest{
		TemplateID:     tmpl.TemplateID,
		Message:        tmpl.Message,
		To:             r.To,
		UserID:         r.UserID,
		UserRole:       r.UserRole,
		NotificationID: r.NotificationID,
		Priority:       tmpl.Priority,
		Language:       tmpl.Language,
		Data:           data,
		Context:        tmpl.Context,
	})
	if res != nil {
		out.DeliveryID = res.DeliveryID
		out.MessageID = res.MessageID
		out.Status = res.Status
		out.Cost = res.Cost
	}
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.Success = res.Status == StatusSent
	if !out.Success {
		out.Error = "retry scheduled"
	}
	return out
}

func (s *SMSService) abandon(summary *BulkSummary, recipients []BulkRecipient, from int, cause error) {
	for i := from; i < len(recipients); i++ {
		summary.Results[i] = BulkResult{To: recipients[i].To, Error: cause.Error()}
	}
	slog.Warn("bulk sms interrupted", "remaining", len(recipients)-from, "error", cause)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
