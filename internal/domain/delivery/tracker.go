package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"medinotify/internal/common"
	"medinotify/internal/domain/template"
)

// ErrInvalidTransition is returned when an operation does not apply to the
// record's current status.
var ErrInvalidTransition = errors.New("invalid delivery state transition")

// TrackerConfig configures retries and statistics.
type TrackerConfig struct {
	MaxRetries int
	// RetryDelays is the backoff table; the n-th retry waits RetryDelays[n-1].
	RetryDelays []time.Duration
	// CheckInterval is how often Run looks for due retries.
	CheckInterval time.Duration
	// WindowSize bounds the rolling window of delivery times.
	WindowSize int
	// SendTimeout bounds a single transport call.
	SendTimeout time.Duration
	Now         func() time.Time
}

// Tracker owns every delivery record it creates and is the only component
// that changes their status.
type Tracker struct {
	mu         sync.Mutex
	records    map[string]*Record
	byMessage  map[string]string
	transports map[template.Channel]Transport
	store      RecordStore
	sinks      []FailureSink
	cfg        TrackerConfig

	window     []time.Duration
	windowNext int
	windowFull bool
}

// NewTracker creates a tracker. store may be nil.
func NewTracker(cfg TrackerConfig, store RecordStore, transports ...Transport) *Tracker {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if len(cfg.RetryDelays) == 0 {
		cfg.RetryDelays = []time.Duration{30 * time.Second, 2 * time.Minute, 10 * time.Minute}
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 10 * time.Second
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 1000
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	tm := make(map[template.Channel]Transport, len(transports))
	for _, t := range transports {
		tm[t.Channel()] = t
	}

	return &Tracker{
		records:    make(map[string]*Record),
		byMessage:  make(map[string]string),
		transports: tm,
		store:      store,
		cfg:        cfg,
		window:     make([]time.Duration, cfg.WindowSize),
	}
}

// AddFailureSink registers an observer for failed_final records.
func (t *Tracker) AddFailureSink(sink FailureSink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sinks = append(t.sinks, sink)
}

// Create registers a pending record.
func (t *Tracker) Create(ctx context.Context, nr NewRecord) (*Record, error) {
	if nr.Recipient == "" {
		return nil, common.NewValidationError("recipient is required")
	}
	if !nr.Channel.IsValid() {
		return nil, common.NewValidationError(fmt.Sprintf("unsupported channel: %q", nr.Channel))
	}
	if nr.Content == nil {
		return nil, common.NewValidationError("content is required")
	}
	if nr.RetryOwner == "" {
		nr.RetryOwner = RetryOwnerTracker
	}

	now := t.cfg.Now().UTC()
	rec := &Record{
		ID:             uuid.NewString(),
		NotificationID: nr.NotificationID,
		UserID:         nr.UserID,
		Recipient:      nr.Recipient,
		Channel:        nr.Channel,
		TemplateType:   nr.TemplateType,
		Priority:       nr.Priority,
		Status:         StatusPending,
		RetryOwner:     nr.RetryOwner,
		Segments:       nr.Content.Segments,
		CreatedAt:      now,
		UpdatedAt:      now,
		Metadata:       nr.Metadata,
		content:        nr.Content,
	}

	t.mu.Lock()
	t.records[rec.ID] = rec
	snap := rec.clone()
	t.mu.Unlock()

	t.persist(ctx, snap)
	return snap, nil
}

// Attempt sends the record's content through its channel transport.
// Only pending and retry_scheduled records can be attempted. On failure the
// returned error is a *common.TransportError and the record is either
// scheduled for retry or failed for good.
func (t *Tracker) Attempt(ctx context.Context, id string) (*Record, error) {
	t.mu.Lock()
	rec, ok := t.records[id]
	if !ok {
		t.mu.Unlock()
		return nil, common.NewNotFoundError("delivery", id)
	}
	if rec.Status != StatusPending && rec.Status != StatusRetryScheduled {
		status := rec.Status
		t.mu.Unlock()
		return nil, fmt.Errorf("attempting delivery %s in status %s: %w", id, status, ErrInvalidTransition)
	}
	rec.Status = StatusAttempting
	rec.Attempts++
	rec.NextAttemptAt = nil
	rec.UpdatedAt = t.cfg.Now().UTC()
	content := rec.content
	recipient := rec.Recipient
	transport := t.transports[rec.Channel]
	snap := rec.clone()
	t.mu.Unlock()

	t.persist(ctx, snap)

	var (
		res     *SendResult
		sendErr error
	)
	if transport == nil {
		sendErr = common.NewPermanentTransportError(string(snap.Channel), "no_transport", "no transport configured for channel")
	} else {
		sendCtx, cancel := context.WithTimeout(ctx, t.cfg.SendTimeout)
		res, sendErr = transport.Send(sendCtx, recipient, content)
		cancel()
	}

	if sendErr == nil {
		return t.markSent(ctx, id, res)
	}
	return t.markFailedAttempt(ctx, id, Classify(string(snap.Channel), sendErr))
}

// settledLocked reports whether rec left attempting while its send was in
// flight, which happens when Fail finalized it. The record keeps its status;
// a late send result only contributes its message id and cost.
func (t *Tracker) settledLocked(rec *Record, res *SendResult) bool {
	if rec.Status == StatusAttempting {
		return false
	}
	if res != nil {
		if rec.MessageID == "" && res.MessageID != "" {
			rec.MessageID = res.MessageID
			t.byMessage[res.MessageID] = rec.ID
		}
		rec.Cost += res.Cost
	}
	return true
}

func (t *Tracker) lateOutcome(ctx context.Context, snap *Record, outcome string, cause error) (*Record, error) {
	t.persist(ctx, snap)
	slog.Warn("late attempt outcome ignored",
		"delivery_id", snap.ID,
		"status", snap.Status,
		"outcome", outcome,
		"message_id", snap.MessageID,
		"error", cause,
	)
	return snap, fmt.Errorf("%s result for delivery %s in status %s: %w", outcome, snap.ID, snap.Status, ErrInvalidTransition)
}

func (t *Tracker) markSent(ctx context.Context, id string, res *SendResult) (*Record, error) {
	t.mu.Lock()
	rec := t.records[id]
	if t.settledLocked(rec, res) {
		snap := rec.clone()
		t.mu.Unlock()
		return t.lateOutcome(ctx, snap, "sent", nil)
	}
	now := t.cfg.Now().UTC()
	rec.Status = StatusSent
	rec.SentAt = &now
	rec.UpdatedAt = now
	rec.LastError = ""
	rec.ErrorCode = ""
	if res != nil {
		rec.MessageID = res.MessageID
		rec.Provider = res.Provider
		rec.Cost += res.Cost
		if res.MessageID != "" {
			t.byMessage[res.MessageID] = id
		}
	}
	snap := rec.clone()
	t.mu.Unlock()

	t.persist(ctx, snap)
	slog.Info("delivery sent",
		"delivery_id", id,
		"channel", snap.Channel,
		"provider", snap.Provider,
		"message_id", snap.MessageID,
		"attempts", snap.Attempts,
	)
	return snap, nil
}

func (t *Tracker) markFailedAttempt(ctx context.Context, id string, terr *common.TransportError) (*Record, error) {
	t.mu.Lock()
	rec := t.records[id]
	if t.settledLocked(rec, nil) {
		snap := rec.clone()
		t.mu.Unlock()
		return t.lateOutcome(ctx, snap, "failed", terr)
	}
	now := t.cfg.Now().UTC()
	rec.LastError = terr.Message
	rec.ErrorCode = terr.Code
	rec.UpdatedAt = now
	if terr.Provider != "" && rec.Provider == "" {
		rec.Provider = terr.Provider
	}

	retry := terr.Temporary &&
		(rec.RetryOwner == RetryOwnerQueue || rec.Attempts <= t.cfg.MaxRetries)

	var sinks []FailureSink
	if retry {
		rec.Status = StatusRetryScheduled
		if rec.RetryOwner == RetryOwnerTracker {
			next := now.Add(t.delay(rec.Attempts))
			rec.NextAttemptAt = &next
		}
	} else {
		rec.Status = StatusFailedFinal
		rec.FailedAt = &now
		sinks = append(sinks, t.sinks...)
	}
	snap := rec.clone()
	t.mu.Unlock()

	t.persist(ctx, snap)

	if retry {
		slog.Warn("delivery attempt failed, retry scheduled",
			"delivery_id", id,
			"attempts", snap.Attempts,
			"retry_owner", snap.RetryOwner,
			"next_attempt_at", snap.NextAttemptAt,
			"error", terr,
		)
	} else {
		t.reportFailure(ctx, snap, sinks, terr)
	}
	return snap, terr
}

func (t *Tracker) delay(attempt int) time.Duration {
	i := attempt - 1
	if i >= len(t.cfg.RetryDelays) {
		i = len(t.cfg.RetryDelays) - 1
	}
	if i < 0 {
		i = 0
	}
	return t.cfg.RetryDelays[i]
}

func (t *Tracker) reportFailure(ctx context.Context, snap *Record, sinks []FailureSink, cause error) {
	slog.Error("delivery failed",
		"delivery_id", snap.ID,
		"notification_id", snap.NotificationID,
		"channel", snap.Channel,
		"recipient", snap.Recipient,
		"attempts", snap.Attempts,
		"error_code", snap.ErrorCode,
		"error", cause,
	)
	for _, s := range sinks {
		s.ReportFailure(ctx, snap)
	}
}

// Fail moves a non-terminal record to failed_final. It is used when the
// queue gives up on a record it owns.
func (t *Tracker) Fail(ctx context.Context, id string, cause error) (*Record, error) {
	t.mu.Lock()
	rec, ok := t.records[id]
	if !ok {
		t.mu.Unlock()
		return nil, common.NewNotFoundError("delivery", id)
	}
	if rec.Status.Terminal() {
		snap := rec.clone()
		t.mu.Unlock()
		return snap, nil
	}
	now := t.cfg.Now().UTC()
	rec.Status = StatusFailedFinal
	rec.FailedAt = &now
	rec.UpdatedAt = now
	rec.NextAttemptAt = nil
	if cause != nil {
		rec.LastError = cause.Error()
	}
	sinks := append([]FailureSink(nil), t.sinks...)
	snap := rec.clone()
	t.mu.Unlock()

	t.persist(ctx, snap)
	t.reportFailure(ctx, snap, sinks, cause)
	return snap, nil
}

// webhookStatus maps provider status words onto record statuses.
// An empty result means the event carries no transition.
func webhookStatus(s string) Status {
	switch s {
	case "delivered":
		return StatusDelivered
	case "failed", "undelivered", "bounced", "rejected", "expired":
		return StatusFailedFinal
	}
	return ""
}

// HandleWebhook applies a provider status callback to the matching record.
func (t *Tracker) HandleWebhook(ctx context.Context, ev WebhookEvent) (*Record, error) {
	if ev.MessageID == "" {
		return nil, common.NewValidationError("messageId is required")
	}
	target := webhookStatus(ev.Status)

	t.mu.Lock()
	id, ok := t.byMessage[ev.MessageID]
	if !ok {
		t.mu.Unlock()
		return nil, common.NewNotFoundError("delivery message", ev.MessageID)
	}
	rec := t.records[id]

	if target == "" || rec.Status.Terminal() {
		snap := rec.clone()
		t.mu.Unlock()
		slog.Info("webhook event acknowledged without transition",
			"delivery_id", id,
			"message_id", ev.MessageID,
			"event_status", ev.Status,
			"record_status", snap.Status,
		)
		return snap, nil
	}
	if rec.Status != StatusSent {
		status := rec.Status
		t.mu.Unlock()
		return nil, common.NewConflictError(
			fmt.Sprintf("webhook %s for delivery %s in status %s", ev.Status, id, status), ErrInvalidTransition)
	}

	at := ev.Timestamp.UTC()
	if ev.Timestamp.IsZero() {
		at = t.cfg.Now().UTC()
	}
	rec.UpdatedAt = t.cfg.Now().UTC()
	rec.Status = target
	if ev.Provider != "" {
		rec.Provider = ev.Provider
	}

	var sinks []FailureSink
	switch target {
	case StatusDelivered:
		rec.DeliveredAt = &at
		if rec.SentAt != nil {
			t.observeLocked(at.Sub(*rec.SentAt))
		}
	case StatusFailedFinal:
		rec.FailedAt = &at
		rec.ErrorCode = ev.ErrorCode
		rec.LastError = "provider reported " + ev.Status
		sinks = append(sinks, t.sinks...)
	}
	snap := rec.clone()
	t.mu.Unlock()

	t.persist(ctx, snap)
	if target == StatusFailedFinal {
		t.reportFailure(ctx, snap, sinks, errors.New(snap.LastError))
	} else {
		slog.Info("delivery confirmed",
			"delivery_id", id,
			"message_id", ev.MessageID,
			"provider", snap.Provider,
		)
	}
	return snap, nil
}

func (t *Tracker) observeLocked(d time.Duration) {
	if d < 0 {
		d = 0
	}
	t.window[t.windowNext] = d
	t.windowNext = (t.windowNext + 1) % len(t.window)
	if t.windowNext == 0 {
		t.windowFull = true
	}
}

// RetryDue attempts every tracker-owned record whose retry time has come.
func (t *Tracker) RetryDue(ctx context.Context) int {
	now := t.cfg.Now()

	t.mu.Lock()
	var due []*Record
	for _, rec := range t.records {
		if rec.Status == StatusRetryScheduled &&
			rec.RetryOwner == RetryOwnerTracker &&
			rec.NextAttemptAt != nil && !rec.NextAttemptAt.After(now) {
			due = append(due, rec)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(*due[j].NextAttemptAt) })
	ids := make([]string, len(due))
	for i, rec := range due {
		ids[i] = rec.ID
	}
	t.mu.Unlock()

	for _, id := range ids {
		if _, err := t.Attempt(ctx, id); err != nil && !errors.As(err, new(*common.TransportError)) {
			slog.Warn("retry attempt skipped", "delivery_id", id, "error", err)
		}
	}
	return len(ids)
}

// Run re-checks due retries until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	slog.Info("delivery retry loop started", "interval", t.cfg.CheckInterval)

	ticker := time.NewTicker(t.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("delivery retry loop stopped")
			return
		case <-ticker.C:
			if n := t.RetryDue(ctx); n > 0 {
				slog.Info("delivery retries attempted", "count", n)
			}
		}
	}
}

// Get returns a copy of the record.
func (t *Tracker) Get(id string) (*Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[id]
	if !ok {
		return nil, common.NewNotFoundError("delivery", id)
	}
	return rec.clone(), nil
}

// GetByMessageID returns a copy of the record for a provider message id.
func (t *Tracker) GetByMessageID(messageID string) (*Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.byMessage[messageID]
	if !ok {
		return nil, common.NewNotFoundError("delivery message", messageID)
	}
	return t.records[id].clone(), nil
}

func (t *Tracker) persist(ctx context.Context, snap *Record) {
	if t.store == nil {
		return
	}
	if err := t.store.Save(ctx, snap); err != nil {
		slog.Warn("failed to persist delivery record",
			"delivery_id", snap.ID,
			"status", snap.Status,
			"error", err,
		)
	}
}
