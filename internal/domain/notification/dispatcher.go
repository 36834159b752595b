package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"medinotify/internal/common"
	"medinotify/internal/domain/delivery"
	"medinotify/internal/domain/queue"
)

// DispatcherConfig configures the dispatcher workers.
type DispatcherConfig struct {
	// Concurrency is the number of worker goroutines polling the queue.
	Concurrency int
	// PollInterval is how long an idle worker waits before polling again.
	PollInterval time.Duration
	// ClaimBatch is how many items a worker claims per poll.
	ClaimBatch int
}

// Dispatcher drains the notification queue: it renders each job, creates
// the delivery record and attempts it. Transient failures go back to the
// queue's backoff table; everything else completes the item.
type Dispatcher struct {
	queue    *queue.Queue[Job]
	renderer delivery.Renderer
	tracker  *delivery.Tracker
	cfg      DispatcherConfig

	mu         sync.Mutex
	deliveries map[string]string // queue item id → delivery id
}

// NewDispatcher creates a dispatcher that owns a new queue built from qcfg.
func NewDispatcher(renderer delivery.Renderer, tracker *delivery.Tracker, qcfg queue.Config, cfg DispatcherConfig, opts ...queue.Option[Job]) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = 1
	}

	d := &Dispatcher{
		renderer:   renderer,
		tracker:    tracker,
		cfg:        cfg,
		deliveries: make(map[string]string),
	}
	opts = append(opts, queue.WithOnExhausted[Job](d.onExhausted))
	d.queue = queue.New[Job](qcfg, opts...)
	return d
}

// Queue exposes the underlying queue for the reaper and stats.
func (d *Dispatcher) Queue() *queue.Queue[Job] {
	return d.queue
}

// Submit adds job to the queue with its requested priority and schedule.
func (d *Dispatcher) Submit(job *Job) string {
	opts := queue.AddOptions{Priority: queue.ParsePriority(job.Request.Priority)}
	if job.Request.ScheduledFor != nil {
		opts.ScheduledFor = *job.Request.ScheduledFor
	}
	itemID := d.queue.Add(*job, opts)

	slog.Debug("job queued",
		"job_id", job.ID,
		"item_id", itemID,
		"priority", opts.Priority,
		"scheduled_for", opts.ScheduledFor,
	)
	return itemID
}

// HandleTask is the asynq handler for notification:send tasks. It only
// moves the job into the in-process queue; delivery happens in Run.
func (d *Dispatcher) HandleTask(_ context.Context, t *asynq.Task) error {
	job, err := ParseSendNotificationPayload(t.Payload())
	if err != nil {
		slog.Error("discarding malformed notification task", "error", err)
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	d.Submit(job)
	return nil
}

// Run starts the worker goroutines. It blocks until ctx is cancelled and
// every worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	slog.Info("dispatcher starting",
		"concurrency", d.cfg.Concurrency,
		"poll_interval", d.cfg.PollInterval,
	)

	var wg sync.WaitGroup
	for range d.cfg.Concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.dequeueLoop(ctx)
		}()
	}
	wg.Wait()

	slog.Info("dispatcher stopped")
}

func (d *Dispatcher) dequeueLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		items := d.queue.GetNext(d.cfg.ClaimBatch)
		if len(items) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.cfg.PollInterval):
			}
			continue
		}

		for _, item := range items {
			d.Process(ctx, item)
		}
	}
}

// Process handles one claimed item and settles it with the queue.
func (d *Dispatcher) Process(ctx context.Context, item *queue.Item[Job]) {
	start := time.Now()
	job := &item.Payload

	deliveryID, err := d.deliveryFor(ctx, item)
	if err != nil {
		if isPermanentRenderError(err) {
			slog.Error("dropping notification that cannot be rendered",
				"job_id", job.ID,
				"template_type", job.Request.TemplateType,
				"channel", job.Request.Channel,
				"error", err,
			)
			d.queue.MarkProcessed(item.ID)
			return
		}
		slog.Warn("preparing notification failed", "job_id", job.ID, "error", err)
		d.queue.MarkFailed(item.ID, err)
		return
	}

	rec, err := d.tracker.Attempt(ctx, deliveryID)
	switch {
	case err == nil:
		d.complete(item.ID)
		slog.Info("notification sent",
			"job_id", job.ID,
			"delivery_id", deliveryID,
			"channel", rec.Channel,
			"provider", rec.Provider,
			"retry_count", item.RetryCount,
			"duration", time.Since(start),
		)

	case common.IsTransient(err):
		d.queue.MarkFailed(item.ID, err)

	case errors.Is(err, delivery.ErrInvalidTransition):
		d.settleConflict(item, deliveryID, err)

	default:
		// The tracker has already moved the record to failed_final.
		d.complete(item.ID)
	}
}

// deliveryFor returns the delivery record for item, creating it on the
// first attempt. Retries reuse the record so attempts accumulate there.
func (d *Dispatcher) deliveryFor(ctx context.Context, item *queue.Item[Job]) (string, error) {
	d.mu.Lock()
	id, ok := d.deliveries[item.ID]
	d.mu.Unlock()
	if ok {
		return id, nil
	}

	job := &item.Payload
	res, err := d.renderer.Render(ctx, job.renderRequest())
	if err != nil {
		return "", fmt.Errorf("rendering %s for %s: %w", job.Request.TemplateType, job.Request.Channel, err)
	}

	rec, err := d.tracker.Create(ctx, delivery.NewRecord{
		NotificationID: job.ID,
		UserID:         job.Request.UserID,
		Recipient:      job.Request.To,
		Channel:        job.Request.Channel,
		TemplateType:   job.Request.TemplateType,
		Priority:       job.Request.Priority,
		RetryOwner:     delivery.RetryOwnerQueue,
		Content:        &res.Content,
		Metadata: map[string]any{
			"template_id": res.TemplateID,
			"language":    res.Metadata.Language,
			"ab_group":    res.Metadata.ABGroup,
		},
	})
	if err != nil {
		return "", err
	}

	d.mu.Lock()
	d.deliveries[item.ID] = rec.ID
	d.mu.Unlock()
	return rec.ID, nil
}

// settleConflict handles an item whose record was not attemptable, which
// happens when a reclaimed item races the worker that still holds it.
func (d *Dispatcher) settleConflict(item *queue.Item[Job], deliveryID string, cause error) {
	rec, err := d.tracker.Get(deliveryID)
	if err == nil && rec.Status == delivery.StatusAttempting {
		d.queue.MarkFailed(item.ID, cause)
		return
	}
	status := delivery.Status("")
	if rec != nil {
		status = rec.Status
	}
	slog.Warn("queue item settled by record state",
		"item_id", item.ID,
		"delivery_id", deliveryID,
		"status", status,
	)
	d.complete(item.ID)
}

func (d *Dispatcher) complete(itemID string) {
	d.queue.MarkProcessed(itemID)
	d.forget(itemID)
}

func (d *Dispatcher) forget(itemID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.deliveries[itemID]
	delete(d.deliveries, itemID)
	return id
}

// onExhausted hands queue exhaustion to the tracker so the record reaches
// failed_final and the failure sinks hear about it.
func (d *Dispatcher) onExhausted(item queue.Item[Job], cause error) {
	deliveryID := d.forget(item.ID)
	if deliveryID == "" {
		slog.Error("notification abandoned before a delivery record existed",
			"job_id", item.Payload.ID,
			"retry_count", item.RetryCount,
			"error", cause,
		)
		return
	}
	if _, err := d.tracker.Fail(context.Background(), deliveryID, cause); err != nil {
		slog.Error("failed to finalize exhausted delivery", "delivery_id", deliveryID, "error", err)
	}
}

// Stats returns queue depth and counters.
func (d *Dispatcher) Stats() queue.Stats {
	return d.queue.Stats()
}

func isPermanentRenderError(err error) bool {
	var ve *common.ValidationError
	var tnf *common.TemplateNotFoundError
	return errors.As(err, &ve) || errors.As(err, &tnf)
}
