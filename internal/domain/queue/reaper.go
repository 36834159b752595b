package queue

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper is implemented by queues whose stale processing items can be reclaimed.
type Sweeper interface {
	Sweep() int
}

// ReaperConfig holds configuration for the stale processing reaper.
type ReaperConfig struct {
	// Interval is how often the reaper scans the processing set.
	Interval time.Duration
}

// Reaper periodically reclaims items that stayed in processing past the
// queue's processing timeout. A worker that crashed or hung mid-send never
// calls MarkProcessed; the reaper turns that silence into a failed attempt
// so the item re-enters the retry path.
type Reaper struct {
	queue  Sweeper
	config ReaperConfig
}

// NewReaper creates a new stale processing reaper.
func NewReaper(queue Sweeper, cfg ReaperConfig) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Reaper{queue: queue, config: cfg}
}

// Run starts the reaper loop. It blocks until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	slog.Info("queue reaper started", "interval", r.config.Interval)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("queue reaper stopped")
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Reaper) sweep() {
	if n := r.queue.Sweep(); n > 0 {
		slog.Warn("queue reaper: reclaimed stale items", "count", n)
	}
}
