// Package queue is the in-process priority work queue feeding the delivery
// workers. Items are scheduled by a ScheduledFor timestamp and retried on a
// backoff table; retries are data on the item, not timers.
package queue

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"medinotify/internal/common"
)

// Priority orders ready items; higher values are served first.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 5
	PriorityHigh   Priority = 10
	PriorityUrgent Priority = 20
)

// ParsePriority maps a priority name onto its score. Unknown names are normal.
func ParsePriority(name string) Priority {
	switch name {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "urgent":
		return PriorityUrgent
	}
	return PriorityNormal
}

// Status is the lifecycle state of a queued item.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
)

// Item is one unit of queued work.
type Item[T any] struct {
	ID           string
	Payload      T
	Priority     Priority
	ScheduledFor time.Time
	RetryCount   int
	Status       Status
	StartedAt    time.Time
	LastError    string

	seq uint64
}

// AddOptions are the optional attributes of a new item.
type AddOptions struct {
	Priority     Priority
	ScheduledFor time.Time
}

// Config configures retry and reclaim behavior.
type Config struct {
	MaxRetries int
	// RetryDelays is the backoff table; the n-th retry waits RetryDelays[n-1]
	// and the last delay is reused once the table runs out.
	RetryDelays       []time.Duration
	ProcessingTimeout time.Duration
}

// DefaultRetryDelays is the backoff table used when none is configured.
var DefaultRetryDelays = []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}

// ExhaustedFunc is called once for each item dropped after its final retry.
type ExhaustedFunc[T any] func(item Item[T], cause error)

// Option customizes a Queue.
type Option[T any] func(*Queue[T])

// WithClock replaces time.Now.
func WithClock[T any](now func() time.Time) Option[T] {
	return func(q *Queue[T]) { q.now = now }
}

// WithOnExhausted registers the terminal failure hook.
func WithOnExhausted[T any](fn ExhaustedFunc[T]) Option[T] {
	return func(q *Queue[T]) { q.onExhausted = fn }
}

// Stats is a point-in-time snapshot of the queue.
type Stats struct {
	Queued     int            `json:"queued"`
	Ready      int            `json:"ready"`
	Scheduled  int            `json:"scheduled"`
	Processing int            `json:"processing"`
	ByPriority map[string]int `json:"by_priority"`
	Added      int64          `json:"added"`
	Processed  int64          `json:"processed"`
	Retried    int64          `json:"retried"`
	Exhausted  int64          `json:"exhausted"`
	Reclaimed  int64          `json:"reclaimed"`
}

// Queue is a priority queue with scheduled delivery, bounded retries and
// reclamation of items stuck in processing. Each item is either in the
// ready list or in the processing set, never both.
type Queue[T any] struct {
	mu         sync.Mutex
	cfg        Config
	ready      []*Item[T] // priority desc, then insertion order
	processing map[string]*Item[T]
	seq        uint64

	now         func() time.Time
	onExhausted ExhaustedFunc[T]

	added, processed, retried, exhausted, reclaimed int64
}

// New creates an empty queue.
func New[T any](cfg Config, opts ...Option[T]) *Queue[T] {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if len(cfg.RetryDelays) == 0 {
		cfg.RetryDelays = DefaultRetryDelays
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 5 * time.Minute
	}

	q := &Queue[T]{
		cfg:        cfg,
		processing: make(map[string]*Item[T]),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Add enqueues payload and returns the new item id.
func (q *Queue[T]) Add(payload T, opts AddOptions) string {
	q.mu.Lock()
	defer q.mu.Unlock()

	if opts.Priority == 0 {
		opts.Priority = PriorityNormal
	}
	if opts.ScheduledFor.IsZero() {
		opts.ScheduledFor = q.now()
	}

	q.seq++
	item := &Item[T]{
		ID:           uuid.NewString(),
		Payload:      payload,
		Priority:     opts.Priority,
		ScheduledFor: opts.ScheduledFor,
		Status:       StatusQueued,
		seq:          q.seq,
	}
	q.insert(item)
	q.added++
	return item.ID
}

// insert keeps ready sorted by priority, FIFO within equal priority.
func (q *Queue[T]) insert(item *Item[T]) {
	i := sort.Search(len(q.ready), func(i int) bool {
		r := q.ready[i]
		if r.Priority != item.Priority {
			return r.Priority < item.Priority
		}
		return r.seq > item.seq
	})
	q.ready = append(q.ready, nil)
	copy(q.ready[i+1:], q.ready[i:])
	q.ready[i] = item
}

// GetNext claims up to count ready items and moves them into processing.
// Items scheduled in the future are skipped.
func (q *Queue[T]) GetNext(count int) []*Item[T] {
	if count <= 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var claimed []*Item[T]
	kept := q.ready[:0]
	for _, item := range q.ready {
		if len(claimed) < count && !item.ScheduledFor.After(now) {
			item.Status = StatusProcessing
			item.StartedAt = now
			q.processing[item.ID] = item
			cp := *item
			claimed = append(claimed, &cp)
			continue
		}
		kept = append(kept, item)
	}
	for i := len(kept); i < len(q.ready); i++ {
		q.ready[i] = nil
	}
	q.ready = kept
	return claimed
}

// MarkProcessed completes an item. It returns false if the item was not
// in processing, for example because the sweep already reclaimed it.
func (q *Queue[T]) MarkProcessed(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.processing[id]; !ok {
		return false
	}
	delete(q.processing, id)
	q.processed++
	return true
}

// MarkFailed records a failed attempt. Items below MaxRetries are
// rescheduled on the backoff table; the rest are dropped and reported to
// the exhausted hook. It returns false if the item was not in processing.
func (q *Queue[T]) MarkFailed(id string, cause error) bool {
	q.mu.Lock()
	item, ok := q.processing[id]
	if !ok {
		q.mu.Unlock()
		return false
	}
	exhausted := q.failLocked(item, cause)
	hook := q.onExhausted
	q.mu.Unlock()

	if exhausted != nil {
		q.reportExhausted(hook, *exhausted, cause)
	}
	return true
}

// failLocked moves item out of processing and returns it if it is out of retries.
func (q *Queue[T]) failLocked(item *Item[T], cause error) *Item[T] {
	delete(q.processing, item.ID)
	if cause != nil {
		item.LastError = cause.Error()
	}

	if item.RetryCount >= q.cfg.MaxRetries {
		q.exhausted++
		return item
	}

	item.RetryCount++
	item.Status = StatusQueued
	item.StartedAt = time.Time{}
	item.ScheduledFor = q.now().Add(q.delay(item.RetryCount))
	q.insert(item)
	q.retried++
	return nil
}

func (q *Queue[T]) delay(retry int) time.Duration {
	i := retry - 1
	if i >= len(q.cfg.RetryDelays) {
		i = len(q.cfg.RetryDelays) - 1
	}
	if i < 0 {
		i = 0
	}
	return q.cfg.RetryDelays[i]
}

func (q *Queue[T]) reportExhausted(hook ExhaustedFunc[T], item Item[T], cause error) {
	slog.Error("queue item exhausted retries",
		"item_id", item.ID,
		"retry_count", item.RetryCount,
		"priority", item.Priority,
		"error", cause,
	)
	if hook != nil {
		hook(item, cause)
	}
}

// Sweep reclaims items that have been processing longer than the timeout.
// Each reclaimed item goes through the failure path with ErrStaleProcessing.
func (q *Queue[T]) Sweep() int {
	q.mu.Lock()
	cutoff := q.now().Add(-q.cfg.ProcessingTimeout)

	var stale []*Item[T]
	for _, item := range q.processing {
		if item.StartedAt.Before(cutoff) {
			stale = append(stale, item)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].seq < stale[j].seq })

	var dropped []Item[T]
	for _, item := range stale {
		if ex := q.failLocked(item, common.ErrStaleProcessing); ex != nil {
			dropped = append(dropped, *ex)
		}
		q.reclaimed++
	}
	hook := q.onExhausted
	q.mu.Unlock()

	for _, item := range dropped {
		q.reportExhausted(hook, item, common.ErrStaleProcessing)
	}
	return len(stale)
}

// Size returns the number of items waiting in the ready list.
func (q *Queue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

// Stats returns a snapshot of queue depth and counters.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	s := Stats{
		Queued:     len(q.ready),
		Processing: len(q.processing),
		ByPriority: make(map[string]int),
		Added:      q.added,
		Processed:  q.processed,
		Retried:    q.retried,
		Exhausted:  q.exhausted,
		Reclaimed:  q.reclaimed,
	}
	for _, item := range q.ready {
		if item.ScheduledFor.After(now) {
			s.Scheduled++
		} else {
			s.Ready++
		}
		s.ByPriority[item.Priority.String()]++
	}
	return s
}

func (p Priority) String() string {
	switch {
	case p >= PriorityUrgent:
		return "urgent"
	case p >= PriorityHigh:
		return "high"
	case p >= PriorityNormal:
		return "normal"
	}
	return "low"
}
