package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"medinotify/internal/domain/notification"

	"github.com/hibiken/asynq"
)

// Asynq queue names and their weights.
const (
	QueueCritical      = "critical"
	QueueNotifications = "notifications"
	QueueDefault       = "default"
)

// RedisOpt builds the asynq connection options.
func RedisOpt(redisAddr, password string, db int) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     redisAddr,
		Password: password,
		DB:       db,
	}
}

// NewClient creates a new asynq client connected to Redis.
func NewClient(opt asynq.RedisClientOpt) *asynq.Client {
	return asynq.NewClient(opt)
}

// NewServer creates a new asynq server connected to Redis. Its handlers only
// hand jobs to the in-process queue, so a small concurrency is enough.
func NewServer(opt asynq.RedisClientOpt, concurrency int) *asynq.Server {
	return asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				QueueCritical:      6, // priority weight
				QueueNotifications: 3,
				QueueDefault:       1,
			},
			RetryDelayFunc: func(n int, e error, t *asynq.Task) time.Duration {
				// Exponential backoff: 5s, 10s, 20s, 40s, 80s
				return time.Duration(5*(1<<uint(n-1))) * time.Second
			},
		},
	)
}

// NewServeMux routes notification tasks to handler.
func NewServeMux(handler asynq.Handler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(notification.TaskTypeSendNotification, handler)
	return mux
}

// TaskEnqueuer publishes notification jobs as asynq tasks.
type TaskEnqueuer struct {
	client    *asynq.Client
	maxRetry  int
	retention time.Duration
}

var _ notification.Enqueuer = (*TaskEnqueuer)(nil)

// NewTaskEnqueuer creates an enqueuer. Finished task ids are retained for
// retention so repeated idempotency keys keep resolving to duplicates.
func NewTaskEnqueuer(client *asynq.Client, maxRetry int, retention time.Duration) *TaskEnqueuer {
	return &TaskEnqueuer{client: client, maxRetry: maxRetry, retention: retention}
}

// Enqueue publishes job. A job id already known to asynq is ErrDuplicate.
func (e *TaskEnqueuer) Enqueue(ctx context.Context, job *notification.Job) error {
	task, err := notification.NewSendNotificationTask(job, TaskOptions(job, e.maxRetry, e.retention)...)
	if err != nil {
		return fmt.Errorf("creating task: %w", err)
	}

	if _, err := e.client.EnqueueContext(ctx, task); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			return notification.ErrDuplicate
		}
		return fmt.Errorf("enqueuing task: %w", err)
	}
	return nil
}

// TaskOptions returns the asynq options for job: its id, queue by priority
// and retry policy.
func TaskOptions(job *notification.Job, maxRetry int, retention time.Duration) []asynq.Option {
	opts := []asynq.Option{
		asynq.TaskID(job.ID),
		asynq.Queue(queueFor(job.Request.Priority)),
		asynq.MaxRetry(maxRetry),
	}
	if retention > 0 {
		opts = append(opts, asynq.Retention(retention))
	}
	return opts
}

func queueFor(priority string) string {
	switch priority {
	case "urgent", "high":
		return QueueCritical
	case "low":
		return QueueDefault
	}
	return QueueNotifications
}
