package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medinotify/internal/domain/notification"
	"medinotify/internal/infra/queue"
)

func TestTaskOptions(t *testing.T) {
	tests := []struct {
		priority string
		queue    string
	}{
		{"urgent", queue.QueueCritical},
		{"high", queue.QueueCritical},
		{"normal", queue.QueueNotifications},
		{"", queue.QueueNotifications},
		{"low", queue.QueueDefault},
	}

	for _, tt := range tests {
		t.Run(tt.priority, func(t *testing.T) {
			job := &notification.Job{ID: "job-1", Request: notification.SendRequest{Priority: tt.priority}}
			opts := queue.TaskOptions(job, 3, time.Hour)
			require.Len(t, opts, 4)

			byType := map[asynq.OptionType]any{}
			for _, o := range opts {
				byType[o.Type()] = o.Value()
			}
			assert.Equal(t, "job-1", byType[asynq.TaskIDOpt])
			assert.Equal(t, tt.queue, byType[asynq.QueueOpt])
			assert.Equal(t, 3, byType[asynq.MaxRetryOpt])
			assert.Equal(t, time.Hour, byType[asynq.RetentionOpt])
		})
	}
}

func TestNewServeMux_RoutesNotificationTasks(t *testing.T) {
	var got []byte
	mux := queue.NewServeMux(asynq.HandlerFunc(func(_ context.Context, task *asynq.Task) error {
		got = task.Payload()
		return nil
	}))

	task, err := notification.NewSendNotificationTask(&notification.Job{ID: "job-9"})
	require.NoError(t, err)
	require.NoError(t, mux.ProcessTask(context.Background(), task))
	assert.Contains(t, string(got), `"job-9"`)
}
