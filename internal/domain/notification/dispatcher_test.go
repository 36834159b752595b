package notification_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medinotify/internal/common"
	"medinotify/internal/domain/delivery"
	"medinotify/internal/domain/notification"
)

func TestDispatcher_ProcessSends(t *testing.T) {
	f := newFixture(t, 3)
	f.dispatcher.Submit(smsJob("job-1", "normal"))

	f.dispatcher.Process(context.Background(), f.next(t))

	assert.Equal(t, []string{"Hi John, your Lisinopril refill is due."}, f.transport.bodies)
	stats := f.dispatcher.Stats()
	assert.Equal(t, int64(1), stats.Processed)
	assert.Equal(t, 0, stats.Processing)

	ts := f.tracker.Stats()
	assert.Equal(t, 1, ts.Total)
	assert.Equal(t, 1, ts.ByStatus[delivery.StatusSent])
}

func TestDispatcher_TransientFailureIsRetriedByQueue(t *testing.T) {
	f := newFixture(t, 3, common.NewTransientTransportError("fake", "429", "slow down"))
	f.dispatcher.Submit(smsJob("job-1", "high"))

	f.dispatcher.Process(context.Background(), f.next(t))

	stats := f.dispatcher.Stats()
	assert.Equal(t, int64(1), stats.Retried)
	assert.Equal(t, 1, stats.Scheduled)
	assert.Empty(t, f.dispatcher.Queue().GetNext(1), "retry waits for its backoff delay")

	recs := f.tracker.Stats()
	assert.Equal(t, 1, recs.ByStatus[delivery.StatusRetryScheduled])

	f.clock.Advance(time.Minute)
	f.dispatcher.Process(context.Background(), f.next(t))

	recs = f.tracker.Stats()
	assert.Equal(t, 1, recs.Total, "retries reuse the delivery record")
	assert.Equal(t, 1, recs.ByStatus[delivery.StatusSent])
	assert.Equal(t, 2, f.transport.callCount())
	assert.Equal(t, int64(1), f.dispatcher.Stats().Processed)
}

func TestDispatcher_ExhaustionFailsRecord(t *testing.T) {
	transient := common.NewTransientTransportError("fake", "503", "unavailable")
	f := newFixture(t, 1, transient, transient)
	f.dispatcher.Submit(smsJob("job-1", "normal"))

	f.dispatcher.Process(context.Background(), f.next(t))
	f.clock.Advance(time.Minute)
	f.dispatcher.Process(context.Background(), f.next(t))

	stats := f.dispatcher.Stats()
	assert.Equal(t, int64(1), stats.Exhausted)
	assert.Equal(t, 0, stats.Queued)

	require.Equal(t, 1, f.failureCount())
	rec := f.failures[0]
	assert.Equal(t, delivery.StatusFailedFinal, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, "job-1", rec.NotificationID)
}

func TestDispatcher_PermanentFailureCompletesItem(t *testing.T) {
	f := newFixture(t, 3, common.NewPermanentTransportError("fake", "21211", "invalid number"))
	f.dispatcher.Submit(smsJob("job-1", "normal"))

	f.dispatcher.Process(context.Background(), f.next(t))

	stats := f.dispatcher.Stats()
	assert.Equal(t, int64(1), stats.Processed)
	assert.Equal(t, int64(0), stats.Retried)
	assert.Equal(t, 1, f.failureCount())
}

func TestDispatcher_UnknownTemplateIsDropped(t *testing.T) {
	f := newFixture(t, 3)
	job := smsJob("job-1", "normal")
	job.Request.TemplateType = "missing"
	f.dispatcher.Submit(job)

	f.dispatcher.Process(context.Background(), f.next(t))

	assert.Equal(t, int64(1), f.dispatcher.Stats().Processed)
	assert.Equal(t, 0, f.tracker.Stats().Total)
	assert.Equal(t, 0, f.transport.callCount())
}

func TestDispatcher_PriorityAndSchedule(t *testing.T) {
	f := newFixture(t, 3)
	later := f.clock.Now().Add(time.Hour)

	scheduled := smsJob("scheduled", "urgent")
	scheduled.Request.ScheduledFor = &later
	f.dispatcher.Submit(scheduled)
	f.dispatcher.Submit(smsJob("low", "low"))
	f.dispatcher.Submit(smsJob("urgent", "urgent"))

	assert.Equal(t, "urgent", f.next(t).Payload.ID)
	assert.Equal(t, "low", f.next(t).Payload.ID)
	assert.Empty(t, f.dispatcher.Queue().GetNext(1))

	f.clock.Advance(time.Hour)
	assert.Equal(t, "scheduled", f.next(t).Payload.ID)
}

func TestDispatcher_HandleTask(t *testing.T) {
	f := newFixture(t, 3)

	task, err := notification.NewSendNotificationTask(smsJob("job-1", "normal"))
	require.NoError(t, err)
	require.NoError(t, f.dispatcher.HandleTask(context.Background(), task))
	assert.Equal(t, 1, f.dispatcher.Queue().Size())

	err = f.dispatcher.HandleTask(context.Background(), asynq.NewTask(notification.TaskTypeSendNotification, []byte("{")))
	assert.True(t, errors.Is(err, asynq.SkipRetry))

	err = f.dispatcher.HandleTask(context.Background(), asynq.NewTask(notification.TaskTypeSendNotification, []byte(`{}`)))
	assert.True(t, errors.Is(err, asynq.SkipRetry), "jobs without id are rejected")
}

func TestDispatcher_RunDrainsQueue(t *testing.T) {
	f := newFixture(t, 3)
	for _, id := range []string{"a", "b", "c"} {
		f.dispatcher.Submit(smsJob(id, "normal"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.dispatcher.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return f.tracker.Stats().ByStatus[delivery.StatusSent] == 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
	assert.Equal(t, int64(3), f.dispatcher.Stats().Processed)
}
