package delivery_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medinotify/internal/common"
	"medinotify/internal/domain/delivery"
	"medinotify/internal/domain/template"
)

func newTracker(c *clock, store delivery.RecordStore, transports ...delivery.Transport) *delivery.Tracker {
	return delivery.NewTracker(delivery.TrackerConfig{
		MaxRetries:  2,
		RetryDelays: []time.Duration{time.Minute, 5 * time.Minute},
		WindowSize:  3,
		Now:         c.Now,
	}, store, transports...)
}

func createSMS(t *testing.T, tr *delivery.Tracker, to string, owner delivery.RetryOwner) *delivery.Record {
	t.Helper()
	rec, err := tr.Create(context.Background(), delivery.NewRecord{
		Recipient:  to,
		Channel:    template.ChannelSMS,
		RetryOwner: owner,
		Content:    smsContent("Your refill is ready"),
	})
	require.NoError(t, err)
	return rec
}

func TestTracker_HappyPathToDelivered(t *testing.T) {
	c := newClock()
	store := &memStore{}
	tr := newTracker(c, store, newFakeTransport(template.ChannelSMS))
	ctx := context.Background()

	rec := createSMS(t, tr, "+15551234567", "")
	assert.Equal(t, delivery.StatusPending, rec.Status)
	assert.Equal(t, delivery.RetryOwnerTracker, rec.RetryOwner)

	rec, err := tr.Attempt(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusSent, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, "msg-1", rec.MessageID)
	assert.Equal(t, "fake", rec.Provider)
	assert.InDelta(t, 0.0075, rec.Cost, 1e-9)
	require.NotNil(t, rec.SentAt)

	c.Advance(4 * time.Second)
	rec, err = tr.HandleWebhook(ctx, delivery.WebhookEvent{MessageID: "msg-1", Status: "delivered", Provider: "fake"})
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusDelivered, rec.Status)
	require.NotNil(t, rec.DeliveredAt)

	byMsg, err := tr.GetByMessageID("msg-1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, byMsg.ID)

	assert.Equal(t, []delivery.Status{
		delivery.StatusPending, delivery.StatusAttempting, delivery.StatusSent, delivery.StatusDelivered,
	}, store.saves)

	stats := tr.Stats()
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[delivery.StatusDelivered])
	assert.Equal(t, 1.0, stats.SuccessRate)
	assert.Equal(t, 1.0, stats.DeliveryRate)
	assert.Equal(t, 4000.0, stats.AverageDeliveryMs)
	assert.Equal(t, 1, stats.ByProvider["fake"].Delivered)
}

func TestTracker_TransientRetriesThenSucceeds(t *testing.T) {
	c := newClock()
	transport := newFakeTransport(template.ChannelSMS,
		common.NewTransientTransportError("fake", "429", "rate limited"),
	)
	tr := newTracker(c, nil, transport)
	ctx := context.Background()

	rec := createSMS(t, tr, "+15551234567", delivery.RetryOwnerTracker)
	rec, err := tr.Attempt(ctx, rec.ID)
	require.Error(t, err)
	assert.True(t, common.IsTransient(err))
	assert.Equal(t, delivery.StatusRetryScheduled, rec.Status)
	require.NotNil(t, rec.NextAttemptAt)
	assert.Equal(t, c.Now().Add(time.Minute), *rec.NextAttemptAt)
	assert.Equal(t, "429", rec.ErrorCode)

	c.Advance(59 * time.Second)
	assert.Equal(t, 0, tr.RetryDue(ctx))

	c.Advance(time.Second)
	assert.Equal(t, 1, tr.RetryDue(ctx))

	got, err := tr.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusSent, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Nil(t, got.NextAttemptAt)
	assert.Empty(t, got.LastError)
}

func TestTracker_TransientExhaustsRetries(t *testing.T) {
	c := newClock()
	transient := errors.New("503 service unavailable")
	transport := newFakeTransport(template.ChannelSMS, transient, transient, transient, transient)
	tr := newTracker(c, nil, transport)
	sink := &sinkRecorder{}
	tr.AddFailureSink(sink)
	ctx := context.Background()

	rec := createSMS(t, tr, "+15551234567", "")
	_, err := tr.Attempt(ctx, rec.ID)
	require.Error(t, err)

	c.Advance(time.Minute)
	require.Equal(t, 1, tr.RetryDue(ctx))
	got, _ := tr.Get(rec.ID)
	assert.Equal(t, delivery.StatusRetryScheduled, got.Status)
	assert.Equal(t, c.Now().Add(5*time.Minute), *got.NextAttemptAt)

	c.Advance(5 * time.Minute)
	require.Equal(t, 1, tr.RetryDue(ctx))

	got, _ = tr.Get(rec.ID)
	assert.Equal(t, delivery.StatusFailedFinal, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.NotNil(t, got.FailedAt)
	assert.Equal(t, 3, transport.callCount())
	assert.Equal(t, 1, sink.count())

	c.Advance(time.Hour)
	assert.Equal(t, 0, tr.RetryDue(ctx))
}

func TestTracker_PermanentFailsImmediately(t *testing.T) {
	c := newClock()
	tr := newTracker(c, nil, newFakeTransport(template.ChannelSMS,
		common.NewPermanentTransportError("fake", "21211", "invalid 'To' phone number"),
	))
	sink := &sinkRecorder{}
	tr.AddFailureSink(sink)

	rec := createSMS(t, tr, "+15551234567", "")
	rec, err := tr.Attempt(context.Background(), rec.ID)
	require.Error(t, err)
	assert.False(t, common.IsTransient(err))
	assert.Equal(t, delivery.StatusFailedFinal, rec.Status)
	assert.Equal(t, "21211", rec.ErrorCode)
	assert.Equal(t, 1, sink.count())

	_, err = tr.Attempt(context.Background(), rec.ID)
	assert.ErrorIs(t, err, delivery.ErrInvalidTransition)
}

func TestTracker_MissingTransportIsPermanent(t *testing.T) {
	tr := newTracker(newClock(), nil)
	rec := createSMS(t, tr, "+15551234567", "")

	rec, err := tr.Attempt(context.Background(), rec.ID)
	require.Error(t, err)
	assert.Equal(t, delivery.StatusFailedFinal, rec.Status)
}

func TestTracker_QueueOwnedRecords(t *testing.T) {
	c := newClock()
	transient := common.NewTransientTransportError("fake", "", "timeout")
	tr := newTracker(c, nil, newFakeTransport(template.ChannelSMS, transient, transient, transient, transient))
	sink := &sinkRecorder{}
	tr.AddFailureSink(sink)
	ctx := context.Background()

	rec := createSMS(t, tr, "+15551234567", delivery.RetryOwnerQueue)

	// The queue bounds retries, so the tracker keeps rescheduling past MaxRetries.
	for i := 0; i < 4; i++ {
		got, err := tr.Attempt(ctx, rec.ID)
		require.Error(t, err)
		assert.Equal(t, delivery.StatusRetryScheduled, got.Status)
		assert.Nil(t, got.NextAttemptAt, "queue-owned records carry no tracker schedule")
	}

	c.Advance(24 * time.Hour)
	assert.Equal(t, 0, tr.RetryDue(ctx))

	got, err := tr.Fail(ctx, rec.ID, errors.New("queue retries exhausted"))
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusFailedFinal, got.Status)
	assert.Equal(t, "queue retries exhausted", got.LastError)
	assert.Equal(t, 1, sink.count())

	_, err = tr.Fail(ctx, rec.ID, errors.New("again"))
	require.NoError(t, err)
	assert.Equal(t, 1, sink.count(), "failing a terminal record is a no-op")
}

func TestTracker_WebhookFailureAndUnknown(t *testing.T) {
	c := newClock()
	tr := newTracker(c, nil, newFakeTransport(template.ChannelSMS))
	sink := &sinkRecorder{}
	tr.AddFailureSink(sink)
	ctx := context.Background()

	rec := createSMS(t, tr, "+15551234567", "")
	rec, err := tr.Attempt(ctx, rec.ID)
	require.NoError(t, err)

	got, err := tr.HandleWebhook(ctx, delivery.WebhookEvent{MessageID: rec.MessageID, Status: "queued"})
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusSent, got.Status, "non-terminal provider status is acknowledged only")

	got, err = tr.HandleWebhook(ctx, delivery.WebhookEvent{MessageID: rec.MessageID, Status: "undelivered", ErrorCode: "30003"})
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusFailedFinal, got.Status)
	assert.Equal(t, "30003", got.ErrorCode)
	assert.Equal(t, 1, sink.count())

	got, err = tr.HandleWebhook(ctx, delivery.WebhookEvent{MessageID: rec.MessageID, Status: "delivered"})
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusFailedFinal, got.Status, "terminal records do not move")

	_, err = tr.HandleWebhook(ctx, delivery.WebhookEvent{MessageID: "nope", Status: "delivered"})
	var nf *common.NotFoundError
	assert.ErrorAs(t, err, &nf)

	_, err = tr.HandleWebhook(ctx, delivery.WebhookEvent{Status: "delivered"})
	var ve *common.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestTracker_RollingWindowIsBounded(t *testing.T) {
	c := newClock()
	tr := newTracker(c, nil, newFakeTransport(template.ChannelSMS))
	ctx := context.Background()

	// Window size is 3: delivery times 1s, 2s, 3s, 10s keep only the last three.
	for _, d := range []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 10 * time.Second} {
		rec := createSMS(t, tr, "+15551234567", "")
		rec, err := tr.Attempt(ctx, rec.ID)
		require.NoError(t, err)
		_, err = tr.HandleWebhook(ctx, delivery.WebhookEvent{
			MessageID: rec.MessageID,
			Status:    "delivered",
			Timestamp: c.Now().Add(d),
		})
		require.NoError(t, err)
	}

	stats := tr.Stats()
	assert.Equal(t, 3, stats.WindowSamples)
	assert.Equal(t, 5000.0, stats.AverageDeliveryMs)
	assert.Equal(t, 4, stats.ByStatus[delivery.StatusDelivered])
}

func TestTracker_StoreErrorsAreNotFatal(t *testing.T) {
	tr := newTracker(newClock(), &memStore{err: errors.New("db down")}, newFakeTransport(template.ChannelSMS))

	rec := createSMS(t, tr, "+15551234567", "")
	rec, err := tr.Attempt(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusSent, rec.Status)
}

func TestTracker_CreateValidation(t *testing.T) {
	tr := newTracker(newClock(), nil)
	ctx := context.Background()

	_, err := tr.Create(ctx, delivery.NewRecord{Channel: template.ChannelSMS, Content: smsContent("x")})
	var ve *common.ValidationError
	assert.ErrorAs(t, err, &ve)

	_, err = tr.Create(ctx, delivery.NewRecord{Recipient: "a", Channel: "fax", Content: smsContent("x")})
	assert.ErrorAs(t, err, &ve)

	_, err = tr.Create(ctx, delivery.NewRecord{Recipient: "a", Channel: template.ChannelSMS})
	assert.ErrorAs(t, err, &ve)

	_, err = tr.Get("missing")
	var nf *common.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestTracker_RunStopsOnCancel(t *testing.T) {
	c := newClock()
	tr := delivery.NewTracker(delivery.TrackerConfig{CheckInterval: 5 * time.Millisecond, Now: c.Now}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("retry loop did not stop")
	}
}

// blockingTransport holds every send until release is closed.
type blockingTransport struct {
	started chan struct{}
	release chan struct{}
	err     error
}

func newBlockingTransport(err error) *blockingTransport {
	return &blockingTransport{started: make(chan struct{}, 1), release: make(chan struct{}), err: err}
}

func (b *blockingTransport) Channel() template.Channel { return template.ChannelSMS }

func (b *blockingTransport) Send(context.Context, string, *template.RenderedContent) (*delivery.SendResult, error) {
	b.started <- struct{}{}
	<-b.release
	if b.err != nil {
		return nil, b.err
	}
	return &delivery.SendResult{MessageID: "late-1", Provider: "fake", Cost: 0.01}, nil
}

func TestTracker_FailDuringAttemptStaysFinal(t *testing.T) {
	tests := []struct {
		name    string
		sendErr error
	}{
		{"late success", nil},
		{"late transient failure", common.NewTransientTransportError("fake", "503", "unavailable")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClock()
			transport := newBlockingTransport(tt.sendErr)
			tr := newTracker(c, nil, transport)
			sink := &sinkRecorder{}
			tr.AddFailureSink(sink)
			ctx := context.Background()

			rec := createSMS(t, tr, "+15551234567", delivery.RetryOwnerQueue)

			type result struct {
				rec *delivery.Record
				err error
			}
			done := make(chan result, 1)
			go func() {
				r, err := tr.Attempt(ctx, rec.ID)
				done <- result{r, err}
			}()
			<-transport.started

			failed, err := tr.Fail(ctx, rec.ID, errors.New("retries exhausted"))
			require.NoError(t, err)
			assert.Equal(t, delivery.StatusFailedFinal, failed.Status)

			close(transport.release)
			res := <-done
			assert.ErrorIs(t, res.err, delivery.ErrInvalidTransition)
			require.NotNil(t, res.rec)
			assert.Equal(t, delivery.StatusFailedFinal, res.rec.Status)

			got, err := tr.Get(rec.ID)
			require.NoError(t, err)
			assert.Equal(t, delivery.StatusFailedFinal, got.Status)
			assert.Nil(t, got.SentAt)
			assert.Equal(t, 1, sink.count())

			if tt.sendErr == nil {
				assert.Equal(t, "late-1", got.MessageID)
				got, err = tr.HandleWebhook(ctx, delivery.WebhookEvent{MessageID: "late-1", Status: "delivered"})
				require.NoError(t, err)
				assert.Equal(t, delivery.StatusFailedFinal, got.Status)
			}
		})
	}
}
