package notification_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"medinotify/internal/domain/delivery"
	"medinotify/internal/domain/notification"
	"medinotify/internal/domain/queue"
	"medinotify/internal/domain/template"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeTransport struct {
	mu      sync.Mutex
	channel template.Channel
	errs    []error
	calls   int
	bodies  []string
}

func (f *fakeTransport) Channel() template.Channel { return f.channel }

func (f *fakeTransport) Send(_ context.Context, _ string, c *template.RenderedContent) (*delivery.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	f.bodies = append(f.bodies, c.Body)
	return &delivery.SendResult{MessageID: fmt.Sprintf("msg-%d", f.calls), Provider: "fake"}, nil
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	clock      *clock
	transport  *fakeTransport
	tracker    *delivery.Tracker
	dispatcher *notification.Dispatcher
	failures   []*delivery.Record
	mu         sync.Mutex
}

func (f *fixture) failureCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.failures)
}

func newFixture(t *testing.T, maxRetries int, errs ...error) *fixture {
	t.Helper()
	f := &fixture{
		clock:     newClock(),
		transport: &fakeTransport{channel: template.ChannelSMS, errs: errs},
	}

	repo := template.NewMemoryRepository()
	require.NoError(t, repo.Register(&template.Template{
		Type: "refill_reminder",
		Variants: []template.Variant{{
			Channel: template.ChannelSMS,
			Body:    "Hi {{firstName}}, your {{medicationName}} refill is due.",
		}},
	}))
	post := template.NewPostProcessor(template.PostProcessConfig{Now: f.clock.Now})
	renderer := template.NewService(repo, nil, nil, nil, post, template.ServiceConfig{Now: f.clock.Now})

	f.tracker = delivery.NewTracker(delivery.TrackerConfig{Now: f.clock.Now}, nil, f.transport)
	f.tracker.AddFailureSink(delivery.SinkFunc(func(_ context.Context, rec *delivery.Record) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.failures = append(f.failures, rec)
	}))

	f.dispatcher = notification.NewDispatcher(renderer, f.tracker,
		queue.Config{
			MaxRetries:        maxRetries,
			RetryDelays:       []time.Duration{time.Minute, 5 * time.Minute},
			ProcessingTimeout: time.Minute,
		},
		notification.DispatcherConfig{Concurrency: 2, PollInterval: 5 * time.Millisecond},
		queue.WithClock[notification.Job](f.clock.Now),
	)
	return f
}

func smsJob(id, priority string) *notification.Job {
	return &notification.Job{
		ID: id,
		Request: notification.SendRequest{
			TemplateType: "refill_reminder",
			Channel:      template.ChannelSMS,
			To:           "+15551234567",
			UserID:       "patient-1",
			Priority:     priority,
			Data:         map[string]any{"firstName": "John", "medicationName": "Lisinopril"},
		},
	}
}

// next claims exactly one ready item.
func (f *fixture) next(t *testing.T) *queue.Item[notification.Job] {
	t.Helper()
	items := f.dispatcher.Queue().GetNext(1)
	require.Len(t, items, 1)
	return items[0]
}
