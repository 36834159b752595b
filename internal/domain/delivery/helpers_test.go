package delivery_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"medinotify/internal/domain/delivery"
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

// fakeTransport returns queued errors in order, then succeeds.
type fakeTransport struct {
	mu      sync.Mutex
	channel template.Channel
	errs    []error
	calls   int
	sentTo  []string
	cost    float64
	failFor map[string]error
}

func newFakeTransport(ch template.Channel, errs ...error) *fakeTransport {
	return &fakeTransport{channel: ch, errs: errs, cost: 0.0075}
}

func (f *fakeTransport) Channel() template.Channel { return f.channel }

func (f *fakeTransport) Send(_ context.Context, to string, _ *template.RenderedContent) (*delivery.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err, ok := f.failFor[to]; ok {
		return nil, err
	}
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	f.sentTo = append(f.sentTo, to)
	return &delivery.SendResult{
		MessageID: fmt.Sprintf("msg-%d", f.calls),
		Provider:  "fake",
		Cost:      f.cost,
	}, nil
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type memStore struct {
	mu    sync.Mutex
	saves []delivery.Status
	err   error
}

func (m *memStore) Save(_ context.Context, rec *delivery.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves = append(m.saves, rec.Status)
	return m.err
}

type sinkRecorder struct {
	mu      sync.Mutex
	records []*delivery.Record
}

func (s *sinkRecorder) ReportFailure(_ context.Context, rec *delivery.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
}

func (s *sinkRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func smsContent(body string) *template.RenderedContent {
	return &template.RenderedContent{Body: body, TextBody: body, Segments: 1}
}
