package delivery_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medinotify/internal/common"
	"medinotify/internal/domain/delivery"
	"medinotify/internal/domain/template"
)

func newTestRouter(t *testing.T) (*gin.Engine, *delivery.Tracker) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc, tracker := newSMSService(t, newFakeTransport(template.ChannelSMS), nil, delivery.SMSConfig{})
	h := delivery.NewHandler(svc, tracker)

	r := gin.New()
	api := r.Group("/api/v1")
	h.RegisterRoutes(api)
	h.RegisterWebhooks(api)
	return r, tracker
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code int    `json:"code"`
		Kind string `json:"kind"`
	} `json:"error"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func TestHandler_SendSMSAndWebhook(t *testing.T) {
	r, tracker := newTestRouter(t)

	w := do(r, http.MethodPost, "/api/v1/sms", `{"message":"Your order shipped","to":"+15551234567","userId":"u1"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res delivery.SMSResult
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &res))
	assert.Equal(t, delivery.StatusSent, res.Status)

	w = do(r, http.MethodPost, "/api/v1/webhooks/delivery",
		`{"messageId":"`+res.MessageID+`","status":"delivered","timestamp":"2026-03-02T09:00:05Z","recipient":"+15551234567","provider":"fake"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	rec, err := tracker.Get(res.DeliveryID)
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusDelivered, rec.Status)

	w = do(r, http.MethodGet, "/api/v1/deliveries/"+res.DeliveryID, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/api/v1/deliveries/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	var stats delivery.Stats
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &stats))
	assert.Equal(t, 1, stats.Total)
}

func TestHandler_Errors(t *testing.T) {
	r, _ := newTestRouter(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		kind   string
	}{
		{"malformed json", http.MethodPost, "/api/v1/sms", `{`, http.StatusBadRequest, ""},
		{"invalid phone", http.MethodPost, "/api/v1/sms", `{"message":"x","to":"123","userId":"u"}`, http.StatusBadRequest, "validation"},
		{"unknown message", http.MethodPost, "/api/v1/webhooks/delivery", `{"messageId":"nope","status":"delivered"}`, http.StatusNotFound, "not_found"},
		{"unknown delivery", http.MethodGet, "/api/v1/deliveries/missing", "", http.StatusNotFound, "not_found"},
		{"empty bulk", http.MethodPost, "/api/v1/sms/bulk", `{"recipients":[],"template":{"message":"x"}}`, http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code)
			env := decode(t, w)
			assert.False(t, env.Success)
			if tt.kind != "" {
				require.NotNil(t, env.Error)
				assert.Equal(t, tt.kind, env.Error.Kind)
			}
		})
	}
}

func TestHandler_ResendWebhook(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c := newClock()
	tracker := delivery.NewTracker(delivery.TrackerConfig{Now: c.Now}, nil, newFakeTransport(template.ChannelEmail))
	h := delivery.NewHandler(nil, tracker)
	r := gin.New()
	h.RegisterWebhooks(r.Group("/api/v1"))

	rec, err := tracker.Create(context.Background(), delivery.NewRecord{
		Recipient: "jane@example.com",
		Channel:   template.ChannelEmail,
		Content:   &template.RenderedContent{Subject: "Hi", Body: "Hello"},
	})
	require.NoError(t, err)
	rec, err = tracker.Attempt(context.Background(), rec.ID)
	require.NoError(t, err)

	w := do(r, http.MethodPost, "/api/v1/webhooks/resend", `{"type":"email.opened","data":{"email_id":"`+rec.MessageID+`"}}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ignored")

	w = do(r, http.MethodPost, "/api/v1/webhooks/resend",
		`{"type":"email.bounced","created_at":"2026-03-02T09:01:00Z","data":{"email_id":"`+rec.MessageID+`","to":["jane@example.com"]}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	got, err := tracker.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusFailedFinal, got.Status)
	assert.Equal(t, "resend", got.Provider)
}

type fakeHistory struct {
	records map[string]*delivery.Record
}

func (f fakeHistory) GetByID(_ context.Context, id string) (*delivery.Record, error) {
	if rec, ok := f.records[id]; ok {
		return rec, nil
	}
	return nil, common.NewNotFoundError("delivery", id)
}

func (f fakeHistory) ListFailed(context.Context, int) ([]*delivery.Record, error) {
	var out []*delivery.Record
	for _, rec := range f.records {
		if rec.Status == delivery.StatusFailedFinal {
			out = append(out, rec)
		}
	}
	return out, nil
}

func TestHandler_HistoryFallback(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tracker := delivery.NewTracker(delivery.TrackerConfig{}, nil)
	h := delivery.NewHandler(nil, tracker).WithHistory(fakeHistory{records: map[string]*delivery.Record{
		"old-1": {ID: "old-1", Status: delivery.StatusFailedFinal},
	}})
	r := gin.New()
	h.RegisterRoutes(r.Group("/api/v1"))

	w := do(r, http.MethodGet, "/api/v1/deliveries/old-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"failed_final"`)

	w = do(r, http.MethodGet, "/api/v1/deliveries/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodGet, "/api/v1/deliveries/failed?limit=abc", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"old-1"`)
}
