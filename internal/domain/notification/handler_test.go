package notification_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medinotify/internal/domain/notification"
)

func TestHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t, 3)
	enq := newMemEnqueuer()
	h := notification.NewHandler(notification.NewService(enq, nil), f.dispatcher)

	r := gin.New()
	h.RegisterRoutes(r.Group("/api/v1"))

	do := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := do(http.MethodPost, "/api/v1/notifications",
		`{"template_type":"refill_reminder","channel":"sms","to":"+15551234567","user_id":"patient-1","priority":"urgent"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var env struct {
		Success bool                      `json:"success"`
		Data    notification.SendResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.True(t, env.Success)
	assert.Equal(t, notification.StatusQueued, env.Data.Status)
	assert.Contains(t, enq.jobs, env.Data.ID)

	w = do(http.MethodPost, "/api/v1/notifications", `{"template_type":"x","channel":"fax","user_id":"u"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(http.MethodPost, "/api/v1/notifications", `{"template_type":"x","channel":"sms","user_id":"u","priority":"asap"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.dispatcher.Submit(smsJob("job-1", "high"))
	w = do(http.MethodGet, "/api/v1/queue/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"high":1`)
}
