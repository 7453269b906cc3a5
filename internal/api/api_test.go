package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"command-relay/internal/logger"
	"command-relay/internal/models"
	"command-relay/internal/queue"
	"command-relay/internal/ratelimit"
	"command-relay/internal/store"
)

func newTestRouter(t *testing.T, opts Options) http.Handler {
	t.Helper()
	mem := store.NewMemory()
	svc := queue.New(mem, mem, nil, queue.Options{ClaimTimeout: 10 * time.Minute}, logger.Discard())
	return NewServer(svc, opts, logger.Discard()).Router()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestCommandRoundTrip(t *testing.T) {
	h := newTestRouter(t, Options{})

	rec := do(t, h, http.MethodPost, "/api/commands",
		`{"type":"file_create","data":{"filename":"test.txt","content":"hello"},"priority":"high"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var submitted struct {
		Success   bool   `json:"success"`
		Message   string `json:"message"`
		CommandID string `json:"commandId"`
	}
	decodeBody(t, rec, &submitted)
	assert.True(t, submitted.Success)
	assert.Equal(t, "Command received and queued", submitted.Message)
	require.NotEmpty(t, submitted.CommandID)

	rec = do(t, h, http.MethodGet, "/api/commands?clientId=c1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var polled struct {
		Commands []models.Command `json:"commands"`
		Total    int              `json:"total"`
	}
	decodeBody(t, rec, &polled)
	require.Equal(t, 1, polled.Total)
	assert.Equal(t, submitted.CommandID, polled.Commands[0].ID)
	assert.Equal(t, models.StatusProcessing, polled.Commands[0].Status)
	assert.Equal(t, "c1", polled.Commands[0].ClaimedBy)

	rec = do(t, h, http.MethodGet, "/api/commands?clientId=c2", "")
	decodeBody(t, rec, &polled)
	assert.Zero(t, polled.Total)

	rec = do(t, h, http.MethodPut, "/api/commands/"+submitted.CommandID,
		`{"status":"completed","result":{"ok":true}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var updated struct {
		Message string         `json:"message"`
		Command models.Command `json:"command"`
	}
	decodeBody(t, rec, &updated)
	assert.Equal(t, "Command status updated", updated.Message)
	assert.Equal(t, models.StatusCompleted, updated.Command.Status)

	rec = do(t, h, http.MethodPut, "/api/commands/"+submitted.CommandID, `{"status":"completed"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &updated)
	assert.Equal(t, "Command status unchanged", updated.Message)

	rec = do(t, h, http.MethodGet, "/api/commands/"+submitted.CommandID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Command models.Command `json:"command"`
	}
	decodeBody(t, rec, &got)
	assert.Equal(t, models.StatusCompleted, got.Command.Status)
	assert.JSONEq(t, `{"ok":true}`, string(got.Command.Result))
	assert.NotNil(t, got.Command.CompletedAt)

	rec = do(t, h, http.MethodGet, "/api/commands/completed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &polled)
	require.Equal(t, 1, polled.Total)
	assert.Equal(t, submitted.CommandID, polled.Commands[0].ID)
}

func TestSubmitValidationErrors(t *testing.T) {
	h := newTestRouter(t, Options{})

	cases := map[string]struct {
		body string
		code int
		msg  string
	}{
		"missing data":     {`{"type":"file_create"}`, http.StatusBadRequest, "Missing required fields: type and data are required"},
		"missing type":     {`{"data":{"a":1}}`, http.StatusBadRequest, "Missing required fields: type and data are required"},
		"bad priority":     {`{"type":"x","data":{},"priority":"urgent"}`, http.StatusBadRequest, ""},
		"malformed json":   {`{"type":`, http.StatusBadRequest, "Invalid request body"},
		"wrong field type": {`{"type":5,"data":{}}`, http.StatusBadRequest, "Invalid request body"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/commands", tc.body)
			assert.Equal(t, tc.code, rec.Code)
			var body map[string]string
			decodeBody(t, rec, &body)
			if tc.msg != "" {
				assert.Equal(t, tc.msg, body["error"])
			} else {
				assert.NotEmpty(t, body["error"])
			}
		})
	}
}

func TestBodyTooLarge(t *testing.T) {
	h := newTestRouter(t, Options{MaxBodyBytes: 64})
	body := `{"type":"file_create","data":{"content":"` + strings.Repeat("x", 200) + `"}}`

	rec := do(t, h, http.MethodPost, "/api/commands", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestUpdateErrors(t *testing.T) {
	h := newTestRouter(t, Options{})

	rec := do(t, h, http.MethodPut, "/api/commands/missing", `{"status":"completed"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Equal(t, "Command not found", body["error"])

	rec = do(t, h, http.MethodPost, "/api/commands", `{"type":"x","data":{"a":1}}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var submitted struct {
		CommandID string `json:"commandId"`
	}
	decodeBody(t, rec, &submitted)

	rec = do(t, h, http.MethodPut, "/api/commands/"+submitted.CommandID, `{"status":"done"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPut, "/api/commands/"+submitted.CommandID, `{"status":"failed","error":"boom"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPut, "/api/commands/"+submitted.CommandID, `{"status":"completed"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/commands/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPollQueryValidation(t *testing.T) {
	h := newTestRouter(t, Options{})

	rec := do(t, h, http.MethodGet, "/api/commands?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/commands?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClientsEndpoints(t *testing.T) {
	h := newTestRouter(t, Options{})

	rec := do(t, h, http.MethodPost, "/api/clients",
		`{"name":"worker-1","webhookUrl":"http://localhost:9999/hook","capabilities":["file_create"]}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var registered struct {
		Success  bool   `json:"success"`
		ClientID string `json:"clientId"`
	}
	decodeBody(t, rec, &registered)
	assert.True(t, registered.Success)
	require.NotEmpty(t, registered.ClientID)

	rec = do(t, h, http.MethodPost, "/api/clients", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/clients", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "webhookUrl")
	var listed struct {
		Clients []models.PublicClient `json:"clients"`
		Total   int                   `json:"total"`
	}
	decodeBody(t, rec, &listed)
	require.Equal(t, 1, listed.Total)
	assert.Equal(t, registered.ClientID, listed.Clients[0].ID)
	assert.Equal(t, models.ClientActive, listed.Clients[0].Status)
	assert.Equal(t, []string{"file_create"}, listed.Clients[0].Capabilities)
}

func TestStatusAndHealth(t *testing.T) {
	h := newTestRouter(t, Options{})
	do(t, h, http.MethodPost, "/api/commands", `{"type":"x","data":{"a":1}}`)
	do(t, h, http.MethodPost, "/api/commands", `{"type":"x","data":{"a":2}}`)
	do(t, h, http.MethodGet, "/api/commands?clientId=c1&limit=1", "")

	rec := do(t, h, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		System struct {
			Status string `json:"status"`
		} `json:"system"`
		Commands    models.CommandCounts `json:"commands"`
		Clients     models.ClientCounts  `json:"clients"`
		Performance map[string]any       `json:"performance"`
	}
	decodeBody(t, rec, &status)
	assert.Equal(t, "operational", status.System.Status)
	assert.Equal(t, models.CommandCounts{Total: 2, Pending: 1, Processing: 1}, status.Commands)
	assert.NotEmpty(t, status.Performance)

	rec = do(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]any
	decodeBody(t, rec, &health)
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, Version, health["version"])
	assert.EqualValues(t, 2, health["commands"])

	rec = do(t, h, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownRoutes(t *testing.T) {
	h := newTestRouter(t, Options{})

	rec := do(t, h, http.MethodGet, "/api/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Equal(t, "Endpoint not found", body["error"])
	assert.Equal(t, "The endpoint GET /api/nope does not exist", body["message"])

	rec = do(t, h, http.MethodDelete, "/api/commands", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = do(t, h, http.MethodGet, "/ws", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimitApplied(t *testing.T) {
	h := newTestRouter(t, Options{RateLimiter: ratelimit.New(2, time.Minute)})

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, h, http.MethodGet, "/health", "").Code)
}

func TestSecurityHeaders(t *testing.T) {
	h := newTestRouter(t, Options{})

	rec := do(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", rec.Header().Get("Referrer-Policy"))
	assert.Contains(t, rec.Header().Get("Content-Security-Policy"), "frame-ancestors 'none'")
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Contains(t, rec.Header().Get("Strict-Transport-Security"), "max-age=")

	// Error envelopes carry the headers too.
	rec = do(t, h, http.MethodGet, "/api/nope", "")
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func withOrigin(h http.Handler, method, path, origin string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Origin", origin)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCORSAllowList(t *testing.T) {
	h := newTestRouter(t, Options{AllowedOrigins: []string{"https://producer.test"}})

	rec := withOrigin(h, http.MethodGet, "/health", "https://producer.test", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://producer.test", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

	rec = withOrigin(h, http.MethodGet, "/health", "https://elsewhere.test", nil)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	rec = withOrigin(h, http.MethodOptions, "/api/commands/abc", "https://producer.test", map[string]string{
		"Access-Control-Request-Method":  http.MethodPut,
		"Access-Control-Request-Headers": "Content-Type",
	})
	assert.Less(t, rec.Code, 300)
	assert.Equal(t, "https://producer.test", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), http.MethodPut)
}

func TestCORSDefaultsToAnyOrigin(t *testing.T) {
	h := newTestRouter(t, Options{})

	rec := withOrigin(h, http.MethodGet, "/api/commands", "https://anywhere.test", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
