package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/pulsed/internal/eventstore"
	"github.com/fyrsmithlabs/pulsed/internal/ingest"
	"github.com/fyrsmithlabs/pulsed/internal/logging"
	"github.com/fyrsmithlabs/pulsed/internal/query"
	"github.com/fyrsmithlabs/pulsed/internal/sessions"
	"github.com/fyrsmithlabs/pulsed/internal/vault"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testServer struct {
	*Server
	store *eventstore.MemoryStore
	logs  *logging.TestLogger
}

func setupTestServer(t *testing.T, mutate func(*ingest.Options)) *testServer {
	t.Helper()
	now := func() time.Time { return base }

	ring, err := vault.GenerateKeyRing()
	require.NoError(t, err)
	v, err := vault.New(ring)
	require.NoError(t, err)

	store := eventstore.NewMemoryStore(eventstore.Options{Now: now})
	reg, err := sessions.NewRegistry(sessions.NewMemoryBackend(), sessions.Options{Now: now})
	require.NoError(t, err)

	opts := ingest.Options{MaxPayloadBytes: 256, Now: now}
	if mutate != nil {
		mutate(&opts)
	}
	gw, err := ingest.NewGateway(store, v, reg, nil, opts)
	require.NoError(t, err)
	svc, err := query.NewService(store, v, query.Options{Now: now})
	require.NoError(t, err)

	logs := logging.NewTestLogger()
	srv, err := NewServer(gw, svc, reg, logs.Underlying(), &Config{BodyLimit: "4K"})
	require.NoError(t, err)
	return &testServer{Server: srv, store: store, logs: logs}
}

func (s *testServer) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = httptest.NewRequest(method, target, bytes.NewReader(b))
		r.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, r)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func event() ingest.StoreEventRequest {
	return ingest.StoreEventRequest{
		SessionID: "sess_1",
		Agent:     "editor",
		EventType: eventstore.TypeFileModified,
		Payload:   json.RawMessage(`{"diff":"+ return nil"}`),
		Timestamp: base.Add(-time.Minute).Format(time.RFC3339),
	}
}

func TestNewServer(t *testing.T) {
	s := setupTestServer(t, nil)
	ing, q, reg := s.ingest, s.query, s.registry

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server, err := NewServer(ing, q, reg, zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "localhost", server.config.Host)
		assert.Equal(t, 9090, server.config.Port)
		assert.Equal(t, "1M", server.config.BodyLimit)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(ing, q, reg, nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when collaborators are nil", func(t *testing.T) {
		_, err := NewServer(nil, q, reg, zap.NewNop(), nil)
		assert.Error(t, err)
		_, err = NewServer(ing, nil, reg, zap.NewNop(), nil)
		assert.Error(t, err)
		_, err = NewServer(ing, q, nil, zap.NewNop(), nil)
		assert.Error(t, err)
	})
}

func TestHandleHealth(t *testing.T) {
	s := setupTestServer(t, nil)
	rec := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[HealthResponse](t, rec).Status)
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
}

func TestStoreEventAndWindow(t *testing.T) {
	s := setupTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/api/v1/events", event())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[ingest.StoreEventResponse](t, rec)
	assert.NotEmpty(t, first.EventID)
	assert.False(t, first.Duplicate)

	rec = s.do(t, http.MethodPost, "/api/v1/events", event())
	require.Equal(t, http.StatusCreated, rec.Code)
	dup := decode[ingest.StoreEventResponse](t, rec)
	assert.True(t, dup.Duplicate)
	assert.Equal(t, first.EventID, dup.EventID)

	rec = s.do(t, http.MethodGet, "/api/v1/sessions/sess_1/events?window_minutes=30", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	w := decode[query.Window](t, rec)
	require.Len(t, w.Events, 1)
	assert.Equal(t, first.EventID, w.Events[0].ID)
	assert.JSONEq(t, `{"diff":"+ return nil"}`, string(w.Events[0].Payload))

	s.logs.AssertLogged(t, zapcore.InfoLevel, "http request")
	s.logs.AssertNotContains(t, "return nil")
}

func TestStoreEvent_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ingest.StoreEventRequest)
		status int
		code   string
		field  string
	}{
		{
			name:   "unknown agent",
			mutate: func(r *ingest.StoreEventRequest) { r.Agent = "toaster" },
			status: http.StatusBadRequest,
			code:   CodeValidation,
			field:  "agent",
		},
		{
			name:   "missing timestamp",
			mutate: func(r *ingest.StoreEventRequest) { r.Timestamp = "" },
			status: http.StatusBadRequest,
			code:   CodeValidation,
			field:  "timestamp",
		},
		{
			name:   "payload over limit",
			mutate: func(r *ingest.StoreEventRequest) { r.Payload = json.RawMessage(`"` + strings.Repeat("x", 300) + `"`) },
			status: http.StatusRequestEntityTooLarge,
			code:   CodePayloadTooLarge,
			field:  "payload",
		},
		{
			name:   "future timestamp",
			mutate: func(r *ingest.StoreEventRequest) { r.Timestamp = base.Add(48 * time.Hour).Format(time.RFC3339) },
			status: http.StatusUnprocessableEntity,
			code:   CodeFutureTimestamp,
			field:  "timestamp",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupTestServer(t, nil)
			req := event()
			tt.mutate(&req)

			rec := s.do(t, http.MethodPost, "/api/v1/events", req)
			assert.Equal(t, tt.status, rec.Code)
			body := decode[ErrorResponse](t, rec)
			assert.Equal(t, tt.code, body.Error)
			assert.Equal(t, tt.field, body.Field)
			assert.NotEmpty(t, body.Message)
		})
	}
}

func TestStoreEvent_MalformedBody(t *testing.T) {
	s := setupTestServer(t, nil)

	r := httptest.NewRequest(http.MethodPost, "/api/v1/events", strings.NewReader("{not json"))
	r.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, r)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[ErrorResponse](t, rec)
	assert.Equal(t, CodeValidation, body.Error)
	assert.Equal(t, "body", body.Field)
}

func TestStoreEvent_BodyLimit(t *testing.T) {
	s := setupTestServer(t, nil)

	r := httptest.NewRequest(http.MethodPost, "/api/v1/events", strings.NewReader(strings.Repeat(" ", 8*1024)))
	r.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, r)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, CodePayloadTooLarge, decode[ErrorResponse](t, rec).Error)
}

func TestStoreEvent_RateLimited(t *testing.T) {
	s := setupTestServer(t, func(o *ingest.Options) {
		o.RateLimit = 1
		o.RateBurst = 1
	})

	rec := s.do(t, http.MethodPost, "/api/v1/events", event())
	require.Equal(t, http.StatusCreated, rec.Code)

	second := event()
	second.EventType = eventstore.TypeTestPassed
	rec = s.do(t, http.MethodPost, "/api/v1/events", second)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, CodeRateLimited, decode[ErrorResponse](t, rec).Error)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestSessions(t *testing.T) {
	s := setupTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/api/v1/sessions/sync", ingest.SyncRequest{
		SessionID: "sess_1",
		ClientID:  "laptop",
		Platform:  "darwin",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[sessions.SyncResult](t, rec)
	assert.True(t, res.IsActive)
	assert.Equal(t, "laptop", res.ActiveClientID)
	assert.False(t, res.Stale)

	rec = s.do(t, http.MethodGet, "/api/v1/sessions/sess_1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "laptop", decode[sessions.SessionStatus](t, rec).ActiveClientID)

	rec = s.do(t, http.MethodDelete, "/api/v1/sessions/sync?session_id=sess_1&client_id=laptop", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/sessions/sess_1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[sessions.SessionStatus](t, rec).Stale)

	t.Run("invalid heartbeat", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/api/v1/sessions/sync", ingest.SyncRequest{SessionID: "sess_1", ClientID: "has space"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		body := decode[ErrorResponse](t, rec)
		assert.Equal(t, CodeValidation, body.Error)
		assert.Equal(t, "client_id", body.Field)
	})

	t.Run("invalid session in path", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/api/v1/sessions/a.b/status", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "session_id", decode[ErrorResponse](t, rec).Field)
	})
}

func TestWindow_Arguments(t *testing.T) {
	s := setupTestServer(t, nil)

	tests := []struct {
		query string
		field string
	}{
		{"window_minutes=0", "window_minutes"},
		{"window_minutes=10081", "window_minutes"},
		{"window_minutes=ten", "window_minutes"},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := s.do(t, http.MethodGet, "/api/v1/sessions/sess_1/events?"+tt.query, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			body := decode[ErrorResponse](t, rec)
			assert.Equal(t, CodeValidation, body.Error)
			assert.Equal(t, tt.field, body.Field)
		})
	}

	rec := s.do(t, http.MethodGet, "/api/v1/sessions/sess_1/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	w := decode[query.Window](t, rec)
	assert.Equal(t, base.Add(-defaultWindowMinutes*time.Minute), w.From)
}

func TestWipe(t *testing.T) {
	s := setupTestServer(t, nil)
	rec := s.do(t, http.MethodPost, "/api/v1/events", event())
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodDelete, "/api/v1/sessions/sess_1/events", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeConfirmationRequired, decode[ErrorResponse](t, rec).Error)

	rec = s.do(t, http.MethodDelete, "/api/v1/sessions/sess_1/events?confirm=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "confirm", decode[ErrorResponse](t, rec).Field)

	count, err := s.store.Count(context.Background(), "sess_1")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	rec = s.do(t, http.MethodDelete, "/api/v1/sessions/sess_1/events?confirm=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, WipeResponse{SessionID: "sess_1", Deleted: 1}, decode[WipeResponse](t, rec))

	count, err = s.store.Count(context.Background(), "sess_1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestAnalyticsRoutes(t *testing.T) {
	s := setupTestServer(t, nil)
	rec := s.do(t, http.MethodPost, "/api/v1/events", event())
	require.Equal(t, http.StatusCreated, rec.Code)

	t.Run("flow", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/api/v1/sessions/sess_1/flow", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		res := decode[map[string]any](t, rec)
		assert.Equal(t, query.SourceLive, res["source"])
		assert.Equal(t, float64(1), res["event_count"])
		assert.Contains(t, res, "is_in_flow")
	})

	t.Run("stuck", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/api/v1/sessions/sess_1/stuck", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		res := decode[query.StuckResult](t, rec)
		assert.False(t, res.Detected)
	})

	t.Run("energy", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/api/v1/sessions/sess_1/energy", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		res := decode[query.EnergyResult](t, rec)
		assert.NotEmpty(t, res.Grade)
		assert.Equal(t, query.SourceLive, res.Source)
	})

	t.Run("break", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/api/v1/sessions/sess_1/break", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		res := decode[query.BreakResult](t, rec)
		assert.Nil(t, res.Suggestion)
	})
}

func TestNotFound(t *testing.T) {
	s := setupTestServer(t, nil)
	rec := s.do(t, http.MethodGet, "/api/v1/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[ErrorResponse](t, rec).Error)
}

func TestMetricsEndpoint(t *testing.T) {
	s := setupTestServer(t, nil)
	rec := s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pulsed_eventstore_swept_events_total")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"ingest validation", &ingest.ValidationError{Field: "agent", Reason: "unknown"}, http.StatusBadRequest, CodeValidation},
		{"query argument", fmt.Errorf("wrapped: %w", &query.ArgumentError{Field: "window_minutes", Reason: "too big"}), http.StatusBadRequest, CodeValidation},
		{"confirmation", query.ErrConfirmationRequired, http.StatusBadRequest, CodeConfirmationRequired},
		{"too large", &ingest.PayloadTooLargeError{Size: 10, Limit: 5}, http.StatusRequestEntityTooLarge, CodePayloadTooLarge},
		{"future", fmt.Errorf("%w: later", eventstore.ErrFutureTimestamp), http.StatusUnprocessableEntity, CodeFutureTimestamp},
		{"rate limited", ingest.ErrRateLimited, http.StatusTooManyRequests, CodeRateLimited},
		{"encryption", fmt.Errorf("encrypting payload: %w", vault.ErrEncryption), http.StatusInternalServerError, CodeEncryption},
		{"transient", fmt.Errorf("storing event after 3 attempts: %w", &eventstore.TransientError{Op: "append", Err: errors.New("locked")}), http.StatusServiceUnavailable, CodeUnavailable},
		{"timeout", fmt.Errorf("storing event: %w", context.DeadlineExceeded), http.StatusGatewayTimeout, CodeTimeout},
		{"method not allowed", echo.ErrMethodNotAllowed, http.StatusMethodNotAllowed, "method_not_allowed"},
		{"unknown", errors.New("/var/lib/pulsed/events.db: disk I/O error"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := classify(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, body.Error)
			assert.NotContains(t, body.Message, "/var/lib")
		})
	}
}

func TestHandleError_LogsServerFailures(t *testing.T) {
	s := setupTestServer(t, nil)
	s.echo.GET("/boom", func(c echo.Context) error {
		return errors.New("disk I/O error")
	})

	rec := s.do(t, http.MethodGet, "/boom", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, ErrorResponse{Error: CodeInternal, Message: "internal error"}, decode[ErrorResponse](t, rec))
	s.logs.AssertLogged(t, zapcore.ErrorLevel, "request failed")
}

func TestRecoverFromPanic(t *testing.T) {
	s := setupTestServer(t, nil)
	s.echo.GET("/panic", func(c echo.Context) error {
		panic("handler bug")
	})

	rec := s.do(t, http.MethodGet, "/panic", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
