package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"langapp-coordinator/internal/api/handlers"
	"langapp-coordinator/internal/coordinator"
	"langapp-coordinator/internal/sessions"
)

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type fakeQueue struct {
	positions map[string]int
}

func (q fakeQueue) Status() coordinator.Status {
	return coordinator.Status{
		Buckets:        map[string]int{"en:es": 2},
		Queued:         2,
		PendingMatches: 1,
		ActiveSessions: 3,
	}
}

func (q fakeQueue) Position(userID string) (int, bool) {
	p, ok := q.positions[userID]
	return p, ok
}

type fakeConns []sessions.ConnectionMetrics

func (c fakeConns) Count() int { return len(c) }

func (c fakeConns) ConnectionMetrics() []sessions.ConnectionMetrics {
	return append([]sessions.ConnectionMetrics(nil), c...)
}

var t0 = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

var testConns = fakeConns{
	{ConnID: "c2", UserID: "bob", ConnectedAt: t0.Add(time.Minute), MessagesRecv: 4},
	{ConnID: "c1", UserID: "alice", ConnectedAt: t0, MessagesSent: 3, ClientIP: "10.0.0.1"},
}

func newTestRouter(ping handlers.Pinger, limiter *UpgradeLimiter, origins []string) http.Handler {
	return NewRouter(&Dependencies{
		Health:         ping,
		QueueHandler:   handlers.NewQueueHandler(fakeQueue{positions: map[string]int{"alice": 2}}, testConns),
		WebSocket:      func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) },
		UpgradeLimiter: limiter,
		AllowedOrigins: origins,
		Log:            zerolog.Nop(),
	})
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	ok := newTestRouter(pingFunc(func(context.Context) error { return nil }), nil, nil)
	rec := get(t, ok, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","service":"langapp-coordinator"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	down := newTestRouter(pingFunc(func(context.Context) error { return errors.New("redis: connection refused") }), nil, nil)
	rec = get(t, down, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body handlers.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Contains(t, body.Error, "connection refused")
}

func TestLanguages(t *testing.T) {
	rec := get(t, newTestRouter(nil, nil, nil), "/api/v1/languages")
	require.Equal(t, http.StatusOK, rec.Code)

	var body handlers.LanguagesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Languages, 21)
	assert.Equal(t, "en", body.Languages[0].Code)
}

func TestQueueStatus(t *testing.T) {
	r := newTestRouter(nil, nil, nil)

	rec := get(t, r, "/api/v1/queue/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(2), body["queued"])
	assert.Equal(t, float64(1), body["pending_matches"])
	assert.Equal(t, float64(3), body["active_sessions"])
	assert.Equal(t, float64(2), body["connections"])
	assert.Equal(t, map[string]any{"en:es": float64(2)}, body["buckets"])

	rec = get(t, r, "/api/v1/queue/status/alice")
	var user handlers.UserQueueStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &user))
	assert.True(t, user.Queued)
	assert.Equal(t, 2, user.Position)

	rec = get(t, r, "/api/v1/queue/status/bob")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &user))
	assert.False(t, user.Queued)
}

func TestUpgradeThrottle(t *testing.T) {
	r := newTestRouter(nil, NewUpgradeLimiter(0.001, 2), nil)

	send := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.RemoteAddr = ip + ":5555"
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("203.0.113.9"))
	assert.Equal(t, http.StatusOK, send("203.0.113.9"))
	assert.Equal(t, http.StatusTooManyRequests, send("203.0.113.9"))
	assert.Equal(t, http.StatusOK, send("198.51.100.4"))
}

func TestUpgradeLimiter_ReusesAndEvicts(t *testing.T) {
	ul := NewUpgradeLimiter(1, 0)
	assert.Equal(t, 1, ul.burst)

	lim := ul.limiter("a")
	assert.Same(t, lim, ul.limiter("a"))

	ul.ttl = 0
	ul.lookups = cleanupEvery - 1
	ul.limiter("b")
	ul.mu.Lock()
	_, stillThere := ul.visitors["a"]
	ul.mu.Unlock()
	assert.False(t, stillThere)
}

func TestCORS(t *testing.T) {
	r := newTestRouter(nil, nil, []string{"https://app.example"})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/languages", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/v1/languages", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	r := newTestRouter(nil, nil, nil)
	get(t, r, "/api/v1/languages")

	rec := get(t, r, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "coordinator_queue_entries"))
	assert.True(t, strings.Contains(body, `path="/api/v1/languages"`))
}

func TestConnections(t *testing.T) {
	rec := get(t, newTestRouter(nil, nil, nil), "/api/v1/connections")
	require.Equal(t, http.StatusOK, rec.Code)

	var body handlers.ConnectionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	require.Len(t, body.Connections, 2)
	assert.Equal(t, "alice", body.Connections[0].UserID)
	assert.Equal(t, int64(3), body.Connections[0].MessagesSent)
	assert.Equal(t, "10.0.0.1", body.Connections[0].ClientIP)
	assert.Equal(t, "bob", body.Connections[1].UserID)
}
