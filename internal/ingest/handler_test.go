package ingest

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/bissquit/trackbuffer/internal/domain"
	"github.com/bissquit/trackbuffer/internal/flush"
	"github.com/bissquit/trackbuffer/internal/pkg/httputil"
	"github.com/bissquit/trackbuffer/internal/telemetry"
	"github.com/bissquit/trackbuffer/internal/testutil"
	"github.com/go-chi/chi/v5"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const specPath = "../../api/openapi/openapi.yaml"

type mockTrigger struct {
	mu   sync.Mutex
	jobs []flush.Job
	err  error
}

func (m *mockTrigger) Trigger(_ context.Context, job flush.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.jobs = append(m.jobs, job)
	return nil
}

func (m *mockTrigger) triggered() []flush.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]flush.Job(nil), m.jobs...)
}

type env struct {
	logs    *telemetry.LogBuffer
	replays *telemetry.ReplayBuffer
	trigger *mockTrigger
	client  *testutil.Client
}

func setup(t *testing.T) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	logs := telemetry.OpenLogBuffer(telemetry.LogBufferConfig{Capacity: 10}, afero.NewMemMapFs(), nil, logger)
	replays := telemetry.OpenReplayBuffer(context.Background(), nil, telemetry.ReplayBufferConfig{BatchSize: 2}, nil, logger)
	trigger := &mockTrigger{}

	r := chi.NewRouter()
	r.Use(httputil.MetricsMiddleware)
	r.Use(httputil.RequestLoggerMiddleware(logger, slog.LevelDebug))
	r.Route("/v1", NewHandler(logs, replays, trigger).RegisterRoutes)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &env{
		logs:    logs,
		replays: replays,
		trigger: trigger,
		client:  testutil.NewClientWithValidation(t, srv.URL, specPath),
	}
}

func TestWriteLog(t *testing.T) {
	e := setup(t)

	resp, err := e.client.POST("/v1/logs", map[string]any{
		"level":    "warn",
		"message":  "permission denied\nretrying",
		"category": "PERMISSION_EVENT",
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body struct {
		Data BufferSizesResponse `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &body)
	assert.Equal(t, 1, body.Data.Logs)

	entries := e.logs.Stash().Get()
	require.Len(t, entries, 1)
	assert.Equal(t, domain.LogLevelWarning, entries[0].Level)
	assert.Equal(t, "permission denied\tretrying", entries[0].Message)
	require.NotNil(t, entries[0].Category)
	assert.Equal(t, domain.LogCategoryPermissionEvent, *entries[0].Category)
}

func TestWriteLog_Invalid(t *testing.T) {
	e := setup(t)

	tests := []struct {
		name   string
		client *testutil.Client
		body   any
	}{
		{"unknown level", e.client, map[string]any{"level": "trace", "message": "x"}},
		{"missing message", e.client.WithoutValidation(), map[string]any{"level": "INFO"}},
		{"unknown category", e.client.WithoutValidation(), map[string]any{"level": "INFO", "message": "x", "category": "BOGUS"}},
		{"unknown field", e.client.WithoutValidation(), map[string]any{"level": "INFO", "message": "x", "extra": 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := tt.client.POST("/v1/logs", tt.body)
			require.NoError(t, err)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			_ = resp.Body.Close()
		})
	}
	assert.Equal(t, 0, e.logs.Len())
}

func TestWriteLog_BodyTooLarge(t *testing.T) {
	e := setup(t)

	resp, err := e.client.WithoutValidation().POST("/v1/logs", map[string]any{
		"level":   "INFO",
		"message": strings.Repeat("x", httputil.MaxBodyBytes),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestWriteReplay_BatchTriggersFlush(t *testing.T) {
	e := setup(t)

	resp, err := e.client.POST("/v1/replays", map[string]any{"params": map[string]any{"userId": "u1"}})
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var first struct {
		Data ReplayAcceptedResponse `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &first)
	assert.False(t, first.Data.BatchFull)
	assert.Empty(t, e.trigger.triggered())

	resp, err = e.client.POST("/v1/replays", map[string]any{"params": map[string]any{"userId": "u2"}})
	require.NoError(t, err)
	var second struct {
		Data ReplayAcceptedResponse `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &second)
	assert.True(t, second.Data.BatchFull)
	assert.Equal(t, []flush.Job{flush.JobReplays}, e.trigger.triggered())

	stored := e.replays.Stash().Get()
	require.Len(t, stored, 2)
	assert.Equal(t, first.Data.ID, stored[0].ID)
	assert.Equal(t, "u2", stored[1].Params["userId"])
}

func TestWriteReplay_EmptyParams(t *testing.T) {
	e := setup(t)

	resp, err := e.client.WithoutValidation().POST("/v1/replays", map[string]any{"params": map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestGetBuffers(t *testing.T) {
	e := setup(t)
	e.logs.Write(domain.LogLevelInfo, "a", nil)
	e.logs.Write(domain.LogLevelInfo, "b", nil)
	e.replays.Write(map[string]any{"n": 1})

	resp, err := e.client.GET("/v1/buffers")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Data BufferSizesResponse `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &body)
	assert.Equal(t, BufferSizesResponse{Logs: 2, Replays: 1}, body.Data)
}

func TestTriggerFlush(t *testing.T) {
	e := setup(t)

	resp, err := e.client.POST("/v1/flush/logs", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = e.client.POST("/v1/flush/metrics", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()

	assert.Equal(t, []flush.Job{flush.JobLogs}, e.trigger.triggered())

	e.trigger.err = flush.ErrWorkerStopped
	resp, err = e.client.POST("/v1/flush/replays", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestSetReplayCapacity(t *testing.T) {
	e := setup(t)
	for i := 0; i < 5; i++ {
		e.replays.Write(map[string]any{"n": i})
	}

	resp, err := e.client.PUT("/v1/buffers/replays/capacity", map[string]any{"capacity": 3})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Data ReplayCapacityResponse `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &body)
	assert.Equal(t, ReplayCapacityResponse{Capacity: 3, Replays: 3}, body.Data)

	stored := e.replays.Stash().Get()
	require.Len(t, stored, 3)
	assert.Equal(t, 2, stored[0].Params["n"], "oldest replays are dropped")

	e.replays.Write(map[string]any{"n": 5})
	assert.Equal(t, 3, e.replays.Len(), "new capacity applies to later writes")
}

func TestSetReplayCapacity_Invalid(t *testing.T) {
	e := setup(t)

	for _, capacity := range []int{0, -1, 10001} {
		resp, err := e.client.WithoutValidation().PUT("/v1/buffers/replays/capacity", map[string]any{"capacity": capacity})
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "capacity %d", capacity)
		_ = resp.Body.Close()
	}
}
