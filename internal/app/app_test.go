package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/trackbuffer/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collectorStub struct {
	mu     sync.Mutex
	status int
	paths  []string
	bodies []string
}

func (c *collectorStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body json.RawMessage
	_ = json.NewDecoder(r.Body).Decode(&body)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.paths = append(c.paths, r.URL.Path)
	c.bodies = append(c.bodies, string(body))
	w.WriteHeader(c.status)
}

func (c *collectorStub) requests() ([]string, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.paths...), append([]string(nil), c.bodies...)
}

func testConfig(t *testing.T, collectorURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Log.Level = "error"
	cfg.Log.CaptureLevel = "error"
	cfg.LogBuffer.Dir = filepath.Join(dir, "logs")
	cfg.Storage.Pebble.DataDir = filepath.Join(dir, "kv")
	cfg.Collector.URL = collectorURL
	cfg.Retry.MaxAttempts = 1
	require.NoError(t, cfg.Validate())
	return cfg
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func shutdown(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Shutdown(ctx))
}

func TestApp_ShutdownFlushesBufferedLogs(t *testing.T) {
	stub := &collectorStub{status: http.StatusOK}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	a, err := New(testConfig(t, srv.URL))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	a.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = post(t, a.Router(), "/v1/logs", `{"level":"ERROR","message":"sdk call failed"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	shutdown(t, a)

	paths, bodies := stub.requests()
	require.Equal(t, []string{"/v1/logs"}, paths)
	assert.Contains(t, bodies[0], "sdk call failed")
}

func TestApp_ReplaysSurviveRestart(t *testing.T) {
	stub := &collectorStub{status: http.StatusServiceUnavailable}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	cfg.Storage.Backend = config.BackendPebble

	a, err := New(cfg)
	require.NoError(t, err)

	rec := post(t, a.Router(), "/v1/replays", `{"params":{"userId":"u1"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	shutdown(t, a)

	paths, _ := stub.requests()
	assert.Contains(t, paths, "/v1/track/replay", "final flush attempted delivery")

	restarted, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, restarted.replays.Len())

	stub.mu.Lock()
	stub.status = http.StatusOK
	stub.mu.Unlock()
	shutdown(t, restarted)
	assert.Equal(t, 0, restarted.replays.Len())
}

func TestApp_TriggerFlush(t *testing.T) {
	stub := &collectorStub{status: http.StatusOK}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	a, err := New(testConfig(t, srv.URL))
	require.NoError(t, err)
	defer shutdown(t, a)

	rec := post(t, a.Router(), "/v1/logs", `{"level":"INFO","message":"hello"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = post(t, a.Router(), "/v1/flush/logs", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		return a.logs.Len() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestApp_LogsSurviveRestart(t *testing.T) {
	stub := &collectorStub{status: http.StatusServiceUnavailable}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	cfg := testConfig(t, srv.URL)

	a, err := New(cfg)
	require.NoError(t, err)

	rec := post(t, a.Router(), "/v1/logs", `{"level":"ERROR","message":"offline write"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	shutdown(t, a)

	restarted, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, restarted.logs.Len())

	stub.mu.Lock()
	stub.status = http.StatusOK
	stub.mu.Unlock()
	shutdown(t, restarted)

	paths, bodies := stub.requests()
	require.Equal(t, "/v1/logs", paths[len(paths)-1])
	assert.Contains(t, bodies[len(bodies)-1], "offline write")
	assert.Equal(t, 0, restarted.logs.Len())
}
