package flush

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/bissquit/trackbuffer/internal/domain"
	"github.com/bissquit/trackbuffer/internal/jobslot"
	"github.com/bissquit/trackbuffer/internal/retry"
	"github.com/bissquit/trackbuffer/internal/telemetry"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorker(f *fixture, clock clockwork.Clock, logger *slog.Logger) (*Worker, *jobslot.Allocator) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	slots := jobslot.New()
	return NewWorker(WorkerConfig{
		LogInterval:       30 * time.Second,
		ReplayInterval:    time.Minute,
		MaxConcurrentJobs: 4,
	}, f.flusher, slots, clock, logger), slots
}

func TestParseJob(t *testing.T) {
	job, err := ParseJob("logs")
	require.NoError(t, err)
	assert.Equal(t, JobLogs, job)

	_, err = ParseJob("metrics")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestWorker_RunJob(t *testing.T) {
	f := newFixture(t)
	f.logs.Write(domain.LogLevelInfo, "hello", nil)

	var out bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))
	w, slots := newTestWorker(f, nil, logger)

	outcome, err := w.RunJob(context.Background(), JobLogs)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, outcome)

	assert.Equal(t, 1, slots.Size())
	assert.Equal(t, 0, slots.Get(jobslot.DefaultID), "slot usage is cleared after the run")
	assert.Contains(t, out.String(), "job_id=20160525")
	assert.Contains(t, out.String(), "flush sent")
}

func TestWorker_RunJob_Unknown(t *testing.T) {
	f := newFixture(t)
	w, slots := newTestWorker(f, nil, nil)

	_, err := w.RunJob(context.Background(), Job("metrics"))
	require.ErrorIs(t, err, ErrUnknownJob)
	assert.Equal(t, 0, slots.Size())
}

func TestWorker_Trigger(t *testing.T) {
	f := newFixture(t)
	f.replays.Write(map[string]any{"n": 1})
	w, _ := newTestWorker(f, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Trigger(ctx, JobReplays))
	cancel()

	require.Eventually(t, func() bool {
		return f.replays.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.sender.replayCalls())

	w.Stop()
	assert.ErrorIs(t, w.Trigger(context.Background(), JobLogs), ErrWorkerStopped)
}

func TestWorker_Schedule(t *testing.T) {
	f := newFixture(t)
	f.logs.Write(domain.LogLevelInfo, "scheduled", nil)

	clock := clockwork.NewFakeClock()
	w, _ := newTestWorker(f, clock, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	require.NoError(t, clock.BlockUntilContext(ctx, 3))
	clock.Advance(30 * time.Second)

	require.Eventually(t, func() bool {
		return f.sender.logCalls() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, f.logs.Len())
	assert.Equal(t, 0, f.sender.replayCalls(), "replay buffer was empty")
}

func TestWorker_BatchInterval(t *testing.T) {
	clock := clockwork.NewFakeClock()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := newFixture(t)
	f.replays = telemetry.OpenReplayBuffer(context.Background(), nil, telemetry.ReplayBufferConfig{
		BatchSize:     100,
		BatchInterval: 10 * time.Second,
	}, clock, logger)
	f.flusher = NewFlusher(f.logs, f.replays, f.sender, retry.NewDriver(retry.Config{MaxAttempts: 1}, nil))

	w := NewWorker(WorkerConfig{
		LogInterval:        time.Hour,
		ReplayInterval:     time.Hour,
		BatchCheckInterval: 5 * time.Second,
	}, f.flusher, jobslot.New(), clock, logger)

	_, due := f.replays.AddToBatch(map[string]any{"event": "app_open"})
	require.False(t, due)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	require.NoError(t, clock.BlockUntilContext(ctx, 3))
	clock.Advance(5 * time.Second)
	assert.Never(t, func() bool {
		return f.sender.replayCalls() > 0
	}, 100*time.Millisecond, 10*time.Millisecond, "batch is younger than the interval")

	clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool {
		return f.sender.replayCalls() == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return f.replays.BatchCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, f.replays.Len())
}

func TestWorker_FlushAll(t *testing.T) {
	f := newFixture(t)
	f.logs.Write(domain.LogLevelInfo, "last words", nil)
	f.replays.Write(map[string]any{"n": 1})
	w, _ := newTestWorker(f, nil, nil)

	require.NoError(t, w.FlushAll(context.Background()))
	assert.Equal(t, 0, f.logs.Len())
	assert.Equal(t, 0, f.replays.Len())
}
