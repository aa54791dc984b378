package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/bissquit/trackbuffer/internal/domain"
	"github.com/bissquit/trackbuffer/internal/retry"
	"github.com/jonboulle/clockwork"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (m *mockWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if m.err != nil {
		return m.err
	}
	m.msgs = append(m.msgs, msgs...)
	return nil
}

func (m *mockWriter) Close() error {
	m.closed = true
	return nil
}

func newTestPublisher(logs, replays *mockWriter) *Publisher {
	return &Publisher{
		logs:    logs,
		replays: replays,
		clock:   clockwork.NewFakeClockAt(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestNewPublisher_RequiresBrokers(t *testing.T) {
	_, err := NewPublisher(Config{}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.ErrorIs(t, err, ErrNoBrokers)
}

func TestPublisher_SendLogs(t *testing.T) {
	logs := &mockWriter{}
	p := newTestPublisher(logs, &mockWriter{})

	status, err := p.SendLogs(context.Background(), []domain.LogEntry{
		domain.NewLogEntry(domain.LogLevelError, "boom", nil, time.Now()),
		domain.NewLogEntry(domain.LogLevelInfo, "ok", nil, time.Now()),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, status)

	require.Len(t, logs.msgs, 2)
	var entry domain.LogEntry
	require.NoError(t, json.Unmarshal(logs.msgs[0].Value, &entry))
	assert.Equal(t, "boom", entry.Message)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), logs.msgs[0].Time)
}

func TestPublisher_SendReplaysKeyedByID(t *testing.T) {
	replays := &mockWriter{}
	p := newTestPublisher(&mockWriter{}, replays)

	payload := domain.NewReplayPayload(map[string]any{"lat": 40.7}, time.Now())
	status, err := p.SendReplays(context.Background(), []domain.ReplayPayload{payload})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, status)

	require.Len(t, replays.msgs, 1)
	assert.Equal(t, payload.ID.String(), string(replays.msgs[0].Key))
}

func TestPublisher_EmptyBatch(t *testing.T) {
	logs := &mockWriter{err: errors.New("should not be called")}
	p := newTestPublisher(logs, &mockWriter{})

	status, err := p.SendLogs(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, status)
}

func TestPublisher_WriteErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		want      domain.Status
		retryable bool
	}{
		{name: "network", err: io.ErrUnexpectedEOF, want: domain.StatusErrorNetwork, retryable: true},
		{name: "deadline", err: context.DeadlineExceeded, want: domain.StatusErrorNetwork, retryable: true},
		{name: "temporary broker error", err: kafka.LeaderNotAvailable, want: domain.StatusErrorServer, retryable: true},
		{name: "topic authorization", err: kafka.TopicAuthorizationFailed, want: domain.StatusErrorForbidden},
		{name: "sasl", err: kafka.SASLAuthenticationFailed, want: domain.StatusErrorUnauthorized},
		{name: "message too large", err: kafka.MessageSizeTooLarge, want: domain.StatusErrorBadRequest},
		{name: "write errors", err: kafka.WriteErrors{nil, kafka.MessageSizeTooLarge}, want: domain.StatusErrorBadRequest},
		{name: "wrapped", err: fmt.Errorf("write: %w", kafka.TopicAuthorizationFailed), want: domain.StatusErrorForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPublisher(&mockWriter{err: tt.err}, &mockWriter{})
			status, err := p.SendLogs(context.Background(), []domain.LogEntry{
				domain.NewLogEntry(domain.LogLevelInfo, "x", nil, time.Now()),
			})
			require.Error(t, err)
			assert.Equal(t, tt.want, status)
			assert.Equal(t, tt.retryable, isRetryable(err))
		})
	}
}

func TestPublisher_Close(t *testing.T) {
	logs, replays := &mockWriter{}, &mockWriter{}
	p := newTestPublisher(logs, replays)
	require.NoError(t, p.Close())
	assert.True(t, logs.closed)
	assert.True(t, replays.closed)
}

func isRetryable(err error) bool {
	var retryable *retry.RetryableError
	return errors.As(err, &retryable)
}
