// Package collector defines how buffered telemetry reaches the remote
// collector.
package collector

import (
	"context"

	"github.com/bissquit/trackbuffer/internal/domain"
)

// Sender delivers batches to the collector. A send reports the outcome as a
// Status; the error carries detail and may implement IsRetryable.
type Sender interface {
	SendLogs(ctx context.Context, logs []domain.LogEntry) (domain.Status, error)
	SendReplays(ctx context.Context, replays []domain.ReplayPayload) (domain.Status, error)
	Close() error
}
