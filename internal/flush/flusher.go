// Package flush delivers buffered telemetry to the collector.
package flush

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bissquit/trackbuffer/internal/collector"
	"github.com/bissquit/trackbuffer/internal/domain"
	"github.com/bissquit/trackbuffer/internal/pkg/ctxlog"
	"github.com/bissquit/trackbuffer/internal/retry"
	"github.com/bissquit/trackbuffer/internal/telemetry"
)

// Outcome is the result of a flush run.
type Outcome string

// Flush outcomes.
const (
	OutcomeEmpty   Outcome = "empty"
	OutcomeSent    Outcome = "sent"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

const (
	payloadLogs    = "logs"
	payloadReplays = "replays"
)

// Flusher sends the contents of the buffers to the collector. At most one
// flush per buffer runs at a time.
type Flusher struct {
	logs    *telemetry.LogBuffer
	replays *telemetry.ReplayBuffer
	sender  collector.Sender
	retry   *retry.Driver

	logsInFlight    atomic.Bool
	replaysInFlight atomic.Bool
}

// NewFlusher creates a flusher. Log lines go to the logger carried by the
// context of each call.
func NewFlusher(logs *telemetry.LogBuffer, replays *telemetry.ReplayBuffer, sender collector.Sender, driver *retry.Driver) *Flusher {
	return &Flusher{
		logs:    logs,
		replays: replays,
		sender:  sender,
		retry:   driver,
	}
}

// FlushLogs sends every buffered log entry. Entries are removed only when
// the collector accepted them.
func (f *Flusher) FlushLogs(ctx context.Context) (Outcome, error) {
	if !f.logsInFlight.CompareAndSwap(false, true) {
		recordFlush(payloadLogs, OutcomeSkipped)
		return OutcomeSkipped, ErrFlushInProgress
	}
	defer f.logsInFlight.Store(false)
	ctx = ctxlog.With(ctx, "payload", payloadLogs)

	stash := f.logs.Stash()
	entries := stash.Get()
	if len(entries) == 0 {
		stash.Commit(true)
		recordFlush(payloadLogs, OutcomeEmpty)
		return OutcomeEmpty, nil
	}

	res, err := retry.Do(ctx, f.retry, func(ctx context.Context, _ retry.Attempt) (domain.Status, error) {
		start := time.Now()
		status, err := f.sender.SendLogs(ctx, entries)
		recordSendAttempt(payloadLogs, status, time.Since(start))
		return status, err
	})

	ok := res.Status == domain.StatusSuccess
	stash.Commit(ok)
	return f.finish(ctx, payloadLogs, len(entries), res, err)
}

// FlushReplays sends every buffered replay together with current, the
// request that just failed to be tracked. current is buffered instead when
// another replay flush is running or the send fails. After a successful
// send the batch counter is reset and the log buffer is flushed too.
func (f *Flusher) FlushReplays(ctx context.Context, current *domain.ReplayPayload) (Outcome, error) {
	if !f.replaysInFlight.CompareAndSwap(false, true) {
		f.keep(current)
		recordFlush(payloadReplays, OutcomeSkipped)
		return OutcomeSkipped, ErrFlushInProgress
	}
	replayCtx := ctxlog.With(ctx, "payload", payloadReplays)

	stash := f.replays.Stash()
	replays := stash.Get()
	if current != nil {
		replays = append(replays[:len(replays):len(replays)], *current)
	}
	if len(replays) == 0 {
		stash.Commit(true)
		f.replaysInFlight.Store(false)
		recordFlush(payloadReplays, OutcomeEmpty)
		return OutcomeEmpty, nil
	}

	res, err := retry.Do(replayCtx, f.retry, func(ctx context.Context, _ retry.Attempt) (domain.Status, error) {
		start := time.Now()
		status, err := f.sender.SendReplays(ctx, replays)
		recordSendAttempt(payloadReplays, status, time.Since(start))
		return status, err
	})

	ok := res.Status == domain.StatusSuccess
	stash.Commit(ok)
	if ok {
		f.replays.ResetBatch()
	} else {
		f.keep(current)
	}
	f.replaysInFlight.Store(false)

	outcome, err := f.finish(replayCtx, payloadReplays, len(replays), res, err)
	if ok {
		if _, logErr := f.FlushLogs(ctx); logErr != nil && !errors.Is(logErr, ErrFlushInProgress) {
			ctxlog.FromContext(ctx).Warn("log flush after replays failed", "error", logErr)
		}
	}
	return outcome, err
}

func (f *Flusher) keep(current *domain.ReplayPayload) {
	if current != nil {
		f.replays.WritePayload(*current)
	}
}

func (f *Flusher) finish(ctx context.Context, payload string, count int, res retry.Result, err error) (Outcome, error) {
	logger := ctxlog.FromContext(ctx)

	if res.Status == domain.StatusSuccess {
		recordFlush(payload, OutcomeSent)
		logger.Debug("flush sent",
			"count", count,
			"attempts", res.Attempts,
		)
		return OutcomeSent, nil
	}

	if errors.Is(err, retry.ErrRetriesExhausted) {
		recordRetryExhausted(payload)
	}
	recordFlush(payload, OutcomeFailed)
	logger.Warn("flush failed, keeping buffered entries",
		"count", count,
		"status", res.Status,
		"attempts", res.Attempts,
		"error", err,
	)
	return OutcomeFailed, fmt.Errorf("flush %s: %w", payload, err)
}

// ReplayBatchDue reports whether batched replays have waited long enough to
// be flushed.
func (f *Flusher) ReplayBatchDue() bool {
	return f.replays.BatchDue()
}

// Pending reports the number of buffered log entries and replays.
func (f *Flusher) Pending() (logs, replays int) {
	return f.logs.Len(), f.replays.Len()
}
