package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bissquit/trackbuffer/internal/buffer"
	"github.com/bissquit/trackbuffer/internal/buffer/blob"
	"github.com/bissquit/trackbuffer/internal/domain"
	"github.com/bissquit/trackbuffer/internal/kv"
	"github.com/jonboulle/clockwork"
)

// Replay buffer defaults.
const (
	DefaultReplayCapacity = 120
	ReplayKey             = "trackbuffer.replays"
)

// ReplayBufferConfig configures the replay buffer.
type ReplayBufferConfig struct {
	Capacity int
	// PersistInterval batches writes to the key/value store. Zero persists
	// after every change.
	PersistInterval time.Duration
	// BatchSize triggers a flush once that many payloads were batched. Zero
	// disables the size trigger.
	BatchSize int
	// BatchInterval triggers a flush once the oldest batched payload is that
	// old. Zero disables the time trigger.
	BatchInterval time.Duration
}

// ReplayBuffer holds tracking requests that could not be delivered.
type ReplayBuffer struct {
	store *blob.Store[domain.ReplayPayload]
	clock clockwork.Clock
	cfg   ReplayBufferConfig

	mu         sync.Mutex
	batchCount int
	batchStart time.Time
}

// OpenReplayBuffer creates a replay buffer persisted in store. A nil store
// keeps replays in memory only.
func OpenReplayBuffer(ctx context.Context, store kv.Store, cfg ReplayBufferConfig, clock clockwork.Clock, logger *slog.Logger) *ReplayBuffer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultReplayCapacity
	}
	return &ReplayBuffer{
		store: blob.Open(ctx, store, blob.Config{
			Name:            ReplayBufferName,
			Key:             ReplayKey,
			Capacity:        cfg.Capacity,
			PersistInterval: cfg.PersistInterval,
		}, replayID, clock, logger),
		clock: clock,
		cfg:   cfg,
	}
}

func replayID(p domain.ReplayPayload) string {
	return p.ID.String()
}

// Write buffers a tracking request and returns the stored payload.
func (b *ReplayBuffer) Write(params map[string]any) domain.ReplayPayload {
	payload := domain.NewReplayPayload(params, b.clock.Now())
	b.store.Write(payload)
	return payload
}

// WritePayload buffers an existing payload, keeping its identity.
func (b *ReplayBuffer) WritePayload(payload domain.ReplayPayload) {
	b.store.Write(payload)
}

// AddToBatch buffers a tracking request and reports whether the batch is due
// for a flush.
func (b *ReplayBuffer) AddToBatch(params map[string]any) (domain.ReplayPayload, bool) {
	payload := b.Write(params)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	if b.batchCount == 0 {
		b.batchStart = now
	}
	b.batchCount++

	due := b.cfg.BatchSize > 0 && b.batchCount >= b.cfg.BatchSize
	if b.cfg.BatchInterval > 0 && now.Sub(b.batchStart) >= b.cfg.BatchInterval {
		due = true
	}
	return payload, due
}

// BatchDue reports whether batched payloads have waited for BatchInterval.
func (b *ReplayBuffer) BatchDue() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.batchCount > 0 && b.cfg.BatchInterval > 0 &&
		b.clock.Since(b.batchStart) >= b.cfg.BatchInterval
}

// ResetBatch clears the batch counter after a successful flush.
func (b *ReplayBuffer) ResetBatch() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batchCount = 0
	b.batchStart = time.Time{}
}

// BatchCount returns the number of payloads batched since the last reset.
func (b *ReplayBuffer) BatchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.batchCount
}

// SetCapacity applies a capacity received from remote configuration.
func (b *ReplayBuffer) SetCapacity(capacity int) {
	b.store.SetCapacity(capacity)
}

// Stash hands the buffered payloads to a flush job.
func (b *ReplayBuffer) Stash() buffer.Stash[domain.ReplayPayload] {
	return b.store.Stash()
}

// Len returns the number of buffered payloads.
func (b *ReplayBuffer) Len() int {
	return b.store.Len()
}

// Close persists pending changes.
func (b *ReplayBuffer) Close() error {
	return b.store.Close()
}
