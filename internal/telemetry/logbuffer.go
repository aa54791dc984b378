// Package telemetry provides the log and replay buffers that hold telemetry
// until a flush job delivers it.
package telemetry

import (
	"log/slog"

	"github.com/bissquit/trackbuffer/internal/buffer"
	"github.com/bissquit/trackbuffer/internal/buffer/segment"
	"github.com/bissquit/trackbuffer/internal/domain"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
)

// Buffer names used in metrics.
const (
	LogBufferName    = "logs"
	ReplayBufferName = "replays"
)

// DefaultLogCapacity is the default number of buffered log entries.
const DefaultLogCapacity = 500

// LogBufferConfig configures the log buffer.
type LogBufferConfig struct {
	// Persist stores entries in segment files under Dir.
	Persist  bool
	Dir      string
	Capacity int
}

// LogBuffer holds log entries until they are flushed.
type LogBuffer struct {
	store buffer.Store[domain.LogEntry]
	clock clockwork.Clock
}

// NewLogBuffer wraps an existing store.
func NewLogBuffer(store buffer.Store[domain.LogEntry], clock clockwork.Clock) *LogBuffer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &LogBuffer{store: store, clock: clock}
}

// OpenLogBuffer creates a log buffer. When persistence is requested but the
// segment directory cannot be used, the buffer falls back to memory.
//
// logger must not write back into the returned buffer.
func OpenLogBuffer(cfg LogBufferConfig, fs afero.Fs, clock clockwork.Clock, logger *slog.Logger) *LogBuffer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultLogCapacity
	}
	marker := func() domain.LogEntry { return domain.NewPurgeMarker(clock.Now()) }

	if cfg.Persist {
		store, err := segment.Open(fs, segment.Config{
			Name:     LogBufferName,
			Dir:      cfg.Dir,
			Capacity: cfg.Capacity,
		}, segment.JSONCodec[domain.LogEntry]{}, marker, logger)
		if err == nil {
			return NewLogBuffer(store, clock)
		}
		logger.Warn("log persistence unavailable, buffering in memory",
			"dir", cfg.Dir,
			"error", err,
		)
	}

	return NewLogBuffer(buffer.NewMemoryStore(LogBufferName, cfg.Capacity, buffer.HalfPurge, marker), clock)
}

// Write buffers a log line stamped with the current time.
func (b *LogBuffer) Write(level domain.LogLevel, message string, category *domain.LogCategory) {
	b.store.Write(domain.NewLogEntry(level, message, category, b.clock.Now()))
}

// WriteEntry buffers a prepared entry.
func (b *LogBuffer) WriteEntry(entry domain.LogEntry) {
	b.store.Write(entry)
}

// Stash hands the buffered entries to a flush job.
func (b *LogBuffer) Stash() buffer.Stash[domain.LogEntry] {
	return b.store.Stash()
}

// Len returns the number of buffered entries.
func (b *LogBuffer) Len() int {
	return b.store.Len()
}

// Close releases the underlying store.
func (b *LogBuffer) Close() error {
	return b.store.Close()
}
