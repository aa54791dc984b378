// Package blob implements a durable buffer that mirrors its whole queue into
// a single value of a key/value store.
package blob

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/bissquit/trackbuffer/internal/buffer"
	"github.com/bissquit/trackbuffer/internal/kv"
	"github.com/bissquit/trackbuffer/internal/pkg/metrics"
	"github.com/jonboulle/clockwork"
)

// Pruning of the persisted copy: above pruneThreshold items, every item at an
// index divisible by pruneStride is left out.
const (
	pruneThreshold = 50
	pruneStride    = 5

	storeTimeout = 5 * time.Second
)

// Config configures a blob store.
type Config struct {
	// Name labels metrics and log lines.
	Name     string
	Key      string
	Capacity int
	// PersistInterval batches blob writes. Zero writes after every mutation.
	PersistInterval time.Duration
}

// Store is a bounded SingleDrop queue persisted as one JSON array.
type Store[T any] struct {
	name     string
	key      string
	kv       kv.Store
	identity func(T) string
	clock    clockwork.Clock
	logger   *slog.Logger
	interval time.Duration

	mu    sync.Mutex
	queue *buffer.Queue[T]
	dirty bool

	// persistMu orders blob writes; each write takes its snapshot while
	// holding it.
	persistMu sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Open creates the store and hydrates it from the key/value store. A nil
// store keeps the buffer in memory only. identity must return a value that
// is unique per item; it is used to remove committed items.
func Open[T any](ctx context.Context, store kv.Store, cfg Config, identity func(T) string, clock clockwork.Clock, logger *slog.Logger) *Store[T] {
	if cfg.Name == "" {
		cfg.Name = "blob"
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	s := &Store[T]{
		name:     cfg.Name,
		key:      cfg.Key,
		kv:       store,
		identity: identity,
		clock:    clock,
		logger:   logger.With("buffer", cfg.Name),
		interval: cfg.PersistInterval,
		queue:    buffer.NewQueue[T](cfg.Capacity, buffer.SingleDrop, nil),
		stopCh:   make(chan struct{}),
	}
	s.hydrate(ctx)
	metrics.SetBufferSize(s.name, s.queue.Len())

	if s.kv != nil && s.interval > 0 {
		s.wg.Add(1)
		go s.persistLoop()
	}
	return s
}

func (s *Store[T]) hydrate(ctx context.Context) {
	if s.kv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	raw, ok, err := s.kv.Get(ctx, s.key)
	if err != nil {
		s.storageError("get", err)
		return
	}
	if !ok || raw == "" {
		return
	}

	var items []T
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		s.logger.Warn("discarding undecodable persisted buffer", "key", s.key, "error", err)
		return
	}
	dropped := 0
	for _, item := range items {
		dropped += s.queue.Push(item)
	}
	if dropped > 0 {
		metrics.RecordBufferPurge(s.name, dropped)
	}
	s.logger.Info("restored persisted buffer", "entries", s.queue.Len())
}

// Write appends an item, dropping the oldest when full.
func (s *Store[T]) Write(item T) {
	s.mu.Lock()
	if dropped := s.queue.Push(item); dropped > 0 {
		metrics.RecordBufferPurge(s.name, dropped)
	}
	s.dirty = true
	metrics.RecordBufferWrite(s.name)
	metrics.SetBufferSize(s.name, s.queue.Len())
	s.mu.Unlock()

	s.changed()
}

// Stash returns a snapshot of the queue. Commit(true) removes exactly the
// snapshot's items; Commit(false) leaves the queue untouched.
func (s *Store[T]) Stash() buffer.Stash[T] {
	s.mu.Lock()
	items := s.queue.Snapshot()
	s.mu.Unlock()

	if len(items) == 0 {
		return buffer.EmptyStash[T]()
	}
	return buffer.NewStash(items, func(success bool) {
		if success {
			s.remove(items)
		}
	})
}

func (s *Store[T]) remove(items []T) {
	ids := make(map[string]struct{}, len(items))
	for _, item := range items {
		ids[s.identity(item)] = struct{}{}
	}

	s.mu.Lock()
	removed := s.queue.RemoveFunc(func(item T) bool {
		_, ok := ids[s.identity(item)]
		return ok
	})
	if removed > 0 {
		s.dirty = true
	}
	metrics.SetBufferSize(s.name, s.queue.Len())
	s.mu.Unlock()

	if removed > 0 {
		s.changed()
	}
}

// SetCapacity changes the capacity, dropping the oldest items that no longer
// fit.
func (s *Store[T]) SetCapacity(capacity int) {
	s.mu.Lock()
	dropped := s.queue.SetCapacity(capacity)
	if dropped > 0 {
		s.dirty = true
		metrics.RecordBufferPurge(s.name, dropped)
	}
	metrics.SetBufferSize(s.name, s.queue.Len())
	s.mu.Unlock()

	if dropped > 0 {
		s.changed()
	}
}

// Len returns the number of buffered items.
func (s *Store[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Close stops background persistence and writes any pending changes.
func (s *Store[T]) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
	s.persist()
	return nil
}

func (s *Store[T]) changed() {
	if s.kv == nil || s.interval > 0 {
		return
	}
	s.persist()
}

func (s *Store[T]) persistLoop() {
	defer s.wg.Done()

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.Chan():
			s.persist()
		}
	}
}

// persist writes the current queue if it changed since the last write. An
// empty queue removes the key.
func (s *Store[T]) persist() {
	if s.kv == nil {
		return
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return
	}
	items := prune(s.queue.Snapshot())
	s.dirty = false
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if len(items) == 0 {
		if err := s.kv.Delete(ctx, s.key); err != nil {
			s.storageError("delete", err)
			s.markDirty()
		}
		return
	}

	data, err := json.Marshal(items)
	if err != nil {
		s.logger.Warn("failed to encode buffer", "error", err)
		return
	}
	if err := s.kv.Put(ctx, s.key, string(data)); err != nil {
		s.storageError("put", err)
		s.markDirty()
	}
}

func (s *Store[T]) markDirty() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

// prune thins a long queue before it is persisted.
func prune[T any](items []T) []T {
	if len(items) <= pruneThreshold {
		return items
	}
	out := make([]T, 0, len(items)-len(items)/pruneStride)
	for i, item := range items {
		if i%pruneStride == 0 {
			continue
		}
		out = append(out, item)
	}
	return out
}

func (s *Store[T]) storageError(op string, err error) {
	metrics.RecordStorageError(s.name, op)
	s.logger.Warn("blob storage operation failed",
		"op", op,
		"key", s.key,
		"error", err,
	)
}
