package buffer

import (
	"sync"

	"github.com/bissquit/trackbuffer/internal/pkg/metrics"
)

// Store is a bounded buffer that can hand its contents to a flush job.
type Store[T any] interface {
	Write(item T)
	Stash() Stash[T]
	Len() int
	Close() error
}

// MemoryStore keeps entries in memory only. A stash drains the queue and a
// failed commit puts the entries back at the head.
type MemoryStore[T any] struct {
	name  string
	mu    sync.Mutex
	queue *Queue[T]
}

// NewMemoryStore creates an in-memory store. name labels its metrics.
func NewMemoryStore[T any](name string, capacity int, policy PurgePolicy, marker func() T) *MemoryStore[T] {
	return &MemoryStore[T]{
		name:  name,
		queue: NewQueue(capacity, policy, marker),
	}
}

// Write appends an entry.
func (s *MemoryStore[T]) Write(item T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dropped := s.queue.Push(item); dropped > 0 {
		metrics.RecordBufferPurge(s.name, dropped)
	}
	metrics.RecordBufferWrite(s.name)
	metrics.SetBufferSize(s.name, s.queue.Len())
}

// Stash drains the queue into a stash.
func (s *MemoryStore[T]) Stash() Stash[T] {
	s.mu.Lock()
	items := s.queue.Drain()
	metrics.SetBufferSize(s.name, 0)
	s.mu.Unlock()

	if len(items) == 0 {
		return EmptyStash[T]()
	}
	return NewStash(items, func(success bool) {
		if success {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if dropped := s.queue.PushFront(items); dropped > 0 {
			metrics.RecordBufferPurge(s.name, dropped)
		}
		metrics.SetBufferSize(s.name, s.queue.Len())
	})
}

// Len returns the number of buffered entries.
func (s *MemoryStore[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Close is a no-op.
func (s *MemoryStore[T]) Close() error {
	return nil
}
