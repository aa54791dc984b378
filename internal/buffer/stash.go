package buffer

import "sync"

// Stash is a snapshot of buffered entries handed to one delivery attempt.
// Commit(true) removes the entries from the store, Commit(false) keeps them
// for a later attempt. Only the first Commit has an effect.
type Stash[T any] interface {
	Get() []T
	Commit(success bool)
}

type stash[T any] struct {
	items    []T
	once     sync.Once
	onCommit func(success bool)
}

// NewStash creates a stash over items. onCommit runs at most once.
func NewStash[T any](items []T, onCommit func(success bool)) Stash[T] {
	return &stash[T]{items: items, onCommit: onCommit}
}

// EmptyStash returns a stash with no entries whose Commit does nothing.
func EmptyStash[T any]() Stash[T] {
	return &stash[T]{}
}

func (s *stash[T]) Get() []T {
	return s.items
}

func (s *stash[T]) Commit(success bool) {
	s.once.Do(func() {
		if s.onCommit != nil {
			s.onCommit(success)
		}
	})
}
