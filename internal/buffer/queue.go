// Package buffer provides bounded queues and the stash/commit protocol used to
// hand buffered entries to a flush job.
package buffer

// PurgePolicy decides what a full queue discards to make room.
type PurgePolicy int

// Purge policies.
const (
	// SingleDrop discards the oldest item.
	SingleDrop PurgePolicy = iota
	// HalfPurge discards the oldest half and records a marker item.
	HalfPurge
)

const minHalfPurgeCapacity = 4

// Queue is a FIFO with a fixed capacity. It is not safe for concurrent use;
// stores guard it with their own lock.
type Queue[T any] struct {
	items    []T
	capacity int
	policy   PurgePolicy
	marker   func() T
}

// NewQueue creates a queue. marker is required for HalfPurge and ignored for
// SingleDrop.
func NewQueue[T any](capacity int, policy PurgePolicy, marker func() T) *Queue[T] {
	if marker == nil {
		marker = func() T {
			var zero T
			return zero
		}
	}
	q := &Queue[T]{
		policy: policy,
		marker: marker,
	}
	q.capacity = q.normalize(capacity)
	return q
}

func (q *Queue[T]) normalize(capacity int) int {
	if capacity < 1 {
		capacity = 1
	}
	if q.policy == HalfPurge && capacity < minHalfPurgeCapacity {
		capacity = minHalfPurgeCapacity
	}
	return capacity
}

// Push appends item, purging first if the queue is full. It returns the
// number of discarded items.
func (q *Queue[T]) Push(item T) int {
	dropped := 0
	if len(q.items)+1 > q.capacity {
		switch q.policy {
		case HalfPurge:
			dropped = q.dropOldest(len(q.items) - q.capacity/2)
			q.items = append(q.items, q.marker())
		default:
			dropped = q.dropOldest(1)
		}
	}
	q.items = append(q.items, item)
	return dropped
}

// PushFront puts items back at the head of the queue in their original order.
// Overflow is resolved by discarding from the head.
func (q *Queue[T]) PushFront(items []T) int {
	if len(items) == 0 {
		return 0
	}
	merged := make([]T, 0, len(items)+len(q.items))
	merged = append(merged, items...)
	merged = append(merged, q.items...)
	q.items = merged

	if len(q.items) <= q.capacity {
		return 0
	}
	switch q.policy {
	case HalfPurge:
		dropped := q.dropOldest(len(q.items) - q.capacity/2)
		q.items = append([]T{q.marker()}, q.items...)
		return dropped
	default:
		return q.dropOldest(len(q.items) - q.capacity)
	}
}

func (q *Queue[T]) dropOldest(n int) int {
	if n <= 0 {
		return 0
	}
	if n > len(q.items) {
		n = len(q.items)
	}
	clear(q.items[:n])
	q.items = q.items[n:]
	return n
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Capacity returns the normalized capacity.
func (q *Queue[T]) Capacity() int {
	return q.capacity
}

// SetCapacity changes the capacity, discarding the oldest items if the queue
// no longer fits.
func (q *Queue[T]) SetCapacity(capacity int) int {
	q.capacity = q.normalize(capacity)
	return q.dropOldest(len(q.items) - q.capacity)
}

// Snapshot returns a copy of the queued items, oldest first.
func (q *Queue[T]) Snapshot() []T {
	out := make([]T, len(q.items))
	copy(out, q.items)
	return out
}

// Drain returns all queued items and empties the queue.
func (q *Queue[T]) Drain() []T {
	out := q.items
	q.items = nil
	return out
}

// RemoveFunc removes every item for which remove returns true and reports how
// many were removed.
func (q *Queue[T]) RemoveFunc(remove func(T) bool) int {
	kept := q.items[:0]
	removed := 0
	for _, item := range q.items {
		if remove(item) {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	clear(q.items[len(kept):])
	q.items = kept
	return removed
}
