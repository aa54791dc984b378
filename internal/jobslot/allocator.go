// Package jobslot hands out a bounded set of integer ids to scheduled jobs
// and recycles them by usage count.
package jobslot

import (
	"slices"
	"sync"
)

// DefaultID is returned when job slots are disabled and seeds every pool.
const DefaultID = 20160525

// Allocator tracks slot ids and how often each has been used. The zero value
// is not usable; call New.
type Allocator struct {
	mu    sync.Mutex
	slots map[int]struct{}
	usage map[int]int
}

// New creates an empty allocator.
func New() *Allocator {
	return &Allocator{
		slots: make(map[int]struct{}),
		usage: make(map[int]int),
	}
}

// Acquire returns a slot id for a job, keeping at most maxConcurrentJobs
// slots.
//
// A slot with usage 0 is free and is claimed by setting its usage to 1. When
// no slot is free and the pool is full, the slot with the highest usage is
// evicted: its usage is reset to 0 and its id is returned.
func (a *Allocator) Acquire(maxConcurrentJobs int) int {
	if maxConcurrentJobs <= 0 {
		return DefaultID
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	ids := a.reconcile(maxConcurrentJobs)

	if len(ids) == 0 {
		a.slots[DefaultID] = struct{}{}
		a.usage[DefaultID] = 1
		return DefaultID
	}

	for _, id := range ids {
		if a.usage[id] == 0 {
			a.usage[id] = 1
			return id
		}
	}

	if len(ids) < maxConcurrentJobs {
		id := ids[len(ids)-1] + 1
		a.slots[id] = struct{}{}
		a.usage[id] = 1
		return id
	}

	victim := ids[0]
	for _, id := range ids[1:] {
		if a.usage[id] > a.usage[victim] {
			victim = id
		}
	}
	a.usage[victim] = 0
	recordEviction()
	return victim
}

// reconcile drops the highest slot ids until the pool fits and returns the
// remaining ids in ascending order.
func (a *Allocator) reconcile(limit int) []int {
	ids := make([]int, 0, len(a.slots))
	for id := range a.slots {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for len(ids) > limit {
		id := ids[len(ids)-1]
		delete(a.slots, id)
		delete(a.usage, id)
		ids = ids[:len(ids)-1]
	}
	return ids
}

// IncrementAndGet records one use of id and returns its new usage count.
func (a *Allocator) IncrementAndGet(id int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.usage[id]++
	return a.usage[id]
}

// Get returns the usage count of id, or 0 if it has none.
func (a *Allocator) Get(id int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usage[id]
}

// Clear forgets the usage count of id. The slot stays in the pool and is
// free for the next Acquire.
func (a *Allocator) Clear(id int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.usage, id)
}

// Size returns the number of slots in the pool.
func (a *Allocator) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.slots)
}
