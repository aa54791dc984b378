package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const marker = -1

func markerFn() int { return marker }

func fill(q *Queue[int], n int) {
	for i := 0; i < n; i++ {
		q.Push(i)
	}
}

func TestQueue_CapacityNormalization(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		policy   PurgePolicy
		want     int
	}{
		{name: "zero single drop", capacity: 0, policy: SingleDrop, want: 1},
		{name: "negative single drop", capacity: -3, policy: SingleDrop, want: 1},
		{name: "zero half purge", capacity: 0, policy: HalfPurge, want: minHalfPurgeCapacity},
		{name: "small half purge", capacity: 2, policy: HalfPurge, want: minHalfPurgeCapacity},
		{name: "regular", capacity: 500, policy: HalfPurge, want: 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewQueue(tt.capacity, tt.policy, markerFn)
			assert.Equal(t, tt.want, q.Capacity())
		})
	}
}

func TestQueue_HalfPurge(t *testing.T) {
	q := NewQueue(500, HalfPurge, markerFn)
	fill(q, 500)
	assert.Equal(t, 500, q.Len())

	dropped := q.Push(500)
	assert.Equal(t, 250, dropped)

	items := q.Snapshot()
	require.Len(t, items, 252)
	assert.Equal(t, 250, items[0], "oldest survivor")
	assert.Equal(t, 499, items[249], "newest survivor")
	assert.Equal(t, marker, items[250])
	assert.Equal(t, 500, items[251])
}

func TestQueue_HalfPurgeNeverExceedsCapacity(t *testing.T) {
	for _, capacity := range []int{4, 5, 7, 10, 11} {
		q := NewQueue(capacity, HalfPurge, markerFn)
		fill(q, capacity*5)
		assert.LessOrEqual(t, q.Len(), capacity, "capacity %d", capacity)
	}
}

func TestQueue_SingleDrop(t *testing.T) {
	q := NewQueue[int](120, SingleDrop, nil)
	fill(q, 121)

	items := q.Snapshot()
	require.Len(t, items, 120)
	assert.Equal(t, 1, items[0])
	assert.Equal(t, 120, items[119])
}

func TestQueue_PushFront(t *testing.T) {
	t.Run("fits", func(t *testing.T) {
		q := NewQueue[int](10, SingleDrop, nil)
		q.Push(3)
		q.Push(4)
		assert.Equal(t, 0, q.PushFront([]int{1, 2}))
		assert.Equal(t, []int{1, 2, 3, 4}, q.Snapshot())
	})

	t.Run("single drop overflow drops requeued first", func(t *testing.T) {
		q := NewQueue[int](3, SingleDrop, nil)
		q.Push(3)
		q.Push(4)
		assert.Equal(t, 1, q.PushFront([]int{1, 2}))
		assert.Equal(t, []int{2, 3, 4}, q.Snapshot())
	})

	t.Run("half purge overflow leads with marker", func(t *testing.T) {
		q := NewQueue(4, HalfPurge, markerFn)
		q.Push(4)
		q.Push(5)
		q.Push(6)
		dropped := q.PushFront([]int{1, 2, 3})
		assert.Equal(t, 4, dropped)
		assert.Equal(t, []int{marker, 5, 6}, q.Snapshot())
	})
}

func TestQueue_SetCapacity(t *testing.T) {
	q := NewQueue[int](10, SingleDrop, nil)
	fill(q, 10)

	assert.Equal(t, 4, q.SetCapacity(6))
	assert.Equal(t, []int{4, 5, 6, 7, 8, 9}, q.Snapshot())

	assert.Equal(t, 0, q.SetCapacity(20))
	assert.Equal(t, 20, q.Capacity())
}

func TestQueue_DrainAndRemoveFunc(t *testing.T) {
	q := NewQueue[int](10, SingleDrop, nil)
	fill(q, 6)

	removed := q.RemoveFunc(func(v int) bool { return v%2 == 0 })
	assert.Equal(t, 3, removed)
	assert.Equal(t, []int{1, 3, 5}, q.Snapshot())

	assert.Equal(t, []int{1, 3, 5}, q.Drain())
	assert.Equal(t, 0, q.Len())
}
