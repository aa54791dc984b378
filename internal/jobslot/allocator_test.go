package jobslot

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire_Disabled(t *testing.T) {
	a := New()
	assert.Equal(t, DefaultID, a.Acquire(0))
	assert.Equal(t, DefaultID, a.Acquire(-1))
	assert.Equal(t, 0, a.Size())
}

func TestAcquire_SeedsWithDefaultID(t *testing.T) {
	a := New()
	assert.Equal(t, DefaultID, a.Acquire(10))
	assert.Equal(t, 1, a.Size())
	assert.Equal(t, 1, a.Get(DefaultID))
}

func TestAcquire_ElevenCallsEvictHighestUsage(t *testing.T) {
	a := New()

	seen := make(map[int]struct{})
	for i := 0; i < 10; i++ {
		id := a.Acquire(10)
		assert.Equal(t, DefaultID+i, id)
		seen[id] = struct{}{}
	}
	require.Len(t, seen, 10)

	a.IncrementAndGet(DefaultID + 4)

	id := a.Acquire(10)
	assert.Equal(t, DefaultID+4, id, "highest usage is evicted")
	assert.Equal(t, 0, a.Get(id))
	assert.Equal(t, 10, a.Size())
}

func TestAcquire_EvictionTieGoesToLowestID(t *testing.T) {
	a := New()
	for i := 0; i < 3; i++ {
		a.Acquire(3)
	}

	id := a.Acquire(3)
	assert.Equal(t, DefaultID, id)
	assert.Equal(t, 0, a.Get(DefaultID))
}

func TestAcquire_PrefersFreeSlot(t *testing.T) {
	a := New()
	for i := 0; i < 3; i++ {
		a.Acquire(5)
	}

	a.Clear(DefaultID + 1)
	assert.Equal(t, DefaultID+1, a.Acquire(5))
	assert.Equal(t, 3, a.Size())
}

func TestAcquire_ShrinksFromHighestID(t *testing.T) {
	a := New()
	for i := 0; i < 10; i++ {
		a.Acquire(10)
	}
	for i := 0; i < 10; i++ {
		a.Clear(DefaultID + i)
	}

	id := a.Acquire(4)
	assert.Equal(t, DefaultID, id)
	assert.Equal(t, 4, a.Size())
	assert.Equal(t, 0, a.Get(DefaultID+9))

	// Ids above the new limit are gone, so growing again reuses them.
	for i := 1; i < 4; i++ {
		a.Acquire(6)
	}
	assert.Equal(t, DefaultID+4, a.Acquire(6))
	assert.Equal(t, 5, a.Size())
}

func TestIncrementGetClear(t *testing.T) {
	a := New()
	id := a.Acquire(2)

	assert.Equal(t, 2, a.IncrementAndGet(id))
	assert.Equal(t, 3, a.IncrementAndGet(id))
	assert.Equal(t, 3, a.Get(id))

	a.Clear(id)
	assert.Equal(t, 0, a.Get(id))
	assert.Equal(t, 1, a.Size(), "clear keeps the slot")

	assert.Equal(t, 0, a.Get(12345))
}

func TestAllocator_Concurrent(t *testing.T) {
	a := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := a.Acquire(8)
			a.IncrementAndGet(id)
			a.Clear(id)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, a.Size(), 8)
}
