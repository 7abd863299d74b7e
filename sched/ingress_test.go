package sched

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkedIngress_FIFOAcrossChunkBoundary(t *testing.T) {
	q := NewChunkedIngress()
	const n = taskChunkSize*2 + 7
	var last int
	for i := 0; i < n; i++ {
		i := i
		q.Push(func() { last = i })
	}
	require.Equal(t, n, q.Length())

	order := make([]int, 0, n)
	for i := 0; i < n; i++ {
		task, ok := q.Pop()
		require.True(t, ok)
		task()
		order = append(order, last)
	}
	_, ok := q.Pop()
	assert.False(t, ok)
	assert.Equal(t, n, len(order))
	for i, got := range order {
		assert.Equal(t, i, got)
	}
}

func TestMicrotaskRing_FIFOAndOverflow(t *testing.T) {
	r := NewMicrotaskRing(nil)
	const n = ringBufferSize + 100

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Push(func() {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
			})
		}()
	}
	wg.Wait()

	count := 0
	for {
		fn := r.Pop()
		if fn == nil {
			break
		}
		fn()
		count++
	}
	assert.Equal(t, n, count)
	assert.True(t, r.IsEmpty())
}
