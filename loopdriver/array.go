package loopdriver

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// runArraySequential implements strategy 4: `for i=0..len`, awaiting each
// body before moving to the next index.
func (rt *runtime) runArraySequential(items []any) error {
	n := len(items)
	for i, item := range items {
		loop := loopMeta(i, n)
		vals, _ := destructure(item, rt.loopVars)
		if err := rt.safeBody(rt.ctx, vals, loop); err != nil {
			return err
		}
	}
	return nil
}

// runArrayParallel implements strategy 5: every body starts on its own
// goroutine without waiting for the one before it, and the function returns
// only after every body has returned; each body's own async-block counters
// (set up by the caller before invoking BodyFunc per iteration) track its
// writes independently.
func (rt *runtime) runArrayParallel(items []any) {
	n := len(items)
	var wg sync.WaitGroup
	for i, item := range items {
		i, item := i, item
		wg.Add(1)
		go func() {
			defer wg.Done()
			loop := loopMeta(i, n)
			vals, _ := destructure(item, rt.loopVars)
			_ = rt.safeBody(rt.ctx, vals, loop)
		}()
	}
	wg.Wait()
}

// runArrayBounded implements strategy 6: a worker pool over indices sized
// max(1, floor(limit)), each body called with the exact len/is_last.
func (rt *runtime) runArrayBounded(items []any, limit int) error {
	if limit < 1 {
		limit = 1
	}
	n := len(items)
	sem := semaphore.NewWeighted(int64(limit))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for i, item := range items {
		if err := sem.Acquire(rt.ctx, 1); err != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
			break
		}
		i, item := i, item
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			loop := loopMeta(i, n)
			vals, _ := destructure(item, rt.loopVars)
			if err := rt.safeBody(rt.ctx, vals, loop); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return firstErr
}

func loopMeta(i, n int) Loop {
	return Loop{
		Index0:      i,
		Index:       i + 1,
		Length:      n,
		LengthKnown: true,
		First:       i == 0,
		Last:        i == n-1,
		LastKnown:   true,
		Revindex:    n - i,
		Revindex0:   n - i - 1,
	}
}

// runObject implements strategy 7: object iteration over key/value pairs in
// insertion order, requiring exactly two loop variables.
func (rt *runtime) runObject(ctx context.Context, pairs []KV, limit int, sequential bool) error {
	items := make([]any, len(pairs))
	for i, kv := range pairs {
		items[i] = []any{kv.Key, kv.Value}
	}
	switch {
	case sequential:
		return rt.runArraySequential(items)
	case limit > 0:
		return rt.runArrayBounded(items, limit)
	default:
		rt.runArrayParallel(items)
		return nil
	}
}
