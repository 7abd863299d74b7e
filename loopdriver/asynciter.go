package loopdriver

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// SoftError marks a value an async generator yielded that represents a
// per-element failure rather than a hard iteration-stopping failure: the
// generator yielded an Error value instead of throwing one.
type SoftError struct {
	Err error
}

func (e *SoftError) Error() string { return e.Err.Error() }
func (e *SoftError) Unwrap() error { return e.Err }

// runAsyncSequential implements strategy 1: `for await (let v of iter)`,
// awaiting the body before calling Next again. loop.length/loop.last are
// unknown throughout.
func (rt *runtime) runAsyncSequential(iter AsyncIterator) (didIterate bool, err error) {
	index := 0
	for {
		v, ok, nextErr := iter.Next(rt.ctx)
		if nextErr != nil {
			return didIterate, nextErr
		}
		if !ok {
			return didIterate, nil
		}
		didIterate = true
		loop := Loop{Index0: index, Index: index + 1, First: index == 0}
		vals, _ := destructure(v, rt.loopVars)
		if bodyErr := rt.safeBody(rt.ctx, vals, loop); bodyErr != nil {
			return didIterate, bodyErr
		}
		index++
	}
}

// runAsyncParallel implements strategy 2: Next is called in a loop on the
// calling goroutine; each value's body starts on its own goroutine once the
// next value is yielded (is_last false) or at exhaustion (is_last true).
// It returns after every started body has returned; body errors are
// discarded and only an error from Next is returned.
func (rt *runtime) runAsyncParallel(iter AsyncIterator) (didIterate bool, err error) {
	type yielded struct {
		value any
		index int
	}

	var mu sync.Mutex
	var pending []yielded
	var wg sync.WaitGroup
	var hardErr error
	index := 0

	fireBody := func(y yielded, isLast bool, length int, lengthKnown bool) {
		defer wg.Done()
		loop := Loop{
			Index0: y.index, Index: y.index + 1,
			First: y.index == 0, Last: isLast, LastKnown: true,
			Length: length, LengthKnown: lengthKnown,
		}
		vals, _ := destructure(y.value, rt.loopVars)
		_ = rt.safeBody(rt.ctx, vals, loop)
	}

	for {
		v, ok, nextErr := iter.Next(rt.ctx)
		if nextErr != nil {
			mu.Lock()
			hardErr = nextErr
			mu.Unlock()
			break
		}
		if !ok {
			break
		}
		didIterate = true
		mu.Lock()
		if len(pending) > 0 {
			prev := pending[0]
			pending = pending[1:]
			wg.Add(1)
			go fireBody(prev, false, 0, false)
		}
		pending = append(pending, yielded{value: v, index: index})
		mu.Unlock()
		index++
	}

	mu.Lock()
	last := pending
	pending = nil
	mu.Unlock()
	for _, y := range last {
		wg.Add(1)
		go fireBody(y, true, index, true)
	}

	wg.Wait()
	return didIterate, hardErr
}

// runAsyncBounded implements strategy 3: a fixed worker pool, a lock gate
// serializing Next calls, workers treating each body like the sequential
// strategy (len undefined, is_last false). It returns only after every body
// it started has returned, not as soon as all bodies are scheduled.
func (rt *runtime) runAsyncBounded(iter AsyncIterator, limit int) (didIterate bool, err error) {
	if limit < 1 {
		limit = 1
	}
	sem := semaphore.NewWeighted(int64(limit))
	var nextMu sync.Mutex
	var wg sync.WaitGroup
	var mu sync.Mutex
	var hardErr error
	var iterated bool
	index := 0

	for {
		if sem.Acquire(rt.ctx, 1) != nil {
			break
		}
		nextMu.Lock()
		v, ok, nextErr := iter.Next(rt.ctx)
		nextMu.Unlock()
		if nextErr != nil {
			sem.Release(1)
			mu.Lock()
			hardErr = nextErr
			mu.Unlock()
			break
		}
		if !ok {
			sem.Release(1)
			break
		}
		iterated = true
		i := index
		index++
		wg.Add(1)
		go func(v any, i int) {
			defer wg.Done()
			defer sem.Release(1)
			loop := Loop{Index0: i, Index: i + 1, First: i == 0}
			vals, _ := destructure(v, rt.loopVars)
			_ = rt.safeBody(rt.ctx, vals, loop)
		}(v, i)
	}

	wg.Wait()
	return iterated, hardErr
}
