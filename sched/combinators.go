package sched

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// SettledOutcome is one element of an AllSettled result.
type SettledOutcome struct {
	Fulfilled bool
	Value     Result
	Reason    Result
}

// AggregateError is the rejection reason Any produces when every input
// Promise rejects.
type AggregateError struct {
	Message string
	Reasons []Result
}

func (e *AggregateError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("sched: all %d promises were rejected", len(e.Reasons))
}

// All resolves with the slice of every input's value once all fulfill, or
// rejects with the first rejection observed.
func All(engine *Engine, promises []*Promise) *Promise {
	result, resolve, reject := NewPromise(engine)

	if len(promises) == 0 {
		resolve(make([]Result, 0))
		return result
	}

	var mu sync.Mutex
	var completed atomic.Int32
	values := make([]Result, len(promises))
	var hasRejected atomic.Bool

	for i, p := range promises {
		idx := i
		p.Then(
			func(v Result) Result {
				mu.Lock()
				values[idx] = v
				mu.Unlock()
				if completed.Add(1) == int32(len(promises)) && !hasRejected.Load() {
					resolve(values)
				}
				return nil
			},
			func(r Result) Result {
				if hasRejected.CompareAndSwap(false, true) {
					reject(r)
				}
				return nil
			},
		)
	}

	return result
}

// Race settles with the first input to settle, in either direction. An
// empty input slice never settles.
func Race(engine *Engine, promises []*Promise) *Promise {
	result, resolve, reject := NewPromise(engine)
	if len(promises) == 0 {
		return result
	}

	var settled atomic.Bool
	for _, p := range promises {
		p.Then(
			func(v Result) Result {
				if settled.CompareAndSwap(false, true) {
					resolve(v)
				}
				return nil
			},
			func(r Result) Result {
				if settled.CompareAndSwap(false, true) {
					reject(r)
				}
				return nil
			},
		)
	}
	return result
}

// AllSettled resolves once every input has settled, never rejecting,
// carrying each outcome in input order.
func AllSettled(engine *Engine, promises []*Promise) *Promise {
	if len(promises) == 0 {
		return Resolved(engine, make([]SettledOutcome, 0))
	}

	result, resolve, _ := NewPromise(engine)

	var mu sync.Mutex
	var completed atomic.Int32
	outcomes := make([]SettledOutcome, len(promises))

	for i, p := range promises {
		idx := i
		p.Then(
			func(v Result) Result {
				mu.Lock()
				outcomes[idx] = SettledOutcome{Fulfilled: true, Value: v}
				mu.Unlock()
				if completed.Add(1) == int32(len(promises)) {
					resolve(outcomes)
				}
				return nil
			},
			func(r Result) Result {
				mu.Lock()
				outcomes[idx] = SettledOutcome{Fulfilled: false, Reason: r}
				mu.Unlock()
				if completed.Add(1) == int32(len(promises)) {
					resolve(outcomes)
				}
				return nil
			},
		)
	}

	return result
}

// Any resolves with the first fulfilled input; if every input rejects, it
// rejects with an *AggregateError carrying every reason in input order.
func Any(engine *Engine, promises []*Promise) *Promise {
	result, resolve, reject := NewPromise(engine)

	if len(promises) == 0 {
		reject(&AggregateError{Message: "sched: Any called with no promises"})
		return result
	}

	var mu sync.Mutex
	var rejectedCount atomic.Int32
	reasons := make([]Result, len(promises))
	var resolved atomic.Bool

	for i, p := range promises {
		idx := i
		p.Then(
			func(v Result) Result {
				if resolved.CompareAndSwap(false, true) {
					resolve(v)
				}
				return nil
			},
			func(r Result) Result {
				mu.Lock()
				reasons[idx] = r
				mu.Unlock()
				if rejectedCount.Add(1) == int32(len(promises)) && !resolved.Load() {
					reject(&AggregateError{Reasons: reasons})
				}
				return nil
			},
		)
	}

	return result
}
