package sched

import (
	"context"
	"fmt"
)

// PanicError wraps a panic value recovered from a Promisify goroutine.
type PanicError struct {
	Value any
}

func (e PanicError) Error() string {
	return fmt.Sprintf("sched: goroutine panicked: %v", e.Value)
}

// Promisify runs fn on its own goroutine and resolves the returned Promise
// back on the engine goroutine, so the settlement and any handlers it
// triggers observe the engine's single-executor guarantees. A panic inside
// fn rejects the promise with a PanicError instead of crashing the engine.
func (e *Engine) Promisify(ctx context.Context, fn func(ctx context.Context) (any, error)) *Promise {
	e.promisifyMu.Lock()
	if !e.state.CanAcceptWork() {
		e.promisifyMu.Unlock()
		return Rejected(e, ErrEngineTerminated)
	}

	p, resolve, reject := NewPromise(e)
	e.promisifyWg.Add(1)
	e.promisifyMu.Unlock()

	go func() {
		defer e.promisifyWg.Done()

		completed := false

		select {
		case <-ctx.Done():
			completed = true
			e.settleVia(resolve, reject, nil, ctx.Err())
			return
		default:
		}

		defer func() {
			if r := recover(); r != nil {
				e.settleVia(resolve, reject, nil, PanicError{Value: r})
				return
			}
			if !completed {
				e.settleVia(resolve, reject, nil, fmt.Errorf("sched: promisified function exited without returning"))
			}
		}()

		res, err := fn(ctx)
		completed = true
		e.settleVia(resolve, reject, res, err)
	}()

	return p
}

func (e *Engine) settleVia(resolve ResolveFunc, reject RejectFunc, value any, err error) {
	if err != nil {
		if submitErr := e.SubmitInternal(func() { reject(err) }); submitErr != nil {
			reject(err)
		}
		return
	}
	if submitErr := e.SubmitInternal(func() { resolve(value) }); submitErr != nil {
		resolve(value)
	}
}
