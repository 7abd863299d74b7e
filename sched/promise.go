package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Result is the dynamically-typed value a Promise settles with.
type Result = any

// PromiseState is the settlement state of a Promise.
type PromiseState int32

const (
	Pending PromiseState = iota
	Fulfilled
	Rejected
)

// ErrSelfChain is the rejection reason installed when a promise is resolved
// with itself, which would otherwise deadlock the handler chain.
var ErrSelfChain = errors.New("sched: promise resolved with itself")

type handler struct {
	onFulfilled, onRejected func(Result) Result
	target                  *Promise
}

// Promise is Cascada's scheduler-native future, the explicit conversion
// target for anything that needs to interoperate with the poison model's
// Awaitable interface without masquerading as a duck-typed thenable.
//
// A Promise created with a nil engine runs its handlers synchronously
// in-line (the "standalone" mode used by tests and by code running off the
// engine goroutine); a Promise bound to an Engine schedules handlers as
// microtasks on that engine, guaranteeing frame/buffer mutation triggered
// by settlement happens on the single logical executor.
type Promise struct {
	mu       sync.Mutex
	state    atomic.Int32
	result   Result
	handlers []handler
	engine   *Engine
}

// ResolveFunc settles a Promise with a success value.
type ResolveFunc func(Result)

// RejectFunc settles a Promise with a failure reason.
type RejectFunc func(Result)

// NewPromise creates a pending Promise bound to engine (which may be nil
// for standalone/synchronous mode) along with its resolve/reject functions.
func NewPromise(engine *Engine) (*Promise, ResolveFunc, RejectFunc) {
	p := &Promise{engine: engine}
	p.state.Store(int32(Pending))
	return p, p.resolve, p.reject
}

// WithResolvers is the PromiseWithResolvers equivalent used by render's
// block handshake and root-render completion: it installs a new pending promise up front, then hands
// the resolver to whoever ends up settling it.
type WithResolvers struct {
	Promise *Promise
	Resolve ResolveFunc
	Reject  RejectFunc
}

// NewWithResolvers builds a WithResolvers bound to engine.
func NewWithResolvers(engine *Engine) WithResolvers {
	p, resolve, reject := NewPromise(engine)
	return WithResolvers{Promise: p, Resolve: resolve, Reject: reject}
}

// Resolved returns an already-fulfilled Promise.
func Resolved(engine *Engine, value Result) *Promise {
	p := &Promise{engine: engine}
	p.state.Store(int32(Fulfilled))
	p.result = value
	return p
}

// Rejected returns an already-rejected Promise.
func Rejected(engine *Engine, reason Result) *Promise {
	p := &Promise{engine: engine}
	p.state.Store(int32(Rejected))
	p.result = reason
	return p
}

// State returns the current settlement state.
func (p *Promise) State() PromiseState {
	return PromiseState(p.state.Load())
}

// Value returns the fulfillment value, or nil if not fulfilled.
func (p *Promise) Value() Result {
	if p.State() != Fulfilled {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

// Reason returns the rejection reason, or nil if not rejected.
func (p *Promise) Reason() Result {
	if p.State() != Rejected {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

func (p *Promise) addHandler(h handler) {
	state := p.State()
	if state == Pending {
		p.mu.Lock()
		if p.state.Load() == int32(Pending) {
			p.handlers = append(p.handlers, h)
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
		state = p.State()
	}

	value := p.result
	p.scheduleHandler(h, state, value)
}

func (p *Promise) scheduleHandler(h handler, state PromiseState, value Result) {
	run := func() { p.executeHandler(h, state, value) }
	if p.engine != nil {
		p.engine.ScheduleMicrotask(run)
		return
	}
	run()
}

func (p *Promise) executeHandler(h handler, state PromiseState, value Result) {
	defer func() {
		if r := recover(); r != nil {
			if h.target != nil {
				h.target.reject(fmt.Errorf("sched: handler panicked: %v", r))
			}
		}
	}()

	var fn func(Result) Result
	if state == Fulfilled {
		fn = h.onFulfilled
	} else {
		fn = h.onRejected
	}

	if h.target == nil {
		if fn != nil {
			fn(value)
		}
		return
	}

	if fn == nil {
		if state == Fulfilled {
			h.target.resolve(value)
		} else {
			h.target.reject(value)
		}
		return
	}

	h.target.resolve(fn(value))
}

// resolve transitions the Promise to fulfilled, unless it is already
// settled. Resolving with another *Promise adopts that promise's eventual
// settlement instead of nesting it as a value.
func (p *Promise) resolve(value Result) {
	if value == p {
		p.reject(ErrSelfChain)
		return
	}
	if nested, ok := value.(*Promise); ok {
		nested.addHandler(handler{
			onFulfilled: func(v Result) Result { p.resolve(v); return nil },
			onRejected:  func(r Result) Result { p.reject(r); return nil },
		})
		return
	}

	p.mu.Lock()
	if p.state.Load() != int32(Pending) {
		p.mu.Unlock()
		return
	}
	handlers := p.handlers
	p.handlers = nil
	p.result = value
	p.state.Store(int32(Fulfilled))
	p.mu.Unlock()

	for _, h := range handlers {
		p.scheduleHandler(h, Fulfilled, value)
	}
}

// reject transitions the Promise to rejected, unless already settled.
func (p *Promise) reject(reason Result) {
	p.mu.Lock()
	if p.state.Load() != int32(Pending) {
		p.mu.Unlock()
		return
	}
	handlers := p.handlers
	p.handlers = nil
	p.result = reason
	p.state.Store(int32(Rejected))
	p.mu.Unlock()

	for _, h := range handlers {
		p.scheduleHandler(h, Rejected, reason)
	}
}

// Then registers fulfillment/rejection handlers and returns a child Promise
// settling with the handler's outcome. Either handler may be nil, in which
// case the corresponding settlement passes through unchanged.
func (p *Promise) Then(onFulfilled, onRejected func(Result) Result) *Promise {
	child := &Promise{engine: p.engine}
	child.state.Store(int32(Pending))
	p.addHandler(handler{onFulfilled: onFulfilled, onRejected: onRejected, target: child})
	return child
}

// Catch is Then(nil, onRejected).
func (p *Promise) Catch(onRejected func(Result) Result) *Promise {
	return p.Then(nil, onRejected)
}

// Finally runs onFinally regardless of settlement, ignoring its return
// value and any panic, then passes the original settlement through
// unchanged to the returned Promise.
func (p *Promise) Finally(onFinally func()) *Promise {
	wrap := func(v Result) Result {
		if onFinally != nil {
			func() {
				defer func() { _ = recover() }()
				onFinally()
			}()
		}
		return v
	}
	child := &Promise{engine: p.engine}
	child.state.Store(int32(Pending))
	p.addHandler(handler{
		onFulfilled: func(v Result) Result { return wrap(v) },
		onRejected: func(r Result) Result {
			wrap(r)
			child.reject(r)
			return nil
		},
		target: child,
	})
	return child
}

// Awaitable is anything that can be blocked on for a value or an error,
// such as a *Promise. It has the same method set as poison.Awaitable.
type Awaitable interface {
	Await(ctx context.Context) (any, error)
}

// Await blocks the calling goroutine until the Promise settles, honoring
// ctx cancellation, and implements poison.Awaitable so a Promise can be
// used anywhere an Awaitable is expected.
func (p *Promise) Await(ctx context.Context) (any, error) {
	if state := p.State(); state != Pending {
		if state == Fulfilled {
			return p.Value(), nil
		}
		return nil, asError(p.Reason())
	}

	done := make(chan struct{})
	p.addHandler(handler{
		onFulfilled: func(v Result) Result { close(done); return nil },
		onRejected:  func(r Result) Result { close(done); return nil },
	})

	select {
	case <-done:
		if p.State() == Fulfilled {
			return p.Value(), nil
		}
		return nil, asError(p.Reason())
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func asError(reason Result) error {
	if reason == nil {
		return errors.New("sched: promise rejected with nil reason")
	}
	if err, ok := reason.(error); ok {
		return err
	}
	return fmt.Errorf("%v", reason)
}
