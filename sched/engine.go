// Package sched is Cascada's cooperative, single-goroutine task executor:
// the concrete "single logical executor" the async runtime model requires
// so that frame and buffer mutation never races, no matter how many
// branches of a template render are conceptually "in flight" at once.
package sched

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cascadatpl/cascada-core/internal/logging"
)

// ErrEngineTerminated is returned by Submit/SubmitInternal/Promisify once
// the Engine has begun or finished shutting down.
var ErrEngineTerminated = errors.New("sched: engine terminated")

// Engine is a cooperative, single-threaded task/microtask/timer scheduler.
// All tasks, microtasks, and timer callbacks run on the same goroutine (the
// one that calls Run), which is what makes concurrent frame/buffer mutation
// safe by construction elsewhere in this module.
type Engine struct {
	mu       sync.Mutex
	external *ChunkedIngress
	internal *ChunkedIngress

	microtasks *MicrotaskRing

	timersMu sync.Mutex
	timers   timerHeap
	timerSeq atomic.Uint64

	state    *fastState
	wakeupCh chan struct{}
	woken    atomic.Bool

	opts   *engineOptions
	logger *logging.Logger

	promisifyMu sync.Mutex
	promisifyWg sync.WaitGroup

	runDone chan struct{}
}

// New constructs an Engine, applying opts.
func New(opts ...Option) (*Engine, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Engine{
		external:   NewChunkedIngress(),
		internal:   NewChunkedIngress(),
		microtasks: NewMicrotaskRing(cfg.logger),
		state:      newFastState(),
		wakeupCh:   make(chan struct{}, 1),
		opts:       cfg,
		logger:     cfg.logger,
		runDone:    make(chan struct{}),
	}, nil
}

// State returns the current engine state.
func (e *Engine) State() EngineState {
	return e.state.Load()
}

// Submit enqueues task for execution on the engine goroutine. Safe to call
// from any goroutine.
func (e *Engine) Submit(task func()) error {
	if !e.state.CanAcceptWork() {
		return ErrEngineTerminated
	}
	e.mu.Lock()
	e.external.Push(task)
	e.mu.Unlock()
	e.wake()
	return nil
}

// SubmitInternal enqueues task on the internal (higher-priority) queue,
// used for continuations of work already owned by the engine, e.g.
// settling a Promise from a Promisify goroutine.
func (e *Engine) SubmitInternal(task func()) error {
	if !e.state.CanAcceptWork() {
		return ErrEngineTerminated
	}
	e.mu.Lock()
	e.internal.Push(task)
	e.mu.Unlock()
	e.wake()
	return nil
}

// ScheduleMicrotask enqueues fn to run before the next task, after the
// currently executing task/timer completes.
func (e *Engine) ScheduleMicrotask(fn func()) {
	e.microtasks.Push(fn)
	e.wake()
}

type timerEntry struct {
	at       time.Time
	id       uint64
	fn       func()
	canceled atomic.Bool
	index    int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x any)         { e := x.(*timerEntry); e.index = len(*h); *h = append(*h, e) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// TimerHandle cancels a scheduled timer.
type TimerHandle struct {
	entry *timerEntry
}

// Cancel prevents the timer's callback from firing, if it hasn't already.
func (h TimerHandle) Cancel() {
	h.entry.canceled.Store(true)
}

// ScheduleTimer runs fn on the engine goroutine after delay.
func (e *Engine) ScheduleTimer(delay time.Duration, fn func()) TimerHandle {
	entry := &timerEntry{at: time.Now().Add(delay), id: e.timerSeq.Add(1), fn: fn}
	e.timersMu.Lock()
	heap.Push(&e.timers, entry)
	e.timersMu.Unlock()
	e.wake()
	return TimerHandle{entry: entry}
}

func (e *Engine) wake() {
	if e.woken.CompareAndSwap(false, true) {
		select {
		case e.wakeupCh <- struct{}{}:
		default:
		}
	}
}

// Run drives the engine until ctx is canceled or Shutdown is called. It
// blocks the calling goroutine; callers typically run it in its own
// goroutine and interact with the Engine via Submit/Promisify/etc from
// elsewhere.
func (e *Engine) Run(ctx context.Context) error {
	if !e.state.TryTransition(StateAwake, StateRunning) {
		return fmt.Errorf("sched: engine already started")
	}
	defer close(e.runDone)

	for {
		select {
		case <-ctx.Done():
			e.shutdownLocked()
			return ctx.Err()
		default:
		}

		if e.state.Load() == StateTerminating {
			e.drainToQuiescence()
			e.state.Store(StateTerminated)
			return nil
		}

		e.tick()

		if e.isIdle() {
			e.state.TryTransition(StateRunning, StateSleeping)
			timeout := e.calculateTimeout()
			var timer *time.Timer
			var timeoutCh <-chan time.Time
			if timeout >= 0 {
				timer = time.NewTimer(timeout)
				timeoutCh = timer.C
			}
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				e.shutdownLocked()
				return ctx.Err()
			case <-e.wakeupCh:
				e.woken.Store(false)
			case <-timeoutCh:
			}
			if timer != nil {
				timer.Stop()
			}
			e.state.TryTransition(StateSleeping, StateRunning)
		}
	}
}

func (e *Engine) isIdle() bool {
	e.mu.Lock()
	empty := e.external.Length() == 0 && e.internal.Length() == 0
	e.mu.Unlock()
	return empty && e.microtasks.IsEmpty() && !e.hasDueOrPendingTimers()
}

func (e *Engine) hasDueOrPendingTimers() bool {
	e.timersMu.Lock()
	defer e.timersMu.Unlock()
	return len(e.timers) > 0
}

func (e *Engine) calculateTimeout() time.Duration {
	e.timersMu.Lock()
	defer e.timersMu.Unlock()
	if len(e.timers) == 0 {
		return -1
	}
	d := time.Until(e.timers[0].at)
	if d < 0 {
		return 0
	}
	return d
}

// tick runs one scheduling pass: due timers, then the internal queue, then
// a budgeted slice of the external queue, draining microtasks after each
// unit of work.
func (e *Engine) tick() {
	e.runTimers()
	e.drainMicrotasks()

	for {
		task, ok := e.popInternal()
		if !ok {
			break
		}
		e.safeExecute(task)
		e.drainMicrotasks()
	}

	const externalBudget = 256
	for i := 0; i < externalBudget; i++ {
		task, ok := e.popExternal()
		if !ok {
			break
		}
		e.safeExecute(task)
		e.drainMicrotasks()
	}
}

func (e *Engine) runTimers() {
	now := time.Now()
	for {
		e.timersMu.Lock()
		if len(e.timers) == 0 || e.timers[0].at.After(now) {
			e.timersMu.Unlock()
			return
		}
		entry := heap.Pop(&e.timers).(*timerEntry)
		e.timersMu.Unlock()

		if entry.canceled.Load() {
			continue
		}
		e.safeExecute(entry.fn)
		e.drainMicrotasks()
	}
}

func (e *Engine) drainMicrotasks() {
	for {
		fn := e.microtasks.Pop()
		if fn == nil {
			return
		}
		e.safeExecute(fn)
	}
}

func (e *Engine) popInternal() (func(), bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.internal.Pop()
}

func (e *Engine) popExternal() (func(), bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.external.Pop()
}

// safeExecute recovers a panicking task so one bad closure can never take
// down the engine goroutine.
func (e *Engine) safeExecute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.SafeLog(e.logger, fmt.Sprintf("sched: task panicked: %v", r), func(l *logging.Logger) {
				l.Err(fmt.Errorf("%v", r)).Log("task panicked")
			})
		}
	}()
	fn()
}

// Shutdown requests a graceful stop: no new external work is accepted, but
// already-queued tasks, microtasks, and due timers are drained before Run
// returns. Shutdown blocks until Run has returned or ctx is canceled.
func (e *Engine) Shutdown(ctx context.Context) error {
	if !e.state.TransitionAny([]EngineState{StateRunning, StateSleeping, StateAwake}, StateTerminating) {
		if e.state.IsTerminal() {
			return nil
		}
	}
	e.wake()
	select {
	case <-e.runDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) shutdownLocked() {
	e.drainToQuiescence()
	e.state.Store(StateTerminated)
}

// drainToQuiescence runs remaining queued work until every queue is empty
// or a bounded number of empty passes have been observed.
func (e *Engine) drainToQuiescence() {
	emptyChecks := 0
	for emptyChecks < 3 {
		if e.isIdle() {
			emptyChecks++
			continue
		}
		emptyChecks = 0
		e.tick()
	}
	e.promisifyWg.Wait()
}
