// Package guard implements Cascada's all-or-nothing block bracket: a
// declared set of variables and sequence locks that either all commit or
// all revert together, modeled on the snapshot-then-check-then-commit
// idiom a timer cancellation needs to avoid racing its own callback.
package guard

import (
	"context"
	"fmt"
	"sync"

	"github.com/cascadatpl/cascada-core/frame"
	"github.com/cascadatpl/cascada-core/internal/logging"
	"github.com/cascadatpl/cascada-core/outbuf"
	"github.com/cascadatpl/cascada-core/poison"
	"github.com/cascadatpl/cascada-core/sched"
)

// State is the handle returned by Init and threaded through the rest of a
// guarded block's lifecycle.
type State struct {
	Names []string

	mu                sync.Mutex
	snapshot          map[string]any
	sequenceErrors    []error
	detectionPromises []*sched.Promise
}

// Init asserts each name in varNames is present in frame's async_vars and
// snapshots its current value by reference.
func Init(f *frame.Frame, varNames []string) (*State, error) {
	snap := make(map[string]any, len(varNames))
	for _, name := range varNames {
		v, ok := f.GetAsyncVar(name)
		if !ok {
			return nil, fmt.Errorf("guard: variable %q is not present in the block's async scope", name)
		}
		snap[name] = v
	}
	return &State{
		Names:    append([]string(nil), varNames...),
		snapshot: snap,
	}, nil
}

// RepairSequenceLocks reads each named lock's current value, tails it
// asynchronously to detect a failure, and installs a fresh trivially
// resolved promise so operations queued behind the guarded block don't
// inherit its failure through the lock itself.
func RepairSequenceLocks(ctx context.Context, engine *sched.Engine, f *frame.Frame, state *State, lockNames []string) {
	for _, name := range lockNames {
		current, ok := f.Lookup(name)
		if ok {
			switch v := current.(type) {
			case *sched.Promise:
				tail := v.Catch(func(reason sched.Result) sched.Result {
					err := reasonToError(reason)
					logging.SafeLog(nil, "guard: sequence lock failed", func(l *logging.Logger) {
						l.Err(err).Log("sequence lock failed")
					})
					state.mu.Lock()
					state.sequenceErrors = append(state.sequenceErrors, err)
					state.mu.Unlock()
					return nil
				})
				state.mu.Lock()
				state.detectionPromises = append(state.detectionPromises, tail)
				state.mu.Unlock()
			default:
				if p := poison.Peek(v); p != nil {
					state.mu.Lock()
					state.sequenceErrors = append(state.sequenceErrors, p.Errors()...)
					state.mu.Unlock()
				}
			}
		}
		f.Overwrite(name, sched.Resolved(engine, true))
	}
}

func reasonToError(reason sched.Result) error {
	if err, ok := reason.(error); ok {
		return err
	}
	return fmt.Errorf("%v", reason)
}

// GetErrors awaits every detection promise installed by RepairSequenceLocks,
// then returns the union of sequence-lock failures, poison markers in buf
// targeted at allowedHandlers, and poison now held by any guarded variable.
func GetErrors(ctx context.Context, f *frame.Frame, state *State, buf *outbuf.Buffer, allowedHandlers []string) []error {
	state.mu.Lock()
	promises := append([]*sched.Promise(nil), state.detectionPromises...)
	state.mu.Unlock()
	for _, p := range promises {
		_, _ = p.Await(ctx)
	}

	var errs []error
	state.mu.Lock()
	errs = append(errs, state.sequenceErrors...)
	state.mu.Unlock()

	errs = append(errs, outbuf.CollectPoisonMarkers(buf, allowedHandlers)...)

	for _, name := range state.Names {
		v, ok := f.GetAsyncVar(name)
		if !ok {
			continue
		}
		if p := poison.Peek(v); p != nil {
			errs = append(errs, p.Errors()...)
		}
	}
	return errs
}

// Complete closes out a guarded block: if shouldRevert, every guarded
// variable is restored to its Init-time snapshot; regardless, each
// variable's write-counter slot is released by one decrement.
func Complete(engine *sched.Engine, f *frame.Frame, state *State, shouldRevert bool) {
	if shouldRevert {
		for name, v := range state.snapshot {
			f.SetAsyncVar(name, v)
		}
	}
	for _, name := range state.Names {
		f.DecrementWriteCounter(engine, name)
	}
}
