package loopdriver

import (
	"context"
	"fmt"
	"math"
	"reflect"

	"github.com/cascadatpl/cascada-core/frame"
	"github.com/cascadatpl/cascada-core/outbuf"
	"github.com/cascadatpl/cascada-core/poison"
	"github.com/cascadatpl/cascada-core/sched"
)

// resolveSource awaits source if it is a promise and detects poison either
// way, per the preprocessing rules: a synchronously poisoned source is
// returned as poison directly; a promise source is awaited, converting a
// rejection to poison.
func resolveSource(ctx context.Context, source any) (any, *poison.Poisoned) {
	if p := poison.Peek(source); p != nil {
		return nil, p
	}
	if aw, ok := source.(sched.Awaitable); ok {
		v, err := aw.Await(ctx)
		if err != nil {
			return nil, poison.New(err, 0, 0, "", "")
		}
		if p := poison.Peek(v); p != nil {
			return nil, p
		}
		return v, nil
	}
	return source, nil
}

// resolveConcurrentLimit implements: nil/0 -> unlimited (0); a thenable is
// awaited (poison propagates); any other value must be a finite positive
// number; 1 is a sequential override, signaled by the bool return.
func resolveConcurrentLimit(ctx context.Context, limit any) (n int, sequentialOverride bool, poisoned *poison.Poisoned, err error) {
	if limit == nil {
		return 0, false, nil, nil
	}
	if aw, ok := limit.(sched.Awaitable); ok {
		v, awErr := aw.Await(ctx)
		if awErr != nil {
			return 0, false, poison.New(awErr, 0, 0, "", ""), nil
		}
		if p := poison.Peek(v); p != nil {
			return 0, false, p, nil
		}
		limit = v
	}

	f, ok := toFloat(limit)
	if !ok {
		return 0, false, nil, fmt.Errorf("loopdriver: concurrent_limit must be a finite positive number, got %T", limit)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false, nil, fmt.Errorf("loopdriver: concurrent_limit must be a finite positive number, got %v", f)
	}
	if f == 0 {
		return 0, false, nil, nil
	}
	if f < 0 {
		return 0, false, nil, fmt.Errorf("loopdriver: concurrent_limit must be a finite positive number, got %v", f)
	}
	if f == 1 {
		return 1, true, nil, nil
	}
	n = int(f)
	if n < 1 {
		n = 1
	}
	return n, false, nil, nil
}

func toFloat(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	default:
		return 0, false
	}
}

// destructure implements the loop-variable binding rule: a poisoned value
// broadcasts across all destructured slots; a single loop variable binds
// the whole value; more than one requires value to be a []any, else it's a
// hard "Expected an array for destructuring" failure (itself poisoned and
// broadcast).
func destructure(value any, loopVars []string) ([]any, *poison.Poisoned) {
	if p := poison.Peek(value); p != nil {
		vals := make([]any, max(1, len(loopVars)))
		for i := range vals {
			vals[i] = p
		}
		return vals, p
	}
	if len(loopVars) <= 1 {
		return []any{value}, nil
	}
	arr, ok := value.([]any)
	if !ok {
		p := poison.New(fmt.Errorf("Expected an array for destructuring"), 0, 0, "", "")
		vals := make([]any, len(loopVars))
		for i := range vals {
			vals[i] = p
		}
		return vals, p
	}
	vals := make([]any, len(loopVars))
	for i := range loopVars {
		if i < len(arr) {
			vals[i] = arr[i]
		}
	}
	return vals, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// poisonLoopEffects handles the loop's error path: every error is
// positioned via the loop's error context, then body side effects (and,
// unless the loop already iterated, else side effects too) are poisoned.
func poisonLoopEffects(f *frame.Frame, engine *sched.Engine, buf *outbuf.Buffer, opts Options, errs []error, didIterate bool) {
	positioned := make([]error, len(errs))
	for i, e := range errs {
		positioned[i] = poison.Handle(e, 0, 0, opts.ErrorContext, "")
	}
	p := poison.NewFromErrors(positioned)

	f.PoisonBranchWrites(engine, p, opts.BodyWriteCounts)
	for _, h := range opts.BodyHandlers {
		buf.Push(&outbuf.PoisonMarker{Errors: p.Errors(), Handler: h})
	}

	if !didIterate {
		f.PoisonBranchWrites(engine, p, opts.ElseWriteCounts)
		for _, h := range opts.ElseHandlers {
			buf.Push(&outbuf.PoisonMarker{Errors: p.Errors(), Handler: h})
		}
	}
}

// finishBranches implements the ordinary (no hard error) exit: body writes
// are always skipped at the driver level (real per-iteration writes already
// accounted for their own async-block counters); else writes are skipped
// only when the loop actually iterated.
func finishBranches(f *frame.Frame, engine *sched.Engine, opts Options, didIterate bool) {
	f.SkipBranchWrites(engine, opts.BodyWriteCounts)
	if didIterate {
		f.SkipBranchWrites(engine, opts.ElseWriteCounts)
	}
}
