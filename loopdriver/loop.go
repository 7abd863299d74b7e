// Package loopdriver implements Cascada's loop iteration strategies: array,
// object, and async-iterator sources each driven sequentially, in full
// parallel, or under a bounded worker pool, plus a dedicated while-loop
// generator.
package loopdriver

import (
	"context"
	"fmt"

	"github.com/cascadatpl/cascada-core/frame"
	"github.com/cascadatpl/cascada-core/internal/logging"
	"github.com/cascadatpl/cascada-core/outbuf"
	"github.com/cascadatpl/cascada-core/sched"
)

// Loop carries the stable per-iteration bindings exposed to a compiled
// loop body: loop.index/0, loop.length, loop.first, loop.last,
// loop.revindex/0. LengthKnown/LastKnown are false while driving an async
// iterator whose length isn't known until exhaustion.
type Loop struct {
	Index0      int
	Index       int
	Length      int
	LengthKnown bool
	First       bool
	Last        bool
	LastKnown   bool
	Revindex    int
	Revindex0   int
}

// KV is one entry of an object-iteration source, in insertion order.
type KV struct {
	Key   string
	Value any
}

// AsyncIterator is driven by the async-iterator strategies. Next blocks
// until a value is available, the source is exhausted (ok == false, err ==
// nil), or it fails (err != nil, a hard failure distinct from a soft
// per-value error).
type AsyncIterator interface {
	Next(ctx context.Context) (value any, ok bool, err error)
}

// BodyFunc is a compiled loop body: values holds the (possibly
// destructured) loop variables for this iteration.
type BodyFunc func(ctx context.Context, values []any, loop Loop) error

// ElseFunc is the compiled `else` branch, run exactly when the source
// yielded nothing.
type ElseFunc func(ctx context.Context) error

// Options carries the async coordination inputs every strategy needs.
type Options struct {
	Sequential       bool
	ConcurrentLimit  any
	BodyWriteCounts  map[string]int
	ElseWriteCounts  map[string]int
	BodyHandlers     []string
	ElseHandlers     []string
	ErrorContext     string
}

// runtime bundles the dependencies every strategy needs so individual
// strategy functions don't carry a long parameter list.
type runtime struct {
	ctx      context.Context
	engine   *sched.Engine
	frame    *frame.Frame
	buf      *outbuf.Buffer
	loopVars []string
	body     BodyFunc
	elseFn   ElseFunc
	opts     Options
}

// safeBody invokes rt.body, recovering any panic into an error return
// instead of letting it escape the calling goroutine. Every parallel and
// bounded strategy spawns body calls on their own goroutines, so a
// misbehaving filter/test inside a loop body must not be able to take the
// process down; this gives it the same panic-to-failure conversion
// sched.Engine gives tasks and render gives a compiled root function.
func (rt *runtime) safeBody(ctx context.Context, values []any, loop Loop) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("loopdriver: loop body panicked: %v", r)
			logging.SafeLog(nil, "loopdriver: loop body panicked", func(l *logging.Logger) {
				l.Err(fmt.Errorf("%v", r)).Log("loop body panicked")
			})
		}
	}()
	return rt.body(ctx, values, loop)
}
