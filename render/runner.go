package render

import (
	"context"
	"fmt"

	"github.com/cascadatpl/cascada-core/env"
	"github.com/cascadatpl/cascada-core/frame"
	"github.com/cascadatpl/cascada-core/internal/logging"
	"github.com/cascadatpl/cascada-core/outbuf"
	"github.com/cascadatpl/cascada-core/poison"
	"github.com/cascadatpl/cascada-core/sched"
)

// Callback is the compiled root function's completion signal: result is
// the text-mode string or script-mode result map, or nil on failure; err
// is the aggregated render failure, if any.
type Callback func(result any, err error)

// RunContext bundles the pieces a compiled root function needs: the
// environment, the render-local Context, the root Frame, the root output
// Buffer, the scheduling Engine, and (in async mode) the block handshake
// table. Go idiom favors one bundled argument over the positional
// (env, context, frame, runtime, astate, cb) parameter list; the root
// function's actual obligations are unchanged.
type RunContext struct {
	Env     *env.Environment
	Context *Context
	Frame   *frame.Frame
	Buffer  *outbuf.Buffer
	Engine  *sched.Engine
	Async   *AsyncState

	FocusOutput string
}

// RootFunc is a compiled template's entry point. It appends entries to
// rc.Buffer and reads/writes rc.Context/rc.Frame, then invokes cb exactly
// once, after every write-counter branch it started, sync or async, has
// settled.
type RootFunc func(ctx context.Context, rc *RunContext, cb Callback)

// Template is a compiled template: a name for cache lookup/error messages
// and its root function.
type Template interface {
	Name() string
	Root() RootFunc
}

// Resolve looks up a named template in e, or passes an already-resolved
// Template through unchanged. An unknown name is a configuration error,
// thrown synchronously rather than delivered through the result promise.
func Resolve(e *env.Environment, nameOrTemplate any) (Template, error) {
	switch v := nameOrTemplate.(type) {
	case Template:
		return v, nil
	case string:
		tpl, ok := e.LookupTemplate(v)
		if !ok {
			return nil, fmt.Errorf("render: unknown template %q", v)
		}
		rt, ok := tpl.(Template)
		if !ok {
			return nil, fmt.Errorf("render: template %q has no root function", v)
		}
		return rt, nil
	default:
		return nil, fmt.Errorf("render: invalid template reference of type %T", nameOrTemplate)
	}
}

// RenderTemplate resolves nameOrTemplate and runs its root function,
// returning a Promise for the assembled result. A resolution failure is
// returned directly as a synchronous error instead of a rejected promise,
// matching the "thrown, not delivered" half of the compile-error contract.
func RenderTemplate(ctx context.Context, e *env.Environment, engine *sched.Engine, nameOrTemplate any, vars map[string]any, focusOutput string) (*sched.Promise, error) {
	tpl, err := Resolve(e, nameOrTemplate)
	if err != nil {
		return nil, prettifyError(e, err)
	}
	return renderCompiled(ctx, e, engine, tpl, vars, focusOutput), nil
}

// RenderTemplateCallback is the callback-surface adapter over RenderTemplate:
// a thin wrapper enforcing "exactly one callback invocation" even though
// the underlying Promise already guarantees single settlement.
func RenderTemplateCallback(ctx context.Context, e *env.Environment, engine *sched.Engine, nameOrTemplate any, vars map[string]any, focusOutput string, cb Callback) {
	p, err := RenderTemplate(ctx, e, engine, nameOrTemplate, vars, focusOutput)
	if err != nil {
		fireOnce(cb)(nil, err)
		return
	}
	fire := fireOnce(cb)
	p.Then(
		func(v sched.Result) sched.Result { fire(v, nil); return nil },
		func(r sched.Result) sched.Result { fire(nil, reasonToErr(e, r)); return nil },
	)
}

func renderCompiled(ctx context.Context, e *env.Environment, engine *sched.Engine, tpl Template, vars map[string]any, focusOutput string) *sched.Promise {
	withResolvers := sched.NewWithResolvers(engine)

	rc := &RunContext{
		Env:         e,
		Context:     NewContext(vars, e),
		Frame:       frame.New(nil),
		Buffer:      outbuf.NewScopeRoot(),
		Engine:      engine,
		FocusOutput: focusOutput,
	}
	if e != nil && e.Async() {
		rc.Async = NewAsyncState()
	}

	runRootSafely(tpl.Root(), ctx, rc, func(result any, err error) {
		if err != nil {
			withResolvers.Reject(prettifyError(e, err))
			return
		}
		assembled, flattenErr := assemble(e, rc, vars)
		if flattenErr != nil {
			withResolvers.Reject(prettifyError(e, flattenErr))
			return
		}
		withResolvers.Resolve(assembled)
	})

	return withResolvers.Promise
}

// runRootSafely invokes root, converting any panic into a poisoned
// completion instead of letting it escape to the scheduler goroutine: a
// broken callee must never take the process down.
func runRootSafely(root RootFunc, ctx context.Context, rc *RunContext, cb Callback) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("render: root function panicked: %v", r)
			logging.SafeLog(nil, "render: root function panicked", func(l *logging.Logger) {
				l.Err(err).Log("root function panicked")
			})
			cb(nil, err)
		}
	}()
	root(ctx, rc, cb)
}

func assemble(e *env.Environment, rc *RunContext, vars map[string]any) (any, error) {
	if e == nil || e.Handlers() == nil {
		text, err := outbuf.FlattenText(rc.Buffer)
		if err != nil {
			return nil, err
		}
		return text, nil
	}
	dc := outbuf.NewDispatchContext(e.Handlers(), vars)
	result, err := outbuf.FlattenScript(dc, rc.Buffer, rc.FocusOutput)
	if err != nil || rc.FocusOutput != "" {
		return result, err
	}
	// A render whose output assembled to text alone is returned as a string.
	if m, ok := result.(map[string]any); ok {
		if _, hasText := m["text"]; len(m) == 0 || (len(m) == 1 && hasText) {
			text, _ := m["text"].(string)
			return text, nil
		}
	}
	return result, nil
}

// fireOnce wraps cb so only the first invocation reaches the caller.
func fireOnce(cb Callback) Callback {
	fired := false
	return func(result any, err error) {
		if fired {
			return
		}
		fired = true
		if cb != nil {
			cb(result, err)
		}
	}
}

func reasonToErr(e *env.Environment, reason any) error {
	if err, ok := reason.(error); ok {
		return prettifyError(e, err)
	}
	return prettifyError(e, fmt.Errorf("%v", reason))
}

// prettifyError returns a *poison.PoisonError unchanged and wraps any other
// error into a PoisonError positioned with the "render" context tag; in dev
// mode the wrapper's Stack holds the original error's %+v detail.
func prettifyError(e *env.Environment, err error) error {
	if err == nil {
		return nil
	}
	if poison.IsError(err) {
		return err
	}
	p := poison.New(err, 0, 0, "render", "")
	pe := p.AsError()
	if e != nil && e.DevMode() {
		pe.Stack = fmt.Sprintf("%+v", err)
	}
	return pe
}
