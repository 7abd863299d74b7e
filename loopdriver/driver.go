package loopdriver

import (
	"context"

	"github.com/cascadatpl/cascada-core/frame"
	"github.com/cascadatpl/cascada-core/outbuf"
	"github.com/cascadatpl/cascada-core/sched"
)

// Run drives source through the appropriate strategy and resolves the
// body/else write-counter branches. source may be a []any, a []KV (object
// iteration), an AsyncIterator, or a poisoned/promised value wrapping one
// of those.
func Run(ctx context.Context, engine *sched.Engine, f *frame.Frame, buf *outbuf.Buffer, source any, loopVars []string, body BodyFunc, elseFn ElseFunc, opts Options) error {
	rt := &runtime{ctx: ctx, engine: engine, frame: f, buf: buf, loopVars: loopVars, body: body, elseFn: elseFn, opts: opts}

	resolved, poisoned := resolveSource(ctx, source)
	if poisoned != nil {
		poisonLoopEffects(f, engine, buf, opts, poisoned.Errors(), false)
		return nil
	}

	limit, sequentialOverride, limitPoison, limitErr := resolveConcurrentLimit(ctx, opts.ConcurrentLimit)
	if limitPoison != nil {
		poisonLoopEffects(f, engine, buf, opts, limitPoison.Errors(), false)
		return nil
	}
	if limitErr != nil {
		poisonLoopEffects(f, engine, buf, opts, []error{limitErr}, false)
		return nil
	}
	sequential := opts.Sequential || sequentialOverride

	var didIterate bool
	var hardErr error

	switch src := resolved.(type) {
	case []any:
		didIterate = len(src) > 0
		switch {
		case sequential:
			hardErr = rt.runArraySequential(src)
		case limit > 0:
			hardErr = rt.runArrayBounded(src, limit)
		default:
			rt.runArrayParallel(src)
		}
	case []KV:
		didIterate = len(src) > 0
		hardErr = rt.runObject(ctx, src, limit, sequential)
	case AsyncIterator:
		switch {
		case sequential:
			didIterate, hardErr = rt.runAsyncSequential(src)
		case limit > 0:
			didIterate, hardErr = rt.runAsyncBounded(src, limit)
		default:
			didIterate, hardErr = rt.runAsyncParallel(src)
		}
	default:
		hardErr = &unsupportedSourceError{value: resolved}
	}

	if hardErr != nil {
		poisonLoopEffects(f, engine, buf, opts, []error{hardErr}, didIterate)
		return hardErr
	}

	finishBranches(f, engine, opts, didIterate)

	if !didIterate && elseFn != nil {
		return elseFn(ctx)
	}
	return nil
}

type unsupportedSourceError struct {
	value any
}

func (e *unsupportedSourceError) Error() string {
	return "loopdriver: unsupported loop source type"
}
