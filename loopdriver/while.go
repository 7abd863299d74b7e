package loopdriver

import (
	"context"
	"fmt"

	"github.com/cascadatpl/cascada-core/frame"
	"github.com/cascadatpl/cascada-core/poison"
	"github.com/cascadatpl/cascada-core/sched"
)

// ConditionFunc evaluates a while loop's guard expression in the current
// iteration's frame. The returned value may be poisoned.
type ConditionFunc func(ctx context.Context, f *frame.Frame) (any, error)

// WhileBodyFunc runs one while-loop iteration in its own frame.
type WhileBodyFunc func(ctx context.Context, f *frame.Frame, iteration int) error

// RunWhile implements the while-loop generator: each iteration pushes a
// fresh child frame flagged sequential_loop_body, evaluates cond in it, and
// runs body when truthy. A condition that errors or evaluates to poison
// propagates out immediately, stopping iteration.
func RunWhile(ctx context.Context, engine *sched.Engine, parent *frame.Frame, reads []string, writeCounts map[string]int, cond ConditionFunc, body WhileBodyFunc) error {
	iteration := 0
	for {
		child := frame.PushAsyncBlock(parent, engine, reads, writeCounts, true)

		condVal, err := cond(ctx, child)
		if err != nil {
			return err
		}
		if p := poison.Peek(condVal); p != nil {
			return p.AsError()
		}
		truthy, ok := condVal.(bool)
		if !ok {
			return fmt.Errorf("loopdriver: while condition must evaluate to a boolean, got %T", condVal)
		}
		if !truthy {
			return nil
		}

		if err := body(ctx, child, iteration); err != nil {
			return err
		}
		iteration++
	}
}
