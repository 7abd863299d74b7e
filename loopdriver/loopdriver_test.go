package loopdriver_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadatpl/cascada-core/frame"
	"github.com/cascadatpl/cascada-core/loopdriver"
	"github.com/cascadatpl/cascada-core/outbuf"
	"github.com/cascadatpl/cascada-core/poison"
	"github.com/cascadatpl/cascada-core/sched"
)

func newEngine(t *testing.T) *sched.Engine {
	t.Helper()
	e, err := sched.New()
	require.NoError(t, err)
	return e
}

func TestRun_ArraySequential_PreservesOrderAndLoopMeta(t *testing.T) {
	e := newEngine(t)
	f := frame.New(nil)
	buf := outbuf.New()

	var seen []int
	var lasts []bool
	err := loopdriver.Run(context.Background(), e, f, buf, []any{10, 20, 30}, []string{"v"},
		func(ctx context.Context, values []any, loop loopdriver.Loop) error {
			seen = append(seen, values[0].(int))
			lasts = append(lasts, loop.Last)
			assert.Equal(t, 3, loop.Length)
			return nil
		}, nil, loopdriver.Options{Sequential: true})

	require.NoError(t, err)
	assert.Equal(t, []int{10, 20, 30}, seen)
	assert.Equal(t, []bool{false, false, true}, lasts)
}

func TestRun_EmptySourceRunsElse(t *testing.T) {
	e := newEngine(t)
	f := frame.New(nil)
	buf := outbuf.New()

	var elseRan bool
	err := loopdriver.Run(context.Background(), e, f, buf, []any{}, []string{"v"},
		func(ctx context.Context, values []any, loop loopdriver.Loop) error {
			t.Fatal("body should not run for an empty source")
			return nil
		},
		func(ctx context.Context) error {
			elseRan = true
			return nil
		}, loopdriver.Options{Sequential: true})

	require.NoError(t, err)
	assert.True(t, elseRan)
}

func TestRun_ArrayParallel_AllBodiesRun(t *testing.T) {
	e := newEngine(t)
	f := frame.New(nil)
	buf := outbuf.New()

	var mu sync.Mutex
	seen := map[int]bool{}
	err := loopdriver.Run(context.Background(), e, f, buf, []any{1, 2, 3, 4, 5}, []string{"v"},
		func(ctx context.Context, values []any, loop loopdriver.Loop) error {
			mu.Lock()
			seen[values[0].(int)] = true
			mu.Unlock()
			return nil
		}, nil, loopdriver.Options{})

	require.NoError(t, err)
	assert.Len(t, seen, 5)
}

func TestRun_ArrayBounded_NeverExceedsLimit(t *testing.T) {
	e := newEngine(t)
	f := frame.New(nil)
	buf := outbuf.New()

	var current, maxSeen atomic.Int32
	items := make([]any, 20)
	for i := range items {
		items[i] = i
	}

	err := loopdriver.Run(context.Background(), e, f, buf, items, []string{"v"},
		func(ctx context.Context, values []any, loop loopdriver.Loop) error {
			n := current.Add(1)
			for {
				m := maxSeen.Load()
				if n <= m || maxSeen.CompareAndSwap(m, n) {
					break
				}
			}
			current.Add(-1)
			return nil
		}, nil, loopdriver.Options{ConcurrentLimit: 3})

	require.NoError(t, err)
	assert.LessOrEqual(t, int(maxSeen.Load()), 3)
}

func TestRun_PoisonedSourcePoisonsBothBranchesAndSkipsElse(t *testing.T) {
	e := newEngine(t)
	root := frame.New(nil)
	root.Set("out", nil)
	block := frame.PushAsyncBlock(root, e, nil, map[string]int{"out": 1}, false)
	buf := outbuf.New()

	src := poison.New(errors.New("source broke"), 1, 1, "", "")

	var elseRan bool
	err := loopdriver.Run(context.Background(), e, block, buf, src, []string{"v"},
		func(ctx context.Context, values []any, loop loopdriver.Loop) error {
			t.Fatal("body must not run on poisoned source")
			return nil
		},
		func(ctx context.Context) error {
			elseRan = true
			return nil
		}, loopdriver.Options{Sequential: true, BodyWriteCounts: map[string]int{"out": 1}})

	require.NoError(t, err)
	assert.False(t, elseRan)

	pending, _ := root.Get("out")
	p := pending.(*sched.Promise)
	waitUntilSettled(t, p)
	poisoned := poison.Peek(p.Value())
	require.NotNil(t, poisoned)
	assert.Contains(t, poisoned.Error(), "source broke")
}

func TestRun_DestructuringFailsWithoutArray(t *testing.T) {
	e := newEngine(t)
	f := frame.New(nil)
	buf := outbuf.New()

	var gotPoison bool
	err := loopdriver.Run(context.Background(), e, f, buf, []any{42}, []string{"a", "b"},
		func(ctx context.Context, values []any, loop loopdriver.Loop) error {
			if poison.Peek(values[0]) != nil && poison.Peek(values[1]) != nil {
				gotPoison = true
			}
			return nil
		}, nil, loopdriver.Options{Sequential: true})

	require.NoError(t, err)
	assert.True(t, gotPoison)
}

type sliceAsyncIterator struct {
	values []any
	i      int
}

func (s *sliceAsyncIterator) Next(ctx context.Context) (any, bool, error) {
	if s.i >= len(s.values) {
		return nil, false, nil
	}
	v := s.values[s.i]
	s.i++
	return v, true, nil
}

func TestRun_AsyncIteratorSequential(t *testing.T) {
	e := newEngine(t)
	f := frame.New(nil)
	buf := outbuf.New()

	iter := &sliceAsyncIterator{values: []any{"a", "b", "c"}}
	var seen []string
	err := loopdriver.Run(context.Background(), e, f, buf, loopdriver.AsyncIterator(iter), []string{"v"},
		func(ctx context.Context, values []any, loop loopdriver.Loop) error {
			seen = append(seen, values[0].(string))
			assert.False(t, loop.LengthKnown)
			return nil
		}, nil, loopdriver.Options{Sequential: true})

	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, seen)
}

func TestRun_AsyncIteratorParallel_AllBodiesRun(t *testing.T) {
	e := newEngine(t)
	f := frame.New(nil)
	buf := outbuf.New()

	iter := &sliceAsyncIterator{values: []any{1, 2, 3, 4, 5}}
	var mu sync.Mutex
	seen := map[int]bool{}
	err := loopdriver.Run(context.Background(), e, f, buf, loopdriver.AsyncIterator(iter), []string{"v"},
		func(ctx context.Context, values []any, loop loopdriver.Loop) error {
			mu.Lock()
			seen[values[0].(int)] = true
			mu.Unlock()
			return nil
		}, nil, loopdriver.Options{})

	require.NoError(t, err)
	assert.Len(t, seen, 5)
}

func TestRun_AsyncIteratorBounded_NeverExceedsLimit(t *testing.T) {
	e := newEngine(t)
	f := frame.New(nil)
	buf := outbuf.New()

	iter := &sliceAsyncIterator{values: make([]any, 20)}
	for i := range iter.values {
		iter.values[i] = i
	}

	var current, maxSeen atomic.Int32
	err := loopdriver.Run(context.Background(), e, f, buf, loopdriver.AsyncIterator(iter), []string{"v"},
		func(ctx context.Context, values []any, loop loopdriver.Loop) error {
			n := current.Add(1)
			for {
				m := maxSeen.Load()
				if n <= m || maxSeen.CompareAndSwap(m, n) {
					break
				}
			}
			current.Add(-1)
			return nil
		}, nil, loopdriver.Options{ConcurrentLimit: 3})

	require.NoError(t, err)
	assert.LessOrEqual(t, int(maxSeen.Load()), 3)
}

func TestRun_ArrayParallel_PanicInBodyDoesNotCrash(t *testing.T) {
	e := newEngine(t)
	f := frame.New(nil)
	buf := outbuf.New()

	var ran atomic.Int32
	err := loopdriver.Run(context.Background(), e, f, buf, []any{1, 2, 3}, []string{"v"},
		func(ctx context.Context, values []any, loop loopdriver.Loop) error {
			ran.Add(1)
			if values[0].(int) == 2 {
				panic("boom")
			}
			return nil
		}, nil, loopdriver.Options{})

	require.NoError(t, err)
	assert.Equal(t, int32(3), ran.Load())
}

func TestRun_ArrayBounded_PanicInBodyPropagatesAsError(t *testing.T) {
	e := newEngine(t)
	f := frame.New(nil)
	buf := outbuf.New()

	err := loopdriver.Run(context.Background(), e, f, buf, []any{1, 2, 3}, []string{"v"},
		func(ctx context.Context, values []any, loop loopdriver.Loop) error {
			if values[0].(int) == 2 {
				panic("boom")
			}
			return nil
		}, nil, loopdriver.Options{ConcurrentLimit: 2})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestRun_AsyncIteratorBounded_PanicInBodyDoesNotCrash(t *testing.T) {
	e := newEngine(t)
	f := frame.New(nil)
	buf := outbuf.New()

	iter := &sliceAsyncIterator{values: []any{1, 2, 3}}
	var ran atomic.Int32
	err := loopdriver.Run(context.Background(), e, f, buf, loopdriver.AsyncIterator(iter), []string{"v"},
		func(ctx context.Context, values []any, loop loopdriver.Loop) error {
			ran.Add(1)
			if values[0].(int) == 2 {
				panic("boom")
			}
			return nil
		}, nil, loopdriver.Options{ConcurrentLimit: 2})

	require.NoError(t, err)
	assert.Equal(t, int32(3), ran.Load())
}

func TestRunWhile_StopsOnFalseCondition(t *testing.T) {
	e := newEngine(t)
	root := frame.New(nil)

	count := 0
	err := loopdriver.RunWhile(context.Background(), e, root, nil, nil,
		func(ctx context.Context, f *frame.Frame) (any, error) {
			return count < 3, nil
		},
		func(ctx context.Context, f *frame.Frame, iteration int) error {
			count++
			return nil
		})

	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestRunWhile_PropagatesConditionPoison(t *testing.T) {
	e := newEngine(t)
	root := frame.New(nil)

	err := loopdriver.RunWhile(context.Background(), e, root, nil, nil,
		func(ctx context.Context, f *frame.Frame) (any, error) {
			return poison.New(errors.New("condition broke"), 1, 1, "", ""), nil
		},
		func(ctx context.Context, f *frame.Frame, iteration int) error {
			t.Fatal("body must not run")
			return nil
		})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "condition broke")
}

func waitUntilSettled(t *testing.T, p *sched.Promise) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		if p.State() != sched.Pending {
			return
		}
	}
	require.NotEqual(t, sched.Pending, p.State())
}
