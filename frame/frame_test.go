package frame_test

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadatpl/cascada-core/frame"
	"github.com/cascadatpl/cascada-core/sched"
)

func TestFrame_LookupWalksParentChain(t *testing.T) {
	root := frame.New(nil)
	root.Set("a", 1)
	child := frame.New(root)
	child.Set("b", 2)

	v, ok := child.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = root.Lookup("b")
	assert.False(t, ok)
}

func TestFrame_SetDottedAutoNests(t *testing.T) {
	f := frame.New(nil)
	f.Set("user.name", "ada")
	v, ok := f.Get("user")
	require.True(t, ok)
	m := v.(map[string]any)
	assert.Equal(t, "ada", m["name"])
}

func TestFrame_PushAsyncBlock_ReadsSnapshotParentValue(t *testing.T) {
	e, err := sched.New()
	require.NoError(t, err)

	root := frame.New(nil)
	root.Set("x", 10)

	child := frame.PushAsyncBlock(root, e, []string{"x"}, nil, false)
	v, ok := child.Lookup("x")
	require.True(t, ok)
	assert.Equal(t, 10, v)

	root.Set("x", 20)
	v, _ = child.Lookup("x")
	assert.Equal(t, 10, v, "async read is a snapshot, not a live view")
}

// TestFrame_WriteCounterDeterministic exercises the core liveness property:
// an async block promised for k writes resolves to a single, deterministic
// final value no matter what order those k writes arrive in.
func TestFrame_WriteCounterDeterministic(t *testing.T) {
	for trial := 0; trial < 20; trial++ {
		e, err := sched.New()
		require.NoError(t, err)

		root := frame.New(nil)
		root.Set("total", nil)

		const k = 5
		child := frame.PushAsyncBlock(root, e, nil, map[string]int{"total": k}, false)

		pending, ok := root.Get("total")
		require.True(t, ok)
		p, ok := pending.(*sched.Promise)
		require.True(t, ok)

		order := rand.Perm(k)
		var wg sync.WaitGroup
		for _, i := range order {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				time.Sleep(time.Duration(rand.Intn(2)) * time.Millisecond)
				child.DecrementWriteCounter(e, "total")
				_ = i
			}()
		}
		wg.Wait()

		val, err := p.Await(context.Background())
		require.NoError(t, err)
		assert.Nil(t, val)
	}
}

func TestFrame_SkipBranchWrites_ResolvesWithoutAllWrites(t *testing.T) {
	e, err := sched.New()
	require.NoError(t, err)

	root := frame.New(nil)
	root.Set("result", nil)
	child := frame.PushAsyncBlock(root, e, nil, map[string]int{"result": 3}, false)

	child.DecrementWriteCounter(e, "result")
	child.SkipBranchWrites(e, map[string]int{"result": 2})

	pending, _ := root.Get("result")
	p := pending.(*sched.Promise)
	waitForSettled(t, p)
	assert.Equal(t, sched.Fulfilled, p.State())
}

func TestFrame_PoisonBranchWrites_PropagatesPoisonValue(t *testing.T) {
	e, err := sched.New()
	require.NoError(t, err)

	root := frame.New(nil)
	root.Set("result", nil)
	child := frame.PushAsyncBlock(root, e, nil, map[string]int{"result": 2}, false)

	child.PoisonBranchWrites(e, "poisoned", map[string]int{"result": 2})

	pending, _ := root.Get("result")
	p := pending.(*sched.Promise)
	waitForSettled(t, p)
	assert.Equal(t, "poisoned", p.Value())
}

func TestFrame_SequentialLoopBody_DoesNotPropagateToParent(t *testing.T) {
	e, err := sched.New()
	require.NoError(t, err)

	root := frame.New(nil)
	root.Set("acc", nil)
	outer := frame.PushAsyncBlock(root, e, nil, map[string]int{"acc": 1}, false)

	pending, _ := root.Get("acc")
	outerPromise := pending.(*sched.Promise)

	inner := frame.PushAsyncBlock(outer, e, nil, map[string]int{"acc": 1}, true)
	inner.DecrementWriteCounter(e, "acc")

	assert.Equal(t, sched.Pending, outerPromise.State(), "sequential loop body write must not resolve the outer promise")
}

func waitForSettled(t *testing.T, p *sched.Promise) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if p.State() != sched.Pending {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.NotEqual(t, sched.Pending, p.State(), "promise never settled")
}
