package guard_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadatpl/cascada-core/frame"
	"github.com/cascadatpl/cascada-core/guard"
	"github.com/cascadatpl/cascada-core/outbuf"
	"github.com/cascadatpl/cascada-core/poison"
	"github.com/cascadatpl/cascada-core/sched"
)

func newEngine(t *testing.T) *sched.Engine {
	t.Helper()
	e, err := sched.New()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = e.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if e.State() != sched.StateAwake {
			return e
		}
		time.Sleep(time.Millisecond)
	}
	require.NotEqual(t, sched.StateAwake, e.State(), "engine never started")
	return e
}

func TestInit_ErrorsWhenVariableMissingFromAsyncScope(t *testing.T) {
	e := newEngine(t)
	root := frame.New(nil)
	root.Set("x", 1)
	block := frame.PushAsyncBlock(root, e, nil, nil, false)

	_, err := guard.Init(block, []string{"x"})
	assert.Error(t, err)
}

func TestComplete_RevertRestoresSnapshot(t *testing.T) {
	e := newEngine(t)
	root := frame.New(nil)
	root.Set("total", 10)
	block := frame.PushAsyncBlock(root, e, []string{"total"}, map[string]int{"total": 1}, false)

	state, err := guard.Init(block, []string{"total"})
	require.NoError(t, err)

	block.SetAsyncVar("total", 999)
	guard.Complete(e, block, state, true)

	v, ok := block.GetAsyncVar("total")
	require.True(t, ok)
	assert.Equal(t, 10, v)
}

func TestComplete_NoRevertKeepsCurrentValueAndDecrements(t *testing.T) {
	e := newEngine(t)
	root := frame.New(nil)
	root.Set("total", nil)
	block := frame.PushAsyncBlock(root, e, nil, map[string]int{"total": 1}, false)

	state, err := guard.Init(block, []string{"total"})
	require.NoError(t, err)

	block.SetAsyncVar("total", 42)
	guard.Complete(e, block, state, false)

	pending, ok := root.Get("total")
	require.True(t, ok)
	p, ok := pending.(*sched.Promise)
	require.True(t, ok)
	v, perr := p.Await(context.Background())
	require.NoError(t, perr)
	assert.Equal(t, 42, v)
}

func TestRepairSequenceLocks_RecordsFailureAndInstallsFreshPromise(t *testing.T) {
	e := newEngine(t)
	root := frame.New(nil)
	badLock, _, reject := sched.NewPromise(e)
	root.Set("!op", badLock)
	reject(errors.New("op failed"))

	block := frame.PushAsyncBlock(root, e, nil, nil, false)
	state, err := guard.Init(block, nil)
	require.NoError(t, err)

	guard.RepairSequenceLocks(context.Background(), e, block, state, []string{"!op"})

	v, ok := root.Get("!op")
	require.True(t, ok)
	fresh, ok := v.(*sched.Promise)
	require.True(t, ok)
	waitUntilSettled(t, fresh)
	assert.Equal(t, sched.Fulfilled, fresh.State())

	errs := guard.GetErrors(context.Background(), block, state, outbuf.New(), nil)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "op failed")
}

func TestGetErrors_CollectsTargetedPoisonMarkersAndGuardedPoison(t *testing.T) {
	e := newEngine(t)
	root := frame.New(nil)
	root.Set("x", poison.New(errors.New("bad variable"), 1, 1, "", ""))
	block := frame.PushAsyncBlock(root, e, []string{"x"}, nil, false)

	state, err := guard.Init(block, []string{"x"})
	require.NoError(t, err)

	buf := outbuf.New()
	buf.Push(&outbuf.PoisonMarker{Errors: []error{errors.New("bad handler output")}, Handler: "log"})
	buf.Push(&outbuf.PoisonMarker{Errors: []error{errors.New("untargeted")}, Handler: "other"})

	errs := guard.GetErrors(context.Background(), block, state, buf, []string{"log"})
	require.Len(t, errs, 2)
}

func waitUntilSettled(t *testing.T, p *sched.Promise) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if p.State() != sched.Pending {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.NotEqual(t, sched.Pending, p.State())
}
