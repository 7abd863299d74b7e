package sched_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cascadatpl/cascada-core/sched"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func runEngine(t *testing.T) (*sched.Engine, context.CancelFunc) {
	t.Helper()
	e, err := sched.New()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = e.Run(ctx) }()
	waitFor(t, time.Second, func() bool { return e.State() != sched.StateAwake })
	return e, cancel
}

func TestEngine_SubmitRunsTask(t *testing.T) {
	e, cancel := runEngine(t)
	defer cancel()

	var ran atomic.Bool
	require.NoError(t, e.Submit(func() { ran.Store(true) }))
	waitFor(t, time.Second, ran.Load)
}

func TestEngine_MicrotasksRunBeforeNextTask(t *testing.T) {
	e, cancel := runEngine(t)
	defer cancel()

	var order []int
	done := make(chan struct{})

	require.NoError(t, e.Submit(func() {
		order = append(order, 1)
		e.ScheduleMicrotask(func() { order = append(order, 2) })
	}))
	require.NoError(t, e.Submit(func() {
		order = append(order, 3)
		close(done)
	}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for tasks")
	}
	require.Equal(t, []int{1, 2, 3}, order)
}

func TestEngine_TimerFires(t *testing.T) {
	e, cancel := runEngine(t)
	defer cancel()

	var fired atomic.Bool
	e.ScheduleTimer(10*time.Millisecond, func() { fired.Store(true) })
	waitFor(t, time.Second, fired.Load)
}

func TestEngine_TimerCancel(t *testing.T) {
	e, cancel := runEngine(t)
	defer cancel()

	var fired atomic.Bool
	h := e.ScheduleTimer(20*time.Millisecond, func() { fired.Store(true) })
	h.Cancel()
	time.Sleep(60 * time.Millisecond)
	require.False(t, fired.Load())
}

func TestEngine_ShutdownDrainsQueuedWork(t *testing.T) {
	e, err := sched.New()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.Run(ctx) }()
	waitFor(t, time.Second, func() bool { return e.State() != sched.StateAwake })

	var ran atomic.Bool
	require.NoError(t, e.Submit(func() { ran.Store(true) }))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	require.NoError(t, e.Shutdown(shutdownCtx))
	require.True(t, ran.Load())
	require.Equal(t, sched.StateTerminated, e.State())
}

func TestEngine_PromisifyResolvesOnEngineThread(t *testing.T) {
	e, cancel := runEngine(t)
	defer cancel()

	p := e.Promisify(context.Background(), func(ctx context.Context) (any, error) {
		return 42, nil
	})

	waitFor(t, time.Second, func() bool { return p.State() != sched.Pending })
	require.Equal(t, sched.Fulfilled, p.State())
	require.Equal(t, 42, p.Value())
}

func TestEngine_PromisifyRecoversPanic(t *testing.T) {
	e, cancel := runEngine(t)
	defer cancel()

	p := e.Promisify(context.Background(), func(ctx context.Context) (any, error) {
		panic("boom")
	})

	waitFor(t, time.Second, func() bool { return p.State() != sched.Pending })
	require.Equal(t, sched.Rejected, p.State())
	_, ok := p.Reason().(sched.PanicError)
	require.True(t, ok)
}
