package poison_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadatpl/cascada-core/poison"
)

func TestHandle_PositionalIdempotence(t *testing.T) {
	base := errors.New("boom")
	once := poison.Handle(base, 3, 7, "@data.set", "tmpl.njk")
	twice := poison.Handle(once, 9, 1, "@other", "other.njk")
	require.Equal(t, once, twice)

	rt, ok := twice.(*poison.RuntimeError)
	require.True(t, ok)
	assert.Equal(t, 3, rt.Line)
	assert.Equal(t, 7, rt.Col)
}

func TestNew_DeduplicatesFlattensNested(t *testing.T) {
	e1 := errors.New("e1")
	e2 := errors.New("e2")
	inner := &poison.PoisonError{Errors: []error{e1, e2}}

	p := poison.New([]error{inner, e1}, 1, 1, "ctx", "path")
	require.Len(t, p.Errors(), 2)

	for _, e := range p.Errors() {
		_, isPoisonErr := e.(*poison.PoisonError)
		assert.False(t, isPoisonErr, "PoisonError must never nest inside errors list")
	}
}

func TestPoisonConservation(t *testing.T) {
	e1 := errors.New("fetch users failed")
	e2 := errors.New("fetch config failed")

	p := poison.New([]error{e1, e2}, 0, 0, "", "")
	pe := p.AsError()

	seen := map[string]int{}
	for _, e := range pe.Errors {
		seen[e.Error()]++
	}
	assert.Equal(t, 1, seen["fetch users failed"])
	assert.Equal(t, 1, seen["fetch config failed"])
}

func TestIsAndIsError(t *testing.T) {
	p := poison.New(errors.New("x"), 0, 0, "", "")
	assert.True(t, poison.Is(p))
	assert.False(t, poison.Is("not poison"))
	assert.True(t, poison.IsError(p.AsError()))
	assert.False(t, poison.IsError(errors.New("plain")))
}

func TestCollectErrors_AwaitsPastFirstFailure(t *testing.T) {
	p1 := poison.New(errors.New("first"), 0, 0, "", "")
	p2 := poison.New(errors.New("second"), 0, 0, "", "")

	errs := poison.CollectErrors(nil, []any{p1, p2, "healthy value"})
	require.Len(t, errs, 2)
}

func TestThenable_NoRejectedHandlerPassesThrough(t *testing.T) {
	p := poison.New(errors.New("boom"), 0, 0, "", "")
	val, rej := p.Then(nil)
	assert.Nil(t, val)
	assert.Same(t, p, rej)
}

func TestThenable_CatchRecovers(t *testing.T) {
	p := poison.New(errors.New("boom"), 0, 0, "", "")
	val, rej := p.Catch(func(pe *poison.PoisonError) (any, error) {
		return "recovered", nil
	})
	assert.Equal(t, "recovered", val)
	assert.Nil(t, rej)
}

func TestThenable_FinallyIgnoresPanic(t *testing.T) {
	p := poison.New(errors.New("boom"), 0, 0, "", "")
	out := p.Finally(func() { panic("cleanup exploded") })
	assert.Same(t, p, out)
}

func TestAwait_RejectsWithPoisonError(t *testing.T) {
	p := poison.New(errors.New("boom"), 0, 0, "", "")
	_, err := p.Await(nil)
	require.Error(t, err)
	assert.True(t, poison.IsError(err))
}

func TestPeek(t *testing.T) {
	p := poison.New(errors.New("boom"), 0, 0, "", "")
	assert.Same(t, p, poison.Peek(p))
	assert.Nil(t, poison.Peek("healthy"))
}
