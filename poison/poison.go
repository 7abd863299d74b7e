// Package poison implements Cascada's inspectable error container: a value
// that can carry one or more underlying failures through ordinary data flow
// so that synchronous code can detect it cheaply (no await required) while
// still interoperating with the language's native await machinery at the
// boundaries that need it.
package poison

import (
	"context"
	"fmt"
	"strings"
)

// Poisoned is an ordered, non-empty sequence of underlying errors, tagged so
// it is detectable synchronously via [Is]. Once created, the error list is
// treated as immutable from the outside.
type Poisoned struct {
	errs []error
}

// New normalizes errOrErrs (an error, a []error, or a *Poisoned) to a flat,
// deduplicated error list, positioning any error that doesn't already carry
// a position via [Handle]. It mirrors create_poison.
func New(errOrErrs any, lineno, colno int, context_, path string) *Poisoned {
	var flat []error
	switch v := errOrErrs.(type) {
	case nil:
		return &Poisoned{errs: []error{fmt.Errorf("poisoned with no error")}}
	case *Poisoned:
		flat = append(flat, v.errs...)
	case error:
		flat = flattenOne(v)
	case []error:
		for _, e := range v {
			flat = append(flat, flattenOne(e)...)
		}
	default:
		flat = []error{fmt.Errorf("%v", v)}
	}

	positioned := make([]error, 0, len(flat))
	for _, e := range dedup(flat) {
		positioned = append(positioned, Handle(e, lineno, colno, context_, path))
	}
	return &Poisoned{errs: dedup(positioned)}
}

// NewFromErrors builds a Poisoned directly from an already-flattened,
// already-positioned error list, skipping the Handle pass. Used internally
// by components (loopdriver, outbuf) that have already positioned their
// errors via handle_error themselves.
func NewFromErrors(errs []error) *Poisoned {
	return &Poisoned{errs: dedup(flattenAll(errs))}
}

func flattenOne(e error) []error {
	if pe, ok := e.(*PoisonError); ok {
		return append([]error(nil), pe.Errors...)
	}
	return []error{e}
}

func flattenAll(errs []error) []error {
	out := make([]error, 0, len(errs))
	for _, e := range errs {
		out = append(out, flattenOne(e)...)
	}
	return out
}

func dedup(errs []error) []error {
	seen := make(map[error]bool, len(errs))
	out := make([]error, 0, len(errs))
	for _, e := range errs {
		if seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out
}

// Errors returns the underlying error list. Callers must not mutate it.
func (p *Poisoned) Errors() []error {
	return p.errs
}

// Error implements the error interface by delegating to the thrown form.
func (p *Poisoned) Error() string {
	return p.AsError().Error()
}

// AsError converts the poisoned value to its thrown form, a *PoisonError.
func (p *Poisoned) AsError() *PoisonError {
	return &PoisonError{Errors: p.errs, Message: composeMessage(p.errs)}
}

func composeMessage(errs []error) string {
	if len(errs) == 1 {
		return errs[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Multiple errors occurred (%d):", len(errs))
	for i, e := range errs {
		fmt.Fprintf(&b, "\n  %d. %s", i+1, e.Error())
	}
	return b.String()
}

// PoisonError is the thrown/aggregated form of one or more errors. Errors is
// the deduplicated flattening of any nested PoisonError.
type PoisonError struct {
	Errors  []error
	Message string
	Stack   string
}

func (e *PoisonError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return composeMessage(e.Errors)
}

// Unwrap exposes the underlying errors for errors.Is/As traversal.
func (e *PoisonError) Unwrap() []error {
	return e.Errors
}

// Is reports whether v is poisoned (a *Poisoned), synchronously, without
// awaiting anything.
func Is(v any) bool {
	p, ok := v.(*Poisoned)
	return ok && p != nil
}

// IsError reports whether e is a poison error's thrown form, recognized by
// behavior (it implements Unwrap() []error with at least one element)
// rather than by concrete type, per the "never rely on runtime class
// identity" contract.
func IsError(e error) bool {
	if e == nil {
		return false
	}
	if _, ok := e.(*PoisonError); ok {
		return true
	}
	type multiUnwrapper interface{ Unwrap() []error }
	u, ok := e.(multiUnwrapper)
	return ok && len(u.Unwrap()) > 0
}

// Awaitable is satisfied by anything that can be blocked on for a value or
// an error, the explicit conversion point between the poison model and the
// scheduler's native futures, instead of duck-typing a thenable.
type Awaitable interface {
	Await(ctx context.Context) (any, error)
}

// IsErrorAsync reports whether v is itself poisoned, or an Awaitable that
// resolves to poison or rejects when awaited. It is the async-aware
// sibling of Is.
func IsErrorAsync(ctx context.Context, v any) bool {
	if Is(v) {
		return true
	}
	aw, ok := v.(Awaitable)
	if !ok {
		return false
	}
	res, err := aw.Await(ctx)
	if err != nil {
		return true
	}
	return Is(res)
}

// CollectErrors awaits every Awaitable in values, even after the first
// failure, and returns the deduplicated, flattened list of every
// underlying error observed, across both directly-poisoned values and
// rejected/poison-resolving awaitables.
func CollectErrors(ctx context.Context, values []any) []error {
	var collected []error
	for _, v := range values {
		switch x := v.(type) {
		case *Poisoned:
			collected = append(collected, x.errs...)
		case Awaitable:
			res, err := x.Await(ctx)
			if err != nil {
				collected = append(collected, flattenOne(err)...)
				continue
			}
			if p, ok := res.(*Poisoned); ok {
				collected = append(collected, p.errs...)
			}
		}
	}
	return dedup(flattenAll(collected))
}

// Peek introspects v without unwrapping it. For a poisoned value it returns
// the value's own Poisoned; for a healthy value it returns nil.
func Peek(v any) *Poisoned {
	if p, ok := v.(*Poisoned); ok {
		return p
	}
	return nil
}
