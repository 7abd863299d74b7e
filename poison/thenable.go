package poison

import "context"

// Then implements a synchronous thenable surface: it is deliberately not
// Promise/A+ compliant (no microtask deferral, self-return permitted)
// because it exists only to interoperate with await, not to serve as a
// general-purpose promise.
//
// With no onRejected, Then returns the same Poisoned unchanged (no
// allocation). With onRejected, the handler runs synchronously against the
// aggregated *PoisonError; a successful handler's return value is reported
// via (value, nil), a failing handler (returning a non-nil error or a new
// Poisoned) is reported as a new Poisoned.
func (p *Poisoned) Then(onRejected func(*PoisonError) (any, error)) (any, *Poisoned) {
	if onRejected == nil {
		return nil, p
	}
	value, err := onRejected(p.AsError())
	if err == nil {
		return value, nil
	}
	if np, ok := err.(interface{ asPoisoned() *Poisoned }); ok {
		return nil, np.asPoisoned()
	}
	return nil, New(err, 0, 0, "", "")
}

// Catch is Then with only a rejection handler, matching catch(h) ==
// then(null, h).
func (p *Poisoned) Catch(onRejected func(*PoisonError) (any, error)) (any, *Poisoned) {
	return p.Then(onRejected)
}

// Finally runs h, ignoring any panic or side effect from it, and always
// returns the original poison unchanged.
func (p *Poisoned) Finally(h func()) *Poisoned {
	if h != nil {
		func() {
			defer func() { _ = recover() }()
			h()
		}()
	}
	return p
}

// Await satisfies the Awaitable interface: a Poisoned always "rejects" with
// its thrown form, making it interoperable with code that blocks on an
// Awaitable without needing to special-case poison first.
func (p *Poisoned) Await(ctx context.Context) (any, error) {
	return nil, p.AsError()
}
