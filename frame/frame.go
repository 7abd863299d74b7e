// Package frame implements Cascada's Async Frame: a lexically scoped
// variable environment that accepts writes from blocks completing at
// arbitrary future times and resolves to a fully determined value only once
// every owed write has happened or been explicitly skipped.
package frame

import (
	"strings"
	"sync"

	"github.com/cascadatpl/cascada-core/sched"
)

// Frame is a node in a parent chain of variable scopes.
type Frame struct {
	mu            sync.Mutex
	parent        *Frame
	variables     map[string]any
	isolateWrites bool
	topLevel      bool
	createScope   bool

	async *asyncExt
}

type asyncExt struct {
	asyncVars          map[string]any
	bindings           map[string]*writeBinding
	isAsyncBlock       bool
	sequentialLoopBody bool
}

type writeBinding struct {
	remaining      int
	resolve        sched.ResolveFunc
	declaringFrame *Frame
}

// New creates a plain sync Frame as a child of parent (nil for the root).
func New(parent *Frame) *Frame {
	return &Frame{parent: parent, variables: make(map[string]any), topLevel: parent == nil}
}

// NewIsolated creates a Frame whose writes never resolve upward past it
// (isolate_writes).
func NewIsolated(parent *Frame) *Frame {
	f := New(parent)
	f.isolateWrites = true
	return f
}

// NewScope creates a Frame that is a valid target for resolve-up writes
// that create new variables (create_scope == true).
func NewScope(parent *Frame) *Frame {
	f := New(parent)
	f.createScope = true
	return f
}

// newAsyncFrame creates a Frame with the AsyncFrame extension populated.
func newAsyncFrame(parent *Frame) *Frame {
	f := New(parent)
	f.async = &asyncExt{
		asyncVars: make(map[string]any),
		bindings:  make(map[string]*writeBinding),
	}
	return f
}

// Root walks to the outermost frame in the chain.
func (f *Frame) Root() *Frame {
	cur := f
	for cur.parent != nil {
		cur = cur.parent
	}
	return cur
}

// Lookup resolves name by checking this frame's async_vars (if any), then
// variables, then recursing into the parent chain.
func (f *Frame) Lookup(name string) (any, bool) {
	for cur := f; cur != nil; cur = cur.parent {
		if v, ok := cur.Get(name); ok {
			return v, true
		}
	}
	return nil, false
}

// Get is the single-frame form of Lookup: it does not recurse to parents.
func (f *Frame) Get(name string) (any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.async != nil {
		if v, ok := f.async.asyncVars[name]; ok {
			return v, true
		}
		if _, ok := f.async.bindings[name]; ok {
			// An outstanding write-counter binding makes this frame the
			// current owner of name even before any write has landed in
			// asyncVars, e.g. a sequential loop body nesting a further
			// async block over the same accumulator.
			return nil, true
		}
	}
	v, ok := f.variables[name]
	return v, ok
}

// Has reports whether name is bound in this frame or any ancestor.
func (f *Frame) Has(name string) bool {
	_, ok := f.Lookup(name)
	return ok
}

// Set performs an ordinary (non-resolve-up) write: it always lands in
// variables on the current frame, auto-nesting dotted names into nested
// maps.
func (f *Frame) Set(name string, value any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	setDotted(f.variables, name, value)
}

func setDotted(vars map[string]any, name string, value any) {
	parts := strings.Split(name, ".")
	if len(parts) == 1 {
		vars[name] = value
		return
	}
	cur := vars
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

// resolveScopeFrame implements resolve(name, true): finds the frame that
// should own a newly-created variable, delegating to the nearest ancestor
// whose create_scope is true when the current frame doesn't already have
// the name and isn't itself a scope frame. The walk never goes past a
// frame whose isolate_writes is set.
func (f *Frame) resolveScopeFrame(name string) *Frame {
	for cur := f; cur != nil; cur = cur.parent {
		if _, ok := cur.Get(name); ok {
			return cur
		}
		if cur.createScope || cur.topLevel || cur.isolateWrites {
			return cur
		}
	}
	return f.Root()
}

// lookupAndLocate finds the frame currently holding name (in async_vars or
// variables) along with its current value, walking the parent chain.
func (f *Frame) lookupAndLocate(name string) (owner *Frame, value any, ok bool) {
	for cur := f; cur != nil; cur = cur.parent {
		if v, found := cur.Get(name); found {
			return cur, v, true
		}
	}
	return nil, nil, false
}

// writeSlot writes value into whichever namespace (async_vars or variables)
// currently holds name on this frame, preferring async_vars, matching the
// "walk from current frame upward" write-up algorithm's per-level check.
func (f *Frame) writeSlot(name string, value any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.async != nil {
		if _, ok := f.async.asyncVars[name]; ok {
			f.async.asyncVars[name] = value
			return
		}
	}
	f.variables[name] = value
}

// SetResolveUp implements the `set` tag's resolve-up write algorithm for a
// simple (non-dotted) name: it walks upward from f to the frame that scopes
// name, writing into the first async_vars that already holds it or into the
// scope frame's variables, then triggers a write-counter decrement.
func (f *Frame) SetResolveUp(engine *sched.Engine, name string, value any) {
	scopeFrame := f.resolveScopeFrame(name)

	for cur := f; cur != nil; cur = cur.parent {
		cur.mu.Lock()
		if cur.async != nil {
			if _, ok := cur.async.asyncVars[name]; ok {
				cur.async.asyncVars[name] = value
				cur.mu.Unlock()
				break
			}
		}
		if cur == scopeFrame {
			cur.variables[name] = value
			cur.mu.Unlock()
			break
		}
		cur.mu.Unlock()
	}

	f.DecrementWriteCounter(engine, name)
}

// HasAsyncVar reports whether name is present in this frame's own
// async_vars namespace (no parent recursion).
func (f *Frame) HasAsyncVar(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.async == nil {
		return false
	}
	_, ok := f.async.asyncVars[name]
	return ok
}

// GetAsyncVar reads name from this frame's own async_vars namespace.
func (f *Frame) GetAsyncVar(name string) (any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.async == nil {
		return nil, false
	}
	v, ok := f.async.asyncVars[name]
	return v, ok
}

// SetAsyncVar writes value directly into this frame's own async_vars
// namespace, bypassing write-counter bookkeeping. Used by guard to restore
// a snapshot on revert.
func (f *Frame) SetAsyncVar(name string, value any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.async == nil {
		return
	}
	f.async.asyncVars[name] = value
}

// Overwrite replaces the value currently held for name, in whichever frame
// and namespace currently owns it, without touching write-counter
// bookkeeping. Used by sequence-lock repair to swap in a trivially-resolved
// promise after detecting a failure on the existing one.
func (f *Frame) Overwrite(name string, value any) bool {
	owner, _, ok := f.lookupAndLocate(name)
	if !ok {
		return false
	}
	owner.writeSlot(name, value)
	return true
}

// PushAsyncBlock builds a child AsyncFrame of parent before executing an
// async block that reads and/or writes ancestor-owned variables.
func PushAsyncBlock(parent *Frame, engine *sched.Engine, reads []string, writeCounts map[string]int, sequentialLoopBody bool) *Frame {
	child := newAsyncFrame(parent)
	child.async.isAsyncBlock = true
	child.async.sequentialLoopBody = sequentialLoopBody

	for _, name := range reads {
		if v, ok := parent.Lookup(name); ok {
			child.async.asyncVars[name] = v
		}
	}

	for name, count := range writeCounts {
		if count <= 0 {
			continue
		}
		declFrame, curVal, exists := parent.lookupAndLocate(name)
		if !exists {
			if strings.HasPrefix(name, "!") {
				root := parent.Root()
				root.mu.Lock()
				root.variables[name] = nil
				root.mu.Unlock()
				declFrame, curVal = root, nil
			} else {
				declFrame, curVal = parent, nil
			}
		}

		child.async.asyncVars[name] = curVal

		pending, resolve, _ := sched.NewPromise(engine)
		declFrame.writeSlot(name, pending)

		child.async.bindings[name] = &writeBinding{
			remaining:      count,
			resolve:        resolve,
			declaringFrame: declFrame,
		}
	}

	return child
}

// DecrementWriteCounter accounts for one completed write of name on f.
func (f *Frame) DecrementWriteCounter(engine *sched.Engine, name string) {
	f.decrementBy(engine, name, 1)
}

// SkipBranchWrites accounts for writes that won't happen because a branch
// wasn't taken, decrementing each named counter by its given amount.
func (f *Frame) SkipBranchWrites(engine *sched.Engine, counts map[string]int) {
	for name, n := range counts {
		f.decrementBy(engine, name, n)
	}
}

// PoisonBranchWrites writes err's poison into each variable's current
// location and then skips the branch's remaining writes for it.
func (f *Frame) PoisonBranchWrites(engine *sched.Engine, poisonValue any, counts map[string]int) {
	for name := range counts {
		if f.async != nil {
			f.mu.Lock()
			if _, ok := f.async.asyncVars[name]; ok {
				f.async.asyncVars[name] = poisonValue
				f.mu.Unlock()
				continue
			}
			f.mu.Unlock()
		}
		if owner, _, ok := f.lookupAndLocate(name); ok {
			owner.writeSlot(name, poisonValue)
		}
	}
	f.SkipBranchWrites(engine, counts)
}

func (f *Frame) decrementBy(engine *sched.Engine, name string, n int) {
	if f.async == nil {
		return
	}
	f.mu.Lock()
	b, ok := f.async.bindings[name]
	if !ok {
		f.mu.Unlock()
		return
	}
	b.remaining -= n
	remaining := b.remaining
	f.mu.Unlock()

	if remaining > 0 {
		return
	}

	f.mu.Lock()
	value := f.async.asyncVars[name]
	delete(f.async.bindings, name)
	sequential := f.async.sequentialLoopBody
	f.mu.Unlock()

	b.resolve(value)

	if sequential {
		return
	}
	if f.parent != nil && f.parent != b.declaringFrame {
		f.parent.decrementBy(engine, name, 1)
	}
}
