// Package env holds the user-facing registries a render draws on: globals,
// filters, tests, data methods, and command handlers, plus the
// template-lookup cache and the sync/async mode switch. Registration is
// only safe before rendering begins; during rendering the registries are
// read-only.
package env

import (
	"fmt"
	"sync"

	"github.com/cascadatpl/cascada-core/outbuf"
)

// Filter is a user-registered value transform, `{{ value | name(args) }}`.
type Filter func(args ...any) (any, error)

// Test is a user-registered predicate, `value is name(args)`.
type Test func(args ...any) (bool, error)

// CompiledTemplate is the compiled-root-function surface a loader hands
// back; out of scope to produce (no lexer/parser/codegen here), but its
// shape is the contract render.RenderTemplate calls through.
type CompiledTemplate interface {
	Name() string
}

// ResultStructure renames the script-mode result object's reserved keys.
type ResultStructure struct {
	DataKey string
	TextKey string
}

// Environment holds every registration a template render can observe:
// globals, filters, tests, data methods (merged into the "data" handler),
// command handler classes (factories) and singleton instances, and the
// result-structure key names. One Environment is shared, read-only, across
// concurrent renders once configuration is done.
type Environment struct {
	mu sync.RWMutex

	async bool
	devel bool

	globals map[string]any
	filters map[string]Filter
	tests   map[string]Test

	data *outbuf.DataHandler

	handlers *outbuf.Registry

	resultStructure ResultStructure

	templates map[string]CompiledTemplate
}

// Option configures an Environment at construction time.
type Option func(*Environment) error

// New builds an Environment, applying opts in order. Options are validated
// once, at construction.
func New(opts ...Option) (*Environment, error) {
	e := &Environment{
		globals:   make(map[string]any),
		filters:   make(map[string]Filter),
		tests:     make(map[string]Test),
		data:      outbuf.NewDataHandler(),
		handlers:  outbuf.NewRegistry(),
		templates: make(map[string]CompiledTemplate),
		resultStructure: ResultStructure{
			DataKey: "data",
			TextKey: "text",
		},
	}
	e.handlers.RegisterSingleton("data", e.data)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// WithAsync selects the async environment variant. The async and sync
// variants share this same type and configuration API; the flag only
// changes which render entry points (render.RenderTemplate vs the callback
// surface) an Environment is expected to be driven through.
func WithAsync(async bool) Option {
	return func(e *Environment) error {
		e.async = async
		return nil
	}
}

// WithDevMode enables dev-mode error prettification: rendered errors carry
// their full internal stack instead of a terse message.
func WithDevMode(devel bool) Option {
	return func(e *Environment) error {
		e.devel = devel
		return nil
	}
}

// WithGlobal pre-registers a global at construction time.
func WithGlobal(name string, value any) Option {
	return func(e *Environment) error {
		e.globals[name] = value
		return nil
	}
}

// WithResultStructure renames the script-mode result object's reserved
// keys. Reserved for future use per the external-interface contract; the
// current flatten path always emits "text" regardless.
func WithResultStructure(rs ResultStructure) Option {
	return func(e *Environment) error {
		if rs.DataKey == "" || rs.TextKey == "" {
			return fmt.Errorf("env: result structure keys must be non-empty")
		}
		e.resultStructure = rs
		return nil
	}
}

// Async reports whether this Environment is configured for async rendering.
func (e *Environment) Async() bool { return e.async }

// DevMode reports whether dev-mode error prettification is enabled.
func (e *Environment) DevMode() bool { return e.devel }

// AddGlobal registers a global value, visible to every render unless the
// local context defines a name of the same spelling.
func (e *Environment) AddGlobal(name string, value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.globals[name] = value
}

// GetGlobal looks up a previously registered global.
func (e *Environment) GetGlobal(name string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.globals[name]
	return v, ok
}

// HasGlobal reports whether name was registered via AddGlobal.
func (e *Environment) HasGlobal(name string) bool {
	_, ok := e.GetGlobal(name)
	return ok
}

// AddFilter registers a filter under name.
func (e *Environment) AddFilter(name string, fn Filter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.filters[name] = fn
}

// GetFilter looks up a previously registered filter.
func (e *Environment) GetFilter(name string) (Filter, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	f, ok := e.filters[name]
	return f, ok
}

// HasFilter reports whether name was registered via AddFilter.
func (e *Environment) HasFilter(name string) bool {
	_, ok := e.GetFilter(name)
	return ok
}

// AddTest registers a test predicate under name.
func (e *Environment) AddTest(name string, fn Test) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tests[name] = fn
}

// GetTest looks up a previously registered test.
func (e *Environment) GetTest(name string) (Test, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tests[name]
	return t, ok
}

// HasTest reports whether name was registered via AddTest.
func (e *Environment) HasTest(name string) bool {
	_, ok := e.GetTest(name)
	return ok
}

// AddDataMethods registers methods on the environment's "data" command
// handler, the built-in handler a script-mode template writes free-form
// structured output to via `@data.merge(...)`-style commands. Each entry is
// dispatchable as `@data.name(...)` once registered, looked up by
// outbuf.DispatchContext after its own Merge/ReturnValue methods.
func (e *Environment) AddDataMethods(methods map[string]any) {
	for k, v := range methods {
		e.data.AddMethod(k, v)
	}
}

// AddCommandHandlerClass registers a factory: a fresh instance is built per
// render, via ctor(contextVariables, env).
func (e *Environment) AddCommandHandlerClass(name string, ctor func(vars map[string]any, env *Environment) (any, error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers.RegisterFactory(name, func(vars map[string]any) (any, error) {
		return ctor(vars, e)
	})
}

// AddCommandHandler registers a singleton instance shared across renders.
// A handler implementing outbuf.Initializer gets its Init hook called once
// per render with that render's context variables, letting it reset
// per-render state without losing cross-render identity.
func (e *Environment) AddCommandHandler(name string, instance any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers.RegisterSingleton(name, instance)
}

// RemoveExtension drops a previously registered global, filter or test of
// the given name from each of those three registries. Command handlers are
// not removed; they stay registered on Handlers().
func (e *Environment) RemoveExtension(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.globals, name)
	delete(e.filters, name)
	delete(e.tests, name)
}

// Handlers returns the command-handler registry, for render to build a
// DispatchContext from.
func (e *Environment) Handlers() *outbuf.Registry { return e.handlers }

// ResultStructure returns the configured result-object key names.
func (e *Environment) ResultStructure() ResultStructure { return e.resultStructure }

// RegisterTemplate caches a compiled template under name, used by
// render_template's name_or_src lookup path.
func (e *Environment) RegisterTemplate(name string, tpl CompiledTemplate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[name] = tpl
}

// LookupTemplate returns a previously cached compiled template.
func (e *Environment) LookupTemplate(name string) (CompiledTemplate, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	tpl, ok := e.templates[name]
	return tpl, ok
}
