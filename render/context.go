// Package render implements Cascada's template runner: it sets up the root
// frame and output buffer for a single render, invokes the compiled root
// function in the correct calling convention, and assembles the final
// result once the root signals completion.
package render

import "github.com/cascadatpl/cascada-core/env"

// Context is the render-local variable namespace a compiled template reads
// through. A name present in the local context always wins; a name absent
// from it falls back to the bound Environment's globals.
type Context struct {
	vars map[string]any
	env  *env.Environment
}

// NewContext builds a Context over vars (the caller's render-time data),
// bound to e for global fallback lookups.
func NewContext(vars map[string]any, e *env.Environment) *Context {
	if vars == nil {
		vars = make(map[string]any)
	}
	return &Context{vars: vars, env: e}
}

// Lookup resolves name by context lookup order: local context, then
// environment globals.
func (c *Context) Lookup(name string) (any, bool) {
	if v, ok := c.vars[name]; ok {
		return v, true
	}
	if c.env != nil {
		return c.env.GetGlobal(name)
	}
	return nil, false
}

// Set writes name into the local context, shadowing any global of the same
// name for the remainder of this render.
func (c *Context) Set(name string, value any) {
	c.vars[name] = value
}

// Vars exposes the raw local variable map, e.g. for constructing factory
// command handlers that take a render's context variables.
func (c *Context) Vars() map[string]any {
	return c.vars
}
