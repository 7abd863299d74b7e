package outbuf

import (
	"reflect"
	"sync"
)

// DataHandler is the built-in result-structure handler registered under
// the "data" key. Its Merge implements the under-specified root-merge
// behavior as a recursive deep merge of map[string]any destinations,
// replacing slices and scalars outright; a registered replacement handler
// can implement Mergeable differently to opt into replace-at-root
// semantics instead.
type DataHandler struct {
	mu      sync.Mutex
	root    any
	methods map[string]reflect.Value
}

// NewDataHandler constructs an empty data accumulator.
func NewDataHandler() *DataHandler {
	return &DataHandler{}
}

// Mergeable is implemented by any handler that embedded-result unwrapping
// can feed non-text result keys into.
type Mergeable interface {
	Merge(path []string, value any) error
}

// Merge deep-merges value into the accumulated tree at path. An empty path
// merges at the root.
func (d *DataHandler) Merge(path []string, value any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(path) == 0 {
		d.root = deepMerge(d.root, value)
		return nil
	}
	d.root = mergeAtPath(d.root, path, value)
	return nil
}

func mergeAtPath(dst any, path []string, value any) any {
	m, ok := dst.(map[string]any)
	if !ok {
		m = make(map[string]any)
	} else {
		clone := make(map[string]any, len(m))
		for k, v := range m {
			clone[k] = v
		}
		m = clone
	}
	if len(path) == 1 {
		m[path[0]] = deepMerge(m[path[0]], value)
		return m
	}
	m[path[0]] = mergeAtPath(m[path[0]], path[1:], value)
	return m
}

func deepMerge(dst, src any) any {
	dm, dstIsMap := dst.(map[string]any)
	sm, srcIsMap := src.(map[string]any)
	if dstIsMap && srcIsMap {
		out := make(map[string]any, len(dm)+len(sm))
		for k, v := range dm {
			out[k] = v
		}
		for k, v := range sm {
			out[k] = deepMerge(out[k], v)
		}
		return out
	}
	return src
}

// ReturnValue implements ReturnValuer.
func (d *DataHandler) ReturnValue() any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.root
}

// AddMethod registers fn under name so it can be dispatched as a command
// method (`@data.name(...)`) even though it isn't one of DataHandler's own
// Go methods. fn is called via reflection with the command's raw arguments;
// its last return value is taken as the result, or the error if it
// implements error.
func (d *DataHandler) AddMethod(name string, fn any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.methods == nil {
		d.methods = make(map[string]reflect.Value)
	}
	d.methods[name] = reflect.ValueOf(fn)
}

// DynamicMethod implements DynamicMethods, letting the dispatcher fall back
// to AddMethod-registered callbacks when name isn't a method defined on the
// *DataHandler type.
func (d *DataHandler) DynamicMethod(name string) (func(args []any) (any, error), bool) {
	d.mu.Lock()
	fn, ok := d.methods[name]
	d.mu.Unlock()
	if !ok {
		return nil, false
	}
	return func(args []any) (any, error) {
		return callFunc(fn, args)
	}, true
}
