package outbuf

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/cascadatpl/cascada-core/poison"
)

// HandlerFactory constructs a fresh handler instance from the context
// variables in scope at the point it was first referenced.
type HandlerFactory func(vars map[string]any) (any, error)

// Initializer is implemented by a handler instance that wants its _init
// hook invoked with context variables when a DispatchContext first
// resolves it: right after construction for a factory-built instance, and
// on first use within each render for a singleton.
type Initializer interface {
	Init(vars map[string]any) error
}

// ReturnValuer is implemented by a handler instance that computes its
// result-assembly value instead of being used verbatim.
type ReturnValuer interface {
	ReturnValue() any
}

// DynamicMethods is implemented by a handler that resolves command methods
// at runtime instead of exposing every one of them as a Go method, e.g.
// DataHandler's AddMethod-registered callbacks. dispatch consults it only
// after reflect.MethodByName finds nothing.
type DynamicMethods interface {
	DynamicMethod(name string) (func(args []any) (any, error), bool)
}

// Registry holds the handler singletons and factory classes an Environment
// makes available to command dispatch, keyed by handler name.
type Registry struct {
	mu         sync.RWMutex
	singletons map[string]any
	factories  map[string]HandlerFactory
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		singletons: make(map[string]any),
		factories:  make(map[string]HandlerFactory),
	}
}

// RegisterSingleton installs a shared handler instance under name.
func (r *Registry) RegisterSingleton(name string, instance any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.singletons[name] = instance
}

// RegisterFactory installs a per-render handler constructor under name.
func (r *Registry) RegisterFactory(name string, factory HandlerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// DispatchContext resolves and caches handler instances for a single
// render: cached instance first, then singleton, then factory.
type DispatchContext struct {
	registry *Registry
	vars     map[string]any
	cache    map[string]any
}

// NewDispatchContext builds a dispatch context over registry for one
// render, using vars to construct any factory-backed handlers it needs.
func NewDispatchContext(registry *Registry, vars map[string]any) *DispatchContext {
	return &DispatchContext{registry: registry, vars: vars, cache: make(map[string]any)}
}

func (d *DispatchContext) resolve(name string) (any, error) {
	if inst, ok := d.cache[name]; ok {
		return inst, nil
	}

	d.registry.mu.RLock()
	if inst, ok := d.registry.singletons[name]; ok {
		d.registry.mu.RUnlock()
		if init, ok := inst.(Initializer); ok {
			if err := init.Init(d.vars); err != nil {
				return nil, fmt.Errorf("outbuf: initializing handler %q: %w", name, err)
			}
		}
		d.cache[name] = inst
		return inst, nil
	}
	factory, ok := d.registry.factories[name]
	d.registry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("outbuf: unknown handler %q", name)
	}

	instance, err := factory(d.vars)
	if err != nil {
		return nil, fmt.Errorf("outbuf: constructing handler %q: %w", name, err)
	}
	if init, ok := instance.(Initializer); ok {
		if err := init.Init(d.vars); err != nil {
			return nil, fmt.Errorf("outbuf: initializing handler %q: %w", name, err)
		}
	}
	d.cache[name] = instance
	return instance, nil
}

// dispatch resolves cmd.Handler, walks cmd.Subpath, then calls cmd.Command
// (or invokes the target directly when Command is empty and the target is
// itself callable) with cmd.Arguments.
func (d *DispatchContext) dispatch(cmd *Command) (any, error) {
	target, err := d.resolve(cmd.Handler)
	if err != nil {
		return nil, positionedError(err, cmd.Pos, cmd.Handler)
	}

	v := reflect.ValueOf(target)
	for _, seg := range cmd.Subpath {
		v, err = stepInto(v, seg)
		if err != nil {
			return nil, positionedError(err, cmd.Pos, cmd.Handler)
		}
	}

	if cmd.Command == "" {
		if v.Kind() != reflect.Func {
			return nil, positionedError(fmt.Errorf("outbuf: handler %q is not callable", cmd.Handler), cmd.Pos, cmd.Handler)
		}
		result, err := callFunc(v, cmd.Arguments)
		if err != nil {
			return nil, positionedError(err, cmd.Pos, cmd.Handler)
		}
		return result, nil
	}

	method := v.MethodByName(exportedName(cmd.Command))
	if !method.IsValid() {
		if dyn, ok := target.(DynamicMethods); ok {
			if fn, ok := dyn.DynamicMethod(cmd.Command); ok {
				result, err := fn(cmd.Arguments)
				if err != nil {
					return nil, positionedError(err, cmd.Pos, cmd.Handler)
				}
				return result, nil
			}
		}
		return nil, positionedError(fmt.Errorf("outbuf: handler %q has no method %q", cmd.Handler, cmd.Command), cmd.Pos, cmd.Handler)
	}
	result, err := callFunc(method, cmd.Arguments)
	if err != nil {
		return nil, positionedError(err, cmd.Pos, cmd.Handler)
	}
	return result, nil
}

// positionedError wraps err as a *poison.RuntimeError carrying cmd's source
// position and handler name as its context tag, so a handler-dispatch
// failure reaches FlattenText/FlattenScript's error aggregation already
// positioned rather than as a bare fmt-wrapped string.
func positionedError(err error, pos Position, handler string) error {
	return poison.Handle(err, pos.Line, pos.Col, fmt.Sprintf("@%s", handler), "")
}

func stepInto(v reflect.Value, seg string) (reflect.Value, error) {
	for v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return reflect.Value{}, fmt.Errorf("outbuf: missing property %q", seg)
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Map:
		val := v.MapIndex(reflect.ValueOf(seg))
		if !val.IsValid() {
			return reflect.Value{}, fmt.Errorf("outbuf: missing property %q", seg)
		}
		return val, nil
	case reflect.Struct:
		f := v.FieldByName(exportedName(seg))
		if !f.IsValid() {
			return reflect.Value{}, fmt.Errorf("outbuf: missing property %q", seg)
		}
		return f, nil
	default:
		return reflect.Value{}, fmt.Errorf("outbuf: missing property %q", seg)
	}
}

func callFunc(fn reflect.Value, args []any) (any, error) {
	in := make([]reflect.Value, len(args))
	for i, a := range args {
		if a == nil {
			in[i] = reflect.New(fn.Type().In(i)).Elem()
			continue
		}
		in[i] = reflect.ValueOf(a)
	}
	out := fn.Call(in)
	if len(out) == 0 {
		return nil, nil
	}
	last := out[len(out)-1]
	if last.Type().Implements(errType) && !last.IsNil() {
		return nil, last.Interface().(error)
	}
	if len(out) > 1 {
		return out[0].Interface(), nil
	}
	if last.Type().Implements(errType) {
		return nil, nil
	}
	return last.Interface(), nil
}

var errType = reflect.TypeOf((*error)(nil)).Elem()

func exportedName(name string) string {
	if name == "" {
		return name
	}
	b := []byte(name)
	if b[0] >= 'a' && b[0] <= 'z' {
		b[0] -= 'a' - 'A'
	}
	return string(b)
}
