package host

import (
	"fmt"
	"reflect"

	"github.com/heinousjay/JibbrJabbr-sub000/internal/engine"
)

var (
	errorType    = reflect.TypeOf((*error)(nil)).Elem()
	anySliceType = reflect.TypeOf([]any(nil))
)

// Callable adapts a script function to an engine entry point. Accepted
// shapes are func(), func() error, func([]any) and func([]any) error; the
// slice receives the event arguments.
func Callable(name string, fn reflect.Value) (engine.Callable, error) {
	if !fn.IsValid() || fn.Kind() != reflect.Func {
		return nil, fmt.Errorf("%s is not a function", name)
	}
	t := fn.Type()
	switch {
	case t.NumIn() == 0:
	case t.NumIn() == 1 && t.In(0) == anySliceType && !t.IsVariadic():
	default:
		return nil, fmt.Errorf("%s must take no arguments or []any, got %s", name, t)
	}
	switch {
	case t.NumOut() == 0:
	case t.NumOut() == 1 && t.Out(0) == errorType:
	default:
		return nil, fmt.Errorf("%s must return nothing or error, got %s", name, t)
	}

	withArgs := t.NumIn() == 1
	return func(_ *engine.Activation, args ...any) error {
		var in []reflect.Value
		if withArgs {
			in = []reflect.Value{reflect.ValueOf(append([]any{}, args...))}
		}
		out := fn.Call(in)
		if len(out) == 1 && !out[0].IsNil() {
			return out[0].Interface().(error)
		}
		return nil
	}, nil
}
