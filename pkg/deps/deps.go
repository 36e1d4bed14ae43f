package deps

import (
	"reflect"

	"github.com/pingcap/errors"
	"go.uber.org/dig"
)

// Deps is a thin wrapper around a dig container used as the composition
// root of a server.
type Deps struct {
	container *dig.Container
}

// NewDeps creates an empty Deps.
func NewDeps() *Deps {
	return &Deps{
		container: dig.New(),
	}
}

// Provide registers a constructor.
func (d *Deps) Provide(constructor interface{}, opts ...dig.ProvideOption) error {
	if err := d.container.Provide(constructor, opts...); err != nil {
		return errors.Trace(err)
	}
	return nil
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// Construct calls fn with its arguments resolved from the container and
// returns fn's first result. fn must return either (T) or (T, error).
func (d *Deps) Construct(fn interface{}) (interface{}, error) {
	fnVal := reflect.ValueOf(fn)
	fnType := fnVal.Type()
	if fnType.Kind() != reflect.Func || fnType.NumOut() == 0 || fnType.NumOut() > 2 {
		return nil, errors.Errorf("unexpected constructor type %s", fnType)
	}
	if fnType.NumOut() == 2 && fnType.Out(1) != errorType {
		return nil, errors.Errorf("second result of %s must be an error", fnType)
	}

	in := make([]reflect.Type, 0, fnType.NumIn())
	for i := 0; i < fnType.NumIn(); i++ {
		in = append(in, fnType.In(i))
	}

	var (
		result    interface{}
		resultErr error
	)
	invoker := reflect.MakeFunc(
		reflect.FuncOf(in, []reflect.Type{errorType}, false),
		func(args []reflect.Value) []reflect.Value {
			out := fnVal.Call(args)
			result = out[0].Interface()
			if len(out) == 2 && !out[1].IsNil() {
				resultErr = out[1].Interface().(error)
			}
			return []reflect.Value{reflect.Zero(errorType)}
		})

	if err := d.container.Invoke(invoker.Interface()); err != nil {
		return nil, errors.Trace(err)
	}
	if resultErr != nil {
		return nil, resultErr
	}
	return result, nil
}

// Fill populates the fields of params, a pointer to a struct embedding
// dig.In, from the container.
func (d *Deps) Fill(params interface{}) error {
	val := reflect.ValueOf(params)
	if val.Kind() != reflect.Ptr || val.Elem().Kind() != reflect.Struct {
		return errors.Errorf("expected a pointer to struct, got %T", params)
	}

	target := val.Elem()
	filler := reflect.MakeFunc(
		reflect.FuncOf([]reflect.Type{target.Type()}, nil, false),
		func(args []reflect.Value) []reflect.Value {
			target.Set(args[0])
			return nil
		})

	if err := d.container.Invoke(filler.Interface()); err != nil {
		return errors.Trace(err)
	}
	return nil
}
