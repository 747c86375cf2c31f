package tool

import (
	"context"
	"fmt"
	"reflect"
)

var (
	contextType = reflect.TypeFor[context.Context]()
	errorType   = reflect.TypeFor[error]()
)

// FromFunc builds a Tool from a callable known only at runtime. fn must be a
// function taking an optional leading context.Context plus exactly one input
// argument, and returning (T) or (T, error).
func FromFunc(name, connector string, fn any, opts ...Option) (*Tool, error) {
	v := reflect.ValueOf(fn)
	if !v.IsValid() || v.Kind() != reflect.Func || v.IsNil() {
		return nil, &SignatureError{Tool: name, Reason: fmt.Sprintf("%T is not a function", fn)}
	}
	ft := v.Type()
	if ft.IsVariadic() {
		return nil, &SignatureError{Tool: name, Reason: "variadic callables are not supported"}
	}

	params := make([]reflect.Type, 0, ft.NumIn())
	for i := 0; i < ft.NumIn(); i++ {
		params = append(params, ft.In(i))
	}
	withCtx := len(params) > 0 && params[0] == contextType
	if withCtx {
		params = params[1:]
	}
	if len(params) != 1 {
		return nil, &SignatureError{
			Tool:   name,
			Reason: fmt.Sprintf("callable must take exactly one input argument, got %d", len(params)),
		}
	}

	switch ft.NumOut() {
	case 1:
		if ft.Out(0) == errorType {
			return nil, &SignatureError{Tool: name, Reason: "callable must return a value"}
		}
	case 2:
		if ft.Out(1) != errorType {
			return nil, &SignatureError{Tool: name, Reason: "second return value must be error"}
		}
	default:
		return nil, &SignatureError{
			Tool:   name,
			Reason: fmt.Sprintf("callable must return (T) or (T, error), got %d values", ft.NumOut()),
		}
	}

	contract, err := deriveContract(name, params[0])
	if err != nil {
		return nil, err
	}

	call := func(ctx context.Context, in any) (any, error) {
		args := make([]reflect.Value, 0, 2)
		if withCtx {
			args = append(args, reflect.ValueOf(&ctx).Elem())
		}
		args = append(args, reflect.ValueOf(in))
		out := v.Call(args)
		var err error
		if len(out) == 2 && !out[1].IsNil() {
			err = out[1].Interface().(error)
		}
		return out[0].Interface(), err
	}
	return build(name, connector, contract, call, opts), nil
}
