// Package discover wires signal handlers by scanning a receiver's exported
// methods, so a component declares its surface as ordinary methods instead
// of hand-registering every name.
//
// A method is a handler when it takes (r *router.Router, dst router.Target,
// sig *router.Signal) and returns nothing; a trailing fourth parameter
// declares a payload type. The signal name is the method name, subject to
// the router's case rules. Other methods are skipped.
package discover

import (
	"reflect"

	"modelbus-go/errcode"
	"modelbus-go/packet"
	"modelbus-go/router"
)

var (
	routerType = reflect.TypeOf((*router.Router)(nil))
	targetType = reflect.TypeOf((*router.Target)(nil)).Elem()
	signalType = reflect.TypeOf((*router.Signal)(nil))
)

// Register scans v's exported methods and registers every handler-shaped one
// on r. It returns the headers assigned, in method order, and fails when no
// method qualifies or the router rejects a name.
func Register(r *router.Router, v any) ([]packet.Header, error) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return nil, errcode.New(errcode.Argument, "discover.Register", "nil receiver")
	}

	var out []packet.Header
	rt := rv.Type()
	for i := 0; i < rt.NumMethod(); i++ {
		fn := rv.Method(i)
		payload, ok := handlerShape(fn.Type())
		if !ok {
			continue
		}
		hdr, err := bind(r, rt.Method(i).Name, payload, fn)
		if err != nil {
			return out, err
		}
		out = append(out, hdr)
	}
	if len(out) == 0 {
		return nil, errcode.New(errcode.Argument, "discover.Register",
			"no handler methods on "+rt.String())
	}
	return out, nil
}

// handlerShape reports whether a bound method type is a handler, and its
// payload type when it declares one.
func handlerShape(ft reflect.Type) (reflect.Type, bool) {
	if ft.Kind() != reflect.Func || ft.NumOut() != 0 || ft.IsVariadic() {
		return nil, false
	}
	if ft.NumIn() < 3 || ft.NumIn() > 4 {
		return nil, false
	}
	if ft.In(0) != routerType || ft.In(1) != targetType || ft.In(2) != signalType {
		return nil, false
	}
	if ft.NumIn() == 4 {
		return ft.In(3), true
	}
	return nil, true
}

func bind(r *router.Router, name string, payload reflect.Type, fn reflect.Value) (packet.Header, error) {
	if payload == nil {
		return r.Register(name, func(rr *router.Router, dst router.Target, sig *router.Signal) {
			fn.Call([]reflect.Value{reflect.ValueOf(rr), valueOr(dst, targetType), reflect.ValueOf(sig)})
		})
	}
	return r.RegisterProcessor(name, payload,
		func(rr *router.Router, dst router.Target, sig *router.Signal, data any) {
			fn.Call([]reflect.Value{
				reflect.ValueOf(rr),
				valueOr(dst, targetType),
				reflect.ValueOf(sig),
				valueOr(data, payload),
			})
		})
}

// valueOr boxes v for a call argument of type t, falling back to t's zero
// value when v is nil or does not assign.
func valueOr(v any, t reflect.Type) reflect.Value {
	if v == nil {
		return reflect.Zero(t)
	}
	rv := reflect.ValueOf(v)
	if !rv.Type().AssignableTo(t) {
		return reflect.Zero(t)
	}
	return rv
}
