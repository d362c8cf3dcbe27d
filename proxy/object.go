package proxy

import (
	"context"
	"fmt"
	"reflect"
	"unicode"
	"unicode/utf8"

	"mini-ipc/channel"
	"mini-ipc/codec"
	"mini-ipc/message"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

type methodType struct {
	method   reflect.Method
	argTypes []reflect.Type
	hasReply bool
}

// FromObject builds a Service from the exported methods and Emitter fields
// of rcvr, which must be a pointer to a struct.
//
//	func (s *T) ReadFile(ctx context.Context, path string) (string, error)  → command "readFile"
//	func (s *T) Touch(ctx context.Context, path string) error               → command "touch"
//	OnMessage *proxy.Emitter[string]                                        → event "onMessage"
func FromObject(rcvr any) (*Service, error) {
	// 1. 用 reflect.TypeOf / ValueOf 获取类型和值
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("proxy: rcvr must be a pointer, got %v", typ)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("proxy: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	val := reflect.ValueOf(rcvr)
	if val.IsNil() {
		return nil, fmt.Errorf("proxy: rcvr is a nil %s", typ)
	}

	svc := NewService()
	// 2. 扫描方法
	for i := 0; i < typ.NumMethod(); i++ {
		mt, ok := checkMethod(typ.Method(i))
		if !ok {
			continue
		}
		svc.HandleFunc(lowerFirst(mt.method.Name), mt.handler(val))
	}
	// 3. 扫描事件字段
	elem := val.Elem()
	for i := 0; i < elem.NumField(); i++ {
		field := elem.Type().Field(i)
		if !field.IsExported() {
			continue
		}
		src, ok := elem.Field(i).Interface().(anySource)
		if !ok || elem.Field(i).IsNil() {
			continue
		}
		svc.ExposeFunc(lowerFirst(field.Name), func(ctx context.Context, _ channel.ClientContext, _ *codec.Args) (<-chan any, error) {
			return forward(ctx, src.subscribeAny), nil
		})
	}

	d := svc.Description()
	if len(d.Methods) == 0 && len(d.Events) == 0 {
		return nil, fmt.Errorf("proxy: type %s has no exported methods or events", typ)
	}
	return svc, nil
}

// checkMethod accepts func(ctx, args...) (R, error) and func(ctx, args...) error.
func checkMethod(m reflect.Method) (*methodType, bool) {
	t := m.Type
	if !m.IsExported() || t.IsVariadic() {
		return nil, false
	}
	// receiver, ctx
	if t.NumIn() < 2 || t.In(1) != contextType {
		return nil, false
	}
	switch {
	case t.NumOut() == 1 && t.Out(0) == errorType:
	case t.NumOut() == 2 && t.Out(1) == errorType:
	default:
		return nil, false
	}
	mt := &methodType{method: m, hasReply: t.NumOut() == 2}
	for i := 2; i < t.NumIn(); i++ {
		mt.argTypes = append(mt.argTypes, t.In(i))
	}
	return mt, true
}

// handler 通过反射调用方法
func (mt *methodType) handler(rcvr reflect.Value) CallFunc {
	return func(ctx context.Context, _ channel.ClientContext, args *codec.Args) (any, error) {
		in := make([]reflect.Value, 0, 2+len(mt.argTypes))
		in = append(in, rcvr, reflect.ValueOf(ctx))
		for i, at := range mt.argTypes {
			argv := reflect.New(at)
			if i < args.Len() {
				if err := args.Decode(i, argv.Interface()); err != nil {
					return nil, message.NewError("BadRequest", "%v", err)
				}
			}
			in = append(in, argv.Elem())
		}

		out := mt.method.Func.Call(in)
		errv := out[len(out)-1]
		if !errv.IsNil() {
			return nil, errv.Interface().(error)
		}
		if !mt.hasReply {
			return nil, nil
		}
		return out[0].Interface(), nil
	}
}

func lowerFirst(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	return string(unicode.ToLower(r)) + s[n:]
}
