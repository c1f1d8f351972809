package router

import (
	"context"
	"fmt"
	"reflect"

	"signal-rpc/codec"
	"signal-rpc/message"
	"signal-rpc/middleware"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

type methodType struct {
	method    reflect.Method
	ArgType   reflect.Type
	ReplyType reflect.Type
}

// RegisterService registers every exported method of rcvr shaped like
//
//	func (s *T) Name(ctx context.Context, args *A, reply *R) error
//
// under the key prefix+Name. Arguments and replies go through c. Methods of
// any other shape are ignored. It returns the keys it registered.
func (r *Registry) RegisterService(prefix string, rcvr any, c codec.Codec) ([]string, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("router: receiver must be a pointer, got %v", typ)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("router: receiver must point to a struct, got %s", typ.Elem().Kind())
	}
	rcvrVal := reflect.ValueOf(rcvr)

	var keys []string
	for i := 0; i < typ.NumMethod(); i++ {
		mt, ok := suitableMethod(typ.Method(i))
		if !ok {
			continue
		}
		key := prefix + mt.method.Name
		if err := r.Register(key, serviceHandler(rcvrVal, mt, c)); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("router: %s has no methods of the form (context.Context, *Args, *Reply) error", typ.Elem().Name())
	}
	return keys, nil
}

func suitableMethod(m reflect.Method) (*methodType, bool) {
	t := m.Type
	// receiver, ctx, *args, *reply
	if t.NumIn() != 4 || t.NumOut() != 1 || t.Out(0) != errorType {
		return nil, false
	}
	if t.In(1) != contextType || t.In(2).Kind() != reflect.Ptr || t.In(3).Kind() != reflect.Ptr {
		return nil, false
	}
	return &methodType{
		method:    m,
		ArgType:   t.In(2).Elem(),
		ReplyType: t.In(3).Elem(),
	}, true
}

func serviceHandler(rcvr reflect.Value, mt *methodType, c codec.Codec) middleware.HandlerFunc {
	return func(ctx context.Context, req *middleware.Request) ([]byte, error) {
		argv := reflect.New(mt.ArgType)
		replyv := reflect.New(mt.ReplyType)

		if err := c.Decode(req.Body, argv.Interface()); err != nil {
			return nil, message.NewError(message.CodeBadRequest, "%s: %v", req.Key, err)
		}

		results := mt.method.Func.Call([]reflect.Value{rcvr, reflect.ValueOf(ctx), argv, replyv})
		if errv := results[0]; !errv.IsNil() {
			return nil, errv.Interface().(error)
		}
		return c.Encode(replyv.Interface())
	}
}
