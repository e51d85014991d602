package signalr

import (
	"context"
	"reflect"
)

//Connection specify interface methods that allow consumer to interact with a hub connection.
type Connection interface {
	State() ConnectionState
	ConnectionID() string

	Start(context.Context) error
	Stop() error
	Close() error
	Dispose() error
	OnClosed(func(error))

	InvokeCore(method string, args []any, resultType reflect.Type, callback ResultFunc) error
	InvokeNoReply(method string, args ...any) error
	Send(method string, args ...any) error

	On(method string, paramTypes []reflect.Type, returnType reflect.Type, handler HandlerFunc) *Subscription
}
