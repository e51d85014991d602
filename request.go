package signalr

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"gitlab.com/techviking/signalr/v3/protocol"
)

// InvokeCore calls method on the hub. A fresh invocation id is sent with the
// call and callback, if non-nil, receives the result decoded into resultType
// (or nil when resultType is nil) once the server completes it.
//
// InvokeCore returns once the invocation is written to the transport; it
// reports an error if it could not be. callback runs on its own goroutine and
// is never called for an invocation that is not answered within
// Config.InvocationTimeout.
func (h *HubConnection) InvokeCore(method string, args []any, resultType reflect.Type, callback ResultFunc) error {
	h.connLock.Lock()
	defer h.connLock.Unlock()
	if err := h.readyLocked(); err != nil {
		return err
	}

	id := h.pending.nextID()
	inv, err := protocol.NewInvocation(id, method, args...)
	if err != nil {
		return CallHubError(fmt.Sprintf("cannot encode arguments of %s: %v", method, err))
	}
	expireAt := time.Now().Add(h.config.InvocationTimeout)
	if err := h.pending.register(id, expireAt, resultType, callback); err != nil {
		return err
	}
	if err := h.sendMessageLocked(inv); err != nil {
		h.pending.remove(id)
		return err
	}
	h.metrics.callOut.Add(1)
	h.metrics.callPending.Set(int64(h.pending.len()))
	h.log.Debug().Str("method", method).Str("invocationId", id).Msg("invocation sent")
	return nil
}

// Invoke calls method on the hub and delivers its result, decoded as a T, to
// callback. See InvokeCore.
func Invoke[T any](h *HubConnection, method string, callback func(T, error), args ...any) error {
	var cb ResultFunc
	if callback != nil {
		cb = func(result any, err error) {
			v, _ := result.(T)
			callback(v, err)
		}
	}
	return h.InvokeCore(method, args, reflect.TypeFor[T](), cb)
}

// Call invokes method on the hub and waits for its result. If ctx ends
// first, the invocation is abandoned locally and ctx's error is returned.
func Call[T any](ctx context.Context, h *HubConnection, method string, args ...any) (T, error) {
	type outcome struct {
		v   T
		err error
	}
	ch := make(chan outcome, 1)
	if err := Invoke(h, method, func(v T, err error) { ch <- outcome{v, err} }, args...); err != nil {
		var zero T
		return zero, err
	}
	select {
	case o := <-ch:
		return o.v, o.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// InvokeNoReply calls method on the hub without an invocation id. The server
// sends no completion for it.
func (h *HubConnection) InvokeNoReply(method string, args ...any) error {
	return h.sendNoReply(method, args)
}

// Send calls method on the hub without waiting for, or expecting, a reply.
// It is the same on the wire as InvokeNoReply.
func (h *HubConnection) Send(method string, args ...any) error {
	return h.sendNoReply(method, args)
}

func (h *HubConnection) sendNoReply(method string, args []any) error {
	inv, err := protocol.NewInvocation("", method, args...)
	if err != nil {
		return CallHubError(fmt.Sprintf("cannot encode arguments of %s: %v", method, err))
	}

	h.connLock.Lock()
	defer h.connLock.Unlock()
	if err := h.readyLocked(); err != nil {
		return err
	}
	if err := h.sendMessageLocked(inv); err != nil {
		return err
	}
	h.metrics.callOut.Add(1)
	h.log.Debug().Str("method", method).Msg("send")
	return nil
}

// readyLocked reports whether an invocation can be sent now.
func (h *HubConnection) readyLocked() error {
	if h.disposed {
		return ErrDisposed
	}
	if h.State() != Connected || h.transport == nil || !h.transport.IsOpen() {
		return ErrNotConnected
	}
	return nil
}
