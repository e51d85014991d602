package signalr

import (
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
)

// A HandlerFunc handles a server-to-client invocation. args holds one value
// per parameter type declared with On. A non-nil result is sent back to the
// server when the invocation expects a reply.
type HandlerFunc func(args []any) (any, error)

// invocationHandler is one registration made with On.
type invocationHandler struct {
	paramTypes []reflect.Type
	returnType reflect.Type
	callback   HandlerFunc
}

// invoke decodes raw into the declared parameter types and calls the handler.
// A panic in the handler is reported as an error.
func (h *invocationHandler) invoke(raw []json.RawMessage) (result any, err error) {
	args, err := h.decodeArgs(raw)
	if err != nil {
		return nil, err
	}
	defer func() {
		if x := recover(); x != nil {
			result, err = nil, CallHubError(fmt.Sprintf("handler panicked (recovered): %v", x))
		}
	}()
	result, err = h.callback(args)
	if err == nil && result != nil && h.returnType != nil && !reflect.TypeOf(result).AssignableTo(h.returnType) {
		return nil, CallHubError(fmt.Sprintf("handler returned %T, want %v", result, h.returnType))
	}
	return result, err
}

func (h *invocationHandler) decodeArgs(raw []json.RawMessage) ([]any, error) {
	if h.paramTypes == nil {
		// Undeclared parameters are passed through undecoded.
		args := make([]any, len(raw))
		for i, r := range raw {
			args[i] = r
		}
		return args, nil
	}
	if len(raw) != len(h.paramTypes) {
		return nil, CallHubError(fmt.Sprintf("got %d arguments, want %d", len(raw), len(h.paramTypes)))
	}
	args := make([]any, len(raw))
	for i, pt := range h.paramTypes {
		v := reflect.New(pt)
		if err := json.Unmarshal(raw[i], v.Interface()); err != nil {
			return nil, CallHubError(fmt.Sprintf("argument %d does not match %v: %v", i, pt, err))
		}
		args[i] = v.Elem().Interface()
	}
	return args, nil
}

// handlerList is the ordered set of handlers for one method name. Writers
// hold mu and drop the cached snapshot; readers load the snapshot without
// locking and rebuild it on demand.
type handlerList struct {
	mu       sync.Mutex
	handlers []*invocationHandler
	snapshot atomic.Pointer[[]*invocationHandler]
}

func (l *handlerList) add(h *invocationHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
	l.snapshot.Store(nil)
}

func (l *handlerList) remove(h *invocationHandler) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := slices.Index(l.handlers, h)
	if i < 0 {
		return false
	}
	l.handlers = slices.Delete(l.handlers, i, i+1)
	l.snapshot.Store(nil)
	return true
}

// get returns a stable copy of the handlers. The returned slice must not be
// modified.
func (l *handlerList) get() []*invocationHandler {
	if s := l.snapshot.Load(); s != nil {
		return *s
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if s := l.snapshot.Load(); s != nil {
		return *s
	}
	s := slices.Clone(l.handlers)
	l.snapshot.Store(&s)
	return s
}

// methodRegistry maps client method names to their handlers.
type methodRegistry struct {
	mu    sync.Mutex
	lists map[string]*handlerList
}

func newMethodRegistry() *methodRegistry {
	return &methodRegistry{lists: make(map[string]*handlerList)}
}

func (r *methodRegistry) add(method string, h *invocationHandler) *Subscription {
	r.mu.Lock()
	l, ok := r.lists[method]
	if !ok {
		l = new(handlerList)
		r.lists[method] = l
	}
	r.mu.Unlock()

	l.add(h)
	return &Subscription{method: method, list: l, handler: h}
}

// handlers returns the current handlers for method, or nil.
func (r *methodRegistry) handlers(method string) []*invocationHandler {
	r.mu.Lock()
	l, ok := r.lists[method]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return l.get()
}

// A Subscription is the registration of one handler made by On.
type Subscription struct {
	method  string
	list    *handlerList
	handler *invocationHandler
	once    sync.Once
}

// Method returns the name of the client method the handler is bound to.
func (s *Subscription) Method() string { return s.method }

// Dispose removes the handler. Other handlers for the same method are not
// affected. Calling Dispose more than once is harmless.
func (s *Subscription) Dispose() {
	s.once.Do(func() { s.list.remove(s.handler) })
}
