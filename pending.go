package signalr

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"gitlab.com/techviking/signalr/v3/protocol"
)

// A ResultFunc receives the outcome of an invocation. result is a value of
// the result type declared at invocation time, or nil.
type ResultFunc func(result any, err error)

// pendingInvocation is an outbound invocation awaiting its completion.
type pendingInvocation struct {
	invocationID string
	expireAt     time.Time
	resultType   reflect.Type
	onComplete   ResultFunc
}

// pendingCalls correlates outbound invocations with their completions.
type pendingCalls struct {
	next atomic.Int64
	log  zerolog.Logger
	// deliver runs a completion callback; it must not block the caller.
	deliver func(func())

	mu    sync.Mutex
	calls map[string]*pendingInvocation
}

func newPendingCalls(log zerolog.Logger, deliver func(func())) *pendingCalls {
	return &pendingCalls{
		log:     log,
		deliver: deliver,
		calls:   make(map[string]*pendingInvocation),
	}
}

// nextID returns a fresh invocation id.
func (p *pendingCalls) nextID() string {
	return strconv.FormatInt(p.next.Add(1), 10)
}

// register records a pending invocation. An id that is already pending is a
// protocol error.
func (p *pendingCalls) register(id string, expireAt time.Time, resultType reflect.Type, onComplete ResultFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.calls[id]; ok {
		return HubMessageError(fmt.Sprintf("invocation id %q is already pending", id))
	}
	p.calls[id] = &pendingInvocation{
		invocationID: id,
		expireAt:     expireAt,
		resultType:   resultType,
		onComplete:   onComplete,
	}
	return nil
}

// remove drops the pending entry for id, if any, and reports whether there was one.
func (p *pendingCalls) remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.calls[id]
	delete(p.calls, id)
	return ok
}

// resolve completes the pending invocation matching c and reports whether
// one was found. The callback, if any, runs via deliver.
func (p *pendingCalls) resolve(c protocol.Completion) bool {
	p.mu.Lock()
	pi, ok := p.calls[c.InvocationID]
	delete(p.calls, c.InvocationID)
	p.mu.Unlock()

	if !ok {
		p.log.Warn().Str("invocationId", c.InvocationID).Msg("completion for unknown invocation discarded")
		return false
	}
	if pi.onComplete == nil {
		return true
	}

	result, err := decodeResult(c, pi.resultType)
	cb := pi.onComplete
	p.deliver(func() { cb(result, err) })
	return true
}

// decodeResult converts the payload of c to resultType. A server-reported
// error takes precedence over a local decoding failure.
func decodeResult(c protocol.Completion, resultType reflect.Type) (any, error) {
	var serverErr error
	if c.Error != "" {
		serverErr = CallHubError(c.Error)
	}
	if !c.HasResult || resultType == nil {
		return nil, serverErr
	}

	v := reflect.New(resultType)
	if err := json.Unmarshal(c.Result, v.Interface()); err != nil {
		if serverErr != nil {
			return nil, serverErr
		}
		return nil, CallHubError(fmt.Sprintf("result of invocation %s does not match %v: %v",
			c.InvocationID, resultType, err))
	}
	return v.Elem().Interface(), serverErr
}

// sweepExpired discards every pending invocation that expired at or before
// now and returns how many were removed. Callbacks are not invoked.
func (p *pendingCalls) sweepExpired(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	var n int
	for id, pi := range p.calls {
		if !pi.expireAt.After(now) {
			delete(p.calls, id)
			n++
			p.log.Warn().Str("invocationId", id).Time("expired", pi.expireAt).
				Msg("invocation was not answered in time and has been discarded")
		}
	}
	return n
}

// len reports the number of pending invocations.
func (p *pendingCalls) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
