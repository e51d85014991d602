package signalr

import (
	"context"
	"expvar"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"gitlab.com/techviking/signalr/v3/protocol"
)

// transportConnector produces a started transport for a connection attempt.
type transportConnector interface {
	Connect(ctx context.Context, format protocol.TransferFormat) (Transport, string, error)
}

// A HubConnection is a client connection to a hub. Use New to construct one.
//
// Call Start to connect, then Invoke or Send to call hub methods, and On to
// handle calls made by the server. The connection stays up until Stop is
// called, the server closes it, or the server stops answering keep-alives;
// in the latter two cases the Closed callbacks registered with OnClosed run.
//
// Call Dispose when the connection is no longer needed. All methods are safe
// for concurrent use.
type HubConnection struct {
	config    Config
	protocol  protocol.HubProtocol
	connector transportConnector
	log       zerolog.Logger
	metrics   *hubMetrics

	handlers *methodRegistry
	pending  *pendingCalls

	// tasks runs handler invocations, callbacks and async operations.
	tasks *taskgroup.Group
	// workers runs the keep-alive and sweep loops.
	workers   *taskgroup.Group
	stopSweep context.CancelFunc

	settleDelay   time.Duration
	handshakePoll time.Duration

	// connLock serializes start, stop, every send, and the sweep.
	connLock      sync.Mutex
	transport     Transport
	disposed      bool
	stopKeepAlive context.CancelFunc

	state        atomic.Int32 // ConnectionState, written under connLock
	connectionID atomic.Value // string, written under connLock

	// Keep-alive deadlines, in Unix nanoseconds.
	nextPing       atomic.Int64
	serverDeadline atomic.Int64

	closedMu sync.Mutex
	closed   []func(error)
}

var _ Connection = (*HubConnection)(nil)

func newHubConnection(c Config, conn transportConnector) *HubConnection {
	log := c.Logger.With().Str("hub", uuid.NewString()).Logger()
	h := &HubConnection{
		config:        c,
		protocol:      c.Protocol,
		connector:     conn,
		log:           log,
		metrics:       newHubMetrics(),
		handlers:      newMethodRegistry(),
		tasks:         taskgroup.New(nil),
		workers:       taskgroup.New(nil),
		settleDelay:   transportSettleDelay,
		handshakePoll: handshakePollInterval,
	}
	h.connectionID.Store("")
	h.pending = newPendingCalls(log, func(f func()) { h.goSafe("completion callback", f) })

	ctx, cancel := context.WithCancel(context.Background())
	h.stopSweep = cancel
	h.workers.Go(func() error { h.sweepLoop(ctx); return nil })
	return h
}

// State reports whether the connection is connected.
func (h *HubConnection) State() ConnectionState { return ConnectionState(h.state.Load()) }

// ConnectionID returns the id assigned by the server during negotiation, or
// "" when disconnected or when negotiation was skipped.
func (h *HubConnection) ConnectionID() string { return h.connectionID.Load().(string) }

// Metrics returns the activity counters of the connection.
func (h *HubConnection) Metrics() *expvar.Map { return h.metrics.emap }

// OnClosed registers f to be called each time the connection closes because
// of a start failure, a server Close, a lost transport, or a keep-alive
// timeout. err is nil for a clean close requested by the server.
func (h *HubConnection) OnClosed(f func(err error)) {
	h.closedMu.Lock()
	defer h.closedMu.Unlock()
	h.closed = append(h.closed, f)
}

// Start connects to the hub and performs the handshake. Start on a
// connected HubConnection does nothing.
func (h *HubConnection) Start(ctx context.Context) error {
	h.connLock.Lock()
	if h.disposed {
		h.connLock.Unlock()
		return ErrDisposed
	}
	if h.State() == Connected {
		h.connLock.Unlock()
		h.log.Debug().Msg("already connected")
		return nil
	}

	h.log.Debug().Msg("starting")
	h.metrics.starts.Add(1)
	err := h.startLocked(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("start failed")
		active := h.teardownLocked()
		h.connLock.Unlock()
		if active {
			h.raiseClosed(err)
		}
		return err
	}
	h.connLock.Unlock()
	h.log.Debug().Str("connectionId", h.ConnectionID()).Msg("started")
	return nil
}

// StartAsync runs Start in the background and delivers its result on the
// returned channel.
func (h *HubConnection) StartAsync(ctx context.Context) <-chan error {
	ch := make(chan error, 1)
	h.tasks.Go(func() error { ch <- h.Start(ctx); return nil })
	return ch
}

func (h *HubConnection) startLocked(ctx context.Context) error {
	t, id, err := h.connector.Connect(ctx, h.config.TransferFormat)
	if err != nil {
		return err
	}
	h.transport = t
	t.SetReceiver(h.receive)
	t.SetOnClose(func(err error) { h.closeWith(t, err) })

	// Let the transport settle; a socket that is refused after opening
	// reports closed here.
	if err := sleepContext(ctx, h.settleDelay); err != nil {
		return err
	}
	if !t.IsOpen() {
		return SocketConnectionError("transport closed while starting")
	}

	kctx, cancel := context.WithCancel(context.Background())
	h.stopKeepAlive = cancel
	h.workers.Go(func() error { h.keepAlive(kctx); return nil })

	if err := h.handshakeLocked(ctx, t); err != nil {
		return err
	}
	h.connectionID.Store(id)
	h.state.Store(int32(Connected))
	return nil
}

func (h *HubConnection) handshakeLocked(ctx context.Context, t Transport) error {
	h.log.Debug().Msg("sending hub handshake")
	req, err := protocol.EncodeHandshake(protocol.HandshakeRequest{
		Protocol: h.protocol.Name(),
		Version:  h.protocol.Version(),
	})
	if err != nil {
		return err
	}
	if err := h.sendRawLocked(req, false); err != nil {
		return err
	}

	for waited := time.Duration(0); ; waited += h.handshakePoll {
		if rsp, ok := t.Handshake(); ok {
			if rsp.Error != "" {
				return HandshakeError("unable to complete handshake with the server due to an error: " + rsp.Error)
			}
			h.log.Debug().Msg("handshake complete")
			return nil
		}
		if waited >= h.config.HandshakeTimeout {
			return TimeoutError(fmt.Sprintf("no handshake response within %v", h.config.HandshakeTimeout))
		}
		if err := sleepContext(ctx, h.handshakePoll); err != nil {
			return err
		}
	}
}

// Stop disconnects from the hub. Stop on a disconnected HubConnection does
// nothing. Stop does not run the Closed callbacks.
func (h *HubConnection) Stop() error { return h.stop(false) }

// StopAsync runs Stop in the background and delivers its result on the
// returned channel.
func (h *HubConnection) StopAsync() <-chan error {
	ch := make(chan error, 1)
	h.tasks.Go(func() error { ch <- h.Stop(); return nil })
	return ch
}

// Close stops the connection like Stop and then runs the Closed callbacks
// with a nil error. Close on a disconnected HubConnection does nothing.
func (h *HubConnection) Close() error {
	h.connLock.Lock()
	if h.disposed {
		h.connLock.Unlock()
		return ErrDisposed
	}
	active := h.teardownLocked()
	h.connLock.Unlock()
	if active {
		h.log.Debug().Msg("closed")
		h.raiseClosed(nil)
	}
	return nil
}

// Dispose stops the connection and releases its background workers. After
// Dispose, Start, Stop and Invoke report ErrDisposed. Dispose is idempotent.
//
// Dispose does not wait for handlers, result callbacks or Closed callbacks
// that are still running; any of them may call Dispose itself.
func (h *HubConnection) Dispose() error {
	if err := h.stop(true); err != nil {
		return err
	}
	h.workers.Wait()
	return nil
}

// DisposeAsync runs Dispose in the background and delivers its result on
// the returned channel.
func (h *HubConnection) DisposeAsync() <-chan error {
	ch := make(chan error, 1)
	h.tasks.Go(func() error { ch <- h.Dispose(); return nil })
	return ch
}

func (h *HubConnection) stop(disposing bool) error {
	h.connLock.Lock()
	defer h.connLock.Unlock()
	if h.disposed {
		if disposing {
			return nil
		}
		return ErrDisposed
	}
	if disposing {
		h.disposed = true
		h.stopSweep()
	}
	if h.teardownLocked() {
		h.log.Debug().Msg("stopped")
	}
	return nil
}

// teardownLocked cancels the keep-alive, stops the transport and clears the
// session. It reports whether there was a transport to stop.
func (h *HubConnection) teardownLocked() bool {
	if h.stopKeepAlive != nil {
		h.stopKeepAlive()
		h.stopKeepAlive = nil
	}
	t := h.transport
	if t == nil {
		return false
	}
	h.transport = nil
	h.connectionID.Store("")
	h.state.Store(int32(Disconnected))
	h.nextPing.Store(0)
	h.serverDeadline.Store(0)

	if err := t.Stop(); err != nil {
		h.log.Error().Err(err).Msg("stop transport failed")
	}
	return true
}

// closeWith stops the connection because of cause and runs the Closed
// callbacks. If t is non-nil, it only acts if t is still the current
// transport.
func (h *HubConnection) closeWith(t Transport, cause error) {
	h.connLock.Lock()
	if h.disposed || (t != nil && h.transport != t) {
		h.connLock.Unlock()
		return
	}
	active := h.teardownLocked()
	h.connLock.Unlock()
	if active {
		h.raiseClosed(cause)
	}
}

func (h *HubConnection) raiseClosed(err error) {
	h.metrics.closes.Add(1)
	h.closedMu.Lock()
	cbs := slices.Clone(h.closed)
	h.closedMu.Unlock()
	for _, f := range cbs {
		f(err)
	}
}

// send encodes and sends m.
func (h *HubConnection) send(m protocol.Message) error {
	h.connLock.Lock()
	defer h.connLock.Unlock()
	return h.sendMessageLocked(m)
}

func (h *HubConnection) sendMessageLocked(m protocol.Message) error {
	data, err := h.protocol.Encode(m)
	if err != nil {
		return err
	}
	return h.sendRawLocked(data, m.MessageType() == protocol.PingType)
}

// sendRawLocked writes a framed payload and pushes the keep-alive deadlines.
// A Ping does not push the server deadline.
func (h *HubConnection) sendRawLocked(data []byte, ping bool) error {
	if h.disposed {
		return ErrDisposed
	}
	t := h.transport
	if t == nil || !t.IsOpen() {
		return ErrNotConnected
	}
	if err := t.Send(data); err != nil {
		return err
	}
	h.metrics.messageSent.Add(1)

	now := time.Now()
	h.nextPing.Store(now.Add(h.config.KeepAliveInterval).UnixNano())
	if !ping {
		h.touchServerDeadline(now)
	}
	return nil
}

func (h *HubConnection) touchServerDeadline(now time.Time) {
	h.serverDeadline.Store(now.Add(h.config.ServerTimeout + time.Second).UnixNano())
}

// receive is the transport receiver: one call per inbound fragment.
func (h *HubConnection) receive(fragment []byte) {
	h.metrics.messageRecv.Add(1)
	h.touchServerDeadline(time.Now())

	msg, err := h.protocol.Decode(fragment)
	if err != nil {
		h.metrics.messageDropped.Add(1)
		h.log.Error().Err(err).Bytes("fragment", fragment).Msg("dropping undecodable message")
		return
	}
	if err := h.dispatch(msg); err != nil {
		h.log.Error().Err(err).Stringer("type", msg.MessageType()).Msg("dispatch failed")
	}
}

// goSafe runs f as a task, logging instead of propagating a panic.
func (h *HubConnection) goSafe(what string, f func()) {
	h.tasks.Go(func() error {
		defer func() {
			if x := recover(); x != nil {
				h.log.Error().Interface("panic", x).Msgf("%s panicked (recovered)", what)
			}
		}()
		f()
		return nil
	})
}

// On registers handler for the client method named method. Arguments are
// decoded into paramTypes; a nil paramTypes passes them as json.RawMessage.
// A non-nil returnType is checked against the handler's result. On panics if
// method is empty or handler is nil.
func (h *HubConnection) On(method string, paramTypes []reflect.Type, returnType reflect.Type, handler HandlerFunc) *Subscription {
	if method == "" {
		panic("signalr: empty method name")
	}
	if handler == nil {
		panic("signalr: nil handler for " + method)
	}
	h.log.Debug().Str("method", method).Msg("registering handler")
	return h.handlers.add(method, &invocationHandler{
		paramTypes: paramTypes,
		returnType: returnType,
		callback:   handler,
	})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
