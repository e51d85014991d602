package signalr

import (
	"encoding/json"
	"errors"
	"expvar"
	"reflect"
	"strings"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/creachadair/mds/mtest"
	"github.com/google/go-cmp/cmp"

	"gitlab.com/techviking/signalr/v3/protocol"
)

// closedRecorder collects the errors passed to Closed callbacks.
type closedRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (r *closedRecorder) record(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *closedRecorder) get() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func metric(m *expvar.Map, name string) int64 { return m.Get(name).(*expvar.Int).Value() }

var (
	intType  = reflect.TypeFor[int]()
	strType  = reflect.TypeFor[string]()
	rawCmpOp = cmp.Comparer(func(a, b json.RawMessage) bool { return string(a) == string(b) })
)

func TestStartAndStop(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		conn := new(fakeConnector)
		h := newFakeHub(t, Config{}, conn)
		defer h.Dispose()
		var closed closedRecorder
		h.OnClosed(closed.record)

		if got := h.State(); got != Disconnected {
			t.Fatalf("Initial state: got %v, want %v", got, Disconnected)
		}
		if err := h.Send("Hello"); !errors.Is(err, ErrNotConnected) {
			t.Errorf("Send before start: got %v, want %v", err, ErrNotConnected)
		}

		if err := h.Start(t.Context()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		if got := h.State(); got != Connected {
			t.Errorf("State after start: got %v, want %v", got, Connected)
		}
		if got := h.ConnectionID(); got != "fake-connection" {
			t.Errorf("ConnectionID: got %q, want fake-connection", got)
		}

		// The handshake request is the first thing sent.
		tr := conn.last()
		tr.mu.Lock()
		first := string(tr.sent[0])
		tr.mu.Unlock()
		if want := "{\"protocol\":\"json\",\"version\":1}\x1e"; first != want {
			t.Errorf("Handshake request: got %q, want %q", first, want)
		}

		// A second start does nothing.
		if err := h.Start(t.Context()); err != nil {
			t.Errorf("Second start: %v", err)
		}
		if n := conn.count(); n != 1 {
			t.Errorf("Connect calls: got %d, want 1", n)
		}

		if err := h.Stop(); err != nil {
			t.Fatalf("Stop: %v", err)
		}
		if got := h.State(); got != Disconnected {
			t.Errorf("State after stop: got %v, want %v", got, Disconnected)
		}
		if got := h.ConnectionID(); got != "" {
			t.Errorf("ConnectionID after stop: got %q, want empty", got)
		}
		if n := tr.stopCount(); n != 1 {
			t.Errorf("Transport stops: got %d, want 1", n)
		}
		if err := h.Stop(); err != nil {
			t.Errorf("Second stop: %v", err)
		}
		if errs := closed.get(); len(errs) != 0 {
			t.Errorf("Stop raised Closed: %v", errs)
		}

		// The connection can be restarted with a fresh transport.
		if err := h.Start(t.Context()); err != nil {
			t.Fatalf("Restart: %v", err)
		}
		if n := conn.count(); n != 2 {
			t.Errorf("Connect calls: got %d, want 2", n)
		}

		// Close raises Closed once, with no error.
		if err := h.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if err := h.Close(); err != nil {
			t.Errorf("Second close: %v", err)
		}
		if errs := closed.get(); len(errs) != 1 || errs[0] != nil {
			t.Errorf("Closed after Close: got %v, want [<nil>]", errs)
		}
		if got := h.State(); got != Disconnected {
			t.Errorf("State after close: got %v, want %v", got, Disconnected)
		}
	})
}

func TestStartFailures(t *testing.T) {
	t.Run("ConnectError", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			cause := NegotiationError("no")
			conn := &fakeConnector{err: cause}
			h := newFakeHub(t, Config{}, conn)
			defer h.Dispose()
			var closed closedRecorder
			h.OnClosed(closed.record)

			if err := h.Start(t.Context()); !errors.Is(err, cause) {
				t.Errorf("Start: got %v, want %v", err, cause)
			}
			if errs := closed.get(); len(errs) != 0 {
				t.Errorf("Closed raised without a transport: %v", errs)
			}
		})
	})

	t.Run("ClosedWhileSettling", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			conn := &fakeConnector{newTransport: func() *fakeTransport {
				ft := newFakeTransport()
				ft.closeOnStart = true
				return ft
			}}
			h := newFakeHub(t, Config{}, conn)
			defer h.Dispose()
			var closed closedRecorder
			h.OnClosed(closed.record)

			err := h.Start(t.Context())
			var sce SocketConnectionError
			if !errors.As(err, &sce) {
				t.Fatalf("Start: got %v, want SocketConnectionError", err)
			}
			if errs := closed.get(); len(errs) != 1 || !errors.Is(errs[0], err) {
				t.Errorf("Closed: got %v, want [%v]", errs, err)
			}
			if n := conn.last().stopCount(); n != 1 {
				t.Errorf("Transport stops: got %d, want 1", n)
			}
		})
	})

	t.Run("HandshakeRejected", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			conn := &fakeConnector{newTransport: func() *fakeTransport {
				ft := newFakeTransport()
				ft.handshakeReply = &protocol.HandshakeResponse{Error: "unsupported protocol"}
				return ft
			}}
			h := newFakeHub(t, Config{}, conn)
			defer h.Dispose()

			err := h.Start(t.Context())
			var he HandshakeError
			if !errors.As(err, &he) || !strings.Contains(err.Error(), "unsupported protocol") {
				t.Fatalf("Start: got %v, want HandshakeError", err)
			}
			if got := h.State(); got != Disconnected {
				t.Errorf("State: got %v, want %v", got, Disconnected)
			}
		})
	})

	t.Run("HandshakeTimeout", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			conn := &fakeConnector{newTransport: func() *fakeTransport {
				ft := newFakeTransport()
				ft.handshakeReply = nil
				return ft
			}}
			h := newFakeHub(t, Config{HandshakeTimeout: 5 * time.Second}, conn)
			defer h.Dispose()
			var closed closedRecorder
			h.OnClosed(closed.record)

			start := time.Now()
			err := h.Start(t.Context())
			var te TimeoutError
			if !errors.As(err, &te) {
				t.Fatalf("Start: got %v, want TimeoutError", err)
			}
			// Settle delay plus the handshake timeout.
			if got, want := time.Since(start), 7*time.Second; got != want {
				t.Errorf("Start took %v, want %v", got, want)
			}
			if errs := closed.get(); len(errs) != 1 {
				t.Errorf("Closed: got %v, want one event", errs)
			}
		})
	})
}

func TestConnectionIDDuringHandshake(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tr := newFakeTransport()
		tr.handshakeReply = nil
		conn := &fakeConnector{newTransport: func() *fakeTransport { return tr }}
		h := newFakeHub(t, Config{}, conn)
		defer h.Dispose()

		started := make(chan error, 1)
		go func() { started <- h.Start(t.Context()) }()

		// Past the settle delay, waiting for the handshake response.
		time.Sleep(5 * time.Second)
		if got := h.State(); got != Disconnected {
			t.Errorf("State: got %v, want %v", got, Disconnected)
		}
		if got := h.ConnectionID(); got != "" {
			t.Errorf("ConnectionID before the handshake: got %q, want empty", got)
		}

		tr.mu.Lock()
		tr.handshake = &protocol.HandshakeResponse{}
		tr.mu.Unlock()
		if err := <-started; err != nil {
			t.Fatalf("Start: %v", err)
		}
		if got := h.ConnectionID(); got != "fake-connection" {
			t.Errorf("ConnectionID: got %q, want fake-connection", got)
		}
	})
}

func TestKeepAlive(t *testing.T) {
	t.Run("ServerSilent", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			conn := new(fakeConnector)
			h := newFakeHub(t, Config{}, conn)
			defer h.Dispose()
			var closed closedRecorder
			h.OnClosed(closed.record)

			if err := h.Start(t.Context()); err != nil {
				t.Fatalf("Start: %v", err)
			}
			time.Sleep(61 * time.Second)
			synctest.Wait()

			if got := h.State(); got != Disconnected {
				t.Errorf("State: got %v, want %v", got, Disconnected)
			}
			pings := conn.last().messagesOfType(t, protocol.PingType)
			if len(pings) < 1 {
				t.Error("No pings were sent")
			}
			errs := closed.get()
			if len(errs) != 1 {
				t.Fatalf("Closed: got %d events, want 1", len(errs))
			}
			var te TimeoutError
			if !errors.As(errs[0], &te) {
				t.Errorf("Closed error: got %v, want TimeoutError", errs[0])
			}
			if got := metric(h.Metrics(), "pings_sent"); got != int64(len(pings)) {
				t.Errorf("pings_sent: got %d, want %d", got, len(pings))
			}
		})
	})

	t.Run("DisposeFromClosed", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			conn := new(fakeConnector)
			h := newFakeHub(t, Config{}, conn)
			defer h.Dispose()
			done := make(chan error, 1)
			h.OnClosed(func(error) { done <- h.Dispose() })

			if err := h.Start(t.Context()); err != nil {
				t.Fatalf("Start: %v", err)
			}
			time.Sleep(61 * time.Second)
			synctest.Wait()

			select {
			case err := <-done:
				if err != nil {
					t.Errorf("Dispose: %v", err)
				}
			default:
				t.Fatal("Dispose called from a Closed callback did not return")
			}
			if err := h.Start(t.Context()); !errors.Is(err, ErrDisposed) {
				t.Errorf("Start after dispose: got %v, want %v", err, ErrDisposed)
			}
		})
	})

	t.Run("ServerPings", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			conn := new(fakeConnector)
			h := newFakeHub(t, Config{}, conn)
			defer h.Dispose()

			if err := h.Start(t.Context()); err != nil {
				t.Fatalf("Start: %v", err)
			}
			tr := conn.last()
			for range 12 {
				time.Sleep(10 * time.Second)
				tr.deliver(t, protocol.PingMessage)
			}
			synctest.Wait()

			if got := h.State(); got != Connected {
				t.Errorf("State: got %v, want %v", got, Connected)
			}
			if pings := tr.messagesOfType(t, protocol.PingType); len(pings) < 7 {
				t.Errorf("Pings sent: got %d, want at least 7", len(pings))
			}
		})
	})

	t.Run("ClientTraffic", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			conn := new(fakeConnector)
			h := newFakeHub(t, Config{}, conn)
			defer h.Dispose()

			if err := h.Start(t.Context()); err != nil {
				t.Fatalf("Start: %v", err)
			}
			// Sends every 10s keep the ping timer from ever expiring.
			for range 2 {
				time.Sleep(10 * time.Second)
				if err := h.Send("Tick"); err != nil {
					t.Fatalf("Send: %v", err)
				}
			}
			synctest.Wait()
			if pings := conn.last().messagesOfType(t, protocol.PingType); len(pings) != 0 {
				t.Errorf("Pings sent: got %d, want 0", len(pings))
			}
		})
	})
}

func TestDispose(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		conn := new(fakeConnector)
		h := newFakeHub(t, Config{}, conn)
		if err := h.Start(t.Context()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		var closed closedRecorder
		h.OnClosed(closed.record)

		if err := <-h.DisposeAsync(); err != nil {
			t.Fatalf("DisposeAsync: %v", err)
		}
		if err := h.Dispose(); err != nil {
			t.Errorf("Second dispose: %v", err)
		}
		if got := h.State(); got != Disconnected {
			t.Errorf("State: got %v, want %v", got, Disconnected)
		}
		if err := h.Start(t.Context()); !errors.Is(err, ErrDisposed) {
			t.Errorf("Start: got %v, want %v", err, ErrDisposed)
		}
		if err := h.Stop(); !errors.Is(err, ErrDisposed) {
			t.Errorf("Stop: got %v, want %v", err, ErrDisposed)
		}
		if err := h.Send("x"); !errors.Is(err, ErrDisposed) {
			t.Errorf("Send: got %v, want %v", err, ErrDisposed)
		}
		if err := h.InvokeCore("x", nil, nil, nil); !errors.Is(err, ErrDisposed) {
			t.Errorf("InvokeCore: got %v, want %v", err, ErrDisposed)
		}
		if errs := closed.get(); len(errs) != 0 {
			t.Errorf("Dispose raised Closed: %v", errs)
		}
	})
}

func TestServerClose(t *testing.T) {
	tests := []struct {
		name    string
		msg     protocol.Close
		wantErr string
	}{
		{"Clean", protocol.Close{}, ""},
		{"WithError", protocol.Close{Error: "shutting down"}, "shutting down"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			synctest.Test(t, func(t *testing.T) {
				conn := new(fakeConnector)
				h := newFakeHub(t, Config{}, conn)
				defer h.Dispose()
				var closed closedRecorder
				h.OnClosed(closed.record)
				if err := h.Start(t.Context()); err != nil {
					t.Fatalf("Start: %v", err)
				}

				tr := conn.last()
				tr.deliver(t, tc.msg)
				tr.deliver(t, tc.msg) // a repeat is not a second close
				synctest.Wait()

				if got := h.State(); got != Disconnected {
					t.Errorf("State: got %v, want %v", got, Disconnected)
				}
				errs := closed.get()
				if len(errs) != 1 {
					t.Fatalf("Closed: got %d events, want 1", len(errs))
				}
				if tc.wantErr == "" {
					if errs[0] != nil {
						t.Errorf("Closed error: got %v, want nil", errs[0])
					}
				} else if errs[0] == nil || !strings.Contains(errs[0].Error(), tc.wantErr) {
					t.Errorf("Closed error: got %v, want %q", errs[0], tc.wantErr)
				}
				if err := h.Send("late"); !errors.Is(err, ErrNotConnected) {
					t.Errorf("Send after close: got %v, want %v", err, ErrNotConnected)
				}
			})
		})
	}
}

func TestTransportLost(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		conn := new(fakeConnector)
		h := newFakeHub(t, Config{}, conn)
		defer h.Dispose()
		var closed closedRecorder
		h.OnClosed(closed.record)
		if err := h.Start(t.Context()); err != nil {
			t.Fatalf("Start: %v", err)
		}

		tr := conn.last()
		tr.fail(SocketError("connection reset"))
		tr.fail(SocketError("connection reset"))

		if got := h.State(); got != Disconnected {
			t.Errorf("State: got %v, want %v", got, Disconnected)
		}
		errs := closed.get()
		if len(errs) != 1 {
			t.Fatalf("Closed: got %d events, want 1", len(errs))
		}
		var se SocketError
		if !errors.As(errs[0], &se) {
			t.Errorf("Closed error: got %v, want SocketError", errs[0])
		}

		// A stale transport closing after a restart is ignored.
		if err := h.Start(t.Context()); err != nil {
			t.Fatalf("Restart: %v", err)
		}
		tr.fail(SocketError("late"))
		if got := h.State(); got != Connected {
			t.Errorf("State after stale close: got %v, want %v", got, Connected)
		}
	})
}

func TestInboundInvocation(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(h *HubConnection)
		msg     protocol.Invocation
		want    []protocol.Message
		wantErr string // substring of the completion error
	}{
		{
			name: "Result",
			setup: func(h *HubConnection) {
				h.On("Add", []reflect.Type{intType, intType}, intType, func(args []any) (any, error) {
					return args[0].(int) + args[1].(int), nil
				})
			},
			msg: mustInvocation(t, "7", "Add", 1, 2),
			want: []protocol.Message{
				protocol.Completion{InvocationID: "7", Result: json.RawMessage("3"), HasResult: true},
			},
		},
		{
			name: "NoResult",
			setup: func(h *HubConnection) {
				h.On("Notify", []reflect.Type{strType}, nil, func([]any) (any, error) { return nil, nil })
			},
			msg:  mustInvocation(t, "8", "Notify", "hi"),
			want: []protocol.Message{protocol.EmptyCompletion("8")},
		},
		{
			name: "NoReplyExpected",
			setup: func(h *HubConnection) {
				h.On("Notify", []reflect.Type{strType}, nil, func([]any) (any, error) { return "ignored", nil })
			},
			msg: mustInvocation(t, "", "Notify", "hi"),
		},
		{
			name:    "NoHandler",
			msg:     mustInvocation(t, "9", "Missing"),
			wantErr: `no handler for method "Missing"`,
		},
		{
			name: "NoHandlerNoReply",
			msg:  mustInvocation(t, "", "Missing"),
		},
		{
			name: "FirstNonNilResultWins",
			setup: func(h *HubConnection) {
				h.On("Pick", nil, nil, func([]any) (any, error) { return nil, nil })
				h.On("Pick", nil, nil, func([]any) (any, error) { return "second", nil })
				h.On("Pick", nil, nil, func([]any) (any, error) { return "third", nil })
			},
			msg: mustInvocation(t, "10", "Pick"),
			want: []protocol.Message{
				protocol.Completion{InvocationID: "10", Result: json.RawMessage(`"second"`), HasResult: true},
			},
		},
		{
			name: "HandlerError",
			setup: func(h *HubConnection) {
				h.On("Pick", nil, nil, func([]any) (any, error) { return "ok", nil })
				h.On("Pick", nil, nil, func([]any) (any, error) { return nil, errors.New("kaboom") })
			},
			msg:     mustInvocation(t, "11", "Pick"),
			wantErr: "kaboom",
		},
		{
			name: "HandlerPanic",
			setup: func(h *HubConnection) {
				h.On("Boom", nil, nil, func([]any) (any, error) { panic("at the disco") })
			},
			msg:     mustInvocation(t, "12", "Boom"),
			wantErr: "at the disco",
		},
		{
			name: "BadArguments",
			setup: func(h *HubConnection) {
				h.On("Add", []reflect.Type{intType, intType}, intType, func(args []any) (any, error) { return 0, nil })
			},
			msg:     mustInvocation(t, "13", "Add", "one", "two"),
			wantErr: "argument 0",
		},
		{
			name: "WrongReturnType",
			setup: func(h *HubConnection) {
				h.On("Add", nil, intType, func([]any) (any, error) { return "three", nil })
			},
			msg:     mustInvocation(t, "14", "Add"),
			wantErr: "handler returned string",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			synctest.Test(t, func(t *testing.T) {
				conn := new(fakeConnector)
				h := newFakeHub(t, Config{}, conn)
				defer h.Dispose()
				if tc.setup != nil {
					tc.setup(h)
				}
				if err := h.Start(t.Context()); err != nil {
					t.Fatalf("Start: %v", err)
				}

				tr := conn.last()
				tr.deliver(t, tc.msg)
				synctest.Wait()

				got := tr.messagesOfType(t, protocol.CompletionType)
				if tc.wantErr != "" {
					if len(got) != 1 {
						t.Fatalf("Completions: got %v, want one failure", got)
					}
					c := got[0].(protocol.Completion)
					if c.InvocationID != tc.msg.InvocationID || !strings.Contains(c.Error, tc.wantErr) || c.HasResult {
						t.Errorf("Completion: got %+v, want failure containing %q", c, tc.wantErr)
					}
					return
				}
				if diff := cmp.Diff(tc.want, got, rawCmpOp); diff != "" {
					t.Errorf("Completions (-want, +got):\n%s", diff)
				}
			})
		})
	}
}

func mustInvocation(t *testing.T, id, target string, args ...any) protocol.Invocation {
	t.Helper()
	m, err := protocol.NewInvocation(id, target, args...)
	if err != nil {
		t.Fatalf("NewInvocation: %v", err)
	}
	return m
}

func TestInboundOther(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		conn := new(fakeConnector)
		h := newFakeHub(t, Config{}, conn)
		defer h.Dispose()
		if err := h.Start(t.Context()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		tr := conn.last()

		tr.deliver(t, protocol.StreamInvocation{InvocationID: "s1", Target: "Counter"})
		tr.deliver(t, protocol.StreamItem{InvocationID: "s2", Item: json.RawMessage("1")})
		tr.deliver(t, protocol.StreamItem{Item: json.RawMessage("2")})
		tr.deliver(t, protocol.CancelInvocation{InvocationID: "s1"})
		tr.deliver(t, protocol.Completion{InvocationID: "nobody"})
		tr.deliverRaw([]byte("{\"type\":99}\x1enot json\x1e"))
		synctest.Wait()

		var ids []string
		for _, m := range tr.messagesOfType(t, protocol.CompletionType) {
			c := m.(protocol.Completion)
			if !strings.Contains(c.Error, "streaming is not supported") {
				t.Errorf("Completion %s: unexpected error %q", c.InvocationID, c.Error)
			}
			ids = append(ids, c.InvocationID)
		}
		if diff := cmp.Diff([]string{"s1", "s2"}, ids); diff != "" {
			t.Errorf("Stream rejections (-want, +got):\n%s", diff)
		}
		if got := h.State(); got != Connected {
			t.Errorf("State: got %v, want %v", got, Connected)
		}

		m := h.Metrics()
		if got := metric(m, "completions_unmatched"); got != 1 {
			t.Errorf("completions_unmatched: got %d, want 1", got)
		}
		// Three stream messages and two undecodable fragments.
		if got := metric(m, "messages_dropped"); got != 5 {
			t.Errorf("messages_dropped: got %d, want 5", got)
		}
		if got := metric(m, "messages_received"); got != 7 {
			t.Errorf("messages_received: got %d, want 7", got)
		}
	})
}

func TestOnPanics(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := newFakeHub(t, Config{}, new(fakeConnector))
		defer h.Dispose()

		mtest.MustPanic(t, func() { h.On("", nil, nil, func([]any) (any, error) { return nil, nil }) })
		mtest.MustPanic(t, func() { h.On("Method", nil, nil, nil) })
	})
}

func TestSubscriptionDispose(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		conn := new(fakeConnector)
		h := newFakeHub(t, Config{}, conn)
		defer h.Dispose()

		var mu sync.Mutex
		var calls []string
		handler := func(name string) HandlerFunc {
			return func([]any) (any, error) {
				mu.Lock()
				defer mu.Unlock()
				calls = append(calls, name)
				return nil, nil
			}
		}
		a := h.On("Event", nil, nil, handler("a"))
		h.On("Event", nil, nil, handler("b"))
		if got := a.Method(); got != "Event" {
			t.Errorf("Method: got %q, want Event", got)
		}
		a.Dispose()
		a.Dispose()

		if err := h.Start(t.Context()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		conn.last().deliver(t, mustInvocation(t, "", "Event"))
		synctest.Wait()

		mu.Lock()
		defer mu.Unlock()
		if diff := cmp.Diff([]string{"b"}, calls); diff != "" {
			t.Errorf("Handler calls (-want, +got):\n%s", diff)
		}
	})
}
