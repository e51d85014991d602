package signalr

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"gitlab.com/techviking/signalr/v3/protocol"
)

// A Transport owns one duplex connection to a hub. It moves pre-framed
// messages and splits inbound payloads into message fragments.
//
// The receiver installed with SetReceiver is called from the transport's
// read loop, once per fragment, only after the handshake has succeeded.
type Transport interface {
	Start(ctx context.Context) error
	Stop() error

	// Send writes a framed payload. It is a no-op when the transport is not open.
	Send(data []byte) error
	IsOpen() bool

	SetReceiver(func(fragment []byte))

	// SetOnClose registers a callback for a close not initiated by Stop.
	SetOnClose(func(err error))

	// Handshake reports whether a handshake response has been received, and
	// the response itself.
	Handshake() (protocol.HandshakeResponse, bool)
}

const closeWriteTimeout = time.Second

// websocketTransport is the gorilla/websocket Transport.
type websocketTransport struct {
	url     *url.URL
	headers http.Header
	format  protocol.TransferFormat
	dialer  *websocket.Dialer
	log     zerolog.Logger

	mu            sync.Mutex
	conn          *websocket.Conn
	open          bool
	stopped       bool
	handshakeDone bool
	handshake     protocol.HandshakeResponse
	receive       func([]byte)
	onClose       func(error)

	writeMu sync.Mutex
	tasks   *taskgroup.Group
}

func newWebsocketTransport(u *url.URL, c Config, format protocol.TransferFormat, log zerolog.Logger) *websocketTransport {
	headers := c.RequestHeaders.Clone()
	if headers == nil {
		headers = make(http.Header)
	}
	headers.Set("X-Requested-With", "XMLHttpRequest")

	return &websocketTransport{
		url:     websocketURL(u),
		headers: headers,
		format:  format,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 45 * time.Second,
			Jar:              c.Client.Jar,
		},
		log: log.With().Str("transport", string(WebSockets)).Logger(),
	}
}

// websocketURL rewrites an http(s) url to ws(s).
func websocketURL(u *url.URL) *url.URL {
	out := *u
	switch out.Scheme {
	case "http":
		out.Scheme = "ws"
	case "https":
		out.Scheme = "wss"
	}
	return &out
}

func (t *websocketTransport) Start(ctx context.Context) error {
	t.log.Debug().Str("url", t.url.String()).Msg("starting transport")
	conn, rsp, err := t.dialer.DialContext(ctx, t.url.String(), t.headers)
	if err != nil {
		if rsp != nil {
			t.log.Error().Err(err).Int("status", rsp.StatusCode).Msg("websocket dial failed")
		}
		return SocketConnectionError(err.Error())
	}

	t.mu.Lock()
	t.conn = conn
	t.open = true
	t.stopped = false
	t.tasks = taskgroup.New(nil)
	t.tasks.Go(func() error { t.readLoop(conn); return nil })
	t.mu.Unlock()

	t.log.Debug().Msg("websocket opened")
	return nil
}

func (t *websocketTransport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			t.open = false
			stopped := t.stopped
			onClose := t.onClose
			t.mu.Unlock()

			if stopped {
				t.log.Debug().Msg("websocket closed")
				return
			}
			t.log.Error().Err(err).Msg("websocket read failed")
			if onClose != nil {
				onClose(SocketError(err.Error()))
			}
			return
		}
		t.process(data)
	}
}

// process classifies every fragment of an inbound payload.
func (t *websocketTransport) process(data []byte) {
	for _, frag := range protocol.Split(data) {
		t.mu.Lock()
		done, receive := t.handshakeDone, t.receive
		if !done {
			if rsp, ok := protocol.ParseHandshakeResponse(frag); ok {
				t.handshakeDone = true
				t.handshake = rsp
				t.mu.Unlock()
				t.log.Debug().Str("error", rsp.Error).Msg("handshake response received")
				continue
			}
		}
		t.mu.Unlock()

		switch {
		case !done:
			t.log.Warn().Bytes("fragment", frag).Msg("dropping message received before handshake")
		case receive != nil:
			receive(frag)
		default:
			t.log.Warn().Bytes("fragment", frag).Msg("dropping message, no receiver")
		}
	}
}

// Stop closes the socket. It does not wait for the read loop, which exits
// once the socket is closed; Stop may be called from the read loop itself.
func (t *websocketTransport) Stop() error {
	t.mu.Lock()
	conn := t.conn
	t.open = false
	t.stopped = true
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	t.log.Debug().Msg("transport stopping")

	t.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout)); err != nil {
		t.log.Debug().Err(err).Msg("close frame not sent")
	}
	t.writeMu.Unlock()

	if err := conn.Close(); err != nil {
		return SocketError(err.Error())
	}
	t.log.Debug().Msg("transport stopped")
	return nil
}

func (t *websocketTransport) Send(data []byte) error {
	t.mu.Lock()
	conn, open := t.conn, t.open
	t.mu.Unlock()
	if !open {
		t.log.Warn().Msg("send skipped, websocket is not open")
		return nil
	}

	mtype := websocket.TextMessage
	if t.format == protocol.Binary {
		mtype = websocket.BinaryMessage
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.log.Trace().Bytes("data", data).Msg("send")
	if err := conn.WriteMessage(mtype, data); err != nil {
		t.log.Error().Err(err).Msg("send failed")
		return SocketError(err.Error())
	}
	return nil
}

func (t *websocketTransport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

func (t *websocketTransport) SetReceiver(f func([]byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receive = f
}

func (t *websocketTransport) SetOnClose(f func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = f
}

func (t *websocketTransport) Handshake() (protocol.HandshakeResponse, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handshake, t.handshakeDone
}

// wait blocks until the read loop has exited.
func (t *websocketTransport) wait() {
	t.mu.Lock()
	g := t.tasks
	t.mu.Unlock()
	if g != nil {
		g.Wait()
	}
}
