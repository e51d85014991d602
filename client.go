package signalr

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"gitlab.com/techviking/signalr/v3/protocol"
)

//default values for configuartion
const (
	DefaultHandshakeTimeout  = 15 * time.Second
	DefaultKeepAliveInterval = 15 * time.Second
	DefaultServerTimeout     = 30 * time.Second
	DefaultInvocationTimeout = time.Minute
	DefaultSweepInterval     = 5 * time.Minute
	DefaultMaxRedirects      = 100

	negotiatePath         = "negotiate"
	negotiateContentType  = "text/plain;charset=UTF-8"
	negotiateHTTPTimeout  = 120 * time.Second
	transportSettleDelay  = 2 * time.Second
	handshakePollInterval = time.Second
)

//ConnectionState int representing current state of the hub connection
type ConnectionState int

//Hub connection state values
const (
	Disconnected ConnectionState = iota
	Connected
)

func (s ConnectionState) String() string {
	if s == Connected {
		return "Connected"
	}
	return "Disconnected"
}

//TransportType names a transport in a negotiate response.
type TransportType string

//Transports a server may offer. Only WebSockets is implemented by this client.
const (
	WebSockets       TransportType = "WebSockets"
	ServerSentEvents TransportType = "ServerSentEvents"
	LongPolling      TransportType = "LongPolling"
)

//Config define options required for connecting to a hub endpoint.
type Config struct {
	//Client allows the consumer to override the default http client used for negotiation.
	Client *http.Client

	//URL for the hub endpoint. http(s) and ws(s) schemes are accepted.
	ConnectionURL *url.URL

	// RequestHeaders additional header parameters to add to the websocket upgrade request.
	RequestHeaders http.Header

	//Transport requested by the client. Defaults to WebSockets.
	Transport TransportType

	//SkipNegotiation connects the websocket directly to ConnectionURL. Requires WebSockets.
	SkipNegotiation bool

	//Protocol used to encode hub messages. Defaults to protocol.JSONProtocol.
	Protocol protocol.HubProtocol

	//TransferFormat requested from the server. Defaults to the format of Protocol.
	TransferFormat protocol.TransferFormat

	HandshakeTimeout  time.Duration
	KeepAliveInterval time.Duration
	ServerTimeout     time.Duration

	//InvocationTimeout is how long a pending invocation waits for its completion.
	InvocationTimeout time.Duration

	//SweepInterval is how often expired pending invocations are discarded.
	SweepInterval time.Duration

	//MaxRedirects bounds the number of negotiate redirects followed.
	MaxRedirects int

	//Logger receives all log output. Defaults to the zerolog global logger.
	Logger *zerolog.Logger
}

// WithURL returns a Config for rawURL using the given transport.
func WithURL(rawURL string, transport TransportType) (Config, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Config{}, ConfigError("invalid url: " + err.Error())
	}
	return Config{ConnectionURL: u, Transport: transport}, nil
}

// withDefaults fills every unset field of c.
func (c Config) withDefaults() Config {
	if c.Client == nil {
		c.Client = &http.Client{Timeout: negotiateHTTPTimeout}
	}
	if c.Transport == "" {
		c.Transport = WebSockets
	}
	if c.Protocol == nil {
		c.Protocol = protocol.JSONProtocol{}
	}
	if c.TransferFormat == 0 {
		c.TransferFormat = c.Protocol.TransferFormat()
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if c.ServerTimeout == 0 {
		c.ServerTimeout = DefaultServerTimeout
	}
	if c.InvocationTimeout == 0 {
		c.InvocationTimeout = DefaultInvocationTimeout
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.MaxRedirects == 0 {
		c.MaxRedirects = DefaultMaxRedirects
	}
	if c.Logger == nil {
		l := log.Logger.With().Str("component", "signalr").Logger()
		c.Logger = &l
	}
	return c
}

// Validate reports a ConfigError if c cannot be used to connect.
func (c Config) Validate() error {
	if c.ConnectionURL == nil || c.ConnectionURL.Host == "" {
		return ConfigError("missing connection url")
	}
	switch strings.ToLower(c.ConnectionURL.Scheme) {
	case "http", "https", "ws", "wss":
	default:
		return ConfigError("unsupported url scheme " + c.ConnectionURL.Scheme)
	}
	if c.Protocol == nil {
		return ConfigError("missing hub protocol")
	}
	if c.TransferFormat != protocol.Text && c.TransferFormat != protocol.Binary {
		return ConfigError("unknown transfer format")
	}
	if c.SkipNegotiation && c.Transport != WebSockets {
		return ConfigError("negotiation can only be skipped with the WebSockets transport")
	}
	if c.HandshakeTimeout < 0 || c.KeepAliveInterval < 0 || c.ServerTimeout < 0 ||
		c.InvocationTimeout < 0 || c.SweepInterval < 0 {
		return ConfigError("durations must not be negative")
	}
	if c.MaxRedirects < 0 {
		return ConfigError("max redirects must not be negative")
	}
	return nil
}

//New generates a new hub connection based on user data. Configuration errors are reported here, not at Start.
func New(c Config) (*HubConnection, error) {
	c = c.withDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	// Copy so later changes by the caller do not leak into the connection.
	u := *c.ConnectionURL
	c.ConnectionURL = &u
	c.RequestHeaders = c.RequestHeaders.Clone()

	return newHubConnection(c, &connector{config: c, log: *c.Logger}), nil
}
