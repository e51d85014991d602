package signalr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/rs/zerolog"

	"gitlab.com/techviking/signalr/v3/protocol"
)

type availableTransport struct {
	Transport       string   `json:"transport"`
	TransferFormats []string `json:"transferFormats"`
}

type negotiationResponse struct {
	URL                 string               `json:"url,omitempty"`
	AccessToken         string               `json:"accessToken,omitempty"`
	ConnectionID        string               `json:"connectionId"`
	NegotiateVersion    int                  `json:"negotiateVersion,omitempty"`
	AvailableTransports []availableTransport `json:"availableTransports"`
	Error               string               `json:"error,omitempty"`
}

// transportFactory creates an unstarted transport for a connect url.
type transportFactory func(u *url.URL, c Config, format protocol.TransferFormat, log zerolog.Logger) Transport

// A connector turns a Config into a started Transport. It keeps no state
// between calls to Connect.
type connector struct {
	config       Config
	log          zerolog.Logger
	newTransport transportFactory // nil means websocket
}

// Connect negotiates with the server, selects a transport and starts it.
// Every failure is reported as a ConnectError wrapping the cause.
func (c *connector) Connect(ctx context.Context, format protocol.TransferFormat) (Transport, string, error) {
	t, id, err := c.connect(ctx, format)
	if err != nil {
		c.log.Error().Err(err).Str("url", c.config.ConnectionURL.String()).Msg("connection failed")
		return nil, "", fmt.Errorf("%w: %w", ConnectError(c.config.ConnectionURL.String()), err)
	}
	return t, id, nil
}

func (c *connector) connect(ctx context.Context, format protocol.TransferFormat) (Transport, string, error) {
	u := c.config.ConnectionURL
	if c.config.SkipNegotiation {
		if c.config.Transport != WebSockets {
			return nil, "", ConfigError("negotiation can only be skipped with the WebSockets transport")
		}
		c.log.Debug().Msg("skipping negotiation")
		t, err := c.startTransport(ctx, u, format, c.config.RequestHeaders)
		return t, "", err
	}

	var (
		nresp   *negotiationResponse
		err     error
		headers = c.config.RequestHeaders.Clone()
	)
	for redirects := 0; ; redirects++ {
		if nresp, err = c.negotiate(ctx, u, headers); err != nil {
			return nil, "", err
		}
		if nresp.URL == "" {
			break
		}
		if redirects >= c.config.MaxRedirects {
			return nil, "", ErrRedirectLimit
		}
		if u, err = url.Parse(nresp.URL); err != nil {
			return nil, "", NegotiationError(fmt.Sprintf("invalid redirect url %q: %v", nresp.URL, err))
		}
		if nresp.AccessToken != "" {
			if headers == nil {
				headers = make(http.Header)
			}
			headers.Set("Authorization", "Bearer "+nresp.AccessToken)
		}
		c.log.Debug().Str("url", u.String()).Msg("negotiate redirect")
	}

	if err := c.selectTransport(nresp, format); err != nil {
		return nil, "", err
	}
	connectURL, err := createConnectURL(u, nresp.ConnectionID)
	if err != nil {
		return nil, "", err
	}
	t, err := c.startTransport(ctx, connectURL, format, headers)
	if err != nil {
		return nil, "", err
	}
	return t, nresp.ConnectionID, nil
}

// selectTransport checks that the server offers the requested transport
// with the requested transfer format.
func (c *connector) selectTransport(nresp *negotiationResponse, format protocol.TransferFormat) error {
	want := c.config.Transport
	var reasons []string
	for _, at := range nresp.AvailableTransports {
		if TransportType(at.Transport) != want {
			reasons = append(reasons, fmt.Sprintf("%s: not supported by the client", at.Transport))
			continue
		}
		if !slices.Contains(at.TransferFormats, format.String()) {
			reasons = append(reasons, fmt.Sprintf("%s: server does not support %s", at.Transport, format))
			continue
		}
		return nil
	}
	if len(reasons) == 0 {
		reasons = append(reasons, "server offered no transports")
	}
	c.log.Debug().Strs("reasons", reasons).Msg("transport selection failed")
	return fmt.Errorf("%w (%s)", ErrNoCompatibleTransport, strings.Join(reasons, "; "))
}

func (c *connector) startTransport(ctx context.Context, u *url.URL, format protocol.TransferFormat, headers http.Header) (Transport, error) {
	cfg := c.config
	cfg.RequestHeaders = headers
	var t Transport
	if c.newTransport != nil {
		t = c.newTransport(u, cfg, format, c.log)
	} else {
		t = newWebsocketTransport(u, cfg, format, c.log)
	}
	if err := t.Start(ctx); err != nil {
		t.Stop()
		return nil, err
	}
	return t, nil
}

func (c *connector) negotiate(ctx context.Context, u *url.URL, headers http.Header) (*negotiationResponse, error) {
	var (
		request  *http.Request
		response *http.Response
		result   negotiationResponse
		err      error
		body     []byte
	)

	if c.config.Client.Timeout == 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, negotiateHTTPTimeout)
		defer cancel()
	}

	negotiationURL := *u
	switch strings.ToLower(negotiationURL.Scheme) {
	case "ws":
		negotiationURL.Scheme = "http"
	case "wss":
		negotiationURL.Scheme = "https"
	}
	if !strings.HasSuffix(negotiationURL.Path, "/") {
		negotiationURL.Path += "/"
	}
	negotiationURL.Path += negotiatePath
	negotiationURL.RawPath = ""

	if request, err = http.NewRequestWithContext(ctx, http.MethodPost, negotiationURL.String(), bytes.NewReader(nil)); err != nil {
		return nil, NegotiationError(err.Error())
	}
	request.Header.Set("Content-Type", negotiateContentType)
	for k, values := range headers {
		for _, val := range values {
			request.Header.Add(k, val)
		}
	}

	if response, err = c.config.Client.Do(request); err != nil {
		return nil, NegotiationError(err.Error())
	}
	defer response.Body.Close()

	if body, err = io.ReadAll(response.Body); err != nil {
		return nil, NegotiationError(err.Error())
	}
	if response.StatusCode != http.StatusOK {
		return nil, NegotiationError(fmt.Sprintf("negotiate returned %s", response.Status))
	}

	if err = json.Unmarshal(body, &result); err != nil {
		return nil, NegotiationError(fmt.Sprintf("failed to parse response '%s': %s", string(body), err.Error()))
	}
	if result.Error != "" {
		return nil, NegotiationError(result.Error)
	}

	c.log.Debug().Str("connectionId", result.ConnectionID).Msg("negotiate succeeded")
	return &result, nil
}

// createConnectURL appends id=connectionID to the query of u.
func createConnectURL(u *url.URL, connectionID string) (*url.URL, error) {
	if connectionID == "" {
		return nil, NegotiationError("invalid connection id")
	}
	out := *u
	qs := "id=" + url.QueryEscape(connectionID)
	if out.RawQuery != "" {
		out.RawQuery += "&" + qs
	} else {
		out.RawQuery = qs
	}
	return &out, nil
}
