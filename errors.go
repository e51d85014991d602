package signalr

import (
	"errors"
	"fmt"
)

// ConfigError reports an invalid Config. It is never retried.
type ConfigError string

func (ce ConfigError) Error() string {
	return fmt.Sprintf("ConfigError: %s", string(ce))
}

// ConnectError is the umbrella error for a failed connection attempt. The
// specific cause is wrapped alongside it.
type ConnectError string

func (ce ConnectError) Error() string {
	return fmt.Sprintf("ConnectError: cannot connect to %s", string(ce))
}

//NegotiationError error created when negotiation step of connection fails.
type NegotiationError string

// Error implement Error interface
func (ne NegotiationError) Error() string {
	return fmt.Sprintf("NegotiationError: %s", string(ne))
}

//SocketConnectionError error created when the transport cannot be opened.
type SocketConnectionError string

// Error implement Error interface
func (sce SocketConnectionError) Error() string {
	return fmt.Sprintf("SocketConnectionError: %s", string(sce))
}

//SocketError error created when a read or write on an open socket fails.
type SocketError string

// Error implement Error interface
func (se SocketError) Error() string {
	return fmt.Sprintf("SocketError: %s", string(se))
}

//HandshakeError error created when the server rejects the handshake.
type HandshakeError string

// Error implement Error interface
func (he HandshakeError) Error() string {
	return fmt.Sprintf("HandshakeError: %s", string(he))
}

//TimeoutError error created when the handshake or the server keep-alive times out
type TimeoutError string

// Error implement Error interface
func (te TimeoutError) Error() string {
	return fmt.Sprintf("TimeoutError: %s", string(te))
}

//HubMessageError error created when a hub message violates the protocol.
type HubMessageError string

//Error implement the error interface
func (hme HubMessageError) Error() string {
	return fmt.Sprintf("HubMessageError: %s", string(hme))
}

// CallHubError error reported to an invocation callback, or by a client
// method handler, for a failed call.
type CallHubError string

func (che CallHubError) Error() string {
	return fmt.Sprintf("CallHubError: %s", string(che))
}

var (
	// ErrNotConnected is reported by operations that need an active transport.
	ErrNotConnected = errors.New("hub connection is not connected")

	// ErrDisposed is reported by every operation after Dispose.
	ErrDisposed = errors.New("hub connection is disposed")

	// ErrNoCompatibleTransport is reported when the server offers no transport
	// and transfer format this client can use.
	ErrNoCompatibleTransport = NegotiationError("no compatible transport")

	// ErrRedirectLimit is reported when negotiation redirects too many times.
	ErrRedirectLimit = NegotiationError("negotiate redirect limit exceeded")
)
