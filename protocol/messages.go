package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType is the integer discriminator carried in the "type" field of
// every hub message exchanged after the handshake.
type MessageType int

// Hub message discriminators.
const (
	InvocationType       MessageType = 1
	StreamItemType       MessageType = 2
	CompletionType       MessageType = 3
	StreamInvocationType MessageType = 4
	CancelInvocationType MessageType = 5
	PingType             MessageType = 6
	CloseType            MessageType = 7
)

// Valid reports whether t lies in the range of known discriminators.
func (t MessageType) Valid() bool { return t >= InvocationType && t <= CloseType }

func (t MessageType) String() string {
	switch t {
	case InvocationType:
		return "Invocation"
	case StreamItemType:
		return "StreamItem"
	case CompletionType:
		return "Completion"
	case StreamInvocationType:
		return "StreamInvocation"
	case CancelInvocationType:
		return "CancelInvocation"
	case PingType:
		return "Ping"
	case CloseType:
		return "Close"
	}
	return fmt.Sprintf("MessageType(%d)", int(t))
}

// A Message is one of the hub messages: Invocation, StreamItem, Completion,
// StreamInvocation, CancelInvocation, Ping or Close.
type Message interface {
	MessageType() MessageType
}

// Invocation calls a method on the remote side. An empty InvocationID means
// the caller does not expect a Completion in reply.
type Invocation struct {
	InvocationID string            `json:"invocationId,omitempty"`
	Target       string            `json:"target"`
	Arguments    []json.RawMessage `json:"arguments"`
	StreamIDs    []string          `json:"streamIds,omitempty"`
}

// NewInvocation marshals args and returns an Invocation for target.
func NewInvocation(invocationID, target string, args ...any) (Invocation, error) {
	raw, err := MarshalArguments(args)
	if err != nil {
		return Invocation{}, fmt.Errorf("invocation %q: %w", target, err)
	}
	return Invocation{InvocationID: invocationID, Target: target, Arguments: raw}, nil
}

func (Invocation) MessageType() MessageType { return InvocationType }

// StreamItem carries one item of a stream. This client never produces
// stream items and answers received ones with a failure Completion.
type StreamItem struct {
	InvocationID string          `json:"invocationId"`
	Item         json.RawMessage `json:"item"`
}

func (StreamItem) MessageType() MessageType { return StreamItemType }

// Completion terminates an invocation with either a result or an error.
// HasResult distinguishes a null result from no result at all.
type Completion struct {
	InvocationID string          `json:"invocationId"`
	Error        string          `json:"error,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	HasResult    bool            `json:"-"`
}

// NewCompletion constructs a Completion for invocationID. It reports
// ErrBothErrorAndResult if errMsg is set together with a non-nil result.
func NewCompletion(invocationID, errMsg string, result any, hasResult bool) (Completion, error) {
	if errMsg != "" && hasResult && result != nil {
		return Completion{}, fmt.Errorf("completion %q: %w", invocationID, ErrBothErrorAndResult)
	}
	c := Completion{InvocationID: invocationID, Error: errMsg}
	if hasResult && errMsg == "" {
		raw, err := json.Marshal(result)
		if err != nil {
			return Completion{}, fmt.Errorf("completion %q: marshal result: %w", invocationID, err)
		}
		c.Result = raw
		c.HasResult = true
	}
	return c, nil
}

// CompletionWithError returns a failure Completion for invocationID.
func CompletionWithError(invocationID, errMsg string) Completion {
	return Completion{InvocationID: invocationID, Error: errMsg}
}

// EmptyCompletion returns a Completion carrying neither result nor error.
func EmptyCompletion(invocationID string) Completion {
	return Completion{InvocationID: invocationID}
}

// Validate reports a protocol error if c carries both an error and a result.
func (c Completion) Validate() error {
	if c.Error != "" && c.HasResult {
		return fmt.Errorf("completion %q: %w", c.InvocationID, ErrBothErrorAndResult)
	}
	return nil
}

func (Completion) MessageType() MessageType { return CompletionType }

// StreamInvocation asks the receiver to stream results back. Unsupported by
// this client beyond decoding.
type StreamInvocation struct {
	InvocationID string            `json:"invocationId"`
	Target       string            `json:"target"`
	Arguments    []json.RawMessage `json:"arguments"`
	StreamIDs    []string          `json:"streamIds,omitempty"`
}

func (StreamInvocation) MessageType() MessageType { return StreamInvocationType }

// CancelInvocation asks the receiver to cancel a streaming invocation.
type CancelInvocation struct {
	InvocationID string `json:"invocationId"`
}

func (CancelInvocation) MessageType() MessageType { return CancelInvocationType }

// Ping is the keep-alive message. It has no payload; use PingMessage.
type Ping struct{}

// PingMessage is the shared Ping instance.
var PingMessage = Ping{}

func (Ping) MessageType() MessageType { return PingType }

// Close announces that the sender is closing the connection.
type Close struct {
	Error string `json:"error,omitempty"`
}

func (Close) MessageType() MessageType { return CloseType }

// HandshakeRequest is the first message sent by the client. It is framed like
// the other messages but carries no type discriminator.
type HandshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

// HandshakeResponse is the server's answer to a HandshakeRequest. An empty
// Error means the handshake succeeded.
type HandshakeResponse struct {
	Error string `json:"error,omitempty"`
}

// MarshalArguments encodes each argument as its own raw JSON value.
func MarshalArguments(args []any) ([]json.RawMessage, error) {
	raw := make([]json.RawMessage, len(args))
	for i, arg := range args {
		b, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		raw[i] = b
	}
	return raw, nil
}
