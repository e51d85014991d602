// Package protocol implements the message model and the JSON hub protocol
// used by the signalr client: message encoding, decoding, the handshake
// exchange and record-separator framing.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// RecordSeparator terminates every framed message.
const RecordSeparator byte = 0x1e

var (
	// ErrProtocolMismatch is reported for a payload that does not carry a
	// valid message type discriminator.
	ErrProtocolMismatch = errors.New("protocol mismatch")

	// ErrBothErrorAndResult is reported for a Completion that carries both an
	// error and a result.
	ErrBothErrorAndResult = errors.New("completion has both error and result")
)

// TransferFormat selects text or binary websocket frames.
type TransferFormat int

const (
	Text TransferFormat = iota + 1
	Binary
)

// String returns the name used for the format in negotiate responses.
func (f TransferFormat) String() string {
	switch f {
	case Text:
		return "Text"
	case Binary:
		return "Binary"
	}
	return fmt.Sprintf("TransferFormat(%d)", int(f))
}

// A HubProtocol encodes and decodes hub messages for the wire.
type HubProtocol interface {
	Name() string
	Version() int
	TransferFormat() TransferFormat
	IsVersionSupported(version int) bool

	// Encode returns the framed encoding of m.
	Encode(m Message) ([]byte, error)

	// Decode parses a single unframed message.
	Decode(data []byte) (Message, error)
}

// JSONProtocol is the "json" hub protocol, version 1.0.
type JSONProtocol struct{}

var _ HubProtocol = JSONProtocol{}

func (JSONProtocol) Name() string                   { return "json" }
func (JSONProtocol) Version() int                   { return 1 }
func (JSONProtocol) MinorVersion() int              { return 0 }
func (JSONProtocol) TransferFormat() TransferFormat { return Text }

// IsVersionSupported compares the major version only.
func (p JSONProtocol) IsVersionSupported(version int) bool { return version == p.Version() }

// Encode serializes m as JSON with its type discriminator and appends the
// record separator.
func (JSONProtocol) Encode(m Message) ([]byte, error) {
	var v any
	switch msg := m.(type) {
	case Invocation:
		if msg.Arguments == nil {
			msg.Arguments = []json.RawMessage{}
		}
		v = struct {
			Type MessageType `json:"type"`
			Invocation
		}{InvocationType, msg}
	case StreamItem:
		v = struct {
			Type MessageType `json:"type"`
			StreamItem
		}{StreamItemType, msg}
	case Completion:
		if err := msg.Validate(); err != nil {
			return nil, err
		}
		if !msg.HasResult {
			msg.Result = nil
		} else if len(msg.Result) == 0 {
			msg.Result = json.RawMessage("null")
		}
		v = struct {
			Type MessageType `json:"type"`
			Completion
		}{CompletionType, msg}
	case StreamInvocation:
		if msg.Arguments == nil {
			msg.Arguments = []json.RawMessage{}
		}
		v = struct {
			Type MessageType `json:"type"`
			StreamInvocation
		}{StreamInvocationType, msg}
	case CancelInvocation:
		v = struct {
			Type MessageType `json:"type"`
			CancelInvocation
		}{CancelInvocationType, msg}
	case Ping:
		v = struct {
			Type MessageType `json:"type"`
		}{PingType}
	case Close:
		v = struct {
			Type MessageType `json:"type"`
			Close
		}{CloseType, msg}
	default:
		return nil, fmt.Errorf("encode: unsupported message %T", m)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %v: %w", m.MessageType(), err)
	}
	return Frame(data), nil
}

// Decode parses one message. The type discriminator is read first; a
// missing or out-of-range value is reported as ErrProtocolMismatch.
func (JSONProtocol) Decode(data []byte) (Message, error) {
	var head struct {
		Type *MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode: %w: %w", ErrProtocolMismatch, err)
	}
	if head.Type == nil {
		return nil, fmt.Errorf("decode: %w: missing type", ErrProtocolMismatch)
	}
	switch t := *head.Type; t {
	case InvocationType:
		var msg Invocation
		return decodeInto(data, &msg)
	case StreamItemType:
		var msg StreamItem
		return decodeInto(data, &msg)
	case CompletionType:
		var msg Completion
		if _, err := decodeInto(data, &msg); err != nil {
			return nil, err
		}
		msg.HasResult = len(msg.Result) != 0
		if err := msg.Validate(); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
		return msg, nil
	case StreamInvocationType:
		var msg StreamInvocation
		return decodeInto(data, &msg)
	case CancelInvocationType:
		var msg CancelInvocation
		return decodeInto(data, &msg)
	case PingType:
		return PingMessage, nil
	case CloseType:
		var msg Close
		return decodeInto(data, &msg)
	default:
		return nil, fmt.Errorf("decode: %w: unknown type %d", ErrProtocolMismatch, int(t))
	}
}

func decodeInto[M Message](data []byte, msg *M) (Message, error) {
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode %v: %w", (*msg).MessageType(), err)
	}
	return *msg, nil
}

// EncodeHandshake returns the framed handshake request.
func EncodeHandshake(req HandshakeRequest) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode handshake: %w", err)
	}
	return Frame(data), nil
}

// ParseHandshakeResponse reports whether data is a handshake response, and
// if so returns it. The literal "{}" is a successful response. An object
// that carries a known message type discriminator is not a handshake
// response.
func ParseHandshakeResponse(data []byte) (HandshakeResponse, bool) {
	if string(data) == "{}" {
		return HandshakeResponse{}, true
	}
	var rsp struct {
		Error *string      `json:"error"`
		Type  *MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &rsp); err != nil {
		return HandshakeResponse{}, false
	}
	if rsp.Type != nil && rsp.Type.Valid() {
		return HandshakeResponse{}, false
	}
	var out HandshakeResponse
	if rsp.Error != nil {
		out.Error = *rsp.Error
	}
	return out, true
}

// Frame appends the record separator to data.
func Frame(data []byte) []byte { return append(data, RecordSeparator) }

// Split breaks a transport payload into its non-empty message fragments.
// A single trailing separator is removed before splitting.
func Split(data []byte) [][]byte {
	data = bytes.TrimSuffix(data, []byte{RecordSeparator})
	var out [][]byte
	for _, frag := range bytes.Split(data, []byte{RecordSeparator}) {
		if len(frag) != 0 {
			out = append(out, frag)
		}
	}
	return out
}
