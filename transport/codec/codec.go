// Package codec provides frame serialization for peer transports.
//
// Supported formats:
//   - JSON (default, human-readable)
//   - MessagePack (binary, compact)
//   - Protocol Buffers (binary, frames encoded as google.protobuf.Struct)
package codec

import (
	"errors"
	"fmt"

	"github.com/rbaliyan/tagbus/envelope"
	"github.com/rbaliyan/tagbus/transport"
)

// Codec errors
var (
	ErrEncodeFailure = errors.New("failed to encode frame")
	ErrDecodeFailure = errors.New("failed to decode frame")
	ErrUnknownCodec  = errors.New("unknown codec")
)

// Codec handles frame serialization for network transports.
// Implementations must be safe for concurrent use.
type Codec interface {
	// Encode serializes a frame to bytes.
	// Returns ErrEncodeFailure if serialization fails.
	Encode(f transport.Frame) ([]byte, error)

	// Decode deserializes bytes to a frame.
	// Returns ErrDecodeFailure if deserialization fails.
	Decode(data []byte) (transport.Frame, error)

	// ContentType returns the MIME type for this codec (e.g., "application/json").
	ContentType() string

	// Name returns a short identifier for this codec (e.g., "json", "msgpack", "proto").
	Name() string

	// Binary reports whether the encoding is binary, which decides the
	// websocket message type.
	Binary() bool
}

// Default returns the default codec (JSON)
func Default() Codec {
	return JSON{}
}

// ByName returns the codec registered under name.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON{}, nil
	case "msgpack":
		return MsgPack{}, nil
	case "proto":
		return Proto{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}

// wireFrame is the struct wire format shared by JSON and MessagePack
type wireFrame struct {
	Kind     string        `json:"kind" msgpack:"kind"`
	From     string        `json:"from,omitempty" msgpack:"from,omitempty"`
	Seq      uint64        `json:"seq,omitempty" msgpack:"seq,omitempty"`
	Envelope envelope.Data `json:"envelope" msgpack:"envelope"`
}

func toWire(f transport.Frame) wireFrame {
	return wireFrame{
		Kind:     f.Kind.String(),
		From:     string(f.From),
		Seq:      f.Seq,
		Envelope: f.Envelope.Data(),
	}
}

func fromWire(w wireFrame) (transport.Frame, error) {
	kind, err := transport.ParseKind(w.Kind)
	if err != nil {
		return transport.Frame{}, errors.Join(ErrDecodeFailure, err)
	}
	return transport.Frame{
		Kind:     kind,
		From:     transport.PeerID(w.From),
		Seq:      w.Seq,
		Envelope: envelope.FromData(w.Envelope),
	}, nil
}
