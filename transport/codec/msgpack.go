package codec

import (
	"errors"

	"github.com/rbaliyan/tagbus/transport"
	"github.com/vmihailenco/msgpack/v5"
)

// MsgPack implements Codec using MessagePack serialization.
// MessagePack is a binary format that's more compact than JSON
// while maintaining schema-less flexibility.
type MsgPack struct{}

// Encode serializes a frame to MessagePack bytes
func (c MsgPack) Encode(f transport.Frame) ([]byte, error) {
	data, err := msgpack.Marshal(toWire(f))
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return data, nil
}

// Decode deserializes MessagePack bytes to a frame
func (c MsgPack) Decode(data []byte) (transport.Frame, error) {
	var w wireFrame
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return transport.Frame{}, errors.Join(ErrDecodeFailure, err)
	}
	return fromWire(w)
}

// ContentType returns the MIME type for MessagePack
func (c MsgPack) ContentType() string {
	return "application/msgpack"
}

// Name returns the codec identifier
func (c MsgPack) Name() string {
	return "msgpack"
}

// Binary returns true
func (c MsgPack) Binary() bool {
	return true
}

// Compile-time check
var _ Codec = MsgPack{}
