package codec

import (
	"encoding/json"
	"errors"

	"github.com/rbaliyan/tagbus/transport"
)

// JSON implements Codec using JSON serialization.
// This is the default codec, providing human-readable output.
type JSON struct{}

// Encode serializes a frame to JSON bytes
func (c JSON) Encode(f transport.Frame) ([]byte, error) {
	data, err := json.Marshal(toWire(f))
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return data, nil
}

// Decode deserializes JSON bytes to a frame
func (c JSON) Decode(data []byte) (transport.Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return transport.Frame{}, errors.Join(ErrDecodeFailure, err)
	}
	return fromWire(w)
}

// ContentType returns the MIME type for JSON
func (c JSON) ContentType() string {
	return "application/json"
}

// Name returns the codec identifier
func (c JSON) Name() string {
	return "json"
}

// Binary returns false, JSON is sent as text
func (c JSON) Binary() bool {
	return false
}

// Compile-time check
var _ Codec = JSON{}
