package codec

import (
	"errors"

	"github.com/rbaliyan/tagbus/envelope"
	"github.com/rbaliyan/tagbus/transport"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Proto implements Codec using Protocol Buffers serialization.
//
// Frames are carried as a google.protobuf.Struct so no generated message
// types are needed; parameters become a list of {key, value} structs.
type Proto struct{}

// Encode serializes a frame to Protocol Buffer bytes
func (c Proto) Encode(f transport.Frame) ([]byte, error) {
	d := f.Envelope.Data()

	params := make([]*structpb.Value, 0, len(d.Params))
	for _, p := range d.Params {
		params = append(params, structpb.NewStructValue(&structpb.Struct{
			Fields: map[string]*structpb.Value{
				"key":   structpb.NewStringValue(p.Key),
				"value": structpb.NewStringValue(p.Value),
			},
		}))
	}

	s := &structpb.Struct{
		Fields: map[string]*structpb.Value{
			"kind":       structpb.NewStringValue(f.Kind.String()),
			"from":       structpb.NewStringValue(string(f.From)),
			"seq":        structpb.NewNumberValue(float64(f.Seq)),
			"id":         structpb.NewStringValue(d.ID),
			"tag":        structpb.NewStringValue(d.Tag),
			"scope":      structpb.NewNumberValue(float64(d.Scope)),
			"context_id": structpb.NewStringValue(d.ContextID),
			"origin":     structpb.NewStringValue(d.Origin),
			"params":     structpb.NewListValue(&structpb.ListValue{Values: params}),
		},
	}

	data, err := proto.Marshal(s)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return data, nil
}

// Decode deserializes Protocol Buffer bytes to a frame
func (c Proto) Decode(data []byte) (transport.Frame, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return transport.Frame{}, errors.Join(ErrDecodeFailure, err)
	}

	fields := s.GetFields()
	w := wireFrame{
		Kind: fields["kind"].GetStringValue(),
		From: fields["from"].GetStringValue(),
		Seq:  uint64(fields["seq"].GetNumberValue()),
		Envelope: envelope.Data{
			ID:        fields["id"].GetStringValue(),
			Tag:       fields["tag"].GetStringValue(),
			Scope:     envelope.Scope(fields["scope"].GetNumberValue()),
			ContextID: fields["context_id"].GetStringValue(),
			Origin:    fields["origin"].GetStringValue(),
		},
	}
	for _, v := range fields["params"].GetListValue().GetValues() {
		pf := v.GetStructValue().GetFields()
		w.Envelope.Params = append(w.Envelope.Params, envelope.Param{
			Key:   pf["key"].GetStringValue(),
			Value: pf["value"].GetStringValue(),
		})
	}
	return fromWire(w)
}

// ContentType returns the MIME type for Protocol Buffers
func (c Proto) ContentType() string {
	return "application/x-protobuf"
}

// Name returns the codec identifier
func (c Proto) Name() string {
	return "proto"
}

// Binary returns true
func (c Proto) Binary() bool {
	return true
}

// Compile-time check
var _ Codec = Proto{}
