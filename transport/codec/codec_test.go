package codec

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rbaliyan/tagbus/envelope"
	"github.com/rbaliyan/tagbus/transport"
	"syreclabs.com/go/faker"
)

func testFrame() transport.Frame {
	env := envelope.New("gameplay.bosskilled", envelope.ScopeGlobal).
		WithParameter("boss", faker.Lorem().String()).
		WithInt("score", faker.RandomInt(0, 100000)).
		WithContextID("hud").
		WithOrigin("peer-b")
	return transport.Frame{Kind: transport.KindBroadcast, From: "peer-a", Seq: uint64(faker.RandomInt(1, 1<<20)), Envelope: env}
}

func TestCodecs(t *testing.T) {
	codecs := []Codec{JSON{}, MsgPack{}, Proto{}}

	for _, c := range codecs {
		t.Run(c.Name(), func(t *testing.T) {
			in := testFrame()

			data, err := c.Encode(in)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}

			out, err := c.Decode(data)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}

			if out.Kind != in.Kind || out.From != in.From || out.Seq != in.Seq {
				t.Errorf("header mismatch: got %s/%s/%d, want %s/%s/%d", out.Kind, out.From, out.Seq, in.Kind, in.From, in.Seq)
			}
			if diff := cmp.Diff(in.Envelope.Data(), out.Envelope.Data()); diff != "" {
				t.Errorf("envelope mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeFailure(t *testing.T) {
	for _, c := range []Codec{JSON{}, MsgPack{}, Proto{}} {
		t.Run(c.Name(), func(t *testing.T) {
			_, err := c.Decode([]byte{0xff, 0x00, 0x13, 0x37})
			if !errors.Is(err, ErrDecodeFailure) {
				t.Errorf("expected ErrDecodeFailure, got %v", err)
			}
		})
	}

	t.Run("unknown kind", func(t *testing.T) {
		_, err := JSON{}.Decode([]byte(`{"kind":"gossip","envelope":{"tag":"x"}}`))
		if !errors.Is(err, ErrDecodeFailure) {
			t.Errorf("expected ErrDecodeFailure, got %v", err)
		}
	})
}

func TestByName(t *testing.T) {
	for _, name := range []string{"json", "msgpack", "proto"} {
		c, err := ByName(name)
		if err != nil {
			t.Fatalf("ByName(%q) failed: %v", name, err)
		}
		if c.Name() != name {
			t.Errorf("expected %s, got %s", name, c.Name())
		}
	}
	if _, err := ByName("xml"); !errors.Is(err, ErrUnknownCodec) {
		t.Errorf("expected ErrUnknownCodec, got %v", err)
	}
}
