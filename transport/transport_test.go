package transport

import (
	"context"
	"testing"
)

func TestKindRoundTrip(t *testing.T) {
	for _, k := range []Kind{KindRequest, KindBroadcast, KindReplay, KindAdmit} {
		got, err := ParseKind(k.String())
		if err != nil {
			t.Fatalf("ParseKind(%q) failed: %v", k, err)
		}
		if got != k {
			t.Errorf("ParseKind(%q) = %v, want %v", k, got, k)
		}
	}
	if _, err := ParseKind("bogus"); err == nil {
		t.Error("expected an error for an unknown kind")
	}
}

type plain struct{}

func (plain) Receive(context.Context, Frame)           {}
func (plain) PeerConnected(context.Context, PeerID)    {}
func (plain) PeerDisconnected(context.Context, PeerID) {}

type gated struct {
	plain
	on bool
}

func (g gated) AdmitsPeers() bool { return g.on }

func TestGatekeeps(t *testing.T) {
	tests := []struct {
		name string
		r    Receiver
		want bool
	}{
		{"nil", nil, false},
		{"plain receiver", plain{}, false},
		{"gatekeeper", gated{on: true}, true},
		{"gatekeeper that opts out", gated{on: false}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Gatekeeps(tt.r); got != tt.want {
				t.Errorf("Gatekeeps() = %v, want %v", got, tt.want)
			}
		})
	}
}
