package tagbus

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rbaliyan/tagbus/transport"
	"syreclabs.com/go/faker"
)

func newTestGlobal(t *testing.T, opts ...Option) (*GlobalBus, *RecordingTransport) {
	t.Helper()
	rec := NewRecordingTransport(nil)
	base := []Option{WithMetrics(false), WithTracing(false), WithTransport(rec)}
	g, err := NewGlobalBus("test", append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewGlobalBus failed: %v", err)
	}
	t.Cleanup(g.Close)
	return g, rec
}

func tagsOf(envs []Envelope) []Tag {
	out := make([]Tag, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.Tag())
	}
	return out
}

func callTags(calls []RecordedCall) []Tag {
	out := make([]Tag, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.Envelope.Tag())
	}
	return out
}

func TestGlobalBroadcastAsAuthority(t *testing.T) {
	ctx := context.Background()
	g, rec := newTestGlobal(t, WithRoleProvider(StaticRole(RoleHost)))

	c := NewCollector()
	if _, err := g.RegisterListener(c, GlobalOnly("gameplay")); err != nil {
		t.Fatalf("RegisterListener failed: %v", err)
	}

	boss := faker.Lorem().Word()
	env := NewEnvelope("gameplay.bosskilled", ScopeLocal).WithParameter("boss", boss)
	if err := g.Broadcast(ctx, env); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}

	if c.Count() != 1 {
		t.Fatalf("expected 1 delivery, got %d", c.Count())
	}
	d := c.Deliveries()[0]
	if !d.IsGlobal || d.Envelope.Scope() != ScopeGlobal {
		t.Error("global deliveries must be marked global")
	}
	if got := d.Envelope.Get("boss", ""); got != boss {
		t.Errorf("expected boss %q, got %q", boss, got)
	}

	if diff := cmp.Diff([]Tag{"gameplay.bosskilled"}, tagsOf(g.History())); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
	if n := len(rec.CallsTo("BroadcastToAllPeers")); n != 1 {
		t.Errorf("expected 1 peer broadcast, got %d", n)
	}
}

func TestGlobalValidationRejects(t *testing.T) {
	ctx := context.Background()
	g, rec := newTestGlobal(t, WithValidationPolicy(PolicyStrict))
	c := NewCollector()
	_, _ = g.RegisterListener(c, GlobalOnly())

	env := NewEnvelope("ui.request", ScopeGlobal)
	for i := 0; i < 6; i++ {
		env = env.WithParameter("p"+strconv.Itoa(i), faker.Lorem().Word())
	}

	err := g.Broadcast(ctx, env)
	if !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("expected ErrValidationFailed, got %v", err)
	}
	if RejectionReason(err) == "" {
		t.Error("expected a rejection reason")
	}
	if c.Count() != 0 || len(g.History()) != 0 || len(rec.Calls()) != 0 {
		t.Error("a rejected envelope must not be delivered, recorded or transported")
	}
}

func TestGlobalInvalidEnvelope(t *testing.T) {
	g, rec := newTestGlobal(t)
	if err := g.Broadcast(context.Background(), NewEnvelope("", ScopeGlobal)); !errors.Is(err, ErrInvalidEnvelope) {
		t.Errorf("expected ErrInvalidEnvelope, got %v", err)
	}
	if len(rec.Calls()) != 0 {
		t.Error("invalid envelope must not reach the transport")
	}
}

func TestGlobalClientForwards(t *testing.T) {
	ctx := context.Background()
	g, rec := newTestGlobal(t, WithRoleProvider(StaticRole(RoleClient)))
	c := NewCollector()
	_, _ = g.RegisterListener(c, GlobalOnly())

	env := NewEnvelope("gameplay.bosskilled", ScopeGlobal)
	if err := g.Broadcast(ctx, env); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}

	forwarded := rec.CallsTo("SendToAuthority")
	if len(forwarded) != 1 || forwarded[0].Envelope.ID() != env.ID() {
		t.Fatalf("expected the envelope to be forwarded unchanged, got %+v", forwarded)
	}
	if c.Count() != 0 {
		t.Error("client must not deliver before the authority broadcasts back")
	}
	if len(g.History()) != 0 {
		t.Error("client must not record before the authority broadcasts back")
	}

	// The authority transports the broadcast back.
	g.Receive(ctx, transport.Frame{Kind: transport.KindBroadcast, From: "host", Envelope: env})
	if c.Count() != 1 {
		t.Errorf("expected 1 delivery, got %d", c.Count())
	}
	if len(g.History()) != 1 {
		t.Errorf("expected mirrored history entry, got %d", len(g.History()))
	}

	// Redelivery by an at-least-once transport is suppressed.
	g.Receive(ctx, transport.Frame{Kind: transport.KindBroadcast, From: "host", Envelope: env})
	if c.Count() != 1 {
		t.Errorf("duplicate must be dropped, got %d deliveries", c.Count())
	}
}

func TestGlobalDerivedEnvelopesAreDistinct(t *testing.T) {
	ctx := context.Background()

	t.Run("local broadcasts", func(t *testing.T) {
		g, rec := newTestGlobal(t, WithRoleProvider(StaticRole(RoleHost)))
		c := NewCollector()
		_, _ = g.RegisterListener(c, GlobalOnly())

		base := NewEnvelope("settings.audio.volume", ScopeGlobal)
		for _, env := range []Envelope{base.WithParameter("v", "1"), base.WithParameter("v", "2"), base, base} {
			if err := g.Broadcast(ctx, env); err != nil {
				t.Fatalf("Broadcast failed: %v", err)
			}
		}

		if c.Count() != 4 {
			t.Fatalf("expected 4 deliveries, got %d", c.Count())
		}
		if n := len(g.History()); n != 4 {
			t.Errorf("expected 4 history entries, got %d", n)
		}
		if n := len(rec.CallsTo("BroadcastToAllPeers")); n != 4 {
			t.Errorf("expected 4 transported envelopes, got %d", n)
		}
		ids := make(map[string]bool)
		for _, d := range c.Deliveries() {
			ids[d.Envelope.ID()] = true
		}
		if len(ids) != 4 {
			t.Errorf("expected 4 distinct ids, got %d", len(ids))
		}
	})

	t.Run("forwarded requests", func(t *testing.T) {
		g, _ := newTestGlobal(t, WithRoleProvider(StaticRole(RoleHost)))
		c := NewCollector()
		_, _ = g.RegisterListener(c, GlobalOnly())

		env := NewEnvelope("gameplay.levelup", ScopeGlobal).WithInt("level", 3)
		for i := 0; i < 2; i++ {
			g.Receive(ctx, transport.Frame{Kind: transport.KindRequest, From: "p2", Envelope: env})
		}
		if c.Count() != 2 {
			t.Errorf("expected 2 deliveries, got %d", c.Count())
		}
	})

	t.Run("echo of own broadcast is dropped", func(t *testing.T) {
		g, rec := newTestGlobal(t, WithRoleProvider(StaticRole(RoleHost)))
		c := NewCollector()
		_, _ = g.RegisterListener(c, GlobalOnly())

		_ = g.Broadcast(ctx, NewEnvelope("x", ScopeGlobal))
		sent := rec.CallsTo("BroadcastToAllPeers")[0].Envelope
		g.Receive(ctx, transport.Frame{Kind: transport.KindBroadcast, From: "host", Envelope: sent})
		if c.Count() != 1 {
			t.Errorf("expected 1 delivery, got %d", c.Count())
		}
	})
}

func TestGlobalDedupeDisabled(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGlobal(t, WithRoleProvider(StaticRole(RoleClient)), WithDedupeTTL(0))
	c := NewCollector()
	_, _ = g.RegisterListener(c, GlobalOnly())

	env := NewEnvelope("gameplay.bosskilled", ScopeGlobal)
	for i := 0; i < 2; i++ {
		g.Receive(ctx, transport.Frame{Kind: transport.KindBroadcast, From: "host", Envelope: env})
	}
	if c.Count() != 2 {
		t.Errorf("expected every redelivery with dedupe disabled, got %d", c.Count())
	}
}

func TestGlobalNoAuthority(t *testing.T) {
	ctx := context.Background()

	t.Run("no transport", func(t *testing.T) {
		g, err := NewGlobalBus("test", WithMetrics(false), WithRoleProvider(StaticRole(RoleClient)))
		if err != nil {
			t.Fatalf("NewGlobalBus failed: %v", err)
		}
		defer g.Close()

		if err := g.Broadcast(ctx, NewEnvelope("x", ScopeGlobal)); !errors.Is(err, ErrNoAuthority) {
			t.Errorf("expected ErrNoAuthority, got %v", err)
		}
	})

	t.Run("not connected", func(t *testing.T) {
		g, rec := newTestGlobal(t, WithRoleProvider(StaticRole(RoleClient)))
		rec.FailWith(transport.ErrNotConnected)

		if err := g.Broadcast(ctx, NewEnvelope("x", ScopeGlobal)); !errors.Is(err, ErrNoAuthority) {
			t.Errorf("expected ErrNoAuthority, got %v", err)
		}
	})
}

func TestGlobalHistoryReplay(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		capacity int
		want     []Tag
	}{
		{"in order", 3, []Tag{"e1", "e2", "e3"}},
		{"wraparound", 2, []Tag{"e2", "e3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, rec := newTestGlobal(t, WithHistory(true, tt.capacity))
			for _, tag := range []Tag{"e1", "e2", "e3"} {
				if err := g.Broadcast(ctx, NewEnvelope(tag, ScopeGlobal)); err != nil {
					t.Fatalf("Broadcast failed: %v", err)
				}
			}

			g.OnPeerConnected(ctx, "late")

			replays := rec.CallsTo("SendToPeer")
			if diff := cmp.Diff(tt.want, callTags(replays)); diff != "" {
				t.Errorf("replay mismatch (-want +got):\n%s", diff)
			}
			for _, r := range replays {
				if r.Peer != "late" {
					t.Errorf("replay sent to %q, want late", r.Peer)
				}
			}

			var methods []string
			for _, c := range rec.Calls() {
				if c.Peer == "late" {
					methods = append(methods, c.Method)
				}
			}
			want := make([]string, 0, len(tt.want)+1)
			for range tt.want {
				want = append(want, "SendToPeer")
			}
			want = append(want, "AdmitPeer")
			if diff := cmp.Diff(want, methods); diff != "" {
				t.Errorf("late joiner must be admitted after its replay (-want +got):\n%s", diff)
			}
		})
	}

	t.Run("disabled", func(t *testing.T) {
		g, rec := newTestGlobal(t, WithHistory(false, 0))
		_ = g.Broadcast(ctx, NewEnvelope("e1", ScopeGlobal))
		g.OnPeerConnected(ctx, "late")
		if len(rec.CallsTo("SendToPeer")) != 0 {
			t.Error("disabled history must not replay")
		}
		if g.History() != nil {
			t.Error("disabled history must report nil")
		}
		if len(rec.CallsTo("AdmitPeer")) != 1 {
			t.Error("without history the peer is admitted at once")
		}
	})

	t.Run("empty", func(t *testing.T) {
		g, rec := newTestGlobal(t)
		g.PeerConnected(ctx, "late")
		if len(rec.CallsTo("SendToPeer")) != 0 {
			t.Error("empty history must not replay")
		}
		if len(rec.CallsTo("AdmitPeer")) != 1 {
			t.Error("empty history must still admit the peer")
		}
	})

	t.Run("client does not replay", func(t *testing.T) {
		g, rec := newTestGlobal(t, WithRoleProvider(StaticRole(RoleClient)))
		g.Receive(ctx, transport.Frame{Kind: transport.KindBroadcast, From: "host", Envelope: NewEnvelope("e1", ScopeGlobal)})
		g.OnPeerConnected(ctx, "late")
		if len(rec.CallsTo("SendToPeer")) != 0 {
			t.Error("only the authority replays")
		}
	})
}

func TestGlobalRequests(t *testing.T) {
	ctx := context.Background()

	t.Run("authority accepts and stamps origin", func(t *testing.T) {
		g, rec := newTestGlobal(t, WithRoleProvider(StaticRole(RoleHost)))
		c := NewCollector()
		_, _ = g.RegisterListener(c, GlobalOnly())

		g.Receive(ctx, transport.Frame{Kind: transport.KindRequest, From: "p2", Envelope: NewEnvelope("x", ScopeGlobal)})

		if c.Count() != 1 {
			t.Fatalf("expected 1 delivery, got %d", c.Count())
		}
		if origin := c.Deliveries()[0].Envelope.Origin(); origin != "p2" {
			t.Errorf("expected origin p2, got %q", origin)
		}
		if len(rec.CallsTo("BroadcastToAllPeers")) != 1 {
			t.Error("accepted request must be transported to all peers")
		}
	})

	t.Run("authority validates requests", func(t *testing.T) {
		g, rec := newTestGlobal(t, WithValidationPolicy(PolicyStrict))
		env := NewEnvelope("x", ScopeGlobal).WithContextID(string(make([]byte, 60)))
		g.Receive(ctx, transport.Frame{Kind: transport.KindRequest, From: "p2", Envelope: env})
		if len(rec.Calls()) != 0 || len(g.History()) != 0 {
			t.Error("invalid request must be rejected")
		}
	})

	t.Run("client drops requests", func(t *testing.T) {
		g, rec := newTestGlobal(t, WithRoleProvider(StaticRole(RoleClient)))
		c := NewCollector()
		_, _ = g.RegisterListener(c, GlobalOnly())
		g.Receive(ctx, transport.Frame{Kind: transport.KindRequest, From: "p2", Envelope: NewEnvelope("x", ScopeGlobal)})
		if c.Count() != 0 || len(rec.Calls()) != 0 {
			t.Error("a non-authority must not act on requests")
		}
	})

	t.Run("rate limit per peer", func(t *testing.T) {
		g, _ := newTestGlobal(t, WithRequestRateLimit(0.001, 1))
		c := NewCollector()
		_, _ = g.RegisterListener(c, GlobalOnly())

		for i := 0; i < 3; i++ {
			g.Receive(ctx, transport.Frame{Kind: transport.KindRequest, From: "spammer", Envelope: NewEnvelope("x", ScopeGlobal)})
		}
		g.Receive(ctx, transport.Frame{Kind: transport.KindRequest, From: "polite", Envelope: NewEnvelope("y", ScopeGlobal)})

		if diff := cmp.Diff([]Tag{"x", "y"}, c.Tags()); diff != "" {
			t.Errorf("deliveries mismatch (-want +got):\n%s", diff)
		}

		// Local broadcasts are not rate limited.
		for i := 0; i < 3; i++ {
			if err := g.Broadcast(ctx, NewEnvelope("z", ScopeGlobal)); err != nil {
				t.Fatalf("local broadcast failed: %v", err)
			}
		}
	})
}

func TestGlobalReentrantBroadcast(t *testing.T) {
	ctx := context.Background()
	g, rec := newTestGlobal(t)

	c := NewCollector()
	chain := NewListener(func(ctx context.Context, env Envelope, _ bool) {
		if env.Tag() == "a" {
			if err := g.Broadcast(ctx, NewEnvelope("b", ScopeGlobal)); err != nil {
				t.Errorf("nested broadcast failed: %v", err)
			}
		}
	})
	_, _ = g.RegisterListener(chain, GlobalOnly())
	_, _ = g.RegisterListener(c, GlobalOnly())

	_ = g.Broadcast(ctx, NewEnvelope("a", ScopeGlobal))

	if diff := cmp.Diff([]Tag{"a", "b"}, c.Tags()); diff != "" {
		t.Errorf("delivery order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]Tag{"a", "b"}, tagsOf(g.History())); diff != "" {
		t.Errorf("history order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]Tag{"a", "b"}, callTags(rec.CallsTo("BroadcastToAllPeers"))); diff != "" {
		t.Errorf("transport order mismatch (-want +got):\n%s", diff)
	}
}

func TestGlobalConfigErrors(t *testing.T) {
	if _, err := NewGlobalBus("test", WithHistory(true, 0)); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
	if _, err := NewGlobalBus("test", WithValidationPolicy(ValidationPolicy(7))); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestGlobalClose(t *testing.T) {
	g, _ := newTestGlobal(t)
	_ = g.Broadcast(context.Background(), NewEnvelope("x", ScopeGlobal))
	g.Close()
	g.Close()

	if err := g.Broadcast(context.Background(), NewEnvelope("x", ScopeGlobal)); !errors.Is(err, ErrBusClosed) {
		t.Errorf("expected ErrBusClosed, got %v", err)
	}
	if len(g.History()) != 0 {
		t.Error("history must be cleared on close")
	}
}
