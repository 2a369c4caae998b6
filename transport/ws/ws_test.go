package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rbaliyan/tagbus"
	"github.com/rbaliyan/tagbus/envelope"
	"github.com/rbaliyan/tagbus/transport"
	"github.com/rbaliyan/tagbus/transport/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type recorder struct {
	mu     sync.Mutex
	frames []transport.Frame
}

func (r *recorder) Receive(ctx context.Context, f transport.Frame) {
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.mu.Unlock()
}

func (r *recorder) PeerConnected(ctx context.Context, peer transport.PeerID)    {}
func (r *recorder) PeerDisconnected(ctx context.Context, peer transport.PeerID) {}

func (r *recorder) snapshot() []transport.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transport.Frame(nil), r.frames...)
}

func startHub(t *testing.T, opts ...Option) (*Hub, string) {
	t.Helper()
	hub := NewHub(append([]Option{WithPeerID("host")}, opts...)...)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		_ = hub.Close(context.Background())
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	hub, url := startHub(t, WithCodec(codec.MsgPack{}))

	host := tagbus.TestBus(tagbus.WithTransport(hub), tagbus.WithRoleProvider(tagbus.StaticRole(tagbus.RoleHost)))
	t.Cleanup(func() { _ = host.Close(ctx) })
	hc := tagbus.NewCollector()
	_, err := host.Subscribe(ctx, hc, tagbus.GlobalOnly())
	require.NoError(t, err)

	join := func(id transport.PeerID) (*tagbus.Bus, *tagbus.Collector) {
		client := NewClient(url, WithPeerID(id), WithCodec(codec.MsgPack{}))
		bus := tagbus.TestBus(tagbus.WithTransport(client), tagbus.WithRoleProvider(tagbus.StaticRole(tagbus.RoleClient)))
		t.Cleanup(func() { _ = bus.Close(ctx) })
		c := tagbus.NewCollector()
		_, err := bus.Subscribe(ctx, c, tagbus.GlobalOnly())
		require.NoError(t, err)
		require.NoError(t, client.Connect(ctx))
		assert.Eventually(t, func() bool { return hub.connected(id) }, waitFor, tick)
		return bus, c
	}

	p1, c1 := join("p1")

	require.NoError(t, p1.PublishGlobal(ctx, tagbus.NewEnvelope("gameplay.bosskilled", tagbus.ScopeGlobal)))
	assert.Eventually(t, func() bool { return hc.Count() == 1 && c1.Count() == 1 }, waitFor, tick)
	assert.Equal(t, "p1", hc.Deliveries()[0].Envelope.Origin())

	require.NoError(t, host.PublishGlobal(ctx, tagbus.NewEnvelope("gameplay.levelup", tagbus.ScopeGlobal)))
	assert.Eventually(t, func() bool { return c1.Count() == 2 }, waitFor, tick)

	want := []tagbus.Tag{"gameplay.bosskilled", "gameplay.levelup"}
	assert.Equal(t, want, hc.Tags())
	assert.Equal(t, want, c1.Tags())

	// A late joiner receives the history in order.
	_, c2 := join("p2")
	assert.Eventually(t, func() bool { return c2.Count() == 2 }, waitFor, tick)
	assert.Equal(t, want, c2.Tags())

	assert.Equal(t, []transport.PeerID{"p1", "p2"}, hub.Peers())
}

func TestLateJoinerSeesReplayBeforeLiveTraffic(t *testing.T) {
	ctx := context.Background()
	hub, url := startHub(t, WithSendBuffer(1024))

	const total = 300
	host := tagbus.TestBus(tagbus.WithTransport(hub),
		tagbus.WithRoleProvider(tagbus.StaticRole(tagbus.RoleHost)),
		tagbus.WithHistory(true, total))
	t.Cleanup(func() { _ = host.Close(ctx) })

	want := make([]tagbus.Tag, total)
	for i := range want {
		want[i] = tagbus.Tag(fmt.Sprintf("tick.%03d", i))
	}

	half := make(chan struct{})
	published := make(chan struct{})
	go func() {
		defer close(published)
		for i, tag := range want {
			if i == total/2 {
				close(half)
			}
			_ = host.PublishGlobal(ctx, tagbus.NewEnvelope(tag, tagbus.ScopeGlobal))
		}
	}()

	<-half
	client := NewClient(url, WithPeerID("late"), WithSendBuffer(1024))
	bus := tagbus.TestBus(tagbus.WithTransport(client), tagbus.WithRoleProvider(tagbus.StaticRole(tagbus.RoleClient)))
	t.Cleanup(func() { _ = bus.Close(ctx) })
	c := tagbus.NewCollector()
	_, err := bus.Subscribe(ctx, c, tagbus.GlobalOnly())
	require.NoError(t, err)
	require.NoError(t, client.Connect(ctx))

	<-published
	assert.Eventually(t, func() bool { return c.Count() == total }, waitFor, tick)
	assert.Equal(t, want, c.Tags())
}

func TestHubAdmission(t *testing.T) {
	ctx := context.Background()
	hub, url := startHub(t)
	hub.Bind(&gatekeeper{})

	rec := &recorder{}
	client := NewClient(url, WithPeerID("p1"))
	client.Bind(rec)
	require.NoError(t, client.Connect(ctx))
	t.Cleanup(func() { _ = client.Close(ctx) })
	assert.Eventually(t, func() bool { return hub.connected("p1") }, waitFor, tick)

	require.NoError(t, hub.BroadcastToAllPeers(ctx, envelope.New("live.early", envelope.ScopeGlobal)))
	require.NoError(t, hub.SendToPeer(ctx, "p1", envelope.New("history.one", envelope.ScopeGlobal)))
	require.NoError(t, hub.AdmitPeer(ctx, "p1"))
	require.NoError(t, hub.BroadcastToAllPeers(ctx, envelope.New("live.after", envelope.ScopeGlobal)))

	assert.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, waitFor, tick)
	frames := rec.snapshot()
	require.Len(t, frames, 2)
	assert.Equal(t, transport.KindReplay, frames[0].Kind)
	assert.Equal(t, envelope.Tag("history.one"), frames[0].Envelope.Tag())
	assert.Equal(t, transport.KindBroadcast, frames[1].Kind)
	assert.Equal(t, envelope.Tag("live.after"), frames[1].Envelope.Tag())

	assert.ErrorIs(t, hub.AdmitPeer(ctx, "ghost"), transport.ErrUnknownPeer)
}

type gatekeeper struct{ recorder }

func (g *gatekeeper) AdmitsPeers() bool { return true }

func TestDuplicatePeerRejected(t *testing.T) {
	ctx := context.Background()
	hub, url := startHub(t)
	hub.Bind(&recorder{})

	first := NewClient(url, WithPeerID("dup"))
	require.NoError(t, first.Connect(ctx))
	t.Cleanup(func() { _ = first.Close(ctx) })
	assert.Eventually(t, func() bool { return hub.connected("dup") }, waitFor, tick)

	second := NewClient(url, WithPeerID("dup"))
	err := second.Connect(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
	assert.False(t, second.IsConnected())

	third := NewClient(url, WithPeerID("host"))
	assert.Error(t, third.Connect(ctx))
}

func TestClientLifecycle(t *testing.T) {
	ctx := context.Background()
	_, url := startHub(t)

	c := NewClient(url, WithPeerID("p1"))
	env := envelope.New("ui.click", envelope.ScopeGlobal)

	assert.ErrorIs(t, c.SendToAuthority(ctx, env), transport.ErrNotConnected)
	assert.ErrorIs(t, c.BroadcastToAllPeers(ctx, env), transport.ErrNotAuthority)
	assert.ErrorIs(t, c.SendToPeer(ctx, "p2", env), transport.ErrNotAuthority)
	assert.Equal(t, transport.HealthStatusDegraded, c.Health(ctx).Status)

	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Connect(ctx))
	assert.True(t, c.Health(ctx).IsHealthy())

	require.NoError(t, c.Close(ctx))
	require.NoError(t, c.Close(ctx))
	assert.ErrorIs(t, c.SendToAuthority(ctx, env), transport.ErrTransportClosed)
	assert.ErrorIs(t, c.Connect(ctx), transport.ErrTransportClosed)
	assert.Equal(t, transport.HealthStatusUnhealthy, c.Health(ctx).Status)
}

func TestHubStampsSenderAndRejectsForeignKinds(t *testing.T) {
	ctx := context.Background()

	var mu sync.Mutex
	var errs []error
	hub, url := startHub(t, WithErrorHandler(func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}))
	rec := &recorder{}
	hub.Bind(rec)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?peer=p1", nil)
	require.NoError(t, err)
	defer conn.Close()

	send := func(kind transport.Kind, from transport.PeerID) {
		data, err := codec.JSON{}.Encode(transport.Frame{
			Kind:     kind,
			From:     from,
			Envelope: envelope.New("ui.click", envelope.ScopeGlobal),
		})
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
	}

	send(transport.KindBroadcast, "p1")
	send(transport.KindRequest, "someone-else")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("garbage")))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(rec.snapshot()) == 1 && len(errs) == 2
	}, waitFor, tick)

	frames := rec.snapshot()
	assert.Equal(t, transport.KindRequest, frames[0].Kind)
	assert.Equal(t, transport.PeerID("p1"), frames[0].From)

	mu.Lock()
	assert.True(t, errors.Is(errs[1], codec.ErrDecodeFailure))
	mu.Unlock()

	assert.ErrorIs(t, hub.SendToPeer(ctx, "nobody", envelope.New("x", envelope.ScopeGlobal)), transport.ErrUnknownPeer)
}

func TestHubClose(t *testing.T) {
	ctx := context.Background()
	hub, url := startHub(t)
	hub.Bind(&recorder{})

	c := NewClient(url, WithPeerID("p1"))
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { _ = c.Close(ctx) })
	assert.Eventually(t, func() bool { return hub.connected("p1") }, waitFor, tick)

	require.NoError(t, hub.Close(ctx))
	require.NoError(t, hub.Close(ctx))
	assert.Empty(t, hub.Peers())
	assert.Eventually(t, func() bool { return !c.IsConnected() }, waitFor, tick)

	rr := httptest.NewRecorder()
	hub.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	env := envelope.New("x", envelope.ScopeGlobal)
	assert.ErrorIs(t, hub.BroadcastToAllPeers(ctx, env), transport.ErrTransportClosed)
	assert.Equal(t, transport.HealthStatusUnhealthy, hub.Health(ctx).Status)
}

func TestLocalOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:3000", true},
		{"https://127.0.0.1", true},
		{"https://evil.example", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, localOrigin(r), tt.origin)
	}
}
