// Package pubsub implements the peer transport on top of a subject based
// message broker.
//
// Every peer subscribes to a small set of subjects under a shared prefix:
//
//	<prefix>.authority       requests forwarded to the authority
//	<prefix>.broadcast       authoritative broadcasts, received by everyone
//	<prefix>.peer.<id>       history replay addressed to one peer
//	<prefix>.presence.join   peer announcements
//	<prefix>.presence.leave  peer departures
//
// The broker itself is abstracted by Broker; the nats and redis packages
// provide adapters. Brokers such as NATS core and Redis pub/sub deliver at
// most once, so frames published while a peer is offline are lost. Replay
// of recent history to late joiners is handled by the global bus.
//
// Broadcasts carry a sequence number per authority. A joining peer holds
// broadcasts back until the authority sends it an admit frame on its peer
// subject, after its replay. Held broadcasts the replay already covered
// are dropped; the rest are delivered in order.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/tagbus/envelope"
	"github.com/rbaliyan/tagbus/internal/serial"
	"github.com/rbaliyan/tagbus/transport"
	"github.com/rbaliyan/tagbus/transport/codec"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Errors
var (
	ErrBrokerRequired = errors.New("broker is required")
	ErrFrameMismatch  = errors.New("frame kind does not match subject")
)

// MaxHeldFrames bounds the broadcasts a peer holds while awaiting admission
const MaxHeldFrames = 1024

const (
	statusNew int32 = iota
	statusRunning
	statusClosed
)

// Broker is the minimal publish/subscribe surface the transport needs.
type Broker interface {
	// Publish sends data on subject. Delivery is best effort.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers handler for every message on subject. Handlers
	// for one subject are called in publish order.
	Subscribe(ctx context.Context, subject string, handler func(data []byte)) (Subscription, error)
}

// Subscription is an active broker subscription.
type Subscription interface {
	Unsubscribe() error
}

// Subjects names the broker subjects for a prefix.
type Subjects struct {
	prefix string
}

// NewSubjects returns the subject set for prefix.
func NewSubjects(prefix string) Subjects {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Subjects{prefix: prefix}
}

// Authority is the subject of forwarded requests.
func (s Subjects) Authority() string { return s.prefix + ".authority" }

// Broadcast is the subject of authoritative broadcasts.
func (s Subjects) Broadcast() string { return s.prefix + ".broadcast" }

// Peer is the subject addressed to a single peer.
func (s Subjects) Peer(id transport.PeerID) string { return s.prefix + ".peer." + string(id) }

// Join is the subject of peer announcements.
func (s Subjects) Join() string { return s.prefix + ".presence.join" }

// Leave is the subject of peer departures.
func (s Subjects) Leave() string { return s.prefix + ".presence.leave" }

// Transport implements transport.Transport over a Broker.
type Transport struct {
	status   int32
	kind     string
	broker   Broker
	self     transport.PeerID
	subjects Subjects
	codec    codec.Codec
	logger   *slog.Logger
	onError  func(error)

	amu       sync.RWMutex
	authority transport.PeerID

	rmu      sync.RWMutex
	receiver transport.Receiver

	pmu   sync.Mutex
	peers map[transport.PeerID]struct{}

	smu  sync.Mutex
	subs []Subscription

	// seq numbers our broadcasts while we are the authority
	seq uint64

	// inbox serializes inbound broadcast, replay and admit frames; the
	// admission state below is only touched from inside it
	inbox     serial.Queue
	admitted  bool
	admitFrom transport.PeerID
	admitSeq  uint64
	held      []transport.Frame

	droppedCounter metric.Int64Counter
}

// New creates a transport named kind (e.g. "nats") over broker.
// Start must be called before frames flow.
func New(kind string, broker Broker, opts ...Option) (*Transport, error) {
	if broker == nil {
		return nil, ErrBrokerRequired
	}

	o := newOptions(opts...)
	logger := o.logger
	if logger == nil {
		logger = transport.Logger("transport>" + kind)
	}

	meter := otel.Meter("tagbus.transport." + kind)
	droppedCounter, _ := meter.Int64Counter("tagbus.transport.dropped",
		metric.WithDescription("Number of frames dropped by the transport"),
		metric.WithUnit("{frame}"),
	)

	return &Transport{
		kind:           kind,
		broker:         broker,
		self:           o.peerID,
		subjects:       NewSubjects(o.prefix),
		codec:          o.codec,
		logger:         logger.With("peer", string(o.peerID)),
		onError:        o.onError,
		authority:      o.authority,
		peers:          make(map[transport.PeerID]struct{}),
		droppedCounter: droppedCounter,
	}, nil
}

// ID returns this peer's id.
func (t *Transport) ID() transport.PeerID {
	return t.self
}

// Subjects returns the subject set in use.
func (t *Transport) Subjects() Subjects {
	return t.subjects
}

// Bind sets the receiver for inbound frames.
func (t *Transport) Bind(r transport.Receiver) {
	t.rmu.Lock()
	t.receiver = r
	t.rmu.Unlock()
}

// SetAuthority designates the authoritative peer. A peer that takes over
// the authority admits every peer it knows, since their joins were
// answered by the previous authority.
func (t *Transport) SetAuthority(id transport.PeerID) {
	t.amu.Lock()
	prev := t.authority
	t.authority = id
	t.amu.Unlock()
	t.logger.Debug("authority changed", "authority", id)

	if id != t.self || prev == t.self || t.checkRunning() != nil {
		return
	}
	ctx := context.Background()
	for _, peer := range t.Peers() {
		if err := t.AdmitPeer(ctx, peer); err != nil {
			t.logger.Debug("admit peer failed", "remote", peer, "error", err)
		}
	}
}

// Authority returns the authoritative peer, or "" if none is set.
func (t *Transport) Authority() transport.PeerID {
	t.amu.RLock()
	defer t.amu.RUnlock()
	return t.authority
}

func (t *Transport) isAuthority() bool {
	return t.Authority() == t.self
}

// Peers returns the peers announced on the broker, sorted by id.
func (t *Transport) Peers() []transport.PeerID {
	t.pmu.Lock()
	defer t.pmu.Unlock()

	out := make([]transport.PeerID, 0, len(t.peers))
	for id := range t.peers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Start subscribes to the transport subjects and announces this peer.
func (t *Transport) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, statusNew, statusRunning) {
		if atomic.LoadInt32(&t.status) == statusClosed {
			return transport.ErrTransportClosed
		}
		return nil
	}

	handlers := map[string]func([]byte){
		t.subjects.Authority():  t.onRequest,
		t.subjects.Broadcast():  t.frameHandler(transport.KindBroadcast),
		t.subjects.Peer(t.self): t.onDirect,
		t.subjects.Join():       t.onJoin,
		t.subjects.Leave():      t.onLeave,
	}

	for subject, h := range handlers {
		sub, err := t.broker.Subscribe(ctx, subject, h)
		if err != nil {
			t.unsubscribeAll()
			atomic.StoreInt32(&t.status, statusNew)
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		t.smu.Lock()
		t.subs = append(t.subs, sub)
		t.smu.Unlock()
	}

	if err := t.broker.Publish(ctx, t.subjects.Join(), []byte(t.self)); err != nil {
		t.onError(err)
		return err
	}

	t.logger.Debug("transport started", "prefix", t.subjects.prefix)
	return nil
}

func (t *Transport) checkRunning() error {
	switch atomic.LoadInt32(&t.status) {
	case statusRunning:
		return nil
	case statusClosed:
		return transport.ErrTransportClosed
	default:
		return transport.ErrNotConnected
	}
}

func (t *Transport) publish(ctx context.Context, subject string, f transport.Frame) error {
	data, err := t.codec.Encode(f)
	if err != nil {
		return err
	}
	if err := t.broker.Publish(ctx, subject, data); err != nil {
		t.onError(err)
		return err
	}
	t.logger.Debug("frame published", "subject", subject, "kind", f.Kind, "tag", f.Envelope.Tag())
	return nil
}

// SendToAuthority forwards env to the authoritative peer.
func (t *Transport) SendToAuthority(ctx context.Context, env envelope.Envelope) error {
	if err := t.checkRunning(); err != nil {
		return err
	}
	if t.Authority() == "" {
		return transport.ErrNotConnected
	}
	return t.publish(ctx, t.subjects.Authority(),
		transport.Frame{Kind: transport.KindRequest, From: t.self, Envelope: env})
}

// BroadcastToAllPeers publishes env on the broadcast subject.
// Only the authority may broadcast.
func (t *Transport) BroadcastToAllPeers(ctx context.Context, env envelope.Envelope) error {
	if err := t.checkRunning(); err != nil {
		return err
	}
	if !t.isAuthority() {
		return transport.ErrNotAuthority
	}
	return t.publish(ctx, t.subjects.Broadcast(), transport.Frame{
		Kind:     transport.KindBroadcast,
		From:     t.self,
		Seq:      atomic.AddUint64(&t.seq, 1),
		Envelope: env,
	})
}

// SendToPeer publishes a replay frame on the peer's own subject.
func (t *Transport) SendToPeer(ctx context.Context, peer transport.PeerID, env envelope.Envelope) error {
	if err := t.checkRunning(); err != nil {
		return err
	}
	if !t.isAuthority() {
		return transport.ErrNotAuthority
	}
	if !t.knows(peer) {
		return fmt.Errorf("%w: %s", transport.ErrUnknownPeer, peer)
	}
	return t.publish(ctx, t.subjects.Peer(peer),
		transport.Frame{Kind: transport.KindReplay, From: t.self, Envelope: env})
}

// AdmitPeer tells peer its replay is complete, so it starts delivering
// broadcasts newer than the last one published. Only the authority admits.
func (t *Transport) AdmitPeer(ctx context.Context, peer transport.PeerID) error {
	if err := t.checkRunning(); err != nil {
		return err
	}
	if !t.isAuthority() {
		return transport.ErrNotAuthority
	}
	if !t.knows(peer) {
		return fmt.Errorf("%w: %s", transport.ErrUnknownPeer, peer)
	}
	return t.publish(ctx, t.subjects.Peer(peer), transport.Frame{
		Kind: transport.KindAdmit,
		From: t.self,
		Seq:  atomic.LoadUint64(&t.seq),
	})
}

func (t *Transport) knows(peer transport.PeerID) bool {
	t.pmu.Lock()
	defer t.pmu.Unlock()
	_, ok := t.peers[peer]
	return ok
}

func (t *Transport) currentReceiver() transport.Receiver {
	t.rmu.RLock()
	defer t.rmu.RUnlock()
	return t.receiver
}

func (t *Transport) decode(data []byte, want transport.Kind) (transport.Frame, bool) {
	f, err := t.codec.Decode(data)
	if err != nil {
		t.dropped("decode", err)
		return transport.Frame{}, false
	}
	if f.Kind != want {
		t.dropped("kind_mismatch", fmt.Errorf("%w: got %s, want %s", ErrFrameMismatch, f.Kind, want))
		return transport.Frame{}, false
	}
	return f, true
}

func (t *Transport) deliver(f transport.Frame) {
	r := t.currentReceiver()
	if r == nil {
		t.dropped("no_receiver", transport.ErrNoReceiver)
		return
	}
	r.Receive(context.Background(), f)
}

func (t *Transport) onRequest(data []byte) {
	if !t.isAuthority() {
		return
	}
	f, ok := t.decode(data, transport.KindRequest)
	if !ok {
		return
	}
	t.deliver(f)
}

func (t *Transport) frameHandler(kind transport.Kind) func([]byte) {
	return func(data []byte) {
		f, ok := t.decode(data, kind)
		if !ok || f.From == t.self {
			return
		}
		t.inbox.Do(func() { t.onBroadcast(f) })
	}
}

// onBroadcast runs in the inbox.
func (t *Transport) onBroadcast(f transport.Frame) {
	switch {
	case t.isAuthority() || t.admitted:
		if t.covered(f) {
			return
		}
		t.deliver(f)
	case len(t.held) >= MaxHeldFrames:
		t.dropped("held_full", fmt.Errorf("pubsub: %d broadcasts held awaiting admission", len(t.held)))
	default:
		t.held = append(t.held, f)
	}
}

// covered reports whether f was part of the replay this peer was admitted with.
func (t *Transport) covered(f transport.Frame) bool {
	return f.Seq != 0 && f.From == t.admitFrom && f.Seq <= t.admitSeq
}

// onDirect handles frames addressed to this peer: replays and admission.
func (t *Transport) onDirect(data []byte) {
	f, err := t.codec.Decode(data)
	if err != nil {
		t.dropped("decode", err)
		return
	}
	switch f.Kind {
	case transport.KindReplay:
		t.inbox.Do(func() { t.deliver(f) })
	case transport.KindAdmit:
		t.inbox.Do(func() { t.admit(f) })
	default:
		t.dropped("kind_mismatch", fmt.Errorf("%w: got %s on peer subject", ErrFrameMismatch, f.Kind))
	}
}

// admit runs in the inbox and releases the held broadcasts the replay did
// not cover.
func (t *Transport) admit(f transport.Frame) {
	t.admitted = true
	t.admitFrom = f.From
	t.admitSeq = f.Seq

	held := t.held
	t.held = nil
	released := 0
	for _, h := range held {
		if t.covered(h) {
			continue
		}
		t.deliver(h)
		released++
	}
	t.logger.Debug("admitted", "authority", f.From, "seq", f.Seq, "held", len(held), "released", released)
}

// onJoin records a peer. A newcomer is answered with our own announcement
// so every peer learns the full membership, which an heir needs after a
// host migration.
func (t *Transport) onJoin(data []byte) {
	peer := transport.PeerID(strings.TrimSpace(string(data)))
	if peer == "" || peer == t.self {
		return
	}

	t.pmu.Lock()
	_, known := t.peers[peer]
	t.peers[peer] = struct{}{}
	t.pmu.Unlock()

	if known {
		return
	}
	t.logger.Debug("peer joined", "remote", peer)

	ctx := context.Background()
	if atomic.LoadInt32(&t.status) == statusRunning {
		if err := t.broker.Publish(ctx, t.subjects.Join(), []byte(t.self)); err != nil {
			t.onError(err)
		}
	}
	if t.isAuthority() {
		r := t.currentReceiver()
		if r != nil {
			r.PeerConnected(ctx, peer)
		}
		if !transport.Gatekeeps(r) {
			if err := t.AdmitPeer(ctx, peer); err != nil {
				t.logger.Debug("admit peer failed", "remote", peer, "error", err)
			}
		}
	}
}

func (t *Transport) onLeave(data []byte) {
	peer := transport.PeerID(strings.TrimSpace(string(data)))
	if peer == "" || peer == t.self {
		return
	}

	t.pmu.Lock()
	_, known := t.peers[peer]
	delete(t.peers, peer)
	t.pmu.Unlock()

	if !known {
		return
	}
	t.logger.Debug("peer left", "remote", peer)

	if t.isAuthority() {
		if r := t.currentReceiver(); r != nil {
			r.PeerDisconnected(context.Background(), peer)
		}
	}
}

func (t *Transport) dropped(reason string, err error) {
	t.logger.Debug("frame dropped", "reason", reason, "error", err)
	if t.droppedCounter != nil {
		t.droppedCounter.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("transport", t.kind),
				attribute.String("reason", reason),
			))
	}
	t.onError(err)
}

func (t *Transport) unsubscribeAll() {
	t.smu.Lock()
	subs := t.subs
	t.subs = nil
	t.smu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			t.logger.Debug("unsubscribe failed", "error", err)
		}
	}
}

// Close announces departure and drops all subscriptions.
// The broker connection itself is owned by the caller.
func (t *Transport) Close(ctx context.Context) error {
	prev := atomic.SwapInt32(&t.status, statusClosed)
	if prev == statusClosed {
		return nil
	}

	if prev == statusRunning {
		if err := t.broker.Publish(ctx, t.subjects.Leave(), []byte(t.self)); err != nil {
			t.logger.Debug("leave announcement failed", "error", err)
		}
	}
	t.unsubscribeAll()

	t.logger.Debug("transport closed")
	return nil
}

// Health performs a health check on the transport. Brokers that implement
// transport.HealthChecker contribute their own status.
func (t *Transport) Health(ctx context.Context) *transport.HealthCheckResult {
	start := time.Now()

	result := &transport.HealthCheckResult{
		CheckedAt: start,
		Details:   make(map[string]any),
	}
	result.Details["type"] = t.kind
	result.Details["peer"] = string(t.self)
	result.Details["authority"] = string(t.Authority())
	result.Details["peers"] = len(t.Peers())

	switch atomic.LoadInt32(&t.status) {
	case statusClosed:
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "transport is closed"
	case statusNew:
		result.Status = transport.HealthStatusDegraded
		result.Message = "transport not started"
	default:
		result.Status = transport.HealthStatusHealthy
		result.Message = t.kind + " transport is healthy"
		if hc, ok := t.broker.(transport.HealthChecker); ok {
			if br := hc.Health(ctx); br != nil && !br.IsHealthy() {
				result.Status = br.Status
				result.Message = br.Message
				for k, v := range br.Details {
					result.Details[k] = v
				}
			}
		}
	}

	result.Latency = time.Since(start)
	return result
}

// Compile-time checks
var (
	_ transport.Transport     = (*Transport)(nil)
	_ transport.Binder        = (*Transport)(nil)
	_ transport.HealthChecker = (*Transport)(nil)
	_ transport.Admitter      = (*Transport)(nil)
)
