// Package loopback provides an in-memory peer network.
//
// A Network connects any number of Endpoints inside one process. Each
// Endpoint is a transport.Transport for one global bus, so a host and its
// clients can run side by side, e.g. for split-screen sessions, local
// multiplayer or tests.
//
// Loopback does not provide at-least-once delivery guarantees:
//
//   - Frames are lost on process exit
//   - In async mode, frames are dropped when a peer's inbox is full
//   - Frames sent to a disconnected peer are dropped
//
// In the default synchronous mode a send runs the receiving bus on the
// caller's goroutine, which makes multi-peer scenarios fully deterministic.
//
// An endpoint that connects while the authority's receiver is a
// transport.Gatekeeper only receives broadcasts once the authority admits
// it; until then it receives replay frames alone.
package loopback

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/tagbus/envelope"
	"github.com/rbaliyan/tagbus/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Network is a set of endpoints with at most one authority.
type Network struct {
	mu        sync.RWMutex
	endpoints map[transport.PeerID]*Endpoint
	authority transport.PeerID

	bufferSize uint
	async      bool
	logger     *slog.Logger
	onError    func(error)

	droppedCounter metric.Int64Counter
}

// NewNetwork creates an empty network.
func NewNetwork(opts ...Option) *Network {
	o := newOptions(opts...)

	meter := otel.Meter("tagbus.transport.loopback")
	droppedCounter, _ := meter.Int64Counter("tagbus.transport.dropped",
		metric.WithDescription("Number of frames dropped by the transport"),
		metric.WithUnit("{frame}"),
	)

	return &Network{
		endpoints:      make(map[transport.PeerID]*Endpoint),
		bufferSize:     o.bufferSize,
		async:          o.async,
		logger:         o.logger,
		onError:        o.onError,
		droppedCounter: droppedCounter,
	}
}

// Join adds an endpoint to the network. An empty id generates one.
// Joining with an id that is already present returns the existing endpoint.
// The endpoint is not reachable until Connect is called.
func (n *Network) Join(id transport.PeerID) *Endpoint {
	if id == "" {
		id = transport.NewPeerID()
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if ep, ok := n.endpoints[id]; ok {
		return ep
	}

	ep := &Endpoint{
		id:      id,
		network: n,
		logger:  n.logger.With("peer", string(id)),
		done:    make(chan struct{}),
	}
	if n.async {
		ep.inbox = make(chan inboxItem, n.bufferSize)
		go ep.run()
	}
	n.endpoints[id] = ep

	n.logger.Debug("endpoint joined", "peer", id)
	return ep
}

// SetAuthority designates the authoritative peer. Passing an empty id
// leaves the network without an authority. Connected endpoints still
// awaiting admission from the previous authority are admitted.
func (n *Network) SetAuthority(id transport.PeerID) {
	n.mu.Lock()
	n.authority = id
	for _, ep := range n.endpoints {
		if ep.IsConnected() {
			atomic.StoreInt32(&ep.admitted, 1)
		}
	}
	n.mu.Unlock()
	n.logger.Debug("authority changed", "peer", id)
}

// Authority returns the authoritative peer, or "" if none is set.
func (n *Network) Authority() transport.PeerID {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.authority
}

// Peers returns the connected peers sorted by id.
func (n *Network) Peers() []transport.PeerID {
	n.mu.RLock()
	defer n.mu.RUnlock()

	peers := make([]transport.PeerID, 0, len(n.endpoints))
	for id, ep := range n.endpoints {
		if ep.IsConnected() {
			peers = append(peers, id)
		}
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

func (n *Network) lookup(id transport.PeerID) (*Endpoint, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ep, ok := n.endpoints[id]
	if !ok || !ep.IsConnected() {
		return nil, false
	}
	return ep, true
}

func (n *Network) authorityEndpoint() (*Endpoint, bool) {
	n.mu.RLock()
	id := n.authority
	n.mu.RUnlock()
	if id == "" {
		return nil, false
	}
	return n.lookup(id)
}

// others returns admitted endpoints except self, sorted by id.
func (n *Network) others(self transport.PeerID) []*Endpoint {
	n.mu.RLock()
	defer n.mu.RUnlock()

	out := make([]*Endpoint, 0, len(n.endpoints))
	for id, ep := range n.endpoints {
		if id != self && ep.IsConnected() && ep.isAdmitted() {
			out = append(out, ep)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (n *Network) remove(id transport.PeerID) {
	n.mu.Lock()
	delete(n.endpoints, id)
	n.mu.Unlock()
}

func (n *Network) dropped(ctx context.Context, to transport.PeerID, reason string, err error) {
	n.logger.Debug("frame dropped", "peer", to, "reason", reason)
	if n.droppedCounter != nil {
		n.droppedCounter.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("transport", "loopback"),
				attribute.String("reason", reason),
			))
	}
	n.onError(err)
}

type itemKind int

const (
	itemFrame itemKind = iota
	itemConnected
	itemDisconnected
)

type inboxItem struct {
	kind  itemKind
	frame transport.Frame
	peer  transport.PeerID
}

// Endpoint is one peer's attachment to a Network.
type Endpoint struct {
	id      transport.PeerID
	network *Network
	logger  *slog.Logger

	rmu      sync.RWMutex
	receiver transport.Receiver

	connected int32
	admitted  int32
	closed    int32

	inbox     chan inboxItem
	done      chan struct{}
	closeOnce sync.Once
}

// ID returns the endpoint's peer id.
func (e *Endpoint) ID() transport.PeerID {
	return e.id
}

// Bind sets the receiver for inbound frames.
func (e *Endpoint) Bind(r transport.Receiver) {
	e.rmu.Lock()
	e.receiver = r
	e.rmu.Unlock()
}

// IsConnected reports whether the endpoint is reachable.
func (e *Endpoint) IsConnected() bool {
	return atomic.LoadInt32(&e.connected) == 1
}

func (e *Endpoint) isAdmitted() bool {
	return atomic.LoadInt32(&e.admitted) == 1
}

func (e *Endpoint) receiverOf() transport.Receiver {
	e.rmu.RLock()
	defer e.rmu.RUnlock()
	return e.receiver
}

func (e *Endpoint) isClosed() bool {
	return atomic.LoadInt32(&e.closed) == 1
}

// Connect makes the endpoint reachable and notifies the authority, which
// may replay its history to this endpoint.
func (e *Endpoint) Connect(ctx context.Context) error {
	if e.isClosed() {
		return transport.ErrTransportClosed
	}
	if !atomic.CompareAndSwapInt32(&e.connected, 0, 1) {
		return nil
	}

	e.logger.Debug("connected")
	auth, ok := e.network.authorityEndpoint()
	if !ok || auth == e {
		atomic.StoreInt32(&e.admitted, 1)
		return nil
	}
	gated := transport.Gatekeeps(auth.receiverOf())
	if !auth.deliver(ctx, inboxItem{kind: itemConnected, peer: e.id}) || !gated {
		atomic.StoreInt32(&e.admitted, 1)
	}
	return nil
}

// AdmitPeer lets a connected endpoint receive broadcasts. Only the
// authority may admit.
func (e *Endpoint) AdmitPeer(ctx context.Context, peer transport.PeerID) error {
	if err := e.checkAuthority(); err != nil {
		return err
	}
	target, ok := e.network.lookup(peer)
	if !ok {
		return fmt.Errorf("%w: %s", transport.ErrUnknownPeer, peer)
	}
	atomic.StoreInt32(&target.admitted, 1)
	e.logger.Debug("peer admitted", "admitted", peer)
	return nil
}

// Disconnect makes the endpoint unreachable and notifies the authority.
func (e *Endpoint) Disconnect(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&e.connected, 1, 0) {
		return
	}
	atomic.StoreInt32(&e.admitted, 0)

	e.logger.Debug("disconnected")
	if auth, ok := e.network.authorityEndpoint(); ok && auth != e {
		auth.deliver(ctx, inboxItem{kind: itemDisconnected, peer: e.id})
	}
}

// SendToAuthority forwards env to the authoritative endpoint.
func (e *Endpoint) SendToAuthority(ctx context.Context, env envelope.Envelope) error {
	if e.isClosed() {
		return transport.ErrTransportClosed
	}
	if !e.IsConnected() {
		return transport.ErrNotConnected
	}

	auth, ok := e.network.authorityEndpoint()
	if !ok {
		return transport.ErrNotConnected
	}

	auth.deliver(ctx, inboxItem{
		kind:  itemFrame,
		frame: transport.Frame{Kind: transport.KindRequest, From: e.id, Envelope: env},
	})
	return nil
}

// BroadcastToAllPeers sends env to every admitted endpoint except e.
// Only the authority may broadcast.
func (e *Endpoint) BroadcastToAllPeers(ctx context.Context, env envelope.Envelope) error {
	if err := e.checkAuthority(); err != nil {
		return err
	}

	frame := transport.Frame{Kind: transport.KindBroadcast, From: e.id, Envelope: env}
	for _, peer := range e.network.others(e.id) {
		peer.deliver(ctx, inboxItem{kind: itemFrame, frame: frame})
	}
	return nil
}

// SendToPeer sends a replay frame to a single endpoint.
func (e *Endpoint) SendToPeer(ctx context.Context, peer transport.PeerID, env envelope.Envelope) error {
	if err := e.checkAuthority(); err != nil {
		return err
	}

	target, ok := e.network.lookup(peer)
	if !ok {
		return fmt.Errorf("%w: %s", transport.ErrUnknownPeer, peer)
	}

	target.deliver(ctx, inboxItem{
		kind:  itemFrame,
		frame: transport.Frame{Kind: transport.KindReplay, From: e.id, Envelope: env},
	})
	return nil
}

func (e *Endpoint) checkAuthority() error {
	if e.isClosed() {
		return transport.ErrTransportClosed
	}
	if !e.IsConnected() {
		return transport.ErrNotConnected
	}
	if e.network.Authority() != e.id {
		return transport.ErrNotAuthority
	}
	return nil
}

// deliver reports whether item was handed to the endpoint.
func (e *Endpoint) deliver(ctx context.Context, item inboxItem) bool {
	if e.inbox == nil {
		return e.handle(ctx, item)
	}

	select {
	case <-e.done:
		e.network.dropped(ctx, e.id, "closed", transport.ErrTransportClosed)
		return false
	case e.inbox <- item:
		return true
	default:
		e.network.dropped(ctx, e.id, "inbox_full",
			fmt.Errorf("loopback: inbox of %s full", e.id))
		return false
	}
}

func (e *Endpoint) handle(ctx context.Context, item inboxItem) bool {
	r := e.receiverOf()
	if r == nil {
		e.network.dropped(ctx, e.id, "no_receiver", transport.ErrNoReceiver)
		return false
	}

	switch item.kind {
	case itemFrame:
		r.Receive(ctx, item.frame)
	case itemConnected:
		r.PeerConnected(ctx, item.peer)
	case itemDisconnected:
		r.PeerDisconnected(ctx, item.peer)
	}
	return true
}

// run drains the inbox in order until the endpoint is closed.
func (e *Endpoint) run() {
	ctx := context.Background()
	for {
		select {
		case <-e.done:
			return
		case item := <-e.inbox:
			e.handle(ctx, item)
		}
	}
}

// Close disconnects the endpoint and removes it from the network.
func (e *Endpoint) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&e.closed, 0, 1) {
		return nil
	}
	e.Disconnect(ctx)
	e.network.remove(e.id)
	e.closeOnce.Do(func() { close(e.done) })

	e.logger.Debug("endpoint closed")
	return nil
}

// Health performs a health check on the endpoint
func (e *Endpoint) Health(ctx context.Context) *transport.HealthCheckResult {
	start := time.Now()

	result := &transport.HealthCheckResult{
		CheckedAt: start,
		Details:   make(map[string]any),
	}
	result.Details["type"] = "loopback"
	result.Details["peer"] = string(e.id)

	switch {
	case e.isClosed():
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "endpoint is closed"
	case !e.IsConnected():
		result.Status = transport.HealthStatusDegraded
		result.Message = "endpoint is not connected"
	default:
		result.Status = transport.HealthStatusHealthy
		result.Message = "loopback endpoint is healthy"
	}

	result.Details["peers"] = len(e.network.Peers())
	result.Details["authority"] = string(e.network.Authority())
	if e.inbox != nil {
		result.Details["inbox"] = len(e.inbox)
	}
	result.Latency = time.Since(start)
	return result
}

// Compile-time interface checks
var _ transport.Transport = (*Endpoint)(nil)
var _ transport.Binder = (*Endpoint)(nil)
var _ transport.HealthChecker = (*Endpoint)(nil)
var _ transport.Admitter = (*Endpoint)(nil)
