// Package ws provides a WebSocket peer transport.
//
// The authoritative peer runs a Hub, an http.Handler that accepts client
// connections. Every other peer runs a Client connected to the hub. Clients
// only send requests; the hub fans accepted broadcasts out and replays
// history to clients as they connect.
//
//	hub := ws.NewHub(ws.WithPeerID("host"))
//	host, _ := tagbus.New("game", tagbus.WithTransport(hub),
//	    tagbus.WithRoleProvider(tagbus.StaticRole(tagbus.RoleHost)))
//	http.Handle("/tagbus", hub)
//
//	client := ws.NewClient("ws://host:8080/tagbus", ws.WithPeerID("p2"))
//	peer, _ := tagbus.New("game", tagbus.WithTransport(client),
//	    tagbus.WithRoleProvider(tagbus.StaticRole(tagbus.RoleClient)))
//	_ = client.Connect(ctx)
//
// A client that connects to a hub bound to a transport.Gatekeeper receives
// its replay first and broadcasts only once admitted. A slow client whose
// outbound queue fills up loses frames rather than stalling the hub.
package ws

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rbaliyan/tagbus/envelope"
	"github.com/rbaliyan/tagbus/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Hub is the authority side of the WebSocket transport.
type Hub struct {
	status   int32
	self     transport.PeerID
	opts     *options
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu    sync.RWMutex
	peers map[transport.PeerID]*peerConn

	rmu      sync.RWMutex
	receiver transport.Receiver

	wg sync.WaitGroup

	droppedCounter metric.Int64Counter
}

// NewHub creates a hub. Mount it on an http.ServeMux or pass it to
// http.Server directly.
func NewHub(opts ...Option) *Hub {
	o := newOptions(opts...)

	meter := otel.Meter("tagbus.transport.ws")
	droppedCounter, _ := meter.Int64Counter("tagbus.transport.dropped",
		metric.WithDescription("Number of frames dropped by the transport"),
		metric.WithUnit("{frame}"),
	)

	return &Hub{
		status: 1,
		self:   o.peerID,
		opts:   o,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     o.checkOrigin,
		},
		logger:         o.logger.With("peer", string(o.peerID), "side", "hub"),
		peers:          make(map[transport.PeerID]*peerConn),
		droppedCounter: droppedCounter,
	}
}

func (h *Hub) isOpen() bool {
	return atomic.LoadInt32(&h.status) == 1
}

// ID returns the hub's peer id.
func (h *Hub) ID() transport.PeerID {
	return h.self
}

// Bind sets the receiver for inbound frames.
func (h *Hub) Bind(r transport.Receiver) {
	h.rmu.Lock()
	h.receiver = r
	h.rmu.Unlock()
}

func (h *Hub) currentReceiver() transport.Receiver {
	h.rmu.RLock()
	defer h.rmu.RUnlock()
	return h.receiver
}

// Peers returns the connected clients sorted by id.
func (h *Hub) Peers() []transport.PeerID {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]transport.PeerID, 0, len(h.peers))
	for id := range h.peers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ServeHTTP upgrades the request and serves the connection until it
// closes. The client's peer id is taken from the "peer" query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.isOpen() {
		http.Error(w, "hub closed", http.StatusServiceUnavailable)
		return
	}

	id := transport.PeerID(r.URL.Query().Get(QueryPeerID))
	if id == "" {
		id = transport.NewPeerID()
	}
	if id == h.self || h.connected(id) {
		http.Error(w, "peer id in use", http.StatusConflict)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	pc := newPeerConn(id, ws, h.opts, h.logger.With("remote", string(id)))
	if !h.register(pc) {
		pc.close()
		ws.Close()
		return
	}
	defer h.wg.Done()

	go pc.writePump()

	ctx := context.Background()
	h.logger.Debug("peer connected", "remote", id)
	rcv := h.currentReceiver()
	if rcv != nil {
		rcv.PeerConnected(ctx, id)
	}
	if !transport.Gatekeeps(rcv) {
		pc.admitted.Store(true)
	}

	pc.readPump(func(data []byte) { h.handle(ctx, pc, data) })

	h.unregister(pc)
	h.logger.Debug("peer disconnected", "remote", id)
	if rcv := h.currentReceiver(); rcv != nil {
		rcv.PeerDisconnected(ctx, id)
	}
}

func (h *Hub) connected(id transport.PeerID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.peers[id]
	return ok
}

func (h *Hub) register(pc *peerConn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.isOpen() {
		return false
	}
	if _, ok := h.peers[pc.id]; ok {
		return false
	}
	h.peers[pc.id] = pc
	h.wg.Add(1)
	return true
}

func (h *Hub) unregister(pc *peerConn) {
	h.mu.Lock()
	if h.peers[pc.id] == pc {
		delete(h.peers, pc.id)
	}
	h.mu.Unlock()
}

// handle accepts request frames from a client. The sender is always the
// connection's own peer id, whatever the frame claims.
func (h *Hub) handle(ctx context.Context, pc *peerConn, data []byte) {
	f, err := h.opts.codec.Decode(data)
	if err != nil {
		h.dropped(ctx, pc.id, "decode", err)
		return
	}
	if f.Kind != transport.KindRequest {
		h.dropped(ctx, pc.id, "kind", fmt.Errorf("ws: unexpected %s frame from %s", f.Kind, pc.id))
		return
	}
	f.From = pc.id

	rcv := h.currentReceiver()
	if rcv == nil {
		h.dropped(ctx, pc.id, "no_receiver", transport.ErrNoReceiver)
		return
	}
	rcv.Receive(ctx, f)
}

// SendToAuthority delivers env to the hub's own receiver, since the hub
// is the authority.
func (h *Hub) SendToAuthority(ctx context.Context, env envelope.Envelope) error {
	if !h.isOpen() {
		return transport.ErrTransportClosed
	}
	rcv := h.currentReceiver()
	if rcv == nil {
		return transport.ErrNoReceiver
	}
	rcv.Receive(ctx, transport.Frame{Kind: transport.KindRequest, From: h.self, Envelope: env})
	return nil
}

// BroadcastToAllPeers queues env for every admitted client.
func (h *Hub) BroadcastToAllPeers(ctx context.Context, env envelope.Envelope) error {
	if !h.isOpen() {
		return transport.ErrTransportClosed
	}

	data, err := h.opts.codec.Encode(transport.Frame{Kind: transport.KindBroadcast, From: h.self, Envelope: env})
	if err != nil {
		return err
	}

	h.mu.RLock()
	peers := make([]*peerConn, 0, len(h.peers))
	for _, pc := range h.peers {
		if pc.admitted.Load() {
			peers = append(peers, pc)
		}
	}
	h.mu.RUnlock()

	for _, pc := range peers {
		if err := pc.enqueue(data); err != nil {
			h.dropped(ctx, pc.id, "send_buffer", fmt.Errorf("ws: broadcast to %s: %w", pc.id, err))
		}
	}
	return nil
}

// SendToPeer queues a replay frame for one client.
func (h *Hub) SendToPeer(ctx context.Context, peer transport.PeerID, env envelope.Envelope) error {
	if !h.isOpen() {
		return transport.ErrTransportClosed
	}

	h.mu.RLock()
	pc, ok := h.peers[peer]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", transport.ErrUnknownPeer, peer)
	}

	data, err := h.opts.codec.Encode(transport.Frame{Kind: transport.KindReplay, From: h.self, Envelope: env})
	if err != nil {
		return err
	}
	if err := pc.enqueue(data); err != nil {
		h.dropped(ctx, peer, "send_buffer", err)
		return err
	}
	return nil
}

// AdmitPeer lets a connected client receive broadcasts.
func (h *Hub) AdmitPeer(ctx context.Context, peer transport.PeerID) error {
	if !h.isOpen() {
		return transport.ErrTransportClosed
	}

	h.mu.RLock()
	pc, ok := h.peers[peer]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", transport.ErrUnknownPeer, peer)
	}
	pc.admitted.Store(true)
	h.logger.Debug("peer admitted", "remote", peer)
	return nil
}

func (h *Hub) dropped(ctx context.Context, peer transport.PeerID, reason string, err error) {
	h.logger.Debug("frame dropped", "remote", peer, "reason", reason)
	if h.droppedCounter != nil {
		h.droppedCounter.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("transport", "ws"),
				attribute.String("reason", reason),
			))
	}
	h.opts.onError(err)
}

// Close disconnects every client and waits for their handlers to return
// or for ctx to expire.
func (h *Hub) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&h.status, 1, 0) {
		return nil
	}

	h.mu.RLock()
	for _, pc := range h.peers {
		pc.close()
	}
	h.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	h.logger.Debug("hub closed")
	return nil
}

// Health performs a health check on the hub
func (h *Hub) Health(ctx context.Context) *transport.HealthCheckResult {
	start := time.Now()

	result := &transport.HealthCheckResult{
		CheckedAt: start,
		Details:   make(map[string]any),
	}
	result.Details["type"] = "ws-hub"
	result.Details["peer"] = string(h.self)
	result.Details["clients"] = len(h.Peers())

	if !h.isOpen() {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "hub is closed"
	} else {
		result.Status = transport.HealthStatusHealthy
		result.Message = "ws hub is healthy"
	}

	result.Latency = time.Since(start)
	return result
}

// Compile-time checks
var (
	_ transport.Transport     = (*Hub)(nil)
	_ transport.Binder        = (*Hub)(nil)
	_ transport.HealthChecker = (*Hub)(nil)
	_ transport.Admitter      = (*Hub)(nil)
	_ http.Handler            = (*Hub)(nil)
)
