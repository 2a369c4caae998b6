package tagbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/rbaliyan/tagbus/idempotency"
	"github.com/rbaliyan/tagbus/internal/serial"
	"github.com/rbaliyan/tagbus/ratelimit"
	"github.com/rbaliyan/tagbus/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys
const (
	spanKeyEnvelopeID  = "tagbus.envelope.id"
	spanKeyEnvelopeTag = "tagbus.envelope.tag"
	spanKeyOrigin      = "tagbus.envelope.origin"
	spanKeyBus         = "tagbus.bus"
)

// GlobalBus delivers Global envelopes across the peer network.
//
// The authoritative process validates each request, records it in the
// history, delivers it to the process-wide registry and transports it to
// every peer. Other processes forward requests to the authority and deliver
// only what the authority broadcasts back, so every peer observes the same
// sequence.
//
// Record, deliver and transport run as one step on a serial queue. Two
// broadcasts are therefore observed in the same order by local listeners,
// by the history and by peers, and a listener that broadcasts from inside
// Deliver does not deadlock.
type GlobalBus struct {
	name      string
	status    int32
	gate      *AuthorityGate
	registry  *ListenerRegistry
	history   *HistoryBuffer
	transport transport.Transport
	policy    ValidationPolicy
	seen      *idempotency.MemoryStore
	limiter   *ratelimit.Keyed
	peerID    transport.PeerID
	pipeline  serial.Queue
	logger    *slog.Logger
	metrics   *busMetrics
	tracer    trace.Tracer
	onError   func(error)
}

// NewGlobalBus creates a global bus. It fails if history is enabled with a
// capacity <= 0 or the validation policy is unknown.
func NewGlobalBus(name string, opts ...Option) (*GlobalBus, error) {
	o := newOptions(opts...)
	if name == "" {
		name = DefaultBusName
	}
	return newGlobalBus(name, o, o.logger.With("component", "bus>"+name+">global"), newBusMetrics(name, o.metricsEnabled))
}

func newGlobalBus(name string, o *options, logger *slog.Logger, m *busMetrics) (*GlobalBus, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}

	g := &GlobalBus{
		name:      name,
		status:    busRunning,
		gate:      NewAuthorityGate(o.roles),
		registry:  newListenerRegistry("global", logger, m, o.onError),
		transport: o.transport,
		policy:    o.policy,
		peerID:    o.peerID,
		logger:    logger,
		metrics:   m,
		onError:   o.onError,
	}

	if o.historyEnabled {
		h, err := NewHistoryBuffer(o.historyCapacity)
		if err != nil {
			return nil, err
		}
		g.history = h
	}
	if o.dedupeTTL > 0 {
		g.seen = idempotency.NewMemoryStore(o.dedupeTTL)
	}
	if o.requestRate > 0 {
		g.limiter = ratelimit.NewKeyed(o.requestRate, o.requestBurst)
	}
	if o.tracingEnabled {
		g.tracer = otel.Tracer(name)
	}
	if b, ok := o.transport.(transport.Binder); ok {
		b.Bind(g)
	}

	return g, nil
}

func (g *GlobalBus) running() bool {
	return atomic.LoadInt32(&g.status) == busRunning
}

// HasAuthority reports whether this process may originate Global broadcasts
func (g *GlobalBus) HasAuthority() bool {
	return g.gate.HasAuthority()
}

// Gate returns the authority gate
func (g *GlobalBus) Gate() *AuthorityGate { return g.gate }

// Registry returns the process-wide listener registry
func (g *GlobalBus) Registry() *ListenerRegistry { return g.registry }

// Policy returns the validation policy
func (g *GlobalBus) Policy() ValidationPolicy { return g.policy }

// RegisterListener adds ref to the process-wide registry
func (g *GlobalBus) RegisterListener(ref SubscriberRef, filter Filter) (Handle, error) {
	return g.registry.Register(ref, filter)
}

// UnregisterListener removes a registration. Unknown handles are ignored.
func (g *GlobalBus) UnregisterListener(h Handle) bool {
	return g.registry.Unregister(h)
}

// History returns the recorded envelopes oldest first, or nil if history
// is disabled.
func (g *GlobalBus) History() []Envelope {
	if g.history == nil {
		return nil
	}
	return g.history.Snapshot()
}

// Broadcast publishes a Global envelope.
//
// With authority the envelope is validated and, if accepted, recorded,
// delivered and transported before Broadcast returns, unless another
// broadcast is in progress, in which case it runs right after it. A
// rejected envelope returns a *ValidationError. Each accepted envelope is
// assigned a new ID, so publishing the same value twice delivers twice.
//
// Without authority the envelope is forwarded unchanged to the authority
// and nothing is delivered locally until the authority broadcasts it back.
// ErrNoAuthority is returned when there is no path to the authority.
func (g *GlobalBus) Broadcast(ctx context.Context, env Envelope) error {
	if !g.running() {
		return ErrBusClosed
	}
	if !env.IsValid() {
		g.logger.Warn("dropping invalid global envelope", "id", env.ID())
		return ErrInvalidEnvelope
	}
	env = env.WithScope(ScopeGlobal)

	if g.gate.HasAuthority() {
		return g.accept(ctx, env, "")
	}
	return g.forward(ctx, env)
}

func (g *GlobalBus) forward(ctx context.Context, env Envelope) error {
	if g.transport == nil {
		g.logger.Warn("cannot forward global envelope, no transport", "tag", env.Tag())
		return ErrNoAuthority
	}

	if err := g.transport.SendToAuthority(ctx, env); err != nil {
		g.logger.Warn("failed to forward global envelope", "tag", env.Tag(), "error", err)
		if errors.Is(err, transport.ErrNotConnected) || errors.Is(err, transport.ErrTransportClosed) {
			return fmt.Errorf("%w: %v", ErrNoAuthority, err)
		}
		return err
	}

	g.metrics.add(ctx, g.metrics.forwarded, 1, attribute.String("tag", env.Tag().String()))
	g.logger.Debug("forwarded global envelope to authority", "tag", env.Tag(), "id", env.ID())
	return nil
}

// accept validates a request and queues it for publication. from is the
// requesting peer, or empty for requests originating in this process.
func (g *GlobalBus) accept(ctx context.Context, env Envelope, from transport.PeerID) error {
	if ok, reason := g.gate.Validate(env, g.policy); !ok {
		g.logger.Warn("rejected global envelope",
			"tag", env.Tag(),
			"peer", from,
			"policy", g.policy,
			"reason", reason)
		g.metrics.add(ctx, g.metrics.rejected, 1, attribute.String("reason", "validation"))
		return &ValidationError{Policy: g.policy, Reason: reason}
	}

	if from != "" && g.limiter != nil && !g.limiter.Allow(string(from)) {
		g.logger.Warn("rejected global envelope, peer over rate limit", "tag", env.Tag(), "peer", from)
		g.metrics.add(ctx, g.metrics.rejected, 1, attribute.String("reason", "rate_limit"))
		return ErrRateLimited
	}

	switch {
	case from != "":
		env = env.WithOrigin(string(from))
	case env.Origin() == "" && g.peerID != "":
		env = env.WithOrigin(string(g.peerID))
	}
	// Every accepted broadcast is a distinct event, even when built from
	// the same base envelope.
	env = env.WithNewID()

	g.pipeline.Do(func() { g.publish(ctx, env) })
	return nil
}

// publish records, delivers and transports an accepted envelope. The id is
// marked as seen so a copy echoed back by the transport is not delivered
// twice.
func (g *GlobalBus) publish(ctx context.Context, env Envelope) {
	if g.seen != nil {
		_ = g.seen.MarkProcessed(ctx, env.ID())
	}

	if g.tracer != nil {
		var span trace.Span
		ctx, span = g.tracer.Start(ctx, fmt.Sprintf("%s.broadcast", env.Tag()),
			trace.WithAttributes(
				attribute.String(spanKeyEnvelopeID, env.ID()),
				attribute.String(spanKeyEnvelopeTag, env.Tag().String()),
				attribute.String(spanKeyOrigin, env.Origin()),
				attribute.String(spanKeyBus, g.name)),
			trace.WithSpanKind(trace.SpanKindProducer))
		defer span.End()
	}

	if g.history != nil {
		g.history.Append(env)
	}

	n := g.registry.Dispatch(ctx, env, true)
	g.metrics.add(ctx, g.metrics.published, 1, attribute.String("tag", env.Tag().String()))

	if g.transport != nil {
		if err := g.transport.BroadcastToAllPeers(ctx, env); err != nil {
			g.metrics.add(ctx, g.metrics.dropped, 1, attribute.String("reason", "broadcast"))
			g.logger.Debug("failed to transport global envelope", "tag", env.Tag(), "error", err)
			g.onError(err)
		}
	}

	g.logger.Debug("global envelope published", "tag", env.Tag(), "id", env.ID(), "listeners", n)
}

// Receive handles a frame from the transport. It implements
// transport.Receiver.
func (g *GlobalBus) Receive(ctx context.Context, f transport.Frame) {
	if !g.running() {
		return
	}
	env := f.Envelope
	if !env.IsValid() {
		g.logger.Warn("dropping invalid frame", "kind", f.Kind, "peer", f.From)
		return
	}

	switch f.Kind {
	case transport.KindRequest:
		if !g.gate.HasAuthority() {
			g.logger.Warn("dropping global request, not the authority", "tag", env.Tag(), "peer", f.From)
			return
		}
		_ = g.accept(ctx, env.WithScope(ScopeGlobal), f.From)

	case transport.KindBroadcast, transport.KindReplay:
		kind := f.Kind
		g.pipeline.Do(func() { g.deliverRemote(ctx, env.WithScope(ScopeGlobal), kind) })

	default:
		g.logger.Warn("dropping frame of unknown kind", "kind", f.Kind, "peer", f.From)
	}
}

// deliverRemote delivers an envelope broadcast or replayed by the authority.
// It is mirrored into the history so this process can serve late joiners if
// it is promoted.
func (g *GlobalBus) deliverRemote(ctx context.Context, env Envelope, kind transport.Kind) {
	if g.seen != nil && !g.seen.MarkIfNew(ctx, env.ID()) {
		g.metrics.add(ctx, g.metrics.duplicates, 1)
		g.logger.Debug("dropping duplicate global envelope", "id", env.ID(), "kind", kind)
		return
	}

	if g.history != nil {
		g.history.Append(env)
	}
	n := g.registry.Dispatch(ctx, env, true)
	if kind == transport.KindReplay {
		g.metrics.add(ctx, g.metrics.replayed, 1, attribute.String("direction", "in"))
	}
	g.logger.Debug("remote global envelope delivered", "tag", env.Tag(), "kind", kind, "listeners", n)
}

// PeerConnected implements transport.Receiver
func (g *GlobalBus) PeerConnected(ctx context.Context, peer transport.PeerID) {
	g.OnPeerConnected(ctx, peer)
}

// PeerDisconnected implements transport.Receiver
func (g *GlobalBus) PeerDisconnected(ctx context.Context, peer transport.PeerID) {
	if g.limiter != nil {
		g.limiter.Forget(string(peer))
	}
	g.logger.Debug("peer disconnected", "peer", peer)
}

// OnPeerConnected replays the history to a newly connected peer, oldest
// first, and then admits it to live broadcasts. Only the authority
// replays; with history disabled or empty the peer is admitted at once.
// Replay and admission run in the publish pipeline, so every broadcast the
// peer misses before admission is part of its replay.
func (g *GlobalBus) OnPeerConnected(ctx context.Context, peer transport.PeerID) {
	if g.transport == nil {
		return
	}
	if !g.running() || g.history == nil || !g.gate.HasAuthority() {
		g.admit(ctx, peer)
		return
	}

	g.pipeline.Do(func() {
		entries := g.history.Snapshot()
		sent := 0
		for _, env := range entries {
			if !env.IsValid() {
				continue
			}
			if err := g.transport.SendToPeer(ctx, peer, env); err != nil {
				g.metrics.add(ctx, g.metrics.dropped, 1, attribute.String("reason", "replay"))
				g.logger.Debug("replay to peer failed", "peer", peer, "error", err)
				if errors.Is(err, transport.ErrUnknownPeer) {
					return
				}
				continue
			}
			sent++
		}
		g.metrics.add(ctx, g.metrics.replayed, int64(sent), attribute.String("direction", "out"))
		if sent > 0 {
			g.logger.Debug("replayed history to peer", "peer", peer, "entries", sent)
		}
		g.admit(ctx, peer)
	})
}

// AdmitsPeers implements transport.Gatekeeper
func (g *GlobalBus) AdmitsPeers() bool { return true }

func (g *GlobalBus) admit(ctx context.Context, peer transport.PeerID) {
	a, ok := g.transport.(transport.Admitter)
	if !ok {
		return
	}
	if err := a.AdmitPeer(ctx, peer); err != nil {
		g.logger.Debug("admit peer failed", "peer", peer, "error", err)
	}
}

// Close stops the bus and clears its history and registry. The transport
// is owned by the caller and stays open.
func (g *GlobalBus) Close() {
	if !atomic.CompareAndSwapInt32(&g.status, busRunning, busStopped) {
		return
	}
	if g.seen != nil {
		g.seen.Close()
	}
	if g.history != nil {
		g.history.Clear()
	}
	g.registry.Clear()
}
