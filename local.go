package tagbus

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// SessionID identifies a local session, e.g. one split-screen player.
type SessionID string

// DefaultSession is used by single-session processes
const DefaultSession SessionID = "default"

// SessionResolver maps a call-site context to the session whose registry
// receives a Local broadcast.
type SessionResolver interface {
	ResolveLocalSession(ctx context.Context) (SessionID, bool)
}

// SessionResolverFunc adapts a function to SessionResolver
type SessionResolverFunc func(ctx context.Context) (SessionID, bool)

// ResolveLocalSession calls f
func (f SessionResolverFunc) ResolveLocalSession(ctx context.Context) (SessionID, bool) {
	return f(ctx)
}

type sessionKey struct{}

// ContextWithSession returns a context carrying session
func ContextWithSession(ctx context.Context, session SessionID) context.Context {
	return context.WithValue(ctx, sessionKey{}, session)
}

// SessionFromContext returns the session stored with ContextWithSession
func SessionFromContext(ctx context.Context) (SessionID, bool) {
	if ctx == nil {
		return "", false
	}
	s, ok := ctx.Value(sessionKey{}).(SessionID)
	return s, ok && s != ""
}

// ContextSessionResolver resolves the session stored in the context. When
// none is stored it returns fallback, or fails if fallback is empty.
func ContextSessionResolver(fallback SessionID) SessionResolver {
	return SessionResolverFunc(func(ctx context.Context) (SessionID, bool) {
		if s, ok := SessionFromContext(ctx); ok {
			return s, true
		}
		return fallback, fallback != ""
	})
}

// LocalBus delivers Local envelopes to the listeners of one session.
// Each session has its own ListenerRegistry; registries are never shared.
type LocalBus struct {
	mu       sync.RWMutex
	sessions map[SessionID]*ListenerRegistry
	resolver SessionResolver
	logger   *slog.Logger
	metrics  *busMetrics
	onError  func(error)
}

// NewLocalBus creates a local bus
func NewLocalBus(opts ...Option) *LocalBus {
	o := newOptions(opts...)
	return newLocalBus(o, o.logger.With("component", "bus>local"), newBusMetrics("tagbus.local", o.metricsEnabled))
}

func newLocalBus(o *options, logger *slog.Logger, m *busMetrics) *LocalBus {
	return &LocalBus{
		sessions: make(map[SessionID]*ListenerRegistry),
		resolver: o.sessions,
		logger:   logger,
		metrics:  m,
		onError:  o.onError,
	}
}

// Registry returns the registry of session, creating it if needed
func (b *LocalBus) Registry(session SessionID) *ListenerRegistry {
	b.mu.RLock()
	r, ok := b.sessions[session]
	b.mu.RUnlock()
	if ok {
		return r
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.sessions[session]; ok {
		return r
	}
	r = newListenerRegistry(string(session), b.logger, b.metrics, b.onError)
	b.sessions[session] = r
	return r
}

func (b *LocalBus) lookup(session SessionID) (*ListenerRegistry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.sessions[session]
	return r, ok
}

// Register adds ref to the registry of the session resolved from ctx
func (b *LocalBus) Register(ctx context.Context, ref SubscriberRef, filter Filter) (Handle, error) {
	session, ok := b.resolver.ResolveLocalSession(ctx)
	if !ok {
		return Handle{}, ErrSessionUnresolved
	}
	return b.RegisterSession(session, ref, filter)
}

// RegisterSession adds ref to the registry of session
func (b *LocalBus) RegisterSession(session SessionID, ref SubscriberRef, filter Filter) (Handle, error) {
	if session == "" {
		return Handle{}, ErrSessionUnresolved
	}
	return b.Registry(session).Register(ref, filter)
}

// UnregisterSubscriber removes the registration of a subscriber id from the
// session resolved from ctx
func (b *LocalBus) UnregisterSubscriber(ctx context.Context, subscriberID string) bool {
	session, ok := b.resolver.ResolveLocalSession(ctx)
	if !ok {
		return false
	}
	r, ok := b.lookup(session)
	if !ok {
		return false
	}
	return r.UnregisterSubscriber(subscriberID)
}

// Unregister removes a registration. Unknown handles are ignored.
func (b *LocalBus) Unregister(h Handle) bool {
	r, ok := b.lookup(SessionID(h.Domain()))
	if !ok {
		return false
	}
	return r.Unregister(h)
}

// Broadcast delivers env to the session resolved from ctx and returns the
// number of deliveries. Invalid envelopes and unresolved sessions are
// logged and reported as errors; nothing is delivered.
func (b *LocalBus) Broadcast(ctx context.Context, env Envelope) (int, error) {
	if !env.IsValid() {
		b.logger.Warn("dropping invalid local envelope", "id", env.ID())
		return 0, ErrInvalidEnvelope
	}
	session, ok := b.resolver.ResolveLocalSession(ctx)
	if !ok {
		b.logger.Warn("dropping local envelope, session unresolved", "tag", env.Tag())
		return 0, ErrSessionUnresolved
	}
	return b.BroadcastTo(ctx, session, env)
}

// BroadcastTo delivers env to the listeners of session
func (b *LocalBus) BroadcastTo(ctx context.Context, session SessionID, env Envelope) (int, error) {
	if !env.IsValid() {
		b.logger.Warn("dropping invalid local envelope", "id", env.ID())
		return 0, ErrInvalidEnvelope
	}
	if session == "" {
		b.logger.Warn("dropping local envelope, session unresolved", "tag", env.Tag())
		return 0, ErrSessionUnresolved
	}

	r, ok := b.lookup(session)
	if !ok {
		b.logger.Debug("no listeners in session", "session", session, "tag", env.Tag())
		return 0, nil
	}

	n := r.Dispatch(ctx, env.WithScope(ScopeLocal), false)
	b.logger.Debug("local envelope delivered", "session", session, "tag", env.Tag(), "listeners", n)
	return n, nil
}

// RemoveSession drops a session and all its subscriptions
func (b *LocalBus) RemoveSession(session SessionID) bool {
	b.mu.Lock()
	r, ok := b.sessions[session]
	delete(b.sessions, session)
	b.mu.Unlock()

	if ok {
		r.Clear()
	}
	return ok
}

// Sessions returns the known sessions sorted by id
func (b *LocalBus) Sessions() []SessionID {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]SessionID, 0, len(b.sessions))
	for s := range b.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close removes every session
func (b *LocalBus) Close() {
	for _, s := range b.Sessions() {
		b.RemoveSession(s)
	}
}
