package tagbus

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rbaliyan/tagbus/internal/serial"
	"github.com/rbaliyan/tagbus/transport"
	"go.opentelemetry.io/otel/attribute"
)

// SubscriberRef is a non-owning reference to a listener.
//
// The registry never keeps a subscriber alive: once Alive reports false the
// subscription is dropped on the next dispatch. Liveness is owned by the
// subscriber, typically a closed flag or generation check.
type SubscriberRef interface {
	// SubscriberID identifies the subscriber. Registering two refs with the
	// same id in one registry replaces the first.
	SubscriberID() string

	// Alive reports whether the subscriber still wants deliveries.
	Alive() bool

	// Deliver hands an envelope to the subscriber. isGlobal reports
	// whether it arrived through the global bus.
	Deliver(ctx context.Context, env Envelope, isGlobal bool)
}

// ListenerFunc receives delivered envelopes
type ListenerFunc func(ctx context.Context, env Envelope, isGlobal bool)

// Listener is a SubscriberRef backed by a function.
// Close detaches it from every registry it is registered in.
type Listener struct {
	id     string
	fn     ListenerFunc
	alive  func() bool
	closed atomic.Bool
}

// ListenerOption configures a Listener
type ListenerOption func(*Listener)

// WithSubscriberID sets the listener id. Default is a random id.
func WithSubscriberID(id string) ListenerOption {
	return func(l *Listener) {
		if id != "" {
			l.id = id
		}
	}
}

// WithLiveness ties the listener to an external liveness check, e.g. the
// lifetime of the widget that owns it.
func WithLiveness(fn func() bool) ListenerOption {
	return func(l *Listener) {
		l.alive = fn
	}
}

// NewListener creates a listener calling fn for every delivery
func NewListener(fn ListenerFunc, opts ...ListenerOption) *Listener {
	l := &Listener{id: transport.NewID(), fn: fn}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SubscriberID returns the listener id
func (l *Listener) SubscriberID() string { return l.id }

// Alive reports false once the listener is closed or its liveness check fails
func (l *Listener) Alive() bool {
	if l.closed.Load() || l.fn == nil {
		return false
	}
	return l.alive == nil || l.alive()
}

// Deliver calls the listener function
func (l *Listener) Deliver(ctx context.Context, env Envelope, isGlobal bool) {
	l.fn(ctx, env, isGlobal)
}

// Close marks the listener dead
func (l *Listener) Close() {
	l.closed.Store(true)
}

// Filter selects which envelopes a subscription receives.
type Filter struct {
	// Tags restricts delivery to envelopes whose tag equals or descends from
	// one of the entries. Empty matches every tag.
	Tags        []Tag
	WantsLocal  bool
	WantsGlobal bool
}

// LocalOnly returns a filter for Local deliveries
func LocalOnly(tags ...Tag) Filter {
	return Filter{Tags: tags, WantsLocal: true}
}

// GlobalOnly returns a filter for Global deliveries
func GlobalOnly(tags ...Tag) Filter {
	return Filter{Tags: tags, WantsGlobal: true}
}

// AnyScope returns a filter for Local and Global deliveries
func AnyScope(tags ...Tag) Filter {
	return Filter{Tags: tags, WantsLocal: true, WantsGlobal: true}
}

// ShouldReceive reports whether env, delivered in the given scope, passes
// the filter.
func (f Filter) ShouldReceive(env Envelope, isGlobal bool) bool {
	if isGlobal && !f.WantsGlobal {
		return false
	}
	if !isGlobal && !f.WantsLocal {
		return false
	}
	if len(f.Tags) == 0 {
		return true
	}
	tag := env.Tag()
	for _, t := range f.Tags {
		if tag.MatchesTag(t) {
			return true
		}
	}
	return false
}

func (f Filter) clone() Filter {
	if f.Tags != nil {
		f.Tags = append([]Tag(nil), f.Tags...)
	}
	return f
}

// Handle identifies a registration. The zero Handle is invalid.
type Handle struct {
	id         string
	subscriber string
	domain     string
}

// IsValid reports whether the handle came from a registration
func (h Handle) IsValid() bool { return h.id != "" }

// SubscriberID returns the id of the registered subscriber
func (h Handle) SubscriberID() string { return h.subscriber }

// Domain returns the name of the registry that issued the handle
func (h Handle) Domain() string { return h.domain }

func (h Handle) String() string {
	return fmt.Sprintf("%s/%s", h.domain, h.subscriber)
}

type subscription struct {
	handle Handle
	ref    SubscriberRef
	filter Filter
}

// ListenerRegistry holds the subscriptions of one delivery domain: one local
// session or the process-wide global scope.
//
// Dispatch delivers outside the registry lock, so a listener may register,
// unregister or dispatch again from inside Deliver. Such a nested dispatch
// is queued and runs after the current one, which keeps every listener's
// view of the registry in broadcast order.
type ListenerRegistry struct {
	name    string
	mu      sync.Mutex
	subs    []*subscription
	byID    map[string]*subscription // subscriber id -> subscription
	queue   serial.Queue
	logger  *slog.Logger
	metrics *busMetrics
	onError func(error)
}

// NewListenerRegistry creates an empty registry. Only WithLogger,
// WithMetrics and WithErrorHandler apply.
func NewListenerRegistry(name string, opts ...Option) *ListenerRegistry {
	o := newOptions(opts...)
	return newListenerRegistry(name, o.logger, newBusMetrics(name, o.metricsEnabled), o.onError)
}

func newListenerRegistry(name string, logger *slog.Logger, m *busMetrics, onError func(error)) *ListenerRegistry {
	if onError == nil {
		onError = func(error) {}
	}
	return &ListenerRegistry{
		name:    name,
		byID:    make(map[string]*subscription),
		logger:  logger.With("registry", name),
		metrics: m,
		onError: onError,
	}
}

// Name returns the registry name
func (r *ListenerRegistry) Name() string { return r.name }

// Register adds ref with filter. Registering a subscriber id that is already
// present replaces its filter, keeps its position and returns the existing
// handle.
func (r *ListenerRegistry) Register(ref SubscriberRef, filter Filter) (Handle, error) {
	if ref == nil {
		return Handle{}, ErrInvalidSubscriber
	}
	id := ref.SubscriberID()
	if id == "" {
		return Handle{}, fmt.Errorf("%w: empty subscriber id", ErrInvalidSubscriber)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byID[id]; ok {
		replaced := &subscription{handle: existing.handle, ref: ref, filter: filter.clone()}
		for i, s := range r.subs {
			if s == existing {
				r.subs[i] = replaced
				break
			}
		}
		r.byID[id] = replaced
		r.logger.Debug("subscription replaced", "subscriber", id)
		return existing.handle, nil
	}

	s := &subscription{
		handle: Handle{id: transport.NewID(), subscriber: id, domain: r.name},
		ref:    ref,
		filter: filter.clone(),
	}
	r.subs = append(r.subs, s)
	r.byID[id] = s
	r.logger.Debug("subscription added", "subscriber", id, "tags", len(filter.Tags))
	return s.handle, nil
}

// Unregister removes the subscription identified by h. Unknown, stale or
// zero handles are ignored. It reports whether a subscription was removed.
func (r *ListenerRegistry) Unregister(h Handle) bool {
	if !h.IsValid() || h.domain != r.name {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[h.subscriber]
	if !ok || s.handle.id != h.id {
		return false
	}
	r.removeLocked(s)
	return true
}

// UnregisterSubscriber removes the registration of a subscriber id, whatever
// its handle. It reports whether a subscription was removed.
func (r *ListenerRegistry) UnregisterSubscriber(subscriberID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[subscriberID]
	if !ok {
		return false
	}
	return r.removeLocked(s)
}

func (r *ListenerRegistry) removeLocked(s *subscription) bool {
	if r.byID[s.handle.subscriber] != s {
		return false
	}
	delete(r.byID, s.handle.subscriber)
	for i, cur := range r.subs {
		if cur == s {
			copy(r.subs[i:], r.subs[i+1:])
			r.subs[len(r.subs)-1] = nil
			r.subs = r.subs[:len(r.subs)-1]
			break
		}
	}
	return true
}

// Dispatch delivers env to every live subscription whose filter accepts it,
// in registration order, and returns the number of deliveries. Dead
// subscribers found along the way are removed. A panicking listener is
// recovered and reported, and delivery continues with the next one.
//
// A Dispatch issued while this registry is already dispatching is queued
// behind the running one and returns 0.
func (r *ListenerRegistry) Dispatch(ctx context.Context, env Envelope, isGlobal bool) int {
	if !env.IsValid() {
		return 0
	}

	var delivered int
	if !r.queue.Do(func() {
		delivered = r.dispatch(ctx, env, isGlobal)
	}) {
		return 0
	}
	return delivered
}

func (r *ListenerRegistry) dispatch(ctx context.Context, env Envelope, isGlobal bool) int {
	r.mu.Lock()
	snapshot := make([]*subscription, len(r.subs))
	copy(snapshot, r.subs)
	r.mu.Unlock()

	delivered := 0
	pruned := 0
	for _, s := range snapshot {
		if !s.ref.Alive() {
			r.mu.Lock()
			if r.removeLocked(s) {
				pruned++
			}
			r.mu.Unlock()
			continue
		}
		cur := r.current(s)
		if cur == nil || !cur.filter.ShouldReceive(env, isGlobal) {
			continue
		}
		if r.deliver(ctx, cur, env, isGlobal) {
			delivered++
		}
	}

	if pruned > 0 {
		r.logger.Debug("pruned dead subscribers", "count", pruned, "error", ErrDeadSubscriber)
	}
	r.metrics.add(ctx, r.metrics.pruned, int64(pruned), attribute.String("registry", r.name))
	r.metrics.add(ctx, r.metrics.delivered, int64(delivered),
		attribute.String("registry", r.name),
		attribute.Bool("global", isGlobal))
	return delivered
}

// current returns the registration s stands for as it is now, with any
// filter replaced by an earlier listener in the same dispatch. It returns
// nil once the registration is gone.
func (r *ListenerRegistry) current(s *subscription) *subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.byID[s.handle.subscriber]
	if !ok || cur.handle.id != s.handle.id {
		return nil
	}
	return cur
}

func (r *ListenerRegistry) deliver(ctx context.Context, s *subscription, env Envelope, isGlobal bool) (ok bool) {
	defer func() {
		if v := recover(); v != nil {
			perr := &PanicError{
				SubscriberID: s.handle.subscriber,
				Tag:          env.Tag(),
				Value:        v,
				Stack:        debug.Stack(),
			}
			r.logger.Error("listener panicked",
				"subscriber", perr.SubscriberID,
				"tag", perr.Tag,
				"panic", v,
				"stack", string(perr.Stack))
			r.metrics.add(ctx, r.metrics.panics, 1, attribute.String("registry", r.name))
			r.onError(perr)
			ok = false
		}
	}()

	s.ref.Deliver(ctx, env, isGlobal)
	return true
}

// Len returns the number of subscriptions, including dead ones that have
// not been pruned yet.
func (r *ListenerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Contains reports whether a subscriber id is registered
func (r *ListenerRegistry) Contains(subscriberID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byID[subscriberID]
	return ok
}

// Clear removes every subscription
func (r *ListenerRegistry) Clear() {
	r.mu.Lock()
	r.subs = nil
	r.byID = make(map[string]*subscription)
	r.mu.Unlock()
}
