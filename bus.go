package tagbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/tagbus/transport"
)

const (
	busRunning = 1
	busStopped = 0
)

// DefaultBusName is used when New is called with an empty name
var DefaultBusName = "tagbus"

// StatusCode represents the health state of the bus
type StatusCode string

const (
	// StatusHealthy indicates the bus is functioning normally
	StatusHealthy StatusCode = "healthy"
	// StatusDegraded indicates the bus is functioning but with issues
	StatusDegraded StatusCode = "degraded"
	// StatusUnhealthy indicates the bus is not functioning
	StatusUnhealthy StatusCode = "unhealthy"
)

// Status contains detailed status information for the bus
type Status struct {
	Code       StatusCode         `json:"status"`
	Message    string             `json:"message,omitempty"`
	Latency    time.Duration      `json:"latency,omitempty"`
	Details    map[string]any     `json:"details,omitempty"`
	Components map[string]*Status `json:"components,omitempty"`
	CheckedAt  time.Time          `json:"checked_at"`
}

// IsHealthy returns true if the status code is healthy
func (s *Status) IsHealthy() bool {
	return s.Code == StatusHealthy
}

// SubscriptionHandle identifies a Subscribe call. It carries one handle per
// scope the subscription wants.
type SubscriptionHandle struct {
	Local  Handle
	Global Handle
}

// IsValid reports whether at least one scope was registered
func (h SubscriptionHandle) IsValid() bool {
	return h.Local.IsValid() || h.Global.IsValid()
}

// Bus is the entry point for collaborators: it combines a LocalBus and a
// GlobalBus behind one subscribe/publish API.
//
// A Bus is constructed once at process start and passed to whatever needs
// it. There is no package-level instance.
type Bus struct {
	status    int32
	id        string
	name      string
	local     *LocalBus
	global    *GlobalBus
	transport transport.Transport
	logger    *slog.Logger
}

// New creates a bus. It fails on misconfiguration, e.g. history enabled with
// a capacity <= 0.
func New(name string, opts ...Option) (*Bus, error) {
	o := newOptions(opts...)
	if name == "" {
		name = DefaultBusName
	}

	logger := o.logger.With("component", "bus>"+name)
	m := newBusMetrics(name, o.metricsEnabled)

	global, err := newGlobalBus(name, o, logger.With("scope", "global"), m)
	if err != nil {
		return nil, err
	}

	return &Bus{
		status:    busRunning,
		id:        transport.NewID(),
		name:      name,
		local:     newLocalBus(o, logger.With("scope", "local"), m),
		global:    global,
		transport: o.transport,
		logger:    logger,
	}, nil
}

// ID returns the bus ID
func (b *Bus) ID() string { return b.id }

// Name returns the bus name
func (b *Bus) Name() string { return b.name }

// Running returns true if bus is running
func (b *Bus) Running() bool {
	return atomic.LoadInt32(&b.status) == busRunning
}

// Local returns the local bus
func (b *Bus) Local() *LocalBus { return b.local }

// Global returns the global bus
func (b *Bus) Global() *GlobalBus { return b.global }

// Transport returns the peer transport, or nil
func (b *Bus) Transport() transport.Transport { return b.transport }

// Subscribe registers ref for the scopes and tags in filter. The Local part
// goes to the session resolved from ctx, the Global part to the
// process-wide registry. Subscribing the same subscriber again replaces its
// filter, and drops its registration in a scope the new filter leaves out.
func (b *Bus) Subscribe(ctx context.Context, ref SubscriberRef, filter Filter) (SubscriptionHandle, error) {
	if !b.Running() {
		return SubscriptionHandle{}, ErrBusClosed
	}
	if !filter.WantsLocal && !filter.WantsGlobal {
		return SubscriptionHandle{}, ErrInvalidFilter
	}
	if ref == nil {
		return SubscriptionHandle{}, ErrInvalidSubscriber
	}

	if !filter.WantsLocal {
		b.local.UnregisterSubscriber(ctx, ref.SubscriberID())
	}
	if !filter.WantsGlobal {
		b.global.Registry().UnregisterSubscriber(ref.SubscriberID())
	}

	var h SubscriptionHandle
	var err error
	if filter.WantsLocal {
		if h.Local, err = b.local.Register(ctx, ref, filter); err != nil {
			return SubscriptionHandle{}, err
		}
	}
	if filter.WantsGlobal {
		if h.Global, err = b.global.RegisterListener(ref, filter); err != nil {
			b.local.Unregister(h.Local)
			return SubscriptionHandle{}, err
		}
	}
	return h, nil
}

// Unsubscribe removes a subscription. Stale and zero handles are ignored.
func (b *Bus) Unsubscribe(h SubscriptionHandle) {
	b.local.Unregister(h.Local)
	b.global.UnregisterListener(h.Global)
}

// PublishLocal delivers env to the listeners of the session resolved from
// ctx. The returned error is informational: nothing was delivered.
func (b *Bus) PublishLocal(ctx context.Context, env Envelope) error {
	if !b.Running() {
		return ErrBusClosed
	}
	_, err := b.local.Broadcast(ctx, env.WithScope(ScopeLocal))
	return err
}

// PublishGlobal broadcasts env through the authority. Use RejectionReason
// to obtain the text of a validation failure.
func (b *Bus) PublishGlobal(ctx context.Context, env Envelope) error {
	if !b.Running() {
		return ErrBusClosed
	}
	return b.global.Broadcast(ctx, env)
}

// Publish routes env by its scope
func (b *Bus) Publish(ctx context.Context, env Envelope) error {
	if env.Scope() == ScopeGlobal {
		return b.PublishGlobal(ctx, env)
	}
	return b.PublishLocal(ctx, env)
}

// QueryAuthority reports whether this process may originate Global
// broadcasts
func (b *Bus) QueryAuthority() bool {
	return b.global.HasAuthority()
}

// Status reports the health of the bus and its transport
func (b *Bus) Status(ctx context.Context) *Status {
	start := time.Now()
	s := &Status{
		Code:      StatusHealthy,
		Message:   "bus is healthy",
		CheckedAt: start,
		Details: map[string]any{
			"role":     b.global.Gate().Role().String(),
			"policy":   b.global.Policy().String(),
			"sessions": len(b.local.Sessions()),
			"global":   b.global.Registry().Len(),
		},
	}
	if b.global.history != nil {
		s.Details["history"] = b.global.history.Len()
	}

	if !b.Running() {
		s.Code = StatusUnhealthy
		s.Message = "bus is closed"
		s.Latency = time.Since(start)
		return s
	}

	if hc, ok := b.transport.(transport.HealthChecker); ok {
		r := hc.Health(ctx)
		comp := &Status{
			Code:      StatusCode(r.Status),
			Message:   r.Message,
			Latency:   r.Latency,
			Details:   r.Details,
			CheckedAt: r.CheckedAt,
		}
		s.Components = map[string]*Status{"transport": comp}
		if !r.IsHealthy() {
			s.Code = StatusDegraded
			s.Message = fmt.Sprintf("transport %s: %s", r.Status, r.Message)
		}
	}

	s.Latency = time.Since(start)
	return s
}

// Close stops the bus and closes its transport
func (b *Bus) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&b.status, busRunning, busStopped) {
		return nil
	}

	b.global.Close()
	b.local.Close()

	var err error
	if b.transport != nil {
		if cerr := b.transport.Close(ctx); cerr != nil && !errors.Is(cerr, transport.ErrTransportClosed) {
			err = cerr
		}
	}
	b.logger.Debug("bus closed")
	return err
}
