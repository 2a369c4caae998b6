package tagbus

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/rbaliyan/tagbus/idempotency"
	"github.com/rbaliyan/tagbus/transport"
)

var (
	// DefaultHistoryCapacity is the number of Global envelopes kept for replay
	DefaultHistoryCapacity = 32

	// DefaultRequestBurst is the per-peer burst when a request rate is set
	DefaultRequestBurst = 10

	// DefaultDedupeTTL is how long delivered envelope IDs are remembered
	DefaultDedupeTTL = idempotency.DefaultTTL
)

// options holds configuration for the bus and its components (unexported)
type options struct {
	transport       transport.Transport
	roles           RoleProvider
	sessions        SessionResolver
	logger          *slog.Logger
	metricsEnabled  bool
	tracingEnabled  bool
	historyEnabled  bool
	historyCapacity int
	policy          ValidationPolicy
	requestRate     float64
	requestBurst    int
	dedupeTTL       time.Duration
	peerID          transport.PeerID
	onError         func(error)
}

// Option configures a Bus, LocalBus, GlobalBus or ListenerRegistry
type Option func(*options)

// WithTransport sets the peer transport used for Global envelopes.
// If the transport implements transport.Binder, the global bus binds itself
// to receive inbound frames.
func WithTransport(t transport.Transport) Option {
	return func(o *options) {
		if t != nil {
			o.transport = t
		}
	}
}

// WithRoleProvider sets the source of the current process role.
// The provider is consulted on every authority check.
func WithRoleProvider(p RoleProvider) Option {
	return func(o *options) {
		if p != nil {
			o.roles = p
		}
	}
}

// WithSessionResolver sets how Local operations find their session.
// Default resolves the session stored with ContextWithSession, falling back
// to DefaultSession.
func WithSessionResolver(r SessionResolver) Option {
	return func(o *options) {
		if r != nil {
			o.sessions = r
		}
	}
}

// WithLogger sets a custom logger
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics enables/disables OpenTelemetry metrics
func WithMetrics(enabled bool) Option {
	return func(o *options) {
		o.metricsEnabled = enabled
	}
}

// WithTracing enables/disables OpenTelemetry tracing of Global broadcasts
func WithTracing(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
	}
}

// WithHistory enables/disables late-joiner replay and sets the capacity.
// Enabling history with a capacity <= 0 makes construction fail.
func WithHistory(enabled bool, capacity int) Option {
	return func(o *options) {
		o.historyEnabled = enabled
		o.historyCapacity = capacity
	}
}

// WithValidationPolicy sets the policy applied to Global requests
func WithValidationPolicy(p ValidationPolicy) Option {
	return func(o *options) {
		o.policy = p
	}
}

// WithRequestRateLimit limits Global requests forwarded by each peer.
// A rate <= 0 disables the limit.
func WithRequestRateLimit(rps float64, burst int) Option {
	return func(o *options) {
		o.requestRate = rps
		o.requestBurst = burst
	}
}

// WithDedupeTTL sets how long delivered envelope IDs are remembered.
// Zero disables duplicate suppression; negative values are ignored.
func WithDedupeTTL(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.dedupeTTL = d
		}
	}
}

// WithPeerID sets the id stamped as origin on envelopes this process
// broadcasts as authority
func WithPeerID(id transport.PeerID) Option {
	return func(o *options) {
		o.peerID = id
	}
}

// WithErrorHandler sets a callback for listener panics and dropped frames
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) {
		if fn != nil {
			o.onError = fn
		}
	}
}

// WithConfig applies a Config. Options given after it override its values.
func WithConfig(c Config) Option {
	return func(o *options) {
		o.historyEnabled = c.HistoryEnabled
		o.historyCapacity = c.HistoryCapacity
		o.policy = c.ValidationPolicy
		o.requestRate = c.RequestRate
		o.requestBurst = c.RequestBurst
		if c.DedupeTTL >= 0 {
			o.dedupeTTL = c.DedupeTTL
		}
	}
}

// newOptions creates options with defaults and applies provided options
func newOptions(opts ...Option) *options {
	o := &options{
		roles:           StaticRole(RoleStandalone),
		sessions:        ContextSessionResolver(DefaultSession),
		logger:          slog.Default(),
		metricsEnabled:  true,
		tracingEnabled:  true,
		historyEnabled:  true,
		historyCapacity: DefaultHistoryCapacity,
		policy:          PolicyBalanced,
		requestBurst:    DefaultRequestBurst,
		dedupeTTL:       DefaultDedupeTTL,
		onError:         func(error) {},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// validate fails fast on misconfiguration
func (o *options) validate() error {
	if o.historyEnabled && o.historyCapacity <= 0 {
		return fmt.Errorf("%w: history capacity must be > 0 when history is enabled, got %d",
			ErrInvalidConfig, o.historyCapacity)
	}
	if !o.policy.IsValid() {
		return fmt.Errorf("%w: unknown validation policy %d", ErrInvalidConfig, int(o.policy))
	}
	return nil
}
