package tagbus

import (
	"context"
	"sync"
	"time"

	"github.com/rbaliyan/tagbus/transport"
)

// TestBus creates a standalone bus configured for testing.
// Metrics and tracing are disabled. Panics on option errors (test setup error).
//
// Example:
//
//	bus := tagbus.TestBus()
//	defer bus.Close(ctx)
func TestBus(opts ...Option) *Bus {
	base := []Option{
		WithMetrics(false),
		WithTracing(false),
	}
	bus, err := New("test-bus", append(base, opts...)...)
	if err != nil {
		panic("tagbus.TestBus: " + err.Error())
	}
	return bus
}

// RecordedCall is one call observed by a RecordingTransport
type RecordedCall struct {
	Method    string
	Peer      transport.PeerID
	Envelope  Envelope
	Timestamp time.Time
}

// RecordingTransport records every call and delegates to the wrapped
// transport, if any. Without a wrapped transport calls succeed and go
// nowhere. It forwards Bind to the wrapped transport when it is a Binder.
type RecordingTransport struct {
	transport.Transport
	mu    sync.Mutex
	calls []RecordedCall
	err   error
}

// NewRecordingTransport wraps t, which may be nil
func NewRecordingTransport(t transport.Transport) *RecordingTransport {
	return &RecordingTransport{Transport: t}
}

// FailWith makes every subsequent send return err
func (t *RecordingTransport) FailWith(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
}

func (t *RecordingTransport) record(method string, peer transport.PeerID, env Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, RecordedCall{
		Method:    method,
		Peer:      peer,
		Envelope:  env,
		Timestamp: time.Now(),
	})
	return t.err
}

// SendToAuthority records the call and delegates
func (t *RecordingTransport) SendToAuthority(ctx context.Context, env Envelope) error {
	if err := t.record("SendToAuthority", "", env); err != nil {
		return err
	}
	if t.Transport == nil {
		return nil
	}
	return t.Transport.SendToAuthority(ctx, env)
}

// BroadcastToAllPeers records the call and delegates
func (t *RecordingTransport) BroadcastToAllPeers(ctx context.Context, env Envelope) error {
	if err := t.record("BroadcastToAllPeers", "", env); err != nil {
		return err
	}
	if t.Transport == nil {
		return nil
	}
	return t.Transport.BroadcastToAllPeers(ctx, env)
}

// SendToPeer records the call and delegates
func (t *RecordingTransport) SendToPeer(ctx context.Context, peer transport.PeerID, env Envelope) error {
	if err := t.record("SendToPeer", peer, env); err != nil {
		return err
	}
	if t.Transport == nil {
		return nil
	}
	return t.Transport.SendToPeer(ctx, peer, env)
}

// AdmitPeer records the call and delegates when the wrapped transport is
// an Admitter. FailWith does not apply to it.
func (t *RecordingTransport) AdmitPeer(ctx context.Context, peer transport.PeerID) error {
	_ = t.record("AdmitPeer", peer, Envelope{})
	if a, ok := t.Transport.(transport.Admitter); ok {
		return a.AdmitPeer(ctx, peer)
	}
	return nil
}

// Close delegates
func (t *RecordingTransport) Close(ctx context.Context) error {
	if t.Transport == nil {
		return nil
	}
	return t.Transport.Close(ctx)
}

// Bind forwards to the wrapped transport
func (t *RecordingTransport) Bind(r transport.Receiver) {
	if b, ok := t.Transport.(transport.Binder); ok {
		b.Bind(r)
	}
}

// Calls returns a copy of all recorded calls
func (t *RecordingTransport) Calls() []RecordedCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]RecordedCall(nil), t.calls...)
}

// CallsTo returns the recorded calls of one method
func (t *RecordingTransport) CallsTo(method string) []RecordedCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []RecordedCall
	for _, c := range t.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Reset clears recorded calls
func (t *RecordingTransport) Reset() {
	t.mu.Lock()
	t.calls = nil
	t.mu.Unlock()
}

// Delivery is one envelope received by a Collector
type Delivery struct {
	Envelope Envelope
	IsGlobal bool
}

// Collector is a listener that records its deliveries
type Collector struct {
	*Listener
	mu         sync.Mutex
	deliveries []Delivery
}

// NewCollector creates a collector. opts configure the embedded Listener.
func NewCollector(opts ...ListenerOption) *Collector {
	c := &Collector{}
	c.Listener = NewListener(func(ctx context.Context, env Envelope, isGlobal bool) {
		c.mu.Lock()
		c.deliveries = append(c.deliveries, Delivery{Envelope: env, IsGlobal: isGlobal})
		c.mu.Unlock()
	}, opts...)
	return c
}

// Deliveries returns a copy of all deliveries
func (c *Collector) Deliveries() []Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Delivery(nil), c.deliveries...)
}

// Tags returns the tags of all deliveries in order
func (c *Collector) Tags() []Tag {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Tag, 0, len(c.deliveries))
	for _, d := range c.deliveries {
		out = append(out, d.Envelope.Tag())
	}
	return out
}

// Count returns the number of deliveries
func (c *Collector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.deliveries)
}

// Reset clears deliveries
func (c *Collector) Reset() {
	c.mu.Lock()
	c.deliveries = nil
	c.mu.Unlock()
}

// Compile-time interface checks
var _ transport.Transport = (*RecordingTransport)(nil)
var _ transport.Binder = (*RecordingTransport)(nil)
var _ transport.Admitter = (*RecordingTransport)(nil)
var _ SubscriberRef = (*Listener)(nil)
var _ SubscriberRef = (*Collector)(nil)
var _ transport.Receiver = (*GlobalBus)(nil)
var _ transport.Gatekeeper = (*GlobalBus)(nil)
