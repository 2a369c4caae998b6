// Package nats provides a peer transport over NATS core pub/sub.
//
// NATS core delivers at most once: frames published while a peer is
// disconnected are lost. Late joiners catch up through the authority's
// history replay, and envelope ids let the global bus drop duplicates.
//
//	conn, _ := natsgo.Connect(natsgo.DefaultURL)
//	tr, _ := nats.New(conn,
//	    pubsub.WithPeerID("host"),
//	    pubsub.WithAuthority("host"),
//	)
//	_ = tr.Start(ctx)
//	bus, _ := tagbus.New("game", tagbus.WithTransport(tr))
//
// Subjects are laid out by the pubsub package under a configurable prefix.
// The connection is owned by the caller and is not closed by the transport.
package nats

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rbaliyan/tagbus/transport"
	"github.com/rbaliyan/tagbus/transport/pubsub"
)

// Errors
var (
	ErrConnRequired = errors.New("nats connection is required")
)

// Conn is the subset of *nats.Conn the transport uses.
type Conn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// statusConn is implemented by *nats.Conn and used for health checks
type statusConn interface {
	Status() nats.Status
	ConnectedUrl() string
}

// Broker adapts a NATS connection to pubsub.Broker.
type Broker struct {
	conn Conn
}

// NewBroker wraps conn.
func NewBroker(conn Conn) (*Broker, error) {
	if conn == nil {
		return nil, ErrConnRequired
	}
	return &Broker{conn: conn}, nil
}

// Publish sends data on subject (fire-and-forget)
func (b *Broker) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.conn.Publish(subject, data)
}

// Subscribe registers handler on subject. NATS calls the handlers of one
// subscription sequentially, preserving publish order.
func (b *Broker) Subscribe(ctx context.Context, subject string, handler func([]byte)) (pubsub.Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, err
	}
	return subscription{sub: sub}, nil
}

// Health reports the connection status when the connection exposes it.
func (b *Broker) Health(ctx context.Context) *transport.HealthCheckResult {
	start := time.Now()

	result := &transport.HealthCheckResult{
		Status:    transport.HealthStatusHealthy,
		CheckedAt: start,
		Details:   make(map[string]any),
	}

	if sc, ok := b.conn.(statusConn); ok {
		status := sc.Status()
		result.Details["connection_status"] = status.String()
		if status != nats.CONNECTED {
			result.Status = transport.HealthStatusUnhealthy
			result.Message = "nats connection not healthy"
		} else {
			result.Message = "nats connection is healthy"
			result.Details["server_url"] = sc.ConnectedUrl()
		}
	}

	result.Latency = time.Since(start)
	return result
}

type subscription struct {
	sub *nats.Subscription
}

func (s subscription) Unsubscribe() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

// New creates a pub/sub transport over conn. Call Start before use.
func New(conn Conn, opts ...pubsub.Option) (*pubsub.Transport, error) {
	b, err := NewBroker(conn)
	if err != nil {
		return nil, err
	}
	return pubsub.New("nats", b, opts...)
}

// Compile-time checks
var (
	_ Conn                    = (*nats.Conn)(nil)
	_ pubsub.Broker           = (*Broker)(nil)
	_ transport.HealthChecker = (*Broker)(nil)
)
