// Package redis provides a peer transport over Redis pub/sub.
//
// Redis pub/sub delivers at most once: a peer that is not subscribed when a
// frame is published never sees it. Late joiners catch up through the
// authority's history replay.
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	tr, _ := redis.New(client, nil, pubsub.WithPeerID("p2"), pubsub.WithAuthority("p1"))
//	_ = tr.Start(ctx)
//
// The client is owned by the caller and is not closed by the transport.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rbaliyan/tagbus/transport"
	"github.com/rbaliyan/tagbus/transport/pubsub"
	"github.com/redis/go-redis/v9"
)

// ErrClientRequired is returned when no Redis client is provided
var ErrClientRequired = errors.New("redis client is required")

// DefaultChannelSize is the buffer of each subscription's message channel
var DefaultChannelSize = 100

// Client defines the interface for Redis client operations.
// Supports *redis.Client, *redis.ClusterClient, and redis.UniversalClient.
type Client interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
	Ping(ctx context.Context) *redis.StatusCmd
}

// stream is an open channel subscription
type stream interface {
	Channel(opts ...redis.ChannelOption) <-chan *redis.Message
	Close() error
}

type openFunc func(ctx context.Context, channel string) (stream, error)

// options holds broker configuration (unexported)
type options struct {
	channelSize int
	logger      *slog.Logger
}

// BrokerOption configures the Redis broker
type BrokerOption func(*options)

// WithChannelSize sets the buffer of each subscription's message channel.
// Messages are dropped by the client when the buffer stays full.
func WithChannelSize(size int) BrokerOption {
	return func(o *options) {
		if size > 0 {
			o.channelSize = size
		}
	}
}

// WithLogger sets the broker logger
func WithLogger(l *slog.Logger) BrokerOption {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Broker adapts a Redis client to pubsub.Broker.
type Broker struct {
	client      Client
	open        openFunc
	channelSize int
	logger      *slog.Logger
}

// NewBroker wraps client.
func NewBroker(client Client, opts ...BrokerOption) (*Broker, error) {
	if client == nil {
		return nil, ErrClientRequired
	}
	b := newBroker(client, nil, opts...)
	b.open = b.subscribe
	return b, nil
}

func newBroker(client Client, open openFunc, opts ...BrokerOption) *Broker {
	o := &options{
		channelSize: DefaultChannelSize,
		logger:      transport.Logger("transport>redis"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return &Broker{
		client:      client,
		open:        open,
		channelSize: o.channelSize,
		logger:      o.logger,
	}
}

// subscribe opens a pub/sub connection and waits for the confirmation, so
// frames published after Subscribe returns are not missed.
func (b *Broker) subscribe(ctx context.Context, channel string) (stream, error) {
	ps := b.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}
	return ps, nil
}

// Publish sends data on channel.
func (b *Broker) Publish(ctx context.Context, channel string, data []byte) error {
	return b.client.Publish(ctx, channel, data).Err()
}

// Subscribe starts a goroutine feeding messages on channel to handler in
// arrival order.
func (b *Broker) Subscribe(ctx context.Context, channel string, handler func([]byte)) (pubsub.Subscription, error) {
	s, err := b.open(ctx, channel)
	if err != nil {
		return nil, err
	}

	sub := &subscription{stream: s}
	msgs := s.Channel(redis.WithChannelSize(b.channelSize))

	go func() {
		for msg := range msgs {
			handler([]byte(msg.Payload))
		}
		b.logger.Debug("subscription ended", "channel", channel)
	}()

	return sub, nil
}

// Health pings Redis.
func (b *Broker) Health(ctx context.Context) *transport.HealthCheckResult {
	start := time.Now()

	result := &transport.HealthCheckResult{
		CheckedAt: start,
		Details:   make(map[string]any),
	}

	err := b.client.Ping(ctx).Err()
	result.Latency = time.Since(start)
	if err != nil {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = fmt.Sprintf("redis ping failed: %v", err)
		result.Details["ping_error"] = err.Error()
		return result
	}

	result.Status = transport.HealthStatusHealthy
	result.Message = "redis connection is healthy"
	result.Details["ping_latency_ms"] = result.Latency.Milliseconds()
	return result
}

type subscription struct {
	stream stream
	once   sync.Once
	err    error
}

// Unsubscribe closes the pub/sub connection. The reader goroutine exits
// once the client closes the message channel.
func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.err = s.stream.Close()
	})
	return s.err
}

// New creates a pub/sub transport over client. Call Start before use.
func New(client Client, brokerOpts []BrokerOption, opts ...pubsub.Option) (*pubsub.Transport, error) {
	b, err := NewBroker(client, brokerOpts...)
	if err != nil {
		return nil, err
	}
	return pubsub.New("redis", b, opts...)
}

// Compile-time checks
var (
	_ Client                  = (*redis.Client)(nil)
	_ Client                  = (*redis.ClusterClient)(nil)
	_ Client                  = (redis.UniversalClient)(nil)
	_ stream                  = (*redis.PubSub)(nil)
	_ pubsub.Broker           = (*Broker)(nil)
	_ transport.HealthChecker = (*Broker)(nil)
)
