package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
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

// Client is the non-authority side of the WebSocket transport.
type Client struct {
	closed int32
	url    string
	self   transport.PeerID
	opts   *options
	dialer *websocket.Dialer
	logger *slog.Logger

	mu   sync.RWMutex
	conn *peerConn
	wg   sync.WaitGroup

	rmu      sync.RWMutex
	receiver transport.Receiver

	droppedCounter metric.Int64Counter
}

// NewClient creates a client for the hub at rawURL. Bind a receiver
// before calling Connect so replayed history is not missed.
func NewClient(rawURL string, opts ...Option) *Client {
	o := newOptions(opts...)

	meter := otel.Meter("tagbus.transport.ws")
	droppedCounter, _ := meter.Int64Counter("tagbus.transport.dropped",
		metric.WithDescription("Number of frames dropped by the transport"),
		metric.WithUnit("{frame}"),
	)

	return &Client{
		url:  rawURL,
		self: o.peerID,
		opts: o,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: 10 * time.Second,
		},
		logger:         o.logger.With("peer", string(o.peerID), "side", "client"),
		droppedCounter: droppedCounter,
	}
}

// ID returns the client's peer id.
func (c *Client) ID() transport.PeerID {
	return c.self
}

// Bind sets the receiver for inbound frames.
func (c *Client) Bind(r transport.Receiver) {
	c.rmu.Lock()
	c.receiver = r
	c.rmu.Unlock()
}

func (c *Client) currentReceiver() transport.Receiver {
	c.rmu.RLock()
	defer c.rmu.RUnlock()
	return c.receiver
}

func (c *Client) isClosed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}

// IsConnected reports whether the client holds a live connection.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.conn.closed()
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(QueryPeerID, string(c.self))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the hub. Calling Connect while connected is a no-op;
// after the connection drops, Connect dials again.
func (c *Client) Connect(ctx context.Context) error {
	if c.isClosed() {
		return transport.ErrTransportClosed
	}
	if c.IsConnected() {
		return nil
	}

	target, err := c.dialURL()
	if err != nil {
		return fmt.Errorf("ws: invalid url: %w", err)
	}

	ws, resp, err := c.dialer.DialContext(ctx, target, c.opts.header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("ws: dial %s: %w (status %d)", c.url, err, resp.StatusCode)
		}
		return fmt.Errorf("ws: dial %s: %w", c.url, err)
	}

	pc := newPeerConn("", ws, c.opts, c.logger)

	c.mu.Lock()
	if c.isClosed() {
		c.mu.Unlock()
		ws.Close()
		return transport.ErrTransportClosed
	}
	c.conn = pc
	c.wg.Add(1)
	c.mu.Unlock()

	go pc.writePump()
	go func() {
		defer c.wg.Done()
		pc.readPump(c.handle)
		c.logger.Debug("disconnected from hub")
	}()

	c.logger.Debug("connected to hub", "url", c.url)
	return nil
}

// handle accepts broadcast and replay frames from the hub.
func (c *Client) handle(data []byte) {
	ctx := context.Background()

	f, err := c.opts.codec.Decode(data)
	if err != nil {
		c.dropped(ctx, "decode", err)
		return
	}
	if f.Kind != transport.KindBroadcast && f.Kind != transport.KindReplay {
		c.dropped(ctx, "kind", fmt.Errorf("ws: unexpected %s frame from hub", f.Kind))
		return
	}

	rcv := c.currentReceiver()
	if rcv == nil {
		c.dropped(ctx, "no_receiver", transport.ErrNoReceiver)
		return
	}
	rcv.Receive(ctx, f)
}

// SendToAuthority queues a request frame for the hub.
func (c *Client) SendToAuthority(ctx context.Context, env envelope.Envelope) error {
	if c.isClosed() {
		return transport.ErrTransportClosed
	}

	c.mu.RLock()
	pc := c.conn
	c.mu.RUnlock()
	if pc == nil || pc.closed() {
		return transport.ErrNotConnected
	}

	data, err := c.opts.codec.Encode(transport.Frame{Kind: transport.KindRequest, From: c.self, Envelope: env})
	if err != nil {
		return err
	}
	if err := pc.enqueue(data); err != nil {
		c.dropped(ctx, "send_buffer", err)
		if errors.Is(err, transport.ErrTransportClosed) {
			return transport.ErrNotConnected
		}
		return err
	}
	return nil
}

// BroadcastToAllPeers always fails: only the hub addresses peers.
func (c *Client) BroadcastToAllPeers(ctx context.Context, env envelope.Envelope) error {
	return transport.ErrNotAuthority
}

// SendToPeer always fails: only the hub addresses peers.
func (c *Client) SendToPeer(ctx context.Context, peer transport.PeerID, env envelope.Envelope) error {
	return transport.ErrNotAuthority
}

func (c *Client) dropped(ctx context.Context, reason string, err error) {
	c.logger.Debug("frame dropped", "reason", reason)
	if c.droppedCounter != nil {
		c.droppedCounter.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("transport", "ws"),
				attribute.String("reason", reason),
			))
	}
	c.opts.onError(err)
}

// Close closes the connection and waits for the reader to stop or for ctx
// to expire.
func (c *Client) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.close()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.logger.Debug("client closed")
	return nil
}

// Health performs a health check on the client
func (c *Client) Health(ctx context.Context) *transport.HealthCheckResult {
	start := time.Now()

	result := &transport.HealthCheckResult{
		CheckedAt: start,
		Details:   make(map[string]any),
	}
	result.Details["type"] = "ws-client"
	result.Details["peer"] = string(c.self)
	result.Details["url"] = c.url

	switch {
	case c.isClosed():
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "client is closed"
	case !c.IsConnected():
		result.Status = transport.HealthStatusDegraded
		result.Message = "not connected to hub"
	default:
		result.Status = transport.HealthStatusHealthy
		result.Message = "ws client is healthy"
	}

	result.Latency = time.Since(start)
	return result
}

// Compile-time checks
var (
	_ transport.Transport     = (*Client)(nil)
	_ transport.Binder        = (*Client)(nil)
	_ transport.HealthChecker = (*Client)(nil)
)
