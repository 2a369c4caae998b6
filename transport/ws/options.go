package ws

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/rbaliyan/tagbus/transport"
	"github.com/rbaliyan/tagbus/transport/codec"
)

// Default configuration
var (
	DefaultSendBuffer     = 256
	DefaultMaxMessageSize = int64(64 * 1024)
	DefaultWriteWait      = 10 * time.Second
	DefaultPongWait       = 60 * time.Second
)

// QueryPeerID is the query parameter carrying the client's peer id
const QueryPeerID = "peer"

// options holds configuration for hubs and clients (unexported)
type options struct {
	peerID         transport.PeerID
	codec          codec.Codec
	sendBuffer     int
	maxMessageSize int64
	writeWait      time.Duration
	pongWait       time.Duration
	checkOrigin    func(r *http.Request) bool
	header         http.Header
	logger         *slog.Logger
	onError        func(error)
}

// Option configures a Hub or Client
type Option func(*options)

// WithPeerID sets the local peer id. A random id is generated if unset.
func WithPeerID(id transport.PeerID) Option {
	return func(o *options) {
		o.peerID = id
	}
}

// WithCodec sets the codec for frame serialization.
// Binary codecs are sent as websocket binary messages.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithSendBuffer sets the per-connection outbound queue size.
// Frames for a connection whose queue is full are dropped.
func WithSendBuffer(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.sendBuffer = size
		}
	}
}

// WithMaxMessageSize sets the largest inbound message accepted.
func WithMaxMessageSize(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxMessageSize = n
		}
	}
}

// WithKeepalive sets the pong deadline. Pings are sent at 9/10 of it.
func WithKeepalive(pongWait time.Duration) Option {
	return func(o *options) {
		if pongWait > 0 {
			o.pongWait = pongWait
		}
	}
}

// WithCheckOrigin sets the hub's origin check. The default accepts
// requests without an Origin header and localhost origins.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(o *options) {
		if fn != nil {
			o.checkOrigin = fn
		}
	}
}

// WithHeader sets extra headers sent by a client during the handshake.
func WithHeader(h http.Header) Option {
	return func(o *options) {
		o.header = h
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithErrorHandler sets the error handler callback.
// Called when a frame is dropped or a connection fails.
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) {
		if fn != nil {
			o.onError = fn
		}
	}
}

func newOptions(opts ...Option) *options {
	o := &options{
		codec:          codec.Default(),
		sendBuffer:     DefaultSendBuffer,
		maxMessageSize: DefaultMaxMessageSize,
		writeWait:      DefaultWriteWait,
		pongWait:       DefaultPongWait,
		checkOrigin:    localOrigin,
		logger:         transport.Logger("transport>ws"),
		onError:        func(error) {},
	}

	for _, opt := range opts {
		opt(o)
	}

	if o.peerID == "" {
		o.peerID = transport.NewPeerID()
	}
	return o
}

func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
		if len(origin) >= len(prefix) && origin[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}
