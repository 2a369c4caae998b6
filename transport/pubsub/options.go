package pubsub

import (
	"log/slog"

	"github.com/rbaliyan/tagbus/transport"
	"github.com/rbaliyan/tagbus/transport/codec"
)

// DefaultPrefix is the subject prefix used when none is configured
const DefaultPrefix = "tagbus"

// options holds configuration for the transport (unexported)
type options struct {
	prefix    string
	peerID    transport.PeerID
	authority transport.PeerID
	codec     codec.Codec
	logger    *slog.Logger
	onError   func(error)
}

// Option configures a pub/sub transport
type Option func(*options)

// WithPrefix sets the subject prefix. Peers only see each other when they
// share a prefix, so one broker can host several sessions.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

// WithPeerID sets this process's peer id. A random id is generated if unset.
func WithPeerID(id transport.PeerID) Option {
	return func(o *options) {
		o.peerID = id
	}
}

// WithAuthority sets the initial authoritative peer.
func WithAuthority(id transport.PeerID) Option {
	return func(o *options) {
		o.authority = id
	}
}

// WithCodec sets the codec for frame serialization
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
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
// Called when an inbound frame cannot be decoded or delivered.
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) {
		if fn != nil {
			o.onError = fn
		}
	}
}

func newOptions(opts ...Option) *options {
	o := &options{
		prefix:  DefaultPrefix,
		codec:   codec.Default(),
		onError: func(error) {},
	}

	for _, opt := range opts {
		opt(o)
	}

	if o.peerID == "" {
		o.peerID = transport.NewPeerID()
	}
	return o
}
