package loopback

import (
	"log/slog"

	"github.com/rbaliyan/tagbus/transport"
)

// DefaultBufferSize is the per-endpoint inbox size when async is enabled
var DefaultBufferSize uint = 256

// options holds configuration for the network (unexported)
type options struct {
	bufferSize uint
	async      bool
	onError    func(error)
	logger     *slog.Logger
}

// Option configures the loopback network
type Option func(*options)

// WithBufferSize sets the inbox size of every endpoint.
// Only applies when async is enabled.
func WithBufferSize(size uint) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// WithAsync enables/disables asynchronous delivery.
// When disabled (default), a send calls the receiving bus on the sender's
// goroutine and returns after delivery. When enabled, every endpoint owns
// an ordered inbox drained by its own goroutine; frames arriving at a full
// inbox are dropped.
func WithAsync(enabled bool) Option {
	return func(o *options) {
		o.async = enabled
	}
}

// WithErrorHandler sets the error handler callback.
// Called when a frame is dropped.
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) {
		if fn != nil {
			o.onError = fn
		}
	}
}

// WithLogger sets the logger for the network
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// newOptions creates options with defaults and applies provided options
func newOptions(opts ...Option) *options {
	o := &options{
		onError: func(error) {},
		logger:  transport.Logger("transport>loopback"),
	}

	for _, opt := range opts {
		opt(o)
	}

	if o.async && o.bufferSize == 0 {
		o.bufferSize = DefaultBufferSize
	}

	return o
}
