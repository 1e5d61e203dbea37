package wschannel

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Option configures a Channel.
type Option func(*Channel)

// WithSignalHandler sets the function invoked for every recognised inbound
// signal. It runs on the read goroutine and should not block.
func WithSignalHandler(fn func(Signal)) Option {
	return func(c *Channel) {
		c.onSignal = fn
	}
}

// OnStateChange registers a callback for the Ready and Disconnected
// transitions. Callbacks run in registration order.
func OnStateChange(fn func(State)) Option {
	return func(c *Channel) {
		c.onState = append(c.onState, fn)
	}
}

// WithCachePrefix overrides the target prefix that marks a cache signal.
func WithCachePrefix(prefix string) Option {
	return func(c *Channel) {
		c.cachePrefix = prefix
	}
}

// WithClientID overrides the generated client identifier.
func WithClientID(id string) Option {
	return func(c *Channel) {
		c.clientID = id
	}
}

// WithHeader sets headers sent with the handshake, e.g. the anti-forgery token.
func WithHeader(h http.Header) Option {
	return func(c *Channel) {
		c.header = h
	}
}

// WithDialer sets the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Channel) {
		c.dialer = d
	}
}

// WithWriteTimeout bounds every frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Channel) {
		c.writeTimeout = d
	}
}

// WithPingInterval sets the keepalive ping period. Zero disables pings.
func WithPingInterval(d time.Duration) Option {
	return func(c *Channel) {
		c.pingInterval = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) {
		c.logger = logger
	}
}
