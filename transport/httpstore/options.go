package httpstore

import (
	"log/slog"
	"net/http"
	"time"
)

// DefaultCSRFHeader is the header that carries the anti-forgery token on
// write requests.
const DefaultCSRFHeader = "X-CSRFToken"

// Limits defines size and compression limits for responses.
type Limits struct {
	MaxBodyBytes         int64 // Maximum response body size on the wire
	MaxDecompressedBytes int64 // Maximum response size after gunzip
	EnableGzip           bool  // Request gzip responses and gzip large request bodies
	GzipMinBytes         int   // Minimum request body size before it is gzipped
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxBodyBytes:         8 << 20,
		MaxDecompressedBytes: 64 << 20,
		EnableGzip:           true,
		GzipMinBytes:         1024,
	}
}

// Option configures a Client using the functional options pattern.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(cl *http.Client) Option {
	return func(c *Client) {
		c.http = cl
	}
}

// WithLimits sets the size and compression limits.
func WithLimits(l Limits) Option {
	return func(c *Client) {
		c.limits = l
	}
}

// WithRequestTimeout bounds every request. Zero disables the bound.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.requestTimeout = d
	}
}

// WithCSRFToken sets the anti-forgery token sent on write requests.
func WithCSRFToken(token string) Option {
	return func(c *Client) {
		c.csrfToken = token
	}
}

// WithCSRFHeader overrides the name of the anti-forgery header.
func WithCSRFHeader(name string) Option {
	return func(c *Client) {
		c.csrfHeader = name
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}
