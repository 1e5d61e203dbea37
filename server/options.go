package server

import (
	"log/slog"
	"time"

	"github.com/c0deZ3R0/go-statesync/transport/httpstore"
	"github.com/c0deZ3R0/go-statesync/transport/wschannel"
)

// Options configures the document service.
type Options struct {
	// CSRFToken, when set, is required in CSRFHeader on every write request.
	CSRFToken  string
	CSRFHeader string

	// SchemaDir is scanned for <id>.json files at startup. Schemas adds or
	// overrides entries by id.
	SchemaDir string
	Schemas   map[string][]byte

	// StateSchema, when set, validates PUT /api/state bodies against
	// StateDefinition inside that schema ("" for the root).
	StateSchema     string
	StateDefinition string

	// MaxRequestSize is the maximum allowed size of incoming request bodies in bytes (compressed)
	MaxRequestSize int64
	// MaxDecompressedSize bounds gzip request bodies once inflated
	MaxDecompressedSize int64

	// Responses at least CompressionThreshold bytes long are gzipped for
	// clients that accept it.
	CompressionEnabled   bool
	CompressionThreshold int64

	// CachePrefix prefixes cache names in invalidation targets.
	CachePrefix string

	// WriteTimeout bounds each websocket frame write.
	WriteTimeout time.Duration
	// MaxMessageSize bounds inbound websocket frames.
	MaxMessageSize int64

	// OnMessage receives application frames sent by clients after their
	// announcement.
	OnMessage func(clientID string, data []byte)

	Logger *slog.Logger
}

// DefaultOptions returns the default server options
func DefaultOptions() *Options {
	return &Options{
		CSRFHeader:           httpstore.DefaultCSRFHeader,
		MaxRequestSize:       10 * 1024 * 1024, // 10MB
		MaxDecompressedSize:  20 * 1024 * 1024, // 20MB
		CompressionEnabled:   true,
		CompressionThreshold: 1024, // 1KB
		CachePrefix:          wschannel.DefaultCachePrefix,
		WriteTimeout:         10 * time.Second,
		MaxMessageSize:       1 << 20,
	}
}

// Option is a functional option for configuring the server.
type Option func(*Options)

// WithCSRFToken requires token on write requests.
func WithCSRFToken(token string) Option {
	return func(o *Options) {
		o.CSRFToken = token
	}
}

// WithCSRFHeader changes the header the token is read from.
func WithCSRFHeader(name string) Option {
	return func(o *Options) {
		o.CSRFHeader = name
	}
}

// WithSchemaDir loads every <id>.json file in dir as a schema.
func WithSchemaDir(dir string) Option {
	return func(o *Options) {
		o.SchemaDir = dir
	}
}

// WithSchema serves raw as the schema with the given id.
func WithSchema(id string, raw []byte) Option {
	return func(o *Options) {
		if o.Schemas == nil {
			o.Schemas = make(map[string][]byte)
		}
		o.Schemas[id] = raw
	}
}

// WithStateValidation rejects replacements that fail definition in schemaID.
func WithStateValidation(schemaID, definition string) Option {
	return func(o *Options) {
		o.StateSchema = schemaID
		o.StateDefinition = definition
	}
}

// WithMaxRequestSize sets the maximum allowed request body size (compressed)
func WithMaxRequestSize(size int64) Option {
	return func(o *Options) {
		o.MaxRequestSize = size
	}
}

// WithMaxDecompressedSize sets the maximum allowed decompressed request body size
func WithMaxDecompressedSize(size int64) Option {
	return func(o *Options) {
		o.MaxDecompressedSize = size
	}
}

// WithCompression enables or disables response compression
func WithCompression(enabled bool) Option {
	return func(o *Options) {
		o.CompressionEnabled = enabled
	}
}

// WithCachePrefix sets the prefix of cache invalidation targets.
func WithCachePrefix(prefix string) Option {
	return func(o *Options) {
		o.CachePrefix = prefix
	}
}

// WithMessageHandler receives client application frames.
func WithMessageHandler(fn func(clientID string, data []byte)) Option {
	return func(o *Options) {
		o.OnMessage = fn
	}
}

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

func applyOptions(opts ...Option) *Options {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}
