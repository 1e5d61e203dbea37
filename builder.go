package statesync

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/c0deZ3R0/go-statesync/transport/httpstore"
)

// EngineBuilder provides a fluent interface for constructing an Engine.
type EngineBuilder struct {
	store           DocumentStore
	validator       SchemaValidator
	schemaID        string
	definition      string
	validateState   bool
	skipValidation  bool
	expectedVersion string
	pendingTimeout  *time.Duration
	preload         []string
	logger          *slog.Logger
	metrics         MetricsCollector
	onError         ErrorHandler
	listeners       []func(PendingEdit)
	extra           []Option
}

// NewEngineBuilder creates a builder with default options.
func NewEngineBuilder() *EngineBuilder {
	return &EngineBuilder{}
}

// WithStore sets the DocumentStore the engine pulls from and mutates.
func (b *EngineBuilder) WithStore(store DocumentStore) *EngineBuilder {
	b.store = store
	return b
}

// WithValidator sets the schema validator and the schema id it checks against.
func (b *EngineBuilder) WithValidator(v SchemaValidator, schemaID string) *EngineBuilder {
	b.validator = v
	b.schemaID = schemaID
	return b
}

// WithStateValidation names the definition ("" for the schema root) fetched
// state must satisfy. With a validator, state is validated against the root
// even without this call.
func (b *EngineBuilder) WithStateValidation(definition string) *EngineBuilder {
	b.validateState = true
	b.definition = definition
	return b
}

// WithoutStateValidation adopts fetched state unchecked.
func (b *EngineBuilder) WithoutStateValidation() *EngineBuilder {
	b.skipValidation = true
	return b
}

// WithExpectedVersion makes Start fail unless the schema declares version.
func (b *EngineBuilder) WithExpectedVersion(version string) *EngineBuilder {
	b.expectedVersion = version
	return b
}

// WithPendingTimeout sets how long edits may stay pending.
func (b *EngineBuilder) WithPendingTimeout(d time.Duration) *EngineBuilder {
	b.pendingTimeout = &d
	return b
}

// WithPendingListener observes pending-edit transitions.
func (b *EngineBuilder) WithPendingListener(fn func(PendingEdit)) *EngineBuilder {
	b.listeners = append(b.listeners, fn)
	return b
}

// WithPreloadCaches names caches Start pulls alongside the state.
func (b *EngineBuilder) WithPreloadCaches(names ...string) *EngineBuilder {
	b.preload = append(b.preload, names...)
	return b
}

// WithLogger sets the logger for the engine and the validating store.
func (b *EngineBuilder) WithLogger(logger *slog.Logger) *EngineBuilder {
	b.logger = logger
	return b
}

// WithMetrics sets the metrics collector.
func (b *EngineBuilder) WithMetrics(m MetricsCollector) *EngineBuilder {
	b.metrics = m
	return b
}

// WithErrorHandler sets the handler for asynchronous failures.
func (b *EngineBuilder) WithErrorHandler(h ErrorHandler) *EngineBuilder {
	b.onError = h
	return b
}

// WithOptions appends raw engine options, applied after the builder's own.
func (b *EngineBuilder) WithOptions(opts ...Option) *EngineBuilder {
	b.extra = append(b.extra, opts...)
	return b
}

// Build creates the Engine.
func (b *EngineBuilder) Build() (*Engine, error) {
	if b.store == nil {
		return nil, fmt.Errorf("DocumentStore is required")
	}
	if (b.validateState || b.expectedVersion != "") && b.validator == nil {
		return nil, fmt.Errorf("state validation and version checks require a validator")
	}
	if b.validateState && b.skipValidation {
		return nil, fmt.Errorf("state validation cannot be both required and disabled")
	}
	if b.validator != nil && b.schemaID == "" {
		return nil, fmt.Errorf("schema id is required with a validator")
	}
	if b.pendingTimeout != nil && *b.pendingTimeout < 0 {
		return nil, fmt.Errorf("pending timeout must not be negative, got %v", *b.pendingTimeout)
	}
	for _, name := range b.preload {
		if err := httpstore.CheckCacheName(name); err != nil {
			return nil, fmt.Errorf("preload cache: %w", err)
		}
	}

	opts := []Option{WithPreloadCaches(b.preload...)}
	if b.validator != nil {
		opts = append(opts, WithValidator(b.validator, b.schemaID), WithStateDefinition(b.definition))
	}
	if b.skipValidation {
		opts = append(opts, WithoutStateValidation())
	}
	if b.expectedVersion != "" {
		opts = append(opts, WithExpectedVersion(b.expectedVersion))
	}
	if b.pendingTimeout != nil {
		opts = append(opts, WithPendingTimeout(*b.pendingTimeout))
	}
	if b.logger != nil {
		opts = append(opts, WithLogger(b.logger))
	}
	if b.metrics != nil {
		opts = append(opts, WithMetrics(b.metrics))
	}
	if b.onError != nil {
		opts = append(opts, WithErrorHandler(b.onError))
	}
	for _, fn := range b.listeners {
		opts = append(opts, WithPendingListener(fn))
	}
	return New(b.store, append(opts, b.extra...)...), nil
}
