package statesync

import (
	"log/slog"
	"time"

	syncErrors "github.com/c0deZ3R0/go-statesync/errors"
)

// ErrorHandler receives failures of operations nobody waited on, such as
// pulls triggered by invalidation signals.
type ErrorHandler func(op syncErrors.Operation, err error)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m MetricsCollector) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithErrorHandler sets the handler for asynchronous failures. The default
// logs them.
func WithErrorHandler(h ErrorHandler) Option {
	return func(e *Engine) {
		e.onError = h
	}
}

// WithValidator enables ValidateAndUpdate and the startup version check,
// and wraps the store in a ValidatingStore so fetched state must satisfy
// the schema root before it is adopted.
func WithValidator(v SchemaValidator, schemaID string) Option {
	return func(e *Engine) {
		e.validator = v
		e.schemaID = schemaID
	}
}

// WithStateDefinition names the sub-schema fetched state is validated
// against instead of the schema root.
func WithStateDefinition(definition string) Option {
	return func(e *Engine) {
		e.stateDefinition = definition
	}
}

// WithoutStateValidation adopts fetched state without validating it, even
// when a validator is configured.
func WithoutStateValidation() Option {
	return func(e *Engine) {
		e.skipStateValidation = true
	}
}

// WithExpectedVersion makes Start fail with a fatal error when the schema
// declares a different protocol version.
func WithExpectedVersion(version string) Option {
	return func(e *Engine) {
		e.expectedVersion = version
	}
}

// WithPendingTimeout sets how long an edit may stay pending before it
// expires. Zero disables expiry.
func WithPendingTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.pendingTimeout = d
	}
}

// WithPendingListener observes every pending-edit status change.
func WithPendingListener(fn func(PendingEdit)) Option {
	return func(e *Engine) {
		e.pendingListeners = append(e.pendingListeners, fn)
	}
}

// WithPreloadCaches names caches that Start pulls alongside the state.
func WithPreloadCaches(names ...string) Option {
	return func(e *Engine) {
		e.preload = append(e.preload, names...)
	}
}
