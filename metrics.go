package statesync

import (
	"time"

	syncErrors "github.com/c0deZ3R0/go-statesync/errors"
)

// MetricsCollector provides hooks for collecting engine metrics.
type MetricsCollector interface {
	// RecordRefresh records one pull of target ("state" or "cache:<name>").
	RecordRefresh(target string, duration time.Duration, err error)

	// RecordMutation records one pass-through store operation.
	RecordMutation(op syncErrors.Operation, duration time.Duration, err error)

	// RecordInvalidation records a received invalidation signal and whether
	// it was folded into a pull already in flight.
	RecordInvalidation(target string, coalesced bool)

	// RecordPending records a pending-edit status transition.
	RecordPending(status EditStatus)
}

// NoOpMetricsCollector is a default implementation that does nothing
type NoOpMetricsCollector struct{}

func (n *NoOpMetricsCollector) RecordRefresh(target string, duration time.Duration, err error)           {}
func (n *NoOpMetricsCollector) RecordMutation(op syncErrors.Operation, duration time.Duration, err error) {}
func (n *NoOpMetricsCollector) RecordInvalidation(target string, coalesced bool)                         {}
func (n *NoOpMetricsCollector) RecordPending(status EditStatus)                                          {}
