// Package errors provides the structured error type shared by the state
// synchronization engine, its transports and the reference server.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode classifies an error by the failure taxonomy of the engine.
type ErrorCode string

const (
	ErrCodeNetworkFailure     ErrorCode = "NETWORK_FAILURE"
	ErrCodeStorageFailure     ErrorCode = "STORAGE_FAILURE"
	ErrCodeValidationFailure  ErrorCode = "VALIDATION_FAILURE"
	ErrCodeSchemaFetchFailure ErrorCode = "SCHEMA_FETCH_FAILURE"
	ErrCodeVersionMismatch    ErrorCode = "VERSION_MISMATCH"
)

// Kind is a coarse category that callers switch on to decide how to surface
// an error.
type Kind string

const (
	KindInvalid          Kind = "invalid"
	KindNotFound         Kind = "not_found"
	KindInternal         Kind = "internal"
	KindUnavailable      Kind = "unavailable"
	KindMethodNotAllowed Kind = "method_not_allowed"
	KindFatal            Kind = "fatal"
)

// Operation names the engine operation during which the error occurred.
type Operation string

const (
	OpFetchState   Operation = "fetch_state"
	OpReplaceState Operation = "replace_state"
	OpUpdatePath   Operation = "update_path"
	OpDeletePath   Operation = "delete_path"
	OpDeleteValue  Operation = "delete_value"
	OpUndo         Operation = "undo"
	OpRedo         Operation = "redo"
	OpFetchCache   Operation = "fetch_cache"
	OpFetchSchema  Operation = "fetch_schema"
	OpValidate     Operation = "validate"
	OpTransport    Operation = "transport"
	OpStore        Operation = "store"
	OpClose        Operation = "close"
)

// Op is a free-form operation label accepted by E, e.g. "httpstore.UpdatePath".
type Op string

// Component is the component label accepted by E, e.g. "transport/wschannel".
type Component string

// SyncError represents an error that occurred while talking to or serving the
// remote state document.
type SyncError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "store", "transport")
	Component string

	// Kind is the coarse category of the error
	Kind Kind

	// Underlying error
	Err error

	// Whether the operation can be retried
	Retryable bool

	// Error code for the error type
	Code ErrorCode

	// Metadata for additional context
	Metadata map[string]interface{}
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}

	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// E builds a SyncError from a list of heterogeneous arguments. Recognised
// argument types are Op, Operation, Component, Kind, ErrorCode, error,
// string (message) and map[string]interface{} (metadata). A string argument
// without an accompanying error becomes the error; with one it is prepended
// as context.
func E(args ...interface{}) error {
	e := &SyncError{}
	var msgs []string
	for _, arg := range args {
		switch a := arg.(type) {
		case Op:
			e.Op = Operation(a)
		case Operation:
			e.Op = a
		case Component:
			e.Component = string(a)
		case Kind:
			e.Kind = a
		case ErrorCode:
			e.Code = a
		case map[string]interface{}:
			e.Metadata = a
		case *SyncError:
			e.Err = a
			if e.Kind == "" {
				e.Kind = a.Kind
			}
			if e.Code == "" {
				e.Code = a.Code
			}
			e.Retryable = e.Retryable || a.Retryable
		case error:
			e.Err = a
		case string:
			msgs = append(msgs, a)
		}
	}

	if len(msgs) > 0 {
		msg := strings.Join(msgs, ": ")
		if e.Err == nil {
			e.Err = errors.New(msg)
		} else {
			e.Err = fmt.Errorf("%s: %w", msg, e.Err)
		}
	}
	if e.Err == nil {
		e.Err = errors.New("unknown error")
	}
	if e.Kind == KindUnavailable {
		e.Retryable = true
	}
	return e
}

// NewValidationError creates a new validation-related SyncError
func NewValidationError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeValidationFailure,
		Kind:      KindInvalid,
		Op:        op,
		Component: "schema",
		Err:       cause,
		Retryable: false,
	}
}

// NewNetworkError creates a new network-related SyncError
func NewNetworkError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeNetworkFailure,
		Kind:      KindUnavailable,
		Op:        op,
		Component: "transport",
		Err:       cause,
		Retryable: true,
	}
}

// NewStorageError creates a new storage-related SyncError
func NewStorageError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeStorageFailure,
		Kind:      KindInternal,
		Op:        op,
		Component: "store",
		Err:       cause,
		Retryable: true,
	}
}

// NewFatalError creates a SyncError that must halt initialization.
func NewFatalError(op Operation, code ErrorCode, cause error) *SyncError {
	return &SyncError{
		Code:      code,
		Kind:      KindFatal,
		Op:        op,
		Component: "schema",
		Err:       cause,
	}
}

// IsRetryable checks if an error is a retryable SyncError
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}

// IsKind reports whether any SyncError in err's chain has the given kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var syncErr *SyncError
		if !errors.As(err, &syncErr) {
			return false
		}
		if syncErr.Kind == kind {
			return true
		}
		err = syncErr.Err
	}
	return false
}

// HasCode reports whether any SyncError in err's chain carries the given code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		var syncErr *SyncError
		if !errors.As(err, &syncErr) {
			return false
		}
		if syncErr.Code == code {
			return true
		}
		err = syncErr.Err
	}
	return false
}
