package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncError_Error(t *testing.T) {
	tests := []struct {
		name      string
		op        Operation
		component string
		code      ErrorCode
		err       error
		want      string
	}{
		{
			name:      "with component and code",
			op:        OpFetchState,
			component: "transport",
			code:      ErrCodeNetworkFailure,
			err:       fmt.Errorf("connection refused"),
			want:      "fetch_state operation failed in transport component [NETWORK_FAILURE]: connection refused",
		},
		{
			name:      "with component no code",
			op:        OpUpdatePath,
			component: "transport",
			err:       fmt.Errorf("connection refused"),
			want:      "update_path operation failed in transport component: connection refused",
		},
		{
			name: "without component with code",
			op:   OpValidate,
			code: ErrCodeValidationFailure,
			err:  fmt.Errorf("missing property"),
			want: "validate operation failed [VALIDATION_FAILURE]: missing property",
		},
		{
			name: "without component or code",
			op:   OpUndo,
			err:  fmt.Errorf("nothing to undo"),
			want: "undo operation failed: nothing to undo",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &SyncError{
				Op:        tt.op,
				Component: tt.component,
				Err:       tt.err,
				Code:      tt.code,
			}
			assert.Equal(t, tt.want, e.Error())
		})
	}
}

func TestNewNetworkError(t *testing.T) {
	cause := fmt.Errorf("network failure")
	syncErr := NewNetworkError(OpTransport, cause)

	assert.Equal(t, ErrCodeNetworkFailure, syncErr.Code)
	assert.Equal(t, KindUnavailable, syncErr.Kind)
	assert.Equal(t, "transport", syncErr.Component)
	assert.Same(t, cause, syncErr.Err)
	assert.True(t, syncErr.Retryable)
}

func TestNewValidationError(t *testing.T) {
	syncErr := NewValidationError(OpValidate, fmt.Errorf("bad"))

	assert.Equal(t, ErrCodeValidationFailure, syncErr.Code)
	assert.Equal(t, KindInvalid, syncErr.Kind)
	assert.False(t, syncErr.Retryable)
}

func TestE_Builder(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := E(Op("httpstore.FetchState"), Component("transport/httpstore"), KindUnavailable, ErrCodeNetworkFailure, cause, "get state")

	var syncErr *SyncError
	require.True(t, errors.As(err, &syncErr))
	assert.Equal(t, Operation("httpstore.FetchState"), syncErr.Op)
	assert.Equal(t, "transport/httpstore", syncErr.Component)
	assert.Equal(t, KindUnavailable, syncErr.Kind)
	assert.Equal(t, ErrCodeNetworkFailure, syncErr.Code)
	assert.True(t, syncErr.Retryable)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "get state: dial tcp: refused")
}

func TestE_MessageOnly(t *testing.T) {
	err := E(Op("sse.Push"), KindMethodNotAllowed, "not implemented")
	assert.Contains(t, err.Error(), "not implemented")
	assert.True(t, IsKind(err, KindMethodNotAllowed))
	assert.False(t, IsRetryable(err))
}

func TestE_InheritsFromNestedSyncError(t *testing.T) {
	inner := NewFatalError(OpFetchSchema, ErrCodeSchemaFetchFailure, errors.New("404"))
	outer := E(Op("schema.Validate"), Component("schema"), inner)

	assert.True(t, IsKind(outer, KindFatal))
	assert.True(t, HasCode(outer, ErrCodeSchemaFetchFailure))
	assert.ErrorIs(t, outer, inner)
}

func TestIsKind_WalksChain(t *testing.T) {
	inner := E(KindInvalid, "bad fragment")
	outer := E(Op("engine.Update"), KindInternal, inner)

	// outer's own kind is explicit, the nested kind remains discoverable.
	assert.True(t, IsKind(outer, KindInternal))
	assert.True(t, IsKind(outer, KindInvalid))
	assert.False(t, IsKind(outer, KindNotFound))
	assert.False(t, IsKind(errors.New("plain"), KindInvalid))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewNetworkError(OpUndo, errors.New("x"))))
	assert.True(t, IsRetryable(fmt.Errorf("wrapped: %w", NewStorageError(OpStore, errors.New("x")))))
	assert.False(t, IsRetryable(NewValidationError(OpValidate, errors.New("x"))))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestWrapOpComponent(t *testing.T) {
	assert.NoError(t, WrapOpComponent(nil, "op", "component"))

	err := WrapOpComponentKind(errors.New("boom"), "sqlite.Put", "storage/sqlite", KindInternal)
	var syncErr *SyncError
	require.True(t, errors.As(err, &syncErr))
	assert.Equal(t, Operation("sqlite.Put"), syncErr.Op)
	assert.Equal(t, "storage/sqlite", syncErr.Component)
	assert.Equal(t, KindInternal, syncErr.Kind)
}
