package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		want string
	}{
		{
			name: "without wrapped error",
			err:  New("VM_NOT_FOUND", "virtual machine not found", http.StatusNotFound),
			want: "VM_NOT_FOUND: virtual machine not found",
		},
		{
			name: "with wrapped error",
			err:  Wrap(fmt.Errorf("db error"), "DB_ERROR", "database failure", http.StatusInternalServerError),
			want: "DB_ERROR: database failure: db error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	inner := fmt.Errorf("inner error")
	appErr := Wrap(inner, "CODE", "msg", 500)

	if !errors.Is(appErr, inner) {
		t.Error("errors.Is should match inner error")
	}
}

func TestIsAppError(t *testing.T) {
	appErr := NotFound("NOT_FOUND", "resource not found")
	wrapped := fmt.Errorf("wrapped: %w", appErr)

	got, ok := IsAppError(wrapped)
	if !ok {
		t.Fatal("IsAppError should return true for wrapped AppError")
	}
	if got.Code != "NOT_FOUND" {
		t.Errorf("Code = %q, want NOT_FOUND", got.Code)
	}
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name       string
		err        *AppError
		wantStatus int
	}{
		{"NotFound", NotFound("NF", "not found"), http.StatusNotFound},
		{"BadRequest", BadRequest("BR", "bad request"), http.StatusBadRequest},
		{"Unauthorized", Unauthorized("UA", "unauthorized"), http.StatusUnauthorized},
		{"Forbidden", Forbidden(CodeForbidden, "forbidden"), http.StatusForbidden},
		{"Conflict", Conflict("CF", "conflict"), http.StatusConflict},
		{"Internal", Internal("IE", "internal"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.HTTPStatus != tt.wantStatus {
				t.Errorf("HTTPStatus = %d, want %d", tt.err.HTTPStatus, tt.wantStatus)
			}
		})
	}
}

func TestLifecycleConstructors(t *testing.T) {
	tests := []struct {
		name       string
		err        *AppError
		wantCode   string
		wantStatus int
	}{
		{"concurrent", ConcurrentOperation("vm is being operated on"), CodeConcurrentOperation, http.StatusConflict},
		{"unavailable", ResourceUnavailable(ScopeHost, 7, "agent down"), CodeResourceUnavailable, http.StatusServiceUnavailable},
		{"capacity", InsufficientCapacity(ScopeDataCenter, 1, true, "no room"), CodeInsufficientCapacity, http.StatusServiceUnavailable},
		{"timeout", OperationTimeout(true, "no answer"), CodeOperationTimeout, http.StatusGatewayTimeout},
		{"invalid state", InvalidState("Destroyed", "cannot start"), CodeInvalidState, http.StatusConflict},
		{"no transition", NoTransition("Stopped", "MigrationRequested"), CodeNoTransition, http.StatusConflict},
		{"failed", OperationFailed("agent rejected"), CodeOperationFailed, http.StatusInternalServerError},
		{"vm not found", VMNotFound("abc"), CodeVMNotFound, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.wantCode, tt.err.Code)
			require.Equal(t, tt.wantStatus, tt.err.HTTPStatus)
		})
	}
}

func TestHasCodeWalksChain(t *testing.T) {
	inner := ResourceUnavailable(ScopeHost, 3, "agent down")
	outer := Wrap(fmt.Errorf("prepare: %w", inner), CodeOperationFailed, "start failed", http.StatusInternalServerError)

	require.True(t, HasCode(outer, CodeOperationFailed))
	require.True(t, HasCode(outer, CodeResourceUnavailable))
	require.False(t, HasCode(outer, CodeInsufficientCapacity))
	require.False(t, HasCode(errors.New("plain"), CodeOperationFailed))
	require.Equal(t, CodeOperationFailed, CodeOf(outer))
}

func TestIsRecoverablePlacement(t *testing.T) {
	require.True(t, IsRecoverablePlacement(ResourceUnavailable(ScopePool, 2, "pool offline")))
	require.True(t, IsRecoverablePlacement(fmt.Errorf("x: %w", InsufficientCapacity(ScopeCluster, 4, false, "full"))))
	require.False(t, IsRecoverablePlacement(ConcurrentOperation("busy")))
}

func TestTimeoutActive(t *testing.T) {
	active, ok := TimeoutActive(fmt.Errorf("send: %w", OperationTimeout(true, "no answer")))
	require.True(t, ok)
	require.True(t, active)

	_, ok = TimeoutActive(OperationFailed("nope"))
	require.False(t, ok)
}

func TestScopeOf(t *testing.T) {
	scope, id, ok := ScopeOf(ResourceUnavailable(ScopeHost, 42, "down"))
	require.True(t, ok)
	require.Equal(t, ScopeHost, scope)
	require.Equal(t, int64(42), id)

	// Params decoded from JSON carry float64 numbers.
	decoded := New(CodeResourceUnavailable, "down", http.StatusServiceUnavailable).
		WithParams(map[string]interface{}{ParamScope: "pool", ParamResourceID: float64(9)})
	scope, id, ok = ScopeOf(decoded)
	require.True(t, ok)
	require.Equal(t, ScopePool, scope)
	require.Equal(t, int64(9), id)

	_, _, ok = ScopeOf(ConcurrentOperation("busy"))
	require.False(t, ok)
}

func TestWithParamsMerges(t *testing.T) {
	err := InvalidState("Running", "cannot expunge").WithParam(ParamVMUUID, "u-1")
	require.Equal(t, "Running", err.Param(ParamState))
	require.Equal(t, "u-1", err.Param(ParamVMUUID))
	require.Nil(t, err.Param("missing"))
}
