package errors

import "net/http"

// Lifecycle error codes.
const (
	CodeConcurrentOperation  = "CONCURRENT_OPERATION"
	CodeResourceUnavailable  = "RESOURCE_UNAVAILABLE"
	CodeInsufficientCapacity = "INSUFFICIENT_CAPACITY"
	CodeOperationTimeout     = "OPERATION_TIMEOUT"
	CodeInvalidState         = "INVALID_STATE"
	CodeNoTransition         = "NO_TRANSITION"
	CodeOperationFailed      = "OPERATION_FAILED"
)

// Entity error codes.
const (
	CodeVMNotFound   = "VM_NOT_FOUND"
	CodeHostNotFound = "HOST_NOT_FOUND"
	CodeNicNotFound  = "NIC_NOT_FOUND"
	CodeJobNotFound  = "JOB_NOT_FOUND"
)

// Auth error codes.
const (
	CodeAuthFailed   = "AUTH_FAILED"
	CodeTokenExpired = "TOKEN_EXPIRED"
	CodeTokenInvalid = "TOKEN_INVALID"
	CodeForbidden    = "FORBIDDEN"
)

// Validation error codes.
const (
	CodeInvalidRequestField = "INVALID_REQUEST_FIELD"
	CodeUnknownOperation    = "UNKNOWN_OPERATION"
	CodeInternal            = "INTERNAL_ERROR"
)

// Scope names a level of the placement hierarchy a failure applies to.
type Scope string

const (
	ScopeDataCenter Scope = "datacenter"
	ScopePod        Scope = "pod"
	ScopeCluster    Scope = "cluster"
	ScopeHost       Scope = "host"
	ScopePool       Scope = "pool"
	ScopeNetwork    Scope = "network"
)

// Param keys shared across constructors.
const (
	ParamVMUUID           = "vm_uuid"
	ParamState            = "state"
	ParamHostID           = "host_id"
	ParamScope            = "scope"
	ParamResourceID       = "resource_id"
	ParamAffinityConflict = "affinity_conflict"
	ParamActive           = "active"
)

// ConcurrentOperation reports a VM that is locked, transitional, or whose
// compare-and-set was lost.
func ConcurrentOperation(message string) *AppError {
	return New(CodeConcurrentOperation, message, http.StatusConflict)
}

// ResourceUnavailable reports a transient lack of a resource at scope.
// Placement treats it as locally recoverable.
func ResourceUnavailable(scope Scope, id int64, message string) *AppError {
	return New(CodeResourceUnavailable, message, http.StatusServiceUnavailable).
		WithParams(map[string]interface{}{ParamScope: string(scope), ParamResourceID: id})
}

// InsufficientCapacity reports that placement found no room at scope.
func InsufficientCapacity(scope Scope, id int64, affinityConflict bool, message string) *AppError {
	return New(CodeInsufficientCapacity, message, http.StatusServiceUnavailable).
		WithParams(map[string]interface{}{
			ParamScope:            string(scope),
			ParamResourceID:       id,
			ParamAffinityConflict: affinityConflict,
		})
}

// OperationTimeout reports an unknown remote outcome. active is true when
// the remote side may still be executing the command.
func OperationTimeout(active bool, message string) *AppError {
	return New(CodeOperationTimeout, message, http.StatusGatewayTimeout).
		WithParam(ParamActive, active)
}

// InvalidState reports an operation not applicable in the VM's state.
func InvalidState(state, message string) *AppError {
	return New(CodeInvalidState, message, http.StatusConflict).WithParam(ParamState, state)
}

// NoTransition reports a missing edge in the transition table.
func NoTransition(state, event string) *AppError {
	return New(CodeNoTransition, "no transition from "+state+" on "+event, http.StatusConflict).
		WithParams(map[string]interface{}{ParamState: state, "event": event})
}

// OperationFailed is the generic lifecycle failure.
func OperationFailed(message string) *AppError {
	return New(CodeOperationFailed, message, http.StatusInternalServerError)
}

// VMNotFound creates a VM not found error.
func VMNotFound(ref string) *AppError {
	return NotFound(CodeVMNotFound, "virtual machine not found").WithParam(ParamVMUUID, ref)
}

// IsRecoverablePlacement reports whether err should extend the exclude list
// and retry placement rather than abort.
func IsRecoverablePlacement(err error) bool {
	return HasCode(err, CodeResourceUnavailable) || HasCode(err, CodeInsufficientCapacity)
}

// TimeoutActive extracts the active flag of an OPERATION_TIMEOUT error.
func TimeoutActive(err error) (active bool, ok bool) {
	appErr, isApp := IsAppError(err)
	for isApp {
		if appErr.Code == CodeOperationTimeout {
			b, _ := appErr.Param(ParamActive).(bool)
			return b, true
		}
		if appErr.Err == nil {
			break
		}
		appErr, isApp = IsAppError(appErr.Err)
	}
	return false, false
}

// ScopeOf returns the scope and resource id of a placement error.
func ScopeOf(err error) (Scope, int64, bool) {
	appErr, ok := IsAppError(err)
	if !ok {
		return "", 0, false
	}
	s, _ := appErr.Param(ParamScope).(string)
	if s == "" {
		return "", 0, false
	}
	var id int64
	switch v := appErr.Param(ParamResourceID).(type) {
	case int64:
		id = v
	case float64:
		id = int64(v)
	case int:
		id = int64(v)
	}
	return Scope(s), id, true
}
