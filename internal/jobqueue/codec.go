package jobqueue

import (
	"encoding/json"
	"errors"
	"net/http"

	apperrors "vmconductor.io/conductor/internal/pkg/errors"
)

// wireError is the persisted form of a job failure.
type wireError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Params  map[string]interface{} `json:"params,omitempty"`
	Cause   string                 `json:"cause,omitempty"`
	Stack   string                 `json:"stack,omitempty"`
}

// RemoteCause is the cause of a decoded job failure, as seen by the node
// that executed the job.
type RemoteCause struct {
	Message string
	Stack   string
}

func (c *RemoteCause) Error() string { return c.Message }

// EncodeError serializes err for the work job record. Errors that are not
// AppErrors are recorded as OPERATION_FAILED. stack may be nil.
func EncodeError(err error, stack []byte) []byte {
	if err == nil {
		return nil
	}
	w := wireError{Stack: string(stack)}
	if appErr, ok := apperrors.IsAppError(err); ok {
		w.Code = appErr.Code
		w.Message = appErr.Message
		w.Params = appErr.Params
		if appErr.Err != nil {
			w.Cause = appErr.Err.Error()
		}
	} else {
		w.Code = apperrors.CodeOperationFailed
		w.Message = err.Error()
	}
	b, mErr := json.Marshal(w)
	if mErr != nil {
		// Params held something unserializable; keep the code and message.
		w.Params = nil
		b, _ = json.Marshal(w)
	}
	return b
}

// DecodeError restores a typed AppError from a job record. The original
// cause and stack are available through errors.As on *RemoteCause.
func DecodeError(b []byte) error {
	if len(b) == 0 {
		return apperrors.OperationFailed("job failed without an error payload")
	}
	var w wireError
	if err := json.Unmarshal(b, &w); err != nil {
		return apperrors.OperationFailed("job failed with an unreadable error payload").WithCause(err)
	}
	appErr := apperrors.New(w.Code, w.Message, statusForCode(w.Code)).WithParams(w.Params)
	if w.Cause != "" || w.Stack != "" {
		appErr.Err = &RemoteCause{Message: w.Cause, Stack: w.Stack}
	}
	return appErr
}

// RemoteStack returns the stack recorded with a decoded job failure.
func RemoteStack(err error) string {
	var rc *RemoteCause
	if errors.As(err, &rc) {
		return rc.Stack
	}
	return ""
}

func statusForCode(code string) int {
	switch code {
	case apperrors.CodeConcurrentOperation, apperrors.CodeInvalidState, apperrors.CodeNoTransition:
		return http.StatusConflict
	case apperrors.CodeResourceUnavailable, apperrors.CodeInsufficientCapacity:
		return http.StatusServiceUnavailable
	case apperrors.CodeOperationTimeout:
		return http.StatusGatewayTimeout
	case apperrors.CodeVMNotFound, apperrors.CodeHostNotFound, apperrors.CodeNicNotFound, apperrors.CodeJobNotFound:
		return http.StatusNotFound
	case apperrors.CodeInvalidRequestField, apperrors.CodeUnknownOperation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
