package model

import (
	"errors"
	"fmt"
	"net/http"
)

// Standard error codes.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrForbidden          = "FORBIDDEN"
	ErrNotFound           = "NOT_FOUND"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout     = "BACKEND_TIMEOUT"
)

// Step-record error codes.
const (
	ErrVersionConflict  = "VERSION_CONFLICT"
	ErrLocked           = "LOCKED"
	ErrUndoBlocked      = "UNDO_BLOCKED"
	ErrInvocationFailed = "INVOCATION_FAILED"
)

// ErrorEnvelope is the error body returned by a step handler.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// statusForCode maps error codes to HTTP status codes.
var statusForCode = map[string]int{
	ErrBadRequest:         http.StatusBadRequest,
	ErrUnauthorized:       http.StatusUnauthorized,
	ErrForbidden:          http.StatusForbidden,
	ErrNotFound:           http.StatusNotFound,
	ErrVersionConflict:    http.StatusConflict,
	ErrLocked:             http.StatusLocked,
	ErrUndoBlocked:        http.StatusConflict,
	ErrInternalError:      http.StatusInternalServerError,
	ErrBackendUnavailable: http.StatusBadGateway,
	ErrBackendTimeout:     http.StatusGatewayTimeout,
	ErrInvocationFailed:   http.StatusBadGateway,
}

// HTTPStatus returns the HTTP status of the error code. Unknown codes map
// to 500.
func (e *ErrorEnvelope) HTTPStatus() int {
	if s, ok := statusForCode[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewVersionConflictError returns a VERSION_CONFLICT error.
func NewVersionConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrVersionConflict, Message: msg}
}

// NewLockedError returns a LOCKED error.
func NewLockedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrLocked, Message: msg}
}

// NewUndoBlockedError returns an UNDO_BLOCKED error.
func NewUndoBlockedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUndoBlocked, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewBackendUnavailableError returns a BACKEND_UNAVAILABLE error.
func NewBackendUnavailableError(msg string) *ErrorEnvelope {
	if msg == "" {
		msg = "The backend service is temporarily unavailable"
	}
	return &ErrorEnvelope{Code: ErrBackendUnavailable, Message: msg}
}

// NewBackendTimeoutError returns a BACKEND_TIMEOUT error.
func NewBackendTimeoutError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendTimeout,
		Message: "The backend service did not respond in time",
	}
}

// NewInvocationError returns the error reported by another step's handler.
// The remote message is kept verbatim.
func NewInvocationError(code, msg string) *ErrorEnvelope {
	if code == "" {
		code = ErrInvocationFailed
	}
	return &ErrorEnvelope{Code: code, Message: msg}
}

// AsEnvelope converts err into an ErrorEnvelope. Errors that are not
// envelopes become INTERNAL_ERROR carrying err's message.
func AsEnvelope(err error) *ErrorEnvelope {
	if err == nil {
		return nil
	}
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee
	}
	return &ErrorEnvelope{Code: ErrInternalError, Message: err.Error()}
}

// HasCode reports whether err is an ErrorEnvelope with the given code.
func HasCode(err error, code string) bool {
	var ee *ErrorEnvelope
	return errors.As(err, &ee) && ee.Code == code
}
