// Package errors provides the bridge's error taxonomy and its mapping onto
// ACP JSON-RPC errors.
package errors

import (
	"errors"
	"fmt"

	"github.com/coder/acp-go-sdk"
)

// Error codes as constants
const (
	ErrCodeSessionNotFound = "SESSION_NOT_FOUND"
	ErrCodeAuthRequired    = "AUTH_REQUIRED"
	ErrCodeInvalidParams   = "INVALID_PARAMS"
	ErrCodeEngineFailure   = "ENGINE_FAILURE"
	ErrCodeDeliveryFailure = "DELIVERY_FAILURE"
	ErrCodeInternalError   = "INTERNAL_ERROR"
)

// JSON-RPC codes used by ACP.
const (
	rpcInvalidParams = -32602
	rpcInternalError = -32603
	rpcAuthRequired  = -32000
)

// AppError represents a bridge error with a stable code and a short
// human-readable message.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// SessionNotFound reports an unknown or unresolvable session id.
func SessionNotFound(id string) *AppError {
	return &AppError{
		Code:    ErrCodeSessionNotFound,
		Message: fmt.Sprintf("session not found: %s", id),
	}
}

// AuthRequired reports a missing credential. hint is shown to the user.
func AuthRequired(hint string) *AppError {
	return &AppError{
		Code:    ErrCodeAuthRequired,
		Message: hint,
	}
}

// InvalidParams reports a malformed request.
func InvalidParams(format string, args ...any) *AppError {
	return &AppError{
		Code:    ErrCodeInvalidParams,
		Message: fmt.Sprintf(format, args...),
	}
}

// EngineFailure wraps an error returned by the conversation engine.
func EngineFailure(message string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeEngineFailure,
		Message: message,
		Err:     err,
	}
}

// DeliveryFailure wraps a failed or unacknowledged client notification.
func DeliveryFailure(message string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeDeliveryFailure,
		Message: message,
		Err:     err,
	}
}

// IsCode reports whether err carries an AppError with the given code.
func IsCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// ToRequestError converts err into the JSON-RPC error returned to the ACP
// client. Errors that already are *acp.RequestError pass through unchanged.
func ToRequestError(err error) error {
	if err == nil {
		return nil
	}
	var reqErr *acp.RequestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	var appErr *AppError
	if !errors.As(err, &appErr) {
		return &acp.RequestError{Code: rpcInternalError, Message: "Internal error", Data: err.Error()}
	}

	switch appErr.Code {
	case ErrCodeSessionNotFound, ErrCodeInvalidParams:
		return &acp.RequestError{Code: rpcInvalidParams, Message: "Invalid params", Data: appErr.Message}
	case ErrCodeAuthRequired:
		return &acp.RequestError{Code: rpcAuthRequired, Message: "Authentication required", Data: appErr.Message}
	default:
		return &acp.RequestError{Code: rpcInternalError, Message: "Internal error", Data: appErr.Error()}
	}
}
