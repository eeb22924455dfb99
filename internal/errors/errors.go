// Package errors provides error codes for the capture and sync core.
// Codes cross the boundary to the host application unchanged, so the UI can
// map them to user-facing messages without parsing error strings.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode is a stable, host-visible error identifier.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Capture errors
	ErrDeviceUnavailable ErrorCode = "DEVICE_UNAVAILABLE"
	ErrInvalidState      ErrorCode = "INVALID_STATE"
	ErrTranscodeFailed   ErrorCode = "TRANSCODE_FAILED"

	// Storage errors
	ErrPersistence ErrorCode = "PERSISTENCE_ERROR"
	ErrMigration   ErrorCode = "MIGRATION_FAILED"

	// Sync errors
	ErrRemoteCreateFailed ErrorCode = "REMOTE_CREATE_FAILED"
	ErrRemoteUploadFailed ErrorCode = "REMOTE_UPLOAD_FAILED"
	ErrSyncFailed         ErrorCode = "SYNC_FAILED"
	ErrOffline            ErrorCode = "OFFLINE"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is reports whether any error in err's chain is an AppError with code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the code of the first AppError in err's chain,
// or ErrInternal when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}
