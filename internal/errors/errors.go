// Package errors provides the error taxonomy shared by the local store,
// the remote table API and the synchronization engine.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies an error so callers can pick a retry policy.
type ErrorCode string

const (
	// General errors
	ErrInternal  ErrorCode = "INTERNAL_ERROR"
	ErrInvalid   ErrorCode = "INVALID_INPUT"
	ErrNotFound  ErrorCode = "NOT_FOUND"
	ErrDuplicate ErrorCode = "DUPLICATE"

	// Local store errors
	ErrLocalStore ErrorCode = "LOCAL_STORE"
	ErrMigration  ErrorCode = "MIGRATION_FAILED"

	// Remote errors
	ErrTransient ErrorCode = "TRANSIENT"
	ErrPermanent ErrorCode = "PERMANENT"

	// Sync errors
	ErrConflict      ErrorCode = "CONFLICT"
	ErrResolution    ErrorCode = "RESOLUTION"
	ErrSyncBusy      ErrorCode = "SYNC_BUSY"
	ErrNotConfigured ErrorCode = "NOT_CONFIGURED"
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

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// KindOf returns the code of the outermost AppError in the chain.
// Context deadlines and cancellations count as transient.
func KindOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return ErrTransient
	}
	return ErrInternal
}

// Is checks if an error is of a specific code anywhere in its chain.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		if appErr, ok := err.(*AppError); ok && appErr.Code == code {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

// IsRetryable reports whether a failed remote call may succeed on a later pass.
func IsRetryable(err error) bool {
	return KindOf(err) == ErrTransient
}

// IsNotFound reports whether err carries ErrNotFound.
func IsNotFound(err error) bool {
	return Is(err, ErrNotFound)
}

// IsDuplicate reports whether err carries ErrDuplicate.
func IsDuplicate(err error) bool {
	return Is(err, ErrDuplicate)
}
