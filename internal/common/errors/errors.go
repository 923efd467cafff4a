// Package errors provides custom error types for the Televibe application.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeBusy          = "BUSY"
	ErrCodeCapacity      = "CAPACITY"
	ErrCodeSubprocess    = "SUBPROCESS_ERROR"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
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

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// Validation creates a new validation error for a specific field.
func Validation(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidation,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// Busy creates an error for a session that already has a non-terminal job.
func Busy(sessionID string, jobID string) *AppError {
	return &AppError{
		Code:       ErrCodeBusy,
		Message:    fmt.Sprintf("session '%s' is busy with job '%s'", sessionID, jobID),
		HTTPStatus: http.StatusConflict,
	}
}

// Capacity creates an error for the global concurrent-job limit being reached.
func Capacity(limit int) *AppError {
	return &AppError{
		Code:       ErrCodeCapacity,
		Message:    fmt.Sprintf("maximum of %d concurrent jobs reached", limit),
		HTTPStatus: http.StatusTooManyRequests,
	}
}

// Subprocess creates an error for a failed child process, preserving the cause.
func Subprocess(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeSubprocess,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// InternalError creates a new internal error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
// If err is already an AppError the original code is preserved.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// CodeOf returns the AppError code of err, or INTERNAL_ERROR for plain errors.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalError
}

// IsNotFound reports whether err carries the NOT_FOUND code.
func IsNotFound(err error) bool { return CodeOf(err) == ErrCodeNotFound }

// IsConflict reports whether err carries the CONFLICT code.
func IsConflict(err error) bool { return CodeOf(err) == ErrCodeConflict }

// IsBusy reports whether err carries the BUSY code.
func IsBusy(err error) bool { return CodeOf(err) == ErrCodeBusy }

// IsCapacity reports whether err carries the CAPACITY code.
func IsCapacity(err error) bool { return CodeOf(err) == ErrCodeCapacity }

// IsValidation reports whether err carries the VALIDATION_ERROR code.
func IsValidation(err error) bool { return CodeOf(err) == ErrCodeValidation }
