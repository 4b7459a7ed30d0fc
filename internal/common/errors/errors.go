// Package errors provides the typed error taxonomy for the Ralph runner.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeStoreBusy          = "STORE_BUSY"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeStorageUnavailable = "STORAGE_UNAVAILABLE"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeValidationError    = "VALIDATION_ERROR"
	ErrCodeInternalError      = "INTERNAL_ERROR"
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

// StoreBusy indicates the state-store lock could not be acquired.
func StoreBusy(err error) *AppError {
	return &AppError{
		Code:       ErrCodeStoreBusy,
		Message:    "state store is locked by another writer",
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// InvalidTransition indicates the caller attempted an illegal status change.
func InvalidTransition(from, to string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidTransition,
		Message:    fmt.Sprintf("invalid status transition %s -> %s", from, to),
		HTTPStatus: http.StatusConflict,
	}
}

// StorageUnavailable indicates an IO failure while persisting the document.
// The caller must not assume the patch was applied.
func StorageUnavailable(err error) *AppError {
	return &AppError{
		Code:       ErrCodeStorageUnavailable,
		Message:    "failed to persist state document",
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// Conflict creates a new conflict error (e.g. duplicate branch).
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// Validation creates a new validation error.
func Validation(message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Internal creates a new internal error with a wrapped underlying error.
func Internal(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsCode reports whether err is an AppError with the given code.
func IsCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// HTTPStatusOf returns the HTTP status for an error, defaulting to 500.
func HTTPStatusOf(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
