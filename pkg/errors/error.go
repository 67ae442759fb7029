// Package errors provides structured error handling with typed error codes.
//
// Error codes are organized into categories:
//   - General errors (1-99): Unknown and general errors
//   - Validation errors (100-199): Invalid requests, configuration, and alert conditions
//   - Data errors (200-299): Empty historical results and malformed backend payloads
//   - Pipeline errors (300-399): Stage failures (isolated and fatal) and superseded runs
//   - Transport errors (400-499): HTTP and live-feed channel failures
//   - Storage errors (500-599): Local persistence and export failures
//   - Notification errors (600-699): Alert notification dispatch failures
//
// Usage:
//
//	// Create a new error
//	err := errors.New(errors.ErrCodeInvalidRequest, "end date before start date")
//
//	// Create a formatted error
//	err := errors.Newf(errors.ErrCodeNoData, "no historical data for %s", ticker)
//
//	// Wrap an existing error
//	err := errors.Wrap(errors.ErrCodeTransport, "historical fetch failed", originalErr)
//
//	// Check error code
//	if errors.HasCode(err, errors.ErrCodeNoData) { ... }
package errors

import (
	"errors"
	"fmt"
)

// Error represents a structured error with an error code and message.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   nil,
	}
}

// Newf creates a new Error with the given code and formatted message.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   nil,
	}
}

// Wrap wraps an existing error with a new Error containing the given code and message.
func Wrap(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Wrapf wraps an existing error with a new Error containing the given code and formatted message.
func Wrapf(code ErrorCode, cause error, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Cause)
	}

	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether any error in err's chain matches target.
// This is a convenience wrapper around the standard errors.Is function.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
// This is a convenience wrapper around the standard errors.As function.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// GetCode extracts the ErrorCode from an error if it's an *Error type.
// Returns ErrCodeUnknown if the error is not an *Error type.
func GetCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}

	return ErrCodeUnknown
}

// HasCode checks if an error has a specific ErrorCode.
func HasCode(err error, code ErrorCode) bool {
	return GetCode(err) == code
}

// MalformedPayloadError represents a backend payload that failed boundary
// validation (e.g., a live tick whose price field is not numeric). Feed
// consumers drop these silently instead of treating them as transport
// failures.
type MalformedPayloadError struct {
	Field   string // Name of the offending field
	Raw     string // Raw value as received, for diagnostics
	Message string // Human-readable message
}

// NewMalformedPayloadError creates a new MalformedPayloadError.
func NewMalformedPayloadError(field, raw, message string) *MalformedPayloadError {
	return &MalformedPayloadError{
		Field:   field,
		Raw:     raw,
		Message: message,
	}
}

// NewMalformedPayloadErrorf creates a new MalformedPayloadError with a formatted message.
func NewMalformedPayloadErrorf(field, raw, format string, args ...any) *MalformedPayloadError {
	return &MalformedPayloadError{
		Field:   field,
		Raw:     raw,
		Message: fmt.Sprintf(format, args...),
	}
}

// Error implements the error interface.
func (e *MalformedPayloadError) Error() string {
	return e.Message
}

// IsMalformedPayloadError checks if an error is a MalformedPayloadError.
// It uses errors.As to check the error chain.
func IsMalformedPayloadError(err error) bool {
	var malformedErr *MalformedPayloadError

	return errors.As(err, &malformedErr)
}
