// Package errors provides structured error types for pkgstage.
//
// Every failure the engine can surface carries a machine-readable [Code] so
// that callers (the CLI, a build orchestrator) can tell an integrity failure
// from a registry outage without string matching:
//
//   - MISSING_PARAMETER: the package identity URL lacks name or version
//   - INVALID_VERSION: the registry resolved a different version than pinned
//   - REGISTRY_ERROR: the registry answered with an application-level error
//   - MISSING_METADATA: the registry answered with no usable record
//   - NETWORK_ACCESS_DENIED: the network policy forbids the request
//   - FETCH_FAILED: transport failure after retries
//   - FILE_MISSING / EMPTY_ARTIFACT: post-download invariants violated
//   - INTEGRITY_MISMATCH: SRI or shasum verification failed
//   - EXTRACTION_FAILED: the archive could not be unpacked
//   - NO_LOCKFILE: no lockfile in the source tree or configuration
//
// # Usage
//
//	err := errors.New(errors.ErrCodeInvalidVersion, "%s@%s resolved to %s", name, want, got)
//	if errors.Is(err, errors.ErrCodeInvalidVersion) {
//	    // Handle pinned version drift
//	}
//
//	// Wrap existing errors
//	err := errors.Wrap(errors.ErrCodeFetchFailed, origErr, "download %s", url)
package errors

import (
	"errors"
	"fmt"
)

// Code represents a machine-readable error code.
type Code string

// Error codes for different error categories.
const (
	// Request errors
	ErrCodeMissingParameter Code = "MISSING_PARAMETER"
	ErrCodeInvalidPackage   Code = "INVALID_PACKAGE"
	ErrCodeInvalidConfig    Code = "INVALID_CONFIG"

	// Registry resolution errors
	ErrCodeInvalidVersion  Code = "INVALID_VERSION"
	ErrCodeRegistryError   Code = "REGISTRY_ERROR"
	ErrCodeMissingMetadata Code = "MISSING_METADATA"

	// Transport errors
	ErrCodeNetworkAccessDenied Code = "NETWORK_ACCESS_DENIED"
	ErrCodeFetchFailed         Code = "FETCH_FAILED"

	// Artifact errors
	ErrCodeFileMissing       Code = "FILE_MISSING"
	ErrCodeEmptyArtifact     Code = "EMPTY_ARTIFACT"
	ErrCodeIntegrityMismatch Code = "INTEGRITY_MISMATCH"
	ErrCodeExtractionFailed  Code = "EXTRACTION_FAILED"

	// Lockfile errors
	ErrCodeNoLockfile      Code = "NO_LOCKFILE"
	ErrCodeInvalidLockfile Code = "INVALID_LOCKFILE"

	// Internal errors
	ErrCodeInternal Code = "INTERNAL_ERROR"
)

// Error is a structured error with a code and optional cause.
type Error struct {
	Code    Code   // Machine-readable error code
	Message string // Human-readable message
	Cause   error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new Error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// Annotate wraps err with additional context while keeping its code.
// Errors without a code are annotated as ErrCodeInternal.
func Annotate(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	code := GetCode(err)
	if code == "" {
		code = ErrCodeInternal
	}
	return Wrap(code, err, format, args...)
}

// Is reports whether err has the given error code.
// It unwraps the error chain looking for an *Error with a matching code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// GetCode extracts the error code from an error, if available.
// Returns empty string if the error is not an *Error.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// UserMessage returns a user-friendly message for the error.
// For *Error types, returns the message without the code prefix, followed
// by the message of the innermost coded cause when it differs.
// For other errors, returns the error string as-is.
func UserMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return err.Error()
	}
	msg := e.Message
	for cause := e.Cause; cause != nil; {
		var inner *Error
		if !errors.As(cause, &inner) {
			return msg + ": " + cause.Error()
		}
		msg += ": " + inner.Message
		cause = inner.Cause
	}
	return msg
}

// RegistryError carries the summary a registry reported for a failed query.
// It is always wrapped in an *Error with ErrCodeRegistryError.
type RegistryError struct {
	Summary string
}

// Error implements the error interface.
func (e *RegistryError) Error() string {
	if e.Summary == "" {
		return "registry error"
	}
	return e.Summary
}
