// Package errors provides structured errors with stable codes so callers
// can branch on failure class instead of message text.
package errors

import (
	"fmt"
)

// Code represents an error code
type Code string

const (
	CodeUnknown            Code = "UNKNOWN"              // Unknown error occurred
	CodeInternalError      Code = "INTERNAL_ERROR"       // Internal system error
	CodeValidationFailed   Code = "VALIDATION_FAILED"    // Input validation failed
	CodeAuthFailed         Code = "AUTH_FAILED"          // Hosting credential rejected
	CodeForbiddenSecretKey Code = "FORBIDDEN_SECRET_KEY" // Secret-like key written outside the allow-list
	CodeInvalidState       Code = "INVALID_STATE"        // Scan state violates an invariant
	CodeNotFound           Code = "NOT_FOUND"            // Resource not found
	CodeAlreadyExists      Code = "ALREADY_EXISTS"       // Resource already exists
	CodeVolumeCreateFailed Code = "VOLUME_CREATE_FAILED" // Workspace volume provisioning failed
	CodeCloneFailed        Code = "CLONE_FAILED"         // Repository clone failed
	CodeCloneTimeout       Code = "CLONE_TIMEOUT"        // Repository clone exceeded its deadline
	CodeCloneStartFailed   Code = "CLONE_START_FAILED"   // Clone container could not start
	CodeStatsFailed        Code = "STATS_FAILED"         // Codebase stats job failed
	CodeExecutorMissing    Code = "EXECUTOR_MISSING"     // Sandbox executor binary unavailable
	CodeTimeoutError       Code = "TIMEOUT_ERROR"        // Operation timed out
	CodeToolFailed         Code = "TOOL_FAILED"          // Sandboxed tool returned failure
	CodeScanFailed         Code = "SCAN_FAILED"          // Scan workflow failed
	CodePersistenceFailed  Code = "PERSISTENCE_FAILED"   // Result persistence failed
	CodeNetworkError       Code = "NETWORK_ERROR"        // Network error reaching a collaborator
	CodeOperationFailed    Code = "OPERATION_FAILED"     // Operation failed
)

// Error represents a structured error with code and context
type Error struct {
	Code    Code
	Domain  string
	Message string
	Cause   error
}

// New creates a new error with the given code, domain, message, and optional cause
func New(code Code, domain string, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Domain:  domain,
		Message: message,
		Cause:   cause,
	}
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Domain, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Domain, e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// HasCode reports whether err (or anything it wraps) carries the given code.
func HasCode(err error, code Code) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
