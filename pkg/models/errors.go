package models

import (
	"errors"
	"fmt"
)

// ErrorCode classifies operation failures into a fixed enumeration shared
// across the API surface, the governance engine, and the recovery loop.
type ErrorCode string

const (
	// Validation failures, caught at the operation boundary.
	ErrCodeMissingParameter     ErrorCode = "MISSING_PARAMETER"
	ErrCodeInvalidParameterType ErrorCode = "INVALID_PARAMETER_TYPE"
	ErrCodeOutOfRange           ErrorCode = "OUT_OF_RANGE"
	ErrCodeAgentNotFound        ErrorCode = "AGENT_NOT_FOUND"
	ErrCodeSessionNotFound      ErrorCode = "SESSION_NOT_FOUND"
	ErrCodeAgentNotRegistered   ErrorCode = "AGENT_NOT_REGISTERED"
	ErrCodeResourceNotFound     ErrorCode = "RESOURCE_NOT_FOUND"

	// Authentication and authorization failures, always final.
	ErrCodeAuthFailed         ErrorCode = "AUTH_FAILED"
	ErrCodeAuthRequired       ErrorCode = "AUTHENTICATION_REQUIRED"
	ErrCodeOwnershipViolation ErrorCode = "OWNERSHIP_VIOLATION"
	ErrCodePermissionDenied   ErrorCode = "PERMISSION_DENIED"
	ErrCodeSessionMismatch    ErrorCode = "SESSION_MISMATCH"

	// State and concurrency outcomes, retryable by the caller after backoff.
	ErrCodeAlreadyOpen       ErrorCode = "ALREADY_OPEN"
	ErrCodeWrongPhase        ErrorCode = "WRONG_PHASE"
	ErrCodeContention        ErrorCode = "CONTENTION"
	ErrCodeRateLimited       ErrorCode = "RATE_LIMITED"
	ErrCodeTimeout           ErrorCode = "TIMEOUT"
	ErrCodeConflict          ErrorCode = "CONFLICT"
	ErrCodeUnsafe            ErrorCode = "UNSAFE"
	ErrCodeNoReviewer        ErrorCode = "NO_REVIEWER"
	ErrCodeAmbiguousExisting ErrorCode = "AMBIGUOUS_EXISTING"

	// System failures, logged with full context and audited.
	ErrCodeUnavailable        ErrorCode = "UNAVAILABLE"
	ErrCodeIntegrationFailure ErrorCode = "INTEGRATION_FAILURE"
	ErrCodePersistFailure     ErrorCode = "PERSIST_FAILURE"
	ErrCodeInternal           ErrorCode = "INTERNAL"

	// Bad input covers malformed update payloads (wrong vector dimension,
	// scalar out of bounds, agent not active).
	ErrCodeBadInput ErrorCode = "BAD_INPUT"
)

// Error is the failure half of every operation result. It carries the
// machine-readable code, a human-readable message, optional structured
// details, and suggested follow-up operations.
type Error struct {
	Code     ErrorCode      `json:"error_code"`
	Message  string         `json:"error"`
	Details  map[string]any `json:"details,omitempty"`
	Recovery []string       `json:"recovery,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates an Error with a formatted message.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches a structured detail payload and returns the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// WithRecovery attaches suggested follow-up operations and returns the error.
func (e *Error) WithRecovery(ops ...string) *Error {
	e.Recovery = ops
	return e
}

// AsError extracts a *Error from an error chain. Wrapped stdlib errors that
// carry no code are reported as INTERNAL so callers always see a valid code.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var me *Error
	if errors.As(err, &me) {
		return me
	}
	return &Error{Code: ErrCodeInternal, Message: err.Error()}
}

// CodeOf returns the error code carried by err, or INTERNAL for plain errors.
func CodeOf(err error) ErrorCode {
	if e := AsError(err); e != nil {
		return e.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code ErrorCode) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Code == code
	}
	return false
}
