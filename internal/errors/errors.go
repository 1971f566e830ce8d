/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package errors implements the oversight core's error taxonomy: a
// stable code, an HTTP status mapping, and an optional details string,
// per spec §7.
package errors

import (
	"fmt"
	"net/http"
)

// ErrorType enumerates the kinds of errors the oversight core produces,
// grouped by the taxonomy in spec §7.
type ErrorType string

const (
	// Input validation.
	ErrorTypeInvalidQuorumConfig    ErrorType = "INVALID_QUORUM_CONFIG"
	ErrorTypeEscalationChainEmpty   ErrorType = "ESCALATION_CHAIN_EMPTY"
	ErrorTypeTimeoutOutOfBounds     ErrorType = "TIMEOUT_OUT_OF_BOUNDS"
	ErrorTypeDelegationChainInvalid ErrorType = "DELEGATION_CHAIN_INVALID"
	ErrorTypeUnknownAlgorithm       ErrorType = "UNKNOWN_ALGORITHM"

	// Authorization.
	ErrorTypeApproverNotEligible ErrorType = "APPROVER_NOT_ELIGIBLE"
	ErrorTypeCallerNotAuthorized ErrorType = "CALLER_NOT_AUTHORIZED"
	ErrorTypePublicKeyMismatch   ErrorType = "PUBLIC_KEY_MISMATCH"

	// Idempotency / concurrency.
	ErrorTypeDuplicateResponse     ErrorType = "DUPLICATE_RESPONSE"
	ErrorTypeIdempotencyConflict   ErrorType = "IDEMPOTENCY_CONFLICT"
	ErrorTypeConcurrentModification ErrorType = "CONCURRENT_MODIFICATION"

	// State.
	ErrorTypeRequestNotFound        ErrorType = "REQUEST_NOT_FOUND"
	ErrorTypeRequestAlreadyResolved ErrorType = "REQUEST_ALREADY_RESOLVED"

	// Cryptography.
	ErrorTypeInvalidSignature ErrorType = "INVALID_SIGNATURE"

	// Token.
	ErrorTypeTokenExpired      ErrorType = "TOKEN_EXPIRED"
	ErrorTypeTokenAlreadyUsed ErrorType = "TOKEN_ALREADY_USED"

	// Availability.
	ErrorTypeTimerSourceUnavailable ErrorType = "TIMER_SOURCE_UNAVAILABLE"
	ErrorTypeRegistryUnavailable    ErrorType = "REGISTRY_UNAVAILABLE"
	ErrorTypeStoreUnavailable       ErrorType = "STORE_UNAVAILABLE"
	ErrorTypeAuditBacklogExceeded   ErrorType = "AUDIT_BACKLOG_EXCEEDED"
)

// statusCodes maps each ErrorType to its HTTP status per spec §7's
// "user-visible behavior" clause.
var statusCodes = map[ErrorType]int{
	ErrorTypeInvalidQuorumConfig:    http.StatusBadRequest,
	ErrorTypeEscalationChainEmpty:   http.StatusBadRequest,
	ErrorTypeTimeoutOutOfBounds:     http.StatusBadRequest,
	ErrorTypeDelegationChainInvalid: http.StatusBadRequest,
	ErrorTypeUnknownAlgorithm:       http.StatusBadRequest,

	ErrorTypeApproverNotEligible: http.StatusForbidden,
	ErrorTypeCallerNotAuthorized: http.StatusForbidden,
	ErrorTypePublicKeyMismatch:   http.StatusForbidden,

	ErrorTypeDuplicateResponse:      http.StatusOK,
	ErrorTypeIdempotencyConflict:    http.StatusConflict,
	ErrorTypeConcurrentModification: http.StatusConflict,

	ErrorTypeRequestNotFound:        http.StatusNotFound,
	ErrorTypeRequestAlreadyResolved: http.StatusConflict,

	ErrorTypeInvalidSignature: http.StatusUnauthorized,

	ErrorTypeTokenExpired:     http.StatusGone,
	ErrorTypeTokenAlreadyUsed: http.StatusConflict,

	ErrorTypeTimerSourceUnavailable: http.StatusServiceUnavailable,
	ErrorTypeRegistryUnavailable:    http.StatusServiceUnavailable,
	ErrorTypeStoreUnavailable:       http.StatusServiceUnavailable,
	ErrorTypeAuditBacklogExceeded:   http.StatusServiceUnavailable,
}

// StatusCode returns the HTTP status code for an ErrorType, defaulting
// to 500 for unmapped types.
func StatusCode(t ErrorType) int {
	if code, ok := statusCodes[t]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// AppError is a structured error carrying a stable code, a human
// message, optional details, and an optional underlying cause.
type AppError struct {
	Type       ErrorType
	Message    string
	StatusCode int
	TraceID    string
	Details    string
	Cause      error
}

// New creates an AppError of the given type.
func New(t ErrorType, message string) *AppError {
	return &AppError{
		Type:       t,
		Message:    message,
		StatusCode: StatusCode(t),
	}
}

// Newf creates an AppError with a formatted message.
func Newf(t ErrorType, format string, args ...interface{}) *AppError {
	return New(t, fmt.Sprintf(format, args...))
}

// Wrap creates an AppError wrapping an underlying cause.
func Wrap(cause error, t ErrorType, message string) *AppError {
	err := New(t, message)
	err.Cause = cause
	return err
}

// Wrapf creates an AppError wrapping an underlying cause with a
// formatted message.
func Wrapf(cause error, t ErrorType, format string, args ...interface{}) *AppError {
	return Wrap(cause, t, fmt.Sprintf(format, args...))
}

// WithDetails attaches details to the error in place and returns it.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithDetailsf attaches formatted details to the error in place.
func (e *AppError) WithDetailsf(format string, args ...interface{}) *AppError {
	return e.WithDetails(fmt.Sprintf(format, args...))
}

// WithTraceID attaches a trace identifier in place.
func (e *AppError) WithTraceID(traceID string) *AppError {
	e.TraceID = traceID
	return e
}

// Error implements the error interface.
func (e *AppError) Error() string {
	msg := fmt.Sprintf("%s: %s", typeTag(e.Type), e.Message)
	if e.Details != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Details)
	}
	return msg
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the error's type is an availability kind
// that callers should retry, per spec §7's propagation policy.
func (e *AppError) Retryable() bool {
	switch e.Type {
	case ErrorTypeTimerSourceUnavailable, ErrorTypeRegistryUnavailable,
		ErrorTypeStoreUnavailable, ErrorTypeAuditBacklogExceeded:
		return true
	default:
		return false
	}
}

// Idempotent reports whether the error represents a successful no-op
// rather than a failure, per spec §7 (DUPLICATE_RESPONSE).
func (e *AppError) Idempotent() bool {
	return e.Type == ErrorTypeDuplicateResponse
}

func typeTag(t ErrorType) string {
	switch t {
	case ErrorTypeInvalidQuorumConfig, ErrorTypeEscalationChainEmpty,
		ErrorTypeTimeoutOutOfBounds, ErrorTypeDelegationChainInvalid,
		ErrorTypeUnknownAlgorithm:
		return "validation"
	case ErrorTypeApproverNotEligible, ErrorTypeCallerNotAuthorized,
		ErrorTypePublicKeyMismatch:
		return "authorization"
	case ErrorTypeInvalidSignature:
		return "cryptography"
	case ErrorTypeTokenExpired, ErrorTypeTokenAlreadyUsed:
		return "token"
	case ErrorTypeTimerSourceUnavailable, ErrorTypeRegistryUnavailable,
		ErrorTypeStoreUnavailable, ErrorTypeAuditBacklogExceeded:
		return "availability"
	default:
		return "state"
	}
}
