// Package errors provides lightweight operation-error wrapping for
// internal plumbing failures that never cross the external API
// boundary (use internal/errors.AppError for those instead).
package errors

import "fmt"

// OperationError describes a failed internal operation with optional
// component/resource context.
type OperationError struct {
	Operation string
	Component string
	Resource  string
	Cause     error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	msg := fmt.Sprintf("failed to %s", e.Operation)
	if e.Component != "" {
		msg = fmt.Sprintf("%s, component: %s", msg, e.Component)
	}
	if e.Resource != "" {
		msg = fmt.Sprintf("%s, resource: %s", msg, e.Resource)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s, cause: %s", msg, e.Cause.Error())
	}
	return msg
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *OperationError) Unwrap() error {
	return e.Cause
}

// SimpleError is a minimal "failed to X[: cause]" error, distinct from
// OperationError's richer component/resource formatting.
type SimpleError struct {
	Action string
	Cause  error
}

// Error implements the error interface.
func (e *SimpleError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("failed to %s", e.Action)
	}
	return fmt.Sprintf("failed to %s: %s", e.Action, e.Cause.Error())
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *SimpleError) Unwrap() error {
	return e.Cause
}

// FailedTo builds a SimpleError for a plain action/cause pair.
func FailedTo(action string, cause error) *SimpleError {
	return &SimpleError{Action: action, Cause: cause}
}

// FailedToWithDetails builds an OperationError with component/resource
// context.
func FailedToWithDetails(action, component, resource string, cause error) *OperationError {
	return &OperationError{Operation: action, Component: component, Resource: resource, Cause: cause}
}
