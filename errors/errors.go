// Package errors provides error handling for stagee.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Marks, so wrapped errors keep their domain kind across boundaries
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Domain errors carry a stable kind
//	return errors.NewResourceBusyError(key, holder)
//
//	// Check errors
//	if errors.KindOf(err) == errors.KindResourceBusy {
//	    // caller may retry
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

// User-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenDetails = crdb.FlattenDetails
)

// Assertions
var AssertionFailedf = crdb.AssertionFailedf

// Sentinel errors. Each domain constructor in kind.go marks its result with one
// of these so errors.Is keeps working through any amount of wrapping.
var (
	// ErrValidation indicates a malformed plan or request, rejected before any side effect
	ErrValidation = New("validation failed")

	// ErrPermission indicates an authorization gate failure
	ErrPermission = New("permission denied")

	// ErrResourceBusy indicates a target lock is held by another execution
	ErrResourceBusy = New("resource busy")

	// ErrApprovalInvalidated indicates the plan changed after it was approved
	ErrApprovalInvalidated = New("approval invalidated")

	// ErrFSM indicates an illegal execution state transition
	ErrFSM = New("illegal state transition")

	// ErrTimeout indicates an operation exceeded its policy budget
	ErrTimeout = New("operation timed out")

	// ErrStepFailed indicates a plan step returned an error
	ErrStepFailed = New("step failed")

	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrConflict indicates a resource conflict (e.g., duplicate key)
	ErrConflict = New("resource conflict")

	// ErrUnauthorized indicates the request lacks valid credentials
	ErrUnauthorized = New("unauthorized")

	// ErrLeaseLost indicates a worker no longer owns the queue entry it is processing
	ErrLeaseLost = New("lease lost")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrNotFound)
}

// NewUnauthorizedError creates an unauthorized error with a formatted message
func NewUnauthorizedError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrUnauthorized)
}

// NewConflictError creates a conflict error with a formatted message
func NewConflictError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrConflict)
}
