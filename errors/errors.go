// Package errors provides error handling for jobsvc.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Details and hints that survive wrapping
//
// Usage:
//
//	if err := repo.Put(ctx, details); err != nil {
//	    return errors.Wrap(err, "failed to persist job")
//	}
//
//	if errors.Is(err, errors.ErrConflict) {
//	    // another writer touched the row first
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
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
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

// GetStack returns the reportable stack trace attached to err, if any.
var GetStack = crdb.GetReportableStackTrace

// Sentinel errors shared across the scheduler.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrNotFound indicates the requested job or row does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed
	ErrInvalidRequest = New("invalid request")

	// ErrInvalidSchedule indicates a job schedule cannot produce fire times.
	// Jobs failing with this error are never persisted.
	ErrInvalidSchedule = New("invalid schedule")

	// ErrConflict indicates an optimistic concurrency check failed
	ErrConflict = New("resource conflict")

	// ErrLeadershipLost indicates this replica is not (or no longer) the leader
	ErrLeadershipLost = New("leadership lost")

	// ErrServiceUnavailable indicates a required service is not available
	ErrServiceUnavailable = New("service unavailable")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = New("operation timed out")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsConflictError checks if an error is or wraps ErrConflict
func IsConflictError(err error) bool {
	return err != nil && Is(err, ErrConflict)
}

// IsLeadershipLost checks if an error is or wraps ErrLeadershipLost
func IsLeadershipLost(err error) bool {
	return err != nil && Is(err, ErrLeadershipLost)
}

// IsInvalidRequestError reports whether err is a caller mistake (malformed
// request or unusable schedule).
func IsInvalidRequestError(err error) bool {
	return err != nil && IsAny(err, ErrInvalidRequest, ErrInvalidSchedule)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewInvalidScheduleError creates an invalid-schedule error with a formatted message
func NewInvalidScheduleError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidSchedule, Newf(format, args...).Error())
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}

// NewConflictError creates a conflict error with a formatted message
func NewConflictError(format string, args ...interface{}) error {
	return Wrap(ErrConflict, Newf(format, args...).Error())
}
