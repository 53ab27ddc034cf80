// Package errors provides error handling for emfac.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Hints that name the offending node parameter
//
// Usage:
//
//	if err := set.Append(item); err != nil {
//	    return errors.Wrap(err, "append to output set")
//	}
//
//	return errors.WithHint(errors.Wrap(ErrInvalidParameter, "proportion"),
//	    "proportion must be in (0, 1]")
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
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// GetStack returns the reportable stack trace attached to err, if any.
var GetStack = crdb.GetReportableStackTrace

// AssertionFailedf reports a broken internal invariant.
var AssertionFailedf = crdb.AssertionFailedf

// Sentinel errors shared across the engine.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrNotFound indicates the requested item, set or row does not exist
	ErrNotFound = New("not found")

	// ErrInvalidParameter indicates a node parameter failed validation
	ErrInvalidParameter = New("invalid parameter")

	// ErrSchemaViolation indicates an upstream item does not match its declared schema
	ErrSchemaViolation = New("schema violation")

	// ErrSetClosed indicates an append was attempted on a CLOSED streaming set
	ErrSetClosed = New("streaming set is closed")

	// ErrFatal marks an error that must stop the node instead of being retried
	ErrFatal = New("fatal")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsFatal reports whether err must terminate the polling loop.
// Parameter and schema violations are fatal; everything else is treated as
// transient and retried on the next tick.
func IsFatal(err error) bool {
	return err != nil && IsAny(err, ErrFatal, ErrInvalidParameter, ErrSchemaViolation)
}

// Fatal marks err as loop-terminating.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return crdb.Mark(err, ErrFatal)
}

// NewInvalidParameter builds a parameter validation error whose hint names the parameter.
func NewInvalidParameter(param string, format string, args ...interface{}) error {
	err := Wrapf(ErrInvalidParameter, "%s", param)
	err = WithDetailf(err, format, args...)
	return WithHintf(err, "check the %q parameter: "+format, append([]interface{}{param}, args...)...)
}

// NewSchemaViolation builds a schema violation error for an upstream item.
func NewSchemaViolation(format string, args ...interface{}) error {
	return Wrap(ErrSchemaViolation, Newf(format, args...).Error())
}
