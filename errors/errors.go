// Package errors provides error handling for testorch.
//
// This package re-exports github.com/cockroachdb/errors so every package
// gets stack traces, wrapping and details from one import, and defines the
// sentinel errors that make up the orchestrator's error taxonomy.
//
// Usage:
//
//	if err := store.Save(ctx, exec); err != nil {
//	    return errors.Wrapf(err, "failed to persist execution %s", exec.ID)
//	}
//
//	if errors.Is(err, errors.ErrInvalidTransition) {
//	    // already applied or conflicting
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

	// CombineErrors keeps the first error and attaches the second as a
	// secondary error
	CombineErrors = crdb.CombineErrors
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

// GetStack returns the reportable stack trace attached to err, if any.
var GetStack = crdb.GetReportableStackTrace

// Generic sentinels shared by every layer.
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")

	// ErrConflict indicates a resource conflict (e.g., duplicate key)
	ErrConflict = New("resource conflict")

	// ErrServiceUnavailable indicates a required service is not available
	ErrServiceUnavailable = New("service unavailable")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = New("operation timed out")
)

// Orchestration taxonomy.
var (
	// ErrInvalidTransition is returned when a state machine rejects an event,
	// e.g. completing a shard that is already terminal.
	ErrInvalidTransition = New("invalid transition")

	// ErrStorage marks unrecoverable local storage failures. Processing of the
	// affected event must abort.
	ErrStorage = New("storage failure")

	ErrInvalidSignature    = New("invalid signature")
	ErrStaleTimestamp      = New("stale timestamp")
	ErrMalformedPayload    = New("malformed payload")
	ErrUnknownProvider     = New("unknown provider")
	ErrUnsupportedProvider = New("unsupported provider")

	// ErrUnresolvedReference means a webhook could not be tied to a known
	// execution (yet).
	ErrUnresolvedReference = New("unresolved reference")

	ErrCapacityExceeded   = New("capacity exceeded")
	ErrTrackerUnavailable = New("issue tracker unavailable")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsInvalidTransition checks if an error is or wraps ErrInvalidTransition
func IsInvalidTransition(err error) bool {
	return err != nil && Is(err, ErrInvalidTransition)
}

// IsStorageError checks if an error is or wraps ErrStorage
func IsStorageError(err error) bool {
	return err != nil && Is(err, ErrStorage)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}

// NewInvalidTransitionError creates an invalid-transition error with a formatted message
func NewInvalidTransitionError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidTransition, Newf(format, args...).Error())
}

// WrapStorage marks err as a storage failure while keeping its message and stack.
func WrapStorage(err error, context string) error {
	if err == nil {
		return nil
	}
	return Mark(Wrap(err, context), ErrStorage)
}

// NewMalformedPayloadError creates a malformed-payload error with a formatted message
func NewMalformedPayloadError(format string, args ...interface{}) error {
	return Wrap(ErrMalformedPayload, Newf(format, args...).Error())
}

// IsMalformedPayload checks if an error is or wraps ErrMalformedPayload
func IsMalformedPayload(err error) bool {
	return err != nil && Is(err, ErrMalformedPayload)
}
