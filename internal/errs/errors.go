// Package errs provides the unified error type used across all of bucketgw.
//
// Every subsystem (drivers, session cache, bucket store, server) wraps its
// native errors into *errs.Error before returning them to callers. Callers
// use the Is* predicates to handle errors without importing driver-specific
// packages, and the HTTP layer maps Kind to a status code.
//
// Usage:
//
//	// In a driver, wrap native errors:
//	return errs.Wrap(errs.ErrKindConnectionFailed, "ftp list failed", err)
//
//	// In a handler, check the error kind:
//	if errs.IsNotFound(err) {
//	    http.Error(w, "not found", http.StatusNotFound)
//	}
package errs

import (
	"errors"
	"fmt"
)

// ErrKind categorises an error without exposing subsystem-specific codes.
// All backends (filesystem, FTP, SFTP, MinIO, Postgres, MySQL) map their
// native errors to one of these kinds.
type ErrKind int

const (
	ErrKindUnknown          ErrKind = iota
	ErrKindNotFound                 // no bucket, no path, no row
	ErrKindConnectionFailed         // remote session or backend unreachable / broken
	ErrKindTimeout                  // context deadline / cancellation
	ErrKindInvalidInput             // malformed identifier or settings
	ErrKindPermissionDenied         // access denied / auth failure
	ErrKindConflict                 // duplicate bucket, directory in the way
	ErrKindBadRequest               // escaping root, structurally invalid request
	ErrKindNotImplemented           // capability unsupported by the driver
	ErrKindUnknownDriver            // bucket references a driver that is not installed
)

func (k ErrKind) String() string {
	switch k {
	case ErrKindNotFound:
		return "not_found"
	case ErrKindConnectionFailed:
		return "connection_failed"
	case ErrKindTimeout:
		return "timeout"
	case ErrKindInvalidInput:
		return "invalid_input"
	case ErrKindPermissionDenied:
		return "permission_denied"
	case ErrKindConflict:
		return "conflict"
	case ErrKindBadRequest:
		return "bad_request"
	case ErrKindNotImplemented:
		return "not_implemented"
	case ErrKindUnknownDriver:
		return "unknown_driver"
	default:
		return "unknown"
	}
}

// Error is the single error type returned by all bucketgw subsystems.
type Error struct {
	Kind    ErrKind
	Message string
	Cause   error // original driver-level error, preserved for logging
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is / errors.As to traverse the cause chain.
func (e *Error) Unwrap() error {
	return e.Cause
}

// --- Constructors ---

// New creates an *Error with the given kind and message and no cause.
func New(kind ErrKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf is New with a format string.
func Newf(kind ErrKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an *Error with the given kind, message, and an underlying cause.
func Wrap(kind ErrKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// --- Predicates ---

// IsNotFound reports whether err represents a "not found" result.
func IsNotFound(err error) bool {
	return KindOf(err) == ErrKindNotFound
}

// IsTimeout reports whether err was caused by a deadline or context cancellation.
func IsTimeout(err error) bool {
	return KindOf(err) == ErrKindTimeout
}

// IsConnectionFailed reports whether err is a connectivity or transport failure.
func IsConnectionFailed(err error) bool {
	return KindOf(err) == ErrKindConnectionFailed
}

// IsInvalidInput reports whether err was caused by bad input from the caller.
func IsInvalidInput(err error) bool {
	return KindOf(err) == ErrKindInvalidInput
}

// IsPermissionDenied reports whether err is an access control failure.
func IsPermissionDenied(err error) bool {
	return KindOf(err) == ErrKindPermissionDenied
}

// IsConflict reports whether err is a uniqueness or occupancy conflict.
func IsConflict(err error) bool {
	return KindOf(err) == ErrKindConflict
}

// IsBadRequest reports whether err is a structurally invalid request,
// such as a path escaping its bucket root.
func IsBadRequest(err error) bool {
	return KindOf(err) == ErrKindBadRequest
}

// IsNotImplemented reports whether err is an unsupported driver capability.
func IsNotImplemented(err error) bool {
	return KindOf(err) == ErrKindNotImplemented
}

// IsUnknownDriver reports whether err refers to a driver that is not installed.
func IsUnknownDriver(err error) bool {
	return KindOf(err) == ErrKindUnknownDriver
}

// KindOf extracts the ErrKind from any error in the chain.
func KindOf(err error) ErrKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrKindUnknown
}
