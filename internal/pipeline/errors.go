// Package pipeline holds the error taxonomy shared by every stage of the
// ingestion pipeline.
package pipeline

import (
	"errors"
	"fmt"
)

// Error represents a classified failure of one pipeline unit.
//
// Units are months for the Downloader and loaders, a file for the Change
// Tracker, and the whole store for the Snapshot Publisher. The Code decides
// how callers propagate the failure:
//   - Download failures are logged and the run moves to the next month
//   - Load failures abort the whole range
//   - Lock contention and publish precondition failures refuse the run
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Month is the "YYYY-MM" unit the error belongs to, if any.
	Month string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// ErrorCode categorizes pipeline errors.
type ErrorCode string

const (
	// ErrCodeLockContention indicates another live Downloader holds the lock.
	ErrCodeLockContention ErrorCode = "LOCK_CONTENTION"

	// ErrCodeTransientNetwork covers timeouts, connection errors and
	// unexpected HTTP statuses. It fails the unit without touching files.
	ErrCodeTransientNetwork ErrorCode = "TRANSIENT_NETWORK"

	// ErrCodeNoContent is the upstream's 204: nothing published yet.
	ErrCodeNoContent ErrorCode = "NO_CONTENT"

	// ErrCodeMalformedPackage covers empty bodies, ZIPs without a JSON member
	// and packages without a publication timestamp.
	ErrCodeMalformedPackage ErrorCode = "MALFORMED_PACKAGE"

	// ErrCodeBackupFailed indicates the pre-overwrite backup could not be made.
	ErrCodeBackupFailed ErrorCode = "BACKUP_FAILED"

	// ErrCodeLoadFailed indicates a month transform or load was rolled back.
	ErrCodeLoadFailed ErrorCode = "LOAD_FAILED"

	// ErrCodePublishPrecondition indicates the staging store is not a
	// complete snapshot and was not swapped in.
	ErrCodePublishPrecondition ErrorCode = "PUBLISH_PRECONDITION"
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Month != "" {
		msg = fmt.Sprintf("%s: %s (month=%s)", e.Code, e.Message, e.Month)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error without an underlying cause.
func New(code ErrorCode, month, message string) *Error {
	return &Error{Code: code, Month: month, Message: message}
}

// Wrap creates an Error around err.
func Wrap(code ErrorCode, month, message string, err error) *Error {
	return &Error{Code: code, Month: month, Message: message, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) ErrorCode {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsLockContention returns true if err is a lock contention error.
func IsLockContention(err error) bool {
	return CodeOf(err) == ErrCodeLockContention
}

// IsNoContent returns true if err is an upstream 204.
func IsNoContent(err error) bool {
	return CodeOf(err) == ErrCodeNoContent
}

// IsTransientNetwork returns true if err is a network-level failure.
func IsTransientNetwork(err error) bool {
	return CodeOf(err) == ErrCodeTransientNetwork
}

// IsMalformedPackage returns true if err is a malformed package error.
func IsMalformedPackage(err error) bool {
	return CodeOf(err) == ErrCodeMalformedPackage
}

// IsLoadFailed returns true if err is a rolled-back month load.
func IsLoadFailed(err error) bool {
	return CodeOf(err) == ErrCodeLoadFailed
}

// IsPublishPrecondition returns true if err refused a snapshot swap.
func IsPublishPrecondition(err error) bool {
	return CodeOf(err) == ErrCodePublishPrecondition
}

// IsBackupFailed returns true if err aborted a month before overwriting.
func IsBackupFailed(err error) bool {
	return CodeOf(err) == ErrCodeBackupFailed
}
