// Package errdefs defines the typed error taxonomy for the migration
// pipeline. The orchestrator routes on error kinds, never on message text.
package errdefs

import (
	"errors"
	"fmt"
)

// Kind identifies which pipeline contract an error came from.
type Kind string

const (
	KindCompatibility     Kind = "compatibility"
	KindCheckpoint        Kind = "checkpoint"
	KindPackaging         Kind = "packaging"
	KindTransfer          Kind = "transfer"
	KindUnpack            Kind = "unpack"
	KindRestore           Kind = "restore"
	KindValidation        Kind = "validation"
	KindRollback          Kind = "rollback"
	KindAlreadyInProgress Kind = "already_in_progress"
	KindCancelled         Kind = "cancelled"
)

// Transfer error reasons. Both are retryable by re-invoking the same phase.
type Reason string

const (
	ReasonChecksumMismatch Reason = "checksum_mismatch"
	ReasonConnectionLost   Reason = "connection_lost"
)

// Error is a kinded pipeline error. Reason is set only for transfer errors.
type Error struct {
	Kind   Kind
	Reason Reason
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Reason != "" {
		msg += "/" + string(e.Reason)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a kinded error with a formatted detail string.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}

// NewTransfer creates a transfer error with a reason.
func NewTransfer(reason Reason, err error, format string, args ...any) *Error {
	return &Error{Kind: KindTransfer, Reason: reason, Detail: fmt.Sprintf(format, args...), Err: err}
}

// GetKind extracts the kind from err, walking the wrap chain. Unkinded
// errors report an empty kind.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// GetReason extracts the transfer reason from err, if any.
func GetReason(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return GetKind(err) == kind
}

// Retryable reports whether re-invoking the failed phase may succeed.
// Only transfer interruptions and checksum mismatches qualify; everything
// else propagates to the orchestrator immediately.
func Retryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == KindTransfer &&
		(e.Reason == ReasonConnectionLost || e.Reason == ReasonChecksumMismatch)
}
