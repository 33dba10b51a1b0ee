// Package errors defines the error kinds surfaced by lifecycle
// operations. Each kind is a sentinel usable with errors.Is; Wrap
// attaches a kind to an underlying cause.
package errors

import (
	"errors"
	"fmt"
)

// Kind sentinels. These are the only failure classes the orchestrator
// distinguishes; everything else is an ordinary wrapped error.
var (
	// ErrNotFound: a requested version or file does not exist.
	ErrNotFound = errors.New("not found")

	// ErrCorruptArtifact: a downloaded artifact failed verification.
	ErrCorruptArtifact = errors.New("corrupt artifact")

	// ErrServiceBusy: the service did not stop or start within its timeout.
	ErrServiceBusy = errors.New("service busy")

	// ErrPermissionDenied: insufficient privilege. Always fatal and
	// non-retryable without elevation.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrConflict: a host resource is in an unexpected state.
	ErrConflict = errors.New("conflict")

	// ErrBusy: another lifecycle operation is already in flight.
	ErrBusy = errors.New("operation in progress")

	// ErrNetworkUnavailable: the release feed or hub could not be reached.
	ErrNetworkUnavailable = errors.New("network unavailable")
)

type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string { return fmt.Sprintf("%s: %s", e.kind, e.err) }
func (e *kindError) Unwrap() error { return e.err }

func (e *kindError) Is(target error) bool { return target == e.kind }

// Wrap attaches kind to err so that errors.Is(result, kind) holds while
// the original cause stays reachable through Unwrap.
func Wrap(kind, err error) error {
	if err == nil {
		return kind
	}
	return &kindError{kind: kind, err: err}
}

// Wrapf is Wrap with a formatted cause.
func Wrapf(kind error, format string, args ...any) error {
	return Wrap(kind, fmt.Errorf(format, args...))
}

// IsFatal reports whether err must end the operation with a Fatal outcome
// instead of a retryable PartialFailure.
func IsFatal(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrBusy)
}
