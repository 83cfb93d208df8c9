package mailbox

import (
	"github.com/pkg/errors"
)

// The error classes every layer reports.
// Test for them with errors.Is.
var (
	// ErrNotFound means the mailbox or message did not exist at
	// operation time. Callers re-resolve the path or UID.
	ErrNotFound = errors.New("not found")

	// ErrConflict means UIDValidity changed or a concurrent structural
	// change was detected. Callers invalidate and retry from a fresh listing.
	ErrConflict = errors.New("conflict")

	// ErrLockUnavailable means mutual exclusion could not be acquired.
	ErrLockUnavailable = errors.New("lock unavailable")

	// ErrBackend is an I/O or persistence failure from a backend.
	ErrBackend = errors.New("backend failure")
)

type classError struct {
	class error
	err   error
}

func (e *classError) Error() string        { return e.err.Error() }
func (e *classError) Unwrap() error        { return e.err }
func (e *classError) Cause() error         { return e.err }
func (e *classError) Is(target error) bool { return target == e.class }

func NotFoundf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrNotFound, format, args...)
}

func Conflictf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrConflict, format, args...)
}

func LockUnavailablef(format string, args ...interface{}) error {
	return errors.Wrapf(ErrLockUnavailable, format, args...)
}

// Backendf annotates err and classifies it as ErrBackend,
// unless err already carries one of the error classes.
// It returns nil if err is nil.
func Backendf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	wrapped := errors.Wrapf(err, format, args...)
	if Class(err) != nil {
		return wrapped
	}
	return &classError{class: ErrBackend, err: wrapped}
}

// Class returns the error class of err, or nil if it has none.
func Class(err error) error {
	for _, class := range []error{ErrNotFound, ErrConflict, ErrLockUnavailable, ErrBackend} {
		if errors.Is(err, class) {
			return class
		}
	}
	return nil
}
