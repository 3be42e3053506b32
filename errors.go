package pitrepo

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrBadReport is a malformed report log or report shape.
	ErrBadReport = errors.New("invalid revision report")
	// ErrIllegalTarget is a link or switch target outside the repository.
	ErrIllegalTarget = errors.New("illegal target")
	// ErrNotFound is a path missing from a revision.
	ErrNotFound = errors.New("path not found")
	// ErrPathSyntax is an operand the edit cannot be rooted at.
	ErrPathSyntax = errors.New("invalid path for edit")
	// ErrRootUnreadable is an anchor the user may not read.
	ErrRootUnreadable = errors.New("not authorized to open root of edit operation")

	ErrNoSuchRevision   = errors.New("no such revision")
	ErrOutOfDate        = errors.New("transaction is out of date")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrLocked           = errors.New("path is locked")
	ErrNotLocked        = errors.New("path is not locked")
)

// AbortError is returned when an edit failed and aborting it failed
// too.  The walk error is the cause; the abort error is kept for the
// message.
type AbortError struct {
	Err      error
	AbortErr error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("%v (abort also failed: %v)", e.Err, e.AbortErr)
}

func (e *AbortError) Cause() error {
	return e.Err
}

func (e *AbortError) Unwrap() error {
	return e.Err
}

// ComposeAbort combines a walk error with the result of aborting the
// edit.  err must not be nil.
func ComposeAbort(err, abortErr error) error {
	if abortErr == nil {
		return err
	}
	return &AbortError{Err: err, AbortErr: abortErr}
}
