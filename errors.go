package uidmng

import (
	"errors"
	"fmt"
)

// Errors returned by a Manager. Use errors.Is to check for them; the
// underlying cause, such as an errno or fs.ErrNotExist, remains wrapped.
var (
	// ErrPermissionDenied indicates an attempt to elevate without real root
	// capability, or a helper fallback the elevation policy does not allow.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrConfig indicates missing, malformed, or root invoking user hints.
	ErrConfig = errors.New("invalid invoking user configuration")

	// ErrOS indicates that a set-identity call failed.
	ErrOS = errors.New("identity switch failed")

	// ErrSpawn indicates that a program or the helper could not be started.
	ErrSpawn = errors.New("failed to start process")

	// ErrIO indicates a failed file operation, or helper-mediated I/O which
	// exited with a failure status.
	ErrIO = errors.New("I/O failure")
)

// A RestoreError is returned when an operation finished but the identity in
// effect before it could not be restored afterward. The operation's own result
// is still returned to the caller alongside the RestoreError.
type RestoreError struct {
	// Op is the operation which ran, such as "run" or "read".
	Op string

	// Target is the identity which could not be restored: "root" or "user".
	Target string

	Err error
}

// Error implements error.
func (e *RestoreError) Error() string {
	return fmt.Sprintf("uidmng: failed to restore %s identity after %s: %v", e.Target, e.Op, e.Err)
}

// Unwrap returns the underlying switch error.
func (e *RestoreError) Unwrap() error { return e.Err }
