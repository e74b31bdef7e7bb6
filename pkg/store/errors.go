package store

import "errors"

var (
	// ErrStoreUnavailable means the backing store could not be reached, or
	// transient contention outlasted the retry budget. Callers back off and
	// try again.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrStaleTransition means a status update was refused because the
	// caller does not own the command or the command already moved past
	// the expected state. Nothing was written.
	ErrStaleTransition = errors.New("stale transition")

	// ErrNotFound means no command has the requested id.
	ErrNotFound = errors.New("command not found")
)
