package domain

import "errors"

// Error taxonomy shared by every federation component. Callers wrap these
// with fmt.Errorf("...: %w") and classify with errors.Is.
var (
	// ErrUnauthorized means a signature was missing, invalid or expired.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrBadActivity means an activity was malformed or semantically invalid.
	ErrBadActivity = errors.New("bad activity")
	// ErrNotFound means an actor, object or key is unknown.
	ErrNotFound = errors.New("not found")
	// ErrGone means the object was deleted and a tombstone is left in its place.
	ErrGone = errors.New("gone")
	// ErrConflict means a duplicate key pair or a relationship state mismatch.
	ErrConflict = errors.New("conflict")
	// ErrTransient is a retryable failure talking to a remote peer.
	ErrTransient = errors.New("transient failure")
	// ErrFatal is local store corruption or I/O failure.
	ErrFatal = errors.New("fatal")
)
