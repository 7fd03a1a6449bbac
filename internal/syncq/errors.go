package syncq

import (
	"errors"
	"fmt"
)

var (
	ErrSyncAlreadyRunning  = errors.New("sync already running")
	ErrOffline             = errors.New("sync engine offline")
	ErrNotRunning          = errors.New("sync engine not running")
	ErrAlreadyStarted      = errors.New("sync engine already started")
	ErrPassTimeout         = errors.New("sync pass timed out")
	ErrItemNotFound        = errors.New("sync item not found")
	ErrDuplicateItem       = errors.New("sync item already exists")
	ErrRetryCountDecreased = errors.New("retry count cannot decrease")
	ErrNotDeadLettered     = errors.New("sync item is not dead-lettered")
	ErrNotInConflict       = errors.New("sync item is not in conflict")
	ErrNoChanges           = errors.New("no changed fields")
	ErrInvalidConfig       = errors.New("invalid sync config")
	ErrInvalidMutation     = errors.New("invalid mutation")
	ErrInvalidPriority     = errors.New("priority must be between 1 and 5")
	ErrInvalidResolution   = errors.New("unknown conflict resolution")
	ErrRecordNotFound      = errors.New("record not found")
)

// ConflictError is returned by an Applier when the remote rejected the mutation because
// its version of the record diverged. Remote carries that version when known.
type ConflictError struct {
	Reason string
	Remote Record
}

func (e *ConflictError) Error() string {
	if e.Reason == "" {
		return "remote conflict"
	}
	return fmt.Sprintf("remote conflict: %s", e.Reason)
}

func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an apply failure as not worth retrying. The item is dead-lettered on
// the first failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
