// internal/errors/errors.go
package errors

import (
	stderrors "errors"
	"fmt"
)

// Sentinel errors for the sync taxonomy. Callers classify with errors.Is.
var (
	// ErrFetchFailed means the local copy of a tracked repository could not
	// be obtained or refreshed. Retryable on the next run.
	ErrFetchFailed = stderrors.New("fetch failed")

	// ErrCorruptHistory means the local copy exists but its history cannot
	// be parsed. Not retryable without manual intervention.
	ErrCorruptHistory = stderrors.New("corrupt history")

	// ErrConstraintViolation means a store-level invariant was violated with
	// content that does not match what is already recorded.
	ErrConstraintViolation = stderrors.New("constraint violation")

	// ErrConfigInvalid means the configuration or registry was rejected
	// before any sync pass started.
	ErrConfigInvalid = stderrors.New("invalid configuration")
)

// ErrInvalidRepoEntry is returned when a tracked-repository entry in the
// registry file fails validation.
type ErrInvalidRepoEntry struct {
	Name   string
	Reason string
}

func (e *ErrInvalidRepoEntry) Error() string {
	return fmt.Sprintf("invalid tracked repository entry %q: %s", e.Name, e.Reason)
}

func (e *ErrInvalidRepoEntry) Unwrap() error { return ErrConfigInvalid }

// SyncError records the outcome of a failed sync pass for one repository.
type SyncError struct {
	Repo string
	Err  error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s: %v", e.Repo, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }
