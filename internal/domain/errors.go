package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound = errors.New("job not found")

	// ErrNotRetryable is returned when a retry is requested for a job that is
	// not dead or failed.
	ErrNotRetryable = errors.New("job is not dead or failed")

	// ErrClaimLost is returned when an outcome is recorded for a claim the
	// caller no longer holds, e.g. after the reaper reset the job.
	ErrClaimLost = errors.New("job claim lost")
)

// ValidationError rejects malformed job creation input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is or wraps a *ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// UnregisteredHandlerError is the failure recorded for a claimed job whose
// type has no handler. It retries like any handler error.
type UnregisteredHandlerError struct {
	Type Type
}

func (e *UnregisteredHandlerError) Error() string {
	return fmt.Sprintf("no handler registered for job type %q", e.Type)
}

// StuckJobPrefix starts every reaper-generated lastError.
const StuckJobPrefix = "stuck job:"

// StuckJobMessage is the lastError text the reaper records.
func StuckJobMessage(threshold time.Duration) string {
	return fmt.Sprintf("%s processing exceeded %s without reporting an outcome", StuckJobPrefix, threshold)
}
