package store

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by all backends.
// Use errors.Is() for comparison.
var (
	// ErrJobNotFound indicates the job is absent or was evicted.
	ErrJobNotFound = errors.New("store: job not found")

	// ErrDuplicateJob indicates a job with the same ID already exists.
	ErrDuplicateJob = errors.New("store: job already exists")

	// ErrCorruptJob indicates the entry exists but its scheduling metadata is unreadable.
	ErrCorruptJob = errors.New("store: job metadata is corrupt")

	// ErrInvalidTransition indicates a status change the state machine forbids.
	ErrInvalidTransition = errors.New("store: invalid status transition")

	// ErrClaimLost indicates the job is in_progress under a newer claim than
	// the caller's.
	ErrClaimLost = errors.New("store: claim no longer held")

	// ErrStoreUnavailable wraps connectivity and backend failures.
	ErrStoreUnavailable = errors.New("store: unavailable")
)

// Unavailable wraps a backend error so callers can match ErrStoreUnavailable
// while keeping the original cause in the message and chain.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
