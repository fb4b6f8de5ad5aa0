package jobstatus

import "errors"

var (
	// ErrCancelled is returned to a worker whose job was cancelled externally.
	ErrCancelled = errors.New("job cancelled")

	// ErrSuperseded is returned to a worker whose job was moved on by another
	// writer, such as the recovery sweep.
	ErrSuperseded = errors.New("job superseded by another writer")

	// ErrNotClaimable is returned when a job is not in a status a worker may
	// start from.
	ErrNotClaimable = errors.New("job is not claimable")

	// ErrAlreadyTerminal is returned when cancelling a finished job.
	ErrAlreadyTerminal = errors.New("job already finished")

	// ErrInvalidTransition is returned for transitions the state machine does
	// not allow.
	ErrInvalidTransition = errors.New("invalid job status transition")
)
