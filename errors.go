package pace

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("pace: no store configured")
	ErrNoExecutor  = errors.New("pace: no executor configured")
	ErrStoreClosed = errors.New("pace: store closed")

	// Not found errors.
	ErrJobNotFound   = errors.New("pace: job not found")
	ErrEntryNotFound = errors.New("pace: op log entry not found")

	// Conflict errors.
	ErrJobAlreadyExists = errors.New("pace: job already exists")
	ErrDuplicateTask    = errors.New("pace: duplicate task name")

	// State errors.
	ErrInvalidTransition  = errors.New("pace: invalid status transition")
	ErrMaxRetriesExceeded = errors.New("pace: max retries exceeded")
)
