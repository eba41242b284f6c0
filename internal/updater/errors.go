package updater

import "errors"

// Lifecycle errors.
var (
	ErrEmptyAccountList = errors.New("no accounts selected")
	ErrQueueNotFound    = errors.New("queue not found")
	ErrQueueRunning     = errors.New("queue is still running")
	ErrNothingToRequeue = errors.New("queue has no unfinished accounts")
	ErrInvalidSettings  = errors.New("invalid settings")
	ErrNoGroupSource    = errors.New("group source is not configured")
	ErrQueueIDExhausted = errors.New("could not allocate a unique queue id")
)
