package dispatch

import "errors"

var (
	// ErrQueueFull means the waiting queue is at capacity; the caller
	// should tell the user to try again later.
	ErrQueueFull = errors.New("dispatch: queue full")
	// ErrRateLimited wraps a rate limiter rejection.
	ErrRateLimited = errors.New("dispatch: rate limited")
	ErrNotFound    = errors.New("dispatch: job not found")
	ErrNotRunning  = errors.New("dispatch: service not running")
)
