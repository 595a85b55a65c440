package llm

import "errors"

var (
	// ErrNoPendingHandle means another worker claimed the handle between
	// peek and checkout. Benign; the caller retries on the next tick.
	ErrNoPendingHandle = errors.New("no pending prompt handle")
	// ErrWaitTimeout is returned by AwaitCompletion when the timeout elapses.
	// The underlying handle is unaffected and may still finish later.
	ErrWaitTimeout = errors.New("timed out waiting for prompt handle")
	// ErrHandleFailed is returned by AwaitCompletion when the handle reached
	// the failed state instead of finishing.
	ErrHandleFailed = errors.New("prompt handle failed")
)
