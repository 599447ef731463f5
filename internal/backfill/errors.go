package backfill

import (
	"errors"
	"fmt"
)

// ErrWindowFailed indicates a batch window's operation failed and the
// backfill was aborted.
var ErrWindowFailed = errors.New("backfill window failed")

// ErrPaused indicates the backfill stopped at a window boundary because its
// context was cancelled.
var ErrPaused = errors.New("backfill paused")

// ErrInvalidParams indicates the backfill parameters are unusable.
var ErrInvalidParams = errors.New("invalid backfill parameters")

// WindowFailureError carries the bounds of the window that failed.
type WindowFailureError struct {
	Job    string
	Window Window
	Cause  error
}

func (e *WindowFailureError) Error() string {
	return fmt.Sprintf("backfill %s failed in window %s: %v", e.Job, e.Window, e.Cause)
}

// Unwrap exposes ErrWindowFailed and the operation error.
func (e *WindowFailureError) Unwrap() []error {
	return []error{ErrWindowFailed, e.Cause}
}

// PausedError carries the cursor a later run resumes after. ResumeAfter is
// nil when no window completed.
type PausedError struct {
	Job         string
	ResumeAfter *int64
	Cause       error
}

func (e *PausedError) Error() string {
	if e.ResumeAfter == nil {
		return fmt.Sprintf("backfill %s paused before the first window: %v", e.Job, e.Cause)
	}

	return fmt.Sprintf("backfill %s paused, resumes after key %d: %v", e.Job, *e.ResumeAfter, e.Cause)
}

// Unwrap exposes ErrPaused and the cancellation cause.
func (e *PausedError) Unwrap() []error {
	return []error{ErrPaused, e.Cause}
}
