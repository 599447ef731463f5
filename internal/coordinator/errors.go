package coordinator

import (
	"errors"
	"fmt"
)

// ErrLockTimeoutExceeded indicates the lock-retry loop ran out of attempts.
// Retrying later, once contention subsides, is likely to succeed.
var ErrLockTimeoutExceeded = errors.New("lock timeout exceeded")

// ErrLeftBehind indicates a non-transactional operation left a schema object
// in an unusable state that an operator must drop or repair before retrying.
var ErrLeftBehind = errors.New("schema object left behind")

// LockTimeoutExceededError reports the attempt count and the last lock error.
type LockTimeoutExceededError struct {
	Attempts int
	Last     error
}

func (e *LockTimeoutExceededError) Error() string {
	return fmt.Sprintf("lock timeout exceeded after %d attempts: %v", e.Attempts, e.Last)
}

// Unwrap exposes both the sentinel and the last database error.
func (e *LockTimeoutExceededError) Unwrap() []error {
	return []error{ErrLockTimeoutExceeded, e.Last}
}

// Leftover is implemented by errors that name a half-built schema object.
type Leftover interface {
	error
	Object() string
}

// InvalidIndexError reports an index that exists but is marked invalid.
// Cause is nil when the invalid index predates the build attempt.
type InvalidIndexError struct {
	Index string
	Cause error
}

func (e *InvalidIndexError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("index %s exists but is invalid; drop it before retrying", e.Index)
	}

	return fmt.Sprintf("concurrent build of index %s left an invalid index: %v", e.Index, e.Cause)
}

// Object names the leftover index.
func (e *InvalidIndexError) Object() string {
	return "index " + e.Index
}

// Unwrap exposes ErrLeftBehind and the build error.
func (e *InvalidIndexError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrLeftBehind}
	}

	return []error{ErrLeftBehind, e.Cause}
}

// NotValidConstraintError reports a constraint added NOT VALID whose
// validation failed.
type NotValidConstraintError struct {
	Table      string
	Constraint string
	Cause      error
}

func (e *NotValidConstraintError) Error() string {
	return fmt.Sprintf("constraint %s on %s was added but could not be validated: %v", e.Constraint, e.Table, e.Cause)
}

// Object names the leftover constraint.
func (e *NotValidConstraintError) Object() string {
	return fmt.Sprintf("constraint %s on %s (NOT VALID)", e.Constraint, e.Table)
}

// Unwrap exposes ErrLeftBehind and the validation error.
func (e *NotValidConstraintError) Unwrap() []error {
	return []error{ErrLeftBehind, e.Cause}
}
