package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aqasim81/schema-migration-runner/internal/backfill"
	"github.com/aqasim81/schema-migration-runner/internal/coordinator"
	"github.com/aqasim81/schema-migration-runner/internal/database"
	"github.com/aqasim81/schema-migration-runner/internal/migration"
)

// ErrExecutionFailed indicates a unit failed and nothing it did was kept.
var ErrExecutionFailed = errors.New("migration execution failed")

// ErrPartialFailure indicates a non-transactional unit stopped with schema
// objects half-built.
var ErrPartialFailure = errors.New("migration partially applied")

// ErrIrreversible indicates rollback reached a unit without a down.
var ErrIrreversible = errors.New("migration is irreversible")

// ErrDestructiveRollback indicates rollback reached a unit whose down
// deletes data and destructive rollbacks were not allowed.
var ErrDestructiveRollback = errors.New("rollback would delete data")

// ErrInvalidTarget indicates a rollback target is not a version.
var ErrInvalidTarget = errors.New("invalid rollback target")

// ExecutionError reports a failed unit whose effects were rolled back, or
// that changed nothing the schema shows.
type ExecutionError struct {
	Version   string
	Name      string
	Direction migration.Direction
	Cause     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s %s_%s: %v", verb(e.Direction), e.Version, e.Name, e.Cause)
}

// Unwrap exposes ErrExecutionFailed and the underlying error.
func (e *ExecutionError) Unwrap() []error {
	return []error{ErrExecutionFailed, e.Cause}
}

// PartialFailureError reports a non-transactional unit that left schema
// objects behind. The ledger has no row for it; an operator must drop or
// repair each leftover before retrying.
type PartialFailureError struct {
	Version   string
	Name      string
	Direction migration.Direction
	Leftovers []string
	Cause     error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("%s %s_%s left %s behind: %v",
		verb(e.Direction), e.Version, e.Name, strings.Join(e.Leftovers, ", "), e.Cause)
}

// Unwrap exposes ErrPartialFailure and the underlying error.
func (e *PartialFailureError) Unwrap() []error {
	return []error{ErrPartialFailure, e.Cause}
}

// IrreversibleError reports the unit that stopped a rollback.
type IrreversibleError struct {
	Version string
	// Reason is "no down operations" or "unit not found".
	Reason string
}

func (e *IrreversibleError) Error() string {
	return fmt.Sprintf("cannot roll back %s: %s", e.Version, e.Reason)
}

// Unwrap returns ErrIrreversible.
func (e *IrreversibleError) Unwrap() error {
	return ErrIrreversible
}

// DestructiveRollbackError reports a unit whose down deletes data.
type DestructiveRollbackError struct {
	Version string
}

func (e *DestructiveRollbackError) Error() string {
	return fmt.Sprintf("rolling back %s deletes data; pass --allow-destructive to proceed", e.Version)
}

// Unwrap returns ErrDestructiveRollback.
func (e *DestructiveRollbackError) Unwrap() error {
	return ErrDestructiveRollback
}

func verb(d migration.Direction) string {
	if d == migration.Down {
		return "reverting"
	}

	return "applying"
}

// Error kinds reported by Describe.
const (
	KindPartialFailure      = "partial_failure"
	KindLockTimeoutExceeded = "lock_timeout_exceeded"
	KindBatchWindowFailure  = "batch_window_failure"
	KindBackfillPaused      = "backfill_paused"
	KindIrreversible        = "irreversible"
	KindDestructiveRollback = "destructive_rollback"
	KindDuplicateVersion    = "duplicate_version"
	KindLockNotAcquired     = "lock_not_acquired"
	KindCancelled           = "cancelled"
	KindExecutionFailed     = "execution_failed"
	KindError               = "error"
)

// Describe classifies err for reports. The most specific kind wins: a lock
// timeout inside a failed unit is reported as lock_timeout_exceeded.
func Describe(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPartialFailure):
		return KindPartialFailure
	case errors.Is(err, coordinator.ErrLockTimeoutExceeded):
		return KindLockTimeoutExceeded
	case errors.Is(err, backfill.ErrWindowFailed):
		return KindBatchWindowFailure
	case errors.Is(err, backfill.ErrPaused):
		return KindBackfillPaused
	case errors.Is(err, ErrIrreversible):
		return KindIrreversible
	case errors.Is(err, ErrDestructiveRollback):
		return KindDestructiveRollback
	case errors.Is(err, migration.ErrDuplicateVersion):
		return KindDuplicateVersion
	case errors.Is(err, database.ErrLockNotAcquired):
		return KindLockNotAcquired
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	case errors.Is(err, ErrExecutionFailed):
		return KindExecutionFailed
	default:
		return KindError
	}
}

// FailedVersion returns the version named by err, if any.
func FailedVersion(err error) string {
	var (
		execErr    *ExecutionError
		partialErr *PartialFailureError
		irrErr     *IrreversibleError
		destErr    *DestructiveRollbackError
		dupErr     *migration.DuplicateVersionError
	)

	switch {
	case errors.As(err, &partialErr):
		return partialErr.Version
	case errors.As(err, &execErr):
		return execErr.Version
	case errors.As(err, &irrErr):
		return irrErr.Version
	case errors.As(err, &destErr):
		return destErr.Version
	case errors.As(err, &dupErr):
		return dupErr.Version
	default:
		return ""
	}
}

// Leftovers returns the schema objects a partial failure left behind.
func Leftovers(err error) []string {
	var partialErr *PartialFailureError
	if errors.As(err, &partialErr) {
		return partialErr.Leftovers
	}

	return nil
}
