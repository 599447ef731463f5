package migration

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDuplicateVersion indicates two units share a version.
var ErrDuplicateVersion = errors.New("duplicate migration version")

// ErrInvalidUnit indicates a unit's metadata is unusable.
var ErrInvalidUnit = errors.New("invalid migration unit")

// ErrInvalidOperation indicates an operation is missing required parameters.
var ErrInvalidOperation = errors.New("invalid operation")

// ErrConcurrentInTransaction indicates a transactional unit contains an
// operation PostgreSQL refuses to run inside a transaction block.
var ErrConcurrentInTransaction = errors.New("operation cannot run inside a transaction; mark the unit no-transaction")

// ErrAlreadySatisfied may be returned by a Func operation to report that
// its target state already holds. It is not treated as a failure.
var ErrAlreadySatisfied = errors.New("already satisfied")

// ErrNoBackgroundMigrations indicates a unit finalizes a background
// migration but the runner was not given a BackgroundMigrations collaborator.
var ErrNoBackgroundMigrations = errors.New("no background migration handler configured")

// ErrNoBackfillDriver indicates a Backfill operation ran without a driver.
var ErrNoBackfillDriver = errors.New("no backfill driver configured")

// DuplicateVersionError names the version and the units that claim it.
type DuplicateVersionError struct {
	Version string
	Units   []string
}

func (e *DuplicateVersionError) Error() string {
	return fmt.Sprintf("duplicate migration version %s: %s", e.Version, strings.Join(e.Units, ", "))
}

// Unwrap returns ErrDuplicateVersion.
func (e *DuplicateVersionError) Unwrap() error {
	return ErrDuplicateVersion
}
