package migration

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
)

// Unit is a single versioned schema or data change.
type Unit struct {
	Version string // "001" or "20240101120000", digits only
	Name    string // "create_users", not used for ordering
	// TargetSchema names the logical schema the unit applies to, e.g. "main"
	// or "ci". Empty means every database.
	TargetSchema string
	// DisableTransaction runs Up and Down outside an ambient transaction.
	// Required for concurrent index builds and batched backfills.
	DisableTransaction bool
	Up                 []Operation
	// Down is the inverse of Up. A nil Down makes the unit irreversible; an
	// empty, non-nil Down reverts as a no-op.
	Down []Operation

	// Milestone and Downtime are advisory metadata for reports only.
	Milestone      string
	Downtime       bool
	DowntimeReason string
	// DestructiveDown marks a Down that deletes data. Rollback refuses it
	// unless explicitly allowed.
	DestructiveDown bool

	Checksum string // SHA-256 hex digest of the up definition
	FilePath string
}

// Transactional reports whether the unit runs inside one transaction.
func (u *Unit) Transactional() bool {
	return !u.DisableTransaction
}

// Reversible reports whether the unit declares a Down.
func (u *Unit) Reversible() bool {
	return u.Down != nil
}

// ID returns "version_name".
func (u *Unit) ID() string {
	return u.Version + "_" + u.Name
}

// Operations returns the operation list for a direction.
func (u *Unit) Operations(d Direction) []Operation {
	if d == Down {
		return u.Down
	}

	return u.Up
}

// Direction selects Up or Down.
type Direction int

const (
	// Up applies a unit.
	Up Direction = iota
	// Down reverts a unit.
	Down
)

func (d Direction) String() string {
	if d == Down {
		return "down"
	}

	return "up"
}

var versionPattern = regexp.MustCompile(`^\d+$`) //nolint:gochecknoglobals // compiled once

// Validate checks the unit's metadata and every operation. Operations that
// cannot run inside a transaction are rejected in a transactional unit.
func (u *Unit) Validate() error {
	if !versionPattern.MatchString(u.Version) {
		return fmt.Errorf("%w: version %q must be digits", ErrInvalidUnit, u.Version)
	}

	if u.Name == "" {
		return fmt.Errorf("%w: %s has no name", ErrInvalidUnit, u.Version)
	}

	if len(u.Up) == 0 {
		return fmt.Errorf("%w: %s has no up operations", ErrInvalidUnit, u.ID())
	}

	for _, d := range []Direction{Up, Down} {
		for i, op := range u.Operations(d) {
			if err := op.Validate(); err != nil {
				return fmt.Errorf("%s %s[%d] %s: %w", u.ID(), d, i, op.Kind(), err)
			}

			if u.Transactional() && requiresNoTransaction(op) {
				return fmt.Errorf("%s %s[%d] %s: %w", u.ID(), d, i, op.Kind(), ErrConcurrentInTransaction)
			}
		}
	}

	return nil
}

// NeedsNoTransaction reports whether any operation of the unit must run
// outside a transaction.
func NeedsNoTransaction(ops []Operation) bool {
	for _, op := range ops {
		if requiresNoTransaction(op) {
			return true
		}
	}

	return false
}

// ComputeChecksum returns the SHA-256 hex digest of the given definition.
func ComputeChecksum(definition string) string {
	h := sha256.Sum256([]byte(definition))

	return hex.EncodeToString(h[:])
}
