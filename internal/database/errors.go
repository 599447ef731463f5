package database

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrInvalidDatabaseURL indicates the provided database URL could not be parsed.
var ErrInvalidDatabaseURL = errors.New("invalid database URL")

// ErrConnectionFailed indicates a connection to the database could not be established.
var ErrConnectionFailed = errors.New("database connection failed")

// ErrLockNotAcquired indicates the advisory lock is already held by another process.
var ErrLockNotAcquired = errors.New("migration lock not acquired")

// PostgreSQL SQLSTATE codes the runner reacts to.
const (
	codeLockNotAvailable = "55P03"
	codeQueryCanceled    = "57014"
	codeDeadlockDetected = "40P01"
)

// IsLockNotAvailable reports whether err is PostgreSQL giving up on a lock,
// either through lock_timeout or a deadlock victim selection.
func IsLockNotAvailable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}

	return pgErr.Code == codeLockNotAvailable || pgErr.Code == codeDeadlockDetected
}

// IsStatementTimeout reports whether err is a statement cancelled by statement_timeout.
func IsStatementTimeout(err error) bool {
	var pgErr *pgconn.PgError

	return errors.As(err, &pgErr) && pgErr.Code == codeQueryCanceled
}
