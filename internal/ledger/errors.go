package ledger

import "errors"

// ErrTableCreation indicates the ledger table could not be created.
var ErrTableCreation = errors.New("creating ledger table")

// ErrInvalidTableName indicates the configured ledger table name is empty.
var ErrInvalidTableName = errors.New("invalid ledger table name")
