package ledger

import "fmt"

// DefaultTable is the ledger table used when none is configured.
const DefaultTable = "schema_migrations"

// createTableSQL returns the DDL for the ledger table. Only version and
// applied_at are part of the external contract; the remaining columns are
// reporting aids.
func createTableSQL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    version      TEXT PRIMARY KEY,
    name         TEXT NOT NULL DEFAULT '',
    checksum     TEXT NOT NULL DEFAULT '',
    applied_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    duration_ms  BIGINT NOT NULL DEFAULT 0
)`, table)
}
