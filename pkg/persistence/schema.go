package persistence

import (
	"database/sql"
	"fmt"
)

// migration is one schema step. Steps run in order, each in its own
// transaction together with its schema_version row.
type migration struct {
	version    int
	name       string
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "create sessions",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				session_id TEXT PRIMARY KEY,
				task       TEXT NOT NULL DEFAULT '',
				phase      TEXT NOT NULL DEFAULT 'idle',
				status     TEXT NOT NULL DEFAULT 'idle',
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
		},
	},
	{
		version: 2,
		name:    "add stop reason",
		statements: []string{
			`ALTER TABLE sessions ADD COLUMN reason TEXT NOT NULL DEFAULT ''`,
		},
	},
}

// CurrentSchemaVersion is the version Open migrates to.
var CurrentSchemaVersion = migrations[len(migrations)-1].version

// migrate brings db up to CurrentSchemaVersion. A database written by a newer
// build is refused rather than downgraded.
func migrate(db *sql.DB) error {
	have, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}
	if have > CurrentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", have, CurrentSchemaVersion)
	}
	return migrateTo(db, have, CurrentSchemaVersion)
}

// migrateTo applies every step with from < version <= to.
func migrateTo(db *sql.DB, from, to int) error {
	for _, m := range migrations {
		if m.version <= from || m.version > to {
			continue
		}
		if err := apply(db, m); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
	}
	return nil
}

func apply(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range m.statements {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, m.version); err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	return tx.Commit()
}

// GetSchemaVersion returns the highest applied schema version, or 0 for a
// fresh database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version    INTEGER PRIMARY KEY,
		applied_at TEXT DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`); err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version); err != nil {
		return 0, fmt.Errorf("schema version scan error: %w", err)
	}
	return version, nil
}
