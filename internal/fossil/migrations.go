package fossil

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "fossils + fossil_members: consolidation ledger",
		SQL: `
CREATE TABLE fossils (
    id             INTEGER PRIMARY KEY,
    fossil_key     TEXT NOT NULL UNIQUE,
    x              INTEGER NOT NULL,
    y              INTEGER NOT NULL,
    elevation      REAL NOT NULL,
    member_count   INTEGER NOT NULL,
    created_at     INTEGER NOT NULL
);

CREATE TABLE fossil_members (
    member_key     TEXT PRIMARY KEY,
    fossil_key     TEXT NOT NULL,
    x              INTEGER NOT NULL,
    y              INTEGER NOT NULL,
    merged_at      INTEGER NOT NULL,

    FOREIGN KEY (fossil_key) REFERENCES fossils(fossil_key)
);

CREATE INDEX idx_members_fossil ON fossil_members(fossil_key);
`,
	},
}

func (db *DB) migrate() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
