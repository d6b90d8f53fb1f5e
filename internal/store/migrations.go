package store

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
		Description: "runs: one row per protection engine lifetime",
		SQL: `
CREATE TABLE runs (
    id          INTEGER PRIMARY KEY,
    run_id      TEXT NOT NULL UNIQUE,
    mode        TEXT NOT NULL CHECK (mode IN ('serve', 'simulate')),
    started_at  INTEGER NOT NULL,
    ended_at    INTEGER
);
`,
	},
	{
		Version:     2,
		Description: "checkpoints: persisted known-good values per region",
		SQL: `
CREATE TABLE checkpoints (
    id          INTEGER PRIMARY KEY,
    run_id      TEXT NOT NULL,
    region      TEXT NOT NULL,
    version     INTEGER NOT NULL,
    bits        INTEGER NOT NULL,
    width       INTEGER NOT NULL CHECK (width BETWEEN 1 AND 64),
    created_at  INTEGER NOT NULL,

    UNIQUE (run_id, region, version),
    FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
);

CREATE INDEX idx_checkpoints_region ON checkpoints(region, created_at DESC);
`,
	},
	{
		Version:     3,
		Description: "assessments: error telemetry folded into the flux estimate",
		SQL: `
CREATE TABLE assessments (
    id              INTEGER PRIMARY KEY,
    run_id          TEXT NOT NULL,
    bit_flips       INTEGER NOT NULL,
    compute_errors  INTEGER NOT NULL,
    estimated_flux  REAL NOT NULL,
    level           TEXT NOT NULL,
    created_at      INTEGER NOT NULL,

    FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
);

CREATE INDEX idx_assessments_run ON assessments(run_id, created_at DESC);
`,
	},
	{
		Version:     4,
		Description: "level_changes: protection level transitions",
		SQL: `
CREATE TABLE level_changes (
    id          INTEGER PRIMARY KEY,
    run_id      TEXT NOT NULL,
    from_level  TEXT NOT NULL,
    to_level    TEXT NOT NULL,
    reason      TEXT NOT NULL,
    flux        REAL NOT NULL DEFAULT 0,
    created_at  INTEGER NOT NULL,

    FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
);

CREATE INDEX idx_level_changes_created ON level_changes(created_at DESC);
`,
	},
}

func (db *DB) migrate() error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`); err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	current, err := db.SchemaVersion()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := db.apply(m); err != nil {
			return err
		}
	}
	return nil
}

// apply runs one migration and records it in the same transaction.
func (db *DB) apply(m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("migration %d: begin: %w", m.Version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
	}
	if _, err := tx.Exec(
		`INSERT INTO schema_versions (version, description) VALUES (?, ?)`,
		m.Version, m.Description,
	); err != nil {
		return fmt.Errorf("migration %d: record: %w", m.Version, err)
	}
	return tx.Commit()
}

// SchemaVersion returns the highest applied migration, or 0.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_versions`).Scan(&version)
	return version, err
}
