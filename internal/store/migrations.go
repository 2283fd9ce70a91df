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
		Description: "value_aggregates: decayed score per (user, value)",
		SQL: `
CREATE TABLE value_aggregates (
    user_id        TEXT NOT NULL,
    value          TEXT NOT NULL CHECK (value IN (
        'universalism', 'benevolence', 'tradition', 'conformity', 'security',
        'achievement', 'power', 'self_direction', 'stimulation', 'hedonism')),

    -- Decay state: score as of reference_ns, fast-forwarded on read
    reference_ns   INTEGER NOT NULL,
    decayed_score  REAL NOT NULL CHECK (decayed_score >= 0),
    belief_count   INTEGER NOT NULL DEFAULT 0,

    updated_at     INTEGER NOT NULL,

    PRIMARY KEY (user_id, value)
);
`,
	},
	{
		Version:     2,
		Description: "belief_receipts: applied belief ids per user",
		SQL: `
CREATE TABLE belief_receipts (
    user_id        TEXT NOT NULL,
    belief_id      TEXT NOT NULL,
    occurred_ns    INTEGER NOT NULL,
    applied_at     INTEGER NOT NULL,

    PRIMARY KEY (user_id, belief_id)
);
`,
	},
	{
		Version:     3,
		Description: "profile_snapshots: append-only profile history",
		SQL: `
CREATE TABLE profile_snapshots (
    id             TEXT PRIMARY KEY,
    user_id        TEXT NOT NULL,
    snapshot_ns    INTEGER NOT NULL,
    distribution   TEXT NOT NULL,
    intensity      REAL NOT NULL,
    mature         INTEGER NOT NULL DEFAULT 0,
    has_signal     INTEGER NOT NULL DEFAULT 0,
    belief_count   INTEGER NOT NULL DEFAULT 0,
    created_at     INTEGER NOT NULL
);

CREATE INDEX idx_snapshots_user_time ON profile_snapshots(user_id, snapshot_ns);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
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
