// Package store persists fitted models and power curves in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
)

// SchemaVersion is the current schema version.
const SchemaVersion = 1

const schemaV1 = `
-- Fitted models; snapshot is the JSON form written by FittedModel.Snapshot
CREATE TABLE IF NOT EXISTS models (
    id TEXT PRIMARY KEY,
    structure TEXT NOT NULL,
    formula TEXT NOT NULL,
    aic REAL,
    num_obs INTEGER NOT NULL,
    singular INTEGER DEFAULT 0,
    snapshot TEXT NOT NULL,
    created_at TEXT NOT NULL
);

-- Power curves; body is the full curve JSON
CREATE TABLE IF NOT EXISTS curves (
    id TEXT PRIMARY KEY,
    model_id TEXT REFERENCES models(id) ON DELETE SET NULL,
    factor TEXT NOT NULL,
    structure TEXT NOT NULL,
    formula TEXT NOT NULL,
    seed INTEGER NOT NULL,  -- uint64 stored bit-for-bit
    trials_per_point INTEGER NOT NULL,
    points INTEGER NOT NULL,
    body TEXT NOT NULL,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_curves_created ON curves(created_at);

CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
);
`

// InitSchema creates the tables when missing and records the version.
func InitSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, schemaV1); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (?, datetime('now'))`,
		SchemaVersion); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return tx.Commit()
}

// Version returns the highest applied schema version.
func Version(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}
