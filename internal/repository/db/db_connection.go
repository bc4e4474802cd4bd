package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// InitDB opens/creates a SQLite DB file and ensures tables exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open(sqliteDriverName, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %q: %w", path, err)
	}

	// A single connection serializes writers; conditional updates stay atomic per row.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	// Fail fast if the DB cannot be reached
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return db, nil
}

const sqliteDriverName = "sqlite"

// hri_activation_status is owned by the monitor; the rbs_incoming_* tables are
// written by the ingestion pipeline and only read here.
const schemaActivationStatus = `
CREATE TABLE IF NOT EXISTS hri_activation_status (
    hri_id INTEGER PRIMARY KEY,
    preemption_status INTEGER NOT NULL DEFAULT 0,
    rbs_operational INTEGER NOT NULL DEFAULT 1,
    error_code INTEGER,
    error_message TEXT,
    last_updated TIMESTAMP NOT NULL DEFAULT '1970-01-01 00:00:00.000000',
    CHECK ((error_code IS NULL) = (rbs_operational = 1))
);
`

const schemaSpatStatus = `
CREATE TABLE IF NOT EXISTS rbs_incoming_spat_status (
    hri_id INTEGER PRIMARY KEY,
    active_signal_group INTEGER NOT NULL DEFAULT 0,
    hri_active INTEGER NOT NULL DEFAULT 0
);
`

const schemaSpatRate = `
CREATE TABLE IF NOT EXISTS rbs_incoming_spat_rate (
    hri_id INTEGER PRIMARY KEY,
    msg_rate REAL NOT NULL
);
`

const schemaMapRate = `
CREATE TABLE IF NOT EXISTS rbs_incoming_map_rate (
    hri_id INTEGER PRIMARY KEY,
    msg_rate REAL NOT NULL
);
`

const schemaMessageRate = `
CREATE TABLE IF NOT EXISTS rbs_incoming_message_rate (
    hri_id INTEGER NOT NULL,
    topic TEXT NOT NULL,
    msg_rate REAL NOT NULL,
    PRIMARY KEY (hri_id, topic)
);
`

const indexLastUpdated = `
CREATE INDEX IF NOT EXISTS idx_hri_activation_status_last_updated
    ON hri_activation_status (last_updated);
`

func ensureSchema(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin schema transaction: %w", err)
	}
	defer func() {
		// no-op after a successful commit
		_ = tx.Rollback()
	}()

	for i, stmt := range []string{
		schemaActivationStatus,
		schemaSpatStatus,
		schemaSpatRate,
		schemaMapRate,
		schemaMessageRate,
		indexLastUpdated,
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema transaction: %w", err)
	}
	return nil
}
