package storage

import (
	"database/sql"
	"fmt"
)

var migrations = []string{
	// Migration 1: providers and their last good results
	`CREATE TABLE IF NOT EXISTS providers (
		id               TEXT PRIMARY KEY,
		name             TEXT NOT NULL,
		enabled          INTEGER NOT NULL DEFAULT 1,
		fetch_command    TEXT NOT NULL,
		transform_script TEXT NOT NULL DEFAULT '',
		env              TEXT NOT NULL DEFAULT '{}',
		last_fetched_at  DATETIME,
		last_error       TEXT NOT NULL DEFAULT '',
		created_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_providers_name ON providers(name);

	CREATE TABLE IF NOT EXISTS provider_snapshots (
		provider_id TEXT PRIMARY KEY,
		records     TEXT NOT NULL DEFAULT '[]',
		quota       TEXT,
		fetched_at  DATETIME NOT NULL
	);`,

	// Migration 2: usage history and settings
	`CREATE TABLE IF NOT EXISTS usage_history (
		source     TEXT NOT NULL,
		date       TEXT NOT NULL,
		record     TEXT NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (source, date)
	);

	CREATE TABLE IF NOT EXISTS settings (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
}

// runMigrations applies pending schema migrations.
func runMigrations(db *sql.DB) error {
	// Ensure migration tracking table exists
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create migration table: %w", err)
	}

	var currentVersion int
	row := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("check migration version: %w", err)
	}

	for i := currentVersion; i < len(migrations); i++ {
		if err := applyMigration(db, i+1, migrations[i]); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(db *sql.DB, version int, stmt string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", version, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(stmt); err != nil {
		return fmt.Errorf("run migration %d: %w", version, err)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("record migration %d: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", version, err)
	}
	return nil
}
