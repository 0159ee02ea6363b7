package medsync

import (
	"database/sql"
	"fmt"
)

// schemaVersion is the current store schema. Stored in PRAGMA user_version;
// NewStore applies every migration past the persisted version in order.
const schemaVersion = 3

// migrations holds one SQL script per schema version, index 0 = version 1.
// Scripts only ever append: released versions are frozen.
var migrations = []string{
	// v1: reminders, offline actions, sync state, day stats.
	`
	CREATE TABLE IF NOT EXISTS reminders (
		id TEXT PRIMARY KEY,
		medication_name TEXT NOT NULL,
		dosage TEXT NOT NULL,
		instructions TEXT NOT NULL DEFAULT '',
		scheduled_at INTEGER NOT NULL,
		status TEXT NOT NULL,
		audio_url TEXT NOT NULL DEFAULT '',
		audio_path TEXT NOT NULL DEFAULT '',
		taken_at INTEGER,
		snoozed_until INTEGER,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reminders_scheduled ON reminders(scheduled_at);
	CREATE INDEX IF NOT EXISTS idx_reminders_status ON reminders(status);

	CREATE TABLE IF NOT EXISTS actions (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		reminder_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		synced INTEGER NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_actions_unsynced ON actions(synced, type, reminder_id);

	CREATE TABLE IF NOT EXISTS sync_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS day_stats (
		date TEXT PRIMARY KEY,
		total INTEGER NOT NULL,
		taken INTEGER NOT NULL,
		adherence_rate REAL NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`,

	// v2: voice note cache index.
	`
	CREATE TABLE IF NOT EXISTS attachments (
		url TEXT PRIMARY KEY,
		local_path TEXT NOT NULL,
		size INTEGER NOT NULL,
		encrypted INTEGER NOT NULL DEFAULT 0,
		fetched_at INTEGER NOT NULL
	);
	`,

	// v3: dead letters for actions that exhausted their retries.
	`
	CREATE TABLE IF NOT EXISTS dead_letters (
		action_id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		reminder_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		retry_count INTEGER NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		failed_at INTEGER NOT NULL
	);
	`,
}

// migrate brings the schema up to schemaVersion, one version per transaction.
func migrate(db *sql.DB) error {
	var current int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if current > schemaVersion {
		return fmt.Errorf("store schema version %d is newer than supported %d", current, schemaVersion)
	}

	for v := current; v < schemaVersion; v++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration to v%d: %w", v+1, err)
		}
		if _, err := tx.Exec(migrations[v]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration to v%d failed: %w", v+1, err)
		}
		// PRAGMA does not accept bind parameters.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to set schema version %d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration to v%d: %w", v+1, err)
		}
	}
	return nil
}

// Sync state keys.
const (
	stateLastSync         = "last_sync_time"
	stateHasUpdates       = "has_updates"
	stateDashboardRefresh = "dashboard_refreshed_at"
	stateDeviceID         = "device_id"
)
