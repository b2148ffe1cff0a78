package store

import (
	"context"
	"fmt"

	"muninn/internal/logging"
)

// Schema versions:
// v1: initial table set with FTS5 mirrors
// v2: file ownership + blast radius tables
// v3: learning promotion columns
// v4: agent intents TTL table
//
// The DDL bundle always creates the full current schema; migrations exist
// for databases created by older builds. Analyses declare the minimum
// version they need and no-op below it rather than probing columns at
// query time.
const CurrentSchemaVersion = 4

// Migration adds a column to an existing table. Additive only.
type Migration struct {
	Table   string
	Column  string
	Def     string
	Version int // schema version that introduced the column
}

// pendingMigrations lists all additive column migrations.
var pendingMigrations = []Migration{
	{"files", "velocity_score", "REAL DEFAULT 0", 1},
	{"files", "last_referenced_at", "DATETIME", 1},
	{"learnings", "auto_reinforcement_count", "INTEGER DEFAULT 0", 3},
	{"learnings", "promotion_status", "TEXT DEFAULT 'not_ready'", 3},
	{"learnings", "promoted_to_section", "TEXT", 3},
	{"learnings", "foundational", "INTEGER DEFAULT 0", 3},
	{"sessions", "task_type", "TEXT", 2},
	{"git_commits", "analyzed", "INTEGER DEFAULT 0", 2},
	{"decisions", "outcome_status", "TEXT DEFAULT 'pending'", 2},
	{"decisions", "outcome_notes", "TEXT DEFAULT ''", 2},
	{"context_injections", "relevance_signal", "TEXT", 2},
}

// RunMigrations applies the additive registry and records the version.
func RunMigrations(ctx context.Context, s Store) error {
	timer := logging.StartTimer(logging.CategoryStore, "RunMigrations")
	defer timer.Stop()

	applied, skipped := 0, 0
	for _, m := range pendingMigrations {
		if !TableExists(ctx, s, m.Table) {
			skipped++
			continue
		}
		if ColumnExists(ctx, s, m.Table, m.Column) {
			skipped++
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := s.Run(ctx, query); err != nil {
			// Column may already exist in a different form; additive
			// migrations never fail the boot.
			logging.Get(logging.CategoryStore).Warn("Migration %s.%s failed: %v", m.Table, m.Column, err)
			skipped++
			continue
		}
		logging.Store("Migration applied: %s.%s", m.Table, m.Column)
		applied++
	}

	if v := GetSchemaVersion(ctx, s); v < CurrentSchemaVersion {
		if err := SetSchemaVersion(ctx, s, CurrentSchemaVersion); err != nil {
			logging.Get(logging.CategoryStore).Warn("Failed to record schema version: %v", err)
		}
	}

	logging.Store("Schema migrations complete: applied=%d, skipped=%d", applied, skipped)
	return nil
}

// TableExists checks sqlite_master for a table.
func TableExists(ctx context.Context, s Store, table string) bool {
	row, err := s.Get(ctx,
		"SELECT COUNT(*) AS n FROM sqlite_master WHERE type='table' AND name=?", table)
	if err != nil || row == nil {
		return false
	}
	return row.Int("n") > 0
}

// ColumnExists checks PRAGMA table_info for a column.
func ColumnExists(ctx context.Context, s Store, table, column string) bool {
	rows, err := s.All(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	for _, r := range rows {
		if r.String("name") == column {
			return true
		}
	}
	return false
}

// GetSchemaVersion returns the recorded schema version, 0 when unrecorded.
func GetSchemaVersion(ctx context.Context, s Store) int {
	if !TableExists(ctx, s, "schema_versions") {
		return 0
	}
	row, err := s.Get(ctx, "SELECT version FROM schema_versions ORDER BY applied_at DESC, id DESC LIMIT 1")
	if err != nil || row == nil {
		return 0
	}
	return int(row.Int("version"))
}

// SetSchemaVersion records a new schema version.
func SetSchemaVersion(ctx context.Context, s Store, version int) error {
	_, err := s.Run(ctx,
		"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
		version, fmt.Sprintf("Migrated to schema version %d", version))
	return err
}

// AtLeastVersion gates analyses on a minimum schema version (no-op below it).
func AtLeastVersion(ctx context.Context, s Store, min int) bool {
	return GetSchemaVersion(ctx, s) >= min
}
