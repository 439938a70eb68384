// Package migrations applies the hub's schema in version-numbered,
// additive steps, tracked through SQLite's built-in `user_version`
// pragma. The ordered-migration-table pattern below (a Migration struct,
// an ordered slice, and a single Run entry point wrapping each step in a
// transaction) mirrors the migration runner in this project's `beads`
// reference codebase, adapted from its MySQL/Dolt dialect
// (information_schema.columns) to SQLite's pragma_table_info.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration is one version step. Func must be idempotent with respect to
// partial prior application only in the legacy-detection step; every
// other step runs at most once per database, recorded via user_version.
type Migration struct {
	Version int
	Name    string
	Func    func(ctx context.Context, tx *sql.Tx) error
}

// schemaVersion is the version this build expects. A database whose
// user_version exceeds it refuses to start (spec §3 invariant 8).
const schemaVersion = 2

var steps = []Migration{
	{Version: 1, Name: "initial_schema", Func: migrateInitialSchema},
	{Version: 2, Name: "v2_to_v3_noop", Func: migrateV2Noop},
}

// Run reads the database's current user_version and applies every
// migration step with a version greater than it, in order, each inside
// its own transaction. A database with pre-existing tables but
// user_version=0 is treated as a legacy database: the one-shot
// migrateLegacyDaemonState rename runs first (Design Note (b)), then the
// normal forward-migration sequence continues.
func Run(ctx context.Context, db *sql.DB) error {
	current, err := userVersion(ctx, db)
	if err != nil {
		return err
	}

	if current > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than this build supports (%d)", current, schemaVersion)
	}

	if current == 0 {
		hasTables, err := hasAnyTable(ctx, db)
		if err != nil {
			return err
		}
		if hasTables {
			if err := runStep(ctx, db, Migration{
				Version: 0,
				Name:    "migrate_legacy_daemon_state",
				Func:    migrateLegacyDaemonState,
			}); err != nil {
				return fmt.Errorf("legacy migration: %w", err)
			}
		}
	}

	for _, step := range steps {
		if step.Version <= current {
			continue
		}
		if err := runStep(ctx, db, step); err != nil {
			return fmt.Errorf("migration %q (v%d): %w", step.Name, step.Version, err)
		}
		if err := setUserVersion(ctx, db, step.Version); err != nil {
			return err
		}
	}

	return verifyRequiredTables(ctx, db)
}

func runStep(ctx context.Context, db *sql.DB, step Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := step.Func(ctx, tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func userVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("read user_version: %w", err)
	}
	return v, nil
}

func setUserVersion(ctx context.Context, db *sql.DB, v int) error {
	// PRAGMA statements don't accept bind parameters.
	_, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", v))
	return err
}

func hasAnyTable(ctx context.Context, db *sql.DB) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx, `SELECT count(*) FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'`).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

var requiredTables = []string{
	"sessions", "machines", "messages", "session_bead_links", "bead_snapshots",
	"teams", "team_members", "group_sort_order", "user_preferences",
}

// verifyRequiredTables rejects a database the hub cannot safely use
// (spec §4.1, "Missing-table detection at the end rejects databases...").
func verifyRequiredTables(ctx context.Context, db *sql.DB) error {
	for _, name := range requiredTables {
		if !tableExists(ctx, db, name) {
			return fmt.Errorf("required table %q is missing after migration", name)
		}
	}
	return nil
}

func tableExists(ctx context.Context, db *sql.DB, name string) bool {
	var n int
	err := db.QueryRowContext(ctx, `SELECT count(*) FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&n)
	return err == nil && n > 0
}

func columnExists(ctx context.Context, tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
