package migrations

import (
	"context"
	"database/sql"
)

// migrateLegacyDaemonState is a one-shot step for databases created by a
// predecessor of this hub that used `daemon_state`/`daemon_state_version`
// column names for what is now the machine's runner state. It renames
// those columns forward before the normal schema is created, following
// the idempotent add/rename-column pattern this project's `beads`
// reference codebase uses for its own SQLite migrations
// (pragma_table_info-driven column detection).
func migrateLegacyDaemonState(ctx context.Context, tx *sql.Tx) error {
	// PRAGMA table_info on a nonexistent table simply returns zero rows, so
	// this is also a safe no-op on a legacy database that never had a
	// machines table.
	exists, err := columnExists(ctx, tx, "machines", "daemon_state")
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	renames := [][2]string{
		{"daemon_state", "runner_state"},
		{"daemon_state_version", "runner_state_version"},
	}
	for _, pair := range renames {
		old, new := pair[0], pair[1]
		has, err := columnExists(ctx, tx, "machines", old)
		if err != nil {
			return err
		}
		if !has {
			continue
		}
		if _, err := tx.ExecContext(ctx, "ALTER TABLE machines RENAME COLUMN "+old+" TO "+new); err != nil {
			return err
		}
	}
	return nil
}
