package migrations

import (
	"context"
	"database/sql"
)

// migrateV2Noop is an intentional no-op. The source system's V2→V3
// migration did nothing; it is preserved here only so user_version
// numbering stays continuous with the original sequence (Design Note
// (b), an Open Question resolved in DESIGN.md).
func migrateV2Noop(ctx context.Context, tx *sql.Tx) error {
	return nil
}
