package store

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/hapi-hub/hapi/pkg/types"
)

// wrapDBError classifies a raw database error into the store's stable
// result values, grounded on the error-classification helper in this
// project's `beads` reference codebase (internal/storage/sqlite).
func wrapDBError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return types.ErrNotFound
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return types.ErrConflict
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "SQLITE_BUSY"):
		return &types.StoreError{Code: "busy", Message: "database busy, retry"}
	default:
		return err
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, types.ErrNotFound)
}
