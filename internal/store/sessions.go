package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/hapi-hub/hapi/internal/sortkey"
	"github.com/hapi-hub/hapi/pkg/types"
)

// GetOrCreateSession returns the existing session for (tag, namespace) or
// creates one with a fresh sortOrder ordered before every existing entry
// in the namespace (spec §3 invariant 5, §4.1).
func (s *Store) GetOrCreateSession(ctx context.Context, tag, namespace string, metadata, agentState json.RawMessage, parentSessionID *string) (*types.Session, error) {
	if existing, err := s.getSessionByTag(ctx, tag, namespace); err == nil {
		return existing, nil
	} else if !isNotFound(err) {
		return nil, err
	}

	if metadata == nil {
		metadata = json.RawMessage("{}")
	}
	if agentState == nil {
		agentState = json.RawMessage("{}")
	}

	var created *types.Session
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		minKey, err := minSortOrder(ctx, tx, "sessions", "namespace = ?", namespace)
		if err != nil {
			return err
		}
		sortOrder := sortkey.Between("", minKey)

		id := ulid.Make().String()
		now := nowMillis()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sessions (id, tag, namespace, created_at, updated_at, metadata, agent_state, active_at, sort_order, parent_session_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, id, tag, namespace, now, now, string(metadata), string(agentState), now, sortOrder, parentSessionID)
		if err != nil {
			return wrapDBError(err)
		}

		created, err = s.getSessionByID(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func minSortOrder(ctx context.Context, tx *sql.Tx, table, where string, args ...any) (string, error) {
	var key sql.NullString
	query := fmt.Sprintf("SELECT sort_order FROM %s WHERE %s ORDER BY sort_order ASC LIMIT 1", table, where)
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	if !key.Valid {
		return "", nil
	}
	return key.String, nil
}

func (s *Store) getSessionByTag(ctx context.Context, tag, namespace string) (*types.Session, error) {
	row := s.db.QueryRowContext(ctx, sessionSelectColumns+` WHERE tag = ? AND namespace = ?`, tag, namespace)
	return scanSession(row)
}

// GetSession returns a session by id, enforcing namespace scoping (spec
// §3 invariant 1): it returns ErrNotFound if absent everywhere, or
// ErrAccessDenied if it exists but under a different namespace.
func (s *Store) GetSession(ctx context.Context, id, namespace string) (*types.Session, error) {
	sess, err := s.getSessionAnyNamespace(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if sess.Namespace != namespace {
		return nil, types.ErrAccessDenied
	}
	return sess, nil
}

func (s *Store) getSessionAnyNamespace(ctx context.Context, q querier, id string) (*types.Session, error) {
	row := q.QueryRowContext(ctx, sessionSelectColumns+` WHERE id = ?`, id)
	return scanSession(row)
}

// GetSessionAnyNamespaceForSweep looks a session up by id without a
// namespace check, for the background presence sweep which only has an
// id to go on.
func (s *Store) GetSessionAnyNamespaceForSweep(ctx context.Context, id string) (*types.Session, error) {
	return s.getSessionAnyNamespace(ctx, s.db, id)
}

// ListInactiveSessionsOlderThan returns ids of sessions in namespace that
// are inactive and whose updatedAt is at or before cutoff, for
// ClearInactiveSessions.
func (s *Store) ListInactiveSessionsOlderThan(ctx context.Context, namespace string, cutoff int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM sessions WHERE namespace = ? AND active = 0 AND updated_at <= ?
	`, namespace, cutoff)
	if err != nil {
		return nil, wrapDBError(err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) getSessionByID(ctx context.Context, q querier, id string) (*types.Session, error) {
	return s.getSessionAnyNamespace(ctx, q, id)
}

// ListSessions returns every session in namespace, optionally filtered to
// only active ones.
func (s *Store) ListSessions(ctx context.Context, namespace string, activeOnly bool) ([]*types.Session, error) {
	query := sessionSelectColumns + ` WHERE namespace = ?`
	args := []any{namespace}
	if activeOnly {
		query += ` AND active = 1`
	}
	query += ` ORDER BY sort_order ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError(err)
	}
	defer rows.Close()

	var out []*types.Session
	for rows.Next() {
		sess, err := scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// UpdateResult is the outcome of a version-guarded update.
type UpdateResult struct {
	Result  types.Result
	Version int64
	Value   json.RawMessage
}

// UpdateSessionMetadata applies an optimistic-concurrency-guarded update
// to a session's metadata (spec §3 invariant 2, §4.1).
func (s *Store) UpdateSessionMetadata(ctx context.Context, id, namespace string, value json.RawMessage, expectedVersion int64) (UpdateResult, error) {
	return s.updateVersionedField(ctx, id, namespace, "metadata", "metadata_version", value, expectedVersion)
}

// UpdateSessionAgentState applies the same contract to agentState.
func (s *Store) UpdateSessionAgentState(ctx context.Context, id, namespace string, value json.RawMessage, expectedVersion int64) (UpdateResult, error) {
	return s.updateVersionedField(ctx, id, namespace, "agent_state", "agent_state_version", value, expectedVersion)
}

func (s *Store) updateVersionedField(ctx context.Context, id, namespace, column, versionColumn string, value json.RawMessage, expectedVersion int64) (UpdateResult, error) {
	sess, err := s.GetSession(ctx, id, namespace)
	if err != nil {
		return UpdateResult{}, err
	}

	var current int64
	var currentValue json.RawMessage
	if column == "metadata" {
		current, currentValue = sess.MetadataVersion, sess.Metadata
	} else {
		current, currentValue = sess.AgentStateVersion, sess.AgentState
	}

	if current != expectedVersion {
		return UpdateResult{Result: types.ResultVersionMismatch, Version: current, Value: currentValue}, nil
	}

	newVersion := current + 1
	now := nowMillis()
	query := fmt.Sprintf(`UPDATE sessions SET %s = ?, %s = ?, updated_at = ?, seq = seq + 1 WHERE id = ? AND namespace = ? AND %s = ?`,
		column, versionColumn, versionColumn)
	res, err := s.db.ExecContext(ctx, query, string(value), newVersion, now, id, namespace, current)
	if err != nil {
		return UpdateResult{}, wrapDBError(err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		// Lost a race with a concurrent writer; report the now-current value.
		sess, err := s.GetSession(ctx, id, namespace)
		if err != nil {
			return UpdateResult{}, err
		}
		if column == "metadata" {
			return UpdateResult{Result: types.ResultVersionMismatch, Version: sess.MetadataVersion, Value: sess.Metadata}, nil
		}
		return UpdateResult{Result: types.ResultVersionMismatch, Version: sess.AgentStateVersion, Value: sess.AgentState}, nil
	}

	return UpdateResult{Result: types.ResultSuccess, Version: newVersion, Value: value}, nil
}

// SetSessionTodos rejects stale-or-equal timestamps (spec §3 invariant 3)
// and bumps seq on success.
func (s *Store) SetSessionTodos(ctx context.Context, id, namespace string, todos json.RawMessage, timestamp int64) (bool, error) {
	sess, err := s.GetSession(ctx, id, namespace)
	if err != nil {
		return false, err
	}
	if timestamp <= sess.TodosUpdatedAt {
		return false, nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET todos = ?, todos_updated_at = ?, updated_at = ?, seq = seq + 1
		WHERE id = ? AND namespace = ? AND todos_updated_at < ?
	`, string(todos), timestamp, nowMillis(), id, namespace, timestamp)
	if err != nil {
		return false, wrapDBError(err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// UpdateSessionSortOrder does not bump updatedAt: reordering is a UI
// concern, not a content change (spec §4.1, §4.3).
func (s *Store) UpdateSessionSortOrder(ctx context.Context, id, namespace, sortOrder string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET sort_order = ? WHERE id = ? AND namespace = ?`, sortOrder, id, namespace)
	if err != nil {
		return false, wrapDBError(err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// SetParentSessionID records the parent/child relationship by id only
// (Design Note "Cyclic references": no back-references are stored).
func (s *Store) SetParentSessionID(ctx context.Context, id, namespace string, parentID *string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET parent_session_id = ? WHERE id = ? AND namespace = ?`, parentID, id, namespace)
	if err != nil {
		return wrapDBError(err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return types.ErrNotFound
	}
	return nil
}

// SetAcceptAllMessages toggles the per-session flag that bypasses the
// parent/child topology check for inter-agent messages.
func (s *Store) SetAcceptAllMessages(ctx context.Context, id, namespace string, accept bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET accept_all_messages = ? WHERE id = ? AND namespace = ?`, accept, id, namespace)
	if err != nil {
		return wrapDBError(err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return types.ErrNotFound
	}
	return nil
}

// SetSessionActive updates the presence fields driven by SessionCache's
// state machine (spec §4.3). It always bumps seq so subscribers observe
// strictly increasing seq on every accepted presence change.
func (s *Store) SetSessionActive(ctx context.Context, id, namespace string, active bool, activeAt int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET active = ?, active_at = ?, seq = seq + 1 WHERE id = ? AND namespace = ?
	`, active, activeAt, id, namespace)
	if err != nil {
		return wrapDBError(err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return types.ErrNotFound
	}
	return nil
}

// DeleteSession removes a session, cascading messages and bead data (spec
// §3 invariant 7). It refuses to delete an active session.
func (s *Store) DeleteSession(ctx context.Context, id, namespace string) error {
	sess, err := s.GetSession(ctx, id, namespace)
	if err != nil {
		return err
	}
	if sess.Active {
		return types.ErrConflict
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ? AND namespace = ?`, id, namespace)
	return wrapDBError(err)
}

// DeleteSessionBatch deletes every id atomically: either all succeed or
// none do (spec §3 invariant 7, §4.1 "batch is atomic").
func (s *Store) DeleteSessionBatch(ctx context.Context, ids []string, namespace string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var deleted int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			var active bool
			err := tx.QueryRowContext(ctx, `SELECT active FROM sessions WHERE id = ? AND namespace = ?`, id, namespace).Scan(&active)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return err
			}
			if active {
				return fmt.Errorf("session %s is active: %w", id, types.ErrConflict)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ? AND namespace = ?`, id, namespace); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, wrapDBError(err)
	}
	return deleted, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const sessionSelectColumns = `
SELECT id, tag, namespace, machine_id, created_at, updated_at, metadata, metadata_version,
       agent_state, agent_state_version, todos, todos_updated_at, active, active_at, seq,
       sort_order, parent_session_id, accept_all_messages
FROM sessions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row *sql.Row) (*types.Session, error) {
	return scanSessionScanner(row)
}

func scanSessionRows(rows *sql.Rows) (*types.Session, error) {
	return scanSessionScanner(rows)
}

func scanSessionScanner(sc rowScanner) (*types.Session, error) {
	var sess types.Session
	var machineID, parentID sql.NullString
	var metadata, agentState string
	var todos sql.NullString

	err := sc.Scan(
		&sess.ID, &sess.Tag, &sess.Namespace, &machineID, &sess.CreatedAt, &sess.UpdatedAt,
		&metadata, &sess.MetadataVersion, &agentState, &sess.AgentStateVersion,
		&todos, &sess.TodosUpdatedAt, &sess.Active, &sess.ActiveAt, &sess.Seq,
		&sess.SortOrder, &parentID, &sess.AcceptAllMessages,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}

	sess.Metadata = json.RawMessage(metadata)
	sess.AgentState = json.RawMessage(agentState)
	if todos.Valid {
		sess.Todos = json.RawMessage(todos.String)
	}
	if machineID.Valid {
		sess.MachineID = &machineID.String
	}
	if parentID.Valid {
		sess.ParentSessionID = &parentID.String
	}
	return &sess, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
