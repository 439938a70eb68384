package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/hapi-hub/hapi/internal/sortkey"
	"github.com/hapi-hub/hapi/pkg/types"
)

const teamSelectColumns = `
SELECT id, name, namespace, color, persistent, ttl_seconds, sort_order, last_active_member_at, created_by, created_at
FROM teams`

// CreateTeam inserts a new team ordered after every existing team in its
// namespace.
func (s *Store) CreateTeam(ctx context.Context, name, namespace, color, createdBy string, ttlSeconds int64) (*types.Team, error) {
	var created *types.Team
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var maxKey sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT sort_order FROM teams WHERE namespace = ? ORDER BY sort_order DESC LIMIT 1`, namespace).Scan(&maxKey)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		sortOrder := sortkey.Between(maxKey.String, "")

		id := ulid.Make().String()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO teams (id, name, namespace, color, persistent, ttl_seconds, sort_order, created_by, created_at)
			VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)
		`, id, name, namespace, color, ttlSeconds, sortOrder, createdBy, nowMillis())
		if err != nil {
			return err
		}

		row := tx.QueryRowContext(ctx, teamSelectColumns+` WHERE id = ?`, id)
		created, err = scanTeam(row)
		return err
	})
	if err != nil {
		return nil, wrapDBError(err)
	}
	return created, nil
}

// GetTeam enforces namespace scoping.
func (s *Store) GetTeam(ctx context.Context, id, namespace string) (*types.Team, error) {
	row := s.db.QueryRowContext(ctx, teamSelectColumns+` WHERE id = ?`, id)
	t, err := scanTeam(row)
	if err != nil {
		return nil, err
	}
	if t.Namespace != namespace {
		return nil, types.ErrAccessDenied
	}
	return t, nil
}

// ListTeams returns every team in namespace ordered by sortOrder.
func (s *Store) ListTeams(ctx context.Context, namespace string) ([]*types.Team, error) {
	rows, err := s.db.QueryContext(ctx, teamSelectColumns+` WHERE namespace = ? ORDER BY sort_order ASC`, namespace)
	if err != nil {
		return nil, wrapDBError(err)
	}
	defer rows.Close()

	var out []*types.Team
	for rows.Next() {
		t, err := scanTeamRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTeam changes mutable team fields. Renaming the always-on team is
// rejected (spec §3, "renaming or deleting it fails").
func (s *Store) UpdateTeam(ctx context.Context, id, namespace string, name, color *string, ttlSeconds *int64) error {
	t, err := s.GetTeam(ctx, id, namespace)
	if err != nil {
		return err
	}
	if t.Name == types.AlwaysOnTeamName && name != nil && *name != types.AlwaysOnTeamName {
		return types.ErrAccessDenied
	}

	next := *t
	if name != nil {
		next.Name = *name
	}
	if color != nil {
		next.Color = *color
	}
	if ttlSeconds != nil {
		next.TTLSeconds = *ttlSeconds
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE teams SET name = ?, color = ?, ttl_seconds = ? WHERE id = ? AND namespace = ?
	`, next.Name, next.Color, next.TTLSeconds, id, namespace)
	if err != nil {
		return wrapDBError(err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return types.ErrNotFound
	}
	return nil
}

// DeleteTeam refuses to delete the always-on team.
func (s *Store) DeleteTeam(ctx context.Context, id, namespace string) error {
	t, err := s.GetTeam(ctx, id, namespace)
	if err != nil {
		return err
	}
	if t.Name == types.AlwaysOnTeamName {
		return types.ErrAccessDenied
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM teams WHERE id = ? AND namespace = ?`, id, namespace)
	return wrapDBError(err)
}

// AddMember assigns a session to a team. It fails if the session already
// belongs to any team (spec §4.1 "addMember fails if the session is
// already in any team").
func (s *Store) AddMember(ctx context.Context, teamID, sessionID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx, `SELECT team_id FROM team_members WHERE session_id = ?`, sessionID).Scan(&existing)
		if err == nil {
			return fmt.Errorf("session already in team %s: %w", existing, types.ErrConflict)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		if _, err := tx.ExecContext(ctx, `INSERT INTO team_members (team_id, session_id) VALUES (?, ?)`, teamID, sessionID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE teams SET last_active_member_at = ? WHERE id = ?`, nowMillis(), teamID)
		return err
	})
}

// RemoveMember removes a session from whatever team it belongs to.
func (s *Store) RemoveMember(ctx context.Context, teamID, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM team_members WHERE team_id = ? AND session_id = ?`, teamID, sessionID)
	if err != nil {
		return wrapDBError(err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return types.ErrNotFound
	}
	return nil
}

// ListMembers returns every session id belonging to a team.
func (s *Store) ListMembers(ctx context.Context, teamID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id FROM team_members WHERE team_id = ?`, teamID)
	if err != nil {
		return nil, wrapDBError(err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var sid string
		if err := rows.Scan(&sid); err != nil {
			return nil, err
		}
		out = append(out, sid)
	}
	return out, rows.Err()
}

// GetExpiredTemporaryTeams returns non-persistent teams whose
// lastActiveMemberAt + ttlSeconds has already passed as of now (unix
// millis), for the team-expiry background loop.
func (s *Store) GetExpiredTemporaryTeams(ctx context.Context, now int64) ([]*types.Team, error) {
	rows, err := s.db.QueryContext(ctx, teamSelectColumns+`
		WHERE persistent = 0 AND ttl_seconds > 0 AND (last_active_member_at + ttl_seconds * 1000) < ?
	`, now)
	if err != nil {
		return nil, wrapDBError(err)
	}
	defer rows.Close()

	var out []*types.Team
	for rows.Next() {
		t, err := scanTeamRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// EnsureAlwaysOnTeam lazily seeds the always-on team for a namespace that
// has never had one (only the "default" namespace gets it from the
// initial-schema migration seed row).
func (s *Store) EnsureAlwaysOnTeam(ctx context.Context, namespace string) (*types.Team, error) {
	row := s.db.QueryRowContext(ctx, teamSelectColumns+` WHERE name = ? AND namespace = ?`, types.AlwaysOnTeamName, namespace)
	if t, err := scanTeam(row); err == nil {
		return t, nil
	} else if !isNotFound(err) {
		return nil, err
	}

	var created *types.Team
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		id := ulid.Make().String()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO teams (id, name, namespace, persistent, sort_order, created_by, created_at)
			VALUES (?, ?, ?, 1, ?, 'system', ?)
		`, id, types.AlwaysOnTeamName, namespace, sortkey.First(), nowMillis())
		if err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, teamSelectColumns+` WHERE id = ?`, id)
		created, err = scanTeam(row)
		return err
	})
	if err != nil {
		return nil, wrapDBError(err)
	}
	return created, nil
}

func scanTeam(row *sql.Row) (*types.Team, error) {
	return scanTeamScanner(row)
}

func scanTeamRows(rows *sql.Rows) (*types.Team, error) {
	return scanTeamScanner(rows)
}

func scanTeamScanner(sc rowScanner) (*types.Team, error) {
	var t types.Team
	err := sc.Scan(&t.ID, &t.Name, &t.Namespace, &t.Color, &t.Persistent, &t.TTLSeconds, &t.SortOrder, &t.LastActiveMemberAt, &t.CreatedBy, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}
