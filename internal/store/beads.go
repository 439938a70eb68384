package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/hapi-hub/hapi/pkg/types"
)

// LinkBead attaches a bead to a session. It rejects once 10 links exist
// for that session (spec §3, MaxBeadLinksPerSession).
func (s *Store) LinkBead(ctx context.Context, sessionID, beadID, linkedBy string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM session_bead_links WHERE session_id = ?`, sessionID).Scan(&count); err != nil {
			return err
		}
		if count >= types.MaxBeadLinksPerSession {
			return types.ErrConflict
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO session_bead_links (session_id, bead_id, linked_at, linked_by)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(session_id, bead_id) DO NOTHING
		`, sessionID, beadID, nowMillis(), linkedBy)
		return err
	})
}

// UnlinkBead removes the link and its snapshot together.
func (s *Store) UnlinkBead(ctx context.Context, sessionID, beadID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM session_bead_links WHERE session_id = ? AND bead_id = ?`, sessionID, beadID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM bead_snapshots WHERE session_id = ? AND bead_id = ?`, sessionID, beadID)
		return err
	})
}

// ListBeadLinks returns every bead linked to a session.
func (s *Store) ListBeadLinks(ctx context.Context, sessionID string) ([]*types.SessionBeadLink, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, bead_id, linked_at, linked_by FROM session_bead_links WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, wrapDBError(err)
	}
	defer rows.Close()

	var out []*types.SessionBeadLink
	for rows.Next() {
		var l types.SessionBeadLink
		if err := rows.Scan(&l.SessionID, &l.BeadID, &l.LinkedAt, &l.LinkedBy); err != nil {
			return nil, err
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

// ListActiveSessionBeadGroups collects (sessionId, beadIds) for every
// active session that has at least one linked bead, for BeadService's
// poll-cycle grouping (spec §4.5 step 1).
type SessionBeadGroup struct {
	SessionID string
	BeadIDs   []string
}

func (s *Store) ListActiveSessionBeadGroups(ctx context.Context, namespace string) ([]SessionBeadGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.session_id, l.bead_id
		FROM session_bead_links l
		JOIN sessions s ON s.id = l.session_id
		WHERE s.active = 1 AND (? = '' OR s.namespace = ?)
		ORDER BY l.session_id
	`, namespace, namespace)
	if err != nil {
		return nil, wrapDBError(err)
	}
	defer rows.Close()

	bySession := map[string][]string{}
	var order []string
	for rows.Next() {
		var sid, bid string
		if err := rows.Scan(&sid, &bid); err != nil {
			return nil, err
		}
		if _, ok := bySession[sid]; !ok {
			order = append(order, sid)
		}
		bySession[sid] = append(bySession[sid], bid)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	groups := make([]SessionBeadGroup, 0, len(order))
	for _, sid := range order {
		groups = append(groups, SessionBeadGroup{SessionID: sid, BeadIDs: bySession[sid]})
	}
	return groups, nil
}

// ReassignBeadLinks moves every link and snapshot from source to target,
// preserving whatever the target already has (collision-safe upsert) and
// then removing the source's rows (spec §3 invariant 6).
func (s *Store) ReassignBeadLinks(ctx context.Context, source, target string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return reassignBeadLinksTx(ctx, tx, source, target)
	})
}

// GetBeadSnapshots returns every stored snapshot for a session.
func (s *Store) GetBeadSnapshots(ctx context.Context, sessionID string) ([]*types.BeadSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, bead_id, data, fetched_at FROM bead_snapshots WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, wrapDBError(err)
	}
	defer rows.Close()

	var out []*types.BeadSnapshot
	for rows.Next() {
		var snap types.BeadSnapshot
		var data string
		if err := rows.Scan(&snap.SessionID, &snap.BeadID, &data, &snap.FetchedAt); err != nil {
			return nil, err
		}
		snap.Data = json.RawMessage(data)
		out = append(out, &snap)
	}
	return out, rows.Err()
}

// SaveSnapshot upserts a bead's data for a session and reports whether the
// payload actually changed. An identical payload only refreshes fetchedAt
// and returns false, so BeadService knows not to emit beads-updated (spec
// §4.1, §8 "saveSnapshot(data=D) followed by saveSnapshot(data=D)").
func (s *Store) SaveSnapshot(ctx context.Context, sessionID, beadID string, data json.RawMessage) (bool, error) {
	var changed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var existing sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT data FROM bead_snapshots WHERE session_id = ? AND bead_id = ?`, sessionID, beadID).Scan(&existing)
		now := nowMillis()
		switch {
		case errors.Is(err, sql.ErrNoRows):
			changed = true
			_, err = tx.ExecContext(ctx, `
				INSERT INTO bead_snapshots (session_id, bead_id, data, fetched_at) VALUES (?, ?, ?, ?)
			`, sessionID, beadID, string(data), now)
			return err
		case err != nil:
			return err
		}

		changed = !jsonEqual([]byte(existing.String), data)
		_, err = tx.ExecContext(ctx, `
			UPDATE bead_snapshots SET data = ?, fetched_at = ? WHERE session_id = ? AND bead_id = ?
		`, string(data), now, sessionID, beadID)
		return err
	})
	if err != nil {
		return false, wrapDBError(err)
	}
	return changed, nil
}

func jsonEqual(a, b []byte) bool {
	return bytes.Equal(bytes.TrimSpace(a), bytes.TrimSpace(b))
}
