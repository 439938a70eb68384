package store

import (
	"context"
	"database/sql"
)

// moveMessagesTx reparents every message from source to target, reseq'ing
// the moved batch contiguously after whatever target already has, and
// nulling out any localId that collides with a message already in target
// (spec §3 "Message": localIds only dedupe within a single runner's send
// stream, so a collision on merge is resolved rather than rejected).
func moveMessagesTx(ctx context.Context, tx *sql.Tx, source, target string) error {
	var nextSeq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?`, target).Scan(&nextSeq); err != nil {
		return err
	}

	rows, err := tx.QueryContext(ctx, `SELECT id, local_id FROM messages WHERE session_id = ? ORDER BY seq ASC`, source)
	if err != nil {
		return err
	}
	type moved struct {
		id      string
		localID sql.NullString
	}
	var batch []moved
	for rows.Next() {
		var m moved
		if err := rows.Scan(&m.id, &m.localID); err != nil {
			rows.Close()
			return err
		}
		batch = append(batch, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, m := range batch {
		localID := m.localID
		if localID.Valid {
			var collides int
			err := tx.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM messages WHERE session_id = ? AND local_id = ?
			`, target, localID.String).Scan(&collides)
			if err != nil {
				return err
			}
			if collides > 0 {
				localID = sql.NullString{}
			}
		}

		var localArg any
		if localID.Valid {
			localArg = localID.String
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE messages SET session_id = ?, seq = ?, local_id = ? WHERE id = ?
		`, target, nextSeq, localArg, m.id)
		if err != nil {
			return err
		}
		nextSeq++
	}
	return nil
}

// MergeSessions moves everything from source into target inside a single
// transaction: messages are reparented, bead links/snapshots are
// reassigned collision-safe, target inherits source's sortOrder, and
// source is removed (spec §4.3 "mergeSessions").
func (s *Store) MergeSessions(ctx context.Context, source, target, namespace string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := moveMessagesTx(ctx, tx, source, target); err != nil {
			return err
		}
		if err := reassignBeadLinksTx(ctx, tx, source, target); err != nil {
			return err
		}

		var sourceSortOrder string
		if err := tx.QueryRowContext(ctx, `SELECT sort_order FROM sessions WHERE id = ? AND namespace = ?`, source, namespace).Scan(&sourceSortOrder); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET sort_order = ? WHERE id = ? AND namespace = ?`, sourceSortOrder, target, namespace); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ? AND namespace = ?`, source, namespace)
		return err
	})
}

// reassignBeadLinksTx is the transaction-scoped core of ReassignBeadLinks,
// shared by MergeSessions so the whole merge commits atomically.
func reassignBeadLinksTx(ctx context.Context, tx *sql.Tx, source, target string) error {
	linkRows, err := tx.QueryContext(ctx, `SELECT bead_id, linked_at, linked_by FROM session_bead_links WHERE session_id = ?`, source)
	if err != nil {
		return err
	}
	type link struct {
		beadID, linkedBy string
		linkedAt         int64
	}
	var links []link
	for linkRows.Next() {
		var l link
		if err := linkRows.Scan(&l.beadID, &l.linkedAt, &l.linkedBy); err != nil {
			linkRows.Close()
			return err
		}
		links = append(links, l)
	}
	linkRows.Close()
	if err := linkRows.Err(); err != nil {
		return err
	}
	for _, l := range links {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_bead_links (session_id, bead_id, linked_at, linked_by)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(session_id, bead_id) DO NOTHING
		`, target, l.beadID, l.linkedAt, l.linkedBy); err != nil {
			return err
		}
	}

	snapRows, err := tx.QueryContext(ctx, `SELECT bead_id, data, fetched_at FROM bead_snapshots WHERE session_id = ?`, source)
	if err != nil {
		return err
	}
	type snap struct {
		beadID, data string
		fetchedAt    int64
	}
	var snaps []snap
	for snapRows.Next() {
		var sn snap
		if err := snapRows.Scan(&sn.beadID, &sn.data, &sn.fetchedAt); err != nil {
			snapRows.Close()
			return err
		}
		snaps = append(snaps, sn)
	}
	snapRows.Close()
	if err := snapRows.Err(); err != nil {
		return err
	}
	for _, sn := range snaps {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO bead_snapshots (session_id, bead_id, data, fetched_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(session_id, bead_id) DO NOTHING
		`, target, sn.beadID, sn.data, sn.fetchedAt); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_bead_links WHERE session_id = ?`, source); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM bead_snapshots WHERE session_id = ?`, source)
	return err
}
