package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/oklog/ulid/v2"

	"github.com/hapi-hub/hapi/pkg/types"
)

const messageSelectColumns = `SELECT id, session_id, content, created_at, seq, local_id FROM messages`

// AddMessage appends a message to a session's transcript. When localID is
// non-nil and a message with the same (sessionId, localId) already exists,
// the existing row is returned instead of inserting a duplicate (spec §4.1
// "idempotent on localId" — runners may retry a send after a dropped ack).
func (s *Store) AddMessage(ctx context.Context, sessionID string, content json.RawMessage, localID *string) (*types.Message, error) {
	if localID != nil {
		if existing, err := s.getMessageByLocalID(ctx, sessionID, *localID); err == nil {
			return existing, nil
		} else if !isNotFound(err) {
			return nil, err
		}
	}

	var created *types.Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var nextSeq int64
		err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?`, sessionID).Scan(&nextSeq)
		if err != nil {
			return err
		}

		id := ulid.Make().String()
		now := nowMillis()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (id, session_id, content, created_at, seq, local_id)
			VALUES (?, ?, ?, ?, ?, ?)
		`, id, sessionID, string(content), now, nextSeq, localID)
		if err != nil {
			return err
		}

		row := tx.QueryRowContext(ctx, messageSelectColumns+` WHERE id = ?`, id)
		created, err = scanMessage(row)
		return err
	})
	if err != nil {
		return nil, wrapDBError(err)
	}
	return created, nil
}

func (s *Store) getMessageByLocalID(ctx context.Context, sessionID, localID string) (*types.Message, error) {
	row := s.db.QueryRowContext(ctx, messageSelectColumns+` WHERE session_id = ? AND local_id = ?`, sessionID, localID)
	return scanMessage(row)
}

// GetMessages returns up to limit messages ending at the most recent,
// clamped to [1, 200] per spec §4.1.
func (s *Store) GetMessages(ctx context.Context, sessionID string, limit int) ([]*types.Message, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 200 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, content, created_at, seq, local_id FROM (
			SELECT id, session_id, content, created_at, seq, local_id FROM messages
			WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC
	`, sessionID, limit)
	if err != nil {
		return nil, wrapDBError(err)
	}
	defer rows.Close()

	var out []*types.Message
	for rows.Next() {
		msg, err := scanMessageRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// GetMessagesAfter returns up to limit messages with seq > afterSeq, in
// ascending seq order, clamped to [1, 200] (spec §6,
// "/sessions/:id/messages?afterSeq&limit").
func (s *Store) GetMessagesAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*types.Message, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 200 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, messageSelectColumns+`
		WHERE session_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?
	`, sessionID, afterSeq, limit)
	if err != nil {
		return nil, wrapDBError(err)
	}
	defer rows.Close()

	var out []*types.Message
	for rows.Next() {
		msg, err := scanMessageRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// MergeSessionMessages rewrites a session's transcript with an
// externally-supplied ordered batch (e.g. a runner resuming after a local
// restart with its own idea of history). The session's existing messages
// are deleted first and the batch is reseq'd contiguously from 1. A
// localId that repeats within the batch is kept on its first message and
// nulled out on the later ones rather than rejected, since local ids only
// dedupe within a single runner's send stream (spec §4.1 "merge"
// operation).
func (s *Store) MergeSessionMessages(ctx context.Context, sessionID string, incoming []*types.Message) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
			return err
		}

		seen := map[string]bool{}
		for i, msg := range incoming {
			id := msg.ID
			if id == "" {
				id = ulid.Make().String()
			}
			var localID *string
			if msg.LocalID != nil && !seen[*msg.LocalID] {
				localID = msg.LocalID
				seen[*msg.LocalID] = true
			}
			createdAt := msg.CreatedAt
			if createdAt == 0 {
				createdAt = nowMillis()
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO messages (id, session_id, content, created_at, seq, local_id)
				VALUES (?, ?, ?, ?, ?, ?)
			`, id, sessionID, string(msg.Content), createdAt, i+1, localID)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func scanMessage(row *sql.Row) (*types.Message, error) {
	return scanMessageScanner(row)
}

func scanMessageRows(rows *sql.Rows) (*types.Message, error) {
	return scanMessageScanner(rows)
}

func scanMessageScanner(sc rowScanner) (*types.Message, error) {
	var msg types.Message
	var content string
	var localID sql.NullString
	err := sc.Scan(&msg.ID, &msg.SessionID, &content, &msg.CreatedAt, &msg.Seq, &localID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}
	msg.Content = json.RawMessage(content)
	if localID.Valid {
		msg.LocalID = &localID.String
	}
	return &msg, nil
}
