package migrations

import (
	"context"
	"database/sql"
)

const initialSchemaSQL = `
CREATE TABLE sessions (
	id                   TEXT PRIMARY KEY,
	tag                  TEXT NOT NULL,
	namespace            TEXT NOT NULL,
	machine_id           TEXT,
	created_at           INTEGER NOT NULL,
	updated_at           INTEGER NOT NULL,
	metadata             TEXT NOT NULL DEFAULT '{}',
	metadata_version     INTEGER NOT NULL DEFAULT 1,
	agent_state          TEXT NOT NULL DEFAULT '{}',
	agent_state_version  INTEGER NOT NULL DEFAULT 1,
	todos                TEXT,
	todos_updated_at     INTEGER NOT NULL DEFAULT 0,
	active               INTEGER NOT NULL DEFAULT 0,
	active_at            INTEGER NOT NULL DEFAULT 0,
	seq                  INTEGER NOT NULL DEFAULT 0,
	sort_order           TEXT NOT NULL,
	parent_session_id    TEXT,
	accept_all_messages  INTEGER NOT NULL DEFAULT 0,
	UNIQUE(tag, namespace)
);
CREATE INDEX idx_sessions_namespace ON sessions(namespace);
CREATE INDEX idx_sessions_machine ON sessions(machine_id);

CREATE TABLE machines (
	id                     TEXT PRIMARY KEY,
	namespace              TEXT NOT NULL,
	metadata               TEXT NOT NULL DEFAULT '{}',
	metadata_version       INTEGER NOT NULL DEFAULT 1,
	runner_state           TEXT NOT NULL DEFAULT '{}',
	runner_state_version   INTEGER NOT NULL DEFAULT 1,
	active                 INTEGER NOT NULL DEFAULT 0,
	active_at              INTEGER NOT NULL DEFAULT 0,
	seq                    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX idx_machines_namespace ON machines(namespace);

CREATE TABLE messages (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	content     TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	seq         INTEGER NOT NULL,
	local_id    TEXT
);
CREATE INDEX idx_messages_session ON messages(session_id, seq);
CREATE UNIQUE INDEX idx_messages_session_local ON messages(session_id, local_id) WHERE local_id IS NOT NULL;

CREATE TABLE session_bead_links (
	session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	bead_id     TEXT NOT NULL,
	linked_at   INTEGER NOT NULL,
	linked_by   TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (session_id, bead_id)
);

CREATE TABLE bead_snapshots (
	session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	bead_id     TEXT NOT NULL,
	data        TEXT NOT NULL,
	fetched_at  INTEGER NOT NULL,
	PRIMARY KEY (session_id, bead_id)
);

CREATE TABLE teams (
	id                      TEXT PRIMARY KEY,
	name                    TEXT NOT NULL,
	namespace               TEXT NOT NULL,
	color                   TEXT NOT NULL DEFAULT '',
	persistent              INTEGER NOT NULL DEFAULT 0,
	ttl_seconds             INTEGER NOT NULL DEFAULT 0,
	sort_order              TEXT NOT NULL,
	last_active_member_at   INTEGER NOT NULL DEFAULT 0,
	created_by              TEXT NOT NULL DEFAULT '',
	created_at              INTEGER NOT NULL,
	UNIQUE(name, namespace)
);
CREATE INDEX idx_teams_namespace ON teams(namespace);

CREATE TABLE team_members (
	team_id     TEXT NOT NULL REFERENCES teams(id) ON DELETE CASCADE,
	session_id  TEXT NOT NULL UNIQUE REFERENCES sessions(id) ON DELETE CASCADE,
	PRIMARY KEY (team_id, session_id)
);

CREATE TABLE group_sort_order (
	namespace   TEXT NOT NULL,
	group_key   TEXT NOT NULL,
	sort_order  TEXT NOT NULL,
	PRIMARY KEY (namespace, group_key)
);

CREATE TABLE user_preferences (
	namespace                  TEXT PRIMARY KEY,
	ready_announcements        INTEGER NOT NULL DEFAULT 1,
	permission_notifications   INTEGER NOT NULL DEFAULT 1,
	error_notifications        INTEGER NOT NULL DEFAULT 1,
	team_group_style           TEXT NOT NULL DEFAULT 'flat',
	updated_at                 INTEGER NOT NULL DEFAULT 0
);
`

// migrateInitialSchema creates every table at the current schema version
// and seeds the always-on team (spec §4.1, "Version 0 with no tables →
// create schema at the latest version and seed always-on").
func migrateInitialSchema(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, initialSchemaSQL); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO teams (id, name, namespace, persistent, sort_order, created_by, created_at)
		VALUES ('always-on', 'always-on', 'default', 1, 'A0', 'system', 0)
	`)
	return err
}
