package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/hapi-hub/hapi/pkg/types"
)

const machineSelectColumns = `
SELECT id, namespace, metadata, metadata_version, runner_state, runner_state_version, active, active_at, seq
FROM machines`

// GetOrCreateMachine returns the machine with the given id. If it already
// exists under a different namespace this rejects the call rather than
// silently adopting it into the caller's namespace (spec §3 invariant 1,
// §4.1 "cross-namespace id collision").
func (s *Store) GetOrCreateMachine(ctx context.Context, id, namespace string, metadata json.RawMessage) (*types.Machine, error) {
	if metadata == nil {
		metadata = json.RawMessage("{}")
	}

	existing, err := s.getMachineAnyNamespace(ctx, s.db, id)
	if err == nil {
		if existing.Namespace != namespace {
			return nil, types.ErrAccessDenied
		}
		return existing, nil
	}
	if !isNotFound(err) {
		return nil, err
	}

	now := nowMillis()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO machines (id, namespace, metadata, runner_state, active, active_at)
		VALUES (?, ?, ?, '{}', 1, ?)
	`, id, namespace, string(metadata), now)
	if err != nil {
		return nil, wrapDBError(err)
	}
	return s.getMachineAnyNamespace(ctx, s.db, id)
}

func (s *Store) getMachineAnyNamespace(ctx context.Context, q querier, id string) (*types.Machine, error) {
	row := q.QueryRowContext(ctx, machineSelectColumns+` WHERE id = ?`, id)
	return scanMachine(row)
}

// GetMachine enforces namespace scoping the same way GetSession does.
func (s *Store) GetMachine(ctx context.Context, id, namespace string) (*types.Machine, error) {
	m, err := s.getMachineAnyNamespace(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if m.Namespace != namespace {
		return nil, types.ErrAccessDenied
	}
	return m, nil
}

// ListMachines returns every machine registered in namespace.
func (s *Store) ListMachines(ctx context.Context, namespace string) ([]*types.Machine, error) {
	rows, err := s.db.QueryContext(ctx, machineSelectColumns+` WHERE namespace = ? ORDER BY active_at DESC`, namespace)
	if err != nil {
		return nil, wrapDBError(err)
	}
	defer rows.Close()

	var out []*types.Machine
	for rows.Next() {
		m, err := scanMachineRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateMachineRunnerState is the machine analogue of UpdateSessionAgentState.
func (s *Store) UpdateMachineRunnerState(ctx context.Context, id, namespace string, value json.RawMessage, expectedVersion int64) (UpdateResult, error) {
	m, err := s.GetMachine(ctx, id, namespace)
	if err != nil {
		return UpdateResult{}, err
	}
	if m.RunnerStateVersion != expectedVersion {
		return UpdateResult{Result: types.ResultVersionMismatch, Version: m.RunnerStateVersion, Value: m.RunnerState}, nil
	}

	newVersion := expectedVersion + 1
	res, err := s.db.ExecContext(ctx, `
		UPDATE machines SET runner_state = ?, runner_state_version = ?, seq = seq + 1
		WHERE id = ? AND namespace = ? AND runner_state_version = ?
	`, string(value), newVersion, id, namespace, expectedVersion)
	if err != nil {
		return UpdateResult{}, wrapDBError(err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		m, err := s.GetMachine(ctx, id, namespace)
		if err != nil {
			return UpdateResult{}, err
		}
		return UpdateResult{Result: types.ResultVersionMismatch, Version: m.RunnerStateVersion, Value: m.RunnerState}, nil
	}
	return UpdateResult{Result: types.ResultSuccess, Version: newVersion, Value: value}, nil
}

// SetMachineActive records socket connect/disconnect presence transitions.
func (s *Store) SetMachineActive(ctx context.Context, id, namespace string, active bool, activeAt int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE machines SET active = ?, active_at = ?, seq = seq + 1 WHERE id = ? AND namespace = ?
	`, active, activeAt, id, namespace)
	if err != nil {
		return wrapDBError(err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return types.ErrNotFound
	}
	return nil
}

func scanMachine(row *sql.Row) (*types.Machine, error) {
	return scanMachineScanner(row)
}

func scanMachineRows(rows *sql.Rows) (*types.Machine, error) {
	return scanMachineScanner(rows)
}

func scanMachineScanner(sc rowScanner) (*types.Machine, error) {
	var m types.Machine
	var metadata, runnerState string
	err := sc.Scan(&m.ID, &m.Namespace, &metadata, &m.MetadataVersion, &runnerState, &m.RunnerStateVersion, &m.Active, &m.ActiveAt, &m.Seq)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}
	m.Metadata = json.RawMessage(metadata)
	m.RunnerState = json.RawMessage(runnerState)
	return &m, nil
}
