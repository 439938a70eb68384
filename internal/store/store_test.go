package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/hapi-hub/hapi/internal/event"
	"github.com/hapi-hub/hapi/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	st, err := Open(context.Background(), filepath.Join(dir, "hapi.db"), event.New())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
		os.RemoveAll(dir)
	})
	return st
}

func TestOpen_AppliesSchemaAndSeedsAlwaysOnTeam(t *testing.T) {
	st := newTestStore(t)

	teams, err := st.ListTeams(context.Background(), "default")
	if err != nil {
		t.Fatalf("ListTeams: %v", err)
	}
	if len(teams) != 1 || teams[0].Name != types.AlwaysOnTeamName {
		t.Fatalf("expected seeded always-on team, got %+v", teams)
	}
}

func TestGetOrCreateSession_IsIdempotentByTagAndNamespace(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	first, err := st.GetOrCreateSession(ctx, "tag-1", "default", nil, nil, nil)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	second, err := st.GetOrCreateSession(ctx, "tag-1", "default", nil, nil, nil)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("expected the same session, got %s and %s", first.ID, second.ID)
	}
}

func TestGetSession_RejectsCrossNamespaceAccess(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sess, err := st.GetOrCreateSession(ctx, "tag-1", "tenant-a", nil, nil, nil)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}

	if _, err := st.GetSession(ctx, sess.ID, "tenant-b"); err != types.ErrAccessDenied {
		t.Errorf("expected ErrAccessDenied, got %v", err)
	}
}

func TestUpdateSessionMetadata_VersionMismatch(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sess, err := st.GetOrCreateSession(ctx, "tag-1", "default", nil, nil, nil)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}

	res, err := st.UpdateSessionMetadata(ctx, sess.ID, "default", json.RawMessage(`{"a":1}`), sess.MetadataVersion)
	if err != nil {
		t.Fatalf("UpdateSessionMetadata: %v", err)
	}
	if res.Result != types.ResultSuccess {
		t.Fatalf("expected success, got %v", res.Result)
	}

	stale, err := st.UpdateSessionMetadata(ctx, sess.ID, "default", json.RawMessage(`{"a":2}`), sess.MetadataVersion)
	if err != nil {
		t.Fatalf("UpdateSessionMetadata: %v", err)
	}
	if stale.Result != types.ResultVersionMismatch {
		t.Fatalf("expected version-mismatch, got %v", stale.Result)
	}
	if stale.Version != res.Version {
		t.Errorf("expected reported version %d, got %d", res.Version, stale.Version)
	}
}

func TestSetSessionTodos_RejectsStaleTimestamp(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sess, err := st.GetOrCreateSession(ctx, "tag-1", "default", nil, nil, nil)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}

	ok, err := st.SetSessionTodos(ctx, sess.ID, "default", json.RawMessage(`[]`), 1000)
	if err != nil || !ok {
		t.Fatalf("expected first todos update to succeed, ok=%v err=%v", ok, err)
	}

	ok, err = st.SetSessionTodos(ctx, sess.ID, "default", json.RawMessage(`[]`), 1000)
	if err != nil {
		t.Fatalf("SetSessionTodos: %v", err)
	}
	if ok {
		t.Error("expected equal timestamp to be rejected")
	}

	ok, err = st.SetSessionTodos(ctx, sess.ID, "default", json.RawMessage(`[]`), 500)
	if err != nil {
		t.Fatalf("SetSessionTodos: %v", err)
	}
	if ok {
		t.Error("expected older timestamp to be rejected")
	}
}

func TestDeleteSession_RefusesActiveSession(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sess, err := st.GetOrCreateSession(ctx, "tag-1", "default", nil, nil, nil)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	if err := st.SetSessionActive(ctx, sess.ID, "default", true, 1); err != nil {
		t.Fatalf("SetSessionActive: %v", err)
	}

	if err := st.DeleteSession(ctx, sess.ID, "default"); err != types.ErrConflict {
		t.Errorf("expected ErrConflict deleting an active session, got %v", err)
	}
}

func TestLinkBead_RejectsBeyondMax(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sess, err := st.GetOrCreateSession(ctx, "tag-1", "default", nil, nil, nil)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}

	for i := 0; i < types.MaxBeadLinksPerSession; i++ {
		id := string(rune('a' + i))
		if err := st.LinkBead(ctx, sess.ID, "bead-"+id, "tester"); err != nil {
			t.Fatalf("LinkBead %d: %v", i, err)
		}
	}

	if err := st.LinkBead(ctx, sess.ID, "bead-overflow", "tester"); err != types.ErrConflict {
		t.Errorf("expected ErrConflict past the cap, got %v", err)
	}
}

func TestSaveSnapshot_ReturnsFalseForIdenticalPayload(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sess, err := st.GetOrCreateSession(ctx, "tag-1", "default", nil, nil, nil)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	if err := st.LinkBead(ctx, sess.ID, "bead-1", "tester"); err != nil {
		t.Fatalf("LinkBead: %v", err)
	}

	changed, err := st.SaveSnapshot(ctx, sess.ID, "bead-1", json.RawMessage(`{"title":"x"}`))
	if err != nil || !changed {
		t.Fatalf("expected first snapshot to report changed, changed=%v err=%v", changed, err)
	}

	changed, err = st.SaveSnapshot(ctx, sess.ID, "bead-1", json.RawMessage(`{"title":"x"}`))
	if err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if changed {
		t.Error("expected identical payload to report unchanged")
	}
}

func TestReassignBeadLinks_IsCollisionSafe(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	source, err := st.GetOrCreateSession(ctx, "tag-source", "default", nil, nil, nil)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	target, err := st.GetOrCreateSession(ctx, "tag-target", "default", nil, nil, nil)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}

	if err := st.LinkBead(ctx, source.ID, "bead-shared", "tester"); err != nil {
		t.Fatalf("LinkBead source: %v", err)
	}
	if err := st.LinkBead(ctx, target.ID, "bead-shared", "tester"); err != nil {
		t.Fatalf("LinkBead target: %v", err)
	}
	if err := st.LinkBead(ctx, source.ID, "bead-unique", "tester"); err != nil {
		t.Fatalf("LinkBead unique: %v", err)
	}

	if err := st.ReassignBeadLinks(ctx, source.ID, target.ID); err != nil {
		t.Fatalf("ReassignBeadLinks: %v", err)
	}

	links, err := st.ListBeadLinks(ctx, target.ID)
	if err != nil {
		t.Fatalf("ListBeadLinks: %v", err)
	}
	if len(links) != 2 {
		t.Fatalf("expected target to hold both bead links, got %d", len(links))
	}

	sourceLinks, err := st.ListBeadLinks(ctx, source.ID)
	if err != nil {
		t.Fatalf("ListBeadLinks source: %v", err)
	}
	if len(sourceLinks) != 0 {
		t.Errorf("expected source links cleared, got %d", len(sourceLinks))
	}
}

func TestAddMessage_IsIdempotentOnLocalID(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sess, err := st.GetOrCreateSession(ctx, "tag-1", "default", nil, nil, nil)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}

	localID := "local-1"
	first, err := st.AddMessage(ctx, sess.ID, json.RawMessage(`"hi"`), &localID)
	if err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	second, err := st.AddMessage(ctx, sess.ID, json.RawMessage(`"hi again"`), &localID)
	if err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("expected idempotent insert, got distinct ids %s and %s", first.ID, second.ID)
	}
}

func TestAddMember_RejectsSecondTeamMembership(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sess, err := st.GetOrCreateSession(ctx, "tag-1", "default", nil, nil, nil)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	teamA, err := st.CreateTeam(ctx, "team-a", "default", "", "tester", 0)
	if err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}
	teamB, err := st.CreateTeam(ctx, "team-b", "default", "", "tester", 0)
	if err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}

	if err := st.AddMember(ctx, teamA.ID, sess.ID); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if err := st.AddMember(ctx, teamB.ID, sess.ID); !errors.Is(err, types.ErrConflict) {
		t.Errorf("expected ErrConflict for second team membership, got %v", err)
	}
}

func TestUpdateTeam_RejectsRenamingAlwaysOn(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	teams, err := st.ListTeams(ctx, "default")
	if err != nil {
		t.Fatalf("ListTeams: %v", err)
	}
	alwaysOn := teams[0]

	newName := "renamed"
	if err := st.UpdateTeam(ctx, alwaysOn.ID, "default", &newName, nil, nil); err != types.ErrAccessDenied {
		t.Errorf("expected ErrAccessDenied renaming always-on, got %v", err)
	}
}
