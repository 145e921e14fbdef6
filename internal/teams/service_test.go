package teams

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alekspetrov/taskflow/internal/model"
	"github.com/alekspetrov/taskflow/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "teams.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	svc := NewService(st)
	svc.now = func() time.Time { return time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC) }
	return svc, st
}

func TestCreateTeamProvisionsQueues(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	team, err := svc.CreateTeam(ctx, "Platform", "alice")
	if err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}

	q, err := st.TeamQueue(ctx, team.ID)
	if err != nil {
		t.Fatalf("TeamQueue: %v", err)
	}
	if q.ScopeType != model.ScopeTeam || q.ScopeID != team.ID || !q.IsSystem {
		t.Errorf("team queue = %+v", q)
	}
	if _, err := st.PersonalQueue(ctx, "alice"); err != nil {
		t.Errorf("owner personal queue missing: %v", err)
	}
	members, _ := svc.ListMembers(ctx, team.ID)
	if len(members) != 1 || members[0].Role != model.RoleOwner {
		t.Errorf("members = %+v", members)
	}

	if _, err := svc.CreateTeam(ctx, "Platform", "bob"); !errors.Is(err, model.ErrInvalidInput) {
		t.Errorf("duplicate name err = %v", err)
	}
	if _, err := svc.CreateTeam(ctx, " ", "bob"); !errors.Is(err, model.ErrInvalidInput) {
		t.Errorf("blank name err = %v", err)
	}
}

func TestAddMemberRequiresOwner(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)
	team, _ := svc.CreateTeam(ctx, "Platform", "alice")

	if _, err := svc.AddMember(ctx, team.ID, "alice", "bob", model.RoleMember); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if _, err := st.PersonalQueue(ctx, "bob"); err != nil {
		t.Errorf("bob personal queue missing: %v", err)
	}
	if _, err := svc.AddMember(ctx, team.ID, "bob", "carol", model.RoleMember); !errors.Is(err, model.ErrNotAuthorized) {
		t.Errorf("member adding member err = %v", err)
	}
	if _, err := svc.AddMember(ctx, team.ID, "alice", "bob", model.RoleMember); !errors.Is(err, ErrAlreadyMember) {
		t.Errorf("duplicate add err = %v", err)
	}
	if _, err := svc.AddMember(ctx, team.ID, "alice", "dave", "admin"); !errors.Is(err, ErrInvalidRole) {
		t.Errorf("bad role err = %v", err)
	}
	if _, err := svc.AddMember(ctx, "nope", "alice", "dave", model.RoleMember); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("unknown team err = %v", err)
	}
}

func TestRemoveMemberAndRoles(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	team, _ := svc.CreateTeam(ctx, "Platform", "alice")
	_, _ = svc.AddMember(ctx, team.ID, "alice", "bob", model.RoleMember)

	if err := svc.RemoveMember(ctx, team.ID, "alice", "alice"); !errors.Is(err, ErrLastOwner) {
		t.Errorf("last owner removal err = %v", err)
	}
	if err := svc.UpdateMemberRole(ctx, team.ID, "alice", "alice", model.RoleMember); !errors.Is(err, ErrSelfRoleChange) {
		t.Errorf("self role change err = %v", err)
	}
	if err := svc.UpdateMemberRole(ctx, team.ID, "alice", "bob", model.RoleOwner); err != nil {
		t.Fatalf("promote bob: %v", err)
	}
	if err := svc.RemoveMember(ctx, team.ID, "alice", "alice"); err != nil {
		t.Errorf("owner leaving with another owner: %v", err)
	}
	if err := svc.RemoveMember(ctx, team.ID, "bob", "ghost"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("removing non member err = %v", err)
	}
}

func TestDeleteTeam(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)
	team, _ := svc.CreateTeam(ctx, "Platform", "alice")
	_, _ = svc.AddMember(ctx, team.ID, "alice", "bob", model.RoleMember)

	if err := svc.DeleteTeam(ctx, team.ID, "bob"); !errors.Is(err, model.ErrNotAuthorized) {
		t.Errorf("member delete err = %v", err)
	}
	if err := svc.DeleteTeam(ctx, team.ID, "alice"); err != nil {
		t.Fatalf("DeleteTeam: %v", err)
	}
	if _, err := st.GetQueue(ctx, team.QueueID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("team queue should be gone: %v", err)
	}
	if _, err := svc.GetTeam(ctx, team.ID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("team should be gone: %v", err)
	}
}

func TestEnsurePersonalQueueIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	a, err := svc.EnsurePersonalQueue(ctx, "erin")
	if err != nil {
		t.Fatalf("EnsurePersonalQueue: %v", err)
	}
	b, err := svc.EnsurePersonalQueue(ctx, "erin")
	if err != nil {
		t.Fatalf("EnsurePersonalQueue: %v", err)
	}
	if a.ID != b.ID {
		t.Errorf("second call created a new queue: %s vs %s", a.ID, b.ID)
	}
}
