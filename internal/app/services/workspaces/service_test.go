package workspaces

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/daygent/daygent/internal/app/domain/user"
	"github.com/daygent/daygent/internal/app/domain/workspace"
	"github.com/daygent/daygent/internal/app/storage/memory"
	"github.com/daygent/daygent/internal/cache"
)

func newFixture(t *testing.T) (*memory.Store, *Service, user.User, user.User) {
	t.Helper()
	store := memory.New()
	svc := New(store, store, store, store, nil)

	ctx := context.Background()
	owner, err := store.CreateUser(ctx, user.User{Email: "owner@example.com", Name: "Owner", Active: true})
	if err != nil {
		t.Fatalf("create owner: %v", err)
	}
	other, err := store.CreateUser(ctx, user.User{Email: "other@example.com", Name: "Other", Active: true})
	if err != nil {
		t.Fatalf("create other: %v", err)
	}
	return store, svc, owner, other
}

func TestCreateEnrolsOwner(t *testing.T) {
	_, svc, owner, _ := newFixture(t)
	ctx := context.Background()

	ws, err := svc.Create(ctx, owner.ID, "Acme", "acme")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	role, err := svc.ValidateAccess(ctx, owner.ID, ws.ID)
	if err != nil {
		t.Fatalf("validate access: %v", err)
	}
	if role != workspace.RoleOwner {
		t.Fatalf("creator role = %q, want owner", role)
	}

	if _, err := svc.Create(ctx, owner.ID, "Bad Slug", "Not A Slug!"); err == nil {
		t.Fatal("invalid slug accepted")
	}
}

func TestNonMemberSeesNotFound(t *testing.T) {
	_, svc, owner, other := newFixture(t)
	ctx := context.Background()

	ws, err := svc.Create(ctx, owner.ID, "Acme", "acme")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := svc.Get(ctx, other.ID, ws.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("non-member get: %v, want ErrNoRows", err)
	}
	if _, err := svc.ValidateAccess(ctx, other.ID, ws.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("non-member access: %v, want ErrNoRows", err)
	}
}

func TestMemberRoles(t *testing.T) {
	_, svc, owner, other := newFixture(t)
	ctx := context.Background()

	ws, err := svc.Create(ctx, owner.ID, "Acme", "acme")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := svc.AddMember(ctx, other.ID, ws.ID, other.ID, workspace.RoleMember); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("outsider self-add: %v", err)
	}

	m, err := svc.AddMember(ctx, owner.ID, ws.ID, other.ID, workspace.RoleMember)
	if err != nil {
		t.Fatalf("add member: %v", err)
	}
	if m.Role != workspace.RoleMember {
		t.Fatalf("role = %q, want member", m.Role)
	}
	if _, err := svc.AddMember(ctx, owner.ID, ws.ID, other.ID, workspace.RoleMember); err == nil {
		t.Fatal("duplicate member accepted")
	}

	// A plain member cannot change settings or add members.
	if _, err := svc.Update(ctx, other.ID, ws.ID, "Renamed", nil); !errors.Is(err, ErrForbidden) {
		t.Fatalf("member update: %v, want ErrForbidden", err)
	}

	if _, err := svc.UpdateMemberRole(ctx, owner.ID, ws.ID, other.ID, workspace.RoleAdmin); err != nil {
		t.Fatalf("promote: %v", err)
	}
	if _, err := svc.Update(ctx, other.ID, ws.ID, "Renamed", nil); err != nil {
		t.Fatalf("admin update: %v", err)
	}

	// Admins cannot change roles; owners can.
	if _, err := svc.UpdateMemberRole(ctx, other.ID, ws.ID, owner.ID, workspace.RoleMember); !errors.Is(err, ErrForbidden) {
		t.Fatalf("admin role change: %v, want ErrForbidden", err)
	}
}

func TestLastOwnerProtected(t *testing.T) {
	_, svc, owner, other := newFixture(t)
	ctx := context.Background()

	ws, err := svc.Create(ctx, owner.ID, "Acme", "acme")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.AddMember(ctx, owner.ID, ws.ID, other.ID, workspace.RoleAdmin); err != nil {
		t.Fatalf("add member: %v", err)
	}

	if _, err := svc.UpdateMemberRole(ctx, owner.ID, ws.ID, owner.ID, workspace.RoleMember); !errors.Is(err, ErrLastOwner) {
		t.Fatalf("demote last owner: %v, want ErrLastOwner", err)
	}
	if err := svc.RemoveMember(ctx, owner.ID, ws.ID, owner.ID); !errors.Is(err, ErrLastOwner) {
		t.Fatalf("remove last owner: %v, want ErrLastOwner", err)
	}

	// With a second owner the original may step down.
	if _, err := svc.UpdateMemberRole(ctx, owner.ID, ws.ID, other.ID, workspace.RoleOwner); err != nil {
		t.Fatalf("promote second owner: %v", err)
	}
	if err := svc.RemoveMember(ctx, owner.ID, ws.ID, owner.ID); err != nil {
		t.Fatalf("owner leave with successor: %v", err)
	}
}

func TestSelfRemoval(t *testing.T) {
	_, svc, owner, other := newFixture(t)
	ctx := context.Background()

	ws, err := svc.Create(ctx, owner.ID, "Acme", "acme")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.AddMember(ctx, owner.ID, ws.ID, other.ID, workspace.RoleMember); err != nil {
		t.Fatalf("add member: %v", err)
	}

	if err := svc.RemoveMember(ctx, other.ID, ws.ID, other.ID); err != nil {
		t.Fatalf("self removal: %v", err)
	}
	if _, err := svc.ValidateAccess(ctx, other.ID, ws.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("removed member still has access: %v", err)
	}
}

func TestInvitationFlow(t *testing.T) {
	store, svc, owner, _ := newFixture(t)
	ctx := context.Background()

	ws, err := svc.Create(ctx, owner.ID, "Acme", "acme")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	inv, token, err := svc.Invite(ctx, owner.ID, ws.ID, "New@Example.com", workspace.RoleMember)
	if err != nil {
		t.Fatalf("invite: %v", err)
	}
	if inv.Email != "new@example.com" {
		t.Fatalf("email = %q, want normalized", inv.Email)
	}
	if _, _, err := svc.Invite(ctx, owner.ID, ws.ID, "boss@example.com", workspace.RoleOwner); err == nil {
		t.Fatal("owner invitation accepted")
	}

	wrongUser, err := store.CreateUser(ctx, user.User{Email: "stranger@example.com", Name: "S", Active: true})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, err := svc.AcceptInvitation(ctx, token, wrongUser.ID); err == nil {
		t.Fatal("accept with mismatched email succeeded")
	}

	invited, err := store.CreateUser(ctx, user.User{Email: "new@example.com", Name: "New", Active: true})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	m, err := svc.AcceptInvitation(ctx, token, invited.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if m.Role != workspace.RoleMember {
		t.Fatalf("role = %q, want member", m.Role)
	}

	if _, err := svc.AcceptInvitation(ctx, token, invited.ID); err == nil {
		t.Fatal("invitation accepted twice")
	}
}

func TestAccessCacheInvalidation(t *testing.T) {
	_, svc, owner, other := newFixture(t)
	svc.AttachAccessCache(cache.NewAccessCache(cache.NewMemory()))
	ctx := context.Background()

	ws, err := svc.Create(ctx, owner.ID, "Acme", "acme")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.AddMember(ctx, owner.ID, ws.ID, other.ID, workspace.RoleMember); err != nil {
		t.Fatalf("add member: %v", err)
	}

	// Prime the cache, then remove the member; the next check must miss
	// the cache and see the removal.
	if role, err := svc.ValidateAccess(ctx, other.ID, ws.ID); err != nil || role != workspace.RoleMember {
		t.Fatalf("access = %q/%v", role, err)
	}
	if err := svc.RemoveMember(ctx, owner.ID, ws.ID, other.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := svc.ValidateAccess(ctx, other.ID, ws.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("stale cache served removed member: %v", err)
	}
}
