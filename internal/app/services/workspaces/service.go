package workspaces

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/daygent/daygent/internal/app/domain/workspace"
	"github.com/daygent/daygent/internal/app/storage"
	"github.com/daygent/daygent/internal/cache"
	"github.com/daygent/daygent/pkg/logger"
)

const inviteTTL = 7 * 24 * time.Hour

var (
	// ErrForbidden is returned when the actor's role is insufficient.
	ErrForbidden = errors.New("insufficient role")
	// ErrLastOwner is returned when an operation would leave the workspace
	// without an owner.
	ErrLastOwner = errors.New("workspace must retain an owner")
)

// AccessChecker validates a user's membership in a workspace. The service
// implements it; middleware and sibling services consume it.
type AccessChecker interface {
	ValidateAccess(ctx context.Context, userID, workspaceID string) (workspace.Role, error)
}

// Service manages workspaces, their members and invitations.
type Service struct {
	store   storage.WorkspaceStore
	members storage.MemberStore
	invites storage.InvitationStore
	users   storage.UserStore
	log     *logger.Logger
	access  *cache.AccessCache
}

var _ AccessChecker = (*Service)(nil)

// New constructs a workspaces service.
func New(store storage.WorkspaceStore, members storage.MemberStore, invites storage.InvitationStore, users storage.UserStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("workspaces")
	}
	return &Service{store: store, members: members, invites: invites, users: users, log: log}
}

// AttachAccessCache wires the access cache consulted by ValidateAccess.
// Without it every check hits storage.
func (s *Service) AttachAccessCache(access *cache.AccessCache) {
	s.access = access
}

// Create provisions a workspace and enrols the creator as owner.
func (s *Service) Create(ctx context.Context, ownerID, name, slug string) (workspace.Workspace, error) {
	if ownerID == "" {
		return workspace.Workspace{}, fmt.Errorf("owner_id is required")
	}
	if name == "" {
		return workspace.Workspace{}, fmt.Errorf("name is required")
	}
	normalized, err := workspace.NormalizeSlug(slug)
	if err != nil {
		return workspace.Workspace{}, err
	}
	if s.users != nil {
		if _, err := s.users.GetUser(ctx, ownerID); err != nil {
			return workspace.Workspace{}, fmt.Errorf("owner validation failed: %w", err)
		}
	}

	created, err := s.store.CreateWorkspace(ctx, workspace.Workspace{
		Slug:    normalized,
		Name:    name,
		OwnerID: ownerID,
	})
	if err != nil {
		return workspace.Workspace{}, err
	}

	if _, err := s.members.AddMember(ctx, workspace.Member{
		WorkspaceID: created.ID,
		UserID:      ownerID,
		Role:        workspace.RoleOwner,
	}); err != nil {
		return workspace.Workspace{}, fmt.Errorf("enrol owner: %w", err)
	}

	s.log.Infof("workspace %s (%s) created", created.ID, created.Slug)
	return created, nil
}

// Get returns the workspace if the user is a member. Non-members see
// sql.ErrNoRows so routing treats the workspace as absent.
func (s *Service) Get(ctx context.Context, userID, workspaceID string) (workspace.Workspace, error) {
	if _, err := s.ValidateAccess(ctx, userID, workspaceID); err != nil {
		return workspace.Workspace{}, err
	}
	return s.store.GetWorkspace(ctx, workspaceID)
}

// GetBySlug resolves a slug for the user, membership checked.
func (s *Service) GetBySlug(ctx context.Context, userID, slug string) (workspace.Workspace, error) {
	ws, err := s.store.GetWorkspaceBySlug(ctx, slug)
	if err != nil {
		return workspace.Workspace{}, err
	}
	if _, err := s.ValidateAccess(ctx, userID, ws.ID); err != nil {
		return workspace.Workspace{}, err
	}
	return ws, nil
}

// List returns the workspaces the user belongs to.
func (s *Service) List(ctx context.Context, userID string) ([]workspace.Workspace, error) {
	return s.store.ListWorkspacesForUser(ctx, userID)
}

// Update changes name and settings. Admin or owner only.
func (s *Service) Update(ctx context.Context, actorID, workspaceID, name string, settings map[string]string) (workspace.Workspace, error) {
	if _, err := s.requireRole(ctx, actorID, workspaceID, workspace.RoleAdmin); err != nil {
		return workspace.Workspace{}, err
	}

	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return workspace.Workspace{}, err
	}
	if name != "" {
		ws.Name = name
	}
	if settings != nil {
		ws.Settings = settings
	}
	return s.store.UpdateWorkspace(ctx, ws)
}

// Delete removes the workspace and everything scoped to it. Owner only.
func (s *Service) Delete(ctx context.Context, actorID, workspaceID string) error {
	if _, err := s.requireRole(ctx, actorID, workspaceID, workspace.RoleOwner); err != nil {
		return err
	}
	if err := s.store.DeleteWorkspace(ctx, workspaceID); err != nil {
		return err
	}
	if s.access != nil {
		s.access.InvalidateWorkspace(ctx, workspaceID)
	}
	s.log.Infof("workspace %s deleted", workspaceID)
	return nil
}

// Members lists the workspace members. Any member may look.
func (s *Service) Members(ctx context.Context, actorID, workspaceID string) ([]workspace.Member, error) {
	if _, err := s.ValidateAccess(ctx, actorID, workspaceID); err != nil {
		return nil, err
	}
	return s.members.ListMembers(ctx, workspaceID)
}

// AddMember enrols an existing user. Admin or owner only; owners can only
// be added by an owner.
func (s *Service) AddMember(ctx context.Context, actorID, workspaceID, userID string, role workspace.Role) (workspace.Member, error) {
	if !role.Valid() {
		return workspace.Member{}, fmt.Errorf("invalid role %q", role)
	}
	min := workspace.RoleAdmin
	if role == workspace.RoleOwner {
		min = workspace.RoleOwner
	}
	if _, err := s.requireRole(ctx, actorID, workspaceID, min); err != nil {
		return workspace.Member{}, err
	}
	if s.users != nil {
		if _, err := s.users.GetUser(ctx, userID); err != nil {
			return workspace.Member{}, fmt.Errorf("user validation failed: %w", err)
		}
	}
	if _, err := s.members.GetMember(ctx, workspaceID, userID); err == nil {
		return workspace.Member{}, fmt.Errorf("user is already a member")
	}

	m, err := s.members.AddMember(ctx, workspace.Member{
		WorkspaceID: workspaceID,
		UserID:      userID,
		Role:        role,
	})
	if err != nil {
		return workspace.Member{}, err
	}
	s.invalidateAccess(ctx, userID, workspaceID)
	return m, nil
}

// UpdateMemberRole changes a member's role. Owner only; the last owner
// cannot be demoted.
func (s *Service) UpdateMemberRole(ctx context.Context, actorID, workspaceID, userID string, role workspace.Role) (workspace.Member, error) {
	if !role.Valid() {
		return workspace.Member{}, fmt.Errorf("invalid role %q", role)
	}
	if _, err := s.requireRole(ctx, actorID, workspaceID, workspace.RoleOwner); err != nil {
		return workspace.Member{}, err
	}

	current, err := s.members.GetMember(ctx, workspaceID, userID)
	if err != nil {
		return workspace.Member{}, err
	}
	if current.Role == workspace.RoleOwner && role != workspace.RoleOwner {
		if err := s.ensureAnotherOwner(ctx, workspaceID, userID); err != nil {
			return workspace.Member{}, err
		}
	}

	current.Role = role
	updated, err := s.members.UpdateMember(ctx, current)
	if err != nil {
		return workspace.Member{}, err
	}
	s.invalidateAccess(ctx, userID, workspaceID)
	return updated, nil
}

// RemoveMember drops a member. Admins may remove others, members may remove
// themselves, and the last owner can never leave.
func (s *Service) RemoveMember(ctx context.Context, actorID, workspaceID, userID string) error {
	if actorID != userID {
		if _, err := s.requireRole(ctx, actorID, workspaceID, workspace.RoleAdmin); err != nil {
			return err
		}
	}

	target, err := s.members.GetMember(ctx, workspaceID, userID)
	if err != nil {
		return err
	}
	if target.Role == workspace.RoleOwner {
		if err := s.ensureAnotherOwner(ctx, workspaceID, userID); err != nil {
			return err
		}
	}

	if err := s.members.RemoveMember(ctx, workspaceID, userID); err != nil {
		return err
	}
	s.invalidateAccess(ctx, userID, workspaceID)
	return nil
}

// Invite records an invitation and returns it with the one-time token.
// Admin or owner only; invitations carry admin or member roles, owner is
// granted only through UpdateMemberRole.
func (s *Service) Invite(ctx context.Context, actorID, workspaceID, email string, role workspace.Role) (workspace.Invitation, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return workspace.Invitation{}, "", fmt.Errorf("valid email is required")
	}
	if role != workspace.RoleAdmin && role != workspace.RoleMember {
		return workspace.Invitation{}, "", fmt.Errorf("invitations may carry admin or member roles")
	}
	if _, err := s.requireRole(ctx, actorID, workspaceID, workspace.RoleAdmin); err != nil {
		return workspace.Invitation{}, "", err
	}

	token, err := newInviteToken()
	if err != nil {
		return workspace.Invitation{}, "", err
	}

	inv, err := s.invites.CreateInvitation(ctx, workspace.Invitation{
		WorkspaceID: workspaceID,
		Email:       email,
		Role:        role,
		Token:       token,
		InvitedBy:   actorID,
		ExpiresAt:   time.Now().UTC().Add(inviteTTL),
	})
	if err != nil {
		return workspace.Invitation{}, "", err
	}
	s.log.Infof("invitation %s for %s to workspace %s", inv.ID, email, workspaceID)
	return inv, token, nil
}

// Invitations lists pending and accepted invitations. Admin or owner only.
func (s *Service) Invitations(ctx context.Context, actorID, workspaceID string) ([]workspace.Invitation, error) {
	if _, err := s.requireRole(ctx, actorID, workspaceID, workspace.RoleAdmin); err != nil {
		return nil, err
	}
	return s.invites.ListInvitations(ctx, workspaceID)
}

// AcceptInvitation redeems a token for the authenticated user. The user's
// email must match the invitation.
func (s *Service) AcceptInvitation(ctx context.Context, token, userID string) (workspace.Member, error) {
	inv, err := s.invites.GetInvitationByToken(ctx, token)
	if err != nil {
		return workspace.Member{}, fmt.Errorf("invitation not found")
	}
	if inv.AcceptedAt != nil {
		return workspace.Member{}, fmt.Errorf("invitation already accepted")
	}
	if time.Now().After(inv.ExpiresAt) {
		return workspace.Member{}, fmt.Errorf("invitation expired")
	}

	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return workspace.Member{}, fmt.Errorf("user validation failed: %w", err)
	}
	if !strings.EqualFold(u.Email, inv.Email) {
		return workspace.Member{}, fmt.Errorf("invitation was issued to a different email")
	}
	if _, err := s.members.GetMember(ctx, inv.WorkspaceID, userID); err == nil {
		return workspace.Member{}, fmt.Errorf("user is already a member")
	}

	m, err := s.members.AddMember(ctx, workspace.Member{
		WorkspaceID: inv.WorkspaceID,
		UserID:      userID,
		Role:        inv.Role,
	})
	if err != nil {
		return workspace.Member{}, err
	}

	now := time.Now().UTC()
	inv.AcceptedAt = &now
	if _, err := s.invites.UpdateInvitation(ctx, inv); err != nil {
		s.log.WithError(err).Warnf("mark invitation %s accepted failed", inv.ID)
	}

	s.invalidateAccess(ctx, userID, inv.WorkspaceID)
	return m, nil
}

// RevokeInvitation deletes a pending invitation. Admin or owner only.
func (s *Service) RevokeInvitation(ctx context.Context, actorID, workspaceID, inviteID string) error {
	if _, err := s.requireRole(ctx, actorID, workspaceID, workspace.RoleAdmin); err != nil {
		return err
	}
	inv, err := s.invites.GetInvitation(ctx, inviteID)
	if err != nil {
		return err
	}
	if inv.WorkspaceID != workspaceID {
		return sql.ErrNoRows
	}
	return s.invites.DeleteInvitation(ctx, inviteID)
}

// ValidateAccess returns the user's role in the workspace, consulting the
// cache first. Misses fall through to storage; only hits are cached, so a
// removal is visible as soon as its invalidation lands.
func (s *Service) ValidateAccess(ctx context.Context, userID, workspaceID string) (workspace.Role, error) {
	if userID == "" || workspaceID == "" {
		return "", sql.ErrNoRows
	}
	if s.access != nil {
		if role, ok := s.access.Get(ctx, userID, workspaceID); ok {
			return role, nil
		}
	}

	m, err := s.members.GetMember(ctx, workspaceID, userID)
	if err != nil {
		return "", err
	}
	if s.access != nil {
		s.access.Set(ctx, userID, workspaceID, m.Role)
	}
	return m.Role, nil
}

func (s *Service) requireRole(ctx context.Context, actorID, workspaceID string, min workspace.Role) (workspace.Role, error) {
	role, err := s.ValidateAccess(ctx, actorID, workspaceID)
	if err != nil {
		return "", err
	}
	if !role.AtLeast(min) {
		return "", ErrForbidden
	}
	return role, nil
}

func (s *Service) ensureAnotherOwner(ctx context.Context, workspaceID, excludeUserID string) error {
	members, err := s.members.ListMembers(ctx, workspaceID)
	if err != nil {
		return err
	}
	for _, m := range members {
		if m.UserID != excludeUserID && m.Role == workspace.RoleOwner {
			return nil
		}
	}
	return ErrLastOwner
}

func (s *Service) invalidateAccess(ctx context.Context, userID, workspaceID string) {
	if s.access != nil {
		s.access.Invalidate(ctx, userID, workspaceID)
	}
}

func newInviteToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate invitation token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
