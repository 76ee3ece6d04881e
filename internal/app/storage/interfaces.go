package storage

import (
	"context"
	"time"

	"github.com/daygent/daygent/internal/app/domain/attachment"
	"github.com/daygent/daygent/internal/app/domain/automation"
	"github.com/daygent/daygent/internal/app/domain/issue"
	"github.com/daygent/daygent/internal/app/domain/providerkey"
	"github.com/daygent/daygent/internal/app/domain/usage"
	"github.com/daygent/daygent/internal/app/domain/user"
	"github.com/daygent/daygent/internal/app/domain/workspace"
)

// UserStore persists user records.
type UserStore interface {
	CreateUser(ctx context.Context, u user.User) (user.User, error)
	UpdateUser(ctx context.Context, u user.User) (user.User, error)
	GetUser(ctx context.Context, id string) (user.User, error)
	GetUserByEmail(ctx context.Context, email string) (user.User, error)
	ListUsers(ctx context.Context) ([]user.User, error)
	DeleteUser(ctx context.Context, id string) error
}

// SessionStore persists login sessions keyed by token hash.
type SessionStore interface {
	CreateSession(ctx context.Context, s user.Session) (user.Session, error)
	GetSession(ctx context.Context, tokenHash string) (user.Session, error)
	DeleteSession(ctx context.Context, tokenHash string) error
	DeleteUserSessions(ctx context.Context, userID string) error
	DeleteExpiredSessions(ctx context.Context, cutoff time.Time) (int64, error)
}

// APITokenStore persists long-lived programmatic credentials.
type APITokenStore interface {
	CreateAPIToken(ctx context.Context, t user.APIToken) (user.APIToken, error)
	GetAPITokenByHash(ctx context.Context, keyHash string) (user.APIToken, error)
	ListAPITokens(ctx context.Context, userID string) ([]user.APIToken, error)
	DeleteAPIToken(ctx context.Context, id string) error
	TouchAPIToken(ctx context.Context, id string, usedAt time.Time) error
}

// WorkspaceStore persists workspaces.
type WorkspaceStore interface {
	CreateWorkspace(ctx context.Context, ws workspace.Workspace) (workspace.Workspace, error)
	UpdateWorkspace(ctx context.Context, ws workspace.Workspace) (workspace.Workspace, error)
	GetWorkspace(ctx context.Context, id string) (workspace.Workspace, error)
	GetWorkspaceBySlug(ctx context.Context, slug string) (workspace.Workspace, error)
	ListWorkspacesForUser(ctx context.Context, userID string) ([]workspace.Workspace, error)
	ListWorkspaces(ctx context.Context) ([]workspace.Workspace, error)
	DeleteWorkspace(ctx context.Context, id string) error
}

// MemberStore persists workspace memberships.
type MemberStore interface {
	AddMember(ctx context.Context, m workspace.Member) (workspace.Member, error)
	UpdateMember(ctx context.Context, m workspace.Member) (workspace.Member, error)
	GetMember(ctx context.Context, workspaceID, userID string) (workspace.Member, error)
	ListMembers(ctx context.Context, workspaceID string) ([]workspace.Member, error)
	RemoveMember(ctx context.Context, workspaceID, userID string) error
}

// InvitationStore persists pending membership invitations.
type InvitationStore interface {
	CreateInvitation(ctx context.Context, inv workspace.Invitation) (workspace.Invitation, error)
	UpdateInvitation(ctx context.Context, inv workspace.Invitation) (workspace.Invitation, error)
	GetInvitation(ctx context.Context, id string) (workspace.Invitation, error)
	GetInvitationByToken(ctx context.Context, token string) (workspace.Invitation, error)
	ListInvitations(ctx context.Context, workspaceID string) ([]workspace.Invitation, error)
	DeleteInvitation(ctx context.Context, id string) error
}

// IssueStore persists issues. CreateIssue assigns the per-workspace issue
// number.
type IssueStore interface {
	CreateIssue(ctx context.Context, is issue.Issue) (issue.Issue, error)
	UpdateIssue(ctx context.Context, is issue.Issue) (issue.Issue, error)
	GetIssue(ctx context.Context, id string) (issue.Issue, error)
	GetIssueByNumber(ctx context.Context, workspaceID string, number int64) (issue.Issue, error)
	ListIssues(ctx context.Context, workspaceID string, f issue.Filter) ([]issue.Issue, error)
	DeleteIssue(ctx context.Context, id string) error
	IssueStatistics(ctx context.Context, workspaceID string) (issue.Statistics, error)
}

// CommentStore persists issue comments.
type CommentStore interface {
	CreateComment(ctx context.Context, c issue.Comment) (issue.Comment, error)
	UpdateComment(ctx context.Context, c issue.Comment) (issue.Comment, error)
	GetComment(ctx context.Context, id string) (issue.Comment, error)
	ListComments(ctx context.Context, issueID string) ([]issue.Comment, error)
	DeleteComment(ctx context.Context, id string) error
}

// EventStore persists the append-only issue audit trail.
type EventStore interface {
	AppendEvent(ctx context.Context, ev issue.Event) (issue.Event, error)
	ListIssueEvents(ctx context.Context, issueID string) ([]issue.Event, error)
	ListWorkspaceEvents(ctx context.Context, workspaceID string, limit int) ([]issue.Event, error)
}

// ProviderKeyStore persists encrypted LLM provider credentials.
type ProviderKeyStore interface {
	CreateProviderKey(ctx context.Context, k providerkey.Key) (providerkey.Key, error)
	UpdateProviderKey(ctx context.Context, k providerkey.Key) (providerkey.Key, error)
	GetProviderKey(ctx context.Context, id string) (providerkey.Key, error)
	GetProviderKeyByProvider(ctx context.Context, workspaceID string, p providerkey.Provider) (providerkey.Key, error)
	ListProviderKeys(ctx context.Context, workspaceID string) ([]providerkey.Key, error)
	DeleteProviderKey(ctx context.Context, id string) error
}

// AttachmentStore persists attachment metadata. Blob contents live in the
// blob store.
type AttachmentStore interface {
	CreateAttachment(ctx context.Context, att attachment.Attachment) (attachment.Attachment, error)
	GetAttachment(ctx context.Context, id string) (attachment.Attachment, error)
	ListAttachments(ctx context.Context, issueID string) ([]attachment.Attachment, error)
	DeleteAttachment(ctx context.Context, id string) error
}

// UsageStore persists per-day token usage counters and serves roll-ups.
type UsageStore interface {
	RecordUsage(ctx context.Context, delta usage.Delta, day string) (usage.Record, error)
	ListUsage(ctx context.Context, workspaceID, fromDay, toDay string) ([]usage.Record, error)
	MonthlySummary(ctx context.Context, workspaceID, month string) (usage.MonthlySummary, error)
}

// AutomationStore persists automation rules.
type AutomationStore interface {
	CreateRule(ctx context.Context, r automation.Rule) (automation.Rule, error)
	UpdateRule(ctx context.Context, r automation.Rule) (automation.Rule, error)
	GetRule(ctx context.Context, id string) (automation.Rule, error)
	ListRules(ctx context.Context, workspaceID string) ([]automation.Rule, error)
	DeleteRule(ctx context.Context, id string) error
}
