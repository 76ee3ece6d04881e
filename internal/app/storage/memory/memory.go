package memory

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/daygent/daygent/internal/app/domain/attachment"
	"github.com/daygent/daygent/internal/app/domain/automation"
	"github.com/daygent/daygent/internal/app/domain/issue"
	"github.com/daygent/daygent/internal/app/domain/providerkey"
	"github.com/daygent/daygent/internal/app/domain/usage"
	"github.com/daygent/daygent/internal/app/domain/user"
	"github.com/daygent/daygent/internal/app/domain/workspace"
	"github.com/daygent/daygent/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
// Not-found conditions wrap sql.ErrNoRows so callers can branch with errors.Is
// regardless of backend.
type Store struct {
	mu     sync.RWMutex
	nextID int64

	users        map[string]user.User
	usersByEmail map[string]string
	sessions     map[string]user.Session
	apiTokens    map[string]user.APIToken
	tokensByHash map[string]string

	workspaces       map[string]workspace.Workspace
	workspacesBySlug map[string]string
	members          map[string]workspace.Member
	invitations      map[string]workspace.Invitation
	invitesByToken   map[string]string

	issues         map[string]issue.Issue
	issueNumbers   map[string]int64
	issuesByNumber map[string]string
	comments       map[string]issue.Comment
	issueEvents    map[string][]issue.Event
	wsEvents       map[string][]issue.Event

	providerKeys map[string]providerkey.Key
	attachments  map[string]attachment.Attachment
	usageRecords map[string]usage.Record
	rules        map[string]automation.Rule
}

var _ storage.UserStore = (*Store)(nil)
var _ storage.SessionStore = (*Store)(nil)
var _ storage.APITokenStore = (*Store)(nil)
var _ storage.WorkspaceStore = (*Store)(nil)
var _ storage.MemberStore = (*Store)(nil)
var _ storage.InvitationStore = (*Store)(nil)
var _ storage.IssueStore = (*Store)(nil)
var _ storage.CommentStore = (*Store)(nil)
var _ storage.EventStore = (*Store)(nil)
var _ storage.ProviderKeyStore = (*Store)(nil)
var _ storage.AttachmentStore = (*Store)(nil)
var _ storage.UsageStore = (*Store)(nil)
var _ storage.AutomationStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:           1,
		users:            make(map[string]user.User),
		usersByEmail:     make(map[string]string),
		sessions:         make(map[string]user.Session),
		apiTokens:        make(map[string]user.APIToken),
		tokensByHash:     make(map[string]string),
		workspaces:       make(map[string]workspace.Workspace),
		workspacesBySlug: make(map[string]string),
		members:          make(map[string]workspace.Member),
		invitations:      make(map[string]workspace.Invitation),
		invitesByToken:   make(map[string]string),
		issues:           make(map[string]issue.Issue),
		issueNumbers:     make(map[string]int64),
		issuesByNumber:   make(map[string]string),
		comments:         make(map[string]issue.Comment),
		issueEvents:      make(map[string][]issue.Event),
		wsEvents:         make(map[string][]issue.Event),
		providerKeys:     make(map[string]providerkey.Key),
		attachments:      make(map[string]attachment.Attachment),
		usageRecords:     make(map[string]usage.Record),
		rules:            make(map[string]automation.Rule),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s not found: %w", kind, id, sql.ErrNoRows)
}

func memberKey(workspaceID, userID string) string {
	return workspaceID + "/" + userID
}

func issueNumberKey(workspaceID string, number int64) string {
	return fmt.Sprintf("%s#%d", workspaceID, number)
}

func usageKey(workspaceID, provider, model, day string) string {
	return workspaceID + "|" + provider + "|" + model + "|" + day
}

// UserStore implementation ----------------------------------------------------

func (s *Store) CreateUser(_ context.Context, u user.User) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.ID == "" {
		u.ID = s.nextIDLocked()
	} else if _, exists := s.users[u.ID]; exists {
		return user.User{}, fmt.Errorf("user %s already exists", u.ID)
	}

	emailKey := strings.ToLower(strings.TrimSpace(u.Email))
	if existing, exists := s.usersByEmail[emailKey]; exists {
		return user.User{}, fmt.Errorf("email %s already registered to user %s", u.Email, existing)
	}

	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now

	s.users[u.ID] = u
	s.usersByEmail[emailKey] = u.ID
	return u, nil
}

func (s *Store) UpdateUser(_ context.Context, u user.User) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.users[u.ID]
	if !ok {
		return user.User{}, notFound("user", u.ID)
	}

	oldKey := strings.ToLower(strings.TrimSpace(original.Email))
	newKey := strings.ToLower(strings.TrimSpace(u.Email))
	if newKey != oldKey {
		if existing, exists := s.usersByEmail[newKey]; exists && existing != u.ID {
			return user.User{}, fmt.Errorf("email %s already registered to user %s", u.Email, existing)
		}
		delete(s.usersByEmail, oldKey)
		s.usersByEmail[newKey] = u.ID
	}

	u.CreatedAt = original.CreatedAt
	u.UpdatedAt = time.Now().UTC()

	s.users[u.ID] = u
	return u, nil
}

func (s *Store) GetUser(_ context.Context, id string) (user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return user.User{}, notFound("user", id)
	}
	return u, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id, ok := s.usersByEmail[strings.ToLower(strings.TrimSpace(email))]; ok {
		return s.users[id], nil
	}
	return user.User{}, notFound("user with email", email)
}

func (s *Store) ListUsers(_ context.Context) ([]user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]user.User, 0, len(s.users))
	for _, u := range s.users {
		result = append(result, u)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) DeleteUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return notFound("user", id)
	}
	delete(s.users, id)
	delete(s.usersByEmail, strings.ToLower(strings.TrimSpace(u.Email)))

	for hash, sess := range s.sessions {
		if sess.UserID == id {
			delete(s.sessions, hash)
		}
	}
	for tokenID, tok := range s.apiTokens {
		if tok.UserID == id {
			delete(s.apiTokens, tokenID)
			delete(s.tokensByHash, tok.KeyHash)
		}
	}
	for key, m := range s.members {
		if m.UserID == id {
			delete(s.members, key)
		}
	}
	return nil
}

// SessionStore implementation -------------------------------------------------

func (s *Store) CreateSession(_ context.Context, sess user.Session) (user.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.TokenHash == "" {
		return user.Session{}, fmt.Errorf("session token hash required")
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}

	s.sessions[sess.TokenHash] = sess
	return sess, nil
}

func (s *Store) GetSession(_ context.Context, tokenHash string) (user.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[tokenHash]
	if !ok {
		return user.Session{}, notFound("session", tokenHash)
	}
	return sess, nil
}

func (s *Store) DeleteSession(_ context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[tokenHash]; !ok {
		return notFound("session", tokenHash)
	}
	delete(s.sessions, tokenHash)
	return nil
}

func (s *Store) DeleteUserSessions(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for hash, sess := range s.sessions {
		if sess.UserID == userID {
			delete(s.sessions, hash)
		}
	}
	return nil
}

func (s *Store) DeleteExpiredSessions(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for hash, sess := range s.sessions {
		if sess.ExpiresAt.Before(cutoff) {
			delete(s.sessions, hash)
			removed++
		}
	}
	return removed, nil
}

// APITokenStore implementation ------------------------------------------------

func (s *Store) CreateAPIToken(_ context.Context, t user.APIToken) (user.APIToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		t.ID = s.nextIDLocked()
	} else if _, exists := s.apiTokens[t.ID]; exists {
		return user.APIToken{}, fmt.Errorf("api token %s already exists", t.ID)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	s.apiTokens[t.ID] = cloneAPIToken(t)
	s.tokensByHash[t.KeyHash] = t.ID
	return cloneAPIToken(t), nil
}

func (s *Store) GetAPITokenByHash(_ context.Context, keyHash string) (user.APIToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id, ok := s.tokensByHash[keyHash]; ok {
		return cloneAPIToken(s.apiTokens[id]), nil
	}
	return user.APIToken{}, notFound("api token with hash", keyHash)
}

func (s *Store) ListAPITokens(_ context.Context, userID string) ([]user.APIToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]user.APIToken, 0)
	for _, t := range s.apiTokens {
		if t.UserID == userID {
			result = append(result, cloneAPIToken(t))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) DeleteAPIToken(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.apiTokens[id]
	if !ok {
		return notFound("api token", id)
	}
	delete(s.apiTokens, id)
	delete(s.tokensByHash, t.KeyHash)
	return nil
}

func (s *Store) TouchAPIToken(_ context.Context, id string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.apiTokens[id]
	if !ok {
		return notFound("api token", id)
	}
	used := usedAt.UTC()
	t.LastUsedAt = &used
	s.apiTokens[id] = t
	return nil
}

// WorkspaceStore implementation -----------------------------------------------

func (s *Store) CreateWorkspace(_ context.Context, ws workspace.Workspace) (workspace.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ws.ID == "" {
		ws.ID = s.nextIDLocked()
	} else if _, exists := s.workspaces[ws.ID]; exists {
		return workspace.Workspace{}, fmt.Errorf("workspace %s already exists", ws.ID)
	}
	if existing, exists := s.workspacesBySlug[ws.Slug]; exists {
		return workspace.Workspace{}, fmt.Errorf("slug %s already assigned to workspace %s", ws.Slug, existing)
	}

	now := time.Now().UTC()
	ws.CreatedAt = now
	ws.UpdatedAt = now
	ws.Settings = cloneMap(ws.Settings)

	s.workspaces[ws.ID] = ws
	s.workspacesBySlug[ws.Slug] = ws.ID
	return cloneWorkspace(ws), nil
}

func (s *Store) UpdateWorkspace(_ context.Context, ws workspace.Workspace) (workspace.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.workspaces[ws.ID]
	if !ok {
		return workspace.Workspace{}, notFound("workspace", ws.ID)
	}

	if ws.Slug != original.Slug {
		if existing, exists := s.workspacesBySlug[ws.Slug]; exists && existing != ws.ID {
			return workspace.Workspace{}, fmt.Errorf("slug %s already assigned to workspace %s", ws.Slug, existing)
		}
		delete(s.workspacesBySlug, original.Slug)
		s.workspacesBySlug[ws.Slug] = ws.ID
	}

	ws.CreatedAt = original.CreatedAt
	ws.UpdatedAt = time.Now().UTC()
	ws.Settings = cloneMap(ws.Settings)

	s.workspaces[ws.ID] = ws
	return cloneWorkspace(ws), nil
}

func (s *Store) GetWorkspace(_ context.Context, id string) (workspace.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ws, ok := s.workspaces[id]
	if !ok {
		return workspace.Workspace{}, notFound("workspace", id)
	}
	return cloneWorkspace(ws), nil
}

func (s *Store) GetWorkspaceBySlug(_ context.Context, slug string) (workspace.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id, ok := s.workspacesBySlug[slug]; ok {
		return cloneWorkspace(s.workspaces[id]), nil
	}
	return workspace.Workspace{}, notFound("workspace with slug", slug)
}

func (s *Store) ListWorkspacesForUser(_ context.Context, userID string) ([]workspace.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]workspace.Workspace, 0)
	for _, m := range s.members {
		if m.UserID != userID {
			continue
		}
		if ws, ok := s.workspaces[m.WorkspaceID]; ok {
			result = append(result, cloneWorkspace(ws))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) ListWorkspaces(_ context.Context) ([]workspace.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]workspace.Workspace, 0, len(s.workspaces))
	for _, ws := range s.workspaces {
		result = append(result, cloneWorkspace(ws))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) DeleteWorkspace(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.workspaces[id]
	if !ok {
		return notFound("workspace", id)
	}
	delete(s.workspaces, id)
	delete(s.workspacesBySlug, ws.Slug)
	delete(s.issueNumbers, id)
	delete(s.wsEvents, id)

	for key, m := range s.members {
		if m.WorkspaceID == id {
			delete(s.members, key)
		}
	}
	for invID, inv := range s.invitations {
		if inv.WorkspaceID == id {
			delete(s.invitations, invID)
			delete(s.invitesByToken, inv.Token)
		}
	}
	for issueID, is := range s.issues {
		if is.WorkspaceID == id {
			s.removeIssueLocked(issueID, is)
		}
	}
	for keyID, k := range s.providerKeys {
		if k.WorkspaceID == id {
			delete(s.providerKeys, keyID)
		}
	}
	for attID, att := range s.attachments {
		if att.WorkspaceID == id {
			delete(s.attachments, attID)
		}
	}
	for key, rec := range s.usageRecords {
		if rec.WorkspaceID == id {
			delete(s.usageRecords, key)
		}
	}
	for ruleID, r := range s.rules {
		if r.WorkspaceID == id {
			delete(s.rules, ruleID)
		}
	}
	return nil
}

// MemberStore implementation --------------------------------------------------

func (s *Store) AddMember(_ context.Context, m workspace.Member) (workspace.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memberKey(m.WorkspaceID, m.UserID)
	if _, exists := s.members[key]; exists {
		return workspace.Member{}, fmt.Errorf("user %s already a member of workspace %s", m.UserID, m.WorkspaceID)
	}
	if m.JoinedAt.IsZero() {
		m.JoinedAt = time.Now().UTC()
	}

	s.members[key] = m
	return m, nil
}

func (s *Store) UpdateMember(_ context.Context, m workspace.Member) (workspace.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memberKey(m.WorkspaceID, m.UserID)
	original, ok := s.members[key]
	if !ok {
		return workspace.Member{}, notFound("member", key)
	}

	m.JoinedAt = original.JoinedAt
	s.members[key] = m
	return m, nil
}

func (s *Store) GetMember(_ context.Context, workspaceID, userID string) (workspace.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.members[memberKey(workspaceID, userID)]
	if !ok {
		return workspace.Member{}, notFound("member", memberKey(workspaceID, userID))
	}
	return m, nil
}

func (s *Store) ListMembers(_ context.Context, workspaceID string) ([]workspace.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]workspace.Member, 0)
	for _, m := range s.members {
		if m.WorkspaceID == workspaceID {
			result = append(result, m)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].JoinedAt.Before(result[j].JoinedAt) })
	return result, nil
}

func (s *Store) RemoveMember(_ context.Context, workspaceID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memberKey(workspaceID, userID)
	if _, ok := s.members[key]; !ok {
		return notFound("member", key)
	}
	delete(s.members, key)
	return nil
}

// InvitationStore implementation ----------------------------------------------

func (s *Store) CreateInvitation(_ context.Context, inv workspace.Invitation) (workspace.Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inv.ID == "" {
		inv.ID = s.nextIDLocked()
	} else if _, exists := s.invitations[inv.ID]; exists {
		return workspace.Invitation{}, fmt.Errorf("invitation %s already exists", inv.ID)
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}

	s.invitations[inv.ID] = cloneInvitation(inv)
	s.invitesByToken[inv.Token] = inv.ID
	return cloneInvitation(inv), nil
}

func (s *Store) UpdateInvitation(_ context.Context, inv workspace.Invitation) (workspace.Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.invitations[inv.ID]
	if !ok {
		return workspace.Invitation{}, notFound("invitation", inv.ID)
	}

	inv.CreatedAt = original.CreatedAt
	if inv.Token != original.Token {
		delete(s.invitesByToken, original.Token)
		s.invitesByToken[inv.Token] = inv.ID
	}

	s.invitations[inv.ID] = cloneInvitation(inv)
	return cloneInvitation(inv), nil
}

func (s *Store) GetInvitation(_ context.Context, id string) (workspace.Invitation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.invitations[id]
	if !ok {
		return workspace.Invitation{}, notFound("invitation", id)
	}
	return cloneInvitation(inv), nil
}

func (s *Store) GetInvitationByToken(_ context.Context, token string) (workspace.Invitation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id, ok := s.invitesByToken[token]; ok {
		return cloneInvitation(s.invitations[id]), nil
	}
	return workspace.Invitation{}, notFound("invitation with token", token)
}

func (s *Store) ListInvitations(_ context.Context, workspaceID string) ([]workspace.Invitation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]workspace.Invitation, 0)
	for _, inv := range s.invitations {
		if inv.WorkspaceID == workspaceID {
			result = append(result, cloneInvitation(inv))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) DeleteInvitation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invitations[id]
	if !ok {
		return notFound("invitation", id)
	}
	delete(s.invitations, id)
	delete(s.invitesByToken, inv.Token)
	return nil
}

// IssueStore implementation ---------------------------------------------------

func (s *Store) CreateIssue(_ context.Context, is issue.Issue) (issue.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if is.ID == "" {
		is.ID = s.nextIDLocked()
	} else if _, exists := s.issues[is.ID]; exists {
		return issue.Issue{}, fmt.Errorf("issue %s already exists", is.ID)
	}

	s.issueNumbers[is.WorkspaceID]++
	is.Number = s.issueNumbers[is.WorkspaceID]

	now := time.Now().UTC()
	is.CreatedAt = now
	is.UpdatedAt = now
	is.Labels = append([]string(nil), is.Labels...)

	s.issues[is.ID] = is
	s.issuesByNumber[issueNumberKey(is.WorkspaceID, is.Number)] = is.ID
	return cloneIssue(is), nil
}

func (s *Store) UpdateIssue(_ context.Context, is issue.Issue) (issue.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.issues[is.ID]
	if !ok {
		return issue.Issue{}, notFound("issue", is.ID)
	}

	is.WorkspaceID = original.WorkspaceID
	is.Number = original.Number
	is.CreatedAt = original.CreatedAt
	is.UpdatedAt = time.Now().UTC()
	is.Labels = append([]string(nil), is.Labels...)

	s.issues[is.ID] = is
	return cloneIssue(is), nil
}

func (s *Store) GetIssue(_ context.Context, id string) (issue.Issue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	is, ok := s.issues[id]
	if !ok {
		return issue.Issue{}, notFound("issue", id)
	}
	return cloneIssue(is), nil
}

func (s *Store) GetIssueByNumber(_ context.Context, workspaceID string, number int64) (issue.Issue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id, ok := s.issuesByNumber[issueNumberKey(workspaceID, number)]; ok {
		return cloneIssue(s.issues[id]), nil
	}
	return issue.Issue{}, notFound("issue", issueNumberKey(workspaceID, number))
}

func (s *Store) ListIssues(_ context.Context, workspaceID string, f issue.Filter) ([]issue.Issue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]issue.Issue, 0)
	for _, is := range s.issues {
		if is.WorkspaceID != workspaceID || !matchesFilter(is, f) {
			continue
		}
		result = append(result, cloneIssue(is))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Number > result[j].Number })
	return result, nil
}

func (s *Store) DeleteIssue(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	is, ok := s.issues[id]
	if !ok {
		return notFound("issue", id)
	}
	s.removeIssueLocked(id, is)
	return nil
}

func (s *Store) IssueStatistics(_ context.Context, workspaceID string) (issue.Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := issue.Statistics{
		ByStatus:       make(map[string]int),
		ByType:         make(map[string]int),
		OpenByPriority: make(map[int]int),
	}
	for _, is := range s.issues {
		if is.WorkspaceID != workspaceID {
			continue
		}
		stats.Total++
		stats.ByStatus[string(is.Status)]++
		stats.ByType[string(is.Type)]++
		if is.Status != issue.StatusClosed {
			stats.OpenByPriority[is.Priority]++
		}
	}
	return stats, nil
}

func (s *Store) removeIssueLocked(id string, is issue.Issue) {
	delete(s.issues, id)
	delete(s.issuesByNumber, issueNumberKey(is.WorkspaceID, is.Number))
	delete(s.issueEvents, id)
	for commentID, c := range s.comments {
		if c.IssueID == id {
			delete(s.comments, commentID)
		}
	}
	for attID, att := range s.attachments {
		if att.IssueID == id {
			delete(s.attachments, attID)
		}
	}
}

// CommentStore implementation -------------------------------------------------

func (s *Store) CreateComment(_ context.Context, c issue.Comment) (issue.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = s.nextIDLocked()
	} else if _, exists := s.comments[c.ID]; exists {
		return issue.Comment{}, fmt.Errorf("comment %s already exists", c.ID)
	}

	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	s.comments[c.ID] = c
	return c, nil
}

func (s *Store) UpdateComment(_ context.Context, c issue.Comment) (issue.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.comments[c.ID]
	if !ok {
		return issue.Comment{}, notFound("comment", c.ID)
	}

	c.IssueID = original.IssueID
	c.CreatedAt = original.CreatedAt
	c.UpdatedAt = time.Now().UTC()

	s.comments[c.ID] = c
	return c, nil
}

func (s *Store) GetComment(_ context.Context, id string) (issue.Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.comments[id]
	if !ok {
		return issue.Comment{}, notFound("comment", id)
	}
	return c, nil
}

func (s *Store) ListComments(_ context.Context, issueID string) ([]issue.Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]issue.Comment, 0)
	for _, c := range s.comments {
		if c.IssueID == issueID {
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *Store) DeleteComment(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.comments[id]; !ok {
		return notFound("comment", id)
	}
	delete(s.comments, id)
	return nil
}

// EventStore implementation ---------------------------------------------------

func (s *Store) AppendEvent(_ context.Context, ev issue.Event) (issue.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.ID == "" {
		ev.ID = s.nextIDLocked()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	s.issueEvents[ev.IssueID] = append(s.issueEvents[ev.IssueID], ev)
	s.wsEvents[ev.WorkspaceID] = append(s.wsEvents[ev.WorkspaceID], ev)
	return ev, nil
}

func (s *Store) ListIssueEvents(_ context.Context, issueID string) ([]issue.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]issue.Event(nil), s.issueEvents[issueID]...), nil
}

func (s *Store) ListWorkspaceEvents(_ context.Context, workspaceID string, limit int) ([]issue.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.wsEvents[workspaceID]
	if limit <= 0 || limit > len(events) {
		limit = len(events)
	}

	// Newest first.
	result := make([]issue.Event, 0, limit)
	for i := len(events) - 1; i >= len(events)-limit; i-- {
		result = append(result, events[i])
	}
	return result, nil
}

// ProviderKeyStore implementation ---------------------------------------------

func (s *Store) CreateProviderKey(_ context.Context, k providerkey.Key) (providerkey.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k.ID == "" {
		k.ID = s.nextIDLocked()
	} else if _, exists := s.providerKeys[k.ID]; exists {
		return providerkey.Key{}, fmt.Errorf("provider key %s already exists", k.ID)
	}
	for _, existing := range s.providerKeys {
		if existing.WorkspaceID == k.WorkspaceID && existing.Provider == k.Provider {
			return providerkey.Key{}, fmt.Errorf("workspace %s already has a %s key", k.WorkspaceID, k.Provider)
		}
	}

	now := time.Now().UTC()
	k.CreatedAt = now
	k.UpdatedAt = now

	s.providerKeys[k.ID] = k
	return k, nil
}

func (s *Store) UpdateProviderKey(_ context.Context, k providerkey.Key) (providerkey.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.providerKeys[k.ID]
	if !ok {
		return providerkey.Key{}, notFound("provider key", k.ID)
	}

	k.WorkspaceID = original.WorkspaceID
	k.CreatedAt = original.CreatedAt
	k.UpdatedAt = time.Now().UTC()

	s.providerKeys[k.ID] = k
	return k, nil
}

func (s *Store) GetProviderKey(_ context.Context, id string) (providerkey.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.providerKeys[id]
	if !ok {
		return providerkey.Key{}, notFound("provider key", id)
	}
	return k, nil
}

func (s *Store) GetProviderKeyByProvider(_ context.Context, workspaceID string, p providerkey.Provider) (providerkey.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, k := range s.providerKeys {
		if k.WorkspaceID == workspaceID && k.Provider == p {
			return k, nil
		}
	}
	return providerkey.Key{}, notFound("provider key for", string(p))
}

func (s *Store) ListProviderKeys(_ context.Context, workspaceID string) ([]providerkey.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]providerkey.Key, 0)
	for _, k := range s.providerKeys {
		if k.WorkspaceID == workspaceID {
			result = append(result, k)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Provider < result[j].Provider })
	return result, nil
}

func (s *Store) DeleteProviderKey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.providerKeys[id]; !ok {
		return notFound("provider key", id)
	}
	delete(s.providerKeys, id)
	return nil
}

// AttachmentStore implementation ----------------------------------------------

func (s *Store) CreateAttachment(_ context.Context, att attachment.Attachment) (attachment.Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if att.ID == "" {
		att.ID = s.nextIDLocked()
	} else if _, exists := s.attachments[att.ID]; exists {
		return attachment.Attachment{}, fmt.Errorf("attachment %s already exists", att.ID)
	}
	if att.CreatedAt.IsZero() {
		att.CreatedAt = time.Now().UTC()
	}

	s.attachments[att.ID] = att
	return att, nil
}

func (s *Store) GetAttachment(_ context.Context, id string) (attachment.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	att, ok := s.attachments[id]
	if !ok {
		return attachment.Attachment{}, notFound("attachment", id)
	}
	return att, nil
}

func (s *Store) ListAttachments(_ context.Context, issueID string) ([]attachment.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]attachment.Attachment, 0)
	for _, att := range s.attachments {
		if att.IssueID == issueID {
			result = append(result, att)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) DeleteAttachment(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.attachments[id]; !ok {
		return notFound("attachment", id)
	}
	delete(s.attachments, id)
	return nil
}

// UsageStore implementation ---------------------------------------------------

func (s *Store) RecordUsage(_ context.Context, delta usage.Delta, day string) (usage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := usageKey(delta.WorkspaceID, delta.Provider, delta.Model, day)
	rec, ok := s.usageRecords[key]
	if !ok {
		rec = usage.Record{
			ID:          s.nextIDLocked(),
			WorkspaceID: delta.WorkspaceID,
			Provider:    delta.Provider,
			Model:       delta.Model,
			Day:         day,
		}
	}
	rec.InputTokens += delta.InputTokens
	rec.OutputTokens += delta.OutputTokens
	rec.RequestCount++
	rec.UpdatedAt = time.Now().UTC()

	s.usageRecords[key] = rec
	return rec, nil
}

func (s *Store) ListUsage(_ context.Context, workspaceID, fromDay, toDay string) ([]usage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]usage.Record, 0)
	for _, rec := range s.usageRecords {
		if rec.WorkspaceID != workspaceID {
			continue
		}
		if fromDay != "" && rec.Day < fromDay {
			continue
		}
		if toDay != "" && rec.Day > toDay {
			continue
		}
		result = append(result, rec)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Day != result[j].Day {
			return result[i].Day < result[j].Day
		}
		if result[i].Provider != result[j].Provider {
			return result[i].Provider < result[j].Provider
		}
		return result[i].Model < result[j].Model
	})
	return result, nil
}

func (s *Store) MonthlySummary(_ context.Context, workspaceID, month string) (usage.MonthlySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := usage.MonthlySummary{
		WorkspaceID: workspaceID,
		Month:       month,
		GeneratedAt: time.Now().UTC(),
	}

	prefix := month + "-"
	byModel := make(map[string]usage.ModelUsage)
	for _, rec := range s.usageRecords {
		if rec.WorkspaceID != workspaceID || !strings.HasPrefix(rec.Day, prefix) {
			continue
		}
		summary.InputTokens += rec.InputTokens
		summary.OutputTokens += rec.OutputTokens
		summary.RequestCount += rec.RequestCount

		mk := rec.Provider + "|" + rec.Model
		mu := byModel[mk]
		mu.Provider = rec.Provider
		mu.Model = rec.Model
		mu.InputTokens += rec.InputTokens
		mu.OutputTokens += rec.OutputTokens
		mu.RequestCount += rec.RequestCount
		byModel[mk] = mu
	}

	for _, mu := range byModel {
		summary.ByModel = append(summary.ByModel, mu)
	}
	sort.Slice(summary.ByModel, func(i, j int) bool {
		if summary.ByModel[i].Provider != summary.ByModel[j].Provider {
			return summary.ByModel[i].Provider < summary.ByModel[j].Provider
		}
		return summary.ByModel[i].Model < summary.ByModel[j].Model
	})
	return summary, nil
}

// AutomationStore implementation ----------------------------------------------

func (s *Store) CreateRule(_ context.Context, r automation.Rule) (automation.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		r.ID = s.nextIDLocked()
	} else if _, exists := s.rules[r.ID]; exists {
		return automation.Rule{}, fmt.Errorf("rule %s already exists", r.ID)
	}

	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	s.rules[r.ID] = r
	return r, nil
}

func (s *Store) UpdateRule(_ context.Context, r automation.Rule) (automation.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.rules[r.ID]
	if !ok {
		return automation.Rule{}, notFound("rule", r.ID)
	}

	r.WorkspaceID = original.WorkspaceID
	r.CreatedAt = original.CreatedAt
	r.UpdatedAt = time.Now().UTC()

	s.rules[r.ID] = r
	return r, nil
}

func (s *Store) GetRule(_ context.Context, id string) (automation.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rules[id]
	if !ok {
		return automation.Rule{}, notFound("rule", id)
	}
	return r, nil
}

func (s *Store) ListRules(_ context.Context, workspaceID string) ([]automation.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]automation.Rule, 0)
	for _, r := range s.rules {
		if r.WorkspaceID == workspaceID {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) DeleteRule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[id]; !ok {
		return notFound("rule", id)
	}
	delete(s.rules, id)
	return nil
}

// Helpers --------------------------------------------------------------------

func cloneMap(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneWorkspace(ws workspace.Workspace) workspace.Workspace {
	ws.Settings = cloneMap(ws.Settings)
	return ws
}

func cloneIssue(is issue.Issue) issue.Issue {
	is.Labels = append([]string(nil), is.Labels...)
	is.DueAt = cloneTimePtr(is.DueAt)
	is.ClosedAt = cloneTimePtr(is.ClosedAt)
	return is
}

func cloneInvitation(inv workspace.Invitation) workspace.Invitation {
	inv.AcceptedAt = cloneTimePtr(inv.AcceptedAt)
	return inv
}

func cloneAPIToken(t user.APIToken) user.APIToken {
	t.LastUsedAt = cloneTimePtr(t.LastUsedAt)
	return t
}

func matchesFilter(is issue.Issue, f issue.Filter) bool {
	if f.Status != "" && is.Status != f.Status {
		return false
	}
	if f.Type != "" && is.Type != f.Type {
		return false
	}
	if f.AssigneeID != "" && is.AssigneeID != f.AssigneeID {
		return false
	}
	if f.Priority != nil && is.Priority != *f.Priority {
		return false
	}
	if f.Label != "" {
		found := false
		for _, l := range is.Labels {
			if l == f.Label {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(is.Title), needle) &&
			!strings.Contains(strings.ToLower(is.Description), needle) {
			return false
		}
	}
	return true
}
