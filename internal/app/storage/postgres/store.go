package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/daygent/daygent/internal/app/domain/attachment"
	"github.com/daygent/daygent/internal/app/domain/automation"
	"github.com/daygent/daygent/internal/app/domain/issue"
	"github.com/daygent/daygent/internal/app/domain/providerkey"
	"github.com/daygent/daygent/internal/app/domain/user"
	"github.com/daygent/daygent/internal/app/domain/workspace"
	"github.com/daygent/daygent/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db  *sql.DB
	sdb *sqlx.DB
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
var _ storage.AutomationStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db, sdb: sqlx.NewDb(db, "postgres")}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// --- UserStore --------------------------------------------------------------

func (s *Store) CreateUser(ctx context.Context, u user.User) (user.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (id, email, name, password_hash, active, created_at, updated_at)
		VALUES ($1, lower($2), $3, $4, $5, $6, $7)
	`, u.ID, u.Email, u.Name, u.PasswordHash, u.Active, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return user.User{}, err
	}
	return u, nil
}

func (s *Store) UpdateUser(ctx context.Context, u user.User) (user.User, error) {
	existing, err := s.GetUser(ctx, u.ID)
	if err != nil {
		return user.User{}, err
	}

	u.CreatedAt = existing.CreatedAt
	u.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET email = lower($2), name = $3, password_hash = $4, active = $5, updated_at = $6
		WHERE id = $1
	`, u.ID, u.Email, u.Name, u.PasswordHash, u.Active, u.UpdatedAt)
	if err != nil {
		return user.User{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return user.User{}, sql.ErrNoRows
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (user.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, name, password_hash, active, created_at, updated_at
		FROM app_users
		WHERE id = $1
	`, id)
	return scanUser(row)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (user.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, name, password_hash, active, created_at, updated_at
		FROM app_users
		WHERE email = lower($1)
	`, email)
	return scanUser(row)
}

func (s *Store) ListUsers(ctx context.Context) ([]user.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email, name, password_hash, active, created_at, updated_at
		FROM app_users
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []user.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, u)
	}
	return result, rows.Err()
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM app_users WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func scanUser(row rowScanner) (user.User, error) {
	var u user.User
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.Active, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return user.User{}, err
	}
	return u, nil
}

// --- SessionStore -----------------------------------------------------------

func (s *Store) CreateSession(ctx context.Context, sess user.Session) (user.Session, error) {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_sessions (token_hash, user_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4)
	`, sess.TokenHash, sess.UserID, sess.ExpiresAt, sess.CreatedAt)
	if err != nil {
		return user.Session{}, err
	}
	return sess, nil
}

func (s *Store) GetSession(ctx context.Context, tokenHash string) (user.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT token_hash, user_id, expires_at, created_at
		FROM app_sessions
		WHERE token_hash = $1
	`, tokenHash)

	var sess user.Session
	if err := row.Scan(&sess.TokenHash, &sess.UserID, &sess.ExpiresAt, &sess.CreatedAt); err != nil {
		return user.Session{}, err
	}
	return sess, nil
}

func (s *Store) DeleteSession(ctx context.Context, tokenHash string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM app_sessions WHERE token_hash = $1
	`, tokenHash)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) DeleteUserSessions(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM app_sessions WHERE user_id = $1
	`, userID)
	return err
}

func (s *Store) DeleteExpiredSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM app_sessions WHERE expires_at < $1
	`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

// --- APITokenStore ----------------------------------------------------------

func (s *Store) CreateAPIToken(ctx context.Context, t user.APIToken) (user.APIToken, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_api_tokens (id, user_id, name, key_hash, last_used_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, t.ID, t.UserID, t.Name, t.KeyHash, toNullTimePtr(t.LastUsedAt), t.CreatedAt)
	if err != nil {
		return user.APIToken{}, err
	}
	return t, nil
}

func (s *Store) GetAPITokenByHash(ctx context.Context, keyHash string) (user.APIToken, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, key_hash, last_used_at, created_at
		FROM app_api_tokens
		WHERE key_hash = $1
	`, keyHash)
	return scanAPIToken(row)
}

func (s *Store) ListAPITokens(ctx context.Context, userID string) ([]user.APIToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, key_hash, last_used_at, created_at
		FROM app_api_tokens
		WHERE user_id = $1
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []user.APIToken
	for rows.Next() {
		t, err := scanAPIToken(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (s *Store) DeleteAPIToken(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM app_api_tokens WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) TouchAPIToken(ctx context.Context, id string, usedAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE app_api_tokens SET last_used_at = $2 WHERE id = $1
	`, id, usedAt.UTC())
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func scanAPIToken(row rowScanner) (user.APIToken, error) {
	var (
		t        user.APIToken
		lastUsed sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.Name, &t.KeyHash, &lastUsed, &t.CreatedAt); err != nil {
		return user.APIToken{}, err
	}
	t.LastUsedAt = fromNullTime(lastUsed)
	return t, nil
}

// --- WorkspaceStore ---------------------------------------------------------

func (s *Store) CreateWorkspace(ctx context.Context, ws workspace.Workspace) (workspace.Workspace, error) {
	if ws.ID == "" {
		ws.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	ws.CreatedAt = now
	ws.UpdatedAt = now

	settingsJSON, err := json.Marshal(ws.Settings)
	if err != nil {
		return workspace.Workspace{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO app_workspaces (id, slug, name, owner_id, settings, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ws.ID, ws.Slug, ws.Name, ws.OwnerID, settingsJSON, ws.CreatedAt, ws.UpdatedAt)
	if err != nil {
		return workspace.Workspace{}, err
	}
	return ws, nil
}

func (s *Store) UpdateWorkspace(ctx context.Context, ws workspace.Workspace) (workspace.Workspace, error) {
	existing, err := s.GetWorkspace(ctx, ws.ID)
	if err != nil {
		return workspace.Workspace{}, err
	}

	ws.CreatedAt = existing.CreatedAt
	ws.UpdatedAt = time.Now().UTC()

	settingsJSON, err := json.Marshal(ws.Settings)
	if err != nil {
		return workspace.Workspace{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE app_workspaces
		SET slug = $2, name = $3, owner_id = $4, settings = $5, updated_at = $6
		WHERE id = $1
	`, ws.ID, ws.Slug, ws.Name, ws.OwnerID, settingsJSON, ws.UpdatedAt)
	if err != nil {
		return workspace.Workspace{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return workspace.Workspace{}, sql.ErrNoRows
	}
	return ws, nil
}

func (s *Store) GetWorkspace(ctx context.Context, id string) (workspace.Workspace, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, slug, name, owner_id, settings, created_at, updated_at
		FROM app_workspaces
		WHERE id = $1
	`, id)
	return scanWorkspace(row)
}

func (s *Store) GetWorkspaceBySlug(ctx context.Context, slug string) (workspace.Workspace, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, slug, name, owner_id, settings, created_at, updated_at
		FROM app_workspaces
		WHERE slug = $1
	`, slug)
	return scanWorkspace(row)
}

func (s *Store) ListWorkspacesForUser(ctx context.Context, userID string) ([]workspace.Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT w.id, w.slug, w.name, w.owner_id, w.settings, w.created_at, w.updated_at
		FROM app_workspaces w
		JOIN app_workspace_members m ON m.workspace_id = w.id
		WHERE m.user_id = $1
		ORDER BY w.created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []workspace.Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ws)
	}
	return result, rows.Err()
}

func (s *Store) ListWorkspaces(ctx context.Context) ([]workspace.Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, slug, name, owner_id, settings, created_at, updated_at
		FROM app_workspaces
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []workspace.Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ws)
	}
	return result, rows.Err()
}

func (s *Store) DeleteWorkspace(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM app_workspaces WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func scanWorkspace(row rowScanner) (workspace.Workspace, error) {
	var (
		ws          workspace.Workspace
		settingsRaw []byte
	)
	if err := row.Scan(&ws.ID, &ws.Slug, &ws.Name, &ws.OwnerID, &settingsRaw, &ws.CreatedAt, &ws.UpdatedAt); err != nil {
		return workspace.Workspace{}, err
	}
	if len(settingsRaw) > 0 {
		_ = json.Unmarshal(settingsRaw, &ws.Settings)
	}
	return ws, nil
}

// --- MemberStore ------------------------------------------------------------

func (s *Store) AddMember(ctx context.Context, m workspace.Member) (workspace.Member, error) {
	if m.JoinedAt.IsZero() {
		m.JoinedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_workspace_members (workspace_id, user_id, role, joined_at)
		VALUES ($1, $2, $3, $4)
	`, m.WorkspaceID, m.UserID, m.Role, m.JoinedAt)
	if err != nil {
		return workspace.Member{}, err
	}
	return m, nil
}

func (s *Store) UpdateMember(ctx context.Context, m workspace.Member) (workspace.Member, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE app_workspace_members
		SET role = $3
		WHERE workspace_id = $1 AND user_id = $2
	`, m.WorkspaceID, m.UserID, m.Role)
	if err != nil {
		return workspace.Member{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return workspace.Member{}, sql.ErrNoRows
	}
	return s.GetMember(ctx, m.WorkspaceID, m.UserID)
}

func (s *Store) GetMember(ctx context.Context, workspaceID, userID string) (workspace.Member, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT workspace_id, user_id, role, joined_at
		FROM app_workspace_members
		WHERE workspace_id = $1 AND user_id = $2
	`, workspaceID, userID)

	var m workspace.Member
	if err := row.Scan(&m.WorkspaceID, &m.UserID, &m.Role, &m.JoinedAt); err != nil {
		return workspace.Member{}, err
	}
	return m, nil
}

func (s *Store) ListMembers(ctx context.Context, workspaceID string) ([]workspace.Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workspace_id, user_id, role, joined_at
		FROM app_workspace_members
		WHERE workspace_id = $1
		ORDER BY joined_at
	`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []workspace.Member
	for rows.Next() {
		var m workspace.Member
		if err := rows.Scan(&m.WorkspaceID, &m.UserID, &m.Role, &m.JoinedAt); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func (s *Store) RemoveMember(ctx context.Context, workspaceID, userID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM app_workspace_members
		WHERE workspace_id = $1 AND user_id = $2
	`, workspaceID, userID)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// --- InvitationStore --------------------------------------------------------

func (s *Store) CreateInvitation(ctx context.Context, inv workspace.Invitation) (workspace.Invitation, error) {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_invitations (id, workspace_id, email, role, token, invited_by, expires_at, accepted_at, created_at)
		VALUES ($1, $2, lower($3), $4, $5, $6, $7, $8, $9)
	`, inv.ID, inv.WorkspaceID, inv.Email, inv.Role, inv.Token, inv.InvitedBy, inv.ExpiresAt, toNullTimePtr(inv.AcceptedAt), inv.CreatedAt)
	if err != nil {
		return workspace.Invitation{}, err
	}
	return inv, nil
}

func (s *Store) UpdateInvitation(ctx context.Context, inv workspace.Invitation) (workspace.Invitation, error) {
	existing, err := s.GetInvitation(ctx, inv.ID)
	if err != nil {
		return workspace.Invitation{}, err
	}

	inv.WorkspaceID = existing.WorkspaceID
	inv.CreatedAt = existing.CreatedAt

	result, err := s.db.ExecContext(ctx, `
		UPDATE app_invitations
		SET email = lower($2), role = $3, token = $4, expires_at = $5, accepted_at = $6
		WHERE id = $1
	`, inv.ID, inv.Email, inv.Role, inv.Token, inv.ExpiresAt, toNullTimePtr(inv.AcceptedAt))
	if err != nil {
		return workspace.Invitation{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return workspace.Invitation{}, sql.ErrNoRows
	}
	return inv, nil
}

func (s *Store) GetInvitation(ctx context.Context, id string) (workspace.Invitation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, email, role, token, invited_by, expires_at, accepted_at, created_at
		FROM app_invitations
		WHERE id = $1
	`, id)
	return scanInvitation(row)
}

func (s *Store) GetInvitationByToken(ctx context.Context, token string) (workspace.Invitation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, email, role, token, invited_by, expires_at, accepted_at, created_at
		FROM app_invitations
		WHERE token = $1
	`, token)
	return scanInvitation(row)
}

func (s *Store) ListInvitations(ctx context.Context, workspaceID string) ([]workspace.Invitation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, email, role, token, invited_by, expires_at, accepted_at, created_at
		FROM app_invitations
		WHERE workspace_id = $1
		ORDER BY created_at
	`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []workspace.Invitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, inv)
	}
	return result, rows.Err()
}

func (s *Store) DeleteInvitation(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM app_invitations WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func scanInvitation(row rowScanner) (workspace.Invitation, error) {
	var (
		inv      workspace.Invitation
		accepted sql.NullTime
	)
	if err := row.Scan(&inv.ID, &inv.WorkspaceID, &inv.Email, &inv.Role, &inv.Token, &inv.InvitedBy, &inv.ExpiresAt, &accepted, &inv.CreatedAt); err != nil {
		return workspace.Invitation{}, err
	}
	inv.AcceptedAt = fromNullTime(accepted)
	return inv, nil
}

// --- IssueStore -------------------------------------------------------------

func (s *Store) CreateIssue(ctx context.Context, is issue.Issue) (issue.Issue, error) {
	if is.WorkspaceID == "" {
		return issue.Issue{}, errors.New("workspace_id required")
	}
	if is.ID == "" {
		is.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	is.CreatedAt = now
	is.UpdatedAt = now

	labelsJSON, err := json.Marshal(is.Labels)
	if err != nil {
		return issue.Issue{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return issue.Issue{}, err
	}
	defer tx.Rollback()

	// Per-workspace numbering via an atomic counter upsert.
	row := tx.QueryRowContext(ctx, `
		INSERT INTO app_issue_counters (workspace_id, last_number)
		VALUES ($1, 1)
		ON CONFLICT (workspace_id)
		DO UPDATE SET last_number = app_issue_counters.last_number + 1
		RETURNING last_number
	`, is.WorkspaceID)
	if err := row.Scan(&is.Number); err != nil {
		return issue.Issue{}, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO app_issues (id, workspace_id, number, title, description, issue_type, status, priority, assignee_id, reporter_id, labels, due_at, created_at, updated_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, is.ID, is.WorkspaceID, is.Number, is.Title, is.Description, is.Type, is.Status, is.Priority, is.AssigneeID, is.ReporterID, labelsJSON, toNullTimePtr(is.DueAt), is.CreatedAt, is.UpdatedAt, toNullTimePtr(is.ClosedAt))
	if err != nil {
		return issue.Issue{}, err
	}

	return is, tx.Commit()
}

func (s *Store) UpdateIssue(ctx context.Context, is issue.Issue) (issue.Issue, error) {
	existing, err := s.GetIssue(ctx, is.ID)
	if err != nil {
		return issue.Issue{}, err
	}

	is.WorkspaceID = existing.WorkspaceID
	is.Number = existing.Number
	is.CreatedAt = existing.CreatedAt
	is.UpdatedAt = time.Now().UTC()

	labelsJSON, err := json.Marshal(is.Labels)
	if err != nil {
		return issue.Issue{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE app_issues
		SET title = $2, description = $3, issue_type = $4, status = $5, priority = $6, assignee_id = $7, labels = $8, due_at = $9, updated_at = $10, closed_at = $11
		WHERE id = $1
	`, is.ID, is.Title, is.Description, is.Type, is.Status, is.Priority, is.AssigneeID, labelsJSON, toNullTimePtr(is.DueAt), is.UpdatedAt, toNullTimePtr(is.ClosedAt))
	if err != nil {
		return issue.Issue{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return issue.Issue{}, sql.ErrNoRows
	}
	return is, nil
}

func (s *Store) GetIssue(ctx context.Context, id string) (issue.Issue, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, number, title, description, issue_type, status, priority, assignee_id, reporter_id, labels, due_at, created_at, updated_at, closed_at
		FROM app_issues
		WHERE id = $1
	`, id)
	return scanIssue(row)
}

func (s *Store) GetIssueByNumber(ctx context.Context, workspaceID string, number int64) (issue.Issue, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, number, title, description, issue_type, status, priority, assignee_id, reporter_id, labels, due_at, created_at, updated_at, closed_at
		FROM app_issues
		WHERE workspace_id = $1 AND number = $2
	`, workspaceID, number)
	return scanIssue(row)
}

func (s *Store) ListIssues(ctx context.Context, workspaceID string, f issue.Filter) ([]issue.Issue, error) {
	priority := -1
	if f.Priority != nil {
		priority = *f.Priority
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, number, title, description, issue_type, status, priority, assignee_id, reporter_id, labels, due_at, created_at, updated_at, closed_at
		FROM app_issues
		WHERE workspace_id = $1
		  AND ($2 = '' OR status = $2)
		  AND ($3 = '' OR issue_type = $3)
		  AND ($4 = '' OR assignee_id = $4)
		  AND ($5 = -1 OR priority = $5)
		  AND ($6 = '' OR labels ? $6)
		  AND ($7 = '' OR title ILIKE '%' || $7 || '%' OR description ILIKE '%' || $7 || '%')
		ORDER BY number DESC
	`, workspaceID, string(f.Status), string(f.Type), f.AssigneeID, priority, f.Label, f.Search)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []issue.Issue
	for rows.Next() {
		is, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, is)
	}
	return result, rows.Err()
}

func (s *Store) DeleteIssue(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM app_issues WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) IssueStatistics(ctx context.Context, workspaceID string) (issue.Statistics, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, issue_type, priority, COUNT(*)
		FROM app_issues
		WHERE workspace_id = $1
		GROUP BY status, issue_type, priority
	`, workspaceID)
	if err != nil {
		return issue.Statistics{}, err
	}
	defer rows.Close()

	stats := issue.Statistics{
		ByStatus:       make(map[string]int),
		ByType:         make(map[string]int),
		OpenByPriority: make(map[int]int),
	}
	for rows.Next() {
		var (
			status    string
			issueType string
			priority  int
			count     int
		)
		if err := rows.Scan(&status, &issueType, &priority, &count); err != nil {
			return issue.Statistics{}, err
		}
		stats.Total += count
		stats.ByStatus[status] += count
		stats.ByType[issueType] += count
		if status != string(issue.StatusClosed) {
			stats.OpenByPriority[priority] += count
		}
	}
	return stats, rows.Err()
}

func scanIssue(row rowScanner) (issue.Issue, error) {
	var (
		is        issue.Issue
		labelsRaw []byte
		dueAt     sql.NullTime
		closedAt  sql.NullTime
	)
	if err := row.Scan(&is.ID, &is.WorkspaceID, &is.Number, &is.Title, &is.Description, &is.Type, &is.Status, &is.Priority, &is.AssigneeID, &is.ReporterID, &labelsRaw, &dueAt, &is.CreatedAt, &is.UpdatedAt, &closedAt); err != nil {
		return issue.Issue{}, err
	}
	if len(labelsRaw) > 0 {
		_ = json.Unmarshal(labelsRaw, &is.Labels)
	}
	is.DueAt = fromNullTime(dueAt)
	is.ClosedAt = fromNullTime(closedAt)
	return is, nil
}

// --- CommentStore -----------------------------------------------------------

func (s *Store) CreateComment(ctx context.Context, c issue.Comment) (issue.Comment, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_issue_comments (id, issue_id, author_id, body, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, c.ID, c.IssueID, c.AuthorID, c.Body, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return issue.Comment{}, err
	}
	return c, nil
}

func (s *Store) UpdateComment(ctx context.Context, c issue.Comment) (issue.Comment, error) {
	existing, err := s.GetComment(ctx, c.ID)
	if err != nil {
		return issue.Comment{}, err
	}

	c.IssueID = existing.IssueID
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE app_issue_comments
		SET body = $2, updated_at = $3
		WHERE id = $1
	`, c.ID, c.Body, c.UpdatedAt)
	if err != nil {
		return issue.Comment{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return issue.Comment{}, sql.ErrNoRows
	}
	return c, nil
}

func (s *Store) GetComment(ctx context.Context, id string) (issue.Comment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, issue_id, author_id, body, created_at, updated_at
		FROM app_issue_comments
		WHERE id = $1
	`, id)

	var c issue.Comment
	if err := row.Scan(&c.ID, &c.IssueID, &c.AuthorID, &c.Body, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return issue.Comment{}, err
	}
	return c, nil
}

func (s *Store) ListComments(ctx context.Context, issueID string) ([]issue.Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, issue_id, author_id, body, created_at, updated_at
		FROM app_issue_comments
		WHERE issue_id = $1
		ORDER BY created_at
	`, issueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []issue.Comment
	for rows.Next() {
		var c issue.Comment
		if err := rows.Scan(&c.ID, &c.IssueID, &c.AuthorID, &c.Body, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (s *Store) DeleteComment(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM app_issue_comments WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// --- EventStore -------------------------------------------------------------

func (s *Store) AppendEvent(ctx context.Context, ev issue.Event) (issue.Event, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_issue_events (id, workspace_id, issue_id, actor, kind, from_value, to_value, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, ev.ID, ev.WorkspaceID, ev.IssueID, ev.Actor, ev.Kind, ev.From, ev.To, ev.CreatedAt)
	if err != nil {
		return issue.Event{}, err
	}
	return ev, nil
}

func (s *Store) ListIssueEvents(ctx context.Context, issueID string) ([]issue.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, issue_id, actor, kind, from_value, to_value, created_at
		FROM app_issue_events
		WHERE issue_id = $1
		ORDER BY created_at
	`, issueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

func (s *Store) ListWorkspaceEvents(ctx context.Context, workspaceID string, limit int) ([]issue.Event, error) {
	if limit < 0 {
		limit = 0
	}

	// NULLIF turns a zero limit into LIMIT ALL.
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, issue_id, actor, kind, from_value, to_value, created_at
		FROM app_issue_events
		WHERE workspace_id = $1
		ORDER BY created_at DESC
		LIMIT NULLIF($2, 0)
	`, workspaceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

func collectEvents(rows *sql.Rows) ([]issue.Event, error) {
	var result []issue.Event
	for rows.Next() {
		var ev issue.Event
		if err := rows.Scan(&ev.ID, &ev.WorkspaceID, &ev.IssueID, &ev.Actor, &ev.Kind, &ev.From, &ev.To, &ev.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}

// --- ProviderKeyStore -------------------------------------------------------

func (s *Store) CreateProviderKey(ctx context.Context, k providerkey.Key) (providerkey.Key, error) {
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	k.CreatedAt = now
	k.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_provider_keys (id, workspace_id, provider, label, ciphertext, key_hint, base_url, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, k.ID, k.WorkspaceID, k.Provider, k.Label, k.Ciphertext, k.KeyHint, k.BaseURL, k.Version, k.CreatedAt, k.UpdatedAt)
	if err != nil {
		return providerkey.Key{}, err
	}
	return k, nil
}

func (s *Store) UpdateProviderKey(ctx context.Context, k providerkey.Key) (providerkey.Key, error) {
	existing, err := s.GetProviderKey(ctx, k.ID)
	if err != nil {
		return providerkey.Key{}, err
	}

	k.WorkspaceID = existing.WorkspaceID
	k.CreatedAt = existing.CreatedAt
	k.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE app_provider_keys
		SET provider = $2, label = $3, ciphertext = $4, key_hint = $5, base_url = $6, version = $7, updated_at = $8
		WHERE id = $1
	`, k.ID, k.Provider, k.Label, k.Ciphertext, k.KeyHint, k.BaseURL, k.Version, k.UpdatedAt)
	if err != nil {
		return providerkey.Key{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return providerkey.Key{}, sql.ErrNoRows
	}
	return k, nil
}

func (s *Store) GetProviderKey(ctx context.Context, id string) (providerkey.Key, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, provider, label, ciphertext, key_hint, base_url, version, created_at, updated_at
		FROM app_provider_keys
		WHERE id = $1
	`, id)
	return scanProviderKey(row)
}

func (s *Store) GetProviderKeyByProvider(ctx context.Context, workspaceID string, p providerkey.Provider) (providerkey.Key, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, provider, label, ciphertext, key_hint, base_url, version, created_at, updated_at
		FROM app_provider_keys
		WHERE workspace_id = $1 AND provider = $2
	`, workspaceID, p)
	return scanProviderKey(row)
}

func (s *Store) ListProviderKeys(ctx context.Context, workspaceID string) ([]providerkey.Key, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, provider, label, ciphertext, key_hint, base_url, version, created_at, updated_at
		FROM app_provider_keys
		WHERE workspace_id = $1
		ORDER BY provider
	`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []providerkey.Key
	for rows.Next() {
		k, err := scanProviderKey(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, k)
	}
	return result, rows.Err()
}

func (s *Store) DeleteProviderKey(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM app_provider_keys WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func scanProviderKey(row rowScanner) (providerkey.Key, error) {
	var k providerkey.Key
	if err := row.Scan(&k.ID, &k.WorkspaceID, &k.Provider, &k.Label, &k.Ciphertext, &k.KeyHint, &k.BaseURL, &k.Version, &k.CreatedAt, &k.UpdatedAt); err != nil {
		return providerkey.Key{}, err
	}
	return k, nil
}

// --- AttachmentStore --------------------------------------------------------

func (s *Store) CreateAttachment(ctx context.Context, att attachment.Attachment) (attachment.Attachment, error) {
	if att.ID == "" {
		att.ID = uuid.NewString()
	}
	if att.CreatedAt.IsZero() {
		att.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_attachments (id, workspace_id, issue_id, filename, content_type, size_bytes, storage_key, uploaded_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, att.ID, att.WorkspaceID, att.IssueID, att.Filename, att.ContentType, att.Size, att.StorageKey, att.UploadedBy, att.CreatedAt)
	if err != nil {
		return attachment.Attachment{}, err
	}
	return att, nil
}

func (s *Store) GetAttachment(ctx context.Context, id string) (attachment.Attachment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, issue_id, filename, content_type, size_bytes, storage_key, uploaded_by, created_at
		FROM app_attachments
		WHERE id = $1
	`, id)

	var att attachment.Attachment
	if err := row.Scan(&att.ID, &att.WorkspaceID, &att.IssueID, &att.Filename, &att.ContentType, &att.Size, &att.StorageKey, &att.UploadedBy, &att.CreatedAt); err != nil {
		return attachment.Attachment{}, err
	}
	return att, nil
}

func (s *Store) ListAttachments(ctx context.Context, issueID string) ([]attachment.Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, issue_id, filename, content_type, size_bytes, storage_key, uploaded_by, created_at
		FROM app_attachments
		WHERE issue_id = $1
		ORDER BY created_at
	`, issueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []attachment.Attachment
	for rows.Next() {
		var att attachment.Attachment
		if err := rows.Scan(&att.ID, &att.WorkspaceID, &att.IssueID, &att.Filename, &att.ContentType, &att.Size, &att.StorageKey, &att.UploadedBy, &att.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, att)
	}
	return result, rows.Err()
}

func (s *Store) DeleteAttachment(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM app_attachments WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// --- AutomationStore --------------------------------------------------------

func (s *Store) CreateRule(ctx context.Context, r automation.Rule) (automation.Rule, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_automation_rules (id, workspace_id, name, trigger_kind, source, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, r.ID, r.WorkspaceID, r.Name, r.Trigger, r.Source, r.Enabled, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return automation.Rule{}, err
	}
	return r, nil
}

func (s *Store) UpdateRule(ctx context.Context, r automation.Rule) (automation.Rule, error) {
	existing, err := s.GetRule(ctx, r.ID)
	if err != nil {
		return automation.Rule{}, err
	}

	r.WorkspaceID = existing.WorkspaceID
	r.CreatedAt = existing.CreatedAt
	r.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE app_automation_rules
		SET name = $2, trigger_kind = $3, source = $4, enabled = $5, updated_at = $6
		WHERE id = $1
	`, r.ID, r.Name, r.Trigger, r.Source, r.Enabled, r.UpdatedAt)
	if err != nil {
		return automation.Rule{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return automation.Rule{}, sql.ErrNoRows
	}
	return r, nil
}

func (s *Store) GetRule(ctx context.Context, id string) (automation.Rule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, name, trigger_kind, source, enabled, created_at, updated_at
		FROM app_automation_rules
		WHERE id = $1
	`, id)

	var r automation.Rule
	if err := row.Scan(&r.ID, &r.WorkspaceID, &r.Name, &r.Trigger, &r.Source, &r.Enabled, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return automation.Rule{}, err
	}
	return r, nil
}

func (s *Store) ListRules(ctx context.Context, workspaceID string) ([]automation.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, name, trigger_kind, source, enabled, created_at, updated_at
		FROM app_automation_rules
		WHERE workspace_id = $1
		ORDER BY created_at
	`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []automation.Rule
	for rows.Next() {
		var r automation.Rule
		if err := rows.Scan(&r.ID, &r.WorkspaceID, &r.Name, &r.Trigger, &r.Source, &r.Enabled, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *Store) DeleteRule(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM app_automation_rules WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// --- helpers ----------------------------------------------------------------

func toNullTimePtr(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func fromNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
