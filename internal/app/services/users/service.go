package users

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/daygent/daygent/internal/app/domain/user"
	"github.com/daygent/daygent/internal/app/storage"
	"github.com/daygent/daygent/pkg/logger"
)

const (
	sessionTTL        = 7 * 24 * time.Hour
	minPasswordLength = 8
)

var (
	// ErrInvalidCredentials is returned for any authentication failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidSession is returned when a session token is unknown or expired.
	ErrInvalidSession = errors.New("session invalid or expired")
	// ErrEmailTaken is returned when registering an address that already has
	// an account.
	ErrEmailTaken = errors.New("email already registered")
)

// Service manages user accounts, login sessions and API tokens.
type Service struct {
	users    storage.UserStore
	sessions storage.SessionStore
	tokens   storage.APITokenStore
	log      *logger.Logger

	sessionTTL time.Duration
}

// New constructs a users service.
func New(users storage.UserStore, sessions storage.SessionStore, tokens storage.APITokenStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("users")
	}
	return &Service{
		users:      users,
		sessions:   sessions,
		tokens:     tokens,
		log:        log,
		sessionTTL: sessionTTL,
	}
}

// Register creates a new active user with a bcrypt password hash. Emails are
// normalized to lowercase and must be unique.
func (s *Service) Register(ctx context.Context, email, name, password string) (user.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return user.User{}, fmt.Errorf("valid email is required")
	}
	if len(password) < minPasswordLength {
		return user.User{}, fmt.Errorf("password must be at least %d characters", minPasswordLength)
	}
	if name == "" {
		name = email[:strings.Index(email, "@")]
	}

	if _, err := s.users.GetUserByEmail(ctx, email); err == nil {
		return user.User{}, ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return user.User{}, fmt.Errorf("hash password: %w", err)
	}

	created, err := s.users.CreateUser(ctx, user.User{
		Email:        email,
		Name:         name,
		PasswordHash: string(hash),
		Active:       true,
	})
	if err != nil {
		return user.User{}, err
	}
	s.log.Infof("user %s registered", created.ID)
	return created, nil
}

// Authenticate checks email and password, returning the user on success.
func (s *Service) Authenticate(ctx context.Context, email, password string) (user.User, error) {
	u, err := s.users.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return user.User{}, ErrInvalidCredentials
	}
	if !u.Active {
		return user.User{}, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return user.User{}, ErrInvalidCredentials
	}
	return u, nil
}

// Get retrieves a user by identifier.
func (s *Service) Get(ctx context.Context, id string) (user.User, error) {
	return s.users.GetUser(ctx, id)
}

// GetByEmail retrieves a user by normalized email.
func (s *Service) GetByEmail(ctx context.Context, email string) (user.User, error) {
	return s.users.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
}

// UpdateProfile changes a user's display name.
func (s *Service) UpdateProfile(ctx context.Context, id, name string) (user.User, error) {
	u, err := s.users.GetUser(ctx, id)
	if err != nil {
		return user.User{}, err
	}
	if name != "" {
		u.Name = name
	}
	return s.users.UpdateUser(ctx, u)
}

// ChangePassword verifies the current password and stores a new hash, then
// revokes every session so other devices must log in again.
func (s *Service) ChangePassword(ctx context.Context, id, current, next string) error {
	u, err := s.users.GetUser(ctx, id)
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(current)) != nil {
		return ErrInvalidCredentials
	}
	if len(next) < minPasswordLength {
		return fmt.Errorf("password must be at least %d characters", minPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(next), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	u.PasswordHash = string(hash)
	if _, err := s.users.UpdateUser(ctx, u); err != nil {
		return err
	}
	return s.sessions.DeleteUserSessions(ctx, id)
}

// CreateSession issues a fresh opaque session token for the user. The
// plaintext token is returned exactly once; storage keeps only its hash.
func (s *Service) CreateSession(ctx context.Context, userID string) (string, user.Session, error) {
	if _, err := s.users.GetUser(ctx, userID); err != nil {
		return "", user.Session{}, fmt.Errorf("user validation failed: %w", err)
	}

	token, err := newToken()
	if err != nil {
		return "", user.Session{}, err
	}

	created, err := s.sessions.CreateSession(ctx, user.Session{
		TokenHash: hashToken(token),
		UserID:    userID,
		ExpiresAt: time.Now().UTC().Add(s.sessionTTL),
	})
	if err != nil {
		return "", user.Session{}, err
	}
	return token, created, nil
}

// ValidateSession resolves a session token to its active user. Expired
// sessions are deleted on sight.
func (s *Service) ValidateSession(ctx context.Context, token string) (user.User, error) {
	sess, err := s.sessions.GetSession(ctx, hashToken(token))
	if err != nil {
		return user.User{}, ErrInvalidSession
	}
	if sess.Expired(time.Now()) {
		_ = s.sessions.DeleteSession(ctx, sess.TokenHash)
		return user.User{}, ErrInvalidSession
	}

	u, err := s.users.GetUser(ctx, sess.UserID)
	if err != nil || !u.Active {
		return user.User{}, ErrInvalidSession
	}
	return u, nil
}

// RevokeSession deletes a session. Revoking an unknown token is a no-op.
func (s *Service) RevokeSession(ctx context.Context, token string) error {
	err := s.sessions.DeleteSession(ctx, hashToken(token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	return err
}

// RevokeUserSessions deletes every session belonging to the user.
func (s *Service) RevokeUserSessions(ctx context.Context, userID string) error {
	return s.sessions.DeleteUserSessions(ctx, userID)
}

// CreateToken mints a named API token for the user. The plaintext key is
// returned exactly once; storage keeps only its hash.
func (s *Service) CreateToken(ctx context.Context, userID, name string) (string, user.APIToken, error) {
	if name == "" {
		return "", user.APIToken{}, fmt.Errorf("name is required")
	}
	if _, err := s.users.GetUser(ctx, userID); err != nil {
		return "", user.APIToken{}, fmt.Errorf("user validation failed: %w", err)
	}

	plaintext, err := newToken()
	if err != nil {
		return "", user.APIToken{}, err
	}

	created, err := s.tokens.CreateAPIToken(ctx, user.APIToken{
		UserID:  userID,
		Name:    name,
		KeyHash: hashToken(plaintext),
	})
	if err != nil {
		return "", user.APIToken{}, err
	}
	s.log.Infof("api token %s created for user %s", created.ID, userID)
	return plaintext, created, nil
}

// ValidateAPIToken resolves an API key to its active user and records the
// use time.
func (s *Service) ValidateAPIToken(ctx context.Context, key string) (user.User, error) {
	t, err := s.tokens.GetAPITokenByHash(ctx, hashToken(key))
	if err != nil {
		return user.User{}, ErrInvalidCredentials
	}

	u, err := s.users.GetUser(ctx, t.UserID)
	if err != nil || !u.Active {
		return user.User{}, ErrInvalidCredentials
	}

	_ = s.tokens.TouchAPIToken(ctx, t.ID, time.Now().UTC())
	return u, nil
}

// ListTokens returns the user's API tokens.
func (s *Service) ListTokens(ctx context.Context, userID string) ([]user.APIToken, error) {
	return s.tokens.ListAPITokens(ctx, userID)
}

// DeleteToken removes one of the user's API tokens. Tokens belonging to
// other users read as absent.
func (s *Service) DeleteToken(ctx context.Context, userID, tokenID string) error {
	owned, err := s.tokens.ListAPITokens(ctx, userID)
	if err != nil {
		return err
	}
	for _, t := range owned {
		if t.ID == tokenID {
			return s.tokens.DeleteAPIToken(ctx, tokenID)
		}
	}
	return sql.ErrNoRows
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
