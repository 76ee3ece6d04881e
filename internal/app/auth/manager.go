// Package auth issues and validates the HS256 tokens that gate the
// operations API. Users are static operator credentials from configuration,
// not workspace members; end-user accounts live in the users service.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenTTL = 24 * time.Hour

var (
	// ErrInvalidCredentials is returned when username or password is wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidToken is returned when a token fails validation.
	ErrInvalidToken = errors.New("invalid token")
)

// User is a static operator credential.
type User struct {
	Username string
	Password string
	Role     string
}

// Claims carries the operator identity inside a token.
type Claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Manager authenticates operators and mints bearer tokens for them.
type Manager struct {
	secret []byte
	users  map[string]User
}

// NewManager builds a Manager from a signing secret and a static user list.
// A manager with no secret or no users is disabled and rejects all logins.
func NewManager(secret string, users []User) *Manager {
	byName := make(map[string]User, len(users))
	for _, u := range users {
		if u.Username == "" {
			continue
		}
		byName[u.Username] = u
	}
	return &Manager{secret: []byte(secret), users: byName}
}

// Enabled reports whether login is possible at all.
func (m *Manager) Enabled() bool {
	return m != nil && len(m.secret) > 0 && len(m.users) > 0
}

// Login checks the credentials and returns a signed token on success.
func (m *Manager) Login(username, password string) (string, error) {
	if !m.Enabled() {
		return "", ErrInvalidCredentials
	}
	u, ok := m.users[username]
	if !ok {
		return "", ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(u.Password)) != 1 {
		return "", ErrInvalidCredentials
	}
	return m.issue(u)
}

func (m *Manager) issue(u User) (string, error) {
	now := time.Now()
	claims := &Claims{
		Username: u.Username,
		Role:     u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "daygent",
			Subject:   u.Username,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Validate parses and verifies a token, returning its claims.
func (m *Manager) Validate(tokenString string) (*Claims, error) {
	if !m.Enabled() {
		return nil, ErrInvalidToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}
