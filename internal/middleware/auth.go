// Package middleware provides HTTP middleware shared by the edge services.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/daygent/daygent/internal/errors"
	internalhttputil "github.com/daygent/daygent/internal/httputil"
	"github.com/daygent/daygent/internal/logging"
)

// Claims represents JWT claims for an end-user token. Session carries the
// opaque session token the gateway minted alongside the JWT, so revoking the
// session invalidates the JWT before its expiry.
type Claims struct {
	UserID     string `json:"user_id"`
	Role       string `json:"role,omitempty"`
	Email      string `json:"email,omitempty"`
	AuthMethod string `json:"auth_method"`
	Session    string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// AuthMiddleware rejects requests that do not carry a valid user JWT.
type AuthMiddleware struct {
	key       interface{}
	methods   []string
	skipPaths map[string]bool
	logger    *logging.Logger
}

// NewAuthMiddleware builds the user auth middleware. The key is an HMAC
// secret ([]byte) or an RSA public key; the accepted signing methods are
// fixed here from the key type, never negotiated per token.
func NewAuthMiddleware(key interface{}, logger *logging.Logger, skipPaths []string) *AuthMiddleware {
	m := &AuthMiddleware{
		key:       key,
		methods:   []string{"RS256", "RS384", "RS512"},
		skipPaths: make(map[string]bool, len(skipPaths)),
		logger:    logger,
	}
	if _, ok := key.([]byte); ok {
		m.methods = []string{"HS256", "HS384", "HS512"}
	}
	if m.logger == nil {
		m.logger = logging.Default()
	}
	for _, path := range skipPaths {
		m.skipPaths[path] = true
	}
	return m
}

// Handler wraps next so only authenticated requests reach it. Skip paths
// pass through untouched.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := m.authenticate(r)
		if err != nil {
			respondAuthError(w, r, m.logger, err)
			return
		}

		ctx := logging.WithUserID(r.Context(), claims.UserID)
		ctx = logging.WithRole(ctx, claims.Role)
		m.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"user_id": claims.UserID,
			"role":    claims.Role,
		}).Debug("User authenticated")

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticate pulls the bearer credential off r and validates it.
func (m *AuthMiddleware) authenticate(r *http.Request) (*Claims, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, errors.Unauthorized("Missing Authorization header")
	}
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return nil, errors.Unauthorized("Invalid Authorization header format")
	}
	return m.Validate(raw)
}

// Validate parses tok against the middleware's key and accepted signing
// methods, returning typed claims for a valid token and a credential error
// for anything else.
func (m *AuthMiddleware) Validate(tok string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tok, claims,
		func(*jwt.Token) (interface{}, error) { return m.key, nil },
		jwt.WithValidMethods(m.methods))
	switch {
	case err != nil:
		return nil, errors.InvalidToken(err)
	case !parsed.Valid:
		return nil, errors.InvalidToken(nil)
	}
	return claims, nil
}

// respondAuthError writes the error response for a rejected request and
// records the rejection. Shared by the user and service auth middlewares.
func respondAuthError(w http.ResponseWriter, r *http.Request, logger *logging.Logger, err error) {
	serviceErr := errors.GetServiceError(err)
	if serviceErr == nil {
		serviceErr = errors.Unauthorized("Authentication failed")
	}
	internalhttputil.WriteErrorResponse(w, r, serviceErr.HTTPStatus, string(serviceErr.Code), serviceErr.Message, serviceErr.Details)

	logger.WithContext(r.Context()).WithError(err).WithFields(map[string]interface{}{
		"method": r.Method,
		"path":   r.URL.Path,
		"status": serviceErr.HTTPStatus,
	}).Warn("Request rejected")
}

// GetUserID returns the authenticated user ID stored on ctx, or "".
func GetUserID(ctx context.Context) string {
	return logging.GetUserID(ctx)
}

// GetUserRole returns the authenticated user's role stored on ctx, or "".
func GetUserRole(ctx context.Context) string {
	return logging.GetRole(ctx)
}

// RequireUserID rejects requests whose context carries no authenticated
// user, guarding handlers mounted after an optional-auth path.
func RequireUserID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetUserID(r.Context()) == "" {
			internalhttputil.Unauthorized(w, "")
			return
		}
		next.ServeHTTP(w, r)
	})
}
