package main

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/daygent/daygent/internal/app/domain/user"
	internalhttputil "github.com/daygent/daygent/internal/httputil"
	"github.com/daygent/daygent/internal/logging"
	"github.com/daygent/daygent/internal/middleware"
)

const (
	sessionCookieName = "daygent_session"

	// tokenLifetime bounds the JWT. The store-backed session it wraps lives
	// longer; clients re-login to get a fresh JWT.
	tokenLifetime = 24 * time.Hour
)

// =============================================================================
// JWT Helpers
// =============================================================================

// mintJWT signs an HS256 token carrying the user identity and the opaque
// session token, so revoking the session kills the JWT too.
func (gw *gateway) mintJWT(u user.User, sessionToken string, expires time.Time) (string, error) {
	role := ""
	if gw.admins[strings.ToLower(u.Email)] {
		role = "admin"
	}

	claims := &middleware.Claims{
		UserID:     u.ID,
		Email:      u.Email,
		AuthMethod: "password",
		Role:       role,
		Session:    sessionToken,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "daygent-gateway",
			Subject:   u.ID,
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(gw.secret)
}

// authenticate resolves a request's JWT to a live user. The session cache is
// consulted before the store; cache misses fall back to full validation and
// repopulate the cache.
func (gw *gateway) authenticate(r *http.Request) (string, string, bool) {
	token := bearerOrCookie(r)
	if token == "" {
		return "", "", false
	}

	claims, err := gw.authmw.Validate(token)
	if err != nil || claims.Session == "" {
		return "", "", false
	}

	hash := hashToken(claims.Session)
	if userID, ok := gw.sessions.Get(r.Context(), hash); ok {
		return userID, claims.Role, true
	}

	u, err := gw.users.ValidateSession(r.Context(), claims.Session)
	if err != nil {
		return "", "", false
	}

	gw.sessions.Set(r.Context(), hash, u.ID)
	return u.ID, claims.Role, true
}

// =============================================================================
// Middleware
// =============================================================================

// requireSession guards the gateway's own authenticated endpoints.
func (gw *gateway) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, role, ok := gw.authenticate(r)
		if !ok {
			internalhttputil.Unauthorized(w, "")
			return
		}

		ctx := logging.WithUserID(r.Context(), userID)
		if role != "" {
			ctx = logging.WithRole(ctx, role)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// apiAuth guards the /api/* proxy. API keys are tried first so programmatic
// clients skip the session machinery entirely.
func (gw *gateway) apiAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key := r.Header.Get("X-API-Key"); key != "" {
			u, err := gw.users.ValidateAPIToken(r.Context(), key)
			if err != nil {
				internalhttputil.Unauthorized(w, "invalid API key")
				return
			}
			ctx := logging.WithUserID(r.Context(), u.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		userID, role, ok := gw.authenticate(r)
		if !ok {
			internalhttputil.Unauthorized(w, "")
			return
		}

		ctx := logging.WithUserID(r.Context(), userID)
		if role != "" {
			ctx = logging.WithRole(ctx, role)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// =============================================================================
// Utility Helpers
// =============================================================================

func hashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// bearerOrCookie pulls the JWT from the Authorization header or the session
// cookie set at login.
func bearerOrCookie(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(header[len("Bearer "):])
	}
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		return cookie.Value
	}
	return ""
}

func setSessionCookie(w http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
