package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/daygent/daygent/internal/app/domain/user"
	"github.com/daygent/daygent/internal/app/services/users"
	"github.com/daygent/daygent/internal/cache"
	internalhttputil "github.com/daygent/daygent/internal/httputil"
	"github.com/daygent/daygent/internal/logging"
	"github.com/daygent/daygent/internal/middleware"
)

// gateway bundles the dependencies the HTTP handlers share.
type gateway struct {
	users    *users.Service
	sessions *cache.SessionCache
	authmw   *middleware.AuthMiddleware
	secret   []byte
	admins   map[string]bool
	log      *logging.Logger
}

// =============================================================================
// Health
// =============================================================================

func (gw *gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	internalhttputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "gateway",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// =============================================================================
// Auth Handlers
// =============================================================================

func (gw *gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if !internalhttputil.DecodeJSON(w, r, &req) {
		return
	}

	u, err := gw.users.Register(r.Context(), req.Email, req.Name, req.Password)
	if err != nil {
		if errors.Is(err, users.ErrEmailTaken) {
			internalhttputil.WriteError(w, http.StatusConflict, err.Error())
			return
		}
		internalhttputil.BadRequest(w, err.Error())
		return
	}

	token, expires, err := gw.issueSession(w, r, u)
	if err != nil {
		internalhttputil.InternalError(w, "failed to create session")
		return
	}

	internalhttputil.WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"user_id":    u.ID,
		"email":      u.Email,
		"token":      token,
		"expires_at": expires.Format(time.RFC3339),
	})
}

func (gw *gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !internalhttputil.DecodeJSON(w, r, &req) {
		return
	}

	u, err := gw.users.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		internalhttputil.Unauthorized(w, "invalid email or password")
		return
	}

	token, expires, err := gw.issueSession(w, r, u)
	if err != nil {
		internalhttputil.InternalError(w, "failed to create session")
		return
	}

	internalhttputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":    u.ID,
		"email":      u.Email,
		"token":      token,
		"expires_at": expires.Format(time.RFC3339),
	})
}

func (gw *gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token := bearerOrCookie(r); token != "" {
		if claims, err := gw.authmw.Validate(token); err == nil && claims.Session != "" {
			gw.sessions.Invalidate(r.Context(), hashToken(claims.Session))
			_ = gw.users.RevokeSession(r.Context(), claims.Session)
		}
	}
	clearSessionCookie(w)
	internalhttputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (gw *gateway) handleMe(w http.ResponseWriter, r *http.Request) {
	u, err := gw.users.Get(r.Context(), logging.GetUserID(r.Context()))
	if err != nil {
		internalhttputil.NotFound(w, "user not found")
		return
	}

	tokens, err := gw.users.ListTokens(r.Context(), u.ID)
	if err != nil {
		gw.log.WithContext(r.Context()).WithError(err).Warn("list tokens failed")
	}

	internalhttputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"user":       u,
		"api_tokens": tokens,
		"role":       logging.GetRole(r.Context()),
	})
}

// =============================================================================
// API Token Handlers
// =============================================================================

func (gw *gateway) handleTokens(w http.ResponseWriter, r *http.Request) {
	userID := logging.GetUserID(r.Context())

	if r.Method == http.MethodGet {
		tokens, err := gw.users.ListTokens(r.Context(), userID)
		if err != nil {
			internalhttputil.InternalError(w, "failed to list tokens")
			return
		}
		internalhttputil.WriteJSON(w, http.StatusOK, tokens)
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if !internalhttputil.DecodeJSON(w, r, &req) {
		return
	}

	key, token, err := gw.users.CreateToken(r.Context(), userID, req.Name)
	if err != nil {
		internalhttputil.BadRequest(w, err.Error())
		return
	}

	// The plaintext key appears in this response and nowhere else.
	internalhttputil.WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"token": token,
		"key":   key,
	})
}

func (gw *gateway) handleDeleteToken(w http.ResponseWriter, r *http.Request) {
	userID := logging.GetUserID(r.Context())
	tokenID := mux.Vars(r)["id"]

	if err := gw.users.DeleteToken(r.Context(), userID, tokenID); err != nil {
		internalhttputil.NotFound(w, "token not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// issueSession creates a store-backed session for the user, mints the JWT
// wrapping it, and sets the session cookie.
func (gw *gateway) issueSession(w http.ResponseWriter, r *http.Request, u user.User) (string, time.Time, error) {
	sessionToken, _, err := gw.users.CreateSession(r.Context(), u.ID)
	if err != nil {
		return "", time.Time{}, err
	}

	expires := time.Now().Add(tokenLifetime)
	token, err := gw.mintJWT(u, sessionToken, expires)
	if err != nil {
		return "", time.Time{}, err
	}

	setSessionCookie(w, token, expires)
	return token, expires, nil
}
