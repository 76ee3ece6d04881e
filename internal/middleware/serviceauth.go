package middleware

import (
	"context"
	"crypto/rsa"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/daygent/daygent/internal/errors"
	internalhttputil "github.com/daygent/daygent/internal/httputil"
	"github.com/daygent/daygent/internal/logging"
	"github.com/daygent/daygent/internal/serviceauth"
)

type contextKey string

const serviceIDKey contextKey = "service_id"

// tokenCacheTTL bounds how long a verified service token is trusted without
// re-checking its signature.
const tokenCacheTTL = 5 * time.Minute

// tokenCacheSize caps the verified-token cache. Callers mint long-lived
// tokens, so a handful of entries covers the steady state.
const tokenCacheSize = 1000

// ServiceAuthMiddleware validates RS256 service tokens minted by
// serviceauth.ServiceTokenGenerator. The gateway signs one for every request
// it proxies to the app server; the X-User-ID header carries the end user the
// gateway authenticated.
type ServiceAuthMiddleware struct {
	publicKey     *rsa.PublicKey
	logger        *logging.Logger
	allowed       map[string]bool
	requireUserID bool
	skipPaths     map[string]bool
	verified      *claimsCache
}

// ServiceAuthConfig configures the service authentication middleware.
type ServiceAuthConfig struct {
	PublicKey       *rsa.PublicKey
	Logger          *logging.Logger
	AllowedServices []string
	RequireUserID   bool
	SkipPaths       []string
}

// NewServiceAuthMiddleware creates a new service authentication middleware.
// An empty AllowedServices list admits any caller with a valid token.
func NewServiceAuthMiddleware(cfg ServiceAuthConfig) *ServiceAuthMiddleware {
	m := &ServiceAuthMiddleware{
		publicKey:     cfg.PublicKey,
		logger:        cfg.Logger,
		allowed:       make(map[string]bool, len(cfg.AllowedServices)),
		requireUserID: cfg.RequireUserID,
		skipPaths:     make(map[string]bool, len(cfg.SkipPaths)),
		verified:      newClaimsCache(tokenCacheSize),
	}
	for _, svc := range cfg.AllowedServices {
		m.allowed[svc] = true
	}
	for _, path := range cfg.SkipPaths {
		m.skipPaths[path] = true
	}
	if m.logger == nil {
		m.logger = logging.Default()
	}
	return m
}

// Handler returns the middleware handler function.
func (m *ServiceAuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		claims, userID, err := m.authenticate(r)
		if err != nil {
			respondAuthError(w, r, m.logger, err)
			return
		}

		ctx := context.WithValue(r.Context(), serviceIDKey, claims.ServiceID)
		if userID != "" {
			ctx = serviceauth.WithUserID(ctx, userID)
			ctx = logging.WithUserID(ctx, userID)
		}

		m.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"service_id": claims.ServiceID,
			"user_id":    userID,
		}).Debug("Service authentication successful")

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticate checks the service token and the optional end-user header.
func (m *ServiceAuthMiddleware) authenticate(r *http.Request) (*serviceauth.ServiceClaims, string, error) {
	token := r.Header.Get(serviceauth.ServiceTokenHeader)
	if token == "" {
		return nil, "", errors.Unauthorized("Missing service token")
	}

	claims, err := m.verify(token)
	if err != nil {
		return nil, "", err
	}

	if len(m.allowed) > 0 && !m.allowed[claims.ServiceID] {
		return nil, "", errors.Forbidden("Service not authorized").WithDetails("service_id", claims.ServiceID)
	}

	userID := r.Header.Get(serviceauth.UserIDHeader)
	if userID == "" {
		if m.requireUserID {
			return nil, "", errors.Unauthorized("Missing X-User-ID header")
		}
		return claims, "", nil
	}
	if !isValidUserID(userID) {
		return nil, "", errors.InvalidFormat("X-User-ID", "UUID format required")
	}
	return claims, userID, nil
}

// verify checks a token's signature and claims, consulting the cache first.
func (m *ServiceAuthMiddleware) verify(token string) (*serviceauth.ServiceClaims, error) {
	if claims := m.verified.get(token); claims != nil {
		return claims, nil
	}

	claims := &serviceauth.ServiceClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (interface{}, error) { return m.publicKey, nil },
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}))
	if err != nil {
		return nil, errors.InvalidToken(err)
	}
	if !parsed.Valid {
		return nil, errors.InvalidToken(nil)
	}
	if claims.ServiceID == "" {
		return nil, errors.InvalidToken(nil).WithDetails("reason", "missing service_id claim")
	}

	notAfter := time.Now().Add(tokenCacheTTL)
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(notAfter) {
		notAfter = claims.ExpiresAt.Time
	}
	m.verified.put(token, claims, notAfter)

	return claims, nil
}

// claimsCache remembers recently verified tokens so repeated requests from
// the same caller skip the RSA signature check.
type claimsCache struct {
	mu      sync.Mutex
	entries map[string]claimsEntry
	max     int
}

type claimsEntry struct {
	claims   *serviceauth.ServiceClaims
	notAfter time.Time
}

func newClaimsCache(max int) *claimsCache {
	return &claimsCache{entries: make(map[string]claimsEntry), max: max}
}

func (c *claimsCache) get(token string) *serviceauth.ServiceClaims {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[token]
	if !ok || time.Now().After(e.notAfter) {
		return nil
	}
	return e.claims
}

func (c *claimsCache) put(token string, claims *serviceauth.ServiceClaims, notAfter time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.max {
		now := time.Now()
		for k, e := range c.entries {
			if now.After(e.notAfter) {
				delete(c.entries, k)
			}
		}
		// Still full after sweeping: every entry is live, which only
		// happens under a flood of unique tokens. Reset rather than grow.
		if len(c.entries) >= c.max {
			c.entries = make(map[string]claimsEntry, c.max)
		}
	}
	c.entries[token] = claimsEntry{claims: claims, notAfter: notAfter}
}

// GetServiceID extracts the authenticated service ID from context.
func GetServiceID(ctx context.Context) string {
	if v, ok := ctx.Value(serviceIDKey).(string); ok {
		return v
	}
	return ""
}

// isValidUserID accepts only canonical 36-character UUIDs.
func isValidUserID(userID string) bool {
	if len(userID) != 36 {
		return false
	}
	_, err := uuid.Parse(userID)
	return err == nil
}

// RequireServiceAuth rejects requests that did not pass service authentication.
func RequireServiceAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetServiceID(r.Context()) == "" {
			internalhttputil.Unauthorized(w, "Service authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireUserIDHeader rejects requests without a well-formed X-User-ID header.
func RequireUserIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(serviceauth.UserIDHeader)
		switch {
		case userID == "":
			internalhttputil.Unauthorized(w, "X-User-ID header required")
		case !isValidUserID(userID):
			internalhttputil.BadRequest(w, "Invalid X-User-ID format")
		default:
			next.ServeHTTP(w, r)
		}
	})
}
