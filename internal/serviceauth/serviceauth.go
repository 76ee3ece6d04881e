// Package serviceauth provides RSA-signed service-to-service tokens shared by
// the edge processes and the application server.
package serviceauth

import (
	"context"
	"crypto/rsa"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// ServiceTokenHeader carries the signed service token.
	ServiceTokenHeader = "X-Service-Token"

	// ServiceIDHeader identifies the calling service.
	ServiceIDHeader = "X-Service-ID"

	// UserIDHeader carries the end user on whose behalf a service calls.
	UserIDHeader = "X-User-ID"

	// DefaultTokenExpiry is the default service token lifetime.
	DefaultTokenExpiry = 1 * time.Hour

	// tokenIssuer names this deployment in minted tokens.
	tokenIssuer = "daygent"
)

type contextKey string

const userIDKey contextKey = "user_id"

// ServiceClaims are the JWT claims of a service token.
type ServiceClaims struct {
	ServiceID string `json:"service_id"`
	jwt.RegisteredClaims
}

// ServiceTokenGenerator mints RS256 service tokens for one service identity.
// A minted token is reused until shortly before it expires, so callers can
// ask for one per outbound request without paying for an RSA signature each
// time.
type ServiceTokenGenerator struct {
	key       *rsa.PrivateKey
	serviceID string
	expiry    time.Duration

	mu      sync.Mutex
	signed  string
	staleAt time.Time
}

// NewServiceTokenGenerator creates a generator for the given identity. A
// non-positive expiry selects DefaultTokenExpiry.
func NewServiceTokenGenerator(key *rsa.PrivateKey, serviceID string, expiry time.Duration) *ServiceTokenGenerator {
	if expiry <= 0 {
		expiry = DefaultTokenExpiry
	}
	return &ServiceTokenGenerator{key: key, serviceID: serviceID, expiry: expiry}
}

// GenerateToken returns a signed service token, minting a fresh one only when
// the cached token is near expiry.
func (g *ServiceTokenGenerator) GenerateToken() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	if g.signed != "" && now.Before(g.staleAt) {
		return g.signed, nil
	}

	claims := &ServiceClaims{
		ServiceID: g.serviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   g.serviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.expiry)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(g.key)
	if err != nil {
		return "", err
	}

	g.signed = signed
	g.staleAt = now.Add(g.expiry - refreshMargin(g.expiry))
	return signed, nil
}

// refreshMargin is how long before expiry a cached token stops being handed
// out. An in-flight request must never carry a token that dies mid-hop.
func refreshMargin(expiry time.Duration) time.Duration {
	margin := expiry / 10
	if margin > time.Minute {
		margin = time.Minute
	}
	return margin
}

// WithUserID stores the end-user ID for propagation on outbound calls.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetUserID returns the propagated end-user ID, or "".
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}
