package serviceauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func parseClaims(t *testing.T, token string, key *rsa.PublicKey) *ServiceClaims {
	t.Helper()
	claims := &ServiceClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return key, nil
	})
	require.NoError(t, err)
	require.True(t, parsed.Valid)
	return claims
}

func TestGenerateToken_Claims(t *testing.T) {
	key := newTestKey(t)
	gen := NewServiceTokenGenerator(key, "gateway", 30*time.Minute)

	token, err := gen.GenerateToken()
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims := parseClaims(t, token, &key.PublicKey)
	assert.Equal(t, "gateway", claims.ServiceID)
	assert.Equal(t, "gateway", claims.Subject)
	assert.Equal(t, "daygent", claims.Issuer)

	ttl := claims.ExpiresAt.Sub(claims.IssuedAt.Time)
	assert.Equal(t, 30*time.Minute, ttl)
}

func TestGenerateToken_DefaultExpiry(t *testing.T) {
	key := newTestKey(t)
	gen := NewServiceTokenGenerator(key, "admin", 0)

	token, err := gen.GenerateToken()
	require.NoError(t, err)

	claims := parseClaims(t, token, &key.PublicKey)
	assert.Equal(t, DefaultTokenExpiry, claims.ExpiresAt.Sub(claims.IssuedAt.Time))
}

func TestGenerateToken_ReusedUntilStale(t *testing.T) {
	gen := NewServiceTokenGenerator(newTestKey(t), "gateway", time.Hour)

	first, err := gen.GenerateToken()
	require.NoError(t, err)
	second, err := gen.GenerateToken()
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestGenerateToken_RejectedByWrongKey(t *testing.T) {
	gen := NewServiceTokenGenerator(newTestKey(t), "gateway", time.Hour)
	otherKey := newTestKey(t)

	token, err := gen.GenerateToken()
	require.NoError(t, err)

	_, err = jwt.ParseWithClaims(token, &ServiceClaims{}, func(*jwt.Token) (interface{}, error) {
		return &otherKey.PublicKey, nil
	})
	assert.Error(t, err)
}

func TestUserIDContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetUserID(ctx))

	ctx = WithUserID(ctx, "a81bc81b-dead-4e5d-abff-90865d1e13b1")
	assert.Equal(t, "a81bc81b-dead-4e5d-abff-90865d1e13b1", GetUserID(ctx))
}
