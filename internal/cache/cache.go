// Package cache provides small TTL caches in front of access-control
// lookups. Only positive results are cached, so a denial is always
// re-checked against storage.
package cache

import (
	"context"
	"time"

	"github.com/daygent/daygent/internal/app/domain/workspace"
	"github.com/daygent/daygent/internal/app/metrics"
)

// DefaultTTL bounds how stale a cached access decision can be.
const DefaultTTL = 5 * time.Minute

// Store is a string cache backend with per-entry TTL.
type Store interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
	Delete(ctx context.Context, key string)
	DeleteByPrefix(ctx context.Context, prefix string)
}

// AccessCache caches the role a user holds in a workspace. Membership
// mutations must call Invalidate or InvalidateWorkspace.
type AccessCache struct {
	store Store
	ttl   time.Duration
}

// NewAccessCache wraps a backend with the default TTL.
func NewAccessCache(store Store) *AccessCache {
	return &AccessCache{store: store, ttl: DefaultTTL}
}

func accessKey(workspaceID, userID string) string {
	return "daygent:access:" + workspaceID + ":" + userID
}

// Get returns the cached role for the user in the workspace.
func (c *AccessCache) Get(ctx context.Context, userID, workspaceID string) (workspace.Role, bool) {
	value, ok := c.store.Get(ctx, accessKey(workspaceID, userID))
	metrics.RecordCacheLookup("access", ok)
	if !ok {
		return "", false
	}
	return workspace.Role(value), true
}

// Set caches a positive membership check. Empty roles are not cached.
func (c *AccessCache) Set(ctx context.Context, userID, workspaceID string, role workspace.Role) {
	if role == "" {
		return
	}
	c.store.Set(ctx, accessKey(workspaceID, userID), string(role), c.ttl)
}

// Invalidate drops one user's cached role in a workspace.
func (c *AccessCache) Invalidate(ctx context.Context, userID, workspaceID string) {
	c.store.Delete(ctx, accessKey(workspaceID, userID))
}

// InvalidateWorkspace drops every cached role for the workspace.
func (c *AccessCache) InvalidateWorkspace(ctx context.Context, workspaceID string) {
	c.store.DeleteByPrefix(ctx, "daygent:access:"+workspaceID+":")
}

// SessionCache caches session-token lookups for the gateway, keyed by the
// sha256 hash of the opaque token. Logout must call Invalidate.
type SessionCache struct {
	store Store
	ttl   time.Duration
}

// NewSessionCache wraps a backend with the default TTL.
func NewSessionCache(store Store) *SessionCache {
	return &SessionCache{store: store, ttl: DefaultTTL}
}

func sessionKey(tokenHash string) string {
	return "daygent:session:" + tokenHash
}

// Get returns the cached user ID for a session token hash.
func (c *SessionCache) Get(ctx context.Context, tokenHash string) (string, bool) {
	userID, ok := c.store.Get(ctx, sessionKey(tokenHash))
	metrics.RecordCacheLookup("session", ok)
	return userID, ok
}

// Set caches a resolved session.
func (c *SessionCache) Set(ctx context.Context, tokenHash, userID string) {
	if userID == "" {
		return
	}
	c.store.Set(ctx, sessionKey(tokenHash), userID, c.ttl)
}

// Invalidate drops a session from the cache.
func (c *SessionCache) Invalidate(ctx context.Context, tokenHash string) {
	c.store.Delete(ctx, sessionKey(tokenHash))
}
