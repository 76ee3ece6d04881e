package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/daygent/daygent/internal/app/services/users"
	"github.com/daygent/daygent/internal/app/storage/memory"
	"github.com/daygent/daygent/internal/cache"
	"github.com/daygent/daygent/internal/logging"
	"github.com/daygent/daygent/internal/metrics"
	"github.com/daygent/daygent/internal/middleware"
)

const testUpstreamToken = "upstream-service-token"

// newTestGateway assembles the gateway the way main does, backed by in-memory
// stores and proxying /api/* to upstream.
func newTestGateway(t *testing.T, upstream http.Handler) http.Handler {
	t.Helper()

	if upstream == nil {
		upstream = http.NotFoundHandler()
	}
	backend := httptest.NewServer(upstream)
	t.Cleanup(backend.Close)

	target, err := url.Parse(backend.URL)
	if err != nil {
		t.Fatalf("parse backend url: %v", err)
	}

	store := memory.New()
	log := logging.New("gateway-test", "error", "json")
	gw := &gateway{
		users:    users.New(store, store, store, nil),
		sessions: cache.NewSessionCache(cache.NewMemory()),
		authmw:   middleware.NewAuthMiddleware([]byte("gateway-test-secret"), log, nil),
		secret:   []byte("gateway-test-secret"),
		admins:   map[string]bool{"root@example.com": true},
		log:      log,
	}

	limiter := middleware.NewRateLimiter(1000, 1000, log)
	return newRouter(gw, metrics.New("daygent_gateway_test"), limiter, newProxy(target, testUpstreamToken, nil))
}

func postJSON(t *testing.T, router http.Handler, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func registerAccount(t *testing.T, router http.Handler, email string) (userID, token string) {
	t.Helper()

	rr := postJSON(t, router, "/auth/register", "", map[string]string{
		"email":    email,
		"name":     "Test User",
		"password": "correct horse battery",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("register status = %d, want %d: %s", rr.Code, http.StatusCreated, rr.Body.String())
	}
	var resp struct {
		UserID string `json:"user_id"`
		Token  string `json:"token"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	if resp.UserID == "" || resp.Token == "" {
		t.Fatalf("register response missing user_id or token: %s", rr.Body.String())
	}
	return resp.UserID, resp.Token
}

func TestHealthEndpoint(t *testing.T) {
	router := newTestGateway(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want %d", rr.Code, http.StatusOK)
	}
	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	if resp["status"] != "healthy" || resp["service"] != "gateway" {
		t.Fatalf("health response = %v", resp)
	}
}

func TestRegisterLoginFlow(t *testing.T) {
	router := newTestGateway(t, nil)

	rr := postJSON(t, router, "/auth/register", "", map[string]string{
		"email":    "alice@example.com",
		"name":     "Alice",
		"password": "hunter2hunter2",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("register status = %d, want %d: %s", rr.Code, http.StatusCreated, rr.Body.String())
	}

	var cookie *http.Cookie
	for _, c := range rr.Result().Cookies() {
		if c.Name == sessionCookieName {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatal("register did not set a session cookie")
	}
	if !cookie.HttpOnly {
		t.Fatal("session cookie must be HttpOnly")
	}

	// The same address cannot be registered twice.
	rr = postJSON(t, router, "/auth/register", "", map[string]string{
		"email":    "alice@example.com",
		"name":     "Alice Again",
		"password": "hunter2hunter2",
	})
	if rr.Code != http.StatusConflict {
		t.Fatalf("duplicate register status = %d, want %d", rr.Code, http.StatusConflict)
	}

	rr = postJSON(t, router, "/auth/register", "", map[string]string{
		"email":    "bob@example.com",
		"name":     "Bob",
		"password": "short",
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("weak password register status = %d, want %d", rr.Code, http.StatusBadRequest)
	}

	rr = postJSON(t, router, "/auth/login", "", map[string]string{
		"email":    "alice@example.com",
		"password": "wrong password",
	})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad login status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}

	rr = postJSON(t, router, "/auth/login", "", map[string]string{
		"email":    "alice@example.com",
		"password": "hunter2hunter2",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("login status = %d, want %d: %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	var login struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &login); err != nil {
		t.Fatalf("decode login response: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+login.Token)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("me status = %d, want %d: %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	var me struct {
		User struct {
			Email string `json:"email"`
		} `json:"user"`
		Role string `json:"role"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &me); err != nil {
		t.Fatalf("decode me response: %v", err)
	}
	if me.User.Email != "alice@example.com" {
		t.Fatalf("me email = %q, want alice@example.com", me.User.Email)
	}
	if me.Role != "member" {
		t.Fatalf("me role = %q, want member", me.Role)
	}
	if strings.Contains(rr.Body.String(), "password") {
		t.Fatalf("me response leaks password material: %s", rr.Body.String())
	}

	// No credential at all.
	req = httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated me status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestAdminListGrantsAdminRole(t *testing.T) {
	router := newTestGateway(t, nil)
	_, token := registerAccount(t, router, "root@example.com")

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("me status = %d, want %d", rr.Code, http.StatusOK)
	}
	var me struct {
		Role string `json:"role"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &me); err != nil {
		t.Fatalf("decode me response: %v", err)
	}
	if me.Role != "admin" {
		t.Fatalf("me role = %q, want admin", me.Role)
	}
}

func TestAPITokenLifecycle(t *testing.T) {
	router := newTestGateway(t, nil)
	_, bearer := registerAccount(t, router, "carol@example.com")

	rr := postJSON(t, router, "/auth/tokens", bearer, map[string]string{"name": "ci"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create token status = %d, want %d: %s", rr.Code, http.StatusCreated, rr.Body.String())
	}
	var created struct {
		Token struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"token"`
		Key string `json:"key"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create token response: %v", err)
	}
	if created.Key == "" {
		t.Fatal("create token response missing plaintext key")
	}
	if created.Token.Name != "ci" {
		t.Fatalf("token name = %q, want ci", created.Token.Name)
	}

	req := httptest.NewRequest(http.MethodGet, "/auth/tokens", nil)
	req.Header.Set("Authorization", "Bearer "+bearer)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("list tokens status = %d, want %d", rr.Code, http.StatusOK)
	}
	var listed []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode token list: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != created.Token.ID {
		t.Fatalf("token list = %+v, want the created token only", listed)
	}
	if strings.Contains(rr.Body.String(), created.Key) {
		t.Fatal("token list must not echo the plaintext key")
	}

	req = httptest.NewRequest(http.MethodDelete, "/auth/tokens/"+created.Token.ID, nil)
	req.Header.Set("Authorization", "Bearer "+bearer)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete token status = %d, want %d", rr.Code, http.StatusNoContent)
	}

	req = httptest.NewRequest(http.MethodDelete, "/auth/tokens/"+created.Token.ID, nil)
	req.Header.Set("Authorization", "Bearer "+bearer)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("delete missing token status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestProxyForwardsIdentityAndStripsCredentials(t *testing.T) {
	type captured struct {
		path       string
		userID     string
		authz      string
		apiKey     string
		cookie     string
		serviceJWT string
	}
	var got captured
	hits := 0

	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		got = captured{
			path:       r.URL.Path,
			userID:     r.Header.Get("X-User-ID"),
			authz:      r.Header.Get("Authorization"),
			apiKey:     r.Header.Get("X-API-Key"),
			cookie:     r.Header.Get("Cookie"),
			serviceJWT: r.Header.Get("X-Service-Token"),
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	router := newTestGateway(t, upstream)
	userID, bearer := registerAccount(t, router, "dana@example.com")

	req := httptest.NewRequest(http.MethodGet, "/api/workspaces", nil)
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.AddCookie(&http.Cookie{Name: "tracking", Value: "opaque"})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("proxied status = %d, want %d: %s", rr.Code, http.StatusAccepted, rr.Body.String())
	}
	if rr.Body.String() != `{"ok":true}` {
		t.Fatalf("proxied body = %q", rr.Body.String())
	}
	if hits != 1 {
		t.Fatalf("upstream hits = %d, want 1", hits)
	}
	if got.path != "/workspaces" {
		t.Fatalf("upstream path = %q, want /workspaces", got.path)
	}
	if got.userID != userID {
		t.Fatalf("upstream X-User-ID = %q, want %q", got.userID, userID)
	}
	if got.authz != "Bearer "+testUpstreamToken {
		t.Fatalf("upstream Authorization = %q, want the service token", got.authz)
	}
	if got.cookie != "" || got.apiKey != "" || got.serviceJWT != "" {
		t.Fatalf("client credentials leaked upstream: %+v", got)
	}
}

func TestProxyAPIKeyAuth(t *testing.T) {
	var gotUserID, gotAPIKey string
	hits := 0
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		gotUserID = r.Header.Get("X-User-ID")
		gotAPIKey = r.Header.Get("X-API-Key")
		w.WriteHeader(http.StatusOK)
	})
	router := newTestGateway(t, upstream)
	userID, bearer := registerAccount(t, router, "erin@example.com")

	rr := postJSON(t, router, "/auth/tokens", bearer, map[string]string{"name": "cli"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create token status = %d, want %d", rr.Code, http.StatusCreated)
	}
	var created struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create token response: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/issues", nil)
	req.Header.Set("X-API-Key", created.Key)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("api key request status = %d, want %d: %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	if gotUserID != userID {
		t.Fatalf("upstream X-User-ID = %q, want %q", gotUserID, userID)
	}
	if gotAPIKey != "" {
		t.Fatalf("upstream saw client API key %q", gotAPIKey)
	}

	// A bogus key must be rejected before the request reaches upstream.
	before := hits
	req = httptest.NewRequest(http.MethodGet, "/api/issues", nil)
	req.Header.Set("X-API-Key", "not-a-key")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad api key status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
	if hits != before {
		t.Fatal("rejected request reached upstream")
	}

	req = httptest.NewRequest(http.MethodGet, "/api/issues", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous api status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
	if hits != before {
		t.Fatal("anonymous request reached upstream")
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	router := newTestGateway(t, nil)
	_, bearer := registerAccount(t, router, "frank@example.com")

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+bearer)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("me before logout status = %d, want %d", rr.Code, http.StatusOK)
	}

	req = httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer "+bearer)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("logout status = %d, want %d", rr.Code, http.StatusOK)
	}
	var cleared *http.Cookie
	for _, c := range rr.Result().Cookies() {
		if c.Name == sessionCookieName {
			cleared = c
		}
	}
	if cleared == nil {
		t.Fatal("logout did not clear the session cookie")
	}
	if cleared.MaxAge >= 0 {
		t.Fatalf("cleared cookie MaxAge = %d, want negative", cleared.MaxAge)
	}

	// The JWT has not expired, but the session behind it is gone.
	req = httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+bearer)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("me after logout status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}
