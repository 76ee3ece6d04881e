package httpapi

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/daygent/daygent/internal/app"
	"github.com/daygent/daygent/internal/app/auth"
	"github.com/daygent/daygent/internal/app/domain/issue"
	"github.com/daygent/daygent/internal/app/domain/workspace"
	"github.com/daygent/daygent/internal/serviceauth"
)

func newTestServer(t *testing.T, application *app.Application, cfg Config) http.Handler {
	t.Helper()
	srv, err := NewServer(application, cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv
}

func TestServerAuditAndOperator(t *testing.T) {
	application := newTestApplication(t, app.Stores{})
	alice := registerUser(t, application, "alice@example.com")
	apiKey, _, err := application.Users.CreateToken(context.Background(), alice.ID, "cli")
	if err != nil {
		t.Fatalf("create token: %v", err)
	}

	operator := auth.NewManager("wrap-test-secret", []auth.User{
		{Username: "ops", Password: "hunter2", Role: "operator"},
	})
	srv := newTestServer(t, application, Config{
		ServiceTokens: []string{testServiceToken},
		Operator:      operator,
		AuditMax:      50,
	})

	resp := httptest.NewRecorder()
	srv.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 healthz, got %d", resp.Code)
	}

	resp = httptest.NewRecorder()
	srv.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 metrics, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "go_goroutines") {
		t.Fatalf("expected runtime metrics in exposition")
	}

	resp = httptest.NewRecorder()
	srv.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/workspaces", nil))
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 unauthenticated, got %d", resp.Code)
	}

	login := func(username, password string) *httptest.ResponseRecorder {
		body := marshal(map[string]string{"username": username, "password": password})
		req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		return rec
	}

	if rec := login("ops", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 bad operator login, got %d", rec.Code)
	}
	rec := login("ops", "hunter2")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 operator login, got %d: %s", rec.Code, rec.Body.String())
	}
	var issued struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &issued); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	if issued.Token == "" {
		t.Fatalf("expected operator token")
	}

	resp = httptest.NewRecorder()
	srv.ServeHTTP(resp, authedRequest(http.MethodPost, "/workspaces", marshal(map[string]any{"name": "Acme", "slug": "acme"}), alice.ID))
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201 create workspace, got %d: %s", resp.Code, resp.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/audit", nil)
	req.Header.Set("Authorization", "Bearer "+issued.Token)
	resp = httptest.NewRecorder()
	srv.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 audit as operator, got %d: %s", resp.Code, resp.Body.String())
	}
	var entries []auditEntry
	if err := json.Unmarshal(resp.Body.Bytes(), &entries); err != nil {
		t.Fatalf("unmarshal audit: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.Path == "/workspaces" && e.Method == http.MethodPost && e.Status == http.StatusCreated {
			if e.User != alice.ID || e.Role != "service" {
				t.Fatalf("unexpected audit identity %+v", e)
			}
			found = true
		}
	}
	if !found {
		t.Fatalf("expected workspace creation in audit log, got %+v", entries)
	}

	// Plain user tokens do not reach the audit surface.
	req = httptest.NewRequest(http.MethodGet, "/audit", nil)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	resp = httptest.NewRecorder()
	srv.ServeHTTP(resp, req)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 audit as plain user, got %d", resp.Code)
	}

	resp = httptest.NewRecorder()
	srv.ServeHTTP(resp, authedRequest(http.MethodGet, "/audit?limit=1", nil, alice.ID))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 audit as service, got %d", resp.Code)
	}
	var limited []auditEntry
	if err := json.Unmarshal(resp.Body.Bytes(), &limited); err != nil {
		t.Fatalf("unmarshal limited audit: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected single audit entry with limit=1, got %d", len(limited))
	}
}

func TestServerSignedServiceToken(t *testing.T) {
	application := newTestApplication(t, app.Stores{})
	alice := registerUser(t, application, "alice@example.com")

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	srv := newTestServer(t, application, Config{ServiceKey: &key.PublicKey})

	gen := serviceauth.NewServiceTokenGenerator(key, "gateway-test", time.Hour)
	signed, err := gen.GenerateToken()
	if err != nil {
		t.Fatalf("mint service token: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/workspaces", bytes.NewReader(marshal(map[string]any{"name": "Signed", "slug": "signed"})))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(serviceauth.ServiceTokenHeader, signed)
	req.Header.Set(serviceauth.UserIDHeader, alice.ID)
	resp := httptest.NewRecorder()
	srv.ServeHTTP(resp, req)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201 with signed token, got %d: %s", resp.Code, resp.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/workspaces", nil)
	req.Header.Set(serviceauth.ServiceTokenHeader, signed)
	resp = httptest.NewRecorder()
	srv.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without X-User-ID, got %d", resp.Code)
	}

	wrongKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	forged, err := serviceauth.NewServiceTokenGenerator(wrongKey, "gateway-test", time.Hour).GenerateToken()
	if err != nil {
		t.Fatalf("mint forged token: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/workspaces", nil)
	req.Header.Set(serviceauth.ServiceTokenHeader, forged)
	req.Header.Set(serviceauth.UserIDHeader, alice.ID)
	resp = httptest.NewRecorder()
	srv.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for forged token, got %d", resp.Code)
	}
}

func TestServerUploadValidation(t *testing.T) {
	application := newTestApplication(t, app.Stores{})
	alice := registerUser(t, application, "alice@example.com")

	srv := newTestServer(t, application, Config{
		ServiceTokens: []string{testServiceToken},
		UploadLimit:   1024,
	})

	target := "/workspaces/any/issues/1/attachments"

	req := authedRequest(http.MethodPost, target, []byte(`{"not":"multipart"}`), alice.ID)
	resp := httptest.NewRecorder()
	srv.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415 for JSON upload, got %d", resp.Code)
	}

	big := bytes.Repeat([]byte("a"), 2048)
	req = httptest.NewRequest(http.MethodPost, target, bytes.NewReader(big))
	req.Header.Set("Authorization", "Bearer "+testServiceToken)
	req.Header.Set("X-User-ID", alice.ID)
	req.Header.Set("Content-Type", "multipart/form-data; boundary=x")
	resp = httptest.NewRecorder()
	srv.ServeHTTP(resp, req)
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 for oversized upload, got %d", resp.Code)
	}
}

func TestServerEventsWebsocket(t *testing.T) {
	application := newTestApplication(t, app.Stores{})
	alice := registerUser(t, application, "alice@example.com")

	srv := newTestServer(t, application, Config{ServiceTokens: []string{testServiceToken}})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp := httptest.NewRecorder()
	srv.ServeHTTP(resp, authedRequest(http.MethodPost, "/workspaces", marshal(map[string]any{"name": "Live", "slug": "live"}), alice.ID))
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201 create workspace, got %d", resp.Code)
	}
	var ws workspace.Workspace
	if err := json.Unmarshal(resp.Body.Bytes(), &ws); err != nil {
		t.Fatalf("unmarshal workspace: %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/workspaces/" + ws.ID + "/events?token=" + testServiceToken
	header := http.Header{"X-User-ID": []string{alice.ID}}
	conn, dialResp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial websocket: %v (resp %+v)", err, dialResp)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for application.Events.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp = httptest.NewRecorder()
	srv.ServeHTTP(resp, authedRequest(http.MethodPost, "/workspaces/"+ws.ID+"/issues", marshal(map[string]any{"title": "Live issue"}), alice.ID))
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201 create issue, got %d", resp.Code)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev issue.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Kind != issue.EventCreated {
		t.Fatalf("expected created event, got %q", ev.Kind)
	}
	if ev.WorkspaceID != ws.ID {
		t.Fatalf("event for wrong workspace: %+v", ev)
	}
}
