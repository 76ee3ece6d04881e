package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/daygent/daygent/internal/app/domain/usage"
	"github.com/daygent/daygent/internal/app/domain/workspace"
	"github.com/daygent/daygent/internal/app/metrics"
	usagesvc "github.com/daygent/daygent/internal/app/services/usage"
	"github.com/daygent/daygent/internal/app/storage/memory"
	"github.com/daygent/daygent/internal/httputil"
)

const testAdminKey = "ops-admin-key"

type testEnv struct {
	router http.Handler
	store  *memory.Store
	usage  *usagesvc.Service
}

func newTestEnv(t *testing.T, server *httputil.ServiceClient, host Snapshotter) testEnv {
	t.Helper()

	store := memory.New()
	svc := usagesvc.New(store, store, nil)
	router := NewRouter(Config{
		AdminKey:   testAdminKey,
		Usage:      svc,
		Workspaces: store,
		Members:    store,
		Server:     server,
		Host:       host,
	})
	return testEnv{router: router, store: store, usage: svc}
}

func (e testEnv) do(t *testing.T, method, path, key string, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set("X-Admin-Key", key)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func seedWorkspace(t *testing.T, store *memory.Store, slug, budget string, memberCount int) workspace.Workspace {
	t.Helper()

	ctx := context.Background()
	ws := workspace.Workspace{
		Slug:    slug,
		Name:    slug + " workspace",
		OwnerID: "user-" + slug + "-0",
	}
	if budget != "" {
		ws.Settings = map[string]string{usage.BudgetSettingKey: budget}
	}
	ws, err := store.CreateWorkspace(ctx, ws)
	if err != nil {
		t.Fatalf("create workspace %s: %v", slug, err)
	}
	for i := 0; i < memberCount; i++ {
		role := workspace.RoleMember
		if i == 0 {
			role = workspace.RoleOwner
		}
		_, err := store.AddMember(ctx, workspace.Member{
			WorkspaceID: ws.ID,
			UserID:      fmt.Sprintf("user-%s-%d", slug, i),
			Role:        role,
		})
		if err != nil {
			t.Fatalf("add member %d to %s: %v", i, slug, err)
		}
	}
	return ws
}

func TestAdminKeyGate(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	if rr := env.do(t, http.MethodGet, "/ops/workspaces", "", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("missing key status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
	if rr := env.do(t, http.MethodGet, "/ops/workspaces", "wrong-key", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
	if rr := env.do(t, http.MethodGet, "/healthz", "", ""); rr.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestUsageSummaryEndpoint(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ws := seedWorkspace(t, env.store, "acme", "1000", 1)

	err := env.usage.Record(context.Background(), usage.Delta{
		WorkspaceID:  ws.ID,
		Provider:     "openai",
		Model:        "gpt-4o",
		InputTokens:  600,
		OutputTokens: 300,
	})
	if err != nil {
		t.Fatalf("record usage: %v", err)
	}

	rr := env.do(t, http.MethodGet, "/ops/usage/"+ws.ID, testAdminKey, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("usage status = %d, want %d: %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	var resp struct {
		Summary struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
			RequestCount int64 `json:"request_count"`
		} `json:"summary"`
		TotalTokens int64  `json:"total_tokens"`
		BudgetState string `json:"budget_state"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode usage response: %v", err)
	}
	if resp.Summary.InputTokens != 600 || resp.Summary.OutputTokens != 300 || resp.Summary.RequestCount != 1 {
		t.Fatalf("summary = %+v", resp.Summary)
	}
	if resp.TotalTokens != 900 {
		t.Fatalf("total_tokens = %d, want 900", resp.TotalTokens)
	}
	// 900 of 1000 is past the 80% warning line.
	if resp.BudgetState != string(usage.BudgetWarning) {
		t.Fatalf("budget_state = %q, want %q", resp.BudgetState, usage.BudgetWarning)
	}

	if rr := env.do(t, http.MethodGet, "/ops/usage/no-such-workspace", testAdminKey, ""); rr.Code != http.StatusNotFound {
		t.Fatalf("missing workspace status = %d, want %d", rr.Code, http.StatusNotFound)
	}
	if rr := env.do(t, http.MethodGet, "/ops/usage/"+ws.ID+"?month=13-2026", testAdminKey, ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad month status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestUsageRollupEndpoint(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ws1 := seedWorkspace(t, env.store, "one", "", 1)
	ws2 := seedWorkspace(t, env.store, "two", "", 1)

	for _, id := range []string{ws1.ID, ws2.ID} {
		err := env.usage.Record(context.Background(), usage.Delta{
			WorkspaceID: id, Provider: "openai", Model: "gpt-4o-mini", InputTokens: 10, OutputTokens: 5,
		})
		if err != nil {
			t.Fatalf("record usage for %s: %v", id, err)
		}
	}

	rr := env.do(t, http.MethodPost, "/ops/usage/rollup", testAdminKey, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("rollup status = %d, want %d: %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	var resp struct {
		Workspaces int `json:"workspaces"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode rollup response: %v", err)
	}
	if resp.Workspaces != 2 {
		t.Fatalf("rollup covered %d workspaces, want 2", resp.Workspaces)
	}

	if rr := env.do(t, http.MethodPost, "/ops/usage/rollup", testAdminKey, `{"month":"garbage"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad month rollup status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestWorkspaceAdministration(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ws1 := seedWorkspace(t, env.store, "keep", "", 3)
	ws2 := seedWorkspace(t, env.store, "drop", "", 1)

	rr := env.do(t, http.MethodGet, "/ops/workspaces", testAdminKey, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d, want %d", rr.Code, http.StatusOK)
	}
	var listing struct {
		Count      int `json:"count"`
		Workspaces []struct {
			ID          string `json:"id"`
			MemberCount int    `json:"member_count"`
		} `json:"workspaces"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &listing); err != nil {
		t.Fatalf("decode listing: %v", err)
	}
	if listing.Count != 2 {
		t.Fatalf("count = %d, want 2", listing.Count)
	}
	counts := map[string]int{}
	for _, row := range listing.Workspaces {
		counts[row.ID] = row.MemberCount
	}
	if counts[ws1.ID] != 3 || counts[ws2.ID] != 1 {
		t.Fatalf("member counts = %v", counts)
	}

	if rr := env.do(t, http.MethodDelete, "/ops/workspaces/"+ws2.ID, testAdminKey, ""); rr.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want %d", rr.Code, http.StatusNoContent)
	}
	if rr := env.do(t, http.MethodDelete, "/ops/workspaces/"+ws2.ID, testAdminKey, ""); rr.Code != http.StatusNotFound {
		t.Fatalf("re-delete status = %d, want %d", rr.Code, http.StatusNotFound)
	}

	rr = env.do(t, http.MethodGet, "/ops/workspaces", testAdminKey, "")
	if err := json.Unmarshal(rr.Body.Bytes(), &listing); err != nil {
		t.Fatalf("decode listing after delete: %v", err)
	}
	if listing.Count != 1 {
		t.Fatalf("count after delete = %d, want 1", listing.Count)
	}
}

func TestAuditProxy(t *testing.T) {
	var gotPath, gotQuery, gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"path":"/workspaces","method":"POST"}]`))
	}))
	defer upstream.Close()

	client := httputil.NewServiceClient(httputil.ServiceClientConfig{
		StaticToken: "ops-service-token",
		BaseURL:     upstream.URL,
	})
	env := newTestEnv(t, client, nil)

	rr := env.do(t, http.MethodGet, "/ops/audit?limit=5", testAdminKey, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("audit status = %d, want %d: %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	if gotPath != "/audit" || gotQuery != "limit=5" {
		t.Fatalf("upstream saw %s?%s, want /audit?limit=5", gotPath, gotQuery)
	}
	if gotAuth != "Bearer ops-service-token" {
		t.Fatalf("upstream Authorization = %q", gotAuth)
	}
	if !strings.Contains(rr.Body.String(), `"/workspaces"`) {
		t.Fatalf("audit body = %s", rr.Body.String())
	}

	bare := newTestEnv(t, nil, nil)
	if rr := bare.do(t, http.MethodGet, "/ops/audit", testAdminKey, ""); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("unconfigured audit status = %d, want %d", rr.Code, http.StatusServiceUnavailable)
	}
}

func TestServerHealthProxy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy","service":"daygent-server"}`))
	}))
	defer upstream.Close()

	client := httputil.NewServiceClient(httputil.ServiceClientConfig{
		StaticToken: "ops-service-token",
		BaseURL:     upstream.URL,
	})
	env := newTestEnv(t, client, nil)

	rr := env.do(t, http.MethodGet, "/ops/server", testAdminKey, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("server health status = %d, want %d: %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	var health map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health["service"] != "daygent-server" {
		t.Fatalf("health = %v", health)
	}

	upstream.Close()
	if rr := env.do(t, http.MethodGet, "/ops/server", testAdminKey, ""); rr.Code != http.StatusBadGateway {
		t.Fatalf("dead upstream status = %d, want %d", rr.Code, http.StatusBadGateway)
	}

	bare := newTestEnv(t, nil, nil)
	if rr := bare.do(t, http.MethodGet, "/ops/server", testAdminKey, ""); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("unconfigured status = %d, want %d", rr.Code, http.StatusServiceUnavailable)
	}
}

type staticHost struct {
	snap metrics.HostSnapshot
}

func (s staticHost) Snapshot() metrics.HostSnapshot { return s.snap }

func TestSystemSnapshot(t *testing.T) {
	env := newTestEnv(t, nil, staticHost{snap: metrics.HostSnapshot{
		CPUPercent:    42.5,
		MemoryPercent: 33.3,
	}})

	rr := env.do(t, http.MethodGet, "/ops/system", testAdminKey, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("system status = %d, want %d", rr.Code, http.StatusOK)
	}
	var snap metrics.HostSnapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.CPUPercent != 42.5 {
		t.Fatalf("cpu_percent = %v, want 42.5", snap.CPUPercent)
	}

	bare := newTestEnv(t, nil, nil)
	if rr := bare.do(t, http.MethodGet, "/ops/system", testAdminKey, ""); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("no collector status = %d, want %d", rr.Code, http.StatusServiceUnavailable)
	}
}
