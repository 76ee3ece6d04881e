package llmproxy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/daygent/daygent/internal/app/domain/providerkey"
	"github.com/daygent/daygent/internal/app/domain/usage"
)

type fakeKeys struct {
	key    providerkey.Key
	secret string
}

func (f *fakeKeys) Reveal(_ context.Context, workspaceID, id string) (providerkey.Key, string, error) {
	if f.key.WorkspaceID != workspaceID || f.key.ID != id {
		return providerkey.Key{}, "", sql.ErrNoRows
	}
	return f.key, f.secret, nil
}

func (f *fakeKeys) RevealByProvider(_ context.Context, workspaceID string, p providerkey.Provider) (providerkey.Key, string, error) {
	if f.key.WorkspaceID != workspaceID || f.key.Provider != p {
		return providerkey.Key{}, "", sql.ErrNoRows
	}
	return f.key, f.secret, nil
}

type fakeRecorder struct {
	mu     sync.Mutex
	deltas []usage.Delta
}

func (f *fakeRecorder) Record(_ context.Context, d usage.Delta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deltas = append(f.deltas, d)
	return nil
}

func (f *fakeRecorder) last(t *testing.T) usage.Delta {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.deltas) == 0 {
		t.Fatal("no usage recorded")
	}
	return f.deltas[len(f.deltas)-1]
}

func (f *fakeRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deltas)
}

type fakeGate struct {
	state usage.BudgetState
}

func (f fakeGate) BudgetState(context.Context, string) (usage.BudgetState, error) {
	return f.state, nil
}

func testKey(p providerkey.Provider, baseURL string) providerkey.Key {
	return providerkey.Key{
		ID:          "key1",
		WorkspaceID: "ws1",
		Provider:    p,
		BaseURL:     baseURL,
		Version:     1,
	}
}

func TestProxyPassthrough(t *testing.T) {
	upstreamBody := `{"id":"cmpl-1","model":"gpt-4o","choices":[{"message":{"content":"hi"}}],"usage":{"prompt_tokens":10,"completion_tokens":5}}`
	var gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, upstreamBody)
	}))
	defer upstream.Close()

	rec := &fakeRecorder{}
	svc := New(&fakeKeys{key: testKey(providerkey.ProviderOpenAI, upstream.URL), secret: "sk-live-test"}, rec, nil)

	result, err := svc.Proxy(context.Background(), Request{
		WorkspaceID: "ws1",
		KeyID:       "key1",
		Payload:     []byte(`{"model":"gpt-4o","messages":[]}`),
	})
	if err != nil {
		t.Fatalf("proxy: %v", err)
	}
	if result.Status != http.StatusOK {
		t.Fatalf("status = %d", result.Status)
	}
	if string(result.Body) != upstreamBody {
		t.Fatalf("body not passed through: %s", result.Body)
	}
	if gotAuth != "Bearer sk-live-test" {
		t.Fatalf("auth header = %q", gotAuth)
	}

	delta := rec.last(t)
	if delta.InputTokens != 10 || delta.OutputTokens != 5 || delta.Model != "gpt-4o" || delta.Provider != "openai" {
		t.Fatalf("delta = %+v", delta)
	}
	if result.Usage != delta {
		t.Fatalf("result usage = %+v", result.Usage)
	}
}

func TestProxyCustomProviderJSONPath(t *testing.T) {
	var gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"model":"llama-3-70b","usage":{"prompt_tokens":21,"completion_tokens":8}}`)
	}))
	defer upstream.Close()

	rec := &fakeRecorder{}
	svc := New(&fakeKeys{key: testKey(providerkey.ProviderCustom, upstream.URL), secret: "tok"}, rec, nil)

	if _, err := svc.Proxy(context.Background(), Request{WorkspaceID: "ws1", KeyID: "key1", Payload: []byte(`{"model":"llama-3-70b"}`)}); err != nil {
		t.Fatalf("proxy: %v", err)
	}
	if gotPath != "/chat/completions" {
		t.Fatalf("path = %q", gotPath)
	}
	delta := rec.last(t)
	if delta.InputTokens != 21 || delta.OutputTokens != 8 || delta.Model != "llama-3-70b" {
		t.Fatalf("delta = %+v", delta)
	}
}

func TestProxyInvalidPayload(t *testing.T) {
	svc := New(&fakeKeys{key: testKey(providerkey.ProviderOpenAI, "http://unused")}, &fakeRecorder{}, nil)

	_, err := svc.Proxy(context.Background(), Request{WorkspaceID: "ws1", KeyID: "key1", Payload: []byte("not json")})
	var serr *ServiceError
	if !errors.As(err, &serr) || serr.Status != http.StatusBadRequest {
		t.Fatalf("err = %v", err)
	}
}

func TestProxyBudgetGate(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer upstream.Close()

	svc := New(&fakeKeys{key: testKey(providerkey.ProviderOpenAI, upstream.URL), secret: "sk"}, &fakeRecorder{}, nil)
	svc.AttachBudgetGate(fakeGate{state: usage.BudgetExceeded})

	_, err := svc.Proxy(context.Background(), Request{WorkspaceID: "ws1", KeyID: "key1", Payload: []byte(`{}`)})
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("err = %v", err)
	}
	if hits.Load() != 0 {
		t.Fatal("upstream reached despite exhausted budget")
	}

	svc.AttachBudgetGate(fakeGate{state: usage.BudgetWarning})
	if _, err := svc.Proxy(context.Background(), Request{WorkspaceID: "ws1", KeyID: "key1", Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("warning state blocked traffic: %v", err)
	}
}

func TestProxyRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"model":"gpt-4o","usage":{"prompt_tokens":1,"completion_tokens":1}}`)
	}))
	defer upstream.Close()

	svc := New(&fakeKeys{key: testKey(providerkey.ProviderOpenAI, upstream.URL), secret: "sk"}, &fakeRecorder{}, nil)
	svc.retryBackoff = time.Millisecond

	result, err := svc.Proxy(context.Background(), Request{WorkspaceID: "ws1", KeyID: "key1", Payload: []byte(`{}`)})
	if err != nil {
		t.Fatalf("proxy: %v", err)
	}
	if result.Status != http.StatusOK {
		t.Fatalf("status = %d", result.Status)
	}
	if hits.Load() != 3 {
		t.Fatalf("upstream hits = %d, want 3", hits.Load())
	}
}

func TestProxyErrorBodyCapped(t *testing.T) {
	big := strings.Repeat("x", 100<<10)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, big)
	}))
	defer upstream.Close()

	rec := &fakeRecorder{}
	svc := New(&fakeKeys{key: testKey(providerkey.ProviderOpenAI, upstream.URL), secret: "sk"}, rec, nil)

	result, err := svc.Proxy(context.Background(), Request{WorkspaceID: "ws1", KeyID: "key1", Payload: []byte(`{}`)})
	if err != nil {
		t.Fatalf("proxy: %v", err)
	}
	if result.Status != http.StatusBadRequest {
		t.Fatalf("status = %d", result.Status)
	}
	if len(result.Body) > errorBodyLimit {
		t.Fatalf("error body length = %d, want at most %d", len(result.Body), errorBodyLimit)
	}
	if rec.count() != 0 {
		t.Fatal("usage recorded for failed request")
	}
}

func TestCircuitBreaker(t *testing.T) {
	var healthy atomic.Bool
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if !healthy.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"model":"gpt-4o"}`)
	}))
	defer upstream.Close()

	svc := New(&fakeKeys{key: testKey(providerkey.ProviderOpenAI, upstream.URL), secret: "sk"}, &fakeRecorder{}, nil)
	svc.retryBackoff = time.Millisecond
	svc.breakers = newBreakerSet(breakerFailures, 50*time.Millisecond)

	req := Request{WorkspaceID: "ws1", KeyID: "key1", Payload: []byte(`{}`)}
	for i := 0; i < breakerFailures; i++ {
		result, err := svc.Proxy(context.Background(), req)
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if result.Status != http.StatusInternalServerError {
			t.Fatalf("call %d status = %d", i, result.Status)
		}
	}

	before := hits.Load()
	if _, err := svc.Proxy(context.Background(), req); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("open circuit err = %v", err)
	}
	if hits.Load() != before {
		t.Fatal("upstream reached while circuit open")
	}

	healthy.Store(true)
	time.Sleep(60 * time.Millisecond)

	result, err := svc.Proxy(context.Background(), req)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if result.Status != http.StatusOK {
		t.Fatalf("probe status = %d", result.Status)
	}
	// Closed again after the successful probe.
	if _, err := svc.Proxy(context.Background(), req); err != nil {
		t.Fatalf("post-probe: %v", err)
	}
}

func TestProxyStreaming(t *testing.T) {
	frames := []string{
		"event: message_start\n",
		`data: {"type":"message_start","message":{"model":"claude-3-5-haiku-latest","usage":{"input_tokens":25,"output_tokens":1}}}` + "\n\n",
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"Hello"}}` + "\n\n",
		`data: {"type":"message_delta","usage":{"output_tokens":103}}` + "\n\n",
		"data: [DONE]\n\n",
	}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, frame := range frames {
			fmt.Fprint(w, frame)
			fl.Flush()
		}
	}))
	defer upstream.Close()

	rec := &fakeRecorder{}
	svc := New(&fakeKeys{key: testKey(providerkey.ProviderAnthropic, upstream.URL), secret: "sk-ant"}, rec, nil)

	result, err := svc.Proxy(context.Background(), Request{WorkspaceID: "ws1", KeyID: "key1", Payload: []byte(`{"model":"claude-3-5-haiku-latest","stream":true}`)})
	if err != nil {
		t.Fatalf("proxy: %v", err)
	}
	if result.Stream == nil {
		t.Fatal("expected a stream result")
	}

	relayed, err := io.ReadAll(result.Stream)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if err := result.Stream.Close(); err != nil {
		t.Fatalf("close stream: %v", err)
	}
	if string(relayed) != strings.Join(frames, "") {
		t.Fatalf("stream not passed through verbatim:\n%s", relayed)
	}

	delta := rec.last(t)
	if delta.InputTokens != 25 || delta.OutputTokens != 103 {
		t.Fatalf("delta = %+v", delta)
	}
	if delta.Model != "claude-3-5-haiku-latest" || delta.Provider != "anthropic" {
		t.Fatalf("delta = %+v", delta)
	}
}

func TestProxyStreamWithoutUsageStillCounted(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\ndata: [DONE]\n\n")
	}))
	defer upstream.Close()

	rec := &fakeRecorder{}
	svc := New(&fakeKeys{key: testKey(providerkey.ProviderOpenAI, upstream.URL), secret: "sk"}, rec, nil)

	result, err := svc.Proxy(context.Background(), Request{WorkspaceID: "ws1", KeyID: "key1", Payload: []byte(`{"model":"gpt-4o","stream":true}`)})
	if err != nil {
		t.Fatalf("proxy: %v", err)
	}
	if _, err := io.ReadAll(result.Stream); err != nil {
		t.Fatalf("read stream: %v", err)
	}
	_ = result.Stream.Close()

	delta := rec.last(t)
	if delta.InputTokens != 0 || delta.OutputTokens != 0 {
		t.Fatalf("delta = %+v", delta)
	}
	if delta.Model != "gpt-4o" {
		t.Fatalf("model fell back to %q", delta.Model)
	}
}

func TestProxyForeignKeyReadsAsAbsent(t *testing.T) {
	svc := New(&fakeKeys{key: testKey(providerkey.ProviderOpenAI, "http://unused"), secret: "sk"}, &fakeRecorder{}, nil)

	_, err := svc.Proxy(context.Background(), Request{WorkspaceID: "other", KeyID: "key1", Payload: []byte(`{}`)})
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("err = %v", err)
	}
}

func TestAssistProfilePath(t *testing.T) {
	content := `{"title":"Fix login redirect","description":"## Steps\n1. Log in"}`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"model":"gpt-4o-mini","choices":[{"message":{"content":%q}}],"usage":{"prompt_tokens":40,"completion_tokens":22}}`, content)
	}))
	defer upstream.Close()

	rec := &fakeRecorder{}
	svc := New(&fakeKeys{key: testKey(providerkey.ProviderOpenAI, upstream.URL), secret: "sk"}, rec, nil)

	result, err := svc.Assist(context.Background(), AssistRequest{WorkspaceID: "ws1", Prompt: "login redirects to a 404"})
	if err != nil {
		t.Fatalf("assist: %v", err)
	}
	if result.Title != "Fix login redirect" {
		t.Fatalf("title = %q", result.Title)
	}
	if !strings.Contains(result.Description, "## Steps") {
		t.Fatalf("description = %q", result.Description)
	}
	if result.InputTokens != 40 || result.OutputTokens != 22 {
		t.Fatalf("tokens = %d/%d", result.InputTokens, result.OutputTokens)
	}

	delta := rec.last(t)
	if delta.Model != "gpt-4o-mini" || delta.InputTokens != 40 {
		t.Fatalf("delta = %+v", delta)
	}
}

func TestAssistAnthropicPath(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-3-5-haiku-latest",
			"content": [{"type":"text","text":"{\"title\":\"Crash on empty search\",\"description\":\"Searching with an empty query crashes.\"}"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 52, "output_tokens": 31}
		}`)
	}))
	defer upstream.Close()

	rec := &fakeRecorder{}
	svc := New(&fakeKeys{key: testKey(providerkey.ProviderAnthropic, upstream.URL), secret: "sk-ant"}, rec, nil)

	result, err := svc.Assist(context.Background(), AssistRequest{WorkspaceID: "ws1", Prompt: "empty search crashes the app"})
	if err != nil {
		t.Fatalf("assist: %v", err)
	}
	if result.Title != "Crash on empty search" {
		t.Fatalf("title = %q", result.Title)
	}
	if result.InputTokens != 52 || result.OutputTokens != 31 {
		t.Fatalf("tokens = %d/%d", result.InputTokens, result.OutputTokens)
	}

	delta := rec.last(t)
	if delta.Provider != "anthropic" || delta.Model != "claude-3-5-haiku-latest" {
		t.Fatalf("delta = %+v", delta)
	}
}

func TestAssistWithoutKey(t *testing.T) {
	svc := New(&fakeKeys{}, &fakeRecorder{}, nil)

	_, err := svc.Assist(context.Background(), AssistRequest{WorkspaceID: "ws1", Prompt: "anything"})
	var serr *ServiceError
	if !errors.As(err, &serr) || serr.Code != "NO_PROVIDER_KEY" {
		t.Fatalf("err = %v", err)
	}
}

func TestParseDraft(t *testing.T) {
	fenced := "```json\n{\"title\":\"A\",\"description\":\"B\"}\n```"
	if d := parseDraft(fenced); d.Title != "A" || d.Description != "B" {
		t.Fatalf("fenced draft = %+v", d)
	}

	plain := "Fix the flaky test\nIt fails every third run."
	if d := parseDraft(plain); d.Title != "Fix the flaky test" || d.Description != "It fails every third run." {
		t.Fatalf("plain draft = %+v", d)
	}
}
