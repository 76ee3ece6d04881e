package usage

import (
	"context"
	"testing"
	"time"

	"github.com/daygent/daygent/internal/app/domain/usage"
	"github.com/daygent/daygent/internal/app/domain/workspace"
	"github.com/daygent/daygent/internal/app/storage/memory"
)

func newTestService(t *testing.T) (*Service, *memory.Store, workspace.Workspace, *time.Time) {
	t.Helper()
	store := memory.New()
	ws, err := store.CreateWorkspace(context.Background(), workspace.Workspace{Slug: "acme", Name: "Acme", OwnerID: "u1"})
	if err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	svc := New(store, store, nil)
	clock := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return clock }
	return svc, store, ws, &clock
}

func TestRecordAndSummary(t *testing.T) {
	svc, store, ws, clock := newTestService(t)
	ctx := context.Background()

	deltas := []usage.Delta{
		{WorkspaceID: ws.ID, Provider: "openai", Model: "gpt-4o", InputTokens: 100, OutputTokens: 40},
		{WorkspaceID: ws.ID, Provider: "openai", Model: "gpt-4o", InputTokens: 10, OutputTokens: 5},
		{WorkspaceID: ws.ID, Provider: "anthropic", Model: "claude-3-5-haiku-latest", InputTokens: 7, OutputTokens: 3},
	}
	for _, d := range deltas {
		if err := svc.Record(ctx, d); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	summary, err := svc.Summary(ctx, ws.ID, "")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.Month != "2026-03" {
		t.Fatalf("month = %q, want 2026-03", summary.Month)
	}
	if summary.InputTokens != 117 || summary.OutputTokens != 48 || summary.RequestCount != 3 {
		t.Fatalf("unexpected totals: %+v", summary)
	}
	if len(summary.ByModel) != 2 {
		t.Fatalf("expected 2 model rows, got %d", len(summary.ByModel))
	}

	// A write that bypasses the service stays invisible while the cached
	// summary is fresh.
	if _, err := store.RecordUsage(ctx, usage.Delta{WorkspaceID: ws.ID, Provider: "openai", Model: "gpt-4o", InputTokens: 1000}, "2026-03-10"); err != nil {
		t.Fatalf("record direct: %v", err)
	}
	cached, err := svc.Summary(ctx, ws.ID, "2026-03")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if cached.InputTokens != 117 {
		t.Fatalf("expected cached input total 117, got %d", cached.InputTokens)
	}

	*clock = clock.Add(summaryTTL + time.Minute)
	fresh, err := svc.Summary(ctx, ws.ID, "2026-03")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if fresh.InputTokens != 1117 {
		t.Fatalf("expected recomputed input total 1117, got %d", fresh.InputTokens)
	}

	// Recording through the service invalidates the month immediately.
	if err := svc.Record(ctx, usage.Delta{WorkspaceID: ws.ID, Provider: "openai", Model: "gpt-4o", InputTokens: 3, OutputTokens: 1}); err != nil {
		t.Fatalf("record: %v", err)
	}
	after, err := svc.Summary(ctx, ws.ID, "2026-03")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if after.InputTokens != 1120 || after.RequestCount != 5 {
		t.Fatalf("unexpected totals after invalidation: %+v", after)
	}
}

func TestRecordValidation(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.Record(ctx, usage.Delta{Provider: "openai"}); err == nil {
		t.Fatal("expected error for missing workspace")
	}
	if err := svc.Record(ctx, usage.Delta{WorkspaceID: "ws"}); err == nil {
		t.Fatal("expected error for missing provider")
	}
	if _, err := svc.Summary(ctx, "", ""); err == nil {
		t.Fatal("expected error for missing workspace")
	}
	if _, err := svc.Summary(ctx, "ws", "March"); err == nil {
		t.Fatal("expected error for malformed month")
	}
}

func TestBudgetState(t *testing.T) {
	svc, store, ws, _ := newTestService(t)
	ctx := context.Background()

	state, err := svc.BudgetState(ctx, ws.ID)
	if err != nil {
		t.Fatalf("budget state: %v", err)
	}
	if state != usage.BudgetOK {
		t.Fatalf("state = %q, want ok when no budget is configured", state)
	}

	ws.Settings = map[string]string{usage.BudgetSettingKey: "1000"}
	if _, err := store.UpdateWorkspace(ctx, ws); err != nil {
		t.Fatalf("update workspace: %v", err)
	}

	record := func(in, out int64) {
		t.Helper()
		if err := svc.Record(ctx, usage.Delta{WorkspaceID: ws.ID, Provider: "openai", Model: "gpt-4o", InputTokens: in, OutputTokens: out}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	check := func(want usage.BudgetState) {
		t.Helper()
		state, err := svc.BudgetState(ctx, ws.ID)
		if err != nil {
			t.Fatalf("budget state: %v", err)
		}
		if state != want {
			t.Fatalf("state = %q, want %q", state, want)
		}
	}

	record(500, 200)
	check(usage.BudgetOK)
	record(100, 0)
	check(usage.BudgetWarning)
	record(300, 0)
	check(usage.BudgetExceeded)

	// Garbage in the setting means unlimited, not a hard failure.
	ws.Settings = map[string]string{usage.BudgetSettingKey: "lots"}
	if _, err := store.UpdateWorkspace(ctx, ws); err != nil {
		t.Fatalf("update workspace: %v", err)
	}
	check(usage.BudgetOK)

	if _, err := svc.BudgetState(ctx, "missing"); err == nil {
		t.Fatal("expected error for unknown workspace")
	}
}

func TestListDefaultsToCurrentMonth(t *testing.T) {
	svc, store, ws, _ := newTestService(t)
	ctx := context.Background()

	if _, err := store.RecordUsage(ctx, usage.Delta{WorkspaceID: ws.ID, Provider: "openai", Model: "gpt-4o", InputTokens: 5}, "2026-02-27"); err != nil {
		t.Fatalf("record direct: %v", err)
	}
	if err := svc.Record(ctx, usage.Delta{WorkspaceID: ws.ID, Provider: "openai", Model: "gpt-4o", InputTokens: 9, OutputTokens: 2}); err != nil {
		t.Fatalf("record: %v", err)
	}

	rows, err := svc.List(ctx, ws.ID, "", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || rows[0].Day != "2026-03-10" {
		t.Fatalf("unexpected rows: %+v", rows)
	}

	rows, err = svc.List(ctx, ws.ID, "2026-02-01", "2026-03-31")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows across both months, got %d", len(rows))
	}

	if _, err := svc.List(ctx, ws.ID, "yesterday", ""); err == nil {
		t.Fatal("expected error for malformed day")
	}
}

func TestRollup(t *testing.T) {
	svc, store, ws, _ := newTestService(t)
	ctx := context.Background()

	other, err := store.CreateWorkspace(ctx, workspace.Workspace{Slug: "globex", Name: "Globex", OwnerID: "u2"})
	if err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	if err := svc.Record(ctx, usage.Delta{WorkspaceID: ws.ID, Provider: "openai", Model: "gpt-4o", InputTokens: 10, OutputTokens: 5}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := svc.Record(ctx, usage.Delta{WorkspaceID: other.ID, Provider: "anthropic", Model: "claude-3-5-haiku-latest", InputTokens: 20, OutputTokens: 8}); err != nil {
		t.Fatalf("record: %v", err)
	}

	summaries, err := svc.Rollup(ctx, "")
	if err != nil {
		t.Fatalf("rollup: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(summaries))
	}
	byWorkspace := make(map[string]usage.MonthlySummary, len(summaries))
	for _, s := range summaries {
		byWorkspace[s.WorkspaceID] = s
	}
	if byWorkspace[ws.ID].InputTokens != 10 || byWorkspace[other.ID].InputTokens != 20 {
		t.Fatalf("unexpected rollup totals: %+v", byWorkspace)
	}

	// Rollup primes the summary cache.
	if _, err := store.RecordUsage(ctx, usage.Delta{WorkspaceID: ws.ID, Provider: "openai", Model: "gpt-4o", InputTokens: 999}, "2026-03-10"); err != nil {
		t.Fatalf("record direct: %v", err)
	}
	cached, err := svc.Summary(ctx, ws.ID, "")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if cached.InputTokens != 10 {
		t.Fatalf("expected rollup-primed cache total 10, got %d", cached.InputTokens)
	}

	if _, err := svc.Rollup(ctx, "2026/03"); err == nil {
		t.Fatal("expected error for malformed month")
	}
}

func TestMonitorLifecycle(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	m := NewMonitor(svc, nil)
	if m.Name() != "usage-monitor" {
		t.Fatalf("name = %q", m.Name())
	}

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Start(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestPreviousMonth(t *testing.T) {
	if got := previousMonth(time.Date(2026, time.March, 1, 0, 5, 0, 0, time.UTC)); got != "2026-02" {
		t.Fatalf("previousMonth(march 1) = %q", got)
	}
	if got := previousMonth(time.Date(2026, time.January, 15, 0, 0, 0, 0, time.UTC)); got != "2025-12" {
		t.Fatalf("previousMonth(january 15) = %q", got)
	}
}
