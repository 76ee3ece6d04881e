// Package usage tracks per-request token consumption and answers the
// monthly roll-up and budget questions built on top of the daily
// counter rows. Summaries are cached per workspace and month; writes
// invalidate the affected month so readers never see a stale total for
// longer than one request.
package usage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/daygent/daygent/internal/app/domain/usage"
	"github.com/daygent/daygent/internal/app/domain/workspace"
	"github.com/daygent/daygent/internal/app/metrics"
	"github.com/daygent/daygent/internal/app/storage"
	"github.com/daygent/daygent/pkg/logger"
)

// summaryTTL bounds how long a cached monthly summary is served before
// it is recomputed from the daily rows.
const summaryTTL = 10 * time.Minute

type cachedSummary struct {
	summary   usage.MonthlySummary
	expiresAt time.Time
}

// Service records usage deltas and serves summaries and budget checks.
type Service struct {
	store      storage.UsageStore
	workspaces storage.WorkspaceStore
	log        *logger.Logger

	mu    sync.Mutex
	cache map[string]cachedSummary

	now func() time.Time
}

func New(store storage.UsageStore, workspaces storage.WorkspaceStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("usage")
	}
	return &Service{
		store:      store,
		workspaces: workspaces,
		log:        log,
		cache:      make(map[string]cachedSummary),
		now:        time.Now,
	}
}

// Record folds one request's token counts into today's counter row and
// invalidates the cached summary for the affected month.
func (s *Service) Record(ctx context.Context, d usage.Delta) error {
	if d.WorkspaceID == "" {
		return fmt.Errorf("workspace_id is required")
	}
	if d.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if d.Model == "" {
		d.Model = "unknown"
	}
	day := s.now().UTC().Format("2006-01-02")
	if _, err := s.store.RecordUsage(ctx, d, day); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	s.invalidate(d.WorkspaceID, day[:7])
	return nil
}

// Summary returns the workspace's roll-up for the given YYYY-MM month,
// served from cache when fresh. An empty month means the current one.
func (s *Service) Summary(ctx context.Context, workspaceID, month string) (usage.MonthlySummary, error) {
	if workspaceID == "" {
		return usage.MonthlySummary{}, fmt.Errorf("workspace_id is required")
	}
	month, err := normalizeMonth(month, s.now())
	if err != nil {
		return usage.MonthlySummary{}, err
	}

	key := cacheKey(workspaceID, month)
	s.mu.Lock()
	if c, ok := s.cache[key]; ok && s.now().Before(c.expiresAt) {
		s.mu.Unlock()
		return c.summary, nil
	}
	s.mu.Unlock()

	summary, err := s.store.MonthlySummary(ctx, workspaceID, month)
	if err != nil {
		return usage.MonthlySummary{}, fmt.Errorf("monthly summary: %w", err)
	}
	s.prime(summary)
	return summary, nil
}

// List returns the raw daily counter rows between fromDay and toDay
// inclusive (YYYY-MM-DD). Empty bounds default to the current month so
// far.
func (s *Service) List(ctx context.Context, workspaceID, fromDay, toDay string) ([]usage.Record, error) {
	if workspaceID == "" {
		return nil, fmt.Errorf("workspace_id is required")
	}
	now := s.now().UTC()
	fromDay, err := normalizeDay(fromDay, now.Format("2006-01")+"-01")
	if err != nil {
		return nil, err
	}
	toDay, err = normalizeDay(toDay, now.Format("2006-01-02"))
	if err != nil {
		return nil, err
	}
	return s.store.ListUsage(ctx, workspaceID, fromDay, toDay)
}

// BudgetState classifies the workspace's current-month consumption
// against the budget configured in its settings.
func (s *Service) BudgetState(ctx context.Context, workspaceID string) (usage.BudgetState, error) {
	ws, err := s.workspaces.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return usage.BudgetOK, err
	}
	budget := s.budgetFor(ws)
	if budget <= 0 {
		return usage.BudgetOK, nil
	}
	summary, err := s.Summary(ctx, workspaceID, "")
	if err != nil {
		return usage.BudgetOK, err
	}
	return usage.StateFor(summary.TotalTokens(), budget), nil
}

// Rollup recomputes and caches the month's summary for every workspace
// and returns the summaries it produced. The monitor calls it on a
// schedule; the admin API exposes it as a manual trigger. Workspaces
// whose aggregation fails are skipped with a warning so one bad tenant
// does not sink the run.
func (s *Service) Rollup(ctx context.Context, month string) ([]usage.MonthlySummary, error) {
	month, err := normalizeMonth(month, s.now())
	if err != nil {
		return nil, err
	}
	started := time.Now()

	all, err := s.workspaces.ListWorkspaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}

	summaries := make([]usage.MonthlySummary, 0, len(all))
	for _, ws := range all {
		summary, err := s.store.MonthlySummary(ctx, ws.ID, month)
		if err != nil {
			s.log.WithError(err).Warnf("rollup for workspace %s (%s) failed", ws.ID, month)
			continue
		}
		s.prime(summary)
		summaries = append(summaries, summary)
	}

	metrics.ObserveUsageRollup(time.Since(started))
	s.log.Infof("usage rollup for %s covered %d of %d workspaces", month, len(summaries), len(all))
	return summaries, nil
}

func (s *Service) budgetFor(ws workspace.Workspace) int64 {
	raw := strings.TrimSpace(ws.Settings[usage.BudgetSettingKey])
	if raw == "" {
		return 0
	}
	budget, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.log.Warnf("workspace %s has unparsable %s setting %q", ws.ID, usage.BudgetSettingKey, raw)
		return 0
	}
	return budget
}

func (s *Service) prime(summary usage.MonthlySummary) {
	s.mu.Lock()
	s.cache[cacheKey(summary.WorkspaceID, summary.Month)] = cachedSummary{
		summary:   summary,
		expiresAt: s.now().Add(summaryTTL),
	}
	s.mu.Unlock()
}

func (s *Service) invalidate(workspaceID, month string) {
	s.mu.Lock()
	delete(s.cache, cacheKey(workspaceID, month))
	s.mu.Unlock()
}

func cacheKey(workspaceID, month string) string {
	return workspaceID + "/" + month
}

func normalizeMonth(month string, now time.Time) (string, error) {
	if month == "" {
		return now.UTC().Format("2006-01"), nil
	}
	if _, err := time.Parse("2006-01", month); err != nil {
		return "", fmt.Errorf("month must be formatted YYYY-MM")
	}
	return month, nil
}

func normalizeDay(day, fallback string) (string, error) {
	if day == "" {
		return fallback, nil
	}
	if _, err := time.Parse("2006-01-02", day); err != nil {
		return "", fmt.Errorf("day must be formatted YYYY-MM-DD")
	}
	return day, nil
}
