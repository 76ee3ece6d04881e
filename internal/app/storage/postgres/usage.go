package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/daygent/daygent/internal/app/domain/usage"
	"github.com/daygent/daygent/internal/app/storage"
)

var _ storage.UsageStore = (*Store)(nil)

type usageRow struct {
	ID           string    `db:"id"`
	WorkspaceID  string    `db:"workspace_id"`
	Provider     string    `db:"provider"`
	Model        string    `db:"model"`
	Day          string    `db:"day"`
	InputTokens  int64     `db:"input_tokens"`
	OutputTokens int64     `db:"output_tokens"`
	RequestCount int64     `db:"request_count"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (r usageRow) toRecord() usage.Record {
	return usage.Record{
		ID:           r.ID,
		WorkspaceID:  r.WorkspaceID,
		Provider:     r.Provider,
		Model:        r.Model,
		Day:          r.Day,
		InputTokens:  r.InputTokens,
		OutputTokens: r.OutputTokens,
		RequestCount: r.RequestCount,
		UpdatedAt:    r.UpdatedAt,
	}
}

func (s *Store) RecordUsage(ctx context.Context, delta usage.Delta, day string) (usage.Record, error) {
	var row usageRow
	err := s.sdb.GetContext(ctx, &row, `
		INSERT INTO app_usage_daily (id, workspace_id, provider, model, day, input_tokens, output_tokens, request_count, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8)
		ON CONFLICT (workspace_id, provider, model, day)
		DO UPDATE SET
			input_tokens = app_usage_daily.input_tokens + EXCLUDED.input_tokens,
			output_tokens = app_usage_daily.output_tokens + EXCLUDED.output_tokens,
			request_count = app_usage_daily.request_count + 1,
			updated_at = EXCLUDED.updated_at
		RETURNING id, workspace_id, provider, model, day, input_tokens, output_tokens, request_count, updated_at
	`, uuid.NewString(), delta.WorkspaceID, delta.Provider, delta.Model, day, delta.InputTokens, delta.OutputTokens, time.Now().UTC())
	if err != nil {
		return usage.Record{}, err
	}
	return row.toRecord(), nil
}

func (s *Store) ListUsage(ctx context.Context, workspaceID, fromDay, toDay string) ([]usage.Record, error) {
	var rows []usageRow
	err := s.sdb.SelectContext(ctx, &rows, `
		SELECT id, workspace_id, provider, model, day, input_tokens, output_tokens, request_count, updated_at
		FROM app_usage_daily
		WHERE workspace_id = $1
		  AND ($2 = '' OR day >= $2)
		  AND ($3 = '' OR day <= $3)
		ORDER BY day, provider, model
	`, workspaceID, fromDay, toDay)
	if err != nil {
		return nil, err
	}

	var result []usage.Record
	for _, r := range rows {
		result = append(result, r.toRecord())
	}
	return result, nil
}

func (s *Store) MonthlySummary(ctx context.Context, workspaceID, month string) (usage.MonthlySummary, error) {
	var rows []struct {
		Provider     string `db:"provider"`
		Model        string `db:"model"`
		InputTokens  int64  `db:"input_tokens"`
		OutputTokens int64  `db:"output_tokens"`
		RequestCount int64  `db:"request_count"`
	}
	err := s.sdb.SelectContext(ctx, &rows, `
		SELECT provider, model,
		       COALESCE(SUM(input_tokens), 0)  AS input_tokens,
		       COALESCE(SUM(output_tokens), 0) AS output_tokens,
		       COALESCE(SUM(request_count), 0) AS request_count
		FROM app_usage_daily
		WHERE workspace_id = $1 AND left(day, 7) = $2
		GROUP BY provider, model
		ORDER BY provider, model
	`, workspaceID, month)
	if err != nil {
		return usage.MonthlySummary{}, err
	}

	summary := usage.MonthlySummary{
		WorkspaceID: workspaceID,
		Month:       month,
		GeneratedAt: time.Now().UTC(),
	}
	for _, r := range rows {
		summary.InputTokens += r.InputTokens
		summary.OutputTokens += r.OutputTokens
		summary.RequestCount += r.RequestCount
		summary.ByModel = append(summary.ByModel, usage.ModelUsage{
			Provider:     r.Provider,
			Model:        r.Model,
			InputTokens:  r.InputTokens,
			OutputTokens: r.OutputTokens,
			RequestCount: r.RequestCount,
		})
	}
	return summary, nil
}
