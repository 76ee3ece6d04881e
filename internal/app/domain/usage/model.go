package usage

import "time"

// Record is a daily per-model usage counter for a workspace. Day is a
// YYYY-MM-DD date in UTC; rows are upserted as proxy traffic arrives.
type Record struct {
	ID           string    `json:"id"`
	WorkspaceID  string    `json:"workspace_id"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	RequestCount int64     `json:"request_count"`
	Day          string    `json:"day"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Delta is a single proxied request's contribution to usage.
type Delta struct {
	WorkspaceID  string
	Provider     string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// ModelUsage is a per-model slice of a monthly summary.
type ModelUsage struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	RequestCount int64  `json:"request_count"`
}

// MonthlySummary is the roll-up of a workspace's usage for one month
// (YYYY-MM, UTC).
type MonthlySummary struct {
	WorkspaceID  string       `json:"workspace_id"`
	Month        string       `json:"month"`
	InputTokens  int64        `json:"input_tokens"`
	OutputTokens int64        `json:"output_tokens"`
	RequestCount int64        `json:"request_count"`
	ByModel      []ModelUsage `json:"by_model,omitempty"`
	GeneratedAt  time.Time    `json:"generated_at"`
}

// TotalTokens returns input plus output tokens.
func (s MonthlySummary) TotalTokens() int64 {
	return s.InputTokens + s.OutputTokens
}

// BudgetSettingKey is the workspace settings key holding the monthly
// token budget. A missing, empty or unparsable value means unlimited.
const BudgetSettingKey = "monthly_token_budget"

// BudgetState classifies a workspace's consumption against its monthly
// token budget.
type BudgetState string

const (
	BudgetOK       BudgetState = "ok"
	BudgetWarning  BudgetState = "warning"
	BudgetExceeded BudgetState = "exceeded"
)

// StateFor classifies used tokens against a budget. A zero or negative
// budget means unlimited. Warning starts at 80% of budget.
func StateFor(used, budget int64) BudgetState {
	if budget <= 0 {
		return BudgetOK
	}
	switch {
	case used >= budget:
		return BudgetExceeded
	case used*10 >= budget*8:
		return BudgetWarning
	default:
		return BudgetOK
	}
}
