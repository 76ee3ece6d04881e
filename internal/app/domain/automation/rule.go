package automation

import "time"

// Rule is a workspace-defined script run when matching issue events occur.
// Trigger holds an issue event kind ("status", "commented", ...) or "*" for
// all events. Source is JavaScript.
type Rule struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Name        string    `json:"name"`
	Trigger     string    `json:"trigger"`
	Source      string    `json:"source"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Matches reports whether the rule fires for the given event kind.
func (r Rule) Matches(kind string) bool {
	return r.Enabled && (r.Trigger == "*" || r.Trigger == kind)
}

// RunResult records one rule execution.
type RunResult struct {
	RuleID    string        `json:"rule_id"`
	IssueID   string        `json:"issue_id"`
	EventKind string        `json:"event_kind"`
	Output    string        `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}
