// Package automation runs workspace-defined JavaScript rules against
// issue events. Rules queue follow-up actions (comments, labels) that
// are applied only after the script returns cleanly; events produced by
// those actions never re-enter rule execution.
package automation

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/daygent/daygent/internal/app/domain/automation"
	"github.com/daygent/daygent/internal/app/domain/issue"
	"github.com/daygent/daygent/internal/app/domain/workspace"
	"github.com/daygent/daygent/internal/app/metrics"
	"github.com/daygent/daygent/internal/app/services/workspaces"
	"github.com/daygent/daygent/internal/app/storage"
	"github.com/daygent/daygent/pkg/logger"
)

// runHistorySize bounds the per-workspace run results kept in memory.
const runHistorySize = 50

// IssueActions applies rule follow-up actions. The issues service
// satisfies it; implementations must mark resulting events with the
// automation actor.
type IssueActions interface {
	AutomationComment(ctx context.Context, workspaceID, issueID, body string) (issue.Comment, error)
	AutomationLabel(ctx context.Context, workspaceID, issueID, label string) error
}

// Service manages automation rules and executes them against events.
type Service struct {
	store   storage.AutomationStore
	issues  storage.IssueStore
	access  workspaces.AccessChecker
	actions IssueActions
	log     *logger.Logger

	mu   sync.Mutex
	runs map[string][]automation.RunResult
}

// New constructs an automation service.
func New(store storage.AutomationStore, issues storage.IssueStore, access workspaces.AccessChecker, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("automation")
	}
	return &Service{
		store:  store,
		issues: issues,
		access: access,
		log:    log,
		runs:   make(map[string][]automation.RunResult),
	}
}

// AttachIssueActions wires the follow-up action surface. Without it,
// rules still run but addComment/setLabel calls are dropped.
func (s *Service) AttachIssueActions(actions IssueActions) {
	s.actions = actions
}

// CreateRule registers a rule. Admins only.
func (s *Service) CreateRule(ctx context.Context, actorID string, r automation.Rule) (automation.Rule, error) {
	if r.WorkspaceID == "" {
		return automation.Rule{}, fmt.Errorf("workspace_id is required")
	}
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return automation.Rule{}, fmt.Errorf("name is required")
	}
	if strings.TrimSpace(r.Source) == "" {
		return automation.Rule{}, fmt.Errorf("source is required")
	}
	if len(r.Source) > maxScriptSize {
		return automation.Rule{}, fmt.Errorf("source exceeds maximum size of %d bytes", maxScriptSize)
	}
	if r.Trigger == "" {
		r.Trigger = "*"
	}
	if !validTrigger(r.Trigger) {
		return automation.Rule{}, fmt.Errorf("invalid trigger %q", r.Trigger)
	}
	if err := s.requireAdmin(ctx, actorID, r.WorkspaceID); err != nil {
		return automation.Rule{}, err
	}

	existing, err := s.store.ListRules(ctx, r.WorkspaceID)
	if err != nil {
		return automation.Rule{}, err
	}
	for _, other := range existing {
		if strings.EqualFold(other.Name, r.Name) {
			return automation.Rule{}, fmt.Errorf("rule with name %q already exists", r.Name)
		}
	}

	r.Enabled = true
	created, err := s.store.CreateRule(ctx, r)
	if err != nil {
		return automation.Rule{}, err
	}
	s.log.Infof("automation rule %s (%s) created in workspace %s", created.ID, created.Name, created.WorkspaceID)
	return created, nil
}

// UpdateRule applies modifications to a rule. Admins only; nil fields
// are left unchanged.
func (s *Service) UpdateRule(ctx context.Context, actorID, workspaceID, ruleID string, name, trigger, source *string, enabled *bool) (automation.Rule, error) {
	if err := s.requireAdmin(ctx, actorID, workspaceID); err != nil {
		return automation.Rule{}, err
	}
	rule, err := s.scoped(ctx, workspaceID, ruleID)
	if err != nil {
		return automation.Rule{}, err
	}

	if name != nil {
		trimmed := strings.TrimSpace(*name)
		if trimmed == "" {
			return automation.Rule{}, fmt.Errorf("name cannot be empty")
		}
		existing, err := s.store.ListRules(ctx, workspaceID)
		if err != nil {
			return automation.Rule{}, err
		}
		for _, other := range existing {
			if other.ID != rule.ID && strings.EqualFold(other.Name, trimmed) {
				return automation.Rule{}, fmt.Errorf("rule with name %q already exists", trimmed)
			}
		}
		rule.Name = trimmed
	}
	if trigger != nil {
		if !validTrigger(*trigger) {
			return automation.Rule{}, fmt.Errorf("invalid trigger %q", *trigger)
		}
		rule.Trigger = *trigger
	}
	if source != nil {
		if strings.TrimSpace(*source) == "" {
			return automation.Rule{}, fmt.Errorf("source cannot be empty")
		}
		if len(*source) > maxScriptSize {
			return automation.Rule{}, fmt.Errorf("source exceeds maximum size of %d bytes", maxScriptSize)
		}
		rule.Source = *source
	}
	if enabled != nil {
		rule.Enabled = *enabled
	}

	updated, err := s.store.UpdateRule(ctx, rule)
	if err != nil {
		return automation.Rule{}, err
	}
	s.log.Infof("automation rule %s updated", updated.ID)
	return updated, nil
}

// GetRule returns a rule scoped to the workspace.
func (s *Service) GetRule(ctx context.Context, actorID, workspaceID, ruleID string) (automation.Rule, error) {
	if _, err := s.access.ValidateAccess(ctx, actorID, workspaceID); err != nil {
		return automation.Rule{}, err
	}
	return s.scoped(ctx, workspaceID, ruleID)
}

// ListRules returns the workspace's rules.
func (s *Service) ListRules(ctx context.Context, actorID, workspaceID string) ([]automation.Rule, error) {
	if _, err := s.access.ValidateAccess(ctx, actorID, workspaceID); err != nil {
		return nil, err
	}
	return s.store.ListRules(ctx, workspaceID)
}

// DeleteRule removes a rule. Admins only.
func (s *Service) DeleteRule(ctx context.Context, actorID, workspaceID, ruleID string) error {
	if err := s.requireAdmin(ctx, actorID, workspaceID); err != nil {
		return err
	}
	if _, err := s.scoped(ctx, workspaceID, ruleID); err != nil {
		return err
	}
	return s.store.DeleteRule(ctx, ruleID)
}

// Runs returns the retained run results for a workspace, newest first.
func (s *Service) Runs(ctx context.Context, actorID, workspaceID string) ([]automation.RunResult, error) {
	if _, err := s.access.ValidateAccess(ctx, actorID, workspaceID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.runs[workspaceID]
	out := make([]automation.RunResult, len(stored))
	for i, r := range stored {
		out[len(stored)-1-i] = r
	}
	return out, nil
}

// RunForEvent executes every enabled rule matching the event. Each
// script's queued actions are applied only after it returns cleanly; a
// failed or interrupted script applies nothing.
func (s *Service) RunForEvent(ctx context.Context, ev issue.Event) {
	rules, err := s.store.ListRules(ctx, ev.WorkspaceID)
	if err != nil {
		s.log.WithError(err).Warnf("load rules for workspace %s failed", ev.WorkspaceID)
		return
	}
	var matched []automation.Rule
	for _, rule := range rules {
		if rule.Matches(string(ev.Kind)) {
			matched = append(matched, rule)
		}
	}
	if len(matched) == 0 {
		return
	}

	is, err := s.issues.GetIssue(ctx, ev.IssueID)
	if err != nil {
		s.log.WithError(err).Warnf("load issue %s for automation failed", ev.IssueID)
		return
	}

	for _, rule := range matched {
		s.recordRun(ev.WorkspaceID, s.runRule(ctx, rule, ev, is))
	}
}

func (s *Service) runRule(ctx context.Context, rule automation.Rule, ev issue.Event, is issue.Issue) automation.RunResult {
	started := time.Now()
	output, queued, err := execute(ctx, rule, ev, is)

	res := automation.RunResult{
		RuleID:    rule.ID,
		IssueID:   ev.IssueID,
		EventKind: string(ev.Kind),
		Output:    output,
		StartedAt: started.UTC(),
		Duration:  time.Since(started),
	}
	if err != nil {
		res.Error = err.Error()
		metrics.RecordAutomationRun(false)
		s.log.WithError(err).Warnf("rule %s failed for issue %s", rule.ID, ev.IssueID)
		return res
	}
	metrics.RecordAutomationRun(true)

	if s.actions == nil {
		if len(queued) > 0 {
			s.log.Warnf("rule %s queued %d actions but no issue actions are attached", rule.ID, len(queued))
		}
		return res
	}
	for _, a := range queued {
		var aerr error
		switch a.kind {
		case actionComment:
			_, aerr = s.actions.AutomationComment(ctx, ev.WorkspaceID, ev.IssueID, a.value)
		case actionLabel:
			aerr = s.actions.AutomationLabel(ctx, ev.WorkspaceID, ev.IssueID, a.value)
		}
		if aerr != nil {
			s.log.WithError(aerr).Warnf("apply %s action from rule %s failed", a.kind, rule.ID)
		}
	}
	return res
}

func (s *Service) recordRun(workspaceID string, res automation.RunResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := append(s.runs[workspaceID], res)
	if len(runs) > runHistorySize {
		runs = runs[len(runs)-runHistorySize:]
	}
	s.runs[workspaceID] = runs
}

func (s *Service) requireAdmin(ctx context.Context, actorID, workspaceID string) error {
	role, err := s.access.ValidateAccess(ctx, actorID, workspaceID)
	if err != nil {
		return err
	}
	if !role.AtLeast(workspace.RoleAdmin) {
		return workspaces.ErrForbidden
	}
	return nil
}

func (s *Service) scoped(ctx context.Context, workspaceID, ruleID string) (automation.Rule, error) {
	rule, err := s.store.GetRule(ctx, ruleID)
	if err != nil {
		return automation.Rule{}, err
	}
	if rule.WorkspaceID != workspaceID {
		return automation.Rule{}, sql.ErrNoRows
	}
	return rule, nil
}

func validTrigger(trigger string) bool {
	switch issue.EventKind(trigger) {
	case "*", issue.EventCreated, issue.EventStatus, issue.EventAssigned,
		issue.EventCommented, issue.EventLabeled, issue.EventAttached,
		issue.EventClosed, issue.EventReopened:
		return true
	}
	return false
}
