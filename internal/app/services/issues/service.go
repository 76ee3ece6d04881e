package issues

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/daygent/daygent/internal/app/domain/issue"
	"github.com/daygent/daygent/internal/app/domain/workspace"
	"github.com/daygent/daygent/internal/app/services/workspaces"
	"github.com/daygent/daygent/internal/app/storage"
	"github.com/daygent/daygent/pkg/logger"
)

// EventSink receives stored issue events for fan-out (websocket hub,
// automation dispatcher). Implementations must not block.
type EventSink interface {
	OfferEvent(ev issue.Event)
}

// Service manages issues, comments and the issue event trail.
type Service struct {
	issues   storage.IssueStore
	comments storage.CommentStore
	events   storage.EventStore
	access   workspaces.AccessChecker
	log      *logger.Logger
	sinks    []EventSink
}

// New constructs an issues service.
func New(issues storage.IssueStore, comments storage.CommentStore, events storage.EventStore, access workspaces.AccessChecker, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("issues")
	}
	return &Service{issues: issues, comments: comments, events: events, access: access, log: log}
}

// AttachSink registers an event sink. Attach before serving traffic.
func (s *Service) AttachSink(sink EventSink) {
	if sink != nil {
		s.sinks = append(s.sinks, sink)
	}
}

// Create validates and stores a new issue. The actor becomes the reporter;
// an assignee must already be a member of the workspace.
func (s *Service) Create(ctx context.Context, actorID string, is issue.Issue) (issue.Issue, error) {
	if is.WorkspaceID == "" {
		return issue.Issue{}, fmt.Errorf("workspace_id is required")
	}
	if strings.TrimSpace(is.Title) == "" {
		return issue.Issue{}, fmt.Errorf("title is required")
	}
	if is.Type == "" {
		is.Type = issue.TypeTask
	}
	if !is.Type.Valid() {
		return issue.Issue{}, fmt.Errorf("invalid type %q", is.Type)
	}
	if is.Status == "" {
		is.Status = issue.StatusOpen
	}
	if is.Status != issue.StatusOpen {
		return issue.Issue{}, fmt.Errorf("new issues start open")
	}
	if !issue.ValidPriority(is.Priority) {
		return issue.Issue{}, fmt.Errorf("priority must be between %d and %d", issue.PriorityCritical, issue.PriorityBacklog)
	}

	if _, err := s.access.ValidateAccess(ctx, actorID, is.WorkspaceID); err != nil {
		return issue.Issue{}, err
	}
	if is.AssigneeID != "" {
		if _, err := s.access.ValidateAccess(ctx, is.AssigneeID, is.WorkspaceID); err != nil {
			return issue.Issue{}, fmt.Errorf("assignee must be a workspace member")
		}
	}

	is.ReporterID = actorID
	is.Labels = normalizeLabels(is.Labels)
	is.ClosedAt = nil

	created, err := s.issues.CreateIssue(ctx, is)
	if err != nil {
		return issue.Issue{}, err
	}

	s.emit(ctx, issue.Event{
		WorkspaceID: created.WorkspaceID,
		IssueID:     created.ID,
		Actor:       actorID,
		Kind:        issue.EventCreated,
	})
	s.log.Infof("issue %s#%d created", created.WorkspaceID, created.Number)
	return created, nil
}

// Get returns an issue scoped to the workspace. A mismatched workspace
// reads as absent.
func (s *Service) Get(ctx context.Context, workspaceID, id string) (issue.Issue, error) {
	return s.scoped(ctx, workspaceID, id)
}

// GetByNumber returns an issue by its per-workspace number.
func (s *Service) GetByNumber(ctx context.Context, workspaceID string, number int64) (issue.Issue, error) {
	return s.issues.GetIssueByNumber(ctx, workspaceID, number)
}

// List returns the workspace's issues, newest first, narrowed by the filter.
func (s *Service) List(ctx context.Context, workspaceID string, f issue.Filter) ([]issue.Issue, error) {
	return s.issues.ListIssues(ctx, workspaceID, f)
}

// Patch describes a partial issue update. Nil fields are left unchanged;
// an empty AssigneeID clears the assignee and a zero DueAt clears the due
// date.
type Patch struct {
	Title       *string
	Description *string
	Type        *issue.Type
	Priority    *int
	AssigneeID  *string
	Labels      *[]string
	DueAt       *time.Time
}

// Update applies a partial update and records assignment and label events.
func (s *Service) Update(ctx context.Context, actorID, workspaceID, id string, patch Patch) (issue.Issue, error) {
	is, err := s.scoped(ctx, workspaceID, id)
	if err != nil {
		return issue.Issue{}, err
	}

	prevAssignee := is.AssigneeID
	prevLabels := strings.Join(is.Labels, ",")

	if patch.Title != nil {
		if strings.TrimSpace(*patch.Title) == "" {
			return issue.Issue{}, fmt.Errorf("title is required")
		}
		is.Title = *patch.Title
	}
	if patch.Description != nil {
		is.Description = *patch.Description
	}
	if patch.Type != nil {
		if !patch.Type.Valid() {
			return issue.Issue{}, fmt.Errorf("invalid type %q", *patch.Type)
		}
		is.Type = *patch.Type
	}
	if patch.Priority != nil {
		if !issue.ValidPriority(*patch.Priority) {
			return issue.Issue{}, fmt.Errorf("priority must be between %d and %d", issue.PriorityCritical, issue.PriorityBacklog)
		}
		is.Priority = *patch.Priority
	}
	if patch.AssigneeID != nil {
		if *patch.AssigneeID != "" {
			if _, err := s.access.ValidateAccess(ctx, *patch.AssigneeID, workspaceID); err != nil {
				return issue.Issue{}, fmt.Errorf("assignee must be a workspace member")
			}
		}
		is.AssigneeID = *patch.AssigneeID
	}
	if patch.Labels != nil {
		is.Labels = normalizeLabels(*patch.Labels)
	}
	if patch.DueAt != nil {
		if patch.DueAt.IsZero() {
			is.DueAt = nil
		} else {
			due := patch.DueAt.UTC()
			is.DueAt = &due
		}
	}

	updated, err := s.issues.UpdateIssue(ctx, is)
	if err != nil {
		return issue.Issue{}, err
	}

	if updated.AssigneeID != prevAssignee {
		s.emit(ctx, issue.Event{
			WorkspaceID: workspaceID,
			IssueID:     updated.ID,
			Actor:       actorID,
			Kind:        issue.EventAssigned,
			From:        prevAssignee,
			To:          updated.AssigneeID,
		})
	}
	if labels := strings.Join(updated.Labels, ","); labels != prevLabels {
		s.emit(ctx, issue.Event{
			WorkspaceID: workspaceID,
			IssueID:     updated.ID,
			Actor:       actorID,
			Kind:        issue.EventLabeled,
			From:        prevLabels,
			To:          labels,
		})
	}
	return updated, nil
}

// Transition moves an issue through its workflow. Closing stamps ClosedAt,
// reopening clears it.
func (s *Service) Transition(ctx context.Context, actorID, workspaceID, id string, next issue.Status) (issue.Issue, error) {
	is, err := s.scoped(ctx, workspaceID, id)
	if err != nil {
		return issue.Issue{}, err
	}
	if !is.Status.CanTransition(next) {
		return issue.Issue{}, fmt.Errorf("cannot transition from %s to %s", is.Status, next)
	}

	prev := is.Status
	is.Status = next
	switch {
	case next == issue.StatusClosed:
		now := time.Now().UTC()
		is.ClosedAt = &now
	case prev == issue.StatusClosed:
		is.ClosedAt = nil
	}

	updated, err := s.issues.UpdateIssue(ctx, is)
	if err != nil {
		return issue.Issue{}, err
	}

	kind := issue.EventStatus
	switch {
	case next == issue.StatusClosed:
		kind = issue.EventClosed
	case prev == issue.StatusClosed:
		kind = issue.EventReopened
	}
	s.emit(ctx, issue.Event{
		WorkspaceID: workspaceID,
		IssueID:     updated.ID,
		Actor:       actorID,
		Kind:        kind,
		From:        string(prev),
		To:          string(next),
	})
	return updated, nil
}

// Delete removes an issue and its trail. Admin or owner only.
func (s *Service) Delete(ctx context.Context, actorID, workspaceID, id string) error {
	role, err := s.access.ValidateAccess(ctx, actorID, workspaceID)
	if err != nil {
		return err
	}
	if !role.AtLeast(workspace.RoleAdmin) {
		return workspaces.ErrForbidden
	}
	if _, err := s.scoped(ctx, workspaceID, id); err != nil {
		return err
	}
	return s.issues.DeleteIssue(ctx, id)
}

// AddComment appends a comment and records a "commented" event carrying
// the comment ID.
func (s *Service) AddComment(ctx context.Context, actorID, workspaceID, issueID, body string) (issue.Comment, error) {
	if strings.TrimSpace(body) == "" {
		return issue.Comment{}, fmt.Errorf("body is required")
	}
	if _, err := s.scoped(ctx, workspaceID, issueID); err != nil {
		return issue.Comment{}, err
	}

	c, err := s.comments.CreateComment(ctx, issue.Comment{
		IssueID:  issueID,
		AuthorID: actorID,
		Body:     body,
	})
	if err != nil {
		return issue.Comment{}, err
	}

	s.emit(ctx, issue.Event{
		WorkspaceID: workspaceID,
		IssueID:     issueID,
		Actor:       actorID,
		Kind:        issue.EventCommented,
		To:          c.ID,
	})
	return c, nil
}

// Comments lists an issue's comments oldest first.
func (s *Service) Comments(ctx context.Context, workspaceID, issueID string) ([]issue.Comment, error) {
	if _, err := s.scoped(ctx, workspaceID, issueID); err != nil {
		return nil, err
	}
	return s.comments.ListComments(ctx, issueID)
}

// UpdateComment edits a comment's body. Authors only.
func (s *Service) UpdateComment(ctx context.Context, actorID, workspaceID, issueID, commentID, body string) (issue.Comment, error) {
	if strings.TrimSpace(body) == "" {
		return issue.Comment{}, fmt.Errorf("body is required")
	}
	c, err := s.scopedComment(ctx, workspaceID, issueID, commentID)
	if err != nil {
		return issue.Comment{}, err
	}
	if c.AuthorID != actorID {
		return issue.Comment{}, workspaces.ErrForbidden
	}

	c.Body = body
	return s.comments.UpdateComment(ctx, c)
}

// DeleteComment removes a comment. Authors may delete their own; admins
// may delete any.
func (s *Service) DeleteComment(ctx context.Context, actorID, workspaceID, issueID, commentID string) error {
	c, err := s.scopedComment(ctx, workspaceID, issueID, commentID)
	if err != nil {
		return err
	}
	if c.AuthorID != actorID {
		role, err := s.access.ValidateAccess(ctx, actorID, workspaceID)
		if err != nil {
			return err
		}
		if !role.AtLeast(workspace.RoleAdmin) {
			return workspaces.ErrForbidden
		}
	}
	return s.comments.DeleteComment(ctx, commentID)
}

// AutomationComment appends a comment on behalf of an automation rule.
// There is no access check: rules are workspace configuration applied
// by the system itself. The resulting event carries the automation
// actor so dispatchers do not feed it back into rule execution.
func (s *Service) AutomationComment(ctx context.Context, workspaceID, issueID, body string) (issue.Comment, error) {
	if strings.TrimSpace(body) == "" {
		return issue.Comment{}, fmt.Errorf("body is required")
	}
	if _, err := s.scoped(ctx, workspaceID, issueID); err != nil {
		return issue.Comment{}, err
	}

	c, err := s.comments.CreateComment(ctx, issue.Comment{
		IssueID:  issueID,
		AuthorID: issue.AutomationActor,
		Body:     body,
	})
	if err != nil {
		return issue.Comment{}, err
	}

	s.emit(ctx, issue.Event{
		WorkspaceID: workspaceID,
		IssueID:     issueID,
		Actor:       issue.AutomationActor,
		Kind:        issue.EventCommented,
		To:          c.ID,
	})
	return c, nil
}

// AutomationLabel adds a label on behalf of an automation rule. Adding
// a label the issue already carries is a no-op.
func (s *Service) AutomationLabel(ctx context.Context, workspaceID, issueID, label string) error {
	label = strings.TrimSpace(label)
	if label == "" {
		return fmt.Errorf("label is required")
	}
	is, err := s.scoped(ctx, workspaceID, issueID)
	if err != nil {
		return err
	}
	for _, l := range is.Labels {
		if l == label {
			return nil
		}
	}

	prev := strings.Join(is.Labels, ",")
	is.Labels = append(is.Labels, label)
	updated, err := s.issues.UpdateIssue(ctx, is)
	if err != nil {
		return err
	}

	s.emit(ctx, issue.Event{
		WorkspaceID: workspaceID,
		IssueID:     updated.ID,
		Actor:       issue.AutomationActor,
		Kind:        issue.EventLabeled,
		From:        prev,
		To:          strings.Join(updated.Labels, ","),
	})
	return nil
}

// History returns an issue's event trail, oldest first.
func (s *Service) History(ctx context.Context, workspaceID, issueID string) ([]issue.Event, error) {
	if _, err := s.scoped(ctx, workspaceID, issueID); err != nil {
		return nil, err
	}
	return s.events.ListIssueEvents(ctx, issueID)
}

// Activity returns the workspace's most recent events, newest first.
func (s *Service) Activity(ctx context.Context, workspaceID string, limit int) ([]issue.Event, error) {
	return s.events.ListWorkspaceEvents(ctx, workspaceID, limit)
}

// Statistics summarises the workspace's issues.
func (s *Service) Statistics(ctx context.Context, workspaceID string) (issue.Statistics, error) {
	return s.issues.IssueStatistics(ctx, workspaceID)
}

func (s *Service) scoped(ctx context.Context, workspaceID, id string) (issue.Issue, error) {
	is, err := s.issues.GetIssue(ctx, id)
	if err != nil {
		return issue.Issue{}, err
	}
	if is.WorkspaceID != workspaceID {
		return issue.Issue{}, sql.ErrNoRows
	}
	return is, nil
}

func (s *Service) scopedComment(ctx context.Context, workspaceID, issueID, commentID string) (issue.Comment, error) {
	if _, err := s.scoped(ctx, workspaceID, issueID); err != nil {
		return issue.Comment{}, err
	}
	c, err := s.comments.GetComment(ctx, commentID)
	if err != nil {
		return issue.Comment{}, err
	}
	if c.IssueID != issueID {
		return issue.Comment{}, sql.ErrNoRows
	}
	return c, nil
}

func (s *Service) emit(ctx context.Context, ev issue.Event) {
	stored, err := s.events.AppendEvent(ctx, ev)
	if err != nil {
		s.log.WithError(err).Warnf("append %s event for issue %s failed", ev.Kind, ev.IssueID)
		return
	}
	for _, sink := range s.sinks {
		sink.OfferEvent(stored)
	}
}

func normalizeLabels(labels []string) []string {
	var result []string
	seen := make(map[string]bool, len(labels))
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		result = append(result, l)
	}
	return result
}
