package issue

import "time"

// Type classifies an issue.
type Type string

const (
	TypeBug     Type = "bug"
	TypeFeature Type = "feature"
	TypeTask    Type = "task"
	TypeChore   Type = "chore"
)

// Valid reports whether the type is a known value.
func (t Type) Valid() bool {
	switch t {
	case TypeBug, TypeFeature, TypeTask, TypeChore:
		return true
	}
	return false
}

// Status is an issue's workflow state.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusClosed     Status = "closed"
)

// Valid reports whether the status is a known value.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusBlocked, StatusClosed:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is allowed. Closed
// issues can only be reopened; every open state can reach every other.
func (s Status) CanTransition(next Status) bool {
	if !s.Valid() || !next.Valid() || s == next {
		return false
	}
	if s == StatusClosed {
		return next == StatusOpen
	}
	return true
}

// Priority runs 0 (critical) through 4 (backlog).
const (
	PriorityCritical = 0
	PriorityHigh     = 1
	PriorityNormal   = 2
	PriorityLow      = 3
	PriorityBacklog  = 4
)

// ValidPriority reports whether p is in range.
func ValidPriority(p int) bool {
	return p >= PriorityCritical && p <= PriorityBacklog
}

// Issue is a trackable unit of work scoped to a workspace. Number is a
// per-workspace sequence assigned by storage at create time.
type Issue struct {
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspace_id"`
	Number      int64      `json:"number"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Type        Type       `json:"type"`
	Status      Status     `json:"status"`
	Priority    int        `json:"priority"`
	AssigneeID  string     `json:"assignee_id,omitempty"`
	ReporterID  string     `json:"reporter_id"`
	Labels      []string   `json:"labels,omitempty"`
	DueAt       *time.Time `json:"due_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

// Comment is a discussion entry on an issue.
type Comment struct {
	ID        string    `json:"id"`
	IssueID   string    `json:"issue_id"`
	AuthorID  string    `json:"author_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AutomationActor marks trail entries produced by automation rules
// rather than a user. Dispatchers skip events carrying it so rule
// output can never re-trigger rules.
const AutomationActor = "automation"

// EventKind names an entry in the issue audit trail.
type EventKind string

const (
	EventCreated   EventKind = "created"
	EventStatus    EventKind = "status"
	EventAssigned  EventKind = "assigned"
	EventCommented EventKind = "commented"
	EventLabeled   EventKind = "labeled"
	EventAttached  EventKind = "attached"
	EventClosed    EventKind = "closed"
	EventReopened  EventKind = "reopened"
)

// Event is an append-only audit record of a change to an issue.
type Event struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	IssueID     string    `json:"issue_id"`
	Actor       string    `json:"actor"`
	Kind        EventKind `json:"kind"`
	From        string    `json:"from,omitempty"`
	To          string    `json:"to,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Filter narrows issue listings. Zero values mean "any".
type Filter struct {
	Status     Status
	Type       Type
	AssigneeID string
	Label      string
	Priority   *int
	Search     string
}

// Statistics summarises the issues of a workspace.
type Statistics struct {
	Total          int            `json:"total"`
	ByStatus       map[string]int `json:"by_status"`
	ByType         map[string]int `json:"by_type"`
	OpenByPriority map[int]int    `json:"open_by_priority"`
}
