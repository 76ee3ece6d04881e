package automation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/daygent/daygent/internal/app/domain/automation"
	"github.com/daygent/daygent/internal/app/domain/issue"
	"github.com/daygent/daygent/internal/app/domain/user"
	"github.com/daygent/daygent/internal/app/domain/workspace"
	"github.com/daygent/daygent/internal/app/services/issues"
	"github.com/daygent/daygent/internal/app/services/workspaces"
	"github.com/daygent/daygent/internal/app/storage/memory"
)

type fixture struct {
	store      *memory.Store
	svc        *Service
	issues     *issues.Service
	workspaces *workspaces.Service
	ws         workspace.Workspace
	is         issue.Issue
	owner      user.User
	member     user.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()

	owner, err := store.CreateUser(ctx, user.User{Email: "owner@example.com", Name: "Owner", Active: true})
	if err != nil {
		t.Fatalf("create owner: %v", err)
	}
	member, err := store.CreateUser(ctx, user.User{Email: "member@example.com", Name: "Member", Active: true})
	if err != nil {
		t.Fatalf("create member: %v", err)
	}

	wsSvc := workspaces.New(store, store, store, store, nil)
	ws, err := wsSvc.Create(ctx, owner.ID, "Acme", "acme")
	if err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	if _, err := wsSvc.AddMember(ctx, owner.ID, ws.ID, member.ID, workspace.RoleMember); err != nil {
		t.Fatalf("add member: %v", err)
	}

	issueSvc := issues.New(store, store, store, wsSvc, nil)
	is, err := issueSvc.Create(ctx, member.ID, issue.Issue{WorkspaceID: ws.ID, Title: "login bug", Priority: issue.PriorityNormal})
	if err != nil {
		t.Fatalf("create issue: %v", err)
	}

	svc := New(store, store, wsSvc, nil)
	svc.AttachIssueActions(issueSvc)

	return &fixture{store: store, svc: svc, issues: issueSvc, workspaces: wsSvc, ws: ws, is: is, owner: owner, member: member}
}

func (f *fixture) mustRule(t *testing.T, name, trigger, source string) automation.Rule {
	t.Helper()
	rule, err := f.svc.CreateRule(context.Background(), f.owner.ID, automation.Rule{
		WorkspaceID: f.ws.ID,
		Name:        name,
		Trigger:     trigger,
		Source:      source,
	})
	if err != nil {
		t.Fatalf("create rule %q: %v", name, err)
	}
	return rule
}

func TestRuleCRUD(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rule := f.mustRule(t, "triage", "", `console.log("hi")`)
	if rule.Trigger != "*" {
		t.Fatalf("trigger = %q, want wildcard default", rule.Trigger)
	}
	if !rule.Enabled {
		t.Fatal("new rules should be enabled")
	}

	if _, err := f.svc.CreateRule(ctx, f.owner.ID, automation.Rule{WorkspaceID: f.ws.ID, Name: "TRIAGE", Source: "1"}); err == nil {
		t.Fatal("expected duplicate name error")
	}
	if _, err := f.svc.CreateRule(ctx, f.member.ID, automation.Rule{WorkspaceID: f.ws.ID, Name: "other", Source: "1"}); !errors.Is(err, workspaces.ErrForbidden) {
		t.Fatalf("member create = %v, want ErrForbidden", err)
	}
	if _, err := f.svc.CreateRule(ctx, f.owner.ID, automation.Rule{WorkspaceID: f.ws.ID, Name: "bad", Trigger: "exploded", Source: "1"}); err == nil {
		t.Fatal("expected invalid trigger error")
	}
	if _, err := f.svc.CreateRule(ctx, f.owner.ID, automation.Rule{WorkspaceID: f.ws.ID, Name: "empty"}); err == nil {
		t.Fatal("expected missing source error")
	}
	if _, err := f.svc.CreateRule(ctx, f.owner.ID, automation.Rule{WorkspaceID: f.ws.ID, Name: "big", Source: strings.Repeat("x", maxScriptSize+1)}); err == nil {
		t.Fatal("expected oversized source error")
	}

	newName := "triage bugs"
	newTrigger := "commented"
	disabled := false
	updated, err := f.svc.UpdateRule(ctx, f.owner.ID, f.ws.ID, rule.ID, &newName, &newTrigger, nil, &disabled)
	if err != nil {
		t.Fatalf("update rule: %v", err)
	}
	if updated.Name != newName || updated.Trigger != newTrigger || updated.Enabled {
		t.Fatalf("unexpected update result: %+v", updated)
	}
	if _, err := f.svc.UpdateRule(ctx, f.member.ID, f.ws.ID, rule.ID, &newName, nil, nil, nil); !errors.Is(err, workspaces.ErrForbidden) {
		t.Fatalf("member update = %v, want ErrForbidden", err)
	}

	// Members can read rules even though only admins manage them.
	got, err := f.svc.GetRule(ctx, f.member.ID, f.ws.ID, rule.ID)
	if err != nil {
		t.Fatalf("member get: %v", err)
	}
	if got.Name != newName {
		t.Fatalf("get returned %q, want %q", got.Name, newName)
	}
	rules, err := f.svc.ListRules(ctx, f.member.ID, f.ws.ID)
	if err != nil {
		t.Fatalf("member list: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("list length = %d, want 1", len(rules))
	}

	if err := f.svc.DeleteRule(ctx, f.member.ID, f.ws.ID, rule.ID); !errors.Is(err, workspaces.ErrForbidden) {
		t.Fatalf("member delete = %v, want ErrForbidden", err)
	}
	if err := f.svc.DeleteRule(ctx, f.owner.ID, f.ws.ID, rule.ID); err != nil {
		t.Fatalf("delete rule: %v", err)
	}
	if _, err := f.svc.GetRule(ctx, f.owner.ID, f.ws.ID, rule.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("get after delete = %v, want ErrNoRows", err)
	}
}

func TestRuleWorkspaceScoping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rule := f.mustRule(t, "scoped", "*", "1")
	other, err := f.workspaces.Create(ctx, f.owner.ID, "Globex", "globex")
	if err != nil {
		t.Fatalf("create second workspace: %v", err)
	}

	if _, err := f.svc.GetRule(ctx, f.owner.ID, other.ID, rule.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("cross-workspace get = %v, want ErrNoRows", err)
	}
	if err := f.svc.DeleteRule(ctx, f.owner.ID, other.ID, rule.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("cross-workspace delete = %v, want ErrNoRows", err)
	}
}

func TestRunForEventAppliesActions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rule := f.mustRule(t, "auto-triage", "commented", `
		console.log("saw " + event.kind + " on #" + issue.number);
		if (issue.title.indexOf("bug") >= 0) {
			addComment("automated triage: flagged from " + event.kind);
			setLabel("triage");
		}
	`)

	f.svc.RunForEvent(ctx, issue.Event{
		WorkspaceID: f.ws.ID,
		IssueID:     f.is.ID,
		Actor:       f.member.ID,
		Kind:        issue.EventCommented,
	})

	comments, err := f.issues.Comments(ctx, f.ws.ID, f.is.ID)
	if err != nil {
		t.Fatalf("list comments: %v", err)
	}
	if len(comments) != 1 {
		t.Fatalf("comment count = %d, want 1", len(comments))
	}
	if comments[0].AuthorID != issue.AutomationActor {
		t.Fatalf("comment author = %q, want automation actor", comments[0].AuthorID)
	}
	if comments[0].Body != "automated triage: flagged from commented" {
		t.Fatalf("unexpected comment body %q", comments[0].Body)
	}

	got, err := f.issues.Get(ctx, f.ws.ID, f.is.ID)
	if err != nil {
		t.Fatalf("get issue: %v", err)
	}
	found := false
	for _, l := range got.Labels {
		if l == "triage" {
			found = true
		}
	}
	if !found {
		t.Fatalf("labels = %v, want triage applied", got.Labels)
	}

	runs, err := f.svc.Runs(ctx, f.owner.ID, f.ws.ID)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("run count = %d, want 1", len(runs))
	}
	if runs[0].RuleID != rule.ID || runs[0].Error != "" {
		t.Fatalf("unexpected run result: %+v", runs[0])
	}
	want := fmt.Sprintf("saw commented on #%d", f.is.Number)
	if !strings.Contains(runs[0].Output, want) {
		t.Fatalf("run output %q missing %q", runs[0].Output, want)
	}

	// A non-matching event kind does not run the rule.
	f.svc.RunForEvent(ctx, issue.Event{WorkspaceID: f.ws.ID, IssueID: f.is.ID, Kind: issue.EventClosed})
	runs, _ = f.svc.Runs(ctx, f.owner.ID, f.ws.ID)
	if len(runs) != 1 {
		t.Fatalf("run count after non-matching event = %d, want 1", len(runs))
	}
}

func TestRunForEventSkipsDisabledRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rule := f.mustRule(t, "dormant", "*", `addComment("never")`)
	disabled := false
	if _, err := f.svc.UpdateRule(ctx, f.owner.ID, f.ws.ID, rule.ID, nil, nil, nil, &disabled); err != nil {
		t.Fatalf("disable rule: %v", err)
	}

	f.svc.RunForEvent(ctx, issue.Event{WorkspaceID: f.ws.ID, IssueID: f.is.ID, Kind: issue.EventStatus})

	runs, err := f.svc.Runs(ctx, f.owner.ID, f.ws.ID)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("run count = %d, want 0", len(runs))
	}
	comments, _ := f.issues.Comments(ctx, f.ws.ID, f.is.ID)
	if len(comments) != 0 {
		t.Fatalf("comment count = %d, want 0", len(comments))
	}
}

func TestFailedScriptAppliesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mustRule(t, "broken", "*", `
		addComment("should not appear");
		throw new Error("boom");
	`)

	f.svc.RunForEvent(ctx, issue.Event{WorkspaceID: f.ws.ID, IssueID: f.is.ID, Kind: issue.EventStatus})

	runs, err := f.svc.Runs(ctx, f.owner.ID, f.ws.ID)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("run count = %d, want 1", len(runs))
	}
	if !strings.Contains(runs[0].Error, "boom") {
		t.Fatalf("run error %q, want script failure", runs[0].Error)
	}
	comments, _ := f.issues.Comments(ctx, f.ws.ID, f.is.ID)
	if len(comments) != 0 {
		t.Fatalf("comment count = %d, want 0 after failed script", len(comments))
	}
}

func TestWatchdogInterruptsRunawayScript(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	started := time.Now()
	rule := automation.Rule{WorkspaceID: "w", Name: "spin", Trigger: "*", Source: "for (;;) {}", Enabled: true}
	_, _, err := execute(ctx, rule, issue.Event{}, issue.Issue{})
	if err == nil {
		t.Fatal("expected interrupt error")
	}
	if !strings.Contains(err.Error(), "execution timeout") {
		t.Fatalf("error = %v, want execution timeout", err)
	}
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Fatalf("interrupt took %v", elapsed)
	}
}

func TestExecuteActionLimits(t *testing.T) {
	rule := automation.Rule{WorkspaceID: "w", Name: "greedy", Trigger: "*", Enabled: true, Source: `
		addComment("   ");
		setLabel("");
		for (var i = 0; i < 15; i++) { addComment("c" + i); }
		setLabel("late");
	`}

	_, actions, err := execute(context.Background(), rule, issue.Event{}, issue.Issue{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(actions) != maxActions {
		t.Fatalf("action count = %d, want %d", len(actions), maxActions)
	}
	if actions[0].kind != actionComment || actions[0].value != "c0" {
		t.Fatalf("first action = %+v, want comment c0", actions[0])
	}
}

func TestRunHistoryTrim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < runHistorySize+10; i++ {
		f.svc.recordRun(f.ws.ID, automation.RunResult{RuleID: fmt.Sprintf("r-%d", i)})
	}

	runs, err := f.svc.Runs(ctx, f.owner.ID, f.ws.ID)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != runHistorySize {
		t.Fatalf("run count = %d, want %d", len(runs), runHistorySize)
	}
	if runs[0].RuleID != fmt.Sprintf("r-%d", runHistorySize+9) {
		t.Fatalf("newest run = %q, want most recent first", runs[0].RuleID)
	}
	if runs[len(runs)-1].RuleID != "r-10" {
		t.Fatalf("oldest retained run = %q, want r-10", runs[len(runs)-1].RuleID)
	}

	if _, err := f.svc.Runs(ctx, "stranger", f.ws.ID); err == nil {
		t.Fatal("expected access error for non-member")
	}
}

func TestDispatcherFiltersAutomationEvents(t *testing.T) {
	f := newFixture(t)
	d := NewDispatcher(f.svc, nil)

	d.OfferEvent(issue.Event{WorkspaceID: f.ws.ID, IssueID: f.is.ID, Actor: issue.AutomationActor, Kind: issue.EventCommented})
	if len(d.queue) != 0 {
		t.Fatalf("queue length = %d, automation events must be filtered", len(d.queue))
	}

	d.OfferEvent(issue.Event{WorkspaceID: f.ws.ID, IssueID: f.is.ID, Actor: f.member.ID, Kind: issue.EventCommented})
	if len(d.queue) != 1 {
		t.Fatalf("queue length = %d, want 1", len(d.queue))
	}
}

func TestDispatcherDropsOldest(t *testing.T) {
	f := newFixture(t)
	d := NewDispatcher(f.svc, nil)

	for i := 0; i < queueSize+3; i++ {
		d.OfferEvent(issue.Event{WorkspaceID: f.ws.ID, IssueID: fmt.Sprintf("is-%d", i), Kind: issue.EventCreated})
	}
	if len(d.queue) != queueSize {
		t.Fatalf("queue length = %d, want %d", len(d.queue), queueSize)
	}
	first := <-d.queue
	if first.IssueID != "is-3" {
		t.Fatalf("head of queue = %q, want is-3 after dropping the oldest", first.IssueID)
	}
}

func TestDispatcherEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mustRule(t, "acker", "*", `addComment("ack")`)

	d := NewDispatcher(f.svc, nil)
	f.issues.AttachSink(d)

	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := d.Start(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if d.Name() != "automation-dispatcher" {
		t.Fatalf("unexpected name %q", d.Name())
	}

	if _, err := f.issues.AddComment(ctx, f.member.ID, f.ws.ID, f.is.ID, "please look"); err != nil {
		t.Fatalf("add comment: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		runs, err := f.svc.Runs(ctx, f.owner.ID, f.ws.ID)
		if err != nil {
			t.Fatalf("list runs: %v", err)
		}
		if len(runs) >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("rule never ran")
		}
		time.Sleep(10 * time.Millisecond)
	}

	comments, err := f.issues.Comments(ctx, f.ws.ID, f.is.ID)
	if err != nil {
		t.Fatalf("list comments: %v", err)
	}
	if len(comments) != 2 {
		t.Fatalf("comment count = %d, want member comment plus ack", len(comments))
	}

	// The ack carries the automation actor, so even a wildcard rule
	// must not run again for it.
	time.Sleep(100 * time.Millisecond)
	runs, err := f.svc.Runs(ctx, f.owner.ID, f.ws.ID)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("run count = %d, want 1 (no recursive automation)", len(runs))
	}
	comments, _ = f.issues.Comments(ctx, f.ws.ID, f.is.ID)
	if len(comments) != 2 {
		t.Fatalf("comment count = %d, automation must not feed itself", len(comments))
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := d.Stop(stopCtx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
