// Command daygent-seed loads a demo dataset into the configured database:
// two accounts, a workspace, a handful of issues, and an automation rule.
// It exists for local development; point it at a throwaway database.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/daygent/daygent/internal/app/domain/automation"
	"github.com/daygent/daygent/internal/app/domain/issue"
	"github.com/daygent/daygent/internal/app/domain/user"
	"github.com/daygent/daygent/internal/app/domain/workspace"
	automationsvc "github.com/daygent/daygent/internal/app/services/automation"
	"github.com/daygent/daygent/internal/app/services/issues"
	"github.com/daygent/daygent/internal/app/services/users"
	"github.com/daygent/daygent/internal/app/services/workspaces"
	"github.com/daygent/daygent/internal/app/storage/postgres"
	"github.com/daygent/daygent/internal/platform/database"
	"github.com/daygent/daygent/internal/platform/migrations"
	"github.com/daygent/daygent/pkg/logger"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.SetPrefix("[seed] ")
}

const triageScript = `
if (issue.type === "bug" && issue.priority <= 1) {
    setLabel("urgent");
    addComment("Auto-triaged: high-priority bug, please take a look today.");
}
console.log("triage checked issue #" + issue.number);
`

func main() {
	// A .env file is a development convenience, not a requirement.
	_ = godotenv.Load()

	var (
		databaseURL = flag.String("database", os.Getenv("DATABASE_URL"), "postgres connection URL")
		password    = flag.String("password", "daygent-demo", "password for the demo accounts")
	)
	flag.Parse()

	if *databaseURL == "" {
		log.Fatalf("database URL required via -database or DATABASE_URL")
	}

	ctx := context.Background()

	db, err := database.Open(ctx, database.Config{DSN: *databaseURL})
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	if err := migrations.Apply(ctx, db); err != nil {
		log.Fatalf("apply migrations: %v", err)
	}

	store := postgres.New(db)
	svclog := logger.NewDefault("seed")

	userSvc := users.New(store, store, store, svclog)
	wsSvc := workspaces.New(store, store, store, store, svclog)
	issueSvc := issues.New(store, store, store, wsSvc, svclog)
	ruleSvc := automationsvc.New(store, store, wsSvc, svclog)

	alice, err := ensureUser(ctx, userSvc, "alice@daygent.dev", "Alice Chen", *password)
	if err != nil {
		log.Fatalf("seed alice: %v", err)
	}
	bob, err := ensureUser(ctx, userSvc, "bob@daygent.dev", "Bob Osei", *password)
	if err != nil {
		log.Fatalf("seed bob: %v", err)
	}

	ws, err := wsSvc.Create(ctx, alice.ID, "Acme Robotics", "acme")
	if err != nil {
		// A previous run already made it.
		ws, err = wsSvc.GetBySlug(ctx, alice.ID, "acme")
		if err != nil {
			log.Fatalf("seed workspace: %v", err)
		}
	}

	if _, err := wsSvc.AddMember(ctx, alice.ID, ws.ID, bob.ID, workspace.RoleMember); err != nil {
		log.Printf("add bob to %s: %v", ws.Slug, err)
	}

	existing, err := issueSvc.List(ctx, ws.ID, issue.Filter{})
	if err != nil {
		log.Fatalf("list issues: %v", err)
	}
	if len(existing) > 0 {
		log.Printf("workspace %s already has %d issues; skipping issue seed", ws.Slug, len(existing))
	} else {
		seedIssues(ctx, issueSvc, ws.ID, alice.ID, bob.ID)
	}

	rules, err := ruleSvc.ListRules(ctx, alice.ID, ws.ID)
	if err != nil {
		log.Fatalf("list rules: %v", err)
	}
	if len(rules) == 0 {
		_, err := ruleSvc.CreateRule(ctx, alice.ID, automation.Rule{
			WorkspaceID: ws.ID,
			Name:        "Triage new bugs",
			Trigger:     "created",
			Source:      triageScript,
			Enabled:     true,
		})
		if err != nil {
			log.Fatalf("seed automation rule: %v", err)
		}
	}

	log.Printf("seeded workspace %q (%s) with demo accounts alice@daygent.dev and bob@daygent.dev", ws.Name, ws.ID)
	log.Printf("both accounts use the password %q", *password)
}

func ensureUser(ctx context.Context, svc *users.Service, email, name, password string) (user.User, error) {
	u, err := svc.Register(ctx, email, name, password)
	if err == nil {
		return u, nil
	}
	if errors.Is(err, users.ErrEmailTaken) {
		return svc.GetByEmail(ctx, email)
	}
	return user.User{}, err
}

func seedIssues(ctx context.Context, svc *issues.Service, workspaceID, aliceID, bobID string) {
	seeds := []issue.Issue{
		{
			WorkspaceID: workspaceID,
			Title:       "Login button unresponsive on Safari",
			Description: "Clicking the login button on Safari 17 does nothing; works on Chrome and Firefox.",
			Type:        issue.TypeBug,
			Priority:    1,
			AssigneeID:  bobID,
			Labels:      []string{"frontend"},
		},
		{
			WorkspaceID: workspaceID,
			Title:       "Dark mode for the issue board",
			Description: "Requested by three customers this month.",
			Type:        issue.TypeFeature,
			Priority:    3,
			Labels:      []string{"design"},
		},
		{
			WorkspaceID: workspaceID,
			Title:       "Paginate issue list responses",
			Type:        issue.TypeTask,
			Priority:    2,
			Labels:      []string{"api"},
		},
		{
			WorkspaceID: workspaceID,
			Title:       "Rotate provider keys quarterly",
			Type:        issue.TypeChore,
			Priority:    4,
		},
	}

	created := make([]issue.Issue, 0, len(seeds))
	for _, seed := range seeds {
		is, err := svc.Create(ctx, aliceID, seed)
		if err != nil {
			log.Fatalf("seed issue %q: %v", seed.Title, err)
		}
		created = append(created, is)
	}

	first := created[0]
	if _, err := svc.Transition(ctx, bobID, workspaceID, first.ID, issue.StatusInProgress); err != nil {
		log.Fatalf("transition issue #%d: %v", first.Number, err)
	}
	if _, err := svc.AddComment(ctx, bobID, workspaceID, first.ID, "Reproduced on Safari 17.2; looks like a preventDefault regression."); err != nil {
		log.Fatalf("comment on issue #%d: %v", first.Number, err)
	}
}
