package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/daygent/daygent/internal/app/events"
	"github.com/daygent/daygent/internal/app/metrics"
	"github.com/daygent/daygent/internal/app/services/attachments"
	automationsvc "github.com/daygent/daygent/internal/app/services/automation"
	"github.com/daygent/daygent/internal/app/services/issues"
	"github.com/daygent/daygent/internal/app/services/llmproxy"
	"github.com/daygent/daygent/internal/app/services/providerkeys"
	usagesvc "github.com/daygent/daygent/internal/app/services/usage"
	"github.com/daygent/daygent/internal/app/services/users"
	"github.com/daygent/daygent/internal/app/services/workspaces"
	"github.com/daygent/daygent/internal/app/storage"
	"github.com/daygent/daygent/internal/app/storage/memory"
	"github.com/daygent/daygent/internal/app/system"
	"github.com/daygent/daygent/internal/blobstore"
	"github.com/daygent/daygent/internal/cache"
	"github.com/daygent/daygent/pkg/logger"
)

const hostStatsInterval = 15 * time.Second

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation; a nil Blobs disables the attachments service.
type Stores struct {
	Users        storage.UserStore
	Sessions     storage.SessionStore
	Tokens       storage.APITokenStore
	Workspaces   storage.WorkspaceStore
	Members      storage.MemberStore
	Invitations  storage.InvitationStore
	Issues       storage.IssueStore
	Comments     storage.CommentStore
	Events       storage.EventStore
	ProviderKeys storage.ProviderKeyStore
	Usage        storage.UsageStore
	Automation   storage.AutomationStore
	Attachments  storage.AttachmentStore

	// Blobs holds attachment contents. Leave nil to run without uploads.
	Blobs blobstore.Store
	// Cache backs the access and session caches. Defaults to in-process.
	Cache cache.Store
	// Cipher encrypts provider keys at rest. Nil falls back to plaintext
	// storage, which the key service warns about on startup.
	Cipher providerkeys.Cipher
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Users        *users.Service
	Workspaces   *workspaces.Service
	Issues       *issues.Service
	ProviderKeys *providerkeys.Service
	LLMProxy     *llmproxy.Service
	Usage        *usagesvc.Service
	Automation   *automationsvc.Service
	Attachments  *attachments.Service
	Events       *events.Hub
	Host         *metrics.HostCollector
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Users == nil {
		stores.Users = mem
	}
	if stores.Sessions == nil {
		stores.Sessions = mem
	}
	if stores.Tokens == nil {
		stores.Tokens = mem
	}
	if stores.Workspaces == nil {
		stores.Workspaces = mem
	}
	if stores.Members == nil {
		stores.Members = mem
	}
	if stores.Invitations == nil {
		stores.Invitations = mem
	}
	if stores.Issues == nil {
		stores.Issues = mem
	}
	if stores.Comments == nil {
		stores.Comments = mem
	}
	if stores.Events == nil {
		stores.Events = mem
	}
	if stores.ProviderKeys == nil {
		stores.ProviderKeys = mem
	}
	if stores.Usage == nil {
		stores.Usage = mem
	}
	if stores.Automation == nil {
		stores.Automation = mem
	}
	if stores.Attachments == nil {
		stores.Attachments = mem
	}
	if stores.Cache == nil {
		stores.Cache = cache.NewMemory()
	}

	manager := system.NewManager()

	usersService := users.New(stores.Users, stores.Sessions, stores.Tokens, log)

	workspacesService := workspaces.New(stores.Workspaces, stores.Members, stores.Invitations, stores.Users, log)
	workspacesService.AttachAccessCache(cache.NewAccessCache(stores.Cache))

	issuesService := issues.New(stores.Issues, stores.Comments, stores.Events, workspacesService, log)

	var keyOpts []providerkeys.Option
	if stores.Cipher != nil {
		keyOpts = append(keyOpts, providerkeys.WithCipher(stores.Cipher))
	}
	keysService := providerkeys.New(stores.ProviderKeys, log, keyOpts...)

	usageService := usagesvc.New(stores.Usage, stores.Workspaces, log)

	proxyService := llmproxy.New(keysService, usageService, log)
	proxyService.AttachBudgetGate(usageService)

	automationService := automationsvc.New(stores.Automation, stores.Issues, workspacesService, log)
	automationService.AttachIssueActions(issuesService)

	var attachmentsService *attachments.Service
	if stores.Blobs != nil {
		attachmentsService = attachments.New(stores.Attachments, stores.Issues, stores.Events, workspacesService, stores.Blobs, log)
	} else {
		log.Warn("no blob store configured; attachment uploads disabled")
	}

	hub := events.NewHub(log)
	if !disabled("DAYGENT_EVENTS") {
		issuesService.AttachSink(hub)
		if attachmentsService != nil {
			attachmentsService.AttachSink(hub)
		}
		if err := manager.Register(hub); err != nil {
			return nil, fmt.Errorf("register events hub: %w", err)
		}
	} else {
		log.Warn("DAYGENT_EVENTS disabled; live issue updates off")
	}

	if !disabled("DAYGENT_AUTOMATION") {
		dispatcher := automationsvc.NewDispatcher(automationService, log)
		issuesService.AttachSink(dispatcher)
		if attachmentsService != nil {
			attachmentsService.AttachSink(dispatcher)
		}
		if err := manager.Register(dispatcher); err != nil {
			return nil, fmt.Errorf("register automation dispatcher: %w", err)
		}
	} else {
		log.Warn("DAYGENT_AUTOMATION disabled; rules will not run")
	}

	if !disabled("DAYGENT_USAGE_ROLLUP") {
		if err := manager.Register(usagesvc.NewMonitor(usageService, log)); err != nil {
			return nil, fmt.Errorf("register usage monitor: %w", err)
		}
	} else {
		log.Warn("DAYGENT_USAGE_ROLLUP disabled; monthly summaries recompute on demand only")
	}

	if err := manager.Register(users.NewSessionCleaner(stores.Sessions, log)); err != nil {
		return nil, fmt.Errorf("register session cleaner: %w", err)
	}

	host := metrics.NewHostCollector(hostStatsInterval)
	if err := manager.Register(host); err != nil {
		return nil, fmt.Errorf("register host collector: %w", err)
	}

	return &Application{
		manager:      manager,
		log:          log,
		Users:        usersService,
		Workspaces:   workspacesService,
		Issues:       issuesService,
		ProviderKeys: keysService,
		LLMProxy:     proxyService,
		Usage:        usageService,
		Automation:   automationService,
		Attachments:  attachmentsService,
		Events:       hub,
		Host:         host,
	}, nil
}

// disabled reports whether the named subsystem is switched off via
// <name>_DISABLED-style environment toggles.
func disabled(name string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name + "_DISABLED")))
	switch v {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
