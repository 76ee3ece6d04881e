// Package runtime assembles the configured application: stores, services,
// the HTTP surface, and the listener lifecycle.
package runtime

import (
	"context"
	"crypto/rsa"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"

	"github.com/daygent/daygent/internal/app"
	"github.com/daygent/daygent/internal/app/auth"
	"github.com/daygent/daygent/internal/app/httpapi"
	"github.com/daygent/daygent/internal/app/relay"
	"github.com/daygent/daygent/internal/app/services/providerkeys"
	"github.com/daygent/daygent/internal/app/storage/postgres"
	"github.com/daygent/daygent/internal/blobstore"
	"github.com/daygent/daygent/internal/cache"
	"github.com/daygent/daygent/internal/config"
	"github.com/daygent/daygent/internal/logging"
	"github.com/daygent/daygent/internal/platform/database"
	"github.com/daygent/daygent/internal/platform/migrations"
	"github.com/daygent/daygent/pkg/logger"
)

// Application wires core dependencies and manages the HTTP server lifecycle.
type Application struct {
	cfg     *config.Config
	log     *logger.Logger
	core    *app.Application
	handler http.Handler
	server  *http.Server
	db      *sql.DB
}

// NewApplication constructs the full stack from configuration. The context
// bounds store setup (connection ping, migrations).
func NewApplication(ctx context.Context, cfg *config.Config) (*Application, error) {
	log := logger.New(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	stores, db, err := buildStores(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("configure stores: %w", err)
	}

	core, err := app.New(stores, log)
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, err
	}

	var operator *auth.Manager
	if cfg.Auth.OperatorSecret != "" && len(cfg.Auth.Operators) > 0 {
		users := make([]auth.User, 0, len(cfg.Auth.Operators))
		for _, op := range cfg.Auth.Operators {
			users = append(users, auth.User{Username: op.Username, Password: op.Password, Role: op.Role})
		}
		operator = auth.NewManager(cfg.Auth.OperatorSecret, users)
	}

	var serviceKey *rsa.PublicKey
	if cfg.Auth.ServiceKeyFile != "" {
		pemBytes, err := os.ReadFile(cfg.Auth.ServiceKeyFile)
		if err != nil {
			if db != nil {
				db.Close()
			}
			return nil, fmt.Errorf("read service key: %w", err)
		}
		serviceKey, err = jwt.ParseRSAPublicKeyFromPEM(pemBytes)
		if err != nil {
			if db != nil {
				db.Close()
			}
			return nil, fmt.Errorf("parse service key: %w", err)
		}
	}

	handler, err := httpapi.NewServer(core, httpapi.Config{
		ServiceTokens:  cfg.Auth.ServiceTokens,
		ServiceKey:     serviceKey,
		Operator:       operator,
		AuditMax:       cfg.Audit.MaxEntries,
		AuditPath:      cfg.Audit.Path,
		CORSOrigins:    cfg.Server.CORSOrigins,
		RequestTimeout: cfg.Server.RequestTimeout,
		UploadLimit:    cfg.Server.UploadLimit,
		Logger:         logging.New("daygent", cfg.Logging.Level, cfg.Logging.Format),
	})
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, fmt.Errorf("build http server: %w", err)
	}

	if cfg.Relay.Enabled {
		relaySrv := relay.NewServer(core.Users, core.Workspaces, core.LLMProxy, log)
		mux := http.NewServeMux()
		mux.Handle("/v1/", relaySrv)
		mux.Handle("/", handler)
		handler = mux
	}

	return &Application{
		cfg:     cfg,
		log:     log,
		core:    core,
		handler: handler,
		server:  &http.Server{Addr: cfg.Server.Addr(), Handler: handler},
		db:      db,
	}, nil
}

// App exposes the wired services.
func (a *Application) App() *app.Application {
	return a.core
}

// Handler exposes the fully wrapped HTTP surface, so tests can serve it
// without a listener.
func (a *Application) Handler() http.Handler {
	return a.handler
}

// Run starts the background services and the HTTP listener, blocking until
// the context is cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	if err := a.core.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Infof("listening on %s", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown drains the listener, stops services, and closes the database.
func (a *Application) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := a.core.Stop(shutdownCtx); err != nil {
		a.log.WithError(err).Warn("error stopping services")
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.WithError(err).Warn("error closing database connection")
		}
	}
	return nil
}

func buildStores(ctx context.Context, cfg *config.Config, log *logger.Logger) (app.Stores, *sql.DB, error) {
	var stores app.Stores
	var db *sql.DB

	if cfg.Database.Driver == "postgres" {
		var err error
		db, err = database.Open(ctx, database.Config{
			DSN:             cfg.Database.DSN,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return stores, nil, err
		}
		if cfg.Database.Migrate {
			if err := migrations.Apply(ctx, db); err != nil {
				db.Close()
				return stores, nil, fmt.Errorf("apply migrations: %w", err)
			}
		}
		pg := postgres.New(db)
		stores = app.Stores{
			Users:        pg,
			Sessions:     pg,
			Tokens:       pg,
			Workspaces:   pg,
			Members:      pg,
			Invitations:  pg,
			Issues:       pg,
			Comments:     pg,
			Events:       pg,
			ProviderKeys: pg,
			Usage:        pg,
			Automation:   pg,
			Attachments:  pg,
		}
	}

	if cfg.Blobs.Dir != "" {
		fs, err := blobstore.NewFS(cfg.Blobs.Dir)
		if err != nil {
			if db != nil {
				db.Close()
			}
			return stores, nil, fmt.Errorf("open blob store: %w", err)
		}
		stores.Blobs = fs
	}

	if cfg.Cache.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Cache.RedisURL)
		if err != nil {
			if db != nil {
				db.Close()
			}
			return stores, nil, fmt.Errorf("parse redis url: %w", err)
		}
		stores.Cache = cache.NewRedis(redis.NewClient(opts))
	}

	stores.Cipher = loadCipher(ctx, log)

	return stores, db, nil
}

// loadCipher resolves the master encryption key. SECRET_ENCRYPTION_KEY wins;
// otherwise AZURE_KEY_VAULT_URL names a vault to fetch it from. A nil return
// leaves provider keys stored in plaintext, which the key service warns
// about.
func loadCipher(ctx context.Context, log *logger.Logger) providerkeys.Cipher {
	raw := os.Getenv("SECRET_ENCRYPTION_KEY")
	if raw == "" {
		if vault := os.Getenv("AZURE_KEY_VAULT_URL"); vault != "" {
			name := os.Getenv("AZURE_KEY_VAULT_SECRET")
			if name == "" {
				name = "daygent-master-key"
			}
			fetched, err := vaultSecret(ctx, vault, name)
			if err != nil {
				log.Warnf("key vault lookup failed: %v", err)
			} else {
				raw = fetched
			}
		}
	}
	if raw == "" {
		return nil
	}

	key, err := parseEncryptionKey(raw)
	if err != nil {
		log.Warnf("SECRET_ENCRYPTION_KEY invalid: %v", err)
		return nil
	}
	cipher, err := providerkeys.NewAESCipher(key)
	if err != nil {
		log.Warnf("failed to initialise master cipher: %v", err)
		return nil
	}
	return cipher
}

func parseEncryptionKey(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("missing encryption key")
	}

	// raw bytes
	if l := len(value); l == 16 || l == 24 || l == 32 {
		return []byte(value), nil
	}

	// base64
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		if l := len(decoded); l == 16 || l == 24 || l == 32 {
			return decoded, nil
		}
	}

	// hex
	if decoded, err := hex.DecodeString(value); err == nil {
		if l := len(decoded); l == 16 || l == 24 || l == 32 {
			return decoded, nil
		}
	}

	return nil, errors.New("must be raw 16/24/32 byte string or base64/hex encoding of that length")
}
