// Command daygent-admin runs the Daygent ops server: usage reports,
// workspace administration, audit queries, and a host resource snapshot.
// It listens on its own port and is meant to stay off the public edge.
package main

import (
	"context"
	"crypto/rsa"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"

	"github.com/daygent/daygent/internal/admin"
	appmetrics "github.com/daygent/daygent/internal/app/metrics"
	usagesvc "github.com/daygent/daygent/internal/app/services/usage"
	"github.com/daygent/daygent/internal/app/storage"
	"github.com/daygent/daygent/internal/app/storage/memory"
	"github.com/daygent/daygent/internal/app/storage/postgres"
	"github.com/daygent/daygent/internal/httputil"
	"github.com/daygent/daygent/internal/logging"
	"github.com/daygent/daygent/internal/middleware"
	"github.com/daygent/daygent/internal/platform/database"
	"github.com/daygent/daygent/pkg/logger"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.SetPrefix("[admin] ")
}

type adminConfig struct {
	Addr        string `env:"ADMIN_ADDR,default=:8091"`
	DatabaseURL string `env:"DATABASE_URL"`

	// AdminKey gates every /ops route.
	AdminKey string `env:"DAYGENT_ADMIN_KEY"`

	// ServerURL plus one of the two credentials reaches the app server
	// for audit queries and upstream health.
	ServerURL      string `env:"DAYGENT_SERVER_URL,default=http://localhost:8080"`
	ServiceToken   string `env:"DAYGENT_SERVICE_TOKEN"`
	ServiceKeyFile string `env:"ADMIN_SERVICE_KEY_FILE"`

	// PublicKeyFile additionally requires inbound callers to present an
	// RS256 service token on top of the admin key.
	PublicKeyFile string `env:"ADMIN_SERVICE_PUBKEY_FILE"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`
}

func main() {
	// A .env file is a development convenience, not a requirement.
	_ = godotenv.Load()

	var cfg adminConfig
	if err := envdecode.Decode(&cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		log.Fatalf("decode environment: %v", err)
	}
	if cfg.AdminKey == "" {
		log.Fatalf("DAYGENT_ADMIN_KEY is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	httplog := logging.New("admin", cfg.LogLevel, cfg.LogFormat)

	var store opsStores
	if cfg.DatabaseURL != "" {
		db, err := database.Open(ctx, database.Config{DSN: cfg.DatabaseURL})
		if err != nil {
			log.Fatalf("open database: %v", err)
		}
		defer db.Close()
		store = postgres.New(db)
	} else {
		log.Println("DATABASE_URL not set; using in-memory stores")
		store = memory.New()
	}

	var server *httputil.ServiceClient
	switch {
	case cfg.ServiceKeyFile != "":
		key, err := loadPrivateKey(cfg.ServiceKeyFile)
		if err != nil {
			log.Fatalf("load service key: %v", err)
		}
		server = httputil.NewServiceClient(httputil.ServiceClientConfig{
			PrivateKey: key,
			ServiceID:  "daygent-admin",
			BaseURL:    cfg.ServerURL,
		})
	case cfg.ServiceToken != "":
		server = httputil.NewServiceClient(httputil.ServiceClientConfig{
			StaticToken: cfg.ServiceToken,
			BaseURL:     cfg.ServerURL,
		})
	default:
		log.Println("no service credential configured; /ops/audit and /ops/server will answer 503")
	}

	host := appmetrics.NewHostCollector(0)
	if err := host.Start(ctx); err != nil {
		log.Fatalf("start host collector: %v", err)
	}

	engine := admin.NewRouter(admin.Config{
		AdminKey:   cfg.AdminKey,
		Usage:      usagesvc.New(store, store, logger.NewDefault("admin")),
		Workspaces: store,
		Members:    store,
		Server:     server,
		Host:       host,
		Log:        httplog,
	})

	var handler http.Handler = engine
	if cfg.PublicKeyFile != "" {
		pub, err := loadPublicKey(cfg.PublicKeyFile)
		if err != nil {
			log.Fatalf("load service public key: %v", err)
		}
		handler = middleware.NewServiceAuthMiddleware(middleware.ServiceAuthConfig{
			PublicKey: pub,
			Logger:    httplog,
			SkipPaths: []string{"/healthz"},
		}).Handler(engine)
	}

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("admin server listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	if err := host.Stop(shutdownCtx); err != nil {
		log.Printf("host collector stop error: %v", err)
	}
}

// opsStores is the slice of the storage layer the ops API touches.
type opsStores interface {
	storage.UsageStore
	storage.WorkspaceStore
	storage.MemberStore
}

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
}

func loadPublicKey(path string) (*rsa.PublicKey, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return jwt.ParseRSAPublicKeyFromPEM(pemBytes)
}
