// Package main runs the Daygent gateway: the browser-facing front door that
// handles registration, login sessions, and API tokens, then reverse-proxies
// /api/* to the application server with the authenticated user injected.
package main

import (
	"context"
	"crypto/rsa"
	"database/sql"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"

	"github.com/daygent/daygent/internal/app/services/users"
	"github.com/daygent/daygent/internal/app/storage"
	"github.com/daygent/daygent/internal/app/storage/memory"
	"github.com/daygent/daygent/internal/app/storage/postgres"
	"github.com/daygent/daygent/internal/cache"
	"github.com/daygent/daygent/internal/logging"
	"github.com/daygent/daygent/internal/metrics"
	"github.com/daygent/daygent/internal/middleware"
	"github.com/daygent/daygent/internal/platform/database"
	"github.com/daygent/daygent/internal/serviceauth"
	"github.com/daygent/daygent/pkg/logger"
)

type gatewayConfig struct {
	Addr           string   `env:"GATEWAY_ADDR,default=:8090"`
	DatabaseURL    string   `env:"DATABASE_URL"`
	RedisURL       string   `env:"REDIS_URL"`
	JWTSecret      string   `env:"GATEWAY_JWT_SECRET"`
	UpstreamURL    string   `env:"DAYGENT_SERVER_URL,default=http://localhost:8080"`
	ServiceToken   string   `env:"DAYGENT_SERVICE_TOKEN"`
	ServiceKeyFile string   `env:"GATEWAY_SERVICE_KEY_FILE"`
	CORSOrigins    []string `env:"CORS_ALLOWED_ORIGINS"`
	AdminUsers     []string `env:"GATEWAY_ADMIN_USERS"`
	RateLimit      int      `env:"GATEWAY_RATE_LIMIT,default=50"`
	RateBurst      int      `env:"GATEWAY_RATE_BURST,default=100"`
	LogLevel       string   `env:"LOG_LEVEL,default=info"`
	LogFormat      string   `env:"LOG_FORMAT,default=json"`
}

func main() {
	_ = godotenv.Load()

	var cfg gatewayConfig
	if err := envdecode.Decode(&cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		log.Fatalf("decode environment: %v", err)
	}
	if cfg.JWTSecret == "" {
		log.Fatalf("GATEWAY_JWT_SECRET is required")
	}
	if cfg.ServiceToken == "" && cfg.ServiceKeyFile == "" {
		log.Fatalf("DAYGENT_SERVICE_TOKEN or GATEWAY_SERVICE_KEY_FILE is required to reach the app server")
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	}

	upstream, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		log.Fatalf("parse DAYGENT_SERVER_URL: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svclog := logger.NewDefault("gateway")
	httplog := logging.New("gateway", cfg.LogLevel, cfg.LogFormat)

	var db *sql.DB
	var store userStores
	if cfg.DatabaseURL != "" {
		db, err = database.Open(ctx, database.Config{DSN: cfg.DatabaseURL})
		if err != nil {
			log.Fatalf("open database: %v", err)
		}
		defer db.Close()
		store = postgres.New(db)
	} else {
		log.Println("DATABASE_URL not set; using in-memory stores")
		store = memory.New()
	}

	var sessionCache *cache.SessionCache
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("parse REDIS_URL: %v", err)
		}
		sessionCache = cache.NewSessionCache(cache.NewRedis(redis.NewClient(opts)))
	} else {
		sessionCache = cache.NewSessionCache(cache.NewMemory())
	}

	var signer *serviceauth.ServiceTokenGenerator
	if cfg.ServiceKeyFile != "" {
		key, err := loadPrivateKey(cfg.ServiceKeyFile)
		if err != nil {
			log.Fatalf("load service key: %v", err)
		}
		signer = serviceauth.NewServiceTokenGenerator(key, "daygent-gateway", time.Hour)
	}

	gw := &gateway{
		users:    users.New(store, store, store, svclog),
		sessions: sessionCache,
		authmw:   middleware.NewAuthMiddleware([]byte(cfg.JWTSecret), httplog, nil),
		secret:   []byte(cfg.JWTSecret),
		admins:   toSet(cfg.AdminUsers),
		log:      httplog,
	}

	m := metrics.New("daygent_gateway")
	limiter := middleware.NewRateLimiter(cfg.RateLimit, cfg.RateBurst, httplog)
	limiter.StartCleanup(10 * time.Minute)

	router := newRouter(gw, m, limiter, newProxy(upstream, cfg.ServiceToken, signer))
	handler := middleware.NewCORSMiddleware(cfg.CORSOrigins).Handler(router)

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("gateway listening on %s (upstream %s)", cfg.Addr, upstream)
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
}

// newRouter wires the gateway's routes: health and metrics, the auth
// endpoints, and the authenticated catch-all that proxies to the application
// server.
func newRouter(gw *gateway, m *metrics.Metrics, limiter *middleware.RateLimiter, proxy http.Handler) *mux.Router {
	router := mux.NewRouter()
	router.Use(middleware.MetricsMiddleware("gateway", m))
	router.Use(middleware.LoggingMiddleware(gw.log))

	router.HandleFunc("/healthz", gw.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)

	router.HandleFunc("/auth/register", gw.handleRegister).Methods(http.MethodPost)
	router.HandleFunc("/auth/login", gw.handleLogin).Methods(http.MethodPost)
	router.HandleFunc("/auth/logout", gw.handleLogout).Methods(http.MethodPost)
	router.Handle("/auth/me", gw.requireSession(http.HandlerFunc(gw.handleMe))).Methods(http.MethodGet)
	router.Handle("/auth/tokens", gw.requireSession(http.HandlerFunc(gw.handleTokens))).Methods(http.MethodGet, http.MethodPost)
	router.Handle("/auth/tokens/{id}", gw.requireSession(http.HandlerFunc(gw.handleDeleteToken))).Methods(http.MethodDelete)

	api := router.PathPrefix("/api/").Subrouter()
	api.Use(gw.apiAuth)
	api.Use(limiter.Handler)
	api.PathPrefix("/").Handler(proxy)

	return router
}

// userStores is the slice of the storage layer the gateway touches. Both the
// memory and postgres stores satisfy it.
type userStores interface {
	storage.UserStore
	storage.SessionStore
	storage.APITokenStore
}

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		v = strings.TrimSpace(strings.ToLower(v))
		if v != "" {
			set[v] = true
		}
	}
	return set
}

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.SetPrefix("[gateway] ")
}
