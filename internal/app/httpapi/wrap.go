package httpapi

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	app "github.com/daygent/daygent/internal/app"
	"github.com/daygent/daygent/internal/app/auth"
	"github.com/daygent/daygent/internal/app/domain/user"
	"github.com/daygent/daygent/internal/app/metrics"
	"github.com/daygent/daygent/internal/logging"
	"github.com/daygent/daygent/internal/middleware"
	"github.com/daygent/daygent/internal/serviceauth"
)

const (
	defaultRequestTimeout = 30 * time.Second

	// defaultUploadLimit sits above the attachments service's own cap so
	// oversized files fail with the service's error, while egregious bodies
	// are refused before multipart parsing starts.
	defaultUploadLimit = 12 << 20
)

// Config adjusts the middleware stack NewServer wraps around the core API.
type Config struct {
	// ServiceTokens are static bearer tokens trusted to assert the acting
	// user via the X-User-ID header. The gateway holds one.
	ServiceTokens []string
	// ServiceKey verifies RS256-signed service tokens in the X-Service-Token
	// header, the gateway's alternative to a shared static token.
	ServiceKey *rsa.PublicKey
	// Operator enables static operator logins when configured.
	Operator *auth.Manager
	// AuditMax bounds the in-memory audit ring. Zero keeps the default.
	AuditMax int
	// AuditPath appends audit entries as JSONL when set.
	AuditPath string
	// CORSOrigins lists allowed origins. Empty allows any origin.
	CORSOrigins []string
	// RequestTimeout bounds each request. Zero keeps the default. Websocket
	// subscriptions and LLM calls are exempt.
	RequestTimeout time.Duration
	// UploadLimit caps attachment upload bodies in bytes.
	UploadLimit int64
	Logger      *logging.Logger
}

// NewServer wraps the core API with metrics, tracing, CORS, authentication,
// auditing, panic recovery, timeouts, and upload validation.
func NewServer(application *app.Application, cfg Config) (http.Handler, error) {
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}

	var sink auditSink
	if cfg.AuditPath != "" {
		fs, err := newFileAuditSink(cfg.AuditPath)
		if err != nil {
			return nil, fmt.Errorf("open audit sink: %w", err)
		}
		sink = fs
	}
	audit := newAuditRing(cfg.AuditMax, sink)

	handler := NewHandler(application)
	handler = withUploadValidation(handler, cfg.UploadLimit)
	handler = withTimeout(handler, cfg.RequestTimeout)
	handler = withRecovery(handler, log)
	handler = wrapWithAudit(handler, audit)
	handler = wrapWithAuth(handler, cfg.ServiceTokens, cfg.ServiceKey, application.Users, cfg.Operator)
	handler = wrapWithCORS(handler, cfg.CORSOrigins)
	handler = middleware.NewTracingMiddleware(log).Handler(handler)
	handler = metrics.InstrumentHandler(handler)
	return handler, nil
}

// tokenValidator validates end-user API tokens. The users service satisfies
// it; tests substitute their own.
type tokenValidator interface {
	ValidateAPIToken(ctx context.Context, key string) (user.User, error)
}

// wrapWithAuth authenticates every request except health, metrics, and the
// operator login. Four credentials are accepted: a trusted static service
// token carrying X-User-ID, an RS256-signed service token, an operator token,
// and an end-user API token.
func wrapWithAuth(next http.Handler, serviceTokens []string, serviceKey *rsa.PublicKey, users tokenValidator, operator *auth.Manager) http.Handler {
	trusted := make(map[string]bool, len(serviceTokens))
	for _, t := range serviceTokens {
		if t != "" {
			trusted[t] = true
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		if r.URL.Path == "/auth/login" {
			serveOperatorLogin(w, r, operator)
			return
		}

		if signed := r.Header.Get(serviceauth.ServiceTokenHeader); signed != "" {
			if serviceKey == nil {
				writeError(w, http.StatusUnauthorized, fmt.Errorf("signed service tokens not accepted"))
				return
			}
			if _, err := verifyServiceToken(signed, serviceKey); err != nil {
				writeError(w, http.StatusUnauthorized, err)
				return
			}
			userID := r.Header.Get(serviceauth.UserIDHeader)
			if userID == "" {
				writeError(w, http.StatusUnauthorized, fmt.Errorf("X-User-ID header required with a service token"))
				return
			}
			ctx := logging.WithUserID(r.Context(), userID)
			ctx = logging.WithRole(ctx, "service")
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("authentication required"))
			return
		}

		ctx := r.Context()
		if trusted[token] {
			userID := r.Header.Get("X-User-ID")
			if userID == "" {
				writeError(w, http.StatusUnauthorized, fmt.Errorf("X-User-ID header required with a service token"))
				return
			}
			ctx = logging.WithUserID(ctx, userID)
			ctx = logging.WithRole(ctx, "service")
		} else {
			authenticated := false
			if operator != nil && operator.Enabled() {
				if claims, err := operator.Validate(token); err == nil {
					ctx = logging.WithUserID(ctx, claims.Username)
					ctx = logging.WithRole(ctx, claims.Role)
					authenticated = true
				}
			}
			if !authenticated && users != nil {
				if u, err := users.ValidateAPIToken(ctx, token); err == nil {
					ctx = logging.WithUserID(ctx, u.ID)
					authenticated = true
				}
			}
			if !authenticated {
				writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid token"))
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// verifyServiceToken checks an RS256 service token minted by a gateway or
// ops process holding the paired private key.
func verifyServiceToken(signed string, key *rsa.PublicKey) (*serviceauth.ServiceClaims, error) {
	token, err := jwt.ParseWithClaims(signed, &serviceauth.ServiceClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid service token")
	}
	claims, ok := token.Claims.(*serviceauth.ServiceClaims)
	if !ok || !token.Valid || claims.ServiceID == "" {
		return nil, fmt.Errorf("invalid service token")
	}
	return claims, nil
}

// serveOperatorLogin exchanges static operator credentials for a token.
func serveOperatorLogin(w http.ResponseWriter, r *http.Request, operator *auth.Manager) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if operator == nil || !operator.Enabled() {
		writeError(w, http.StatusNotImplemented, fmt.Errorf("operator login not configured"))
		return
	}

	var payload struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	token, err := operator.Login(payload.Username, payload.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// bearerToken pulls the credential from the Authorization header, the
// X-API-Key header, or the token query parameter. The query form exists for
// browser websocket clients, which cannot set headers.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("token")
}

// wrapWithAudit records mutating requests in the audit ring and serves the
// ring at /audit for operators and trusted services.
func wrapWithAudit(next http.Handler, ring *auditRing) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/audit" {
			serveAudit(w, r, ring)
			return
		}

		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		ring.record(auditEntry{
			Time:       time.Now().UTC(),
			User:       logging.GetUserID(r.Context()),
			Role:       logging.GetRole(r.Context()),
			Workspace:  workspaceFromPath(r.URL.Path),
			Path:       r.URL.Path,
			Method:     r.Method,
			Status:     rec.status,
			RemoteAddr: r.RemoteAddr,
			UserAgent:  r.UserAgent(),
		})
	})
}

func serveAudit(w http.ResponseWriter, r *http.Request, ring *auditRing) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !opsRole(logging.GetRole(r.Context())) {
		writeError(w, http.StatusForbidden, fmt.Errorf("operator access required"))
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, ring.tail(limit, r.URL.Query().Get("workspace")))
}

func opsRole(role string) bool {
	switch role {
	case "service", "operator", "admin":
		return true
	}
	return false
}

// workspaceFromPath extracts the workspace ID from /workspaces/{id}/... so
// audit entries can be filtered per tenant.
func workspaceFromPath(path string) string {
	const prefix = "/workspaces/"
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	rest := strings.TrimPrefix(path, prefix)
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i]
	}
	return rest
}

// wrapWithCORS delegates to the shared CORS middleware. An empty origin list
// allows any origin.
func wrapWithCORS(next http.Handler, origins []string) http.Handler {
	return middleware.NewCORSMiddleware(origins).Handler(next)
}

// withTimeout bounds request handling. Handlers surface the deadline as a
// 504 through errStatus. Websocket subscriptions and LLM calls run without a
// deadline: the former are long-lived, the latter carry their own upstream
// timeout.
func withTimeout(next http.Handler, d time.Duration) http.Handler {
	if d <= 0 {
		d = defaultRequestTimeout
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if timeoutExempt(r) {
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), d)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func timeoutExempt(r *http.Request) bool {
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return true
	}
	return strings.Contains(r.URL.Path, "/llm/")
}

// withRecovery turns handler panics into 500 responses instead of dropped
// connections.
func withRecovery(next http.Handler, log *logging.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.WithContext(r.Context()).WithFields(logrus.Fields{
					"panic": fmt.Sprintf("%v", rec),
					"stack": string(debug.Stack()),
					"path":  r.URL.Path,
				}).Error("handler panic")
				writeError(w, http.StatusInternalServerError, fmt.Errorf("internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// withUploadValidation refuses attachment uploads that declare an oversized
// body or the wrong content type before any multipart parsing happens.
func withUploadValidation(next http.Handler, maxBytes int64) http.Handler {
	if maxBytes <= 0 {
		maxBytes = defaultUploadLimit
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/attachments") {
			if r.ContentLength > maxBytes {
				writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("upload exceeds %d bytes", maxBytes))
				return
			}
			if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "multipart/form-data") {
				writeError(w, http.StatusUnsupportedMediaType, fmt.Errorf("multipart/form-data required"))
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
