// Package relay serves an OpenAI-compatible listener backed by the LLM
// proxy, so stock provider SDKs can point at Daygent as their base URL.
// Callers authenticate with a Daygent API token and name the workspace
// in a header; the forwarded path selects the provider key.
package relay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/daygent/daygent/internal/app/domain/providerkey"
	"github.com/daygent/daygent/internal/app/domain/user"
	"github.com/daygent/daygent/internal/app/services/llmproxy"
	"github.com/daygent/daygent/internal/app/services/workspaces"
	"github.com/daygent/daygent/pkg/logger"
)

const (
	// WorkspaceHeader names the workspace the call is billed to.
	WorkspaceHeader = "X-Daygent-Workspace"
	// KeyHeader optionally pins a specific provider key.
	KeyHeader = "X-Daygent-Key"

	maxPayload = 2 << 20
)

// TokenAuth validates relay credentials. The users service satisfies it.
type TokenAuth interface {
	ValidateAPIToken(ctx context.Context, key string) (user.User, error)
}

// Proxier forwards a request upstream. The llmproxy service satisfies it.
type Proxier interface {
	Proxy(ctx context.Context, req llmproxy.Request) (*llmproxy.Result, error)
}

// Server is the /v1/* relay surface. It is mounted on its own listener,
// separate from the core API.
type Server struct {
	auth   TokenAuth
	access workspaces.AccessChecker
	proxy  Proxier
	log    *logger.Logger
	router chi.Router
}

// NewServer wires the relay routes.
func NewServer(auth TokenAuth, access workspaces.AccessChecker, proxy Proxier, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewDefault("relay")
	}
	s := &Server{auth: auth, access: access, proxy: proxy, log: log}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Post("/v1/*", s.handleRelay)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	token := bearerToken(r)
	if token == "" {
		s.writeError(w, http.StatusUnauthorized, "invalid_request_error", "missing API token")
		return
	}
	u, err := s.auth.ValidateAPIToken(ctx, token)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "invalid_request_error", "invalid API token")
		return
	}

	workspaceID := r.Header.Get(WorkspaceHeader)
	if workspaceID == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_request_error", fmt.Sprintf("%s header is required", WorkspaceHeader))
		return
	}
	if _, err := s.access.ValidateAccess(ctx, u.ID, workspaceID); err != nil {
		if errors.Is(err, workspaces.ErrForbidden) || errors.Is(err, sql.ErrNoRows) {
			s.writeError(w, http.StatusForbidden, "invalid_request_error", "no access to workspace")
			return
		}
		s.log.WithError(err).Error("relay access check failed")
		s.writeError(w, http.StatusInternalServerError, "api_error", "access check failed")
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayload+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request_error", "read request body failed")
		return
	}
	if len(payload) > maxPayload {
		s.writeError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "request body too large")
		return
	}

	res, err := s.proxy.Proxy(ctx, llmproxy.Request{
		WorkspaceID: workspaceID,
		KeyID:       r.Header.Get(KeyHeader),
		Provider:    providerForPath(r.URL.Path),
		Path:        r.URL.Path,
		Payload:     payload,
	})
	if err != nil {
		s.writeProxyError(w, err)
		return
	}

	w.Header().Set("Content-Type", res.ContentType)
	w.WriteHeader(res.Status)
	if res.Stream != nil {
		defer res.Stream.Close()
		flusher, _ := w.(http.Flusher)
		buf := make([]byte, 4<<10)
		for {
			n, rerr := res.Stream.Read(buf)
			if n > 0 {
				if _, werr := w.Write(buf[:n]); werr != nil {
					return
				}
				if flusher != nil {
					flusher.Flush()
				}
			}
			if rerr != nil {
				return
			}
		}
	}
	w.Write(res.Body)
}

func (s *Server) writeProxyError(w http.ResponseWriter, err error) {
	var svcErr *llmproxy.ServiceError
	switch {
	case errors.As(err, &svcErr):
		kind := "api_error"
		if svcErr.Status < http.StatusInternalServerError {
			kind = "invalid_request_error"
		}
		s.writeError(w, svcErr.Status, kind, svcErr.Message)
	case errors.Is(err, sql.ErrNoRows):
		s.writeError(w, http.StatusNotFound, "invalid_request_error", "no provider key configured for workspace")
	default:
		s.log.WithError(err).Error("relay proxy failed")
		s.writeError(w, http.StatusBadGateway, "api_error", "upstream request failed")
	}
}

// writeError emits the OpenAI error envelope so SDK clients surface the
// message instead of a decode failure.
func (s *Server) writeError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":%q}}`, message, kind)
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

// providerForPath maps the forwarded path onto a provider family.
// Anthropic SDKs call /v1/messages; everything else is treated as
// OpenAI-compatible.
func providerForPath(path string) providerkey.Provider {
	if strings.HasSuffix(path, "/messages") {
		return providerkey.ProviderAnthropic
	}
	return providerkey.ProviderOpenAI
}
