// Package admin implements the operator API served by cmd/daygent-admin:
// usage reports, workspace administration, audit queries, and a host
// resource snapshot. It is never exposed to end users; the engine listens
// on its own port behind the X-Admin-Key gate.
package admin

import (
	"crypto/subtle"
	"database/sql"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/daygent/daygent/internal/app/domain/usage"
	"github.com/daygent/daygent/internal/app/metrics"
	usagesvc "github.com/daygent/daygent/internal/app/services/usage"
	"github.com/daygent/daygent/internal/app/storage"
	"github.com/daygent/daygent/internal/httputil"
	"github.com/daygent/daygent/internal/logging"
)

// Snapshotter supplies the host reading for GET /ops/system.
type Snapshotter interface {
	Snapshot() metrics.HostSnapshot
}

// Config wires the router's dependencies. Server is the client for the app
// server upstream; it may be nil when no server is reachable, in which case
// the proxying endpoints answer 503.
type Config struct {
	AdminKey   string
	Usage      *usagesvc.Service
	Workspaces storage.WorkspaceStore
	Members    storage.MemberStore
	Server     *httputil.ServiceClient
	Host       Snapshotter
	Log        *logging.Logger
}

type handlers struct {
	usage      *usagesvc.Service
	workspaces storage.WorkspaceStore
	members    storage.MemberStore
	server     *httputil.ServiceClient
	host       Snapshotter
	log        *logging.Logger
}

// NewRouter builds the gin engine serving the /ops API.
func NewRouter(cfg Config) *gin.Engine {
	log := cfg.Log
	if log == nil {
		log = logging.Default()
	}
	h := &handlers{
		usage:      cfg.Usage,
		workspaces: cfg.Workspaces,
		members:    cfg.Members,
		server:     cfg.Server,
		host:       cfg.Host,
		log:        log,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "admin"})
	})

	ops := engine.Group("/ops", requireAdminKey(cfg.AdminKey))
	ops.GET("/usage/:workspace", h.usageSummary)
	ops.POST("/usage/rollup", h.usageRollup)
	ops.GET("/workspaces", h.listWorkspaces)
	ops.DELETE("/workspaces/:id", h.deleteWorkspace)
	ops.GET("/audit", h.auditLog)
	ops.GET("/system", h.system)
	ops.GET("/server", h.serverHealth)

	return engine
}

// requireAdminKey gates the /ops group on the X-Admin-Key header. An empty
// configured key rejects everything rather than opening the surface.
func requireAdminKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		supplied := c.GetHeader("X-Admin-Key")
		if key == "" || subtle.ConstantTimeCompare([]byte(supplied), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin key"})
			return
		}
		c.Next()
	}
}

func (h *handlers) usageSummary(c *gin.Context) {
	ctx := c.Request.Context()
	workspaceID := c.Param("workspace")

	if _, err := h.workspaces.GetWorkspace(ctx, workspaceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "workspace not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load workspace"})
		return
	}

	summary, err := h.usage.Summary(ctx, workspaceID, c.Query("month"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	state, err := h.usage.BudgetState(ctx, workspaceID)
	if err != nil {
		h.log.WithContext(ctx).WithError(err).Warn("budget state lookup failed")
		state = usage.BudgetOK
	}

	c.JSON(http.StatusOK, gin.H{
		"summary":      summary,
		"total_tokens": summary.TotalTokens(),
		"budget_state": state,
	})
}

func (h *handlers) usageRollup(c *gin.Context) {
	var req struct {
		Month string `json:"month"`
	}
	// An empty body rolls up the current month.
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	summaries, err := h.usage.Rollup(c.Request.Context(), req.Month)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"workspaces": len(summaries),
		"summaries":  summaries,
	})
}

// workspaceRow is one /ops/workspaces listing entry.
type workspaceRow struct {
	ID          string `json:"id"`
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	OwnerID     string `json:"owner_id"`
	MemberCount int    `json:"member_count"`
	CreatedAt   string `json:"created_at"`
}

func (h *handlers) listWorkspaces(c *gin.Context) {
	ctx := c.Request.Context()

	all, err := h.workspaces.ListWorkspaces(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list workspaces"})
		return
	}

	rows := make([]workspaceRow, 0, len(all))
	for _, ws := range all {
		members, err := h.members.ListMembers(ctx, ws.ID)
		if err != nil {
			h.log.WithContext(ctx).WithError(err).Warnf("member listing for workspace %s failed", ws.ID)
		}
		rows = append(rows, workspaceRow{
			ID:          ws.ID,
			Slug:        ws.Slug,
			Name:        ws.Name,
			OwnerID:     ws.OwnerID,
			MemberCount: len(members),
			CreatedAt:   ws.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"workspaces": rows, "count": len(rows)})
}

// deleteWorkspace removes a workspace and everything hanging off it. Unlike
// the user-facing delete, no owner check applies here.
func (h *handlers) deleteWorkspace(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if _, err := h.workspaces.GetWorkspace(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "workspace not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load workspace"})
		return
	}

	if err := h.workspaces.DeleteWorkspace(ctx, id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete workspace"})
		return
	}
	h.log.WithContext(ctx).Warnf("workspace %s force-deleted via ops API", id)
	c.Status(http.StatusNoContent)
}

// auditLog forwards the query to the app server's audit ring. The ring
// lives in the server process, so the admin proxies rather than reading
// storage.
func (h *handlers) auditLog(c *gin.Context) {
	if h.server == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit upstream not configured"})
		return
	}

	path := "/audit"
	if q := c.Request.URL.RawQuery; q != "" {
		path += "?" + q
	}
	resp, err := h.server.Get(c.Request.Context(), path)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "audit upstream unavailable"})
		return
	}
	defer resp.Body.Close()

	c.DataFromReader(resp.StatusCode, resp.ContentLength, "application/json", resp.Body, nil)
}

// serverHealth reports the app server's health through the ops surface, so
// operators see upstream status without reaching the server's port.
func (h *handlers) serverHealth(c *gin.Context) {
	if h.server == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server upstream not configured"})
		return
	}

	resp, err := h.server.Get(c.Request.Context(), "/healthz")
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "server unreachable"})
		return
	}

	var health map[string]interface{}
	if err := httputil.DecodeResponse(resp, &health); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, health)
}

func (h *handlers) system(c *gin.Context) {
	if h.host == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "host collector not running"})
		return
	}
	c.JSON(http.StatusOK, h.host.Snapshot())
}
