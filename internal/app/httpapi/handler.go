package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	app "github.com/daygent/daygent/internal/app"
	"github.com/daygent/daygent/internal/app/domain/automation"
	"github.com/daygent/daygent/internal/app/domain/issue"
	"github.com/daygent/daygent/internal/app/domain/providerkey"
	"github.com/daygent/daygent/internal/app/domain/workspace"
	"github.com/daygent/daygent/internal/app/metrics"
	"github.com/daygent/daygent/internal/app/services/attachments"
	issuessvc "github.com/daygent/daygent/internal/app/services/issues"
	"github.com/daygent/daygent/internal/app/services/llmproxy"
	"github.com/daygent/daygent/internal/app/services/workspaces"
	"github.com/daygent/daygent/internal/logging"
)

// maxBodyBytes caps JSON request bodies. Attachment uploads have their own
// limit enforced by the attachments service.
const maxBodyBytes = 1 << 20

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app *app.Application
}

// NewHandler returns a mux exposing the core REST API.
func NewHandler(application *app.Application) http.Handler {
	h := &handler{app: application}
	mux := http.NewServeMux()
	mux.HandleFunc("/workspaces", h.workspaces)
	mux.HandleFunc("/workspaces/", h.workspaceResources)
	mux.HandleFunc("/invitations/accept", h.acceptInvitation)
	mux.HandleFunc("/healthz", h.healthz)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func (h *handler) workspaces(w http.ResponseWriter, r *http.Request) {
	actor := logging.GetUserID(r.Context())
	if actor == "" {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("user identity required"))
		return
	}

	switch r.Method {
	case http.MethodPost:
		var payload struct {
			Name string `json:"name"`
			Slug string `json:"slug"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		ws, err := h.app.Workspaces.Create(r.Context(), actor, payload.Name, payload.Slug)
		if err != nil {
			writeError(w, errStatus(err, http.StatusBadRequest), err)
			return
		}
		writeJSON(w, http.StatusCreated, ws)

	case http.MethodGet:
		list, err := h.app.Workspaces.List(r.Context(), actor)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, list)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) workspaceResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/workspaces"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	workspaceID := parts[0]

	r, ok := h.requireWorkspace(w, r, workspaceID)
	if !ok {
		return
	}

	if len(parts) == 1 {
		h.workspace(w, r, workspaceID)
		return
	}

	resource := parts[1]
	switch resource {
	case "members":
		h.workspaceMembers(w, r, workspaceID, parts[2:])
	case "invitations":
		h.workspaceInvitations(w, r, workspaceID, parts[2:])
	case "issues":
		h.workspaceIssues(w, r, workspaceID, parts[2:])
	case "attachments":
		h.workspaceAttachments(w, r, workspaceID, parts[2:])
	case "statistics":
		h.workspaceStatistics(w, r, workspaceID)
	case "activity":
		h.workspaceActivity(w, r, workspaceID)
	case "keys":
		h.workspaceKeys(w, r, workspaceID, parts[2:])
	case "llm":
		h.workspaceLLM(w, r, workspaceID, parts[2:])
	case "usage":
		h.workspaceUsage(w, r, workspaceID)
	case "automation":
		h.workspaceAutomation(w, r, workspaceID, parts[2:])
	case "events":
		h.workspaceEvents(w, r, workspaceID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *handler) workspace(w http.ResponseWriter, r *http.Request, workspaceID string) {
	actor := logging.GetUserID(r.Context())

	switch r.Method {
	case http.MethodGet:
		ws, err := h.app.Workspaces.Get(r.Context(), actor, workspaceID)
		if err != nil {
			writeError(w, errStatus(err, http.StatusInternalServerError), err)
			return
		}
		writeJSON(w, http.StatusOK, ws)

	case http.MethodPatch:
		var payload struct {
			Name     *string           `json:"name"`
			Settings map[string]string `json:"settings"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		name := ""
		if payload.Name != nil {
			name = *payload.Name
		}
		ws, err := h.app.Workspaces.Update(r.Context(), actor, workspaceID, name, payload.Settings)
		if err != nil {
			writeError(w, errStatus(err, http.StatusBadRequest), err)
			return
		}
		writeJSON(w, http.StatusOK, ws)

	case http.MethodDelete:
		if err := h.app.Workspaces.Delete(r.Context(), actor, workspaceID); err != nil {
			writeError(w, errStatus(err, http.StatusBadRequest), err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) workspaceMembers(w http.ResponseWriter, r *http.Request, workspaceID string, rest []string) {
	actor := logging.GetUserID(r.Context())

	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			members, err := h.app.Workspaces.Members(r.Context(), actor, workspaceID)
			if err != nil {
				writeError(w, errStatus(err, http.StatusInternalServerError), err)
				return
			}
			writeJSON(w, http.StatusOK, members)

		case http.MethodPost:
			var payload struct {
				UserID string `json:"user_id"`
				Role   string `json:"role"`
			}
			if err := decodeJSON(r.Body, &payload); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}

			m, err := h.app.Workspaces.AddMember(r.Context(), actor, workspaceID, payload.UserID, workspace.Role(payload.Role))
			if err != nil {
				writeError(w, errStatus(err, http.StatusBadRequest), err)
				return
			}
			writeJSON(w, http.StatusCreated, m)

		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	memberID := rest[0]
	switch r.Method {
	case http.MethodPatch:
		var payload struct {
			Role string `json:"role"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		m, err := h.app.Workspaces.UpdateMemberRole(r.Context(), actor, workspaceID, memberID, workspace.Role(payload.Role))
		if err != nil {
			writeError(w, errStatus(err, http.StatusBadRequest), err)
			return
		}
		writeJSON(w, http.StatusOK, m)

	case http.MethodDelete:
		if err := h.app.Workspaces.RemoveMember(r.Context(), actor, workspaceID, memberID); err != nil {
			writeError(w, errStatus(err, http.StatusBadRequest), err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) workspaceInvitations(w http.ResponseWriter, r *http.Request, workspaceID string, rest []string) {
	actor := logging.GetUserID(r.Context())

	if len(rest) == 0 {
		switch r.Method {
		case http.MethodPost:
			var payload struct {
				Email string `json:"email"`
				Role  string `json:"role"`
			}
			if err := decodeJSON(r.Body, &payload); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}

			inv, token, err := h.app.Workspaces.Invite(r.Context(), actor, workspaceID, payload.Email, workspace.Role(payload.Role))
			if err != nil {
				writeError(w, errStatus(err, http.StatusBadRequest), err)
				return
			}
			// The raw token is only ever returned here.
			writeJSON(w, http.StatusCreated, struct {
				workspace.Invitation
				Token string `json:"token"`
			}{inv, token})

		case http.MethodGet:
			list, err := h.app.Workspaces.Invitations(r.Context(), actor, workspaceID)
			if err != nil {
				writeError(w, errStatus(err, http.StatusInternalServerError), err)
				return
			}
			writeJSON(w, http.StatusOK, list)

		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	inviteID := rest[0]
	switch r.Method {
	case http.MethodDelete:
		if err := h.app.Workspaces.RevokeInvitation(r.Context(), actor, workspaceID, inviteID); err != nil {
			writeError(w, errStatus(err, http.StatusBadRequest), err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) acceptInvitation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	actor := logging.GetUserID(r.Context())
	if actor == "" {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("user identity required"))
		return
	}

	var payload struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.Token == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("token is required"))
		return
	}

	m, err := h.app.Workspaces.AcceptInvitation(r.Context(), payload.Token, actor)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *handler) workspaceIssues(w http.ResponseWriter, r *http.Request, workspaceID string, rest []string) {
	actor := logging.GetUserID(r.Context())

	if len(rest) == 0 || rest[0] == "" {
		switch r.Method {
		case http.MethodPost:
			var payload struct {
				Title       string     `json:"title"`
				Description string     `json:"description"`
				Type        string     `json:"type"`
				Priority    *int       `json:"priority"`
				AssigneeID  string     `json:"assignee_id"`
				Labels      []string   `json:"labels"`
				DueAt       *time.Time `json:"due_at"`
			}
			if err := decodeJSON(r.Body, &payload); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}

			priority := issue.PriorityNormal
			if payload.Priority != nil {
				priority = *payload.Priority
			}
			is := issue.Issue{
				WorkspaceID: workspaceID,
				Title:       payload.Title,
				Description: payload.Description,
				Type:        issue.Type(payload.Type),
				Priority:    priority,
				AssigneeID:  payload.AssigneeID,
				Labels:      payload.Labels,
				DueAt:       payload.DueAt,
			}
			created, err := h.app.Issues.Create(r.Context(), actor, is)
			if err != nil {
				writeError(w, errStatus(err, http.StatusBadRequest), err)
				return
			}
			writeJSON(w, http.StatusCreated, created)

		case http.MethodGet:
			q := r.URL.Query()
			filter := issue.Filter{
				Status:     issue.Status(q.Get("status")),
				Type:       issue.Type(q.Get("type")),
				AssigneeID: q.Get("assignee"),
				Label:      q.Get("label"),
				Search:     q.Get("q"),
			}
			if raw := q.Get("priority"); raw != "" {
				p, err := strconv.Atoi(raw)
				if err != nil {
					writeError(w, http.StatusBadRequest, fmt.Errorf("priority must be numeric"))
					return
				}
				filter.Priority = &p
			}

			list, err := h.app.Issues.List(r.Context(), workspaceID, filter)
			if err != nil {
				writeError(w, errStatus(err, http.StatusInternalServerError), err)
				return
			}
			writeJSON(w, http.StatusOK, list)

		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	is, err := h.issueByNumber(r.Context(), workspaceID, rest[0])
	if err != nil {
		writeError(w, errStatus(err, http.StatusBadRequest), err)
		return
	}

	if len(rest) == 1 {
		h.issue(w, r, workspaceID, is)
		return
	}

	switch rest[1] {
	case "transition":
		h.issueTransition(w, r, workspaceID, is)
	case "comments":
		h.issueComments(w, r, workspaceID, is, rest[2:])
	case "events":
		h.issueEvents(w, r, workspaceID, is)
	case "attachments":
		h.issueAttachments(w, r, workspaceID, is)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *handler) issue(w http.ResponseWriter, r *http.Request, workspaceID string, is issue.Issue) {
	actor := logging.GetUserID(r.Context())

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, is)

	case http.MethodPatch:
		var payload struct {
			Title       *string    `json:"title"`
			Description *string    `json:"description"`
			Type        *string    `json:"type"`
			Priority    *int       `json:"priority"`
			AssigneeID  *string    `json:"assignee_id"`
			Labels      *[]string  `json:"labels"`
			DueAt       *time.Time `json:"due_at"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		patch := issuessvc.Patch{
			Title:       payload.Title,
			Description: payload.Description,
			Priority:    payload.Priority,
			AssigneeID:  payload.AssigneeID,
			Labels:      payload.Labels,
			DueAt:       payload.DueAt,
		}
		if payload.Type != nil {
			t := issue.Type(*payload.Type)
			patch.Type = &t
		}
		updated, err := h.app.Issues.Update(r.Context(), actor, workspaceID, is.ID, patch)
		if err != nil {
			writeError(w, errStatus(err, http.StatusBadRequest), err)
			return
		}
		writeJSON(w, http.StatusOK, updated)

	case http.MethodDelete:
		if err := h.app.Issues.Delete(r.Context(), actor, workspaceID, is.ID); err != nil {
			writeError(w, errStatus(err, http.StatusBadRequest), err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) issueTransition(w http.ResponseWriter, r *http.Request, workspaceID string, is issue.Issue) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var payload struct {
		Status string `json:"status"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	actor := logging.GetUserID(r.Context())
	updated, err := h.app.Issues.Transition(r.Context(), actor, workspaceID, is.ID, issue.Status(payload.Status))
	if err != nil {
		// A rejected transition reads as a conflict with the issue's state.
		writeError(w, errStatus(err, http.StatusConflict), err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *handler) issueComments(w http.ResponseWriter, r *http.Request, workspaceID string, is issue.Issue, rest []string) {
	actor := logging.GetUserID(r.Context())

	if len(rest) == 0 {
		switch r.Method {
		case http.MethodPost:
			var payload struct {
				Body string `json:"body"`
			}
			if err := decodeJSON(r.Body, &payload); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}

			c, err := h.app.Issues.AddComment(r.Context(), actor, workspaceID, is.ID, payload.Body)
			if err != nil {
				writeError(w, errStatus(err, http.StatusBadRequest), err)
				return
			}
			writeJSON(w, http.StatusCreated, c)

		case http.MethodGet:
			comments, err := h.app.Issues.Comments(r.Context(), workspaceID, is.ID)
			if err != nil {
				writeError(w, errStatus(err, http.StatusInternalServerError), err)
				return
			}
			writeJSON(w, http.StatusOK, comments)

		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	commentID := rest[0]
	switch r.Method {
	case http.MethodPatch:
		var payload struct {
			Body string `json:"body"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		c, err := h.app.Issues.UpdateComment(r.Context(), actor, workspaceID, is.ID, commentID, payload.Body)
		if err != nil {
			writeError(w, errStatus(err, http.StatusBadRequest), err)
			return
		}
		writeJSON(w, http.StatusOK, c)

	case http.MethodDelete:
		if err := h.app.Issues.DeleteComment(r.Context(), actor, workspaceID, is.ID, commentID); err != nil {
			writeError(w, errStatus(err, http.StatusBadRequest), err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) issueEvents(w http.ResponseWriter, r *http.Request, workspaceID string, is issue.Issue) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	events, err := h.app.Issues.History(r.Context(), workspaceID, is.ID)
	if err != nil {
		writeError(w, errStatus(err, http.StatusInternalServerError), err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *handler) issueAttachments(w http.ResponseWriter, r *http.Request, workspaceID string, is issue.Issue) {
	if h.app.Attachments == nil {
		writeError(w, http.StatusNotImplemented, fmt.Errorf("attachments service not configured"))
		return
	}
	actor := logging.GetUserID(r.Context())

	switch r.Method {
	case http.MethodPost:
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("multipart file field %q is required", "file"))
			return
		}
		defer file.Close()

		att, err := h.app.Attachments.Upload(r.Context(), actor, workspaceID, is.ID, header.Filename, header.Header.Get("Content-Type"), header.Size, file)
		if err != nil {
			writeError(w, errStatus(err, http.StatusBadRequest), err)
			return
		}
		writeJSON(w, http.StatusCreated, att)

	case http.MethodGet:
		list, err := h.app.Attachments.List(r.Context(), actor, workspaceID, is.ID)
		if err != nil {
			writeError(w, errStatus(err, http.StatusInternalServerError), err)
			return
		}
		writeJSON(w, http.StatusOK, list)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) workspaceAttachments(w http.ResponseWriter, r *http.Request, workspaceID string, rest []string) {
	if h.app.Attachments == nil {
		writeError(w, http.StatusNotImplemented, fmt.Errorf("attachments service not configured"))
		return
	}
	if len(rest) == 0 || rest[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	actor := logging.GetUserID(r.Context())
	attachmentID := rest[0]

	switch r.Method {
	case http.MethodGet:
		att, rc, err := h.app.Attachments.Download(r.Context(), actor, workspaceID, attachmentID)
		if err != nil {
			writeError(w, errStatus(err, http.StatusInternalServerError), err)
			return
		}
		defer rc.Close()

		w.Header().Set("Content-Type", att.ContentType)
		w.Header().Set("Content-Length", strconv.FormatInt(att.Size, 10))
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", att.Filename))
		w.WriteHeader(http.StatusOK)
		_, _ = io.Copy(w, rc)

	case http.MethodDelete:
		if err := h.app.Attachments.Delete(r.Context(), actor, workspaceID, attachmentID); err != nil {
			writeError(w, errStatus(err, http.StatusBadRequest), err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) workspaceStatistics(w http.ResponseWriter, r *http.Request, workspaceID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	stats, err := h.app.Issues.Statistics(r.Context(), workspaceID)
	if err != nil {
		writeError(w, errStatus(err, http.StatusInternalServerError), err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handler) workspaceActivity(w http.ResponseWriter, r *http.Request, workspaceID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("limit must be a positive integer"))
			return
		}
		limit = n
	}

	events, err := h.app.Issues.Activity(r.Context(), workspaceID, limit)
	if err != nil {
		writeError(w, errStatus(err, http.StatusInternalServerError), err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *handler) workspaceKeys(w http.ResponseWriter, r *http.Request, workspaceID string, rest []string) {
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodPost:
			if !requireRole(w, r, workspace.RoleAdmin) {
				return
			}
			var payload struct {
				Provider string `json:"provider"`
				Label    string `json:"label"`
				Secret   string `json:"secret"`
				BaseURL  string `json:"base_url"`
			}
			if err := decodeJSON(r.Body, &payload); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}

			key, err := h.app.ProviderKeys.Create(r.Context(), workspaceID, providerkey.Provider(payload.Provider), payload.Label, payload.Secret, payload.BaseURL)
			if err != nil {
				writeError(w, errStatus(err, http.StatusBadRequest), err)
				return
			}
			writeJSON(w, http.StatusCreated, key)

		case http.MethodGet:
			keys, err := h.app.ProviderKeys.List(r.Context(), workspaceID)
			if err != nil {
				writeError(w, errStatus(err, http.StatusInternalServerError), err)
				return
			}
			writeJSON(w, http.StatusOK, keys)

		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	keyID := rest[0]
	switch r.Method {
	case http.MethodGet:
		key, err := h.app.ProviderKeys.Get(r.Context(), workspaceID, keyID)
		if err != nil {
			writeError(w, errStatus(err, http.StatusInternalServerError), err)
			return
		}
		writeJSON(w, http.StatusOK, key)

	case http.MethodPatch:
		if !requireRole(w, r, workspace.RoleAdmin) {
			return
		}
		var payload struct {
			Secret string `json:"secret"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if payload.Secret == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("secret is required"))
			return
		}

		key, err := h.app.ProviderKeys.Update(r.Context(), workspaceID, keyID, payload.Secret)
		if err != nil {
			writeError(w, errStatus(err, http.StatusBadRequest), err)
			return
		}
		writeJSON(w, http.StatusOK, key)

	case http.MethodDelete:
		if !requireRole(w, r, workspace.RoleAdmin) {
			return
		}
		if err := h.app.ProviderKeys.Delete(r.Context(), workspaceID, keyID); err != nil {
			writeError(w, errStatus(err, http.StatusBadRequest), err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) workspaceLLM(w http.ResponseWriter, r *http.Request, workspaceID string, rest []string) {
	if len(rest) == 0 || rest[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	switch rest[0] {
	case "chat":
		var payload struct {
			KeyID    string          `json:"key_id"`
			Provider string          `json:"provider"`
			Path     string          `json:"path"`
			Payload  json.RawMessage `json:"payload"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		res, err := h.app.LLMProxy.Proxy(r.Context(), llmproxy.Request{
			WorkspaceID: workspaceID,
			KeyID:       payload.KeyID,
			Provider:    providerkey.Provider(payload.Provider),
			Path:        payload.Path,
			Payload:     []byte(payload.Payload),
		})
		if err != nil {
			writeProxyError(w, err)
			return
		}
		relayProxyResult(w, res)

	case "assist":
		var payload struct {
			Prompt    string `json:"prompt"`
			Model     string `json:"model"`
			MaxTokens int64  `json:"max_tokens"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		res, err := h.app.LLMProxy.Assist(r.Context(), llmproxy.AssistRequest{
			WorkspaceID: workspaceID,
			Prompt:      payload.Prompt,
			Model:       payload.Model,
			MaxTokens:   payload.MaxTokens,
		})
		if err != nil {
			writeProxyError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *handler) workspaceUsage(w http.ResponseWriter, r *http.Request, workspaceID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	if from, to := q.Get("from"), q.Get("to"); from != "" || to != "" {
		records, err := h.app.Usage.List(r.Context(), workspaceID, from, to)
		if err != nil {
			writeError(w, errStatus(err, http.StatusBadRequest), err)
			return
		}
		writeJSON(w, http.StatusOK, records)
		return
	}

	summary, err := h.app.Usage.Summary(r.Context(), workspaceID, q.Get("month"))
	if err != nil {
		writeError(w, errStatus(err, http.StatusBadRequest), err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *handler) workspaceAutomation(w http.ResponseWriter, r *http.Request, workspaceID string, rest []string) {
	actor := logging.GetUserID(r.Context())

	if len(rest) == 0 {
		switch r.Method {
		case http.MethodPost:
			var payload struct {
				Name    string `json:"name"`
				Trigger string `json:"trigger"`
				Source  string `json:"source"`
			}
			if err := decodeJSON(r.Body, &payload); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}

			rule, err := h.app.Automation.CreateRule(r.Context(), actor, automation.Rule{
				WorkspaceID: workspaceID,
				Name:        payload.Name,
				Trigger:     payload.Trigger,
				Source:      payload.Source,
			})
			if err != nil {
				writeError(w, errStatus(err, http.StatusBadRequest), err)
				return
			}
			writeJSON(w, http.StatusCreated, rule)

		case http.MethodGet:
			rules, err := h.app.Automation.ListRules(r.Context(), actor, workspaceID)
			if err != nil {
				writeError(w, errStatus(err, http.StatusInternalServerError), err)
				return
			}
			writeJSON(w, http.StatusOK, rules)

		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	if rest[0] == "runs" {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		runs, err := h.app.Automation.Runs(r.Context(), actor, workspaceID)
		if err != nil {
			writeError(w, errStatus(err, http.StatusInternalServerError), err)
			return
		}
		writeJSON(w, http.StatusOK, runs)
		return
	}

	ruleID := rest[0]
	switch r.Method {
	case http.MethodGet:
		rule, err := h.app.Automation.GetRule(r.Context(), actor, workspaceID, ruleID)
		if err != nil {
			writeError(w, errStatus(err, http.StatusInternalServerError), err)
			return
		}
		writeJSON(w, http.StatusOK, rule)

	case http.MethodPatch:
		var payload struct {
			Name    *string `json:"name"`
			Trigger *string `json:"trigger"`
			Source  *string `json:"source"`
			Enabled *bool   `json:"enabled"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		rule, err := h.app.Automation.UpdateRule(r.Context(), actor, workspaceID, ruleID, payload.Name, payload.Trigger, payload.Source, payload.Enabled)
		if err != nil {
			writeError(w, errStatus(err, http.StatusBadRequest), err)
			return
		}
		writeJSON(w, http.StatusOK, rule)

	case http.MethodDelete:
		if err := h.app.Automation.DeleteRule(r.Context(), actor, workspaceID, ruleID); err != nil {
			writeError(w, errStatus(err, http.StatusBadRequest), err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) workspaceEvents(w http.ResponseWriter, r *http.Request, workspaceID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.app.Events == nil || !h.app.Events.Running() {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("events hub not running"))
		return
	}
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		writeError(w, http.StatusUpgradeRequired, fmt.Errorf("websocket upgrade required"))
		return
	}
	// The upgrader writes its own handshake errors.
	_ = h.app.Events.Subscribe(w, r, workspaceID)
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	resp := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}
	if h.app.Host != nil {
		resp["host"] = h.app.Host.Snapshot()
	}
	writeJSON(w, http.StatusOK, resp)
}

// issueByNumber resolves the per-workspace issue number from the URL. A
// foreign or unknown number reads as absent.
func (h *handler) issueByNumber(ctx context.Context, workspaceID, raw string) (issue.Issue, error) {
	number, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return issue.Issue{}, fmt.Errorf("issue number must be numeric")
	}
	return h.app.Issues.GetByNumber(ctx, workspaceID, number)
}

// requireRole enforces a minimum workspace role for endpoints whose backing
// service does not carry an actor of its own.
func requireRole(w http.ResponseWriter, r *http.Request, min workspace.Role) bool {
	if workspace.Role(logging.GetRole(r.Context())).AtLeast(min) {
		return true
	}
	writeError(w, http.StatusForbidden, workspaces.ErrForbidden)
	return false
}

// errStatus maps well-known service errors onto HTTP statuses, falling back
// to the caller's default.
func errStatus(err error, fallback int) int {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound
	case errors.Is(err, workspaces.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, workspaces.ErrLastOwner):
		return http.StatusConflict
	case errors.Is(err, attachments.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, attachments.ErrUnsupportedType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	var svcErr *llmproxy.ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Status
	}
	return fallback
}

func relayProxyResult(w http.ResponseWriter, res *llmproxy.Result) {
	if res.ContentType != "" {
		w.Header().Set("Content-Type", res.ContentType)
	}
	w.WriteHeader(res.Status)

	if res.Stream != nil {
		defer res.Stream.Close()
		flusher, _ := w.(http.Flusher)
		buf := make([]byte, 4096)
		for {
			n, err := res.Stream.Read(buf)
			if n > 0 {
				if _, werr := w.Write(buf[:n]); werr != nil {
					return
				}
				if flusher != nil {
					flusher.Flush()
				}
			}
			if err != nil {
				return
			}
		}
	}
	_, _ = w.Write(res.Body)
}

func writeProxyError(w http.ResponseWriter, err error) {
	var svcErr *llmproxy.ServiceError
	if errors.As(err, &svcErr) {
		writeJSON(w, svcErr.Status, map[string]interface{}{
			"error": map[string]string{"code": svcErr.Code, "message": svcErr.Message},
		})
		return
	}
	writeError(w, errStatus(err, http.StatusBadGateway), err)
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(io.LimitReader(body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
