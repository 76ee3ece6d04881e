package httpapi

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/daygent/daygent/internal/logging"
)

// requireWorkspace resolves the caller's membership before any workspace
// subresource is touched. Lookups go through the access cache; only hits are
// cached, so a revoked member is cut off once the cached grant expires.
// Non-members get a 404 rather than a 403: whether a workspace exists is not
// disclosed to outsiders.
func (h *handler) requireWorkspace(w http.ResponseWriter, r *http.Request, workspaceID string) (*http.Request, bool) {
	actor := logging.GetUserID(r.Context())
	if actor == "" {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("user identity required"))
		return nil, false
	}

	role, err := h.app.Workspaces.ValidateAccess(r.Context(), actor, workspaceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, fmt.Errorf("workspace not found"))
		} else {
			writeError(w, http.StatusInternalServerError, err)
		}
		return nil, false
	}

	ctx := logging.WithWorkspaceID(r.Context(), workspaceID)
	ctx = logging.WithRole(ctx, string(role))
	return r.WithContext(ctx), true
}
