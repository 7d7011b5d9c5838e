package api

import (
	"net/http"
	"strings"

	"github.com/querydeck/querydeck/internal/auth"
)

func handleGetSaved(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Engine == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ENGINE_NOT_CONFIGURED", "execution engine is not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleViewReader); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "KEY_REQUIRED", "saved entry key is required", false, nil)
		return
	}

	entry, found, err := deps.Engine.Saved(r.Context(), key)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "CACHE_ERROR", "failed to load saved entry", true, map[string]any{"details": err.Error()})
		return
	}
	if !found {
		writeError(r.Context(), w, http.StatusNotFound, "SAVED_ENTRY_NOT_FOUND", "no saved entry with this key", false, nil)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func handleListSaved(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Engine == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ENGINE_NOT_CONFIGURED", "execution engine is not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleViewReader); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	entries, err := deps.Engine.ListSaved(r.Context())
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "CACHE_ERROR", "failed to list saved entries", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
